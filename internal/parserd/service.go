// Package parserd hosts parser backends behind the Parser gRPC service.
package parserd

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/you-humble/alchemy/internal/domain"
	"github.com/you-humble/alchemy/internal/parser"
	"github.com/you-humble/alchemy/internal/parser/parserpb"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type Backends interface {
	Lookup(kind domain.Kind) (parser.Capability, error)
}

type Service struct {
	backends Backends
}

func NewService(backends Backends) *Service {
	return &Service{backends: backends}
}

// MockBackends registers the stand-in backend of every kind.
func MockBackends(delay time.Duration) *parser.Registry {
	reg := parser.NewRegistry()
	reg.Register(domain.KindDocument, Document{PageDelay: delay})
	reg.Register(domain.KindImage, Image{Model: "mock-vlm"})
	media := Media{Model: "mock-whisper", SegmentDelay: delay}
	reg.Register(domain.KindAudio, media)
	reg.Register(domain.KindVideo, media)
	reg.Register(domain.KindWeb, Web{Client: &http.Client{Timeout: 30 * time.Second}})
	return reg
}

func (s *Service) Parse(in *structpb.Struct, stream parserpb.Parser_ParseServer) error {
	ctx := stream.Context()

	req, err := parserpb.RequestFromStruct(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	kind, err := domain.ParseKind(req.Kind)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	backend, err := s.backends.Lookup(kind)
	if err != nil {
		return status.Error(codes.Unimplemented, err.Error())
	}

	send := func(r parserpb.Reply) error {
		m, err := r.Struct()
		if err != nil {
			return status.Errorf(codes.Internal, "encode reply: %v", err)
		}
		return stream.Send(m)
	}

	l := slog.With(slog.String("job_id", req.JobID), slog.String("kind", req.Kind))

	out, err := backend.Parse(ctx, parser.Request{
		JobID: req.JobID,
		Kind:  kind,
		Input: domain.Input{
			Name:        req.Name,
			ContentType: req.ContentType,
			Size:        int64(len(req.Content)),
			URL:         req.URL,
		},
		Body:    bytes.NewReader(req.Content),
		Options: domain.Options(req.Options),
	}, func(msg string) error {
		return send(parserpb.Progress(msg))
	})
	if err != nil {
		if ctx.Err() != nil {
			return status.FromContextError(ctx.Err()).Err()
		}

		var be *parser.BackendError
		if !errors.As(err, &be) {
			be = &parser.BackendError{Code: "internal", Message: err.Error()}
		}
		l.Error("parse failed", slog.String("code", be.Code), slog.String("error", be.Message))
		return send(parserpb.Failure(be.Code, be.Message))
	}

	l.Info("parse success", slog.String("name", req.Name), slog.String("url", req.URL))
	return send(parserpb.Reply{
		Type:     parserpb.ReplyResult,
		Markdown: out.Markdown,
		Raw:      out.Raw,
		Metadata: out.Metadata,
	})
}
