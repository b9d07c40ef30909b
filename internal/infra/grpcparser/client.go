// Package grpcparser reaches a parser backend hosted behind the Parser gRPC service.
package grpcparser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/you-humble/alchemy/internal/parser"
	"github.com/you-humble/alchemy/internal/parser/parserpb"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

func NewConnection(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	return conn, nil
}

type Capability struct {
	client parserpb.ParserClient
}

func New(conn grpc.ClientConnInterface) *Capability {
	return &Capability{client: parserpb.NewParserClient(conn)}
}

func (c *Capability) Parse(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
	var content []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return parser.Output{}, fmt.Errorf("read input: %w", err)
		}
		content = b
	}

	msg, err := parserpb.ParseRequest{
		JobID:       req.JobID,
		Kind:        string(req.Kind),
		Name:        req.Input.Name,
		ContentType: req.Input.ContentType,
		URL:         req.Input.URL,
		Content:     content,
		Options:     req.Options,
	}.Struct()
	if err != nil {
		return parser.Output{}, fmt.Errorf("encode request: %w", err)
	}

	stream, err := c.client.Parse(ctx, msg)
	if err != nil {
		return parser.Output{}, fromStatus(ctx, err)
	}

	for {
		m, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return parser.Output{}, &parser.BackendError{Code: "no_result", Message: "backend closed the stream without a result"}
		}
		if err != nil {
			return parser.Output{}, fromStatus(ctx, err)
		}

		reply := parserpb.ReplyFromStruct(m)
		switch reply.Type {
		case parserpb.ReplyProgress:
			if err := progress(reply.Message); err != nil {
				return parser.Output{}, err
			}
		case parserpb.ReplyError:
			return parser.Output{}, &parser.BackendError{Code: reply.Code, Message: reply.Message}
		case parserpb.ReplyResult:
			return parser.Output{
				Markdown: reply.Markdown,
				Raw:      reply.Raw,
				Metadata: reply.Metadata,
			}, nil
		default:
			slog.Warn("unknown parser reply", slog.String("job_id", req.JobID), slog.String("type", reply.Type))
		}
	}
}

func fromStatus(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	return &parser.BackendError{Code: st.Code().String(), Message: st.Message()}
}
