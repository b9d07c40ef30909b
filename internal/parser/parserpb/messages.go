package parserpb

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Reply types sent by the server, in stream order: any number of progress
// replies, then one result or error.
const (
	ReplyProgress = "progress"
	ReplyResult   = "result"
	ReplyError    = "error"
)

type ParseRequest struct {
	JobID       string
	Kind        string
	Name        string
	ContentType string
	URL         string
	Content     []byte
	Options     map[string]any
}

func (r ParseRequest) Struct() (*structpb.Struct, error) {
	opts, err := plain(r.Options)
	if err != nil {
		return nil, fmt.Errorf("options: %w", err)
	}
	if opts == nil {
		opts = map[string]any{}
	}

	return structpb.NewStruct(map[string]any{
		"job_id":       r.JobID,
		"kind":         r.Kind,
		"name":         r.Name,
		"content_type": r.ContentType,
		"url":          r.URL,
		"content":      base64.StdEncoding.EncodeToString(r.Content),
		"options":      opts,
	})
}

func RequestFromStruct(s *structpb.Struct) (ParseRequest, error) {
	f := s.GetFields()

	content, err := base64.StdEncoding.DecodeString(f["content"].GetStringValue())
	if err != nil {
		return ParseRequest{}, fmt.Errorf("content: %w", err)
	}

	return ParseRequest{
		JobID:       f["job_id"].GetStringValue(),
		Kind:        f["kind"].GetStringValue(),
		Name:        f["name"].GetStringValue(),
		ContentType: f["content_type"].GetStringValue(),
		URL:         f["url"].GetStringValue(),
		Content:     content,
		Options:     f["options"].GetStructValue().AsMap(),
	}, nil
}

type Reply struct {
	Type     string
	Message  string
	Code     string
	Markdown string
	Raw      any
	Metadata map[string]any
}

func Progress(msg string) Reply { return Reply{Type: ReplyProgress, Message: msg} }

func Failure(code, msg string) Reply { return Reply{Type: ReplyError, Code: code, Message: msg} }

func (r Reply) Struct() (*structpb.Struct, error) {
	m := map[string]any{"type": r.Type}

	switch r.Type {
	case ReplyProgress:
		m["message"] = r.Message
	case ReplyError:
		m["code"] = r.Code
		m["message"] = r.Message
	case ReplyResult:
		m["markdown"] = r.Markdown
		raw, err := plain(r.Raw)
		if err != nil {
			return nil, fmt.Errorf("raw: %w", err)
		}
		if raw != nil {
			m["raw"] = raw
		}
		meta, err := plain(r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("metadata: %w", err)
		}
		if meta != nil {
			m["metadata"] = meta
		}
	default:
		return nil, fmt.Errorf("unknown reply type %q", r.Type)
	}

	return structpb.NewStruct(m)
}

func ReplyFromStruct(s *structpb.Struct) Reply {
	f := s.GetFields()
	r := Reply{
		Type:     f["type"].GetStringValue(),
		Message:  f["message"].GetStringValue(),
		Code:     f["code"].GetStringValue(),
		Markdown: f["markdown"].GetStringValue(),
	}
	if v, ok := f["raw"]; ok {
		r.Raw = v.AsInterface()
	}
	if v, ok := f["metadata"]; ok {
		r.Metadata = v.GetStructValue().AsMap()
	}
	return r
}

// plain reduces v to the maps, slices and scalars structpb accepts.
func plain(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
