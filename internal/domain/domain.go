package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Kind string

const (
	KindDocument Kind = "document"
	KindImage    Kind = "image"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindWeb      Kind = "web"
)

var Kinds = []Kind{KindDocument, KindImage, KindAudio, KindVideo, KindWeb}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", NewError(KindValidation, "", fmt.Sprintf("unknown kind %q", s))
}

// HasFile reports whether inputs of this kind are uploaded payloads rather than URLs.
func (k Kind) HasFile() bool {
	return k != KindWeb
}

type Mode string

const (
	ModeBlocking Mode = "blocking"
	ModeAsync    Mode = "async"
	ModeStream   Mode = "stream"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeBlocking, nil
	case ModeBlocking, ModeAsync, ModeStream:
		return m, nil
	default:
		return "", NewError(KindValidation, "", fmt.Sprintf("unknown mode %q", s))
	}
}

// Input is the job's handle to its submitted payload.
type Input struct {
	Name        string `json:"name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	// Ref is the blob store key of an uploaded payload.
	Ref string `json:"ref,omitempty"`
	URL string `json:"url,omitempty"`
}

// Source returns what the input refers to for logs and results.
func (in Input) Source() string {
	if in.URL != "" {
		return in.URL
	}
	return in.Name
}

// Options is the validated option snapshot of a job.
type Options map[string]any

// Clone returns a deep copy so a stored snapshot never aliases caller maps.
func (o Options) Clone() Options {
	if o == nil {
		return Options{}
	}
	b, err := json.Marshal(o)
	if err != nil {
		out := make(Options, len(o))
		for k, v := range o {
			out[k] = v
		}
		return out
	}
	var out Options
	if err := json.Unmarshal(b, &out); err != nil {
		return Options{}
	}
	return out
}

func (o Options) Int(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key].(bool); ok {
		return v
	}
	return def
}

func (o Options) String(key string, def string) string {
	if v, ok := o[key].(string); ok {
		return v
	}
	return def
}

const (
	OptChunkSize    = "chunk_size"
	OptChunkOverlap = "chunk_overlap"
)

type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

// Chunking resolves the chunking pair of a job, falling back to def.
func (o Options) Chunking(def ChunkingConfig) ChunkingConfig {
	return ChunkingConfig{
		Size:    o.Int(OptChunkSize, def.Size),
		Overlap: o.Int(OptChunkOverlap, def.Overlap),
	}
}
