// Package options validates submission inputs and per-kind option maps
// before any job exists.
package options

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/you-humble/alchemy/internal/domain"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	MinChunkSize = 16
	MaxChunkSize = 8192
)

var extensions = map[domain.Kind][]string{
	domain.KindDocument: {".pdf", ".docx", ".doc", ".pptx", ".ppt", ".html", ".htm", ".xlsx"},
	domain.KindImage:    {".png", ".jpg", ".jpeg", ".webp", ".gif", ".bmp", ".tiff"},
	domain.KindAudio:    {".mp3", ".wav", ".flac", ".aac", ".ogg", ".m4a"},
	domain.KindVideo:    {".mp4", ".mkv", ".avi", ".mov", ".webm"},
}

type Validator struct {
	schemas        map[domain.Kind]*jsonschema.Schema
	maxUploadBytes int64
	defaults       domain.ChunkingConfig
}

func New(maxUploadBytes int64, defaults domain.ChunkingConfig) (*Validator, error) {
	v := &Validator{
		schemas:        make(map[domain.Kind]*jsonschema.Schema, len(domain.Kinds)),
		maxUploadBytes: maxUploadBytes,
		defaults:       defaults,
	}

	for _, kind := range domain.Kinds {
		s, err := compile(kind, schemaFor(kind))
		if err != nil {
			return nil, fmt.Errorf("options schema %s: %w", kind, err)
		}
		v.schemas[kind] = s
	}

	return v, nil
}

func compile(kind domain.Kind, schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	name := string(kind) + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}

	return compiler.Compile(name)
}

// Options validates raw against the kind's schema and returns the immutable
// snapshot a job is created with, chunking defaults filled in.
func (v *Validator) Options(kind domain.Kind, raw domain.Options) (domain.Options, error) {
	schema, ok := v.schemas[kind]
	if !ok {
		return nil, domain.Validationf("unknown kind %q", kind)
	}

	if raw == nil {
		raw = domain.Options{}
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return nil, domain.Validationf("options are not valid JSON: %v", err)
	}

	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, domain.Validationf("options are not valid JSON: %v", err)
	}

	if err := schema.Validate(doc); err != nil {
		return nil, domain.NewError(domain.KindValidation, "invalid_options", describe(err))
	}

	opts := domain.Options(doc.(map[string]any))
	if kind == domain.KindImage && opts.String("task", "") == "qa" && strings.TrimSpace(opts.String("prompt", "")) == "" {
		return nil, domain.NewError(domain.KindValidation, "invalid_options", "task qa requires a prompt")
	}

	chunking := opts.Chunking(v.defaults)
	if chunking.Overlap >= chunking.Size {
		return nil, domain.NewError(domain.KindValidation, "invalid_options",
			fmt.Sprintf("%s (%d) must be smaller than %s (%d)",
				domain.OptChunkOverlap, chunking.Overlap, domain.OptChunkSize, chunking.Size))
	}
	opts[domain.OptChunkSize] = chunking.Size
	opts[domain.OptChunkOverlap] = chunking.Overlap

	return opts, nil
}

// File validates an uploaded payload of a file kind.
func (v *Validator) File(kind domain.Kind, name string, size int64) error {
	allowed, ok := extensions[kind]
	if !ok {
		return domain.Validationf("kind %s does not accept file uploads", kind)
	}

	if strings.TrimSpace(name) == "" {
		return domain.NewError(domain.KindValidation, "missing_file", "file name is required")
	}

	ext := strings.ToLower(filepath.Ext(name))
	supported := false
	for _, a := range allowed {
		if ext == a {
			supported = true
			break
		}
	}
	if !supported {
		return domain.NewError(domain.KindValidation, "unsupported_format",
			fmt.Sprintf("unsupported %s format %q, expected one of %s", kind, ext, strings.Join(allowed, " ")))
	}

	if size == 0 {
		return domain.NewError(domain.KindValidation, "empty_file", "file is empty")
	}
	if v.maxUploadBytes > 0 && size > v.maxUploadBytes {
		return domain.NewError(domain.KindValidation, "file_too_large",
			fmt.Sprintf("file is %d bytes, limit is %d", size, v.maxUploadBytes))
	}

	return nil
}

// URL validates a web target. A missing scheme defaults to https.
func (v *Validator) URL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", domain.NewError(domain.KindValidation, "missing_url", "url is required")
	}

	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", domain.NewError(domain.KindValidation, "invalid_url", fmt.Sprintf("invalid url %q: %v", raw, err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", domain.NewError(domain.KindValidation, "invalid_url", fmt.Sprintf("unsupported url scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return "", domain.NewError(domain.KindValidation, "invalid_url", fmt.Sprintf("url %q has no host", raw))
	}

	return u.String(), nil
}

func describe(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}

	// report the innermost causes, they name the offending key
	var msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)

	return "invalid options: " + strings.Join(msgs, "; ")
}
