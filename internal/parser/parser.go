// Package parser defines the uniform contract every parser backend fulfils.
package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/you-humble/alchemy/internal/domain"
)

type Request struct {
	JobID   string
	Kind    domain.Kind
	Input   domain.Input
	Body    io.Reader // nil for web inputs
	Options domain.Options
}

type Output struct {
	Markdown string
	Raw      any
	Metadata map[string]any
}

// Reporter receives human-readable progress while a backend works.
// It returns an error once the job can no longer accept progress.
type Reporter func(message string) error

type Capability interface {
	Parse(ctx context.Context, req Request, progress Reporter) (Output, error)
}

type CapabilityFunc func(ctx context.Context, req Request, progress Reporter) (Output, error)

func (f CapabilityFunc) Parse(ctx context.Context, req Request, progress Reporter) (Output, error) {
	return f(ctx, req, progress)
}

// BackendError is a failure reported by the backend itself.
type BackendError struct {
	Code    string
	Message string
}

func (e *BackendError) Error() string {
	if e.Code == "" {
		return "backend: " + e.Message
	}
	return fmt.Sprintf("backend [%s]: %s", e.Code, e.Message)
}

// ToDomain converts any backend failure into the job error taxonomy,
// keeping code and message verbatim.
func ToDomain(err error) *domain.Error {
	var be *BackendError
	if errors.As(err, &be) {
		return domain.NewError(domain.KindBackend, be.Code, be.Message)
	}
	return domain.AsError(err)
}

var ErrNoCapability = errors.New("no parser configured")

type Registry struct {
	mu   sync.RWMutex
	caps map[domain.Kind]Capability
}

func NewRegistry() *Registry {
	return &Registry{caps: make(map[domain.Kind]Capability)}
}

func (r *Registry) Register(kind domain.Kind, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[kind] = c
}

func (r *Registry) Lookup(kind domain.Kind) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.caps[kind]
	if !ok {
		return nil, fmt.Errorf("kind %s: %w", kind, ErrNoCapability)
	}
	return c, nil
}

func (r *Registry) Kinds() []domain.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Kind, 0, len(r.caps))
	for _, k := range domain.Kinds {
		if _, ok := r.caps[k]; ok {
			out = append(out, k)
		}
	}
	return out
}
