package parser

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/you-humble/alchemy/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup(domain.KindAudio)
	assert.ErrorIs(t, err, ErrNoCapability)

	r.Register(domain.KindWeb, CapabilityFunc(func(ctx context.Context, req Request, progress Reporter) (Output, error) {
		return Output{Markdown: req.Input.URL}, nil
	}))
	r.Register(domain.KindDocument, CapabilityFunc(nil))

	c, err := r.Lookup(domain.KindWeb)
	require.NoError(t, err)
	out, err := c.Parse(context.Background(), Request{Input: domain.Input{URL: "https://a"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://a", out.Markdown)

	assert.Equal(t, []domain.Kind{domain.KindDocument, domain.KindWeb}, r.Kinds())
}

func TestToDomain(t *testing.T) {
	e := ToDomain(fmt.Errorf("call: %w", &BackendError{Code: "OOM", Message: "CUDA out of memory"}))
	assert.Equal(t, domain.KindBackend, e.Kind)
	assert.Equal(t, "OOM", e.Code)
	assert.Equal(t, "CUDA out of memory", e.Message)

	assert.Equal(t, domain.KindBackend, ToDomain(errors.New("boom")).Kind)
	assert.Equal(t, domain.KindTimeout, ToDomain(domain.ErrTimeout).Kind)
}
