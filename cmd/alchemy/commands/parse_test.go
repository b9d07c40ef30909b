package commands

import (
	"testing"

	"github.com/you-humble/alchemy/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions([]string{"chunk_size=256", "diarize=true", "language=en", "headers={\"X-Key\":\"k\"}"})
	require.NoError(t, err)

	assert.Equal(t, domain.Options{
		"chunk_size": float64(256),
		"diarize":    true,
		"language":   "en",
		"headers":    map[string]any{"X-Key": "k"},
	}, opts)

	_, err = parseOptions([]string{"novalue"})
	assert.Error(t, err)

	opts, err = parseOptions(nil)
	require.NoError(t, err)
	assert.Nil(t, opts)
}
