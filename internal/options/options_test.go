package options

import (
	"testing"

	"github.com/you-humble/alchemy/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New(1<<20, domain.ChunkingConfig{Size: 512, Overlap: 64})
	require.NoError(t, err)
	return v
}

func TestOptions_DefaultsFilled(t *testing.T) {
	v := newValidator(t)

	opts, err := v.Options(domain.KindDocument, nil)
	require.NoError(t, err)
	assert.Equal(t, 512, opts.Int(domain.OptChunkSize, 0))
	assert.Equal(t, 64, opts.Int(domain.OptChunkOverlap, 0))
}

func TestOptions_SnapshotDoesNotAliasInput(t *testing.T) {
	v := newValidator(t)
	raw := domain.Options{"extract_tables": true, "chunk_size": 256}

	opts, err := v.Options(domain.KindDocument, raw)
	require.NoError(t, err)

	raw["extract_tables"] = false
	assert.True(t, opts.Bool("extract_tables", false))
	assert.Equal(t, 256, opts.Int(domain.OptChunkSize, 0))
}

func TestOptions_Rejects(t *testing.T) {
	v := newValidator(t)

	cases := []struct {
		name string
		kind domain.Kind
		opts domain.Options
	}{
		{"unknown key", domain.KindDocument, domain.Options{"colour": "red"}},
		{"wrong type", domain.KindDocument, domain.Options{"extract_tables": "yes"}},
		{"bad enum", domain.KindDocument, domain.Options{"output_format": "pdf"}},
		{"image task", domain.KindImage, domain.Options{"task": "segment"}},
		{"qa without prompt", domain.KindImage, domain.Options{"task": "qa"}},
		{"depth too deep", domain.KindWeb, domain.Options{"max_depth": 9}},
		{"header not string", domain.KindWeb, domain.Options{"headers": map[string]any{"X-A": 1}}},
		{"key of other kind", domain.KindAudio, domain.Options{"extract_frames": true}},
		{"tiny chunk", domain.KindDocument, domain.Options{"chunk_size": 2}},
		{"overlap not below size", domain.KindDocument, domain.Options{"chunk_size": 64, "chunk_overlap": 64}},
		{"fractional size", domain.KindDocument, domain.Options{"chunk_size": 100.5}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Options(tc.kind, tc.opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestOptions_AcceptsKindKeys(t *testing.T) {
	v := newValidator(t)

	_, err := v.Options(domain.KindImage, domain.Options{"task": "qa", "prompt": "what is this?"})
	assert.NoError(t, err)

	_, err = v.Options(domain.KindVideo, domain.Options{"language": "en", "diarize": true, "extract_frames": false})
	assert.NoError(t, err)

	_, err = v.Options(domain.KindWeb, domain.Options{
		"max_depth":         2,
		"include_links":     true,
		"css_selector":      "article",
		"headers":           map[string]any{"Accept-Language": "en"},
		"extraction_schema": map[string]any{"type": "object"},
	})
	assert.NoError(t, err)
}

func TestFile(t *testing.T) {
	v := newValidator(t)

	assert.NoError(t, v.File(domain.KindDocument, "report.PDF", 100))
	assert.NoError(t, v.File(domain.KindAudio, "talk.mp3", 100))

	for _, err := range []error{
		v.File(domain.KindDocument, "", 100),
		v.File(domain.KindDocument, "report.exe", 100),
		v.File(domain.KindImage, "clip.mp4", 100),
		v.File(domain.KindDocument, "report.pdf", 0),
		v.File(domain.KindDocument, "report.pdf", 2<<20),
		v.File(domain.KindWeb, "index.html", 100),
	} {
		assert.ErrorIs(t, err, domain.ErrValidation)
	}
}

func TestURL(t *testing.T) {
	v := newValidator(t)

	u, err := v.URL("example.com/docs")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/docs", u)

	u, err = v.URL(" http://example.com ")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com", u)

	for _, raw := range []string{"", "ftp://example.com", "https://"} {
		_, err := v.URL(raw)
		assert.ErrorIs(t, err, domain.ErrValidation, raw)
	}
}
