package parserd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/you-humble/alchemy/internal/parser"
)

// Media is the stand-in speech backend for audio and video. It derives a
// fixed number of placeholder segments from the payload size.
type Media struct {
	Model        string
	SegmentDelay time.Duration
	BytesPerSec  int64
}

type segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker,omitempty"`
	Text    string  `json:"text"`
}

func (m Media) Parse(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
	if req.Body == nil {
		return parser.Output{}, &parser.BackendError{Code: "missing_input", Message: "media body is empty"}
	}
	size, err := io.Copy(io.Discard, req.Body)
	if err != nil {
		return parser.Output{}, fmt.Errorf("read media: %w", err)
	}
	if size == 0 {
		return parser.Output{}, &parser.BackendError{Code: "empty_media", Message: "no audio stream found"}
	}

	rate := m.BytesPerSec
	if rate <= 0 {
		rate = 16000
	}
	duration := float64(size) / float64(rate)
	n := min(max(int(duration/5), 1), 100)
	diarize := req.Options.Bool("diarize", false)

	segments := make([]segment, 0, n)
	var lines []string
	for i := range n {
		select {
		case <-ctx.Done():
			return parser.Output{}, ctx.Err()
		case <-time.After(m.SegmentDelay):
		}

		s := segment{
			Start: duration * float64(i) / float64(n),
			End:   duration * float64(i+1) / float64(n),
			Text:  fmt.Sprintf("segment %d of %s", i+1, req.Input.Name),
		}
		if diarize {
			s.Speaker = fmt.Sprintf("SPEAKER_%02d", i%2)
		}
		segments = append(segments, s)
		lines = append(lines, formatSegment(s))

		if err := progress(fmt.Sprintf("segment %d/%d transcribed", i+1, n)); err != nil {
			return parser.Output{}, err
		}
	}

	meta := map[string]any{
		"language":         req.Options.String("language", "en"),
		"duration_seconds": duration,
		"num_segments":     len(segments),
		"model":            m.Model,
		"diarized":         diarize,
	}
	if req.Kind == "video" && req.Options.Bool("extract_frames", false) {
		meta["keyframes"] = int(duration / 10)
	}

	texts := make([]string, len(segments))
	for i, s := range segments {
		texts[i] = s.Text
	}

	return parser.Output{
		Markdown: strings.Join(lines, "\n\n"),
		Raw:      map[string]any{"full_text": strings.Join(texts, " "), "segments": segments},
		Metadata: meta,
	}, nil
}

func formatSegment(s segment) string {
	line := fmt.Sprintf("**[%s → %s]**", clock(s.Start), clock(s.End))
	if s.Speaker != "" {
		line += " " + s.Speaker + ":"
	}
	return line + " " + s.Text
}

func clock(sec float64) string {
	d := time.Duration(sec * float64(time.Second))
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
