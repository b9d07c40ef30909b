package parserd

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/you-humble/alchemy/internal/parser"
)

const maxImageSide = 1536

var imagePrompts = map[string]string{
	"ocr":              "Extracted text",
	"caption":          "Caption",
	"detailed_caption": "Detailed description",
	"object_detection": "Detected objects",
	"table_extraction": "Extracted table",
	"qa":               "Answer",
}

// Image is the stand-in vision backend.
type Image struct {
	Model string
}

func (im Image) Parse(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
	if req.Body == nil {
		return parser.Output{}, &parser.BackendError{Code: "missing_input", Message: "image body is empty"}
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return parser.Output{}, fmt.Errorf("read image: %w", err)
	}

	task := req.Options.String("task", "detailed_caption")
	title, ok := imagePrompts[task]
	if !ok {
		return parser.Output{}, &parser.BackendError{Code: "unknown_task", Message: fmt.Sprintf("unknown image task %q", task)}
	}

	meta := map[string]any{"task": task, "model": im.Model}
	if cfg, format, err := image.DecodeConfig(bytes.NewReader(body)); err == nil {
		meta["format"] = format
		meta["original_size"] = fmt.Sprintf("%dx%d", cfg.Width, cfg.Height)
		w, h := fit(cfg.Width, cfg.Height, maxImageSide)
		meta["processed_size"] = fmt.Sprintf("%dx%d", w, h)
	}

	if err := progress("image loaded"); err != nil {
		return parser.Output{}, err
	}
	if err := ctx.Err(); err != nil {
		return parser.Output{}, err
	}

	text := fmt.Sprintf("%s for %s.", title, req.Input.Name)
	if task == "qa" {
		text = fmt.Sprintf("Q: %s\n\nA: no answer available for %s.", req.Options.String("prompt", ""), req.Input.Name)
	}

	out := parser.Output{Markdown: "## " + title + "\n\n" + text, Metadata: meta}
	if task == "object_detection" {
		out.Raw = map[string]any{"objects": []any{}}
	}
	return out, nil
}

// fit scales w x h down so the longer side is at most limit.
func fit(w, h, limit int) (int, int) {
	if w <= limit && h <= limit {
		return w, h
	}
	if w >= h {
		return limit, h * limit / w
	}
	return w * limit / h, limit
}
