package parserd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/you-humble/alchemy/internal/parser"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/xuri/excelize/v2"
)

// Document is the stand-in layout backend. It reads real page and sheet
// structure but produces placeholder page text.
type Document struct {
	PageDelay time.Duration
}

func (d Document) Parse(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
	if req.Body == nil {
		return parser.Output{}, &parser.BackendError{Code: "missing_input", Message: "document body is empty"}
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return parser.Output{}, fmt.Errorf("read document: %w", err)
	}

	var pages []string
	switch strings.ToLower(filepath.Ext(req.Input.Name)) {
	case ".pdf":
		pages, err = d.pdf(ctx, req.Input.Name, body, progress)
	case ".xlsx":
		pages, err = d.workbook(ctx, body, progress)
	default:
		pages, err = d.text(body, progress)
	}
	if err != nil {
		return parser.Output{}, err
	}

	meta := map[string]any{
		"num_pages": len(pages),
		"filename":  req.Input.Name,
	}
	if req.Options.Bool("extract_tables", true) {
		meta["num_tables"] = strings.Count(strings.Join(pages, "\n"), "\n|---")
	}

	if req.Options.String("output_format", "markdown") == "json" {
		raw := make([]any, len(pages))
		for i, p := range pages {
			raw[i] = map[string]any{"page": i + 1, "markdown": p}
		}
		return parser.Output{Raw: map[string]any{"pages": raw}, Metadata: meta}, nil
	}

	return parser.Output{Markdown: strings.Join(pages, "\n\n"), Metadata: meta}, nil
}

func (d Document) pdf(ctx context.Context, name string, body []byte, progress parser.Reporter) ([]string, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	n, err := api.PageCount(bytes.NewReader(body), conf)
	if err != nil {
		return nil, &parser.BackendError{Code: "invalid_pdf", Message: err.Error()}
	}

	pages := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		if err := d.pause(ctx); err != nil {
			return nil, err
		}
		pages = append(pages, fmt.Sprintf("## Page %d\n\nContent of page %d of %s.", i, i, name))
		if err := progress(fmt.Sprintf("page %d/%d parsed", i, n)); err != nil {
			return nil, err
		}
	}
	return pages, nil
}

func (d Document) workbook(ctx context.Context, body []byte, progress parser.Reporter) ([]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(body))
	if err != nil {
		return nil, &parser.BackendError{Code: "invalid_xlsx", Message: err.Error()}
	}
	defer f.Close()

	sheets := f.GetSheetList()
	pages := make([]string, 0, len(sheets))
	for i, sheet := range sheets {
		if err := d.pause(ctx); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, &parser.BackendError{Code: "invalid_xlsx", Message: fmt.Sprintf("sheet %s: %v", sheet, err)}
		}
		pages = append(pages, "## "+sheet+"\n\n"+table(rows))
		if err := progress(fmt.Sprintf("sheet %d/%d parsed", i+1, len(sheets))); err != nil {
			return nil, err
		}
	}
	return pages, nil
}

func (d Document) text(body []byte, progress parser.Reporter) ([]string, error) {
	if !utf8.Valid(body) {
		return nil, &parser.BackendError{Code: "unsupported_encoding", Message: "document is not utf-8 text"}
	}
	if err := progress("page 1/1 parsed"); err != nil {
		return nil, err
	}
	return []string{strings.TrimSpace(string(body))}, nil
}

func (d Document) pause(ctx context.Context) error {
	if d.PageDelay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.PageDelay):
		return nil
	}
}

// table renders rows as a markdown table with the first row as header.
func table(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}

	var b strings.Builder
	line := func(cells []string) {
		b.WriteString("|")
		for i := range width {
			cell := ""
			if i < len(cells) {
				cell = strings.ReplaceAll(cells[i], "|", `\|`)
			}
			b.WriteString(" " + cell + " |")
		}
		b.WriteString("\n")
	}

	line(rows[0])
	b.WriteString("|" + strings.Repeat("---|", width) + "\n")
	for _, r := range rows[1:] {
		line(r)
	}
	return strings.TrimRight(b.String(), "\n")
}
