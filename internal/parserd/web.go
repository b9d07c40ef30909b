package parserd

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/you-humble/alchemy/internal/parser"
)

const maxPageBytes = 5 << 20

var (
	titleRe  = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	dropRe   = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	headRe   = regexp.MustCompile(`(?is)<h([1-3])[^>]*>(.*?)</h[1-3]>`)
	blockRe  = regexp.MustCompile(`(?i)</?(p|div|section|article|li|br|tr)[^>]*>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]+>`)
	hrefRe   = regexp.MustCompile(`(?i)<a[^>]+href="([^"#]+)"`)
	blanksRe = regexp.MustCompile(`\n\s*\n+`)
)

// Web fetches one page and flattens its HTML into markdown.
type Web struct {
	Client *http.Client
}

func (w Web) Parse(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.Input.URL, nil)
	if err != nil {
		return parser.Output{}, &parser.BackendError{Code: "invalid_url", Message: err.Error()}
	}
	httpReq.Header.Set("User-Agent", "alchemy-crawler/1.0")
	if headers, ok := req.Options["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				httpReq.Header.Set(k, s)
			}
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return parser.Output{}, err
		}
		return parser.Output{}, &parser.BackendError{Code: "fetch_failed", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return parser.Output{}, &parser.BackendError{
			Code:    fmt.Sprintf("http_%d", resp.StatusCode),
			Message: fmt.Sprintf("GET %s: %s", req.Input.URL, resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return parser.Output{}, &parser.BackendError{Code: "fetch_failed", Message: err.Error()}
	}
	if err := progress("page fetched"); err != nil {
		return parser.Output{}, err
	}

	page := string(body)
	markdown := toMarkdown(page)
	if m := titleRe.FindStringSubmatch(page); m != nil {
		if title := strings.TrimSpace(html.UnescapeString(m[1])); title != "" && !strings.HasPrefix(markdown, "# ") {
			markdown = "# " + title + "\n\n" + markdown
		}
	}

	var links []string
	for _, m := range hrefRe.FindAllStringSubmatch(page, -1) {
		links = append(links, m[1])
	}

	out := parser.Output{
		Markdown: markdown,
		Metadata: map[string]any{
			"status_code":       resp.StatusCode,
			"num_pages_crawled": 1,
			"links_found":       len(links),
		},
	}
	if req.Options.Bool("include_links", false) {
		out.Raw = map[string]any{"links": links}
	}
	return out, nil
}

func toMarkdown(page string) string {
	page = titleRe.ReplaceAllString(page, "")
	page = dropRe.ReplaceAllString(page, "")
	page = headRe.ReplaceAllStringFunc(page, func(h string) string {
		m := headRe.FindStringSubmatch(h)
		return "\n\n" + strings.Repeat("#", int(m[1][0]-'0')) + " " + strings.TrimSpace(tagRe.ReplaceAllString(m[2], "")) + "\n\n"
	})
	page = blockRe.ReplaceAllString(page, "\n\n")
	page = tagRe.ReplaceAllString(page, "")
	page = html.UnescapeString(page)

	lines := strings.Split(page, "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	page = blanksRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(page)
}
