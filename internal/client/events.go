package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/you-humble/alchemy/internal/domain"
)

var ErrStreamEnded = errors.New("event stream ended without a terminal event")

type Event struct {
	Type string
	Data json.RawMessage
}

func (e Event) Terminal() bool {
	return e.Type == "result" || e.Type == "error"
}

// Progress decodes the message of a progress event.
func (e Event) Progress() (seq int, message string, err error) {
	var p struct {
		Seq     int    `json:"seq"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return 0, "", fmt.Errorf("decode progress: %w", err)
	}
	return p.Seq, p.Message, nil
}

// Job decodes the envelope carried by a terminal event.
func (e Event) Job() (domain.JobResponse, error) {
	var job domain.JobResponse
	if err := json.Unmarshal(e.Data, &job); err != nil {
		return job, fmt.Errorf("decode %s event: %w", e.Type, err)
	}
	return job, nil
}

// Events follows the event stream of an existing job and calls fn for each
// event. It returns the terminal envelope.
func (c *Client) Events(ctx context.Context, jobID string, fn func(Event) error) (domain.JobResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+url.PathEscape(jobID)+"/events", nil)
	if err != nil {
		return domain.JobResponse{}, fmt.Errorf("build request: %w", err)
	}
	return c.stream(req, fn)
}

// ParseFileStream uploads path in stream mode and relays progress to fn.
func (c *Client) ParseFileStream(ctx context.Context, kind domain.Kind, path string, opts domain.Options, fn func(Event) error) (domain.JobResponse, error) {
	body, contentType, err := fileForm("file", []string{path}, opts, domain.ModeStream)
	if err != nil {
		return domain.JobResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/parse/"+string(kind), body)
	if err != nil {
		return domain.JobResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	return c.stream(req, fn)
}

func (c *Client) ParseURLStream(ctx context.Context, target string, opts domain.Options, fn func(Event) error) (domain.JobResponse, error) {
	body, err := urlBody(map[string]any{"url": target}, opts, domain.ModeStream)
	if err != nil {
		return domain.JobResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/parse/web", body)
	if err != nil {
		return domain.JobResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.stream(req, fn)
}

func (c *Client) stream(req *http.Request, fn func(Event) error) (domain.JobResponse, error) {
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.JobResponse{}, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		return domain.JobResponse{}, decodeError(resp.StatusCode, data)
	}

	var job domain.JobResponse
	err = readEvents(resp.Body, func(ev Event) error {
		if fn != nil {
			if err := fn(ev); err != nil {
				return err
			}
		}
		if !ev.Terminal() {
			return nil
		}
		var err error
		job, err = ev.Job()
		if err != nil {
			return err
		}
		return io.EOF
	})
	switch {
	case errors.Is(err, io.EOF):
		if job.Error != nil {
			return job, job.Error
		}
		return job, nil
	case err != nil:
		return job, err
	}
	return job, ErrStreamEnded
}

// readEvents splits a text/event-stream body into events. Comment lines and
// unknown fields are skipped.
func readEvents(r io.Reader, fn func(Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 16<<20)

	var (
		typ  string
		data []string
	)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) == 0 {
				typ = ""
				continue
			}
			if typ == "" {
				typ = "message"
			}
			if err := fn(Event{Type: typ, Data: json.RawMessage(strings.Join(data, "\n"))}); err != nil {
				return err
			}
			typ, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			typ = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	return nil
}
