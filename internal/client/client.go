// Package client talks to an alchemy server over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/you-humble/alchemy/internal/domain"
)

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL. A nil httpClient means http.DefaultClient;
// it should have no overall timeout when blocking or stream modes are used.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// APIError is a non-2xx answer. Job is set when the server answered with a
// job envelope, i.e. the job exists and ended in failure.
type APIError struct {
	Status  int
	Kind    domain.ErrorKind
	Code    string
	Message string
	Job     *domain.JobResponse
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	return (&domain.Error{Kind: e.Kind}).Unwrap()
}

type Health struct {
	Status        string        `json:"status"`
	QueueSize     int           `json:"queue_size"`
	QueueCapacity int           `json:"queue_capacity"`
	Workers       int           `json:"workers"`
	Busy          int           `json:"busy"`
	Kinds         []domain.Kind `json:"kinds"`
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/health", nil, "", &h)
	return h, err
}

// ParseFile uploads path as an input of kind.
func (c *Client) ParseFile(ctx context.Context, kind domain.Kind, path string, opts domain.Options, mode domain.Mode) (domain.JobResponse, error) {
	body, contentType, err := fileForm("file", []string{path}, opts, mode)
	if err != nil {
		return domain.JobResponse{}, err
	}

	var job domain.JobResponse
	err = c.do(ctx, http.MethodPost, "/parse/"+string(kind), body, contentType, &job)
	return job, err
}

func (c *Client) ParseURL(ctx context.Context, target string, opts domain.Options, mode domain.Mode) (domain.JobResponse, error) {
	body, err := urlBody(map[string]any{"url": target}, opts, mode)
	if err != nil {
		return domain.JobResponse{}, err
	}

	var job domain.JobResponse
	err = c.do(ctx, http.MethodPost, "/parse/web", body, "application/json", &job)
	return job, err
}

// ParseBatch submits several files of one kind, or several URLs for web.
func (c *Client) ParseBatch(ctx context.Context, kind domain.Kind, inputs []string, opts domain.Options, mode domain.Mode) (domain.BatchResponse, error) {
	var (
		body        io.Reader
		contentType string
		err         error
	)
	if kind.HasFile() {
		body, contentType, err = fileForm("files", inputs, opts, mode)
	} else {
		body, err = urlBody(map[string]any{"urls": inputs}, opts, mode)
		contentType = "application/json"
	}
	if err != nil {
		return domain.BatchResponse{}, err
	}

	var batch domain.BatchResponse
	err = c.do(ctx, http.MethodPost, "/parse/"+string(kind)+"/batch", body, contentType, &batch)
	return batch, err
}

func (c *Client) Status(ctx context.Context, jobID string) (domain.JobResponse, error) {
	var job domain.JobResponse
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, "", &job)
	return job, err
}

func (c *Client) Cancel(ctx context.Context, jobID string) (domain.JobResponse, error) {
	var job domain.JobResponse
	err := c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(jobID), nil, "", &job)
	return job, err
}

// Wait polls a job until it is terminal.
func (c *Client) Wait(ctx context.Context, jobID string, interval time.Duration) (domain.JobResponse, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := c.Status(ctx, jobID)
		if err != nil {
			return job, err
		}
		if job.Status.Terminal() {
			if job.Error != nil {
				return job, job.Error
			}
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := decodeError(resp.StatusCode, data)
		if apiErr.Job != nil && out != nil {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError reads either a job envelope or a plain error body.
func decodeError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return apiErr
	}

	if _, ok := fields["job_id"]; ok {
		var job domain.JobResponse
		if err := json.Unmarshal(data, &job); err == nil {
			apiErr.Job = &job
			if job.Error != nil {
				apiErr.Kind = job.Error.Kind
				apiErr.Code = job.Error.Code
				apiErr.Message = job.Error.Message
			}
		}
		return apiErr
	}

	var body domain.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Kind = body.Kind
		if body.Message != "" {
			apiErr.Message = body.Message
		}
	}
	return apiErr
}

func fileForm(field string, paths []string, opts domain.Options, mode domain.Mode) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for _, path := range paths {
		if err := addFile(mw, field, path); err != nil {
			return nil, "", err
		}
	}

	if len(opts) > 0 {
		raw, err := json.Marshal(opts)
		if err != nil {
			return nil, "", fmt.Errorf("encode options: %w", err)
		}
		if err := mw.WriteField("options", string(raw)); err != nil {
			return nil, "", err
		}
	}
	if mode != "" {
		if err := mw.WriteField("mode", string(mode)); err != nil {
			return nil, "", err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

func addFile(mw *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	fw, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return fmt.Errorf("copy %s: %w", path, err)
	}
	return nil
}

func urlBody(fields map[string]any, opts domain.Options, mode domain.Mode) (io.Reader, error) {
	if len(opts) > 0 {
		fields["options"] = opts
	}
	if mode != "" {
		fields["mode"] = mode
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return bytes.NewReader(raw), nil
}
