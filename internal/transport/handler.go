package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/you-humble/alchemy/internal/domain"
	"github.com/you-humble/alchemy/internal/scheduler"
	"github.com/you-humble/alchemy/internal/stream"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	multipartMemory = 32 << 20
	maxJSONBody     = 1 << 20
)

// reserved form fields never end up in the options map
var reservedFields = map[string]bool{
	"file":       true,
	"files":      true,
	"options":    true,
	"mode":       true,
	"async_mode": true,
}

type Scheduler interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (scheduler.Submission, error)
	SubmitBatch(ctx context.Context, req scheduler.BatchRequest) (scheduler.BatchHandle, error)
	Status(ctx context.Context, id string) (domain.Job, error)
	Cancel(ctx context.Context, id string) (domain.Job, error)
	Subscribe(ctx context.Context, id string) (*stream.Subscription, error)
	Health() scheduler.Health
}

type handler struct {
	sched     Scheduler
	maxUpload int64
}

func NewHandler(sched Scheduler, maxUpload int64) *handler {
	return &handler{sched: sched, maxUpload: maxUpload}
}

type webRequest struct {
	URL     string         `json:"url"`
	URLs    []string       `json:"urls"`
	Options domain.Options `json:"options"`
	Mode    string         `json:"mode"`
}

type healthResponse struct {
	Status string `json:"status"`
	scheduler.Health
}

func (h *handler) logger(r *http.Request, name string) *slog.Logger {
	return slog.With(
		slog.String("request_id", chimiddleware.GetReqID(r.Context())),
		slog.String("handler", name),
		slog.String("remote_addr", r.RemoteAddr),
	)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Health: h.sched.Health()})
}

func (h *handler) parse(w http.ResponseWriter, r *http.Request) {
	logger := h.logger(r, "parse")

	kind, err := domain.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	req := scheduler.SubmitRequest{
		Kind:           kind,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}

	var mode string
	if kind.HasFile() {
		form, err := h.readForm(w, r)
		if err != nil {
			logger.Warn("bad multipart body", slog.String("error", err.Error()))
			writeDomainError(w, err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		files := r.MultipartForm.File["file"]
		if len(files) == 0 {
			writeDomainError(w, domain.Validationf("missing form file %q", "file"))
			return
		}
		f, err := files[0].Open()
		if err != nil {
			logger.Error("open upload", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to read upload")
			return
		}
		defer f.Close()

		req.Input = payloadOf(files[0], f)
		req.Options = form.options
		mode = form.mode
	} else {
		body, err := h.readJSON(w, r)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		req.Input = scheduler.Payload{URL: body.URL}
		req.Options = body.Options
		mode = body.Mode
	}

	if req.Mode, err = modeOf(r, mode); err != nil {
		writeDomainError(w, err)
		return
	}

	sub, err := h.sched.Submit(r.Context(), req)
	if err != nil {
		if sub.JobID != "" && sub.Job.State.Terminal() {
			writeJob(w, sub.Job)
			return
		}
		logger.Warn("submit failed", slog.String("kind", string(kind)), slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}

	logger.Info("job submitted",
		slog.String("job_id", sub.JobID),
		slog.String("kind", string(kind)),
		slog.String("mode", string(req.Mode)),
	)

	if sub.Stream != nil {
		h.stream(w, r, sub.Stream, logger)
		return
	}
	writeJob(w, sub.Job)
}

func (h *handler) batch(w http.ResponseWriter, r *http.Request) {
	logger := h.logger(r, "batch")

	kind, err := domain.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	req := scheduler.BatchRequest{Kind: kind}

	var mode string
	if kind.HasFile() {
		form, err := h.readForm(w, r)
		if err != nil {
			logger.Warn("bad multipart body", slog.String("error", err.Error()))
			writeDomainError(w, err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		for _, fh := range r.MultipartForm.File["files"] {
			f, err := fh.Open()
			if err != nil {
				logger.Error("open upload", slog.String("file", fh.Filename), slog.String("error", err.Error()))
				writeError(w, http.StatusInternalServerError, "failed to read upload")
				return
			}
			defer f.Close()
			req.Inputs = append(req.Inputs, payloadOf(fh, f))
		}
		req.Options = form.options
		mode = form.mode
	} else {
		body, err := h.readJSON(w, r)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		for _, u := range body.URLs {
			req.Inputs = append(req.Inputs, scheduler.Payload{URL: u})
		}
		req.Options = body.Options
		mode = body.Mode
	}

	if req.Mode, err = modeOf(r, mode); err != nil {
		writeDomainError(w, err)
		return
	}

	handle, err := h.sched.SubmitBatch(r.Context(), req)
	if err != nil {
		logger.Warn("batch rejected", slog.String("kind", string(kind)), slog.Int("inputs", len(req.Inputs)), slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}

	logger.Info("batch submitted",
		slog.String("batch_id", handle.ID),
		slog.String("kind", string(kind)),
		slog.Int("jobs", len(handle.JobIDs)),
	)

	// async and stream batches answer with one job id per position; stream
	// callers follow each job on /jobs/{id}/events
	status := http.StatusOK
	if req.Mode != domain.ModeBlocking {
		status = http.StatusAccepted
	}
	writeJSON(w, status, handle.Response())
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	job, err := h.sched.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job.Envelope())
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	logger := h.logger(r, "cancel")
	id := chi.URLParam(r, "id")

	job, err := h.sched.Cancel(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	logger.Info("cancel requested", slog.String("job_id", id), slog.String("status", string(job.State)))
	writeJSON(w, http.StatusOK, job.Envelope())
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	logger := h.logger(r, "events")

	sub, err := h.sched.Subscribe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.stream(w, r, sub, logger)
}

// stream relays a subscription as server-sent events until the terminal
// event or until the client goes away. Dropping the connection leaves the
// job running.
func (h *handler) stream(w http.ResponseWriter, r *http.Request, sub *stream.Subscription, logger *slog.Logger) {
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	for {
		ev, err := sub.Next(r.Context())
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if r.Context().Err() == nil {
				logger.Error("event stream", slog.String("job_id", sub.JobID()), slog.String("error", err.Error()))
			}
			return
		}
		if err := stream.WriteSSE(w, ev); err != nil {
			logger.Warn("client gone", slog.String("job_id", sub.JobID()), slog.String("error", err.Error()))
			return
		}
	}
}

type formFields struct {
	options domain.Options
	mode    string
}

// readForm parses a multipart upload. Options come from an "options" JSON
// field and from any other plain field; plain values that parse as JSON
// keep their JSON type, the rest stay strings.
func (h *handler) readForm(w http.ResponseWriter, r *http.Request) (formFields, error) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return formFields{}, domain.NewError(domain.KindValidation, "too_large",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		}
		return formFields{}, domain.Validationf("invalid multipart form: %v", err)
	}

	out := formFields{options: domain.Options{}}
	if raw := r.FormValue("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &out.options); err != nil {
			return formFields{}, domain.Validationf("options is not a JSON object: %v", err)
		}
	}

	for key, values := range r.MultipartForm.Value {
		if reservedFields[key] || len(values) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(values[0]), &v); err != nil {
			v = values[0]
		}
		out.options[key] = v
	}

	out.mode = r.FormValue("mode")
	if out.mode == "" && strings.EqualFold(r.FormValue("async_mode"), "true") {
		out.mode = string(domain.ModeAsync)
	}
	return out, nil
}

func (h *handler) readJSON(w http.ResponseWriter, r *http.Request) (webRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)

	var body webRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return webRequest{}, domain.Validationf("invalid JSON body: %v", err)
	}
	return body, nil
}

// modeOf prefers the ?mode= query parameter over the body field.
func modeOf(r *http.Request, fromBody string) (domain.Mode, error) {
	if q := r.URL.Query().Get("mode"); q != "" {
		return domain.ParseMode(q)
	}
	return domain.ParseMode(fromBody)
}

func payloadOf(fh *multipart.FileHeader, f multipart.File) scheduler.Payload {
	return scheduler.Payload{
		Name:        fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Body:        f,
	}
}
