package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/you-humble/alchemy/internal/domain"
)

var statusByKind = map[domain.ErrorKind]int{
	domain.KindValidation: http.StatusBadRequest,
	domain.KindQueueFull:  http.StatusTooManyRequests,
	domain.KindNotFound:   http.StatusNotFound,
	domain.KindTimeout:    http.StatusGatewayTimeout,
	domain.KindBackend:    http.StatusBadGateway,
	domain.KindCancelled:  http.StatusConflict,
}

func statusOf(kind domain.ErrorKind) int {
	if s, ok := statusByKind[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// classify maps err to a response. Errors outside the taxonomy are internal
// and their text is not exposed.
func classify(err error) (int, *domain.Error) {
	var e *domain.Error
	if errors.As(err, &e) {
		return statusOf(e.Kind), e
	}

	for _, sentinel := range []error{
		domain.ErrValidation,
		domain.ErrQueueFull,
		domain.ErrJobNotFound,
		domain.ErrTimeout,
		domain.ErrCancelled,
	} {
		if errors.Is(err, sentinel) {
			e = domain.AsError(err)
			return statusOf(e.Kind), e
		}
	}

	return http.StatusInternalServerError, nil
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, e := classify(err)
	if e == nil {
		writeError(w, status, "")
		return
	}
	writeJSON(w, status, domain.ErrorResponse{
		Error:   http.StatusText(status),
		Kind:    e.Kind,
		Message: e.Message,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	resp := domain.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON", slog.String("error", err.Error()))
	}
}

// writeJob sends the envelope of a job with the status its state implies.
func writeJob(w http.ResponseWriter, job domain.Job) {
	status := http.StatusOK
	switch {
	case !job.State.Terminal():
		status = http.StatusAccepted
	case job.Error != nil:
		status = statusOf(job.Error.Kind)
	}
	writeJSON(w, status, job.Envelope())
}
