package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation ErrorKind = "ValidationError"
	KindQueueFull  ErrorKind = "QueueFull"
	KindNotFound   ErrorKind = "NotFound"
	KindTimeout    ErrorKind = "Timeout"
	KindBackend    ErrorKind = "BackendError"
	KindCancelled  ErrorKind = "Cancelled"
)

var (
	ErrValidation  = errors.New("validation error")
	ErrQueueFull   = errors.New("queue full")
	ErrJobNotFound = errors.New("job not found")
	ErrTimeout     = errors.New("job timed out")
	ErrBackend     = errors.New("backend error")
	ErrCancelled   = errors.New("job cancelled")

	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrJobExists         = errors.New("job already exists")
)

// Error is a user-visible failure: taxonomy kind plus a readable cause.
// It is also what a failed or cancelled Job records.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
}

func NewError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Validationf(format string, args ...any) *Error {
	return NewError(KindValidation, "", fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	switch e.Kind {
	case KindValidation:
		return ErrValidation
	case KindQueueFull:
		return ErrQueueFull
	case KindNotFound:
		return ErrJobNotFound
	case KindTimeout:
		return ErrTimeout
	case KindBackend:
		return ErrBackend
	case KindCancelled:
		return ErrCancelled
	}
	return nil
}

// AsError classifies any error into the taxonomy. Unknown errors become BackendError.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, ErrValidation):
		return NewError(KindValidation, "", err.Error())
	case errors.Is(err, ErrQueueFull):
		return NewError(KindQueueFull, "", err.Error())
	case errors.Is(err, ErrJobNotFound):
		return NewError(KindNotFound, "", err.Error())
	case errors.Is(err, ErrTimeout):
		return NewError(KindTimeout, "", err.Error())
	case errors.Is(err, ErrCancelled):
		return NewError(KindCancelled, "", err.Error())
	}
	return NewError(KindBackend, "", err.Error())
}
