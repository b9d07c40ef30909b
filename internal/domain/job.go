package domain

import (
	"fmt"
	"time"
)

type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateDone      JobState = "done"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

func (s JobState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

type ProgressEvent struct {
	Seq     int       `json:"seq"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type Job struct {
	ID    string   `json:"id"`
	Kind  Kind     `json:"kind"`
	State JobState `json:"state"`

	Input   Input   `json:"input"`
	Options Options `json:"options"`

	Progress []ProgressEvent `json:"progress,omitempty"`
	Result   *ParseResult    `json:"result,omitempty"`
	Error    *Error          `json:"error,omitempty"`

	// meta
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

type CreateJobParams struct {
	Kind           Kind
	Input          Input
	Options        Options
	IdempotencyKey string
}

func NewJob(id string, p CreateJobParams, now time.Time) Job {
	return Job{
		ID:             id,
		Kind:           p.Kind,
		State:          StatePending,
		Input:          p.Input,
		Options:        p.Options.Clone(),
		IdempotencyKey: p.IdempotencyKey,
		CreatedAt:      now,
	}
}

// Clone returns a snapshot that shares nothing mutable with j.
func (j Job) Clone() Job {
	out := j
	out.Options = j.Options.Clone()
	if j.Progress != nil {
		out.Progress = append([]ProgressEvent(nil), j.Progress...)
	}
	if j.Result != nil {
		r := *j.Result
		r.Chunks = append([]Chunk(nil), j.Result.Chunks...)
		out.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

func (j *Job) transitionErr(to JobState) error {
	return fmt.Errorf("job %s: %s -> %s: %w", j.ID, j.State, to, ErrInvalidTransition)
}

func (j *Job) Start(at time.Time) error {
	if j.State != StatePending {
		return j.transitionErr(StateRunning)
	}
	j.State = StateRunning
	j.StartedAt = &at
	return nil
}

func (j *Job) AppendProgress(msg string, at time.Time) (ProgressEvent, error) {
	if j.State != StateRunning {
		return ProgressEvent{}, fmt.Errorf("job %s: progress while %s: %w", j.ID, j.State, ErrInvalidTransition)
	}
	ev := ProgressEvent{Seq: len(j.Progress), Message: msg, At: at}
	j.Progress = append(j.Progress, ev)
	return ev, nil
}

func (j *Job) Complete(result ParseResult, at time.Time) error {
	if j.State != StateRunning {
		return j.transitionErr(StateDone)
	}
	j.State = StateDone
	j.Result = &result
	j.Error = nil
	j.FinishedAt = &at
	return nil
}

func (j *Job) Fail(cause *Error, at time.Time) error {
	if j.State != StateRunning {
		return j.transitionErr(StateFailed)
	}
	if cause == nil {
		cause = NewError(KindBackend, "", "unknown failure")
	}
	j.State = StateFailed
	j.Error = cause
	j.Result = nil
	j.FinishedAt = &at
	return nil
}

func (j *Job) Cancel(at time.Time) error {
	if j.State.Terminal() {
		return j.transitionErr(StateCancelled)
	}
	j.State = StateCancelled
	j.Error = NewError(KindCancelled, "", "cancelled by caller")
	j.Result = nil
	j.FinishedAt = &at
	return nil
}

// Err returns the recorded failure of a failed or cancelled job.
func (j Job) Err() error {
	if j.Error == nil {
		return nil
	}
	return j.Error
}

type JobResponse struct {
	JobID    string       `json:"job_id"`
	Status   JobState     `json:"status"`
	Progress int          `json:"progress,omitempty"`
	Result   *ParseResult `json:"result,omitempty"`
	Error    *Error       `json:"error,omitempty"`
}

// Envelope is the unified response shape for any job outcome.
func (j Job) Envelope() JobResponse {
	return JobResponse{
		JobID:    j.ID,
		Status:   j.State,
		Progress: len(j.Progress),
		Result:   j.Result,
		Error:    j.Error,
	}
}

type ErrorResponse struct {
	Error   string    `json:"error"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Message string    `json:"message"`
}
