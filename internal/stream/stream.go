// Package stream turns job record changes into an ordered event sequence:
// every progress event in append order, then exactly one terminal event.
package stream

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/you-humble/alchemy/internal/domain"
)

type EventType string

const (
	EventProgress EventType = "progress"
	EventResult   EventType = "result"
	EventError    EventType = "error"
)

type ProgressData struct {
	JobID   string `json:"job_id"`
	Seq     int    `json:"seq"`
	Message string `json:"message"`
}

type Event struct {
	Type EventType
	Data any

	// Job is the snapshot a terminal event was built from.
	Job *domain.Job
}

func (e Event) Terminal() bool {
	return e.Type != EventProgress
}

type Snapshotter interface {
	Get(ctx context.Context, id string) (domain.Job, error)
}

type topic struct {
	wake chan struct{}
	refs int
}

// Hub fans job change notifications out to subscribers. Notifications carry
// no data; subscribers re-read the job record, so a missed wakeup never
// loses an event.
type Hub struct {
	jobs Snapshotter

	mu     sync.Mutex
	topics map[string]*topic
}

func NewHub(jobs Snapshotter) *Hub {
	return &Hub{jobs: jobs, topics: make(map[string]*topic)}
}

func (h *Hub) Notify(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[jobID]
	if !ok {
		return
	}
	close(t.wake)
	t.wake = make(chan struct{})
}

func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.topics[jobID]; ok {
		return t.refs
	}
	return 0
}

func (h *Hub) Subscribe(jobID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[jobID]
	if !ok {
		t = &topic{wake: make(chan struct{})}
		h.topics[jobID] = t
	}
	t.refs++

	return &Subscription{hub: h, jobID: jobID}
}

func (h *Hub) wakeup(jobID string) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.topics[jobID]; ok {
		return t.wake
	}
	// released subscription, never fires
	return nil
}

func (h *Hub) release(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[jobID]
	if !ok {
		return
	}
	t.refs--
	if t.refs <= 0 {
		delete(h.topics, jobID)
	}
}

type Subscription struct {
	hub   *Hub
	jobID string

	cursor int
	done   bool
	once   sync.Once
}

func (s *Subscription) JobID() string { return s.jobID }

// Next blocks until the next event. After the terminal event it returns io.EOF.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}

	for {
		// take the wakeup channel before reading, so a change landing
		// between the read and the wait still wakes us
		wake := s.hub.wakeup(s.jobID)

		job, err := s.hub.jobs.Get(ctx, s.jobID)
		if err != nil {
			return Event{}, fmt.Errorf("stream job %s: %w", s.jobID, err)
		}

		if s.cursor < len(job.Progress) {
			p := job.Progress[s.cursor]
			s.cursor++
			return Event{
				Type: EventProgress,
				Data: ProgressData{JobID: job.ID, Seq: p.Seq, Message: p.Message},
			}, nil
		}

		if job.State.Terminal() {
			s.done = true
			return terminalEvent(job), nil
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Wait drains the sequence and returns the terminal snapshot.
func (s *Subscription) Wait(ctx context.Context) (domain.Job, error) {
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			return domain.Job{}, err
		}
		if ev.Terminal() {
			return *ev.Job, nil
		}
	}
}

func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.release(s.jobID) })
}

func terminalEvent(job domain.Job) Event {
	typ := EventResult
	if job.State != domain.StateDone {
		typ = EventError
	}
	return Event{Type: typ, Data: job.Envelope(), Job: &job}
}
