package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const fetchWait = 2 * time.Second

type NATSConfig struct {
	Stream   string
	Subject  string
	Consumer string
	// MaxMsgs mirrors the admission bound on the stream itself.
	MaxMsgs int
}

type natsQueue struct {
	js      nats.JetStreamContext
	subject string
	sub     *nats.Subscription
}

// StreamConfig is the work-queue stream the jobs subject is published to.
func StreamConfig(cfg NATSConfig) *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: nats.WorkQueuePolicy,
		Discard:   nats.DiscardNew,
		MaxMsgs:   int64(cfg.MaxMsgs),
		Storage:   nats.FileStorage,
		Replicas:  1,
	}
}

// NewNATS binds a durable pull consumer on the stream. The stream must exist.
func NewNATS(js nats.JetStreamContext, cfg NATSConfig) (*natsQueue, error) {
	if cfg.Subject == "" {
		return nil, fmt.Errorf("empty subject")
	}

	_, err := js.AddConsumer(cfg.Stream, &nats.ConsumerConfig{
		Durable:       cfg.Consumer,
		AckPolicy:     nats.AckExplicitPolicy,
		FilterSubject: cfg.Subject,
	})
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return nil, fmt.Errorf("JetStream AddConsumer: %w", err)
	}

	sub, err := js.PullSubscribe(cfg.Subject, cfg.Consumer, nats.BindStream(cfg.Stream))
	if err != nil {
		return nil, fmt.Errorf("JetStream PullSubscribe: %w", err)
	}

	return &natsQueue{js: js, subject: cfg.Subject, sub: sub}, nil
}

func (q *natsQueue) Publish(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("empty jobID")
	}

	ack, err := q.js.PublishMsg(&nats.Msg{
		Subject: q.subject,
		Data:    []byte(jobID),
	}, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	slog.Debug("job enqueued",
		slog.String("job_id", jobID),
		slog.String("subject", q.subject),
		slog.String("stream", ack.Stream),
		slog.Uint64("seq", ack.Sequence),
	)
	return nil
}

// Dequeue acks on receipt. The job record, not the message, tracks progress
// from here on.
func (q *natsQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		fetchCtx, cancel := context.WithTimeout(ctx, fetchWait)
		msgs, err := q.sub.Fetch(1, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return "", ctx.Err()
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
				continue
			case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
				return "", ErrClosed
			}
			slog.Warn("NATS Fetch", slog.String("error", err.Error()))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, msg := range msgs {
			if err := msg.Ack(); err != nil {
				slog.Warn("NATS Ack", slog.String("error", err.Error()))
			}
			return string(msg.Data), nil
		}
	}
}

func (q *natsQueue) Close() error {
	if err := q.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("NATS unsubscribe: %w", err)
	}
	return nil
}
