package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/you-humble/alchemy/internal/domain"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 16

type redisJobStore struct {
	rdb *redis.Client
}

func NewRedisJobStore(rdb *redis.Client) *redisJobStore {
	return &redisJobStore{rdb: rdb}
}

func (s *redisJobStore) Create(ctx context.Context, job domain.Job) error {
	fields, err := encode(job)
	if err != nil {
		return err
	}

	hk := jobKey(job.ID)
	if job.IdempotencyKey != "" {
		ok, err := s.rdb.SetNX(ctx, idempKey(job.IdempotencyKey), job.ID, 0).Result()
		if err != nil {
			return fmt.Errorf("redis SetNX idempotency key: %w", err)
		}
		if !ok {
			return fmt.Errorf("idempotency key %q: %w", job.IdempotencyKey, domain.ErrJobExists)
		}
	}

	created, err := s.rdb.HSetNX(ctx, hk, "id", job.ID).Result()
	if err != nil {
		return fmt.Errorf("redis HSetNX: %w", err)
	}
	if !created {
		if job.IdempotencyKey != "" {
			s.rdb.Del(ctx, idempKey(job.IdempotencyKey))
		}
		return fmt.Errorf("job %s: %w", job.ID, domain.ErrJobExists)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, hk, fields)
	pipe.ZAdd(ctx, jobsByCreatedKey(), redis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis create job %s: %w", job.ID, err)
	}
	return nil
}

func (s *redisJobStore) Get(ctx context.Context, id string) (domain.Job, error) {
	return s.get(ctx, s.rdb, id)
}

func (s *redisJobStore) get(ctx context.Context, c redis.Cmdable, id string) (domain.Job, error) {
	res, err := c.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return domain.Job{}, fmt.Errorf("redis HGetAll %s: %w", id, err)
	}
	if len(res) == 0 || res["state"] == "" {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrJobNotFound)
	}
	return decode(res)
}

// Update runs fn inside an optimistic WATCH transaction and retries when
// another writer touched the job in between.
func (s *redisJobStore) Update(ctx context.Context, id string, fn func(*domain.Job) error) (domain.Job, error) {
	hk := jobKey(id)

	var out domain.Job
	txf := func(tx *redis.Tx) error {
		job, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}

		next := job.Clone()
		if err := fn(&next); err != nil {
			out = job
			return err
		}

		fields, err := encode(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hk, fields)
			if next.FinishedAt != nil {
				pipe.ZAdd(ctx, jobsByFinishedKey(), redis.Z{
					Score:  float64(next.FinishedAt.UnixNano()),
					Member: id,
				})
			}
			return nil
		})
		if err != nil {
			return err
		}

		out = next
		return nil
	}

	for range maxTxRetries {
		err := s.rdb.Watch(ctx, txf, hk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return domain.Job{}, fmt.Errorf("job %s: update contention: %w", id, redis.TxFailedErr)
}

func (s *redisJobStore) ByIdempotencyKey(ctx context.Context, key string) (domain.Job, bool, error) {
	if key == "" {
		return domain.Job{}, false, nil
	}

	id, err := s.rdb.Get(ctx, idempKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("redis ByIdempotencyKey: %w", err)
	}

	job, err := s.Get(ctx, id)
	if errors.Is(err, domain.ErrJobNotFound) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

func (s *redisJobStore) Delete(ctx context.Context, id string) error {
	hk := jobKey(id)

	key, err := s.rdb.HGet(ctx, hk, "idempotency_key").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis HGet: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, hk)
	pipe.ZRem(ctx, jobsByCreatedKey(), id)
	pipe.ZRem(ctx, jobsByFinishedKey(), id)
	if key != "" {
		pipe.Del(ctx, idempKey(key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete job %s: %w", id, err)
	}
	return nil
}

func (s *redisJobStore) FinishedBefore(ctx context.Context, border time.Time) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, jobsByFinishedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(border.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRangeByScore: %w", err)
	}
	return ids, nil
}

func (s *redisJobStore) Close() error {
	return s.rdb.Close()
}

func encode(j domain.Job) (map[string]any, error) {
	fields := map[string]any{
		"id":              j.ID,
		"kind":            string(j.Kind),
		"state":           string(j.State),
		"idempotency_key": j.IdempotencyKey,
		"created_at":      j.CreatedAt.UnixNano(),
		"started_at":      unixNano(j.StartedAt),
		"finished_at":     unixNano(j.FinishedAt),
	}

	blobs := map[string]any{
		"input":    j.Input,
		"options":  j.Options,
		"progress": j.Progress,
		"result":   j.Result,
		"error":    j.Error,
	}
	for name, v := range blobs {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode job %s %s: %w", j.ID, name, err)
		}
		fields[name] = string(b)
	}

	return fields, nil
}

func decode(res map[string]string) (domain.Job, error) {
	j := domain.Job{
		ID:             res["id"],
		Kind:           domain.Kind(res["kind"]),
		State:          domain.JobState(res["state"]),
		IdempotencyKey: res["idempotency_key"],
	}

	if n, err := strconv.ParseInt(res["created_at"], 10, 64); err == nil {
		j.CreatedAt = time.Unix(0, n)
	}
	j.StartedAt = fromUnixNano(res["started_at"])
	j.FinishedAt = fromUnixNano(res["finished_at"])

	blobs := map[string]any{
		"input":    &j.Input,
		"options":  &j.Options,
		"progress": &j.Progress,
		"result":   &j.Result,
		"error":    &j.Error,
	}
	for name, dst := range blobs {
		raw, ok := res[name]
		if !ok || raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(raw), dst); err != nil {
			return domain.Job{}, fmt.Errorf("decode job %s %s: %w", j.ID, name, err)
		}
	}

	return j, nil
}

func unixNano(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(v string) *time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return nil
	}
	t := time.Unix(0, n)
	return &t
}

func jobKey(id string) string {
	return "job:" + id
}

func idempKey(k string) string {
	return "job:idemp:" + k
}

func jobsByCreatedKey() string {
	return "jobs:by_created"
}

func jobsByFinishedKey() string {
	return "jobs:by_finished"
}
