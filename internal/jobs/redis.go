package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mirelabs/fable/internal/store"
	"github.com/mirelabs/fable/pkg/schema"
)

const dedupTTL = time.Hour

// RedisQueue delivers jobs to external workers through a Redis list. Each
// job is pushed as a JSON envelope; a SETNX dedup key derived from the
// idempotency key suppresses duplicate deliveries within the TTL window.
type RedisQueue struct {
	client    *redis.Client
	queueName string
	logger    *slog.Logger
}

type envelope struct {
	Job            *store.Job `json:"job"`
	IdempotencyKey string     `json:"idempotency_key"`
}

// NewRedisQueue connects a queue over the given Redis address.
func NewRedisQueue(addr, queueName string, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{
		client:    redis.NewClient(&redis.Options{Addr: addr}),
		queueName: queueName,
		logger:    logger,
	}
}

// Ping verifies connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return schema.NewError(schema.ErrCodeDispatch, "redis ping failed").WithCause(err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) listKey() string {
	return "fable:queue:" + q.queueName
}

func (q *RedisQueue) jobKey(jobID string) string {
	return "fable:job:" + jobID
}

func (q *RedisQueue) dedupKey(idem string) string {
	return "fable:dedup:" + idem
}

// Enqueue pushes the job envelope onto the queue list. A duplicate delivery
// (same idempotency key within the TTL) is suppressed and returns the job id
// without pushing again.
func (q *RedisQueue) Enqueue(ctx context.Context, job *store.Job) (string, error) {
	idem := IdempotencyKey(job)
	fresh, err := q.client.SetNX(ctx, q.dedupKey(idem), job.ID, dedupTTL).Result()
	if err != nil {
		return "", schema.NewError(schema.ErrCodeDispatch, "redis dedup check failed").WithCause(err)
	}
	if !fresh {
		q.logger.InfoContext(ctx, "duplicate job delivery suppressed",
			slog.String("job_id", job.ID),
			slog.String("idempotency_key", idem),
		)
		return job.ID, nil
	}

	raw, err := json.Marshal(envelope{Job: job, IdempotencyKey: idem})
	if err != nil {
		return "", schema.NewError(schema.ErrCodeDispatch, "encoding job envelope").WithCause(err)
	}

	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.listKey(), raw)
	pipe.HSet(ctx, q.jobKey(job.ID), map[string]any{
		"status":          "enqueued",
		"type":            job.Type,
		"session_id":      job.SessionID,
		"idempotency_key": idem,
		"enqueued_at":     time.Now().UTC().Format(time.RFC3339),
		"envelope":        raw,
	})
	pipe.Expire(ctx, q.jobKey(job.ID), dedupTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", schema.NewError(schema.ErrCodeDispatch, "redis enqueue failed").WithCause(err)
	}

	q.logger.InfoContext(ctx, "job enqueued",
		slog.String("job_id", job.ID),
		slog.String("type", job.Type),
		slog.String("queue", q.queueName),
	)
	return job.ID, nil
}

// Dequeue blocks up to timeout for the next job envelope. Returns NOT_FOUND
// when the wait times out with an empty queue.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*store.Job, error) {
	res, err := q.client.BRPop(ctx, timeout, q.listKey()).Result()
	if err == redis.Nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "queue empty")
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeDispatch, "redis dequeue failed").WithCause(err)
	}
	var env envelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		return nil, schema.NewError(schema.ErrCodeDispatch, "decoding job envelope").WithCause(err)
	}
	return env.Job, nil
}

// Cancel removes the job's envelope from the list if it has not been picked
// up yet. Already-consumed jobs are unaffected.
func (q *RedisQueue) Cancel(ctx context.Context, queueID string) error {
	raw, err := q.client.HGet(ctx, q.jobKey(queueID), "envelope").Result()
	if err == redis.Nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not tracked", queueID)
	}
	if err != nil {
		return schema.NewError(schema.ErrCodeDispatch, "redis cancel lookup failed").WithCause(err)
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.listKey(), 0, raw)
	pipe.HSet(ctx, q.jobKey(queueID), "status", "canceled")
	if _, err := pipe.Exec(ctx); err != nil {
		return schema.NewError(schema.ErrCodeDispatch, "redis cancel failed").WithCause(err)
	}
	return nil
}

// Status returns the queue-side tracking fields for a job.
func (q *RedisQueue) Status(ctx context.Context, queueID string) (map[string]any, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(queueID)).Result()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeDispatch, "redis status lookup failed").WithCause(err)
	}
	if len(fields) == 0 {
		return map[string]any{"id": queueID, "status": "unknown", "queue": q.queueName}, nil
	}
	out := map[string]any{"id": queueID, "queue": q.queueName}
	for k, v := range fields {
		if k == "envelope" {
			continue
		}
		out[k] = v
	}
	return out, nil
}

func (q *RedisQueue) Kind() string { return "redis" }

var _ Queue = (*RedisQueue)(nil)
