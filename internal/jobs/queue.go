package jobs

import (
	"context"
	"log/slog"

	"github.com/mirelabs/fable/internal/store"
)

// Queue is the hand-off boundary between the outbox and external workers.
//
// Enqueue returns a queue-side tracking id, which may differ from the store
// job id. Cancel is best-effort; implementations that cannot cancel no-op.
// Kind identifies the implementation ("redis", "null") for diagnostics and
// for the poller's inline-execution decision.
type Queue interface {
	Enqueue(ctx context.Context, job *store.Job) (string, error)
	Cancel(ctx context.Context, queueID string) error
	Status(ctx context.Context, queueID string) (map[string]any, error)
	Kind() string
}

// NullQueue is the development fallback: it accepts jobs without delivering
// them anywhere. The outbox poller detects it and executes jobs inline
// instead of enqueueing.
type NullQueue struct {
	logger *slog.Logger
}

// NewNullQueue creates a NullQueue.
func NewNullQueue(logger *slog.Logger) *NullQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &NullQueue{logger: logger}
}

func (q *NullQueue) Enqueue(ctx context.Context, job *store.Job) (string, error) {
	id := job.ID
	if id == "" {
		id = IdempotencyKey(job)
	}
	q.logger.WarnContext(ctx, "null queue accepted job without delivery",
		slog.String("job_id", id),
		slog.String("type", job.Type),
	)
	return id, nil
}

func (q *NullQueue) Cancel(ctx context.Context, queueID string) error {
	q.logger.InfoContext(ctx, "null queue cancel ignored", slog.String("queue_id", queueID))
	return nil
}

func (q *NullQueue) Status(ctx context.Context, queueID string) (map[string]any, error) {
	return map[string]any{
		"id":     queueID,
		"status": "pending",
		"queue":  "null",
		"note":   "no worker configured",
	}, nil
}

func (q *NullQueue) Kind() string { return "null" }

var _ Queue = (*NullQueue)(nil)
