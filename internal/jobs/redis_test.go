package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirelabs/fable/pkg/schema"
)

func newTestRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	q := NewRedisQueue(srv.Addr(), "test", nil)
	t.Cleanup(func() { _ = q.Close() })
	return q, srv
}

func TestRedisQueue_EnqueueAndDequeue(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Ping(ctx))

	job := baseJob()
	queueID, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, job.ID, queueID)

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Type, got.Type)
	assert.Equal(t, "the door creaks open", got.Payload["text"])
}

func TestRedisQueue_DuplicateDeliverySuppressed(t *testing.T) {
	q, srv := newTestRedisQueue(t)
	ctx := context.Background()

	job := baseJob()
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)

	// Same identity fields, different job id: dedup key matches.
	dup := baseJob()
	dup.ID = "job_retry"
	queueID, err := q.Enqueue(ctx, dup)
	require.NoError(t, err)
	assert.Equal(t, "job_retry", queueID)

	items, err := srv.List("fable:queue:test")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestRedisQueue_DequeueEmptyIsNotFound(t *testing.T) {
	q, _ := newTestRedisQueue(t)

	_, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.Error(t, err)

	var ferr *schema.FableError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, schema.ErrCodeNotFound, ferr.Code)
}

func TestRedisQueue_CancelRemovesPendingEnvelope(t *testing.T) {
	q, srv := newTestRedisQueue(t)
	ctx := context.Background()

	job := baseJob()
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, job.ID))

	items, err := srv.List("fable:queue:test")
	require.NoError(t, err)
	assert.Empty(t, items)

	status, err := q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "canceled", status["status"])
}

func TestRedisQueue_CancelUnknownIsNotFound(t *testing.T) {
	q, _ := newTestRedisQueue(t)

	err := q.Cancel(context.Background(), "job_ghost")
	require.Error(t, err)

	var ferr *schema.FableError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, schema.ErrCodeNotFound, ferr.Code)
}

func TestRedisQueue_StatusFields(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()

	job := baseJob()
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)

	status, err := q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "enqueued", status["status"])
	assert.Equal(t, job.Type, status["type"])
	assert.Equal(t, job.SessionID, status["session_id"])
	assert.NotContains(t, status, "envelope")

	unknown, err := q.Status(ctx, "job_ghost")
	require.NoError(t, err)
	assert.Equal(t, "unknown", unknown["status"])
}
