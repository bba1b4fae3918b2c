package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextCarriers(t *testing.T) {
	ctx := WithSessionID(context.Background(), "sess_1")
	ctx = WithNodeID(ctx, "narrate")
	ctx = WithJobID(ctx, "job_1")

	assert.Equal(t, "sess_1", SessionID(ctx))
	assert.Equal(t, "narrate", NodeID(ctx))
	assert.Equal(t, "job_1", JobID(ctx))

	empty := context.Background()
	assert.Empty(t, SessionID(empty))
	assert.Empty(t, NodeID(empty))
	assert.Empty(t, JobID(empty))
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithJobID(WithSessionID(context.Background(), "sess_1"), "job_1")
	logger.InfoContext(ctx, "hello")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "sess_1", record["session_id"])
	assert.Equal(t, "job_1", record["job_id"])
	assert.NotContains(t, record, "node_id")
}

func TestCorrelationHandler_PlainContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.Info("hello")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.NotContains(t, record, "session_id")
	assert.Equal(t, "hello", record["msg"])
}
