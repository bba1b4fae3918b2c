package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirelabs/fable/internal/flow"
	"github.com/mirelabs/fable/internal/store"
	"github.com/mirelabs/fable/pkg/schema"
)

type stubCaller struct {
	reply string
	err   error
	calls []string
}

func (c *stubCaller) CallModel(_ context.Context, _ []flow.Message, model string) (string, error) {
	c.calls = append(c.calls, model)
	return c.reply, c.err
}

// setFieldNode writes a fixed field into every item.
type setFieldNode struct {
	field string
	value any
}

func (n *setFieldNode) Run(_ context.Context, items []flow.Item, _ *flow.NodeContext) (*flow.NodeResult, error) {
	out := flow.CopyItems(items)
	for _, it := range out {
		it[n.field] = n.value
	}
	return &flow.NodeResult{Items: out}, nil
}

func newTestProcessor(t *testing.T, llm flow.ModelCaller, docs ...*schema.FlowDocument) (*Processor, *store.FileStore) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	loader, err := flow.NewLoader(nil)
	require.NoError(t, err)
	for _, doc := range docs {
		require.NoError(t, loader.Register(doc))
	}

	reg := flow.NewRegistry()
	require.NoError(t, reg.Register("SetField", func(params map[string]any) flow.Node {
		field, _ := params["field"].(string)
		return &setFieldNode{field: field, value: params["value"]}
	}, false))
	exec := flow.NewExecutor(loader, reg, nil)

	return NewProcessor(st, exec, llm, nil, nil), st
}

func statusUpdateDoc(mood string) *schema.FlowDocument {
	return &schema.FlowDocument{
		ID:      "status_update",
		Version: 1,
		Entry:   "analyze",
		Nodes: []schema.NodeSpec{
			{ID: "analyze", Type: "SetField", Params: map[string]any{
				"field": "protagonist_mood",
				"value": mood,
			}},
		},
	}
}

func guidanceDoc(text string) *schema.FlowDocument {
	return &schema.FlowDocument{
		ID:      "guidance",
		Version: 1,
		Entry:   "advise",
		Nodes: []schema.NodeSpec{
			{ID: "advise", Type: "SetField", Params: map[string]any{
				"field": "guidance",
				"value": text,
			}},
		},
	}
}

func TestProcessor_StatusUpdateResolvesGatingAndCompletesRound(t *testing.T) {
	proc, st := newTestProcessor(t, nil, statusUpdateDoc("unsettled"))

	sess, err := st.CreateSession(map[string]any{"protagonist_mood": "calm"})
	require.NoError(t, err)
	round, err := st.BeginRound(sess.ID, sess.ActiveBranchID, "hello", sess.StableState, 0, 0)
	require.NoError(t, err)
	require.NoError(t, st.SetRoundBlockers(sess.ID, sess.ActiveBranchID, round.RoundNo, []string{"gating"}))

	job, err := st.RecordJob(sess.ID, schema.JobStatusUpdate, sess.ActiveBranchID, round.RoundNo, 0,
		true, map[string]any{"text": "the stranger smiles"}, round.SnapshotID)
	require.NoError(t, err)

	result, err := proc.Process(context.Background(), job)
	require.NoError(t, err)

	updated := result["updated"].(map[string]any)
	assert.Equal(t, "unsettled", updated["protagonist_mood"])
	assert.Equal(t, round.RoundNo, result["anchor_round"])
	assert.Equal(t, round.SnapshotID, result["snapshot_id"])

	loaded, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "unsettled", loaded.StableState["protagonist_mood"])

	got, err := st.GetRound(sess.ID, sess.ActiveBranchID, round.RoundNo)
	require.NoError(t, err)
	assert.Empty(t, got.Blockers)
	assert.Equal(t, store.RoundCompleted, got.Status)
}

func TestProcessor_StatusUpdateFallsBackToDirectCall(t *testing.T) {
	caller := &stubCaller{reply: "guarded"}
	// No status_update flow registered: the subflow path fails.
	proc, st := newTestProcessor(t, caller)

	sess, err := st.CreateSession(nil)
	require.NoError(t, err)
	round, err := st.BeginRound(sess.ID, sess.ActiveBranchID, "hi", nil, 0, 0)
	require.NoError(t, err)

	job, err := st.RecordJob(sess.ID, schema.JobStatusUpdate, sess.ActiveBranchID, round.RoundNo, 0,
		true, map[string]any{"text": "a shadow moves"}, round.SnapshotID)
	require.NoError(t, err)

	result, err := proc.Process(context.Background(), job)
	require.NoError(t, err)

	updated := result["updated"].(map[string]any)
	assert.Equal(t, "guarded", updated["protagonist_mood"])
	assert.Equal(t, []string{"analyzer-llm"}, caller.calls)
}

func TestProcessor_StatusUpdateLastResortMood(t *testing.T) {
	// No flow and no model: the hardcoded fallback still lands a value.
	proc, st := newTestProcessor(t, nil)

	sess, err := st.CreateSession(nil)
	require.NoError(t, err)
	round, err := st.BeginRound(sess.ID, sess.ActiveBranchID, "hi", nil, 0, 0)
	require.NoError(t, err)

	job, err := st.RecordJob(sess.ID, schema.JobStatusUpdate, sess.ActiveBranchID, round.RoundNo, 0,
		true, nil, round.SnapshotID)
	require.NoError(t, err)

	result, err := proc.Process(context.Background(), job)
	require.NoError(t, err)

	updated := result["updated"].(map[string]any)
	assert.Equal(t, fallbackMood, updated["protagonist_mood"])
}

func TestProcessor_GuidanceResult(t *testing.T) {
	proc, st := newTestProcessor(t, nil, guidanceDoc("try the locked door"))

	sess, err := st.CreateSession(nil)
	require.NoError(t, err)
	job, err := st.RecordJob(sess.ID, schema.JobGuidance, sess.ActiveBranchID, 1, 0,
		false, map[string]any{"narrative": "you stand in a hallway"}, "")
	require.NoError(t, err)

	result, err := proc.Process(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "try the locked door", result["guidance"])
}

func TestProcessor_GuidanceDegradesToPlaceholder(t *testing.T) {
	proc, st := newTestProcessor(t, nil)

	sess, err := st.CreateSession(nil)
	require.NoError(t, err)
	job, err := st.RecordJob(sess.ID, schema.JobSummarize, sess.ActiveBranchID, 1, 0, false, nil, "")
	require.NoError(t, err)

	result, err := proc.Process(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, true, result["placeholder"])
}

func TestProcessor_UnknownTypeIsDispatchError(t *testing.T) {
	proc, st := newTestProcessor(t, nil)

	sess, err := st.CreateSession(nil)
	require.NoError(t, err)
	job, err := st.RecordJob(sess.ID, "Mystery", sess.ActiveBranchID, 1, 0, false, nil, "")
	require.NoError(t, err)

	_, err = proc.Process(context.Background(), job)
	require.Error(t, err)

	var ferr *schema.FableError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, schema.ErrCodeDispatch, ferr.Code)
}

func TestProcessor_MissingSessionFails(t *testing.T) {
	proc, _ := newTestProcessor(t, nil)

	job := &store.Job{ID: "job_x", SessionID: "sess_ghost", Type: schema.JobStatusUpdate}
	_, err := proc.Process(context.Background(), job)
	require.Error(t, err)

	var ferr *schema.FableError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, schema.ErrCodeNotFound, ferr.Code)
}
