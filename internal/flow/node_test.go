package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingNode struct{}

func (f *failingNode) Run(_ context.Context, _ []Item, _ *NodeContext) (*NodeResult, error) {
	return nil, errors.New("boom")
}

type panickingNode struct{}

func (p *panickingNode) Run(_ context.Context, _ []Item, _ *NodeContext) (*NodeResult, error) {
	panic("unexpected")
}

type mutatingNode struct{}

func (m *mutatingNode) Run(_ context.Context, items []Item, _ *NodeContext) (*NodeResult, error) {
	for _, it := range items {
		it["mutated"] = true
	}
	return &NodeResult{Items: items}, nil
}

type nilResultNode struct{}

func (n *nilResultNode) Run(_ context.Context, _ []Item, _ *NodeContext) (*NodeResult, error) {
	return nil, nil
}

func TestSafeRun_FillsStandardMetrics(t *testing.T) {
	res := SafeRun(context.Background(), &stubNode{tag: "x"}, "Stub", []Item{{"a": 1}}, &NodeContext{})

	require.Len(t, res.Items, 1)
	assert.Equal(t, "x", res.Items[0]["tag"])
	assert.Equal(t, "Stub", res.Metrics["type"])
	assert.Equal(t, 1, res.Metrics["items_in"])
	assert.Equal(t, 1, res.Metrics["items_out"])
	assert.Contains(t, res.Metrics, "duration_ms")
	assert.Empty(t, res.Errors)
}

func TestSafeRun_ErrorReturnsInputPassthrough(t *testing.T) {
	input := []Item{{"a": 1}, {"b": 2}}
	res := SafeRun(context.Background(), &failingNode{}, "Failing", input, &NodeContext{})

	assert.Equal(t, input, res.Items)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "boom")
	assert.Equal(t, 2, res.Metrics["items_in"])
	assert.Equal(t, 2, res.Metrics["items_out"])
}

func TestSafeRun_PanicRecovered(t *testing.T) {
	input := []Item{{"a": 1}}
	res := SafeRun(context.Background(), &panickingNode{}, "Panicking", input, &NodeContext{})

	assert.Equal(t, input, res.Items)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "panicked")
}

func TestSafeRun_NilResultIsError(t *testing.T) {
	res := SafeRun(context.Background(), &nilResultNode{}, "NilResult", []Item{{"a": 1}}, &NodeContext{})

	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "nil result")
	assert.Equal(t, []Item{{"a": 1}}, res.Items)
}

func TestSafeRun_CallerBatchNotMutated(t *testing.T) {
	input := []Item{{"a": 1}}
	res := SafeRun(context.Background(), &mutatingNode{}, "Mutating", input, &NodeContext{})

	assert.NotContains(t, input[0], "mutated")
	assert.Equal(t, true, res.Items[0]["mutated"])
}

func TestSafeRun_NilBatchNormalizesToEmpty(t *testing.T) {
	res := SafeRun(context.Background(), &stubNode{tag: "x"}, "Stub", nil, &NodeContext{})

	assert.NotNil(t, res.Items)
	assert.Empty(t, res.Items)
	assert.Equal(t, 0, res.Metrics["items_in"])
}

func TestCopyItems_ShallowPerItem(t *testing.T) {
	orig := []Item{{"k": "v"}}
	cp := CopyItems(orig)
	cp[0]["k"] = "changed"
	assert.Equal(t, "v", orig[0]["k"])
}
