package nodes

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirelabs/fable/internal/flow"
	"github.com/mirelabs/fable/internal/state"
)

type fakeCaller struct {
	reply string
	err   error
	calls []string
}

func (f *fakeCaller) CallModel(_ context.Context, messages []flow.Message, model string) (string, error) {
	f.calls = append(f.calls, model)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func testContext(caller flow.ModelCaller, initial map[string]any) *flow.NodeContext {
	resources := map[string]any{}
	if caller != nil {
		resources["llm"] = caller
	}
	return &flow.NodeContext{
		SessionID: "sess_test",
		State:     state.NewManager(initial),
		Resources: resources,
	}
}

func TestAll_RegistersEveryBuiltin(t *testing.T) {
	reg := flow.NewRegistry()
	require.NoError(t, reg.RegisterAll(All()))
	assert.ElementsMatch(t,
		[]string{"LLMChat", "Code", "ReadState", "WriteState", "IncrementCounter", "Map", "Filter", "Merge", "Split"},
		reg.KnownTypes(),
	)
}

func TestLLMChat_WritesResponseField(t *testing.T) {
	caller := &fakeCaller{reply: "once upon a time"}
	node := NewLLMChat(map[string]any{"model": "narrative-llm"})

	res, err := node.Run(context.Background(), []flow.Item{
		{"messages": []any{map[string]any{"role": "user", "content": "hi"}}},
	}, testContext(caller, nil))
	require.NoError(t, err)

	require.Len(t, res.Items, 1)
	assert.Equal(t, "once upon a time", res.Items[0]["llm_response"])
	assert.Equal(t, []string{"narrative-llm"}, caller.calls)
}

func TestLLMChat_FallbackMessagesFromState(t *testing.T) {
	caller := &fakeCaller{reply: "ok"}
	node := NewLLMChat(nil)
	nc := testContext(caller, map[string]any{"mood": "tense"})

	res, err := node.Run(context.Background(), []flow.Item{{"user_input": "look around"}}, nc)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Items[0]["llm_response"])
}

func TestLLMChat_CallErrorPassesItemThrough(t *testing.T) {
	caller := &fakeCaller{err: errors.New("model down")}
	node := NewLLMChat(nil)

	res, err := node.Run(context.Background(), []flow.Item{{"user_input": "hi"}}, testContext(caller, nil))
	require.NoError(t, err)

	assert.NotContains(t, res.Items[0], "llm_response")
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "model down")
}

func TestLLMChat_NoResourceIsPerItemError(t *testing.T) {
	node := NewLLMChat(nil)

	res, err := node.Run(context.Background(), []flow.Item{{"user_input": "hi"}}, testContext(nil, nil))
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Len(t, res.Items, 1)
}

func TestCode_AppliesWhitelistedFunction(t *testing.T) {
	nc := testContext(nil, nil)
	nc.Resources["code_funcs"] = map[string]flow.CodeFunc{
		"enrich": func(_ context.Context, item flow.Item, _ *flow.NodeContext) (map[string]any, error) {
			return map[string]any{"extra": "yes", "ignored": "no"}, nil
		},
	}
	node := NewCode(map[string]any{"function": "enrich", "outputs": []any{"extra"}})

	res, err := node.Run(context.Background(), []flow.Item{{"a": 1}}, nc)
	require.NoError(t, err)

	assert.Equal(t, "yes", res.Items[0]["extra"])
	assert.NotContains(t, res.Items[0], "ignored")
}

func TestCode_UnknownFunctionUsesDefault(t *testing.T) {
	node := NewCode(map[string]any{"function": "missing"})

	res, err := node.Run(context.Background(), []flow.Item{{"user_input": "go north"}}, testContext(nil, map[string]any{"k": "v"}))
	require.NoError(t, err)

	msgs, ok := res.Items[0]["messages"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, msgs)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Contains(t, first["content"], "k=v")
}

func TestCode_FunctionErrorPassesItemThrough(t *testing.T) {
	nc := testContext(nil, nil)
	nc.Resources["code_funcs"] = map[string]flow.CodeFunc{
		"broken": func(_ context.Context, _ flow.Item, _ *flow.NodeContext) (map[string]any, error) {
			return nil, errors.New("bad input")
		},
	}
	node := NewCode(map[string]any{"function": "broken"})

	res, err := node.Run(context.Background(), []flow.Item{{"a": 1}}, nc)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Items[0]["a"])
	require.Len(t, res.Errors, 1)
}

func TestReadState_IntoField(t *testing.T) {
	nc := testContext(nil, map[string]any{"hp": 10, "mood": "calm"})
	node := NewReadState(map[string]any{"keys": []any{"hp"}, "into": "snapshot"})

	res, err := node.Run(context.Background(), []flow.Item{{}}, nc)
	require.NoError(t, err)

	snap, ok := res.Items[0]["snapshot"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 10, snap["hp"])
	assert.NotContains(t, snap, "mood")
}

func TestReadState_ForPromptUsesFallback(t *testing.T) {
	nc := testContext(nil, map[string]any{"mood": "calm"})
	nc.State.BeginAsyncUpdate([]string{"mood"})
	nc.State.WriteSync(map[string]any{"mood": "panicked"})

	node := NewReadState(map[string]any{"for_prompt": true})
	res, err := node.Run(context.Background(), []flow.Item{{}}, nc)
	require.NoError(t, err)

	snap := res.Items[0]["state"].(map[string]any)
	assert.Equal(t, "calm", snap["mood"])
}

func TestWriteState_DirectAndMappedUpdates(t *testing.T) {
	nc := testContext(nil, nil)
	node := NewWriteState(map[string]any{
		"updates":       map[string]any{"scene": "forest"},
		"from_item_map": map[string]any{"llm_response": "last_narrative"},
	})

	res, err := node.Run(context.Background(), []flow.Item{{"llm_response": "you enter the woods"}}, nc)
	require.NoError(t, err)

	working := nc.State.Working()
	assert.Equal(t, "forest", working["scene"])
	assert.Equal(t, "you enter the woods", working["last_narrative"])
	assert.Equal(t, "you enter the woods", res.Items[0]["llm_response"])
}

func TestIncrementCounter(t *testing.T) {
	nc := testContext(nil, map[string]any{"turn_count": 4})
	node := NewIncrementCounter(map[string]any{"field": "turn_count"})

	_, err := node.Run(context.Background(), []flow.Item{{}}, nc)
	require.NoError(t, err)
	assert.Equal(t, 5, nc.State.Working()["turn_count"])

	// Missing field starts from zero.
	node = NewIncrementCounter(map[string]any{"field": "fresh"})
	_, err = node.Run(context.Background(), []flow.Item{{}}, nc)
	require.NoError(t, err)
	assert.Equal(t, 1, nc.State.Working()["fresh"])
}

func TestIncrementCounter_RequiresField(t *testing.T) {
	node := NewIncrementCounter(nil)
	_, err := node.Run(context.Background(), []flow.Item{{}}, testContext(nil, nil))
	require.Error(t, err)
}

func TestMap_SetsFieldsFromExpressions(t *testing.T) {
	node := NewMap(map[string]any{"set": map[string]any{"name": ".user.name"}})

	res, err := node.Run(context.Background(), []flow.Item{
		{"user": map[string]any{"name": "ada"}},
	}, testContext(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "ada", res.Items[0]["name"])
}

func TestMap_OverwriteFalseKeepsExisting(t *testing.T) {
	node := NewMap(map[string]any{
		"set":       map[string]any{"name": ".other"},
		"overwrite": false,
	})

	res, err := node.Run(context.Background(), []flow.Item{
		{"name": "keep", "other": "new"},
	}, testContext(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "keep", res.Items[0]["name"])
}

func TestFilter_KeepsTruthyDropsFalsy(t *testing.T) {
	node := NewFilter(map[string]any{"where": ".active"})

	res, err := node.Run(context.Background(), []flow.Item{
		{"id": 1, "active": true},
		{"id": 2, "active": false},
		{"id": 3},
	}, testContext(nil, nil))
	require.NoError(t, err)

	require.Len(t, res.Items, 1)
	assert.Equal(t, 1, res.Items[0]["id"])
}

func TestFilter_RequiresWhere(t *testing.T) {
	node := NewFilter(nil)
	_, err := node.Run(context.Background(), []flow.Item{{}}, testContext(nil, nil))
	require.Error(t, err)
}

func TestMerge_LiftsMapFieldWithPrefix(t *testing.T) {
	node := NewMerge(map[string]any{"from_field": "stats", "prefix": "s_"})

	res, err := node.Run(context.Background(), []flow.Item{
		{"stats": map[string]any{"hp": 10}},
	}, testContext(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, 10, res.Items[0]["s_hp"])
}

func TestSplit_ListAndStringModes(t *testing.T) {
	node := NewSplit(map[string]any{"from_field": "tags", "dest_field": "tag"})

	res, err := node.Run(context.Background(), []flow.Item{
		{"tags": []any{"a", "b"}},
	}, testContext(nil, nil))
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "a", res.Items[0]["tag"])
	assert.Equal(t, "b", res.Items[1]["tag"])

	node = NewSplit(map[string]any{"from_field": "csv"})
	res, err = node.Run(context.Background(), []flow.Item{{"csv": "x,y,z"}}, testContext(nil, nil))
	require.NoError(t, err)
	require.Len(t, res.Items, 3)
	assert.Equal(t, "x", res.Items[0]["element"])
}

func TestSplit_BadSourceKeepsItem(t *testing.T) {
	node := NewSplit(map[string]any{"from_field": "n"})

	res, err := node.Run(context.Background(), []flow.Item{{"n": 42}}, testContext(nil, nil))
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Len(t, res.Errors, 1)
}
