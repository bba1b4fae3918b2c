package nodes

import (
	"context"
	"fmt"

	"github.com/mirelabs/fable/internal/flow"
)

// Code applies a whitelisted function to each item and merges the produced
// fields back in. The whitelist comes from the "code_funcs" resource as a
// map[string]flow.CodeFunc; an unknown or missing function name falls back to
// the default context builder.
//
// params:
//   - function: name of the whitelisted function
//   - outputs: optional list restricting which produced keys merge back
type Code struct {
	params map[string]any
}

// NewCode is the factory for the Code node type.
func NewCode(params map[string]any) flow.Node {
	return &Code{params: params}
}

func (n *Code) Run(ctx context.Context, items []flow.Item, nc *flow.NodeContext) (*flow.NodeResult, error) {
	fnName := stringParam(n.params, "function", "")
	outputs := stringSliceParam(n.params, "outputs")

	funcs, _ := nc.Resource("code_funcs").(map[string]flow.CodeFunc)

	fn := defaultContextBuilder
	fnLabel := "default"
	if fnName != "" {
		if resolved, ok := funcs[fnName]; ok {
			fn = resolved
			fnLabel = fnName
		} else {
			nc.Log().WarnContext(ctx, "code function not found, using default",
				"function", fnName)
		}
	}

	out := make([]flow.Item, 0, len(items))
	var logs, errs []string
	for _, it := range items {
		produced, err := fn(ctx, it, nc)
		if err != nil {
			out = append(out, it)
			logs = append(logs, fmt.Sprintf("Code error: %s", err.Error()))
			errs = append(errs, err.Error())
			continue
		}
		if outputs != nil {
			for _, key := range outputs {
				if v, ok := produced[key]; ok {
					it[key] = v
				}
			}
		} else {
			for k, v := range produced {
				it[k] = v
			}
		}
		out = append(out, it)
		logs = append(logs, fmt.Sprintf("Code: applied %s", fnLabel))
	}

	return &flow.NodeResult{Items: out, Logs: logs, Errors: errs}, nil
}

// defaultContextBuilder renders the prompt state view into a system message
// plus the item's user_input, the minimal context an LLMChat node needs.
func defaultContextBuilder(ctx context.Context, item flow.Item, nc *flow.NodeContext) (map[string]any, error) {
	msgs := fallbackMessages(item, nc)
	raw := make([]any, 0, len(msgs))
	for _, m := range msgs {
		raw = append(raw, map[string]any{"role": m.Role, "content": m.Content})
	}
	stateView := map[string]any{}
	if nc.State != nil {
		stateView = nc.State.ForPrompt()
	}
	return map[string]any{
		"messages":      raw,
		"context_slots": map[string]any{"state_for_prompt": stateView},
	}, nil
}

func stringSliceParam(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		out = append(out, fmt.Sprintf("%v", e))
	}
	return out
}
