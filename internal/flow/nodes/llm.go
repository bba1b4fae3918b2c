// Package nodes provides the built-in atomic node types registered with the
// flow engine at startup.
package nodes

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mirelabs/fable/internal/flow"
)

// LLMChat calls a language model per item and writes the response text into
// an item field. The model boundary comes from the "llm" resource; without
// one every item is a per-item error with passthrough.
//
// params:
//   - model: model name handed to the adapter (default "narrative-llm")
//   - messages_from: item field holding the message list (default "messages")
//   - response_field: item field for the response text (default "llm_response")
type LLMChat struct {
	params map[string]any
}

// NewLLMChat is the factory for the LLMChat node type.
func NewLLMChat(params map[string]any) flow.Node {
	return &LLMChat{params: params}
}

func (n *LLMChat) Run(ctx context.Context, items []flow.Item, nc *flow.NodeContext) (*flow.NodeResult, error) {
	model := stringParam(n.params, "model", "narrative-llm")
	messagesField := stringParam(n.params, "messages_from", "messages")
	responseField := stringParam(n.params, "response_field", "llm_response")

	caller, _ := nc.Resource("llm").(flow.ModelCaller)

	out := make([]flow.Item, 0, len(items))
	var logs, errs []string
	for _, it := range items {
		if caller == nil {
			out = append(out, it)
			errs = append(errs, "LLMChat: no llm resource configured")
			continue
		}
		msgs := coerceMessages(it[messagesField])
		if msgs == nil {
			msgs = fallbackMessages(it, nc)
		}
		text, err := caller.CallModel(ctx, msgs, model)
		if err != nil {
			out = append(out, it)
			logs = append(logs, fmt.Sprintf("LLMChat error: %s", err.Error()))
			errs = append(errs, err.Error())
			continue
		}
		it[responseField] = text
		out = append(out, it)
		logs = append(logs, fmt.Sprintf("LLMChat: model=%s, field=%s", model, responseField))
	}

	return &flow.NodeResult{Items: out, Logs: logs, Errors: errs}, nil
}

// coerceMessages converts an item field into a message list, or nil when the
// field is absent or malformed.
func coerceMessages(v any) []flow.Message {
	switch val := v.(type) {
	case []flow.Message:
		return val
	case []any:
		msgs := make([]flow.Message, 0, len(val))
		for _, e := range val {
			m, ok := e.(map[string]any)
			if !ok {
				return nil
			}
			role, _ := m["role"].(string)
			content, _ := m["content"].(string)
			msgs = append(msgs, flow.Message{Role: role, Content: content})
		}
		return msgs
	default:
		return nil
	}
}

// fallbackMessages builds a minimal system+user message pair from the prompt
// state view and the item's user_input field. Used when the item carries no
// usable message list.
func fallbackMessages(item flow.Item, nc *flow.NodeContext) []flow.Message {
	stateView := map[string]any{}
	if nc.State != nil {
		stateView = nc.State.ForPrompt()
	}
	keys := make([]string, 0, len(stateView))
	for k := range stateView {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("[world_state]\n")
	if len(keys) == 0 {
		b.WriteString("(empty)")
	} else {
		for i, k := range keys {
			if i > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "%s=%v", k, stateView[k])
		}
	}

	msgs := []flow.Message{{Role: "system", Content: b.String()}}
	if userText, _ := item["user_input"].(string); strings.TrimSpace(userText) != "" {
		msgs = append(msgs, flow.Message{Role: "user", Content: strings.TrimSpace(userText)})
	}
	return msgs
}

func stringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func boolParam(params map[string]any, key string, fallback bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return fallback
}
