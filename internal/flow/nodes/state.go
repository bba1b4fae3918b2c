package nodes

import (
	"context"
	"fmt"

	"github.com/mirelabs/fable/internal/flow"
	"github.com/mirelabs/fable/pkg/schema"
)

// ReadState reads keys from the state manager into a field on every item.
//
// params:
//   - keys: list of state keys to read (absent means all keys)
//   - into: destination item field (default "state")
//   - for_prompt: use the prompt view with pending-key fallback (default false)
type ReadState struct {
	params map[string]any
}

// NewReadState is the factory for the ReadState node type.
func NewReadState(params map[string]any) flow.Node {
	return &ReadState{params: params}
}

func (n *ReadState) Run(ctx context.Context, items []flow.Item, nc *flow.NodeContext) (*flow.NodeResult, error) {
	if nc.State == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "ReadState requires a state manager")
	}
	into := stringParam(n.params, "into", "state")
	forPrompt := boolParam(n.params, "for_prompt", false)

	var keys []string
	if raw, present := n.params["keys"]; present {
		keys = stringSliceParam(n.params, "keys")
		if keys == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"ReadState keys must be a list, got %T", raw)
		}
	}

	out := make([]flow.Item, 0, len(items))
	logs := make([]string, 0, len(items))
	for _, it := range items {
		it[into] = nc.State.Read(keys, forPrompt)
		out = append(out, it)
		logs = append(logs, fmt.Sprintf("ReadState into=%s keys=%d", into, len(keys)))
	}

	return &flow.NodeResult{Items: out, Logs: logs}, nil
}

// WriteState writes updates into the state manager synchronously. Items pass
// through unchanged; only the state changes.
//
// params:
//   - updates: literal key/value pairs to write
//   - from_item_map: item-field to state-key mapping, sourced from the first item
type WriteState struct {
	params map[string]any
}

// NewWriteState is the factory for the WriteState node type.
func NewWriteState(params map[string]any) flow.Node {
	return &WriteState{params: params}
}

func (n *WriteState) Run(ctx context.Context, items []flow.Item, nc *flow.NodeContext) (*flow.NodeResult, error) {
	if nc.State == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "WriteState requires a state manager")
	}

	updates := make(map[string]any)
	if direct, ok := n.params["updates"].(map[string]any); ok {
		for k, v := range direct {
			updates[k] = v
		}
	}

	// Mapped values come from the first item of the batch.
	if fromItemMap, ok := n.params["from_item_map"].(map[string]any); ok && len(items) > 0 {
		src := items[0]
		for itemField, stateKey := range fromItemMap {
			dst, ok := stateKey.(string)
			if !ok {
				continue
			}
			if v, present := src[itemField]; present {
				updates[dst] = v
			}
		}
	}

	var logs []string
	if len(updates) > 0 {
		nc.State.WriteSync(updates)
		logs = append(logs, fmt.Sprintf("WriteState committed %d key(s)", len(updates)))
	} else {
		logs = append(logs, "WriteState no-op: no updates")
	}

	return &flow.NodeResult{Items: items, Logs: logs}, nil
}

// IncrementCounter adds one to a numeric state field, treating a missing or
// non-numeric value as zero. Synchronous write; items pass through.
//
// params:
//   - field: state key to increment (required)
type IncrementCounter struct {
	params map[string]any
}

// NewIncrementCounter is the factory for the IncrementCounter node type.
func NewIncrementCounter(params map[string]any) flow.Node {
	return &IncrementCounter{params: params}
}

func (n *IncrementCounter) Run(ctx context.Context, items []flow.Item, nc *flow.NodeContext) (*flow.NodeResult, error) {
	if nc.State == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "IncrementCounter requires a state manager")
	}
	field := stringParam(n.params, "field", "")
	if field == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "IncrementCounter requires 'field'")
	}

	current := toInt(nc.State.Working()[field])
	next := current + 1
	nc.State.WriteSync(map[string]any{field: next})

	return &flow.NodeResult{
		Items: items,
		Logs:  []string{fmt.Sprintf("IncrementCounter: %s -> %d", field, next)},
	}, nil
}

// toInt coerces the numeric representations JSON decoding produces.
func toInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	default:
		return 0
	}
}
