package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirelabs/fable/internal/state"
)

// Item is one unit of data flowing through the pipeline.
type Item = map[string]any

// Node is one executable atomic step. Implementations must not mutate the
// input items in place; callers may assume the input remains valid after the
// call.
type Node interface {
	Run(ctx context.Context, items []Item, nc *NodeContext) (*NodeResult, error)
}

// Factory constructs a node from its parameter bag.
type Factory func(params map[string]any) Node

// NodeContext is the execution environment injected into every node run.
type NodeContext struct {
	SessionID string
	State     *state.Manager
	Resources map[string]any
	Logger    *slog.Logger
}

// Resource looks up a shared resource by name, or nil if absent.
func (nc *NodeContext) Resource(name string) any {
	if nc.Resources == nil {
		return nil
	}
	return nc.Resources[name]
}

// Log returns the context logger, defaulting when unset.
func (nc *NodeContext) Log() *slog.Logger {
	if nc.Logger != nil {
		return nc.Logger
	}
	return slog.Default()
}

// NodeResult is the outcome of a node run: the output batch, human-readable
// log lines, a metrics bag, and any recoverable errors. A result with
// non-empty Errors still carries a best-effort output batch.
type NodeResult struct {
	Items   []Item         `json:"items"`
	Logs    []string       `json:"logs,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
	Errors  []string       `json:"errors,omitempty"`
}

// ModelCaller is the language-model boundary. Implementations live outside
// the engine core and are supplied through the "llm" resource.
type ModelCaller interface {
	CallModel(ctx context.Context, messages []Message, model string) (string, error)
}

// Message is one chat message handed to a ModelCaller.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CodeFunc is a whitelisted code function: given one item it produces fields
// to merge back into that item. The whitelist is supplied through the
// "code_funcs" resource as a map[string]CodeFunc.
type CodeFunc func(ctx context.Context, item Item, nc *NodeContext) (map[string]any, error)

// SafeRun invokes a node through the mandatory safety wrapper: it normalizes
// the input (defensive per-item copy), validates the returned result, fills
// in missing standard metrics, and converts any error or panic into a result
// whose items equal the normalized input. It never returns an error.
func SafeRun(ctx context.Context, node Node, typeName string, items []Item, nc *NodeContext) *NodeResult {
	start := time.Now()
	normalized := CopyItems(items)

	result, err := runRecovered(ctx, node, normalized, nc)
	if err == nil && result == nil {
		err = fmt.Errorf("%s returned nil result", typeName)
	}
	if err != nil {
		nc.Log().ErrorContext(ctx, "node execution failed",
			slog.String("type", typeName),
			slog.String("error", err.Error()),
		)
		// Best-effort passthrough: the normalized input becomes the output.
		passthrough := CopyItems(items)
		return &NodeResult{
			Items: passthrough,
			Logs:  []string{fmt.Sprintf("error:%s", err.Error())},
			Metrics: map[string]any{
				"type":        typeName,
				"duration_ms": time.Since(start).Milliseconds(),
				"items_in":    len(passthrough),
				"items_out":   len(passthrough),
			},
			Errors: []string{err.Error()},
		}
	}

	if result.Metrics == nil {
		result.Metrics = make(map[string]any)
	}
	setDefault(result.Metrics, "type", typeName)
	setDefault(result.Metrics, "duration_ms", time.Since(start).Milliseconds())
	setDefault(result.Metrics, "items_in", len(normalized))
	setDefault(result.Metrics, "items_out", len(result.Items))
	return result
}

// runRecovered shields the caller from node panics.
func runRecovered(ctx context.Context, node Node, items []Item, nc *NodeContext) (result *NodeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("node panicked: %v", r)
		}
	}()
	return node.Run(ctx, items, nc)
}

// CopyItems returns a per-item shallow copy of the batch. A nil batch copies
// to an empty one.
func CopyItems(items []Item) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		cp := make(Item, len(it))
		for k, v := range it {
			cp[k] = v
		}
		out = append(out, cp)
	}
	return out
}

func setDefault(m map[string]any, key string, value any) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}
