package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirelabs/fable/internal/logging"
	"github.com/mirelabs/fable/pkg/schema"
)

// Executor interprets flow documents: it resolves the entry node and walks
// the composite structure (Sequence, If, Subflow), dispatching atomic nodes
// through the registry behind the safety wrapper. Structural problems in the
// document are returned as errors; atomic node failures are absorbed into
// the result per the passthrough contract.
type Executor struct {
	loader   *Loader
	registry *Registry
	logger   *slog.Logger
}

// NewExecutor wires an executor over a loader and a registry.
func NewExecutor(loader *Loader, registry *Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{loader: loader, registry: registry, logger: logger}
}

// ExecuteRef resolves ref through the loader and executes the document.
func (e *Executor) ExecuteRef(ctx context.Context, ref string, items []Item, nc *NodeContext) (*NodeResult, error) {
	doc, err := e.loader.Get(ref)
	if err != nil {
		return nil, err
	}
	return e.ExecuteDoc(ctx, doc, items, nc)
}

// ExecuteDoc executes a document from its entry node.
func (e *Executor) ExecuteDoc(ctx context.Context, doc *schema.FlowDocument, items []Item, nc *NodeContext) (*NodeResult, error) {
	nodeMap, err := e.loader.NodeMap(doc.Ref())
	if err != nil {
		// Document handed in directly without registration; index it on the fly.
		if err := e.loader.Register(doc); err != nil {
			return nil, err
		}
		nodeMap, err = e.loader.NodeMap(doc.Ref())
		if err != nil {
			return nil, err
		}
	}
	if nc == nil {
		nc = &NodeContext{}
	}
	if nc.Logger == nil {
		nc.Logger = e.logger
	}

	e.logger.InfoContext(ctx, "executing flow",
		slog.String("flow_ref", doc.Ref()),
		slog.Int("items_in", len(items)),
	)
	return e.executeNode(ctx, doc, nodeMap, doc.Entry, items, nc)
}

// executeNode dispatches a single node by ID, composite or atomic.
func (e *Executor) executeNode(ctx context.Context, doc *schema.FlowDocument, nodeMap map[string]*schema.NodeSpec, nodeID string, items []Item, nc *NodeContext) (*NodeResult, error) {
	spec, ok := nodeMap[nodeID]
	if !ok {
		// A dangling id is a defect in the document itself.
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"node %q not defined in flow %s", nodeID, doc.Ref()).WithNode(nodeID)
	}

	ctx = logging.WithNodeID(ctx, nodeID)

	switch spec.Type {
	case schema.TypeSequence:
		return e.executeSequence(ctx, doc, nodeMap, spec, spec.Children, items, nc)
	case schema.TypeIf:
		return e.executeIf(ctx, doc, nodeMap, spec, items, nc)
	case schema.TypeSubflow:
		return e.executeSubflow(ctx, spec, items, nc)
	default:
		return e.executeAtomic(ctx, spec, items, nc), nil
	}
}

// executeSequence threads the batch through children in order. Logs and
// errors accumulate across children; the result items are the final child's
// output.
func (e *Executor) executeSequence(ctx context.Context, doc *schema.FlowDocument, nodeMap map[string]*schema.NodeSpec, spec *schema.NodeSpec, children []string, items []Item, nc *NodeContext) (*NodeResult, error) {
	start := time.Now()
	current := CopyItems(items)
	var logs, errs []string

	for _, childID := range children {
		res, err := e.executeNode(ctx, doc, nodeMap, childID, current, nc)
		if err != nil {
			return nil, err
		}
		current = res.Items
		logs = append(logs, res.Logs...)
		errs = append(errs, res.Errors...)
	}

	return &NodeResult{
		Items: current,
		Logs:  logs,
		Metrics: map[string]any{
			"type":        spec.Type,
			"node_id":     spec.ID,
			"duration_ms": time.Since(start).Milliseconds(),
			"items_in":    len(items),
			"items_out":   len(current),
			"children":    len(children),
		},
		Errors: errs,
	}, nil
}

// executeIf evaluates the condition against the incoming batch and runs the
// selected branch as a sequence. An absent structure block is a document
// defect and fails the execution; a failing condition merely selects else.
func (e *Executor) executeIf(ctx context.Context, doc *schema.FlowDocument, nodeMap map[string]*schema.NodeSpec, spec *schema.NodeSpec, items []Item, nc *NodeContext) (*NodeResult, error) {
	if spec.If == nil || spec.If.Condition == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"If node %q has no condition", spec.ID).WithNode(spec.ID)
	}

	branch := spec.If.Else
	taken := "else"
	if EvalCondition(spec.If.Condition, items) {
		branch = spec.If.Then
		taken = "then"
	}
	nc.Log().DebugContext(ctx, "condition evaluated",
		slog.String("branch", taken),
	)

	res, err := e.executeSequence(ctx, doc, nodeMap, spec, branch, items, nc)
	if err != nil {
		return nil, err
	}
	res.Metrics["branch"] = taken
	return res, nil
}

// executeSubflow runs the referenced document against a mapped copy of the
// batch, sharing the parent's state context, then merges the output back in.
func (e *Executor) executeSubflow(ctx context.Context, spec *schema.NodeSpec, items []Item, nc *NodeContext) (*NodeResult, error) {
	if spec.Subflow == nil || spec.Subflow.Ref == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"Subflow node %q has no ref", spec.ID).WithNode(spec.ID)
	}
	if _, _, err := schema.ParseRef(spec.Subflow.Ref); err != nil {
		return nil, err.(*schema.FableError).WithNode(spec.ID)
	}

	subInput := applyInputMap(items, spec.Subflow.InputMap)

	subRes, err := e.ExecuteRef(ctx, spec.Subflow.Ref, subInput, nc)
	if err != nil {
		return nil, err
	}

	merged := applyOutputMap(items, subRes.Items, spec.Subflow.OutputMap)
	return &NodeResult{
		Items:   merged,
		Logs:    subRes.Logs,
		Metrics: subRes.Metrics,
		Errors:  subRes.Errors,
	}, nil
}

// executeAtomic resolves the node type through the registry and runs it
// behind SafeRun. An unknown type degrades to a passthrough result carrying
// the dispatch error rather than failing the whole flow.
func (e *Executor) executeAtomic(ctx context.Context, spec *schema.NodeSpec, items []Item, nc *NodeContext) *NodeResult {
	factory, err := e.registry.Get(spec.Type)
	if err != nil {
		nc.Log().WarnContext(ctx, "node type unavailable",
			slog.String("type", spec.Type),
			slog.String("error", err.Error()),
		)
		passthrough := CopyItems(items)
		return &NodeResult{
			Items: passthrough,
			Logs:  []string{fmt.Sprintf("error:%s", err.Error())},
			Metrics: map[string]any{
				"type":        spec.Type,
				"node_id":     spec.ID,
				"duration_ms": int64(0),
				"items_in":    len(passthrough),
				"items_out":   len(passthrough),
			},
			Errors: []string{err.Error()},
		}
	}

	node := factory(spec.Params)
	res := SafeRun(ctx, node, spec.Type, items, nc)
	res.Metrics["node_id"] = spec.ID
	return res
}

// applyInputMap produces the subflow's input batch: a copy of each parent
// item with every (source, dest) rename applied when the source field is
// present in that item.
func applyInputMap(items []Item, inputMap map[string]string) []Item {
	out := CopyItems(items)
	if len(inputMap) == 0 {
		return out
	}
	for i, parent := range items {
		for src, dst := range inputMap {
			if v, ok := parent[src]; ok {
				out[i][dst] = v
			}
		}
	}
	return out
}

// applyOutputMap merges the subflow output back into the parent batch. With
// no map the subflow output replaces the parent batch. Otherwise items merge
// index-aligned up to the shorter length: each merged item starts from a
// copy of the parent item and takes every (source, dest) pair present in the
// subflow item; extra subflow items are appended as-is.
func applyOutputMap(parent, sub []Item, outputMap map[string]string) []Item {
	if len(outputMap) == 0 {
		return CopyItems(sub)
	}
	n := len(parent)
	if len(sub) < n {
		n = len(sub)
	}
	merged := CopyItems(parent[:n])
	for i := 0; i < n; i++ {
		for src, dst := range outputMap {
			if v, ok := sub[i][src]; ok {
				merged[i][dst] = v
			}
		}
	}
	for i := n; i < len(sub); i++ {
		cp := make(Item, len(sub[i]))
		for k, v := range sub[i] {
			cp[k] = v
		}
		merged = append(merged, cp)
	}
	return merged
}
