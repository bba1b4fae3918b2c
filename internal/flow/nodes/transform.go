package nodes

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/mirelabs/fable/internal/flow"
	"github.com/mirelabs/fable/pkg/schema"
)

// jqCache holds compiled jq programs shared by the transform nodes. Flows
// reuse a small set of expressions, so compilation is amortized.
var jqCache = struct {
	sync.RWMutex
	codes map[string]*gojq.Code
}{codes: make(map[string]*gojq.Code)}

func compileJQ(expression string) (*gojq.Code, error) {
	jqCache.RLock()
	code, ok := jqCache.codes[expression]
	jqCache.RUnlock()
	if ok {
		return code, nil
	}

	jqCache.Lock()
	defer jqCache.Unlock()
	if code, ok := jqCache.codes[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).WithCause(err)
	}
	code, err = gojq.Compile(query,
		// Sandbox: block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).WithCause(err)
	}
	jqCache.codes[expression] = code
	return code, nil
}

// evalJQ runs a jq expression against one item. A single output is returned
// directly; multiple outputs collect into a slice.
func evalJQ(ctx context.Context, expression string, item flow.Item) (any, error) {
	code, err := compileJQ(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(item))
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", expression, err.Error()).WithCause(err)
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// normalizeForJQ converts Go integer types to float64, matching jq's native
// number handling.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

// Map sets item fields from jq expressions evaluated against the item.
//
// params:
//   - set: destination-field to jq-expression mapping
//   - overwrite: replace existing fields (default true)
type Map struct {
	params map[string]any
}

// NewMap is the factory for the Map node type.
func NewMap(params map[string]any) flow.Node {
	return &Map{params: params}
}

func (n *Map) Run(ctx context.Context, items []flow.Item, nc *flow.NodeContext) (*flow.NodeResult, error) {
	rules, _ := n.params["set"].(map[string]any)
	overwrite := boolParam(n.params, "overwrite", true)

	out := make([]flow.Item, 0, len(items))
	var logs, errs []string
	for _, it := range items {
		failed := false
		for dst, rawExpr := range rules {
			expression, ok := rawExpr.(string)
			if !ok {
				errs = append(errs, fmt.Sprintf("Map rule %q must be a string expression", dst))
				failed = true
				break
			}
			value, err := evalJQ(ctx, expression, it)
			if err != nil {
				logs = append(logs, fmt.Sprintf("Map error: %s", err.Error()))
				errs = append(errs, err.Error())
				failed = true
				break
			}
			if _, exists := it[dst]; exists && !overwrite {
				continue
			}
			it[dst] = value
		}
		out = append(out, it)
		if !failed {
			logs = append(logs, fmt.Sprintf("Map applied %d rule(s)", len(rules)))
		}
	}

	return &flow.NodeResult{Items: out, Logs: logs, Errors: errs}, nil
}

// Filter keeps only the items for which a jq expression is truthy. An item
// whose evaluation fails is kept.
//
// params:
//   - where: jq boolean expression (required)
type Filter struct {
	params map[string]any
}

// NewFilter is the factory for the Filter node type.
func NewFilter(params map[string]any) flow.Node {
	return &Filter{params: params}
}

func (n *Filter) Run(ctx context.Context, items []flow.Item, nc *flow.NodeContext) (*flow.NodeResult, error) {
	expression := stringParam(n.params, "where", "")
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "Filter requires 'where' expression")
	}

	out := make([]flow.Item, 0, len(items))
	var logs, errs []string
	for _, it := range items {
		value, err := evalJQ(ctx, expression, it)
		if err != nil {
			out = append(out, it)
			logs = append(logs, fmt.Sprintf("Filter error: %s", err.Error()))
			errs = append(errs, err.Error())
			continue
		}
		if jqTruthy(value) {
			out = append(out, it)
			logs = append(logs, "Filter: keep")
		} else {
			logs = append(logs, "Filter: drop")
		}
	}

	return &flow.NodeResult{Items: out, Logs: logs, Errors: errs}, nil
}

// jqTruthy follows jq semantics: only null and false are falsy.
func jqTruthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

// Merge lifts the keys of a map-valued item field to the item's top level.
//
// params:
//   - from_field: source field holding a map (required)
//   - overwrite: replace existing fields (default true)
//   - prefix: optional prefix for merged key names
type Merge struct {
	params map[string]any
}

// NewMerge is the factory for the Merge node type.
func NewMerge(params map[string]any) flow.Node {
	return &Merge{params: params}
}

func (n *Merge) Run(ctx context.Context, items []flow.Item, nc *flow.NodeContext) (*flow.NodeResult, error) {
	fromField := stringParam(n.params, "from_field", "")
	if fromField == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "Merge requires 'from_field'")
	}
	overwrite := boolParam(n.params, "overwrite", true)
	prefix := stringParam(n.params, "prefix", "")

	out := make([]flow.Item, 0, len(items))
	var logs, errs []string
	for _, it := range items {
		payload, ok := it[fromField].(map[string]any)
		if it[fromField] != nil && !ok {
			out = append(out, it)
			msg := fmt.Sprintf("Merge source %q must be a map", fromField)
			logs = append(logs, "Merge error: "+msg)
			errs = append(errs, msg)
			continue
		}
		for k, v := range payload {
			dst := prefix + k
			if _, exists := it[dst]; exists && !overwrite {
				continue
			}
			it[dst] = v
		}
		out = append(out, it)
		logs = append(logs, fmt.Sprintf("Merge from=%s keys=%d", fromField, len(payload)))
	}

	return &flow.NodeResult{Items: out, Logs: logs, Errors: errs}, nil
}

// Split fans one item out into several, one per element of a list-valued
// field, or per delimiter-separated segment of a string-valued field.
//
// params:
//   - from_field: source field, list or string (required)
//   - dest_field: field receiving each element (default "element")
//   - delimiter: separator for string sources (default ",")
type Split struct {
	params map[string]any
}

// NewSplit is the factory for the Split node type.
func NewSplit(params map[string]any) flow.Node {
	return &Split{params: params}
}

func (n *Split) Run(ctx context.Context, items []flow.Item, nc *flow.NodeContext) (*flow.NodeResult, error) {
	fromField := stringParam(n.params, "from_field", "")
	if fromField == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "Split requires 'from_field'")
	}
	destField := stringParam(n.params, "dest_field", "element")
	delimiter := stringParam(n.params, "delimiter", ",")

	var out []flow.Item
	var logs, errs []string
	for _, it := range items {
		var elements []any
		switch src := it[fromField].(type) {
		case []any:
			elements = src
		case string:
			for _, s := range strings.Split(src, delimiter) {
				elements = append(elements, s)
			}
		default:
			out = append(out, it)
			msg := fmt.Sprintf("Split source %q must be a list or string", fromField)
			logs = append(logs, "Split error: "+msg)
			errs = append(errs, msg)
			continue
		}

		for _, elem := range elements {
			cp := make(flow.Item, len(it)+1)
			for k, v := range it {
				cp[k] = v
			}
			cp[destField] = elem
			out = append(out, cp)
		}
		logs = append(logs, fmt.Sprintf("Split %d element(s) from %s into %s", len(elements), fromField, destField))
	}

	return &flow.NodeResult{Items: out, Logs: logs, Errors: errs}, nil
}
