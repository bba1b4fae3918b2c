package flow

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// conditionCache holds compiled condition programs keyed by source text.
// Flow documents reuse a small set of conditions, so compilation is amortized
// across executions.
var conditionCache = struct {
	sync.RWMutex
	programs map[string]*vm.Program
}{programs: make(map[string]*vm.Program)}

func compileCondition(src string) (*vm.Program, error) {
	conditionCache.RLock()
	prog, ok := conditionCache.programs[src]
	conditionCache.RUnlock()
	if ok {
		return prog, nil
	}

	conditionCache.Lock()
	defer conditionCache.Unlock()
	if prog, ok := conditionCache.programs[src]; ok {
		return prog, nil
	}
	prog, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	conditionCache.programs[src] = prog
	return prog, nil
}

// EvalCondition evaluates a restricted boolean expression against the current
// batch. The environment exposes exactly two names: item (the first item of
// the batch, or an empty map) and items (the full batch). Compilation or
// evaluation failures are treated as falsy rather than fatal.
func EvalCondition(src string, items []Item) bool {
	prog, err := compileCondition(src)
	if err != nil {
		return false
	}

	first := Item{}
	if len(items) > 0 {
		first = items[0]
	}
	env := map[string]any{
		"item":  first,
		"items": items,
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false
	}
	return truthy(out)
}

// truthy mirrors loose boolean coercion: nil, false, zero numbers, and empty
// strings/collections are falsy, everything else is truthy.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
