// Package state implements the dual-view session state manager.
//
// The manager keeps two full copies of the same key/value state: the Working
// view reflects the latest in-pipeline writes, while the Last-Stable view
// reflects only writes considered externally consistent. Keys undergoing
// asynchronous recomputation are tracked in a pending set; prompt-facing
// reads substitute the Last-Stable value for pending keys so that partially
// applied background writes never leak into user-facing generation.
package state

import "sync"

// Manager holds the Working and Last-Stable state views for one execution
// context. Safe for concurrent use. Views are private to one request/job and
// are not shared across concurrent requests; durability is achieved by
// persisting a snapshot back into the session record after writes settle.
type Manager struct {
	stateMu    sync.Mutex
	working    map[string]any
	lastStable map[string]any

	pendingMu sync.Mutex
	pending   map[string]struct{}
}

// NewManager creates a Manager with both views seeded from initial.
func NewManager(initial map[string]any) *Manager {
	return &Manager{
		working:    deepCopy(initial),
		lastStable: deepCopy(initial),
		pending:    make(map[string]struct{}),
	}
}

// Working returns a deep copy of the Working view.
func (m *Manager) Working() map[string]any {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return deepCopy(m.working)
}

// ForPrompt returns a deep copy of the Working view with every pending key
// overlaid with its Last-Stable value, when present. This is the
// consistency-preserving read used to build prompts.
func (m *Manager) ForPrompt() map[string]any {
	m.pendingMu.Lock()
	pending := make([]string, 0, len(m.pending))
	for k := range m.pending {
		pending = append(pending, k)
	}
	m.pendingMu.Unlock()

	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	out := deepCopy(m.working)
	for _, k := range pending {
		if v, ok := m.lastStable[k]; ok {
			out[k] = copyValue(v)
		}
	}
	return out
}

// Read returns the requested keys from the Working view, or from the prompt
// fallback view when forPrompt is true. A nil keys slice returns everything.
func (m *Manager) Read(keys []string, forPrompt bool) map[string]any {
	var src map[string]any
	if forPrompt {
		src = m.ForPrompt()
	} else {
		src = m.Working()
	}
	if keys == nil {
		return src
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := src[k]; ok {
			out[k] = v
		}
	}
	return out
}

// WriteSync applies updates atomically with respect to other state
// operations. This is the default, consistency-preserving write path. Keys
// currently marked pending update only the Working view: the Last-Stable
// value stays untouched until the async update commits, so prompt reads
// remain insulated from in-flight recomputation.
func (m *Manager) WriteSync(updates map[string]any) {
	m.pendingMu.Lock()
	pending := make(map[string]struct{}, len(m.pending))
	for k := range m.pending {
		pending[k] = struct{}{}
	}
	m.pendingMu.Unlock()

	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	for k, v := range updates {
		m.working[k] = copyValue(v)
		if _, isPending := pending[k]; !isPending {
			m.lastStable[k] = copyValue(v)
		}
	}
}

// BeginAsyncUpdate marks keys as pending asynchronous recomputation. No
// values change; prompt reads fall back to Last-Stable for these keys until
// CompleteAsyncUpdate commits.
func (m *Manager) BeginAsyncUpdate(keys []string) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	for _, k := range keys {
		m.pending[k] = struct{}{}
	}
}

// CompleteAsyncUpdate applies updates to both views and clears the pending
// mark for exactly the updated keys.
func (m *Manager) CompleteAsyncUpdate(updates map[string]any) {
	m.stateMu.Lock()
	for k, v := range updates {
		m.working[k] = copyValue(v)
		m.lastStable[k] = copyValue(v)
	}
	m.stateMu.Unlock()

	m.pendingMu.Lock()
	for k := range updates {
		delete(m.pending, k)
	}
	m.pendingMu.Unlock()
}

// PendingKeys returns the keys currently marked pending, in no defined order.
func (m *Manager) PendingKeys() []string {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	out := make([]string, 0, len(m.pending))
	for k := range m.pending {
		out = append(out, k)
	}
	return out
}

func deepCopy(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopy(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
