package flow

import (
	"sort"
	"strings"
	"sync"

	"github.com/mirelabs/fable/pkg/schema"
)

// Registry maps atomic node type names to factories. Composite types
// (Sequence, If, Subflow) are interpreted by the executor and are not
// registrable.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Registering an existing name without
// override set returns a CONFLICT error; with override it replaces the entry.
func (r *Registry) Register(name string, f Factory, override bool) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "node type name must not be empty")
	}
	if f == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "nil factory for node type %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists && !override {
		return schema.NewErrorf(schema.ErrCodeConflict, "node type %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Get returns the factory for name. Unknown names return a NODE_UNAVAILABLE
// error listing the known types.
func (r *Registry) Get(name string) (Factory, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNodeUnavailable,
			"unknown node type %q, known types: %s", name, strings.Join(r.KnownTypes(), ", "))
	}
	return f, nil
}

// KnownTypes returns the registered type names, sorted.
func (r *Registry) KnownTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registration pairs a type name with its factory for bulk registration.
type Registration struct {
	Name    string
	Factory Factory
}

// RegisterAll registers every entry, stopping at the first error.
func (r *Registry) RegisterAll(regs []Registration) error {
	for _, reg := range regs {
		if err := r.Register(reg.Name, reg.Factory, false); err != nil {
			return err
		}
	}
	return nil
}
