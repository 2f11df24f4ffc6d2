package llm

import (
	"fmt"
	"sort"
	"strings"
)

// Factory builds a provider for a model id.
type Factory func(model string) (Provider, error)

// Registry maps model-id prefixes to provider factories.
type Registry struct {
	factories map[string]Factory
	fallback  Factory
}

// NewRegistry creates an empty vendor registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register routes models starting with prefix to f.
func (r *Registry) Register(prefix string, f Factory) {
	r.factories[prefix] = f
}

// SetDefault sets the factory used when no prefix matches.
func (r *Registry) SetDefault(f Factory) {
	r.fallback = f
}

// Lookup returns the factory for model. The longest matching prefix wins.
func (r *Registry) Lookup(model string) (Factory, bool) {
	best := -1
	var found Factory
	for prefix, f := range r.factories {
		if strings.HasPrefix(model, prefix) && len(prefix) > best {
			best = len(prefix)
			found = f
		}
	}
	if found != nil {
		return found, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// Resolve builds the provider for model.
func (r *Registry) Resolve(model string) (Provider, error) {
	f, ok := r.Lookup(model)
	if !ok {
		return nil, fmt.Errorf("no vendor registered for model %q", model)
	}
	p, err := f(model)
	if err != nil {
		return nil, fmt.Errorf("create provider for %q: %w", model, err)
	}
	return p, nil
}

// Prefixes returns the registered prefixes in sorted order.
func (r *Registry) Prefixes() []string {
	out := make([]string, 0, len(r.factories))
	for prefix := range r.factories {
		out = append(out, prefix)
	}
	sort.Strings(out)
	return out
}
