package cost

import (
	"context"
	"sort"
)

// Factory builds a configured provider. Construction may perform credential
// resolution and so can fail with an AuthError or ConfigError.
type Factory func(ctx context.Context) (Provider, error)

// Registry maps provider identifiers to factories. It is populated once at
// process start; no runtime lookup beyond the map access happens.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under a provider identifier.
func (r *Registry) Register(name string, factory Factory) {
	r.factories[name] = factory
}

// Create builds the named provider.
func (r *Registry) Create(ctx context.Context, name string) (Provider, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, &ConfigError{Provider: name, Message: "unknown provider"}
	}
	return factory(ctx)
}

// Names lists registered provider identifiers, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
