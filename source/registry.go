package source

import (
	"fmt"
	"sync"
)

// Factory builds an Adapter from its per-connection config, typically
// decoded from the credential store's stored settings for that connection.
type Factory func(config map[string]any) (Adapter, error)

// Registry maps a short_name (as used in SourceConnection rows and DAG
// definitions) to the factory that builds its Adapter.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under shortName. Registering the same name twice
// overwrites the previous factory, which is how tests substitute fakes.
func (r *Registry) Register(shortName string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[shortName] = f
}

// Build looks up shortName and constructs an Adapter from config.
func (r *Registry) Build(shortName string, config map[string]any) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[shortName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source: no adapter registered for %q", shortName)
	}
	return f(config)
}

// Names returns every registered short name, in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
