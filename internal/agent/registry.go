package agent

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maintains known agent endpoints.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: map[string]Endpoint{}}
}

// Register installs an endpoint. Returns an error if the name already exists.
func (r *Registry) Register(endpoint Endpoint) error {
	if err := endpoint.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.endpoints[endpoint.Name]; exists {
		return fmt.Errorf("agent: %s already registered", endpoint.Name)
	}
	endpoint.Kind = endpoint.kind()
	r.endpoints[endpoint.Name] = endpoint
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(endpoint Endpoint) {
	if err := r.Register(endpoint); err != nil {
		panic(err)
	}
}

// Resolve returns the endpoint registered under ref.
func (r *Registry) Resolve(ref string) (Endpoint, error) {
	r.mu.RLock()
	endpoint, ok := r.endpoints[ref]
	r.mu.RUnlock()
	if !ok {
		return Endpoint{}, fmt.Errorf("%w %q", ErrUnknownAgent, ref)
	}
	return endpoint, nil
}

// Names returns a sorted list of registered agent names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
