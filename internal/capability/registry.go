package capability

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnavailable is returned by Resolve when no capability matches.
var ErrUnavailable = errors.New("capability unavailable")

// Registry holds named capabilities and resolves which one an execution
// uses.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
	fallback     string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		capabilities: make(map[string]Capability),
	}
}

// Register adds a capability under the given name. The first registered
// capability becomes the default until SetDefault says otherwise.
func (r *Registry) Register(name string, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[name] = c
	if r.fallback == "" {
		r.fallback = name
	}
}

// SetDefault names the capability used when an execution does not ask for
// one.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = name
}

// Resolve returns the capability registered under name, or the default when
// name is empty.
func (r *Registry) Resolve(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	target := name
	if target == "" {
		target = r.fallback
	}
	if target == "" {
		return nil, fmt.Errorf("%w: no default capability registered", ErrUnavailable)
	}
	c, ok := r.capabilities[target]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not registered", ErrUnavailable, target)
	}
	return c, nil
}

// List returns the registered names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
