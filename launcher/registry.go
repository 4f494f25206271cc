package launcher

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps a resource identifier to the launcher that owns it.
// Backends register at process start based on configured credentials;
// submissions naming an unregistered resource are rejected at validation
// time, before any job exists.
type Registry struct {
	mu        sync.RWMutex
	byRes     map[string]Launcher
	launchers []Launcher
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byRes: make(map[string]Launcher)}
}

// Register adds a launcher for every resource it owns. Double registration
// of a resource is a configuration error.
func (r *Registry) Register(l Launcher) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range l.Resources() {
		if prev, ok := r.byRes[res]; ok {
			return fmt.Errorf("resource %q already registered to %s", res, prev.Name())
		}
	}
	for _, res := range l.Resources() {
		r.byRes[res] = l
	}
	r.launchers = append(r.launchers, l)
	return nil
}

// Resolve returns the launcher owning a resource.
func (r *Registry) Resolve(resource string) (Launcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byRes[resource]
	return l, ok
}

// Validate checks that every requested resource resolves. The returned
// error names the first unresolvable resource.
func (r *Registry) Validate(resources []string) error {
	if len(resources) == 0 {
		return fmt.Errorf("no resources requested")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, res := range resources {
		if _, ok := r.byRes[res]; !ok {
			return fmt.Errorf("unknown resource %q", res)
		}
	}
	return nil
}

// Resources lists all registered resource identifiers, sorted.
func (r *Registry) Resources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byRes))
	for res := range r.byRes {
		out = append(out, res)
	}
	sort.Strings(out)
	return out
}
