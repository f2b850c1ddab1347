// Package registry hands manager singletons to integration code that
// cannot take a constructor dependency. Everything else receives its
// collaborators explicitly.
package registry

import (
	"fmt"
	"sync"
)

// ErrNotAvailable wraps the name of a missing required service.
type ErrNotAvailable struct {
	Name string
}

func (e *ErrNotAvailable) Error() string {
	return fmt.Sprintf("service %q not available", e.Name)
}

// Registry is a name→instance lookup.
type Registry struct {
	mu       sync.RWMutex
	services map[string]any
}

func New() *Registry {
	return &Registry{services: make(map[string]any)}
}

// Register stores a service under name, replacing any previous entry.
func (r *Registry) Register(name string, svc any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = svc
}

// Get returns the service and whether it exists.
func (r *Registry) Get(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// GetRequired returns the service or a typed not-available error.
func (r *Registry) GetRequired(name string) (any, error) {
	if svc, ok := r.Get(name); ok {
		return svc, nil
	}
	return nil, &ErrNotAvailable{Name: name}
}

// Has reports whether a service is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Resolve fetches a required service and asserts its concrete type.
func Resolve[T any](r *Registry, name string) (T, error) {
	var zero T
	svc, err := r.GetRequired(name)
	if err != nil {
		return zero, err
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, fmt.Errorf("service %q is %T, not %T", name, svc, zero)
	}
	return typed, nil
}
