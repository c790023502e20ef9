package cache

import (
	"context"
	"fmt"
	"sync"
)

// Refresher is the type-erased view of a Resource.
type Refresher interface {
	Name() string
	Status() Status
	Refresh(ctx context.Context) (Status, error)
}

// Registry looks up resources by name.
type Registry struct {
	mu        sync.RWMutex
	resources map[string]Refresher
	order     []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{resources: make(map[string]Refresher)}
}

// Register adds a resource. Names must be unique.
func (r *Registry) Register(res Refresher) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.resources[res.Name()]; exists {
		return fmt.Errorf("resource %q already registered", res.Name())
	}
	r.resources[res.Name()] = res
	r.order = append(r.order, res.Name())
	return nil
}

// Lookup returns the named resource or ErrUnknownResource.
func (r *Registry) Lookup(name string) (Refresher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.resources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownResource, name)
	}
	return res, nil
}

// Names lists resource names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Statuses reports every resource in registration order.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.resources[name].Status())
	}
	return out
}

// Refresh forces a refresh of the named resource.
func (r *Registry) Refresh(ctx context.Context, name string) (Status, error) {
	res, err := r.Lookup(name)
	if err != nil {
		return Status{}, err
	}
	return res.Refresh(ctx)
}
