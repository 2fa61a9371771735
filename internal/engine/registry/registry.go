// Package registry implements the process-wide Service Registry (C1): a
// (mode, service) -> factory map, write-once at startup and read-mostly
// afterwards, in the same sync.RWMutex-guarded style as the teacher's
// workflow registry.
package registry

import (
	"fmt"
	"sync"

	"github.com/alpinesboltltd/taskcore/internal/engine"
)

type key struct {
	mode    string
	service string
}

// Registry is a ServiceRegistry. The zero value is not usable; construct
// with New.
type Registry struct {
	mu    sync.RWMutex
	store map[key]engine.ServiceFactory
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{store: make(map[key]engine.ServiceFactory)}
}

// ErrAlreadyRegistered is returned when Register is called twice for the
// same (mode, service) key (P5).
type ErrAlreadyRegistered struct {
	Mode    string
	Service string
}

func (e *ErrAlreadyRegistered) Error() string {
	return fmt.Sprintf("registry: (%s, %s) already registered", e.Mode, e.Service)
}

// ErrServiceNotFound is returned by Lookup on a miss.
type ErrServiceNotFound struct {
	Mode    string
	Service string
}

func (e *ErrServiceNotFound) Error() string {
	return fmt.Sprintf("registry: no service registered for (%s, %s)", e.Mode, e.Service)
}

// Register binds factory to (mode, service). Both must be non-empty.
// Registering an existing key is rejected deterministically; entries are
// immutable once registered.
func (r *Registry) Register(mode, service string, factory engine.ServiceFactory) error {
	if mode == "" || service == "" {
		return fmt.Errorf("registry: mode and service must be non-empty")
	}
	if factory == nil {
		return fmt.Errorf("registry: factory must not be nil")
	}
	k := key{mode, service}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.store[k]; exists {
		return &ErrAlreadyRegistered{Mode: mode, Service: service}
	}
	r.store[k] = factory
	return nil
}

// Lookup returns the factory registered at (mode, service), or
// ErrServiceNotFound.
func (r *Registry) Lookup(mode, service string) (engine.ServiceFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.store[key{mode, service}]
	if !ok {
		return nil, &ErrServiceNotFound{Mode: mode, Service: service}
	}
	return factory, nil
}

var _ engine.ServiceRegistry = (*Registry)(nil)
