package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/milla/pkg/transport"
)

// ErrTransportNotRegistered is returned by [Registry.CreateDialer] when no
// factory has been registered under the requested name.
var ErrTransportNotRegistered = errors.New("config: transport not registered")

// DialerFactory builds a dialer from the transport section.
type DialerFactory func(TransportConfig) (transport.Dialer, error)

// Registry maps transport names to dialer factories. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]DialerFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]DialerFactory)}
}

// RegisterTransport registers a dialer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTransport(name string, factory DialerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// CreateDialer instantiates the dialer registered under entry.Name.
func (r *Registry) CreateDialer(entry TransportConfig) (transport.Dialer, error) {
	r.mu.RLock()
	factory, ok := r.factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTransportNotRegistered, entry.Name)
	}
	d, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create transport %q: %w", entry.Name, err)
	}
	return d, nil
}

// Names returns the registered transport names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
