package broker

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Registry holds the named clients of one process. It is built by the
// composition root and passed to whatever needs a client.
type Registry struct {
	clients map[string]*Client
	mu      sync.RWMutex
}

// NewRegistry creates an empty client registry
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
	}
}

// Add registers client under name
func (r *Registry) Add(name string, client *Client) error {
	if client == nil {
		return fmt.Errorf("broker client %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[name]; ok {
		return fmt.Errorf("%w: %s", ErrClientExists, name)
	}
	r.clients[name] = client
	return nil
}

// Get retrieves a client by name
func (r *Registry) Get(name string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[name]
	return client, ok
}

// Names returns the registered names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.clients))
}

// CloseAll closes and removes every client, joining their errors.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	var errs []error
	for _, name := range slices.Sorted(maps.Keys(clients)) {
		if err := clients[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
