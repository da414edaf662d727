package provider

import "sync"

// Registry maps provider ids to clients. A provider missing from the
// registry is considered inactive; orders targeting it fail with a
// business error instead of retrying.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register binds a client to a provider id.
func (r *Registry) Register(providerID string, c Client) {
	if providerID == "" || c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[providerID] = c
}

// Get returns the client for a provider id, if registered.
func (r *Registry) Get(providerID string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[providerID]
	return c, ok
}
