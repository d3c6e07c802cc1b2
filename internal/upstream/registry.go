package upstream

import (
	"fmt"
	"net/http"
	"sync"

	gateway "github.com/eugener/gandalf/internal"
)

// Client bundles one provider's config with the HTTP client used to reach
// it. The client's transport already carries whatever auth decorator the
// provider needs (bearer API key or GCP OAuth for vertex hosting).
type Client struct {
	Config     gateway.ProviderConfig
	HTTPClient *http.Client
}

// Registry maps provider names to their upstream Client.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Register adds or replaces the client for name.
func (r *Registry) Register(name string, c *Client) {
	r.mu.Lock()
	r.clients[name] = c
	r.mu.Unlock()
}

// Get returns the client registered under name.
func (r *Registry) Get(name string) (*Client, error) {
	r.mu.RLock()
	c, ok := r.clients[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("upstream: provider %q not registered", name)
	}
	return c, nil
}

// List returns every registered provider name.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}
