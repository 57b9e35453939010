package connector

import (
	"fmt"
	"sort"
	"sync"
)

// Credentials are the decrypted API credentials for one connection.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Factory builds a connector bound to one connection's credentials.
type Factory func(creds Credentials) (Connector, error)

// Registry maps exchange names to connector factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds a connector for the named exchange.
func (r *Registry) New(name string, creds Credentials) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connector: unknown exchange %q", name)
	}
	return f(creds)
}

// Names returns the registered exchange names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
