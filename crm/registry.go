package crm

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds an adapter for one stored integration.
type Factory func(creds Credentials, store CredentialStore) (Adapter, error)

// Registry maps provider ids to adapter factories. A pipeline resolves its
// adapter once, at construction.
type Registry struct {
	mu        sync.RWMutex
	factories map[Provider]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[Provider]Factory{}}
}

// Register adds or replaces the factory for p.
func (r *Registry) Register(p Provider, f Factory) {
	if p == "" || f == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[p] = f
}

// New builds the adapter for creds.Provider.
func (r *Registry) New(creds Credentials, store CredentialStore) (Adapter, error) {
	p, ok := ParseProvider(string(creds.Provider))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, creds.Provider)
	}
	r.mu.RLock()
	f, ok := r.factories[p]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
	creds.Provider = p
	return f(creds, store)
}

// Providers lists registered providers in sorted order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
