package providers

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
)

type entry struct {
	capability    Capability
	kind          string
	contextWindow int
	timeout       time.Duration
}

// Registry resolves provider ids to capabilities and their per-provider overrides.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	credentials Credentials
}

type RegisterOption func(*entry)

// WithContextWindow overrides the number of history turns sent to the provider.
func WithContextWindow(n int) RegisterOption {
	return func(e *entry) {
		e.contextWindow = n
	}
}

// WithTimeout bounds each upstream call of the provider.
func WithTimeout(d time.Duration) RegisterOption {
	return func(e *entry) {
		e.timeout = d
	}
}

// WithKind records the backend type shown when listing providers.
func WithKind(kind string) RegisterOption {
	return func(e *entry) {
		e.kind = kind
	}
}

func NewRegistry(credentials Credentials) *Registry {
	if credentials == nil {
		credentials = NewStaticCredentials(nil)
	}
	return &Registry{
		entries:     map[string]*entry{},
		credentials: credentials,
	}
}

func (r *Registry) Register(c Capability, options ...RegisterOption) error {
	if c == nil {
		return fmt.Errorf("cannot register nil capability")
	}
	if err := conversation.ValidateProviderID(c.ID()); err != nil {
		return err
	}
	e := &entry{capability: c}
	for _, option := range options {
		option(e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[c.ID()]; ok {
		return &conversation.ValidationError{Field: "providers", Reason: fmt.Sprintf("provider %q already registered", c.ID())}
	}
	r.entries[c.ID()] = e
	return nil
}

// Get returns the capability registered under id, or an InvalidProvider error.
func (r *Registry) Get(id string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, NewError(id, KindInvalidProvider, fmt.Errorf("unknown provider %q", id))
	}
	return e.capability, nil
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ret = append(ret, id)
	}
	sort.Strings(ret)
	return ret
}

// HasCredential reports whether provider can be called. Providers that need no secret
// always have one; unknown providers never do.
func (r *Registry) HasCredential(provider string) bool {
	r.mu.RLock()
	e, ok := r.entries[provider]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if !e.capability.RequiresCredential() {
		return true
	}
	_, ok = r.credentials.Lookup(provider)
	return ok
}

func (r *Registry) Credentials() Credentials {
	return r.credentials
}

// ContextWindow returns the provider override, or def.
func (r *Registry) ContextWindow(provider string, def int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[provider]; ok && e.contextWindow > 0 {
		return e.contextWindow
	}
	return def
}

// Timeout returns the provider override, or def.
func (r *Registry) Timeout(provider string, def time.Duration) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[provider]; ok && e.timeout > 0 {
		return e.timeout
	}
	return def
}

// Info describes a registered provider for listing endpoints.
type Info struct {
	ID            string `json:"id"`
	Type          string `json:"type,omitempty"`
	HasCredential bool   `json:"hasCredential"`
	ContextWindow int    `json:"contextWindow,omitempty"`
}

func (r *Registry) Describe() []Info {
	ids := r.IDs()
	ret := make([]Info, 0, len(ids))
	for _, id := range ids {
		r.mu.RLock()
		e := r.entries[id]
		r.mu.RUnlock()
		ret = append(ret, Info{
			ID:            id,
			Type:          e.kind,
			HasCredential: r.HasCredential(id),
			ContextWindow: e.contextWindow,
		})
	}
	return ret
}
