package providers

import (
	"sort"
	"strings"
	"sync"

	"github.com/domasles/echotuner/internal/config"
)

// Registry maps lowercase names to Provider implementations. It is built once
// at startup from configuration; Register remains available for test overrides
// (last-registration-wins).
type Registry struct {
	mu          sync.RWMutex
	byName      map[string]Provider
	defaultName string
}

// NewRegistry creates an empty registry with the given default provider name.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		byName:      make(map[string]Provider),
		defaultName: strings.ToLower(strings.TrimSpace(defaultName)),
	}
}

// NewRegistryFromConfig builds the registry and one OpenAI-compatible provider
// per configured backend.
func NewRegistryFromConfig(cfg config.AIConfig) *Registry {
	r := NewRegistry(cfg.DefaultProvider)
	for _, pc := range cfg.Providers {
		r.Register(NewOpenAIProvider(pc, cfg.ProbeTimeout))
	}
	return r
}

// Register adds a provider under its lowercase name, replacing any earlier
// registration with the same name.
func (r *Registry) Register(p Provider) {
	name := strings.ToLower(strings.TrimSpace(p.Name()))
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = p
}

// Resolve returns the named provider, or the configured default when name is
// empty. Absent providers yield ErrUnknownProvider.
func (r *Registry) Resolve(name string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = r.defaultName
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// Default resolves the configured default provider.
func (r *Registry) Default() (Provider, error) {
	return r.Resolve("")
}

// Names returns every registered provider name, sorted, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
