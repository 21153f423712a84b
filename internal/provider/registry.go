package provider

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/pilotd/pilot/pkg/models"
)

// Factory builds an adapter from provider settings.
type Factory func(settings models.ProviderSettings) (Adapter, error)

// Registry maps provider names to factories. It is populated once at
// startup and frozen before the engine accepts traffic.
type Registry struct {
	factories map[string]Factory
	frozen    atomic.Bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a provider factory. Registration after Freeze is a bug.
func (r *Registry) Register(name string, factory Factory) error {
	if r.frozen.Load() {
		return fmt.Errorf("provider registry is frozen")
	}
	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	if factory == nil {
		return fmt.Errorf("provider %s: factory is required", name)
	}
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() { r.frozen.Store(true) }

// New builds an adapter for the named provider.
func (r *Registry) New(name string, settings models.ProviderSettings) (Adapter, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (available: %v)", name, r.Names())
	}
	return factory(settings)
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry builds and freezes the standard catalog.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(r.Register("openai", func(s models.ProviderSettings) (Adapter, error) {
		return NewOpenAIAdapter(s)
	}))
	must(r.Register("anthropic", func(s models.ProviderSettings) (Adapter, error) {
		return NewAnthropicAdapter(s)
	}))
	must(r.Register("local", func(s models.ProviderSettings) (Adapter, error) {
		return NewLocalAdapter(s)
	}))

	r.Freeze()
	return r
}
