// Package services hosts the in-process MCP servers bundled with the
// runtime: the built-in service manager and the python, graph, and memory
// services it can instantiate.
package services

import (
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/pilotd/pilot/internal/config"
	"github.com/pilotd/pilot/internal/mcp"
	"github.com/pilotd/pilot/internal/memory"
)

// Deps carries the per-session resources a service factory may use.
type Deps struct {
	// DataDir is the session's service data directory (<session>/mcp).
	DataDir string

	// GraphsDir is the session's graph store directory.
	GraphsDir string

	// Memory is the session's memory store.
	Memory *memory.Store

	// Sandbox configures the python service.
	Sandbox config.SandboxConfig

	Logger *slog.Logger
}

// Factory builds a fresh service instance from a config map.
type Factory func(cfg map[string]any, deps Deps) (*mcp.Server, error)

// Type describes one instantiable service type.
type Type struct {
	Description string

	// ConfigParams documents accepted config keys (name -> description).
	ConfigParams map[string]string

	Factory Factory
}

// Registry is the process-wide service-type catalog. It is populated once
// at startup and frozen before the engine accepts traffic; reads after
// Freeze are lock-free.
type Registry struct {
	types  map[string]Type
	frozen atomic.Bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Type)}
}

// Register adds a service type. Registration after Freeze is a bug.
func (r *Registry) Register(name string, t Type) error {
	if r.frozen.Load() {
		return fmt.Errorf("service registry is frozen")
	}
	if name == "" {
		return fmt.Errorf("service type name is required")
	}
	if t.Factory == nil {
		return fmt.Errorf("service type %s: factory is required", name)
	}
	if _, exists := r.types[name]; exists {
		return fmt.Errorf("service type %s already registered", name)
	}
	r.types[name] = t
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() { r.frozen.Store(true) }

// Get returns a service type by name.
func (r *Registry) Get(name string) (Type, bool) {
	t, ok := r.types[name]
	return t, ok
}

// Names returns the registered type names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry builds and freezes the standard catalog: python, graph,
// and memory.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}

	must(r.Register("python", Type{
		Description: "Python script management and sandboxed code execution",
		ConfigParams: map[string]string{
			"base_dir": "Directory for stored Python scripts (relative to the session's service data)",
		},
		Factory: newPythonService,
	}))
	must(r.Register("graph", Type{
		Description: "Workflow graph management and execution",
		Factory:     newGraphService,
	}))
	must(r.Register("memory", Type{
		Description: "Session memory storage, search, and consolidation",
		Factory:     newMemoryService,
	}))

	r.Freeze()
	return r
}
