package workflow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gantry-io/gantry"
)

// Registry holds workflow definitions by name and version. Definitions
// are immutable once registered; publishing a change means registering
// the next version. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	versions map[string]map[int]*Definition
	latest   map[string]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		versions: make(map[string]map[int]*Definition),
		latest:   make(map[string]int),
	}
}

// Register adds a definition. Registering a (name, version) pair that
// already exists returns gantry.ErrWorkflowExists.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("register: nil definition")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	byVersion, ok := r.versions[def.Name]
	if !ok {
		byVersion = make(map[int]*Definition)
		r.versions[def.Name] = byVersion
	}
	if _, exists := byVersion[def.Version]; exists {
		return fmt.Errorf("register %q v%d: %w", def.Name, def.Version, gantry.ErrWorkflowExists)
	}
	byVersion[def.Version] = def
	if def.Version > r.latest[def.Name] {
		r.latest[def.Name] = def.Version
	}
	return nil
}

// Get returns the latest version of the named workflow.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.latest[name]
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", name, gantry.ErrWorkflowNotFound)
	}
	return r.versions[name][v], nil
}

// GetVersion returns a specific version of the named workflow.
func (r *Registry) GetVersion(name string, version int) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.versions[name][version]
	if !ok {
		return nil, fmt.Errorf("workflow %q v%d: %w", name, version, gantry.ErrWorkflowNotFound)
	}
	return def, nil
}

// Has reports whether any version of the named workflow is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.latest[name]
	return ok
}

// List returns registered workflow names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.latest))
	for name := range r.latest {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Versions returns the registered versions of a workflow in ascending order.
func (r *Registry) Versions(name string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byVersion, ok := r.versions[name]
	if !ok {
		return nil
	}
	out := make([]int, 0, len(byVersion))
	for v := range byVersion {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
