package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xiaot623/agentrun/internal/domain"
)

// Registry stores units keyed by name and the default unit per workflow kind.
type Registry struct {
	mu       sync.RWMutex
	units    map[string]Unit
	defaults map[domain.WorkflowKind]string
	probe    func(ctx context.Context) error
}

// NewRegistry creates an empty registry with the given defaults.
func NewRegistry(defaults map[domain.WorkflowKind]string) *Registry {
	d := make(map[domain.WorkflowKind]string, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &Registry{
		units:    make(map[string]Unit),
		defaults: d,
	}
}

// Register adds a unit.
func (r *Registry) Register(u Unit) error {
	if u == nil {
		return fmt.Errorf("unit is required")
	}
	if u.Name() == "" {
		return fmt.Errorf("unit name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.units[u.Name()]; exists {
		return fmt.Errorf("unit already registered for %s", u.Name())
	}
	r.units[u.Name()] = u
	return nil
}

// MustRegister adds a unit or panics.
func (r *Registry) MustRegister(u Unit) {
	if err := r.Register(u); err != nil {
		panic(err)
	}
}

// SetProbe installs the availability check of an external unit library.
func (r *Registry) SetProbe(probe func(ctx context.Context) error) {
	r.mu.Lock()
	r.probe = probe
	r.mu.Unlock()
}

// UnitName returns the unit a request resolves to: name if set, otherwise
// the default for kind.
func (r *Registry) UnitName(kind domain.WorkflowKind, name string) string {
	if name != "" {
		return name
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.defaults[kind]; ok {
		return d
	}
	return r.defaults[domain.WorkflowExecution]
}

// Resolve looks up a unit by name, falling back to the kind default.
func (r *Registry) Resolve(kind domain.WorkflowKind, name string) (Unit, error) {
	unitName := r.UnitName(kind, name)
	r.mu.RLock()
	u := r.units[unitName]
	r.mu.RUnlock()
	if u == nil {
		return nil, &ResolutionError{Name: unitName}
	}
	return u, nil
}

// Names returns registered unit names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.units))
	for name := range r.units {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defaults returns a copy of the default unit per kind.
func (r *Registry) Defaults() map[domain.WorkflowKind]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d := make(map[domain.WorkflowKind]string, len(r.defaults))
	for k, v := range r.defaults {
		d[k] = v
	}
	return d
}

// Available reports whether the unit library is usable. With a probe
// installed the probe decides; otherwise every default must be registered.
func (r *Registry) Available(ctx context.Context) bool {
	r.mu.RLock()
	probe := r.probe
	r.mu.RUnlock()
	if probe != nil {
		return probe(ctx) == nil
	}
	for _, kind := range domain.WorkflowKinds {
		if _, err := r.Resolve(kind, ""); err != nil {
			return false
		}
	}
	return true
}
