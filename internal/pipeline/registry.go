package pipeline

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// UnitRegistration pairs a unit with its effective config and dependencies.
type UnitRegistration struct {
	Unit         Unit
	Config       UnitConfig
	Dependencies []string
}

// Registry holds the units available to the plan builder and executor.
// Units declare dependencies by name; the full graph is validated once at
// startup, while a dependency missing at run time only skips the dependent.
type Registry struct {
	units  map[string]UnitRegistration
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewRegistry creates an empty unit registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		units:  make(map[string]UnitRegistration),
		logger: logger,
	}
}

// Register adds a unit using its own declared config and dependencies.
func (r *Registry) Register(u Unit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg := u.Config()
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultUnitConfig().Timeout
	}
	r.units[u.Name()] = UnitRegistration{
		Unit:         u,
		Config:       cfg,
		Dependencies: u.Dependencies(),
	}
	r.logger.Info("registered unit",
		zap.String("unit", u.Name()),
		zap.String("version", u.Version()),
		zap.Bool("critical", cfg.Critical))
}

// Get returns a registration by unit name.
func (r *Registry) Get(name string) (UnitRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.units[name]
	return reg, ok
}

// Names returns all registered unit names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.units))
	for name := range r.units {
		names = append(names, name)
	}
	return names
}

// Validate checks the registered dependency graph for unknown references
// and cycles. Called once at startup so misconfiguration fails fast instead
// of silently skipping units on every call.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, reg := range r.units {
		for _, dep := range reg.Dependencies {
			if _, ok := r.units[dep]; !ok {
				return fmt.Errorf("unit %s depends on unregistered unit %s", name, dep)
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(r.units))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle: %v -> %s", path, name)
		}
		state[name] = visiting
		for _, dep := range r.units[name].Dependencies {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for name := range r.units {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}
