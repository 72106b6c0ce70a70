package modulemanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"
)

// ModuleRegistry manages module registration and initialization
type ModuleRegistry struct {
	modules         map[string]Module
	order           []string // registration order, the tie-breaker for init order
	disabledModules map[string]bool
	initOrder       []Module
	initialized     bool
	logger          hclog.Logger
	mu              sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry(logger hclog.Logger) *ModuleRegistry {
	return &ModuleRegistry{
		modules:         make(map[string]Module),
		disabledModules: make(map[string]bool),
		logger:          logger,
	}
}

// Register adds a module to the registry
func (r *ModuleRegistry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		r.logger.Warn("module registered after initialization", "module", m.ID())
	}
	if _, exists := r.modules[m.ID()]; !exists {
		r.order = append(r.order, m.ID())
	}
	r.modules[m.ID()] = m
	r.logger.Debug("module registered", "module", m.ID(), "name", m.Name())
}

// DisableModule marks a module as disabled. Core modules cannot be disabled.
func (r *ModuleRegistry) DisableModule(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	module, exists := r.modules[id]
	if !exists {
		return fmt.Errorf("module not found: %s", id)
	}
	if module.Core() {
		return fmt.Errorf("cannot disable core module: %s", id)
	}
	r.disabledModules[id] = true
	r.logger.Info("module disabled", "module", id)
	return nil
}

// LoadAll migrates and initializes every enabled module, dependencies first.
func (r *ModuleRegistry) LoadAll(ctx context.Context, db *gorm.DB) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		r.logger.Warn("module system already initialized")
		return nil
	}

	order, err := r.resolveOrder()
	if err != nil {
		return fmt.Errorf("failed to determine initialization order: %w", err)
	}

	r.logger.Info("loading modules", "count", len(order))
	for i, module := range order {
		if db != nil {
			if err := module.Migrate(db); err != nil {
				return fmt.Errorf("failed to migrate %s: %w", module.Name(), err)
			}
		}
		if err := module.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", module.Name(), err)
		}
		r.initOrder = append(r.initOrder, module)
		r.logger.Info("module loaded", "step", fmt.Sprintf("%d/%d", i+1, len(order)), "module", module.ID())
	}

	r.initialized = true
	return nil
}

// resolveOrder topologically sorts enabled modules. Among modules whose
// dependencies are satisfied, registration order wins.
func (r *ModuleRegistry) resolveOrder() ([]Module, error) {
	position := make(map[string]int, len(r.order))
	pending := make(map[string][]string)
	for i, id := range r.order {
		position[id] = i
		if r.disabledModules[id] {
			continue
		}
		var deps []string
		if dp, ok := r.modules[id].(DependencyProvider); ok {
			deps = dp.Dependencies()
		}
		for _, dep := range deps {
			if _, exists := r.modules[dep]; !exists {
				return nil, fmt.Errorf("module %s depends on non-existent module %s", id, dep)
			}
			if r.disabledModules[dep] {
				return nil, fmt.Errorf("module %s depends on disabled module %s", id, dep)
			}
		}
		pending[id] = deps
	}

	done := make(map[string]bool, len(pending))
	var order []Module
	for len(pending) > 0 {
		var ready []string
		for id, deps := range pending {
			satisfied := true
			for _, dep := range deps {
				if !done[dep] {
					satisfied = false
					break
				}
			}
			if satisfied {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			return nil, errors.New("dependency cycle between modules")
		}
		sort.Slice(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		for _, id := range ready {
			order = append(order, r.modules[id])
			done[id] = true
			delete(pending, id)
		}
	}
	return order, nil
}

// GetModule returns a module by ID
func (r *ModuleRegistry) GetModule(id string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	module, exists := r.modules[id]
	return module, exists
}

// ListModules returns all registered modules in registration order
func (r *ModuleRegistry) ListModules() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	modules := make([]Module, 0, len(r.order))
	for _, id := range r.order {
		modules = append(modules, r.modules[id])
	}
	return modules
}

// RegisterRoutes registers routes for all loaded modules that implement RouteRegistrar
func (r *ModuleRegistry) RegisterRoutes(router *gin.Engine) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, module := range r.initOrder {
		if routeRegistrar, ok := module.(RouteRegistrar); ok {
			r.logger.Debug("registering routes", "module", module.ID())
			routeRegistrar.RegisterRoutes(router)
		}
	}
}

// ShutdownAll shuts loaded modules down in reverse initialization order.
// Every module gets its chance; errors are joined.
func (r *ModuleRegistry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for i := len(r.initOrder) - 1; i >= 0; i-- {
		module := r.initOrder[i]
		s, ok := module.(Shutdowner)
		if !ok {
			continue
		}
		if err := s.Shutdown(ctx); err != nil {
			r.logger.Error("module shutdown failed", "module", module.ID(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", module.ID(), err))
		}
	}
	r.initOrder = nil
	r.initialized = false
	return errors.Join(errs...)
}

// HealthCheck collects the health of every loaded module.
func (r *ModuleRegistry) HealthCheck(ctx context.Context) map[string]HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]HealthStatus, len(r.initOrder))
	for _, module := range r.initOrder {
		if hc, ok := module.(HealthChecker); ok {
			out[module.ID()] = hc.HealthCheck(ctx)
			continue
		}
		out[module.ID()] = HealthStatus{Status: HealthStateUnknown, LastChecked: time.Now()}
	}
	return out
}
