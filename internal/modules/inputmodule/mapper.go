// Package inputmodule turns remote-control and keyboard input into control
// actions on the bus.
package inputmodule

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/signage/internal/events"
)

// ExitHook ends the application session on the platform.
type ExitHook func(ctx context.Context) error

// CommandExitHook runs argv as the exit side effect.
func CommandExitHook(argv []string, timeout time.Duration) ExitHook {
	if len(argv) == 0 {
		return nil
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("exit command %q: %w: %s", argv[0], err, out)
		}
		return nil
	}
}

// MapperStats counts dispatch outcomes.
type MapperStats struct {
	Dispatched int64            `json:"dispatched"`
	Debounced  int64            `json:"debounced"`
	Exits      int64            `json:"exits"`
	BySource   map[string]int64 `json:"by_source"`
}

// Mapper is the single consumer of every input source. It debounces and
// publishes control actions on the bus.
type Mapper struct {
	bus       events.EventBus
	debouncer *Debouncer
	exit      ExitHook
	logger    hclog.Logger

	ctx context.Context
	wg  sync.WaitGroup

	mu    sync.Mutex
	stats MapperStats
}

func NewMapper(bus events.EventBus, debouncer *Debouncer, exit ExitHook, logger hclog.Logger) *Mapper {
	return &Mapper{
		bus:       bus,
		debouncer: debouncer,
		exit:      exit,
		logger:    logger,
		ctx:       context.Background(),
		stats:     MapperStats{BySource: make(map[string]int64)},
	}
}

// Dispatch publishes in unless another action fired within the debounce
// window. It reports whether the action was published.
func (m *Mapper) Dispatch(ctx context.Context, in Input) (bool, error) {
	if !m.debouncer.Allow() {
		m.mu.Lock()
		m.stats.Debounced++
		m.mu.Unlock()
		m.logger.Trace("input debounced", "action", in.Action, "source", in.Source)
		return false, nil
	}

	source := in.Source
	if source == "" {
		source = "input"
	}
	if err := m.bus.Publish(ctx, events.NewControlEvent(in.Action, source)); err != nil {
		return false, fmt.Errorf("dispatch %s: %w", in.Action, err)
	}

	m.mu.Lock()
	m.stats.Dispatched++
	m.stats.BySource[source]++
	if in.Exit && m.exit != nil {
		m.stats.Exits++
	}
	m.mu.Unlock()

	m.logger.Debug("control action dispatched", "action", in.Action, "source", source)

	if in.Exit && m.exit != nil {
		m.wg.Add(1)
		go m.runExit()
	}
	return true, nil
}

func (m *Mapper) runExit() {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in exit hook", "error", r)
		}
	}()
	if err := m.exit(m.ctx); err != nil {
		m.logger.Warn("exit hook failed", "error", err)
	}
}

// Wait blocks until running exit hooks return.
func (m *Mapper) Wait() {
	m.wg.Wait()
}

func (m *Mapper) Stats() MapperStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.stats
	out.BySource = make(map[string]int64, len(m.stats.BySource))
	for k, v := range m.stats.BySource {
		out.BySource[k] = v
	}
	return out
}
