// Package devicemodule owns the device configuration document: parsing it
// into the typed model, pulling it from the configuration server, and
// falling back to the last persisted copy when the network is unavailable.
package devicemodule

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/mantonx/signage/internal/config"
	signageerrors "github.com/mantonx/signage/internal/errors"
	"gorm.io/gorm"
)

const (
	ModuleID   = "system.device"
	ModuleName = "Device Configuration"

	breakerThreshold = 3
	breakerTimeout   = 30 * time.Second
)

// Module wires the loader into the application lifecycle.
type Module struct {
	cfg    config.DeviceConfig
	clock  clockwork.Clock
	logger hclog.Logger
	source Source

	loader *Loader

	mu        sync.RWMutex
	fromCache bool
	stale     bool
	listeners []func(*DeviceConfig)
}

// NewModule creates the device module. A nil source fetches over HTTP from
// cfg.APIBase.
func NewModule(cfg config.DeviceConfig, source Source, clock clockwork.Clock, logger hclog.Logger) *Module {
	return &Module{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		source: source,
	}
}

func (m *Module) ID() string   { return ModuleID }
func (m *Module) Name() string { return ModuleName }
func (m *Module) Core() bool   { return true }

func (m *Module) Migrate(db *gorm.DB) error { return nil }

// Init validates the device id and builds the loader.
func (m *Module) Init(ctx context.Context) error {
	source := m.source
	if source == nil {
		breaker := NewCircuitBreaker(breakerThreshold, breakerTimeout, m.clock, m.logger.Named("breaker"))
		source = NewFetcher(m.cfg.APIBase, m.cfg.FetchTimeout, breaker, m.logger.Named("fetcher"))
	}

	loader, err := NewLoader(m.cfg.ID, source, NewFileSnapshotStore(m.cfg.SnapshotPath), m.clock, m.logger)
	if err != nil {
		return err
	}
	m.loader = loader
	return nil
}

// Loader returns the configuration loader. Valid after Init.
func (m *Module) Loader() *Loader {
	return m.loader
}

// OnChange registers fn to receive every newly adopted configuration that
// differs from the previous one.
func (m *Module) OnChange(fn func(*DeviceConfig)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Invalidate makes the next Refresh notify listeners even when the pulled
// configuration is unchanged.
func (m *Module) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale = true
}

// Refresh pulls the configuration once and notifies listeners when it
// changed or was invalidated.
func (m *Module) Refresh(ctx context.Context) (*LoadResult, error) {
	var prev string
	if cur := m.loader.Current(); cur != nil {
		prev = cur.Fingerprint()
	}

	result, err := m.loader.Load(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.fromCache = result.FromCache
	stale := m.stale
	m.stale = false
	m.mu.Unlock()

	if stale || result.Config.Fingerprint() != prev {
		m.notify(result.Config)
	}
	return result, nil
}

// Watch re-pulls at the configured refresh interval until ctx is done.
func (m *Module) Watch(ctx context.Context) {
	m.loader.Watch(ctx, m.cfg.RefreshInterval, func(cfg *DeviceConfig) {
		m.mu.Lock()
		m.fromCache = false
		m.mu.Unlock()
		m.notify(cfg)
	})
}

func (m *Module) notify(cfg *DeviceConfig) {
	m.mu.RLock()
	listeners := append([]func(*DeviceConfig){}, m.listeners...)
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(cfg)
	}
}

// RegisterRoutes exposes the adopted configuration and a manual re-pull.
func (m *Module) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/device")
	{
		api.GET("", m.handleGetDevice)
		api.POST("/refresh", m.handleRefresh)
	}
}

func (m *Module) handleGetDevice(c *gin.Context) {
	cfg := m.loader.Current()
	if cfg == nil {
		signageerrors.HandleNotFound(c, "device configuration", m.cfg.ID)
		return
	}

	m.mu.RLock()
	fromCache := m.fromCache
	m.mu.RUnlock()

	c.JSON(http.StatusOK, m.describe(cfg, fromCache))
}

func (m *Module) handleRefresh(c *gin.Context) {
	result, err := m.Refresh(c.Request.Context())
	if err != nil {
		signageerrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, m.describe(result.Config, result.FromCache))
}

func (m *Module) describe(cfg *DeviceConfig, fromCache bool) gin.H {
	regions := make([]gin.H, 0, len(cfg.Channel.Regions))
	for _, r := range cfg.Channel.Regions {
		regions = append(regions, gin.H{
			"id":    r.ID,
			"grid":  r.Grid,
			"items": len(r.Playlist),
			"sound": r.Sound,
		})
	}
	return gin.H{
		"device_id":   m.cfg.ID,
		"device_name": cfg.DeviceName(),
		"fingerprint": cfg.Fingerprint(),
		"from_cache":  fromCache,
		"grid":        gin.H{"x": cfg.Channel.GridX, "y": cfg.Channel.GridY},
		"regions":     regions,
		"tickers":     len(cfg.Channel.Tickers),
	}
}
