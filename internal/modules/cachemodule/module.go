package cachemodule

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/signage/internal/config"
	signageerrors "github.com/mantonx/signage/internal/errors"
	"github.com/mantonx/signage/internal/modules/devicemodule"
	"github.com/mantonx/signage/internal/modules/modulemanager"
	"gorm.io/gorm"
)

const (
	ModuleID   = "system.cache"
	ModuleName = "Offline Asset Cache"
)

// Module exposes the asset cache to the application.
type Module struct {
	cfg     config.CacheConfig
	current func() *devicemodule.DeviceConfig
	client  *http.Client
	logger  hclog.Logger

	index *IndexStore
	cache *Cache
}

// NewModule creates the cache module. current returns the adopted device
// configuration used for manual priming.
func NewModule(cfg config.CacheConfig, current func() *devicemodule.DeviceConfig, logger hclog.Logger) *Module {
	return &Module{
		cfg:     cfg,
		current: current,
		client:  &http.Client{},
		logger:  logger,
	}
}

func (m *Module) ID() string             { return ModuleID }
func (m *Module) Name() string           { return ModuleName }
func (m *Module) Core() bool             { return true }
func (m *Module) Dependencies() []string { return []string{devicemodule.ModuleID} }

func (m *Module) Migrate(db *gorm.DB) error {
	m.index = NewIndexStore(db)
	return m.index.Migrate()
}

func (m *Module) Init(ctx context.Context) error {
	dir := m.cfg.Dir
	if !m.cfg.Enabled {
		dir = ""
	}

	m.cache = NewCache(Options{
		Dir:             dir,
		Prefetch:        m.cfg.Prefetch,
		DownloadTimeout: m.cfg.DownloadTimeout,
	}, NewDownloader(m.client, m.cfg.MaxFileSize, m.logger.Named("download")), m.logger)

	if m.index != nil && !m.cache.Passthrough() {
		if err := m.cache.UseIndex(ctx, m.index); err != nil {
			m.logger.Warn("cache index unavailable, continuing without it", "error", err)
		}
	}
	return nil
}

// Cache returns the asset cache. Valid after Init.
func (m *Module) Cache() *Cache {
	return m.cache
}

// PrimeCurrent primes the cache for cfg with the configured limits.
func (m *Module) PrimeCurrent(ctx context.Context, cfg *devicemodule.DeviceConfig) (*PrimeReport, error) {
	return m.cache.Prime(ctx, cfg, m.cfg.PrimeLimit, m.cfg.PrimeParallelism)
}

func (m *Module) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/cache")
	{
		api.GET("", m.handleList)
		api.POST("/prime", m.handlePrime)
	}
	router.GET(MediaRoute+":name", m.handleMedia)
}

func (m *Module) Shutdown(ctx context.Context) error {
	if m.cache != nil {
		m.cache.Close()
	}
	return nil
}

func (m *Module) HealthCheck(ctx context.Context) modulemanager.HealthStatus {
	status := modulemanager.HealthStatus{
		Status:  modulemanager.HealthStateHealthy,
		Details: map[string]interface{}{"dir": m.cache.Dir()},
	}
	for state, n := range m.cache.Stats() {
		status.Details[string(state)] = n
	}
	if m.cache.Passthrough() {
		status.Status = modulemanager.HealthStateDegraded
		status.Message = "no writable storage, serving remote URLs"
	}
	return status
}

func (m *Module) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"passthrough": m.cache.Passthrough(),
		"stats":       m.cache.Stats(),
		"entries":     m.cache.Entries(),
	})
}

func (m *Module) handlePrime(c *gin.Context) {
	cfg := m.current()
	if cfg == nil {
		signageerrors.HandleNotFound(c, "device configuration", "current")
		return
	}
	report, err := m.PrimeCurrent(c.Request.Context(), cfg)
	if err != nil {
		signageerrors.HandleInternalError(c, "Cache priming failed", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (m *Module) handleMedia(c *gin.Context) {
	path, err := m.cache.FileFor(c.Param("name"))
	if err != nil {
		signageerrors.HandleError(c, err)
		return
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.File(path)
}
