// Package playbackmodule runs the signage regions: one scheduler per
// region cycling its playlist, plus the ticker bar and the background
// track.
package playbackmodule

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	signageerrors "github.com/mantonx/signage/internal/errors"
	"github.com/mantonx/signage/internal/events"
	"github.com/mantonx/signage/internal/modules/cachemodule"
	"github.com/mantonx/signage/internal/modules/devicemodule"
	"github.com/mantonx/signage/internal/modules/modulemanager"
	"github.com/mantonx/signage/internal/modules/streammodule"
	"gorm.io/gorm"
)

const (
	ModuleID   = "system.playback"
	ModuleName = "Region Scheduler"
)

// Options configures the playback module.
type Options struct {
	WarmUpTimeout time.Duration
	// Prime downloads the first assets of every adopted configuration in
	// the background.
	Prime bool
}

// Module adopts device configurations and drives the display with them.
type Module struct {
	opts     Options
	bus      events.EventBus
	renderer Renderer
	device   *devicemodule.Module
	cache    *cachemodule.Module
	stream   *streammodule.Module
	clock    clockwork.Clock
	logger   hclog.Logger

	player *Player

	mu      sync.Mutex
	applied int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewModule(opts Options, bus events.EventBus, renderer Renderer, device *devicemodule.Module, cache *cachemodule.Module, stream *streammodule.Module, clock clockwork.Clock, logger hclog.Logger) *Module {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Module{
		opts:     opts,
		bus:      bus,
		renderer: renderer,
		device:   device,
		cache:    cache,
		stream:   stream,
		clock:    clock,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (m *Module) ID() string                { return ModuleID }
func (m *Module) Name() string              { return ModuleName }
func (m *Module) Core() bool                { return true }
func (m *Module) Migrate(db *gorm.DB) error { return nil }

func (m *Module) Dependencies() []string {
	return []string{devicemodule.ModuleID, cachemodule.ModuleID, streammodule.ModuleID}
}

func (m *Module) Init(ctx context.Context) error {
	cache := m.cache.Cache()
	m.player = NewPlayer(PlayerDeps{
		Bus:      m.bus,
		Renderer: m.renderer,
		URLs:     cache,
		Streams:  m.stream.Resolver(),
		Audio:    cache,
		Clock:    m.clock,
		Logger:   m.logger,
	})

	m.device.OnChange(func(cfg *devicemodule.DeviceConfig) {
		if err := m.Adopt(m.ctx, cfg); err != nil {
			m.logger.Error("failed to apply configuration", "error", err)
		}
	})
	return nil
}

// Player returns the region player. Valid after Init.
func (m *Module) Player() *Player {
	return m.player
}

// Adopt applies cfg. The first configuration is preceded by a bounded
// warm-up of each region's first asset.
func (m *Module) Adopt(ctx context.Context, cfg *devicemodule.DeviceConfig) error {
	m.mu.Lock()
	first := m.applied == 0
	m.applied++
	m.mu.Unlock()

	if first {
		WarmUp(ctx, cfg, m.cache.Cache().Warm, m.opts.WarmUpTimeout, m.logger.Named("warmup"))
	}
	if err := m.player.Apply(ctx, cfg); err != nil {
		return err
	}

	if m.opts.Prime && !m.cache.Cache().Passthrough() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if _, err := m.cache.PrimeCurrent(m.ctx, cfg); err != nil {
				m.logger.Warn("cache priming incomplete", "error", err)
			}
		}()
	}
	return nil
}

// Exit ends the playback session: every region stops and the display is
// cleared until the next configuration is adopted. A refresh of the same
// configuration counts as adoption.
func (m *Module) Exit(ctx context.Context) error {
	err := m.player.Clear(ctx)
	m.device.Invalidate()
	m.logger.Info("playback session exited")
	return err
}

func (m *Module) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/playback")
	{
		api.GET("", m.handleStatus)
		api.GET("/regions", m.handleRegions)
		api.POST("/pause", m.handlePause)
		api.POST("/resume", m.handleResume)
	}
}

func (m *Module) Shutdown(ctx context.Context) error {
	m.cancel()
	m.wg.Wait()
	if m.player == nil {
		return nil
	}
	return m.player.Stop(ctx)
}

func (m *Module) HealthCheck(ctx context.Context) modulemanager.HealthStatus {
	status := modulemanager.HealthStatus{Status: modulemanager.HealthStateHealthy}
	if m.player.Config() == nil {
		status.Status = modulemanager.HealthStateDegraded
		status.Message = "no configuration applied"
		return status
	}
	regions, err := m.player.Snapshot(ctx)
	if err != nil {
		status.Status = modulemanager.HealthStateUnknown
		status.Message = err.Error()
		return status
	}
	status.Details = map[string]interface{}{
		"regions": len(regions),
		"paused":  m.player.Paused(),
	}
	return status
}

func (m *Module) handleStatus(c *gin.Context) {
	regions, err := m.player.Snapshot(c.Request.Context())
	if err != nil {
		signageerrors.HandleInternalError(c, "Failed to read playback state", err)
		return
	}
	resp := gin.H{
		"paused":  m.player.Paused(),
		"regions": regions,
		"ticker":  m.player.Ticker(),
	}
	if cfg := m.player.Config(); cfg != nil {
		resp["fingerprint"] = cfg.Fingerprint()
	}
	if track, ok := m.player.Audio(); ok {
		resp["audio"] = track
	}
	c.JSON(http.StatusOK, resp)
}

func (m *Module) handleRegions(c *gin.Context) {
	regions, err := m.player.Snapshot(c.Request.Context())
	if err != nil {
		signageerrors.HandleInternalError(c, "Failed to read playback state", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"regions": regions})
}

func (m *Module) handlePause(c *gin.Context) {
	m.publish(c, events.NewPauseEvent("api"))
}

func (m *Module) handleResume(c *gin.Context) {
	m.publish(c, events.NewResumeEvent("api"))
}

func (m *Module) publish(c *gin.Context, e events.Event) {
	if err := m.bus.Publish(c.Request.Context(), e); err != nil {
		signageerrors.HandleInternalError(c, "Failed to publish event", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"event": e.Type})
}
