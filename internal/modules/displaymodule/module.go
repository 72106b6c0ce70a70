// Package displaymodule bridges the playback engine to the display client
// over a WebSocket: commands go out, media reports and key presses come
// back.
package displaymodule

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/signage/internal/modules/modulemanager"
	"gorm.io/gorm"
)

const (
	ModuleID   = "system.display"
	ModuleName = "Display Bridge"

	WebSocketRoute = "/ws/display"
)

type Module struct {
	hub    *Hub
	logger hclog.Logger
}

// NewModule creates the module. The hub exists from construction so it can
// be handed to the playback and stream modules as their display.
func NewModule(logger hclog.Logger) *Module {
	return &Module{hub: NewHub(logger), logger: logger}
}

func (m *Module) ID() string                     { return ModuleID }
func (m *Module) Name() string                   { return ModuleName }
func (m *Module) Core() bool                     { return true }
func (m *Module) Migrate(db *gorm.DB) error      { return nil }
func (m *Module) Init(ctx context.Context) error { return nil }

func (m *Module) Hub() *Hub {
	return m.hub
}

func (m *Module) RegisterRoutes(router *gin.Engine) {
	router.GET(WebSocketRoute, func(c *gin.Context) {
		m.hub.ServeHTTP(c.Writer, c.Request)
	})
	router.GET("/api/display", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"clients": m.hub.Clients()})
	})
}

func (m *Module) Shutdown(ctx context.Context) error {
	return m.hub.Close(ctx)
}

func (m *Module) HealthCheck(ctx context.Context) modulemanager.HealthStatus {
	clients := m.hub.Clients()
	status := modulemanager.HealthStatus{
		Status:  modulemanager.HealthStateHealthy,
		Details: map[string]interface{}{"clients": len(clients)},
	}
	if len(clients) == 0 {
		status.Status = modulemanager.HealthStateDegraded
		status.Message = "no display connected"
	}
	return status
}
