package inputmodule

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/mantonx/signage/internal/config"
	signageerrors "github.com/mantonx/signage/internal/errors"
	"github.com/mantonx/signage/internal/events"
	"github.com/mantonx/signage/internal/modules/modulemanager"
	"gorm.io/gorm"
)

const (
	ModuleID   = "system.input"
	ModuleName = "Remote Input Mapper"

	exitCommandTimeout = 10 * time.Second
)

type Module struct {
	cfg    *config.Config
	bus    events.EventBus
	clock  clockwork.Clock
	logger hclog.Logger

	debounce *Debouncer
	mapper   *Mapper
	keyCodes *KeyCodeSource
	keys     *KeySource
	remote   *MQTTRemote
	mqttErr  error
}

func NewModule(cfg *config.Config, bus events.EventBus, clock clockwork.Clock, logger hclog.Logger) *Module {
	return &Module{cfg: cfg, bus: bus, clock: clock, logger: logger}
}

func (m *Module) ID() string                { return ModuleID }
func (m *Module) Name() string              { return ModuleName }
func (m *Module) Core() bool                { return true }
func (m *Module) Migrate(db *gorm.DB) error { return nil }

func (m *Module) Init(ctx context.Context) error {
	var exit ExitHook
	if m.cfg.Input.ExitOnReturn {
		exit = CommandExitHook(m.cfg.Input.ExitCommand, exitCommandTimeout)
	}

	m.debounce = NewDebouncer(m.cfg.Input.Debounce, m.clock)
	m.mapper = NewMapper(m.bus, m.debounce, exit, m.logger)
	m.keyCodes = NewKeyCodeSource("remote", m.mapper)
	m.keys = NewKeySource("keyboard", m.mapper)

	if m.cfg.MQTT.Enabled {
		m.remote = NewMQTTRemote(MQTTOptions{
			Broker:       m.cfg.MQTT.Broker,
			ClientID:     m.cfg.MQTT.ClientID,
			Username:     m.cfg.MQTT.Username,
			Password:     m.cfg.MQTT.Password,
			ControlTopic: m.cfg.Topic(m.cfg.MQTT.ControlTopic),
			StatusTopic:  m.cfg.Topic(m.cfg.MQTT.StatusTopic),
			QoS:          byte(m.cfg.MQTT.QoS),
		}, m.mapper, m.bus, m.logger.Named("mqtt"))
		// the remote is optional; local input keeps working without it
		if err := m.remote.Start(context.WithoutCancel(ctx)); err != nil {
			m.mqttErr = err
			m.logger.Warn("mqtt remote unavailable", "broker", m.cfg.MQTT.Broker, "error", err)
		}
	}
	return nil
}

// Mapper returns the shared input consumer. Valid after Init.
func (m *Module) Mapper() *Mapper { return m.mapper }

// SetDebounce applies a reloaded debounce window.
func (m *Module) SetDebounce(window time.Duration) {
	if m.debounce == nil {
		return
	}
	m.debounce.SetWindow(window)
	m.logger.Info("input debounce window changed", "window", m.debounce.Window())
}

// KeyCodes returns the remote key-code producer. Valid after Init.
func (m *Module) KeyCodes() *KeyCodeSource { return m.keyCodes }

// Keys returns the keyboard producer. Valid after Init.
func (m *Module) Keys() *KeySource { return m.keys }

func (m *Module) RegisterRoutes(router *gin.Engine) {
	router.POST("/api/control/:action", m.handleControl)

	api := router.Group("/api/input")
	{
		api.POST("/key", m.handleKey)
		api.GET("/stats", m.handleStats)
	}
}

func (m *Module) Shutdown(ctx context.Context) error {
	if m.remote != nil {
		m.remote.Stop()
	}
	done := make(chan struct{})
	go func() {
		m.mapper.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Module) HealthCheck(ctx context.Context) modulemanager.HealthStatus {
	status := modulemanager.HealthStatus{Status: modulemanager.HealthStateHealthy}
	if m.remote == nil {
		return status
	}
	stats := m.remote.Stats()
	status.Details = map[string]interface{}{"mqtt_connected": stats.Connected}
	if !stats.Connected {
		status.Status = modulemanager.HealthStateDegraded
		status.Message = "mqtt remote disconnected"
		if m.mqttErr != nil {
			status.Message = m.mqttErr.Error()
		}
	}
	return status
}

func (m *Module) handleControl(c *gin.Context) {
	name := c.Param("action")
	switch name {
	case "pause", "resume":
		e := events.NewPauseEvent("api")
		if name == "resume" {
			e = events.NewResumeEvent("api")
		}
		if err := m.bus.Publish(c.Request.Context(), e); err != nil {
			signageerrors.HandleInternalError(c, "Failed to publish event", err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"event": e.Type})
		return
	}

	action, ok := events.ParseControlAction(name)
	if !ok {
		signageerrors.HandleValidationError(c, "Unknown control action", "action")
		return
	}
	m.respondDispatch(c, action, func() (bool, error) {
		return m.mapper.Dispatch(c.Request.Context(), Input{Action: action, Source: "api"})
	})
}

type keyRequest struct {
	Code *int   `json:"code"`
	Key  string `json:"key"`
}

func (m *Module) handleKey(c *gin.Context) {
	var req keyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		signageerrors.HandleValidationError(c, "Invalid key request", "body")
		return
	}

	var in Input
	var ok bool
	switch {
	case req.Code != nil:
		in, ok = MapKeyCode(*req.Code)
	case req.Key != "":
		in, ok = MapKey(req.Key)
	default:
		signageerrors.HandleValidationError(c, "Either code or key is required", "code")
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"mapped": false})
		return
	}

	m.respondDispatch(c, in.Action, func() (bool, error) {
		if req.Code != nil {
			return m.keyCodes.Press(c.Request.Context(), *req.Code)
		}
		return m.keys.Press(c.Request.Context(), req.Key)
	})
}

func (m *Module) respondDispatch(c *gin.Context, action events.ControlAction, dispatch func() (bool, error)) {
	fired, err := dispatch()
	if err != nil {
		signageerrors.HandleInternalError(c, "Failed to dispatch control action", err)
		return
	}
	status := http.StatusAccepted
	if !fired {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"action": action, "mapped": true, "debounced": !fired})
}

func (m *Module) handleStats(c *gin.Context) {
	resp := gin.H{"mapper": m.mapper.Stats(), "debounce_window": m.mapper.debouncer.Window().String()}
	if m.remote != nil {
		resp["mqtt"] = m.remote.Stats()
	}
	c.JSON(http.StatusOK, resp)
}
