// Package server runs the local HTTP surface: the module routes, the
// display bridge, health and status.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/mantonx/signage/internal/config"
	signageerrors "github.com/mantonx/signage/internal/errors"
	"github.com/mantonx/signage/internal/events"
	"github.com/mantonx/signage/internal/middleware"
	"github.com/mantonx/signage/internal/modules/modulemanager"
)

// StatusFunc contributes one named section to GET /api/status.
type StatusFunc func(ctx context.Context) (interface{}, error)

type Server struct {
	cfg      config.ServerConfig
	registry *modulemanager.ModuleRegistry
	bus      events.EventBus
	system   *SystemStats
	clock    clockwork.Clock
	logger   hclog.Logger

	router  *gin.Engine
	started time.Time

	mu       sync.RWMutex
	sections map[string]StatusFunc
	http     *http.Server
}

// New builds the router and registers every loaded module's routes.
// The registry must have been loaded.
func New(cfg config.ServerConfig, registry *modulemanager.ModuleRegistry, bus events.EventBus, system *SystemStats, clock clockwork.Clock, logger hclog.Logger) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		system:   system,
		clock:    clock,
		logger:   logger,
		started:  clock.Now(),
		sections: make(map[string]StatusFunc),
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(signageerrors.RecoveryMiddleware(logger))
	router.Use(middleware.ErrorLogger(logger))
	router.Use(middleware.RequestLogger(logger))
	if cfg.EnableCORS {
		router.Use(middleware.CORS())
	}
	s.router = router

	s.setupRoutes()
	if registry != nil {
		registry.RegisterRoutes(router)
	}
	return s
}

// Router exposes the engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// AddStatus adds a section to the status report.
func (s *Server) AddStatus(name string, fn StatusFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sections[name] = fn
}

func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Start listens in the background. Listen errors after startup are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Addr(), err)
	}

	srv := &http.Server{
		Handler:     s.router,
		ReadTimeout: s.cfg.ReadTimeout,
		// The display bridge holds its connection open; per-message write
		// deadlines are set by the hub.
		WriteTimeout: 0,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}()

	s.logger.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.http
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
