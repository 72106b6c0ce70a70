package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mantonx/signage/internal/modules/modulemanager"
)

const statusTimeout = 3 * time.Second

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)
		api.GET("/modules", s.handleModules)
	}
}

// handleHealth answers 503 only when the bus is down or a module reports
// unhealthy; degraded modules still serve.
func (s *Server) handleHealth(c *gin.Context) {
	code := http.StatusOK
	resp := gin.H{"status": "ok"}

	if s.bus != nil {
		if err := s.bus.Health(); err != nil {
			code = http.StatusServiceUnavailable
			resp["status"] = "unhealthy"
			resp["bus"] = err.Error()
		}
	}

	if s.registry != nil {
		modules := s.registry.HealthCheck(c.Request.Context())
		for id, h := range modules {
			switch h.Status {
			case modulemanager.HealthStateUnhealthy:
				code = http.StatusServiceUnavailable
				resp["status"] = "unhealthy"
			case modulemanager.HealthStateDegraded:
				if resp["status"] == "ok" {
					resp["status"] = "degraded"
				}
			}
			s.logger.Trace("module health", "module", id, "status", h.Status)
		}
		resp["modules"] = modules
	}

	c.JSON(code, resp)
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), statusTimeout)
	defer cancel()

	resp := gin.H{
		"started": s.started,
		"uptime":  s.clock.Since(s.started).Round(time.Second).String(),
	}
	if s.bus != nil {
		resp["bus"] = s.bus.GetStats()
	}
	if s.registry != nil {
		resp["modules"] = s.registry.HealthCheck(ctx)
	}
	if s.system != nil {
		resp["system"] = s.system.Collect(ctx)
	}

	s.mu.RLock()
	sections := make(map[string]StatusFunc, len(s.sections))
	for name, fn := range s.sections {
		sections[name] = fn
	}
	s.mu.RUnlock()

	for name, fn := range sections {
		v, err := fn(ctx)
		if err != nil {
			s.logger.Warn("status section failed", "section", name, "error", err)
			resp[name] = gin.H{"error": err.Error()}
			continue
		}
		resp[name] = v
	}

	c.JSON(http.StatusOK, resp)
}

type moduleInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Core bool   `json:"core"`
}

func (s *Server) handleModules(c *gin.Context) {
	var out []moduleInfo
	if s.registry != nil {
		for _, m := range s.registry.ListModules() {
			out = append(out, moduleInfo{ID: m.ID(), Name: m.Name(), Core: m.Core()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, gin.H{"modules": out, "count": len(out)})
}
