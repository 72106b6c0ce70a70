package streammodule

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"
)

const (
	ModuleID   = "system.stream"
	ModuleName = "Streaming Resolver"
)

type Module struct {
	platform Platform
	logger   hclog.Logger
	resolver *Resolver
}

// NewModule creates the module. The resolver exists from construction so
// dependents can take it before Init.
func NewModule(platform Platform, logger hclog.Logger) *Module {
	return &Module{
		platform: platform,
		logger:   logger,
		resolver: NewResolver(platform, logger),
	}
}

func (m *Module) ID() string                     { return ModuleID }
func (m *Module) Name() string                   { return ModuleName }
func (m *Module) Core() bool                     { return true }
func (m *Module) Migrate(db *gorm.DB) error      { return nil }
func (m *Module) Init(ctx context.Context) error { return nil }

func (m *Module) Resolver() *Resolver {
	return m.resolver
}

func (m *Module) Shutdown(ctx context.Context) error {
	m.resolver.DetachAll()
	return nil
}
