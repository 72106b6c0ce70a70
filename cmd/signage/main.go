package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mantonx/signage/internal/config"
	"github.com/mantonx/signage/internal/database"
	"github.com/mantonx/signage/internal/events"
	"github.com/mantonx/signage/internal/logger"
	"github.com/mantonx/signage/internal/modules/cachemodule"
	"github.com/mantonx/signage/internal/modules/devicemodule"
	"github.com/mantonx/signage/internal/modules/displaymodule"
	"github.com/mantonx/signage/internal/modules/inputmodule"
	"github.com/mantonx/signage/internal/modules/modulemanager"
	"github.com/mantonx/signage/internal/modules/playbackmodule"
	"github.com/mantonx/signage/internal/modules/streammodule"
	"github.com/mantonx/signage/internal/server"
)

const (
	shutdownTimeout   = 10 * time.Second
	configReloadDelay = 500 * time.Millisecond
	defaultConfigPath = "./signage.yaml"
)

func main() {
	configPath := flag.String("config", os.Getenv("SIGNAGE_CONFIG_PATH"), "path to the application config file")
	flag.Parse()

	if *configPath == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			*configPath = defaultConfigPath
		}
	}

	if err := config.Load(*configPath); err != nil {
		logger.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	cfg := config.Get()
	logger.Configure(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.Named("signage")
	log.Info("starting signage player", "device", cfg.Device.ID, "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(cfg.Database, log.Named("database"))
	if err != nil {
		log.Error("failed to open cache index", "error", err)
		os.Exit(1)
	}

	bus := events.NewEventBus(events.DefaultEventBusConfig(), log.Named("bus"))
	if err := bus.Start(ctx); err != nil {
		log.Error("failed to start event bus", "error", err)
		os.Exit(1)
	}

	clock := clockwork.NewRealClock()

	display := displaymodule.NewModule(log.Named("display"))
	stream := streammodule.NewModule(display.Hub(), log.Named("stream"))
	device := devicemodule.NewModule(cfg.Device, nil, clock, log.Named("device"))
	cache := cachemodule.NewModule(cfg.Cache, func() *devicemodule.DeviceConfig {
		if l := device.Loader(); l != nil {
			return l.Current()
		}
		return nil
	}, log.Named("cache"))
	playback := playbackmodule.NewModule(playbackmodule.Options{
		WarmUpTimeout: cfg.Device.WarmUpTimeout,
		Prime:         cfg.Cache.Enabled && cfg.Cache.Prefetch,
	}, bus, display.Hub(), device, cache, stream, clock, log.Named("playback"))
	input := inputmodule.NewModule(cfg, bus, clock, log.Named("input"))

	registry := modulemanager.NewRegistry(log.Named("modules"))
	for _, m := range []modulemanager.Module{display, stream, device, cache, playback, input} {
		registry.Register(m)
	}
	if err := registry.LoadAll(ctx, db); err != nil {
		log.Error("failed to load modules", "error", err)
		os.Exit(1)
	}

	bus.OnBack(func(e events.Event) {
		log.Info("session exit requested", "source", e.Source)
		if err := playback.Exit(ctx); err != nil {
			log.Warn("playback did not stop cleanly", "error", err)
		}
	})

	display.Hub().SetPlayback(playback.Player())
	display.Hub().SetInput(input.KeyCodes(), input.Keys())

	config.AddWatcher(func(oldConfig, newConfig *config.Config) {
		if oldConfig.Logging.Level != newConfig.Logging.Level {
			logger.SetLevel(newConfig.Logging.Level)
		}
		if oldConfig.Input.Debounce != newConfig.Input.Debounce {
			input.SetDebounce(newConfig.Input.Debounce)
		}
	})
	var watcher *config.FileWatcher
	if *configPath != "" {
		watcher = config.NewFileWatcher(config.GetConfigManager(), log.Named("config"), configReloadDelay)
		if err := watcher.Start(ctx); err != nil {
			log.Warn("config hot reload disabled", "error", err)
			watcher = nil
		}
	}

	srv := server.New(cfg.Server, registry, bus, server.NewSystemStats(cfg.Cache.Dir, log.Named("system")), clock, log.Named("http"))
	srv.AddStatus("regions", func(ctx context.Context) (interface{}, error) {
		return playback.Player().Snapshot(ctx)
	})
	if err := srv.Start(); err != nil {
		log.Error("failed to start http server", "error", err)
		os.Exit(1)
	}

	go func() {
		if _, err := device.Refresh(ctx); err != nil {
			log.Error("no configuration available yet", "error", err)
		}
		device.Watch(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("shutting down", "signal", sig.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", "error", err)
	}
	if watcher != nil {
		watcher.Stop()
	}
	if err := registry.ShutdownAll(shutdownCtx); err != nil {
		log.Warn("module shutdown error", "error", err)
	}
	if err := bus.Stop(shutdownCtx); err != nil {
		log.Warn("event bus shutdown error", "error", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info("shutdown complete")
}
