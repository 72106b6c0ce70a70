package devicemodule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	signageerrors "github.com/mantonx/signage/internal/errors"
	"github.com/mantonx/signage/internal/utils"
)

// LoadResult describes where an adopted configuration came from.
type LoadResult struct {
	Config    *DeviceConfig
	FromCache bool
	// FetchErr is the network or parse failure that forced the cache fallback.
	FetchErr error
}

// Loader implements pull-then-cache: fetch the document, adopt it when it
// parses, and fall back to the last persisted document otherwise.
type Loader struct {
	deviceID string
	source   Source
	store    SnapshotStore
	clock    clockwork.Clock
	logger   hclog.Logger

	mu      sync.RWMutex
	current *DeviceConfig
}

// NewLoader validates the device id and returns a loader.
func NewLoader(deviceID string, source Source, store SnapshotStore, clock clockwork.Clock, logger hclog.Logger) (*Loader, error) {
	if !utils.IsValidUUID(deviceID) {
		return nil, signageerrors.NewValidationError("device id must be a UUID", "device.id")
	}
	return &Loader{
		deviceID: deviceID,
		source:   source,
		store:    store,
		clock:    clock,
		logger:   logger,
	}, nil
}

// DeviceID returns the device this loader fetches for.
func (l *Loader) DeviceID() string {
	return l.deviceID
}

// Current returns the last adopted configuration, or nil.
func (l *Loader) Current() *DeviceConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Load fetches and adopts the configuration. A malformed document is never
// persisted. When both the network and the snapshot fail the fetch error is
// returned.
func (l *Loader) Load(ctx context.Context) (*LoadResult, error) {
	cfg, fetchErr := l.fetchAndParse(ctx)
	if fetchErr == nil {
		if err := l.store.Save(cfg.Raw()); err != nil {
			l.logger.Warn("failed to persist configuration snapshot", "error", err)
		}
		l.adopt(cfg)
		l.logger.Info("device configuration fetched", "device_id", l.deviceID, "regions", len(cfg.Channel.Regions))
		return &LoadResult{Config: cfg}, nil
	}

	l.logger.Warn("device configuration unavailable, trying persisted snapshot", "device_id", l.deviceID, "error", fetchErr)

	raw, err := l.store.Load()
	if err != nil {
		if !errors.Is(err, ErrNoSnapshot) {
			l.logger.Error("failed to read configuration snapshot", "error", err)
		}
		return nil, fetchErr
	}

	cached, err := Parse(raw)
	if err != nil {
		l.logger.Error("persisted configuration snapshot is malformed", "error", err)
		return nil, fetchErr
	}

	l.adopt(cached)
	l.logger.Info("offline configuration loaded", "device_id", l.deviceID, "regions", len(cached.Channel.Regions))
	return &LoadResult{Config: cached, FromCache: true, FetchErr: fetchErr}, nil
}

// Watch re-pulls the configuration every interval and calls onChange with
// each newly fetched document whose fingerprint differs from the current
// one. Failed refreshes keep the current configuration. It returns when ctx
// is done; a non-positive interval disables refreshing.
func (l *Loader) Watch(ctx context.Context, interval time.Duration, onChange func(*DeviceConfig)) {
	if interval <= 0 {
		return
	}

	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			cfg, err := l.fetchAndParse(ctx)
			if err != nil {
				l.logger.Warn("configuration refresh failed, keeping current", "error", err)
				continue
			}
			if prev := l.Current(); prev != nil && prev.Fingerprint() == cfg.Fingerprint() {
				continue
			}
			if err := l.store.Save(cfg.Raw()); err != nil {
				l.logger.Warn("failed to persist configuration snapshot", "error", err)
			}
			l.adopt(cfg)
			l.logger.Info("device configuration changed", "fingerprint", utils.TruncateHash(cfg.Fingerprint(), 12))
			onChange(cfg)
		}
	}
}

func (l *Loader) fetchAndParse(ctx context.Context) (*DeviceConfig, error) {
	raw, err := l.source.Fetch(ctx, l.deviceID)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func (l *Loader) adopt(cfg *DeviceConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = cfg
}
