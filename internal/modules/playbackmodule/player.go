package playbackmodule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/mantonx/signage/internal/events"
	"github.com/mantonx/signage/internal/modules/devicemodule"
)

// PlayerDeps are the collaborators shared by every region.
type PlayerDeps struct {
	Bus      events.EventBus
	Renderer Renderer
	URLs     URLResolver
	Streams  StreamAttacher
	Audio    AudioSource
	Clock    clockwork.Clock
	Hooks    Hooks
	Logger   hclog.Logger
}

type regionEntry struct {
	scheduler *Scheduler
	signature string
}

// Player runs one Scheduler per configured region plus the ticker and the
// background track.
type Player struct {
	deps   PlayerDeps
	logger hclog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	ticker *TickerRotator
	audio  *BackgroundAudio

	applyMu sync.Mutex
	mu      sync.RWMutex
	regions map[string]*regionEntry
	config  *devicemodule.DeviceConfig
}

func NewPlayer(deps PlayerDeps) *Player {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = hclog.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	logger := deps.Logger.Named("player")
	return &Player{
		deps:    deps,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		ticker:  NewTickerRotator(deps.Renderer, deps.Clock, logger.Named("ticker")),
		audio:   NewBackgroundAudio(deps.Renderer, deps.Audio, logger.Named("audio")),
		regions: make(map[string]*regionEntry),
	}
}

// Apply switches playback to cfg. Regions whose definition and settings are
// unchanged keep playing undisturbed; changed regions restart from their
// first item and removed regions are stopped. Regions created while a
// global pause is in effect start paused.
func (p *Player) Apply(ctx context.Context, cfg *devicemodule.DeviceConfig) error {
	if cfg == nil {
		return errors.New("player: nil config")
	}
	if p.ctx.Err() != nil {
		return errors.New("player: stopped")
	}

	p.applyMu.Lock()
	defer p.applyMu.Unlock()

	p.deps.Renderer.SetLayout(Layout{GridX: cfg.Channel.GridX, GridY: cfg.Channel.GridY, DeviceName: cfg.DeviceName()})

	p.mu.RLock()
	current := make(map[string]*regionEntry, len(p.regions))
	for id, e := range p.regions {
		current[id] = e
	}
	p.mu.RUnlock()
	paused := p.deps.Bus.Paused()

	next := make(map[string]*regionEntry, len(cfg.Channel.Regions))
	var errs []error
	kept, started := 0, 0

	for _, region := range cfg.Channel.Regions {
		sig := regionSignature(region, cfg.Settings)
		if old, ok := current[region.ID]; ok {
			delete(current, region.ID)
			if old.signature == sig {
				next[region.ID] = old
				kept++
				continue
			}
			if err := old.scheduler.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop region %s: %w", region.ID, err))
			}
		}

		s := NewScheduler(SchedulerConfig{
			Region:         region,
			Settings:       cfg.Settings,
			Bus:            p.deps.Bus,
			Renderer:       p.deps.Renderer,
			URLs:           p.deps.URLs,
			Streams:        p.deps.Streams,
			Clock:          p.deps.Clock,
			Hooks:          p.deps.Hooks,
			Logger:         p.logger,
			GloballyPaused: paused,
		})
		if err := s.Start(p.ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		next[region.ID] = &regionEntry{scheduler: s, signature: sig}
		started++
	}

	for id, old := range current {
		if err := old.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop region %s: %w", id, err))
		}
	}

	p.mu.Lock()
	p.regions = next
	p.config = cfg
	p.mu.Unlock()

	p.ticker.SetTickers(cfg.Channel.Tickers)
	p.audio.Play(p.ctx, cfg.BackgroundMusicURL())

	p.logger.Info("configuration applied", "fingerprint", cfg.Fingerprint(), "regions", len(next), "kept", kept, "started", started, "removed", len(current))
	return errors.Join(errs...)
}

// regionSignature identifies everything a region's playback depends on.
func regionSignature(region devicemodule.Region, settings devicemodule.Settings) string {
	b, err := json.Marshal(struct {
		Region   devicemodule.Region   `json:"region"`
		Settings devicemodule.Settings `json:"settings"`
	}{region, settings})
	if err != nil {
		return ""
	}
	return string(b)
}

func (p *Player) scheduler(regionID string) (*Scheduler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.regions[regionID]
	if !ok {
		return nil, false
	}
	return e.scheduler, true
}

// MediaLoaded forwards a loaded report to the region.
func (p *Player) MediaLoaded(regionID string, token uint64) {
	if s, ok := p.scheduler(regionID); ok {
		s.MediaLoaded(token)
	}
}

// MediaEnded forwards an ended report to the region.
func (p *Player) MediaEnded(regionID string, token uint64) {
	if s, ok := p.scheduler(regionID); ok {
		s.MediaEnded(token)
	}
}

// MediaFailed forwards a failure report to the region.
func (p *Player) MediaFailed(regionID string, token uint64, err error) {
	if s, ok := p.scheduler(regionID); ok {
		s.MediaFailed(token, err)
	}
}

// TickerMeasured forwards the display's measurement of a ticker frame.
func (p *Player) TickerMeasured(gen uint64, textWidth, viewportWidth float64) {
	p.ticker.Measured(gen, textWidth, viewportWidth)
}

// Config returns the applied configuration.
func (p *Player) Config() *devicemodule.DeviceConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

// Paused reports whether a global pause is in effect.
func (p *Player) Paused() bool {
	return p.deps.Bus.Paused()
}

// Ticker returns the frame currently on screen.
func (p *Player) Ticker() TickerFrame {
	return p.ticker.Current()
}

// Audio returns the background track, if one is playing.
func (p *Player) Audio() (AudioTrack, bool) {
	return p.audio.Current()
}

// Snapshot returns every region's state ordered by region id.
func (p *Player) Snapshot(ctx context.Context) ([]RegionSnapshot, error) {
	p.mu.RLock()
	schedulers := make([]*Scheduler, 0, len(p.regions))
	for _, e := range p.regions {
		schedulers = append(schedulers, e.scheduler)
	}
	p.mu.RUnlock()

	sort.Slice(schedulers, func(i, j int) bool { return schedulers[i].ID() < schedulers[j].ID() })

	out := make([]RegionSnapshot, 0, len(schedulers))
	for _, s := range schedulers {
		snap, err := s.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// Clear stops every region, hides the ticker and stops the background
// track. The player stays usable and the next Apply starts from scratch.
func (p *Player) Clear(ctx context.Context) error {
	if p.ctx.Err() != nil {
		return errors.New("player: stopped")
	}

	p.applyMu.Lock()
	defer p.applyMu.Unlock()

	n, err := p.stopRegions(ctx)
	p.mu.Lock()
	p.config = nil
	p.mu.Unlock()

	p.ticker.SetTickers(nil)
	p.audio.Play(p.ctx, "")

	p.logger.Info("player cleared", "regions", n)
	return err
}

// Stop stops every region, the ticker and the background track.
func (p *Player) Stop(ctx context.Context) error {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()

	n, err := p.stopRegions(ctx)

	p.ticker.Stop()
	p.audio.Play(p.ctx, "")
	p.cancel()
	p.audio.Wait()

	p.logger.Info("player stopped", "regions", n)
	return err
}

func (p *Player) stopRegions(ctx context.Context) (int, error) {
	p.mu.Lock()
	regions := p.regions
	p.regions = make(map[string]*regionEntry)
	p.mu.Unlock()

	var errs []error
	for id, e := range regions {
		if err := e.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop region %s: %w", id, err))
		}
	}
	return len(regions), errors.Join(errs...)
}
