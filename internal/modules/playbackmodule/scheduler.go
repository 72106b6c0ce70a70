package playbackmodule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	signageerrors "github.com/mantonx/signage/internal/errors"
	"github.com/mantonx/signage/internal/events"
	"github.com/mantonx/signage/internal/modules/devicemodule"
	"github.com/mantonx/signage/internal/modules/streammodule"
)

// Region states.
const (
	StateIdle    = "idle"
	StateShowing = "showing"
	StateStopped = "stopped"
)

type eventKind int

const (
	evControl eventKind = iota
	evPause
	evResume
	evLoaded
	evEnded
	evError
	evAdvanceTimer
	evUnmuteTimer
	evSnapshot
	evStop
)

type schedulerEvent struct {
	kind   eventKind
	action events.ControlAction
	token  uint64
	gen    uint64
	err    error
	reply  chan RegionSnapshot
}

// RegionSnapshot is a point-in-time view of one region.
type RegionSnapshot struct {
	Region         string             `json:"region"`
	State          string             `json:"state"`
	Index          int                `json:"index"`
	Items          int                `json:"items"`
	Item           *devicemodule.Item `json:"item,omitempty"`
	Token          uint64             `json:"token"`
	ManuallyPaused bool               `json:"manually_paused"`
	GloballyPaused bool               `json:"globally_paused"`
	TimerArmed     bool               `json:"timer_armed"`
	Stream         string             `json:"stream,omitempty"`
}

// SchedulerConfig carries a region's collaborators.
type SchedulerConfig struct {
	Region   devicemodule.Region
	Settings devicemodule.Settings
	Bus      events.EventBus
	Renderer Renderer
	URLs     URLResolver
	Streams  StreamAttacher
	Clock    clockwork.Clock
	Hooks    Hooks
	Logger   hclog.Logger
	// GloballyPaused starts the region paused, for regions created while a
	// global pause is in effect.
	GloballyPaused bool
}

// Scheduler runs one region's playlist. All state below the channel fields
// is owned by the run goroutine; everything else talks to it through
// events.
type Scheduler struct {
	cfg    SchedulerConfig
	id     string
	logger hclog.Logger

	events   chan schedulerEvent
	stopped  chan struct{}
	stopOnce sync.Once
	started  bool
	sub      *events.Subscription

	cursor          Cursor
	token           uint64
	manuallyPaused  bool
	globallyPaused  bool
	videoPlaying    bool
	loaded          bool
	failed          bool
	unmuteAttempted bool
	unmutePending   bool
	stream          streammodule.AttachMode
	advance         singleTimer
	unmute          singleTimer
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.URLs == nil {
		cfg.URLs = passthroughURLs{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		cfg:            cfg,
		id:             cfg.Region.ID,
		logger:         cfg.Logger.With("region", cfg.Region.ID),
		events:         make(chan schedulerEvent, 32),
		stopped:        make(chan struct{}),
		cursor:         NewCursor(len(cfg.Region.Playlist)),
		globallyPaused: cfg.GloballyPaused,
		advance:        newSingleTimer(cfg.Clock),
		unmute:         newSingleTimer(cfg.Clock),
	}
}

// ID returns the region id.
func (s *Scheduler) ID() string {
	return s.id
}

// Start shows the first item and begins reacting to bus events. A region
// with an empty playlist stays idle: nothing is rendered, nothing is
// scheduled and no subscription is made.
func (s *Scheduler) Start(ctx context.Context) error {
	if len(s.cfg.Region.Playlist) == 0 {
		s.logger.Debug("empty playlist, region idle")
		s.cfg.Renderer.Clear(s.id)
		return nil
	}

	sub, err := s.cfg.Bus.Subscribe(ctx, "region:"+s.id, events.SchedulerEvents, s.onBusEvent)
	if err != nil {
		return fmt.Errorf("region %s: subscribe: %w", s.id, err)
	}
	s.sub = sub
	s.started = true

	go s.run()
	return nil
}

// Stop unsubscribes, cancels timers, detaches any stream and waits for the
// region goroutine to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.started {
		return nil
	}
	s.stopOnce.Do(func() {
		if err := s.cfg.Bus.Unsubscribe(s.sub.ID); err != nil {
			s.logger.Debug("subscription already gone", "error", err)
		}
		s.send(schedulerEvent{kind: evStop})
	})

	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the region's current state.
func (s *Scheduler) Snapshot(ctx context.Context) (RegionSnapshot, error) {
	if !s.started {
		return RegionSnapshot{Region: s.id, State: StateIdle}, nil
	}

	reply := make(chan RegionSnapshot, 1)
	if !s.send(schedulerEvent{kind: evSnapshot, reply: reply}) {
		return RegionSnapshot{Region: s.id, State: StateStopped, Items: len(s.cfg.Region.Playlist)}, nil
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-s.stopped:
		return RegionSnapshot{Region: s.id, State: StateStopped, Items: len(s.cfg.Region.Playlist)}, nil
	case <-ctx.Done():
		return RegionSnapshot{}, ctx.Err()
	}
}

// MediaLoaded reports the display finished loading the item shown under token.
func (s *Scheduler) MediaLoaded(token uint64) {
	s.send(schedulerEvent{kind: evLoaded, token: token})
}

// MediaEnded reports the video shown under token played to its end.
func (s *Scheduler) MediaEnded(token uint64) {
	s.send(schedulerEvent{kind: evEnded, token: token})
}

// MediaFailed reports the item shown under token failed to load or play.
func (s *Scheduler) MediaFailed(token uint64, err error) {
	s.send(schedulerEvent{kind: evError, token: token, err: err})
}

// send delivers ev unless the region goroutine has exited.
func (s *Scheduler) send(ev schedulerEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stopped:
		return false
	}
}

func (s *Scheduler) onBusEvent(e events.Event) error {
	switch e.Type {
	case events.EventGlobalPause:
		s.send(schedulerEvent{kind: evPause})
	case events.EventGlobalResume:
		s.send(schedulerEvent{kind: evResume})
	default:
		if action, ok := e.Type.Action(); ok {
			s.send(schedulerEvent{kind: evControl, action: action})
		}
	}
	return nil
}

func (s *Scheduler) run() {
	defer close(s.stopped)

	s.activate()
	for ev := range s.events {
		if ev.kind == evStop {
			s.deactivate()
			s.cfg.Renderer.Clear(s.id)
			s.logger.Debug("region stopped")
			return
		}
		s.handle(ev)
	}
}

func (s *Scheduler) handle(ev schedulerEvent) {
	switch ev.kind {
	case evControl:
		s.onControl(ev.action)
	case evPause:
		s.onGlobalPause()
	case evResume:
		s.onGlobalResume()
	case evLoaded:
		if ev.token == s.token {
			s.onLoaded()
		}
	case evEnded:
		if ev.token == s.token {
			s.onEnded()
		}
	case evError:
		if ev.token == s.token {
			s.onError(ev.err)
		}
	case evAdvanceTimer:
		if s.advance.Fired(ev.gen) {
			s.step(s.cursor.Next)
		}
	case evUnmuteTimer:
		if s.unmute.Fired(ev.gen) {
			s.onUnmute()
		}
	case evSnapshot:
		ev.reply <- s.snapshot()
	}
}

func (s *Scheduler) current() devicemodule.Item {
	return s.cfg.Region.Playlist[s.cursor.Index()]
}

// activate shows the current item under a fresh token and arms its timer.
func (s *Scheduler) activate() {
	s.token++
	s.manuallyPaused = false
	s.loaded = false
	s.failed = false
	s.unmuteAttempted = false
	s.unmutePending = false
	s.stream = ""
	s.advance.Stop()
	s.unmute.Stop()

	item := s.current()
	token := s.token
	req := RenderRequest{
		Region:     s.id,
		Token:      token,
		Item:       item,
		Grid:       s.cfg.Region.Grid,
		Fit:        FitContain,
		Muted:      true,
		Autoplay:   !s.globallyPaused,
		Angle:      s.cfg.Region.Angle,
		Transition: s.cfg.Region.Transition,
	}
	if s.cfg.Settings.Stretching {
		req.Fit = FitFill
	}

	switch {
	case item.Type == devicemodule.ItemHTML:
	case streammodule.IsStream(item.Type, item.URL) && s.cfg.Streams != nil:
		req.URL = item.URL
		mode, err := s.cfg.Streams.Attach(s.id, item.URL, func(err error) {
			s.MediaFailed(token, err)
		})
		if err != nil {
			s.logger.Warn("stream attach failed", "url", item.URL, "error", err)
			s.failed = true
		} else {
			s.stream = mode
			req.Stream = mode
		}
	case item.Type == devicemodule.ItemImage || item.UsesVideoElement():
		req.URL = s.cfg.URLs.URLFor(item.URL)
	default:
		req.URL = item.URL
	}

	s.cfg.Renderer.Render(req)
	s.videoPlaying = item.UsesVideoElement() && !s.globallyPaused
	s.logger.Debug("item activated", "index", s.cursor.Index(), "type", item.Type, "token", token)

	if s.cfg.Hooks.OnActivate != nil {
		s.cfg.Hooks.OnActivate(s.id, s.cursor.Index(), item)
	}

	if s.failed {
		s.armError()
		return
	}
	if s.globallyPaused || armsOnLoad(item) {
		return
	}
	if d, ok := ItemDuration(item, s.cfg.Settings); ok {
		s.armAdvance(d)
	}
}

// deactivate releases everything bound to the current item.
func (s *Scheduler) deactivate() {
	s.advance.Stop()
	s.unmute.Stop()
	if s.stream != "" {
		s.cfg.Streams.Detach(s.id)
		s.stream = ""
	}
	if s.cfg.Hooks.OnDeactivate != nil {
		s.cfg.Hooks.OnDeactivate(s.id, s.cursor.Index(), s.current())
	}
}

// step moves the cursor with move and re-activates when it moved.
func (s *Scheduler) step(move func() bool) {
	prev := s.cursor
	if !move() {
		return
	}
	next := s.cursor
	s.cursor = prev
	s.deactivate()
	s.cursor = next
	s.activate()
}

func (s *Scheduler) armAdvance(d time.Duration) {
	s.advance.Reset(d, func(gen uint64) {
		s.send(schedulerEvent{kind: evAdvanceTimer, gen: gen})
	})
}

func (s *Scheduler) armError() {
	s.armAdvance(ErrorAdvanceDelay)
}

func (s *Scheduler) onControl(action events.ControlAction) {
	switch action {
	case events.ActionNext:
		s.step(s.cursor.Next)
	case events.ActionPrev:
		s.step(s.cursor.Prev)
	case events.ActionTogglePlay:
		s.togglePlay()
	}
}

// togglePlay pauses or resumes the current item. Videos toggle the element;
// everything else toggles the advance timer and resumes with the full
// duration, or the error delay for a failed item.
func (s *Scheduler) togglePlay() {
	item := s.current()
	s.manuallyPaused = !s.manuallyPaused

	if item.UsesVideoElement() {
		if s.globallyPaused {
			return
		}
		if s.manuallyPaused {
			s.cfg.Renderer.Pause(s.id, s.token)
			s.videoPlaying = false
		} else {
			s.cfg.Renderer.Play(s.id, s.token)
			s.videoPlaying = true
		}
		return
	}

	if s.manuallyPaused {
		s.advance.Stop()
		return
	}
	if s.globallyPaused {
		return
	}
	if s.failed {
		s.armError()
		return
	}
	if armsOnLoad(item) && !s.loaded {
		return
	}
	if d, ok := ItemDuration(item, s.cfg.Settings); ok {
		s.armAdvance(d)
	}
}

func (s *Scheduler) onGlobalPause() {
	if s.globallyPaused {
		return
	}
	s.globallyPaused = true
	s.advance.Stop()
	if s.unmute.Armed() {
		s.unmute.Stop()
		s.unmutePending = true
	}
	if s.videoPlaying {
		s.cfg.Renderer.Pause(s.id, s.token)
		s.videoPlaying = false
	}
}

func (s *Scheduler) onGlobalResume() {
	if !s.globallyPaused {
		return
	}
	s.globallyPaused = false
	item := s.current()

	if s.failed {
		s.armError()
		return
	}

	if item.UsesVideoElement() {
		if !s.manuallyPaused {
			s.cfg.Renderer.Play(s.id, s.token)
			s.videoPlaying = true
		}
		if s.unmutePending {
			s.unmutePending = false
			s.armUnmute()
		}
		if s.manuallyPaused {
			return
		}
		if d, ok := ItemDuration(item, s.cfg.Settings); ok {
			s.armAdvance(d)
		}
		return
	}

	if s.manuallyPaused || (armsOnLoad(item) && !s.loaded) {
		return
	}
	if d, ok := ItemDuration(item, s.cfg.Settings); ok {
		s.armAdvance(d)
	}
}

func (s *Scheduler) onLoaded() {
	if s.loaded {
		return
	}
	s.loaded = true
	item := s.current()

	if armsOnLoad(item) && !s.manuallyPaused && !s.globallyPaused && !s.failed {
		if d, ok := ItemDuration(item, s.cfg.Settings); ok {
			s.armAdvance(d)
		}
	}

	if item.UsesVideoElement() && s.wantsSound(item) && !s.unmuteAttempted {
		s.unmuteAttempted = true
		if s.globallyPaused {
			s.unmutePending = true
			return
		}
		s.armUnmute()
	}
}

func (s *Scheduler) armUnmute() {
	s.unmute.Reset(UnmuteDelay, func(gen uint64) {
		s.send(schedulerEvent{kind: evUnmuteTimer, gen: gen})
	})
}

func (s *Scheduler) onUnmute() {
	s.cfg.Renderer.SetMuted(s.id, s.token, false)
	if !s.manuallyPaused && !s.globallyPaused {
		s.cfg.Renderer.Play(s.id, s.token)
		s.videoPlaying = true
	}
}

// onEnded advances past a finished video. A single-item playlist replays
// its video instead.
func (s *Scheduler) onEnded() {
	if len(s.cfg.Region.Playlist) > 1 {
		s.step(s.cursor.Next)
		return
	}
	if s.globallyPaused || s.manuallyPaused {
		return
	}
	s.deactivate()
	s.activate()
}

// onError schedules an advance shortly after a media failure; a failing
// item never stalls the region for its full duration.
func (s *Scheduler) onError(cause error) {
	if s.failed {
		return
	}
	s.failed = true
	if cause == nil {
		cause = errors.New("media error")
	}
	err := signageerrors.NewMediaLoadError(s.id, s.current().URL, cause)
	s.logger.Warn("media failed, advancing", "index", s.cursor.Index(), "error", err)

	if s.stream != "" {
		s.cfg.Streams.Detach(s.id)
		s.stream = ""
	}
	s.unmute.Stop()
	s.unmutePending = false
	if s.globallyPaused {
		return
	}
	s.armError()
}

func (s *Scheduler) wantsSound(item devicemodule.Item) bool {
	if item.Sound != "" || s.cfg.Region.Sound != "" {
		return item.Sound.Unmute() || s.cfg.Region.Sound.Unmute()
	}
	return s.cfg.Settings.Sound.Unmute()
}

func (s *Scheduler) snapshot() RegionSnapshot {
	item := s.current()
	return RegionSnapshot{
		Region:         s.id,
		State:          StateShowing,
		Index:          s.cursor.Index(),
		Items:          len(s.cfg.Region.Playlist),
		Item:           &item,
		Token:          s.token,
		ManuallyPaused: s.manuallyPaused,
		GloballyPaused: s.globallyPaused,
		TimerArmed:     s.advance.Armed(),
		Stream:         string(s.stream),
	}
}
