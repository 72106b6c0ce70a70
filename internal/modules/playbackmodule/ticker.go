package playbackmodule

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/mantonx/signage/internal/modules/devicemodule"
)

// DefaultTickerSpeed is the scroll speed in pixels per second.
const DefaultTickerSpeed = 50.0

// RotationDuration is how long one ticker entry takes to scroll fully
// across a viewport: its own width plus the viewport width at speed px/s.
func RotationDuration(textWidth, viewportWidth, speed float64) time.Duration {
	if speed <= 0 {
		speed = DefaultTickerSpeed
	}
	if textWidth < 0 {
		textWidth = 0
	}
	if viewportWidth < 0 {
		viewportWidth = 0
	}
	return time.Duration((textWidth + viewportWidth) / speed * float64(time.Second))
}

// TickerRotator cycles ticker entries. Each entry is shown until the
// display reports its measured width, then scrolls for its rotation
// duration before the next one is shown.
type TickerRotator struct {
	renderer Renderer
	clock    clockwork.Clock
	logger   hclog.Logger

	mu      sync.Mutex
	tickers []devicemodule.Ticker
	index   int
	gen     uint64
	timer   clockwork.Timer
}

func NewTickerRotator(renderer Renderer, clock clockwork.Clock, logger hclog.Logger) *TickerRotator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TickerRotator{renderer: renderer, clock: clock, logger: logger}
}

// SetTickers replaces the rotation and shows the first entry. An empty
// list hides the ticker bar.
func (t *TickerRotator) SetTickers(tickers []devicemodule.Ticker) {
	t.mu.Lock()
	t.stopLocked()
	t.tickers = append([]devicemodule.Ticker(nil), tickers...)
	t.index = 0
	t.gen++
	frame := t.frameLocked()
	t.mu.Unlock()

	t.renderer.ShowTicker(frame)
}

// Measured arms the rotation for the frame shown under gen. Reports for an
// older frame are ignored. A single ticker scrolls forever and is never
// rotated.
func (t *TickerRotator) Measured(gen uint64, textWidth, viewportWidth float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen || len(t.tickers) <= 1 {
		return
	}
	d := RotationDuration(textWidth, viewportWidth, t.tickers[t.index].Speed)
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clock.AfterFunc(d, func() { t.rotate(gen) })
	t.logger.Trace("ticker rotation armed", "index", t.index, "after", d)
}

func (t *TickerRotator) rotate(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || len(t.tickers) == 0 {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.index = (t.index + 1) % len(t.tickers)
	t.gen++
	frame := t.frameLocked()
	t.mu.Unlock()

	t.renderer.ShowTicker(frame)
}

// Current returns the frame on screen.
func (t *TickerRotator) Current() TickerFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameLocked()
}

// Stop cancels any pending rotation.
func (t *TickerRotator) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.gen++
}

func (t *TickerRotator) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *TickerRotator) frameLocked() TickerFrame {
	if len(t.tickers) == 0 {
		return TickerFrame{Gen: t.gen}
	}
	return TickerFrame{Gen: t.gen, Index: t.index, Visible: true, Ticker: t.tickers[t.index]}
}
