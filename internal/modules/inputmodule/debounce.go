package inputmodule

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultDebounceWindow suppresses the duplicate a second input source
// reports for the same physical press.
const DefaultDebounceWindow = 100 * time.Millisecond

// Debouncer lets the first call in a window through and drops every other
// call until the window has elapsed. Dropped calls are not queued and do
// not extend the window.
type Debouncer struct {
	clock  clockwork.Clock
	window time.Duration

	mu     sync.Mutex
	last   time.Time
	primed bool
}

func NewDebouncer(window time.Duration, clock clockwork.Clock) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Debouncer{clock: clock, window: window}
}

// Allow reports whether a call arriving now may fire.
func (d *Debouncer) Allow() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if d.primed && now.Sub(d.last) < d.window {
		return false
	}
	d.last = now
	d.primed = true
	return true
}

func (d *Debouncer) Window() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.window
}

// SetWindow changes the window for calls from now on. Non-positive values
// restore the default.
func (d *Debouncer) SetWindow(window time.Duration) {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = window
}
