package playbackmodule

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// singleTimer is a restartable one-shot timer owned by one goroutine. Reset
// always cancels the previous arming; a fire from a cancelled arming is
// recognised by its generation and discarded.
type singleTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
	gen   uint64
}

func newSingleTimer(clock clockwork.Clock) singleTimer {
	return singleTimer{clock: clock}
}

// Reset arms the timer for d. fire runs on the clock's goroutine with the
// arming's generation.
func (t *singleTimer) Reset(d time.Duration, fire func(gen uint64)) {
	t.Stop()
	gen := t.gen
	t.timer = t.clock.AfterFunc(d, func() { fire(gen) })
}

// Stop disarms the timer. Fires already in flight become stale.
func (t *singleTimer) Stop() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *singleTimer) Armed() bool {
	return t.timer != nil
}

// Fired consumes a fire and reports whether it belongs to the current arming.
func (t *singleTimer) Fired(gen uint64) bool {
	if t.timer == nil || gen != t.gen {
		return false
	}
	t.timer = nil
	return true
}
