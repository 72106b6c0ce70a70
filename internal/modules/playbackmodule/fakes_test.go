package playbackmodule

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/signage/internal/events"
	"github.com/mantonx/signage/internal/modules/streammodule"
	"github.com/stretchr/testify/require"
)

type fakeRenderer struct {
	mu      sync.Mutex
	layouts []Layout
	renders []RenderRequest
	calls   []string
	tickers []TickerFrame
	audio   []AudioTrack
	stopped int
}

func (r *fakeRenderer) SetLayout(layout Layout) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layouts = append(r.layouts, layout)
}

func (r *fakeRenderer) Render(req RenderRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renders = append(r.renders, req)
}

func (r *fakeRenderer) Clear(regionID string) {
	r.record("clear:%s", regionID)
}

func (r *fakeRenderer) Play(regionID string, token uint64) {
	r.record("play:%s:%d", regionID, token)
}

func (r *fakeRenderer) Pause(regionID string, token uint64) {
	r.record("pause:%s:%d", regionID, token)
}

func (r *fakeRenderer) SetMuted(regionID string, token uint64, muted bool) {
	r.record("muted:%s:%d:%t", regionID, token, muted)
}

func (r *fakeRenderer) ShowTicker(frame TickerFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickers = append(r.tickers, frame)
}

func (r *fakeRenderer) PlayAudio(track AudioTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio = append(r.audio, track)
}

func (r *fakeRenderer) StopAudio() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped++
}

func (r *fakeRenderer) record(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *fakeRenderer) Renders() []RenderRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RenderRequest(nil), r.renders...)
}

// RendersFor returns the renders of one region.
func (r *fakeRenderer) RendersFor(regionID string) []RenderRequest {
	var out []RenderRequest
	for _, req := range r.Renders() {
		if req.Region == regionID {
			out = append(out, req)
		}
	}
	return out
}

func (r *fakeRenderer) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeRenderer) Tickers() []TickerFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TickerFrame(nil), r.tickers...)
}

func (r *fakeRenderer) Audio() ([]AudioTrack, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AudioTrack(nil), r.audio...), r.stopped
}

type fakeStreams struct {
	mu       sync.Mutex
	attached map[string]string
	detaches []string
	fatal    map[string]func(error)
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{attached: make(map[string]string), fatal: make(map[string]func(error))}
}

func (f *fakeStreams) Attach(regionID, rawURL string, onFatal func(error)) (streammodule.AttachMode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached[regionID] = rawURL
	f.fatal[regionID] = onFatal
	return streammodule.ModeNative, nil
}

func (f *fakeStreams) Detach(regionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attached, regionID)
	f.detaches = append(f.detaches, regionID)
}

func (f *fakeStreams) Fail(regionID string, err error) {
	f.mu.Lock()
	fn := f.fatal[regionID]
	f.mu.Unlock()
	fn(err)
}

func (f *fakeStreams) Detaches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.detaches...)
}

func newTestBus(t *testing.T) events.EventBus {
	t.Helper()
	bus := events.NewEventBus(events.DefaultEventBusConfig(), hclog.NewNullLogger())
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
	})
	return bus
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
