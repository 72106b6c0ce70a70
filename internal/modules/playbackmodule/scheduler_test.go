package playbackmodule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/mantonx/signage/internal/events"
	"github.com/mantonx/signage/internal/modules/devicemodule"
	"github.com/mantonx/signage/internal/modules/streammodule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const regionID = "r1"

type schedulerHarness struct {
	t        *testing.T
	s        *Scheduler
	renderer *fakeRenderer
	streams  *fakeStreams
	clock    clockwork.FakeClock
	bus      events.EventBus
}

func newHarness(t *testing.T, settings devicemodule.Settings, items ...devicemodule.Item) *schedulerHarness {
	t.Helper()
	h := &schedulerHarness{
		t:        t,
		renderer: &fakeRenderer{},
		streams:  newFakeStreams(),
		clock:    clockwork.NewFakeClock(),
		bus:      newTestBus(t),
	}
	h.s = NewScheduler(SchedulerConfig{
		Region:   devicemodule.Region{ID: regionID, Playlist: items},
		Settings: settings,
		Bus:      h.bus,
		Renderer: h.renderer,
		Streams:  h.streams,
		Clock:    h.clock,
		Logger:   hclog.NewNullLogger(),
	})
	require.NoError(t, h.s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.s.Stop(ctx)
	})
	return h
}

func (h *schedulerHarness) snapshot() RegionSnapshot {
	h.t.Helper()
	snap, err := h.s.Snapshot(context.Background())
	require.NoError(h.t, err)
	return snap
}

// waitFor polls the region until cond holds.
func (h *schedulerHarness) waitFor(cond func(RegionSnapshot) bool) RegionSnapshot {
	h.t.Helper()
	var snap RegionSnapshot
	require.Eventually(h.t, func() bool {
		snap = h.snapshot()
		return cond(snap)
	}, time.Second, time.Millisecond)
	return snap
}

func (h *schedulerHarness) waitIndex(index int) RegionSnapshot {
	return h.waitFor(func(s RegionSnapshot) bool { return s.Index == index })
}

func (h *schedulerHarness) waitArmed() RegionSnapshot {
	return h.waitFor(func(s RegionSnapshot) bool { return s.TimerArmed })
}

func (h *schedulerHarness) publish(e events.Event) {
	h.t.Helper()
	require.NoError(h.t, h.bus.Publish(context.Background(), e))
}

func image(url string, ms devicemodule.Millis) devicemodule.Item {
	return devicemodule.Item{Type: devicemodule.ItemImage, URL: url, Duration: ms}
}

func video(url string) devicemodule.Item {
	return devicemodule.Item{Type: devicemodule.ItemVideo, URL: url}
}

func TestScheduler_ImagesAdvanceOnTheirOwnDurations(t *testing.T) {
	h := newHarness(t, devicemodule.Settings{},
		image("http://x/a.jpg", 5000),
		image("http://x/b.jpg", 3000),
	)

	snap := h.snapshot()
	assert.Equal(t, 0, snap.Index)
	assert.False(t, snap.TimerArmed, "image timer waits for the loaded callback")

	renders := h.renderer.Renders()
	require.Len(t, renders, 1)
	assert.True(t, renders[0].Muted)
	assert.True(t, renders[0].Autoplay)
	assert.Equal(t, FitContain, renders[0].Fit)

	h.s.MediaLoaded(snap.Token)
	h.waitArmed()

	h.clock.Advance(4999 * time.Millisecond)
	assert.Equal(t, 0, h.snapshot().Index)

	h.clock.Advance(time.Millisecond)
	snap = h.waitIndex(1)
	assert.Equal(t, uint64(2), snap.Token)

	h.s.MediaLoaded(snap.Token)
	h.waitArmed()
	h.clock.Advance(3 * time.Second)
	h.waitIndex(0)

	assert.Len(t, h.renderer.Renders(), 3)
}

func TestScheduler_ImageDurationSettingAppliesWhenItemHasNone(t *testing.T) {
	h := newHarness(t, devicemodule.Settings{ImageDuration: 5000},
		image("http://x/a.jpg", 0),
		image("http://x/b.jpg", 3000),
	)

	h.s.MediaLoaded(h.snapshot().Token)
	h.waitArmed()

	h.clock.Advance(4999 * time.Millisecond)
	assert.Equal(t, 0, h.snapshot().Index)

	h.clock.Advance(time.Millisecond)
	h.waitIndex(1)
}

func TestScheduler_VideoAdvancesOnlyOnEnd(t *testing.T) {
	h := newHarness(t, devicemodule.Settings{},
		video("http://x/a.mp4"),
		image("http://x/b.jpg", 0),
	)

	snap := h.snapshot()
	h.s.MediaLoaded(snap.Token)
	assert.False(t, h.snapshot().TimerArmed)

	h.clock.Advance(time.Hour)
	assert.Equal(t, 0, h.snapshot().Index)

	h.s.MediaEnded(snap.Token)
	h.waitIndex(1)
}

func TestScheduler_VideoDurationSettingCapsVideos(t *testing.T) {
	h := newHarness(t, devicemodule.Settings{VideoDuration: 2000},
		video("http://x/a.mp4"),
		video("http://x/b.mp4"),
	)

	h.waitArmed()
	h.clock.Advance(2 * time.Second)
	h.waitIndex(1)
}

func TestScheduler_SingleVideoReplaysOnEnd(t *testing.T) {
	h := newHarness(t, devicemodule.Settings{}, video("http://x/a.mp4"))

	snap := h.snapshot()
	h.s.MediaEnded(snap.Token)

	snap = h.waitFor(func(s RegionSnapshot) bool { return s.Token == 2 })
	assert.Equal(t, 0, snap.Index)
	assert.Len(t, h.renderer.Renders(), 2)
}

func TestScheduler_StaleTokenIsIgnored(t *testing.T) {
	h := newHarness(t, devicemodule.Settings{},
		video("http://x/a.mp4"),
		video("http://x/b.mp4"),
	)

	h.s.MediaEnded(99)
	h.s.MediaFailed(0, errors.New("late"))
	snap := h.snapshot()
	assert.Equal(t, 0, snap.Index)
	assert.False(t, snap.TimerArmed)
	assert.Len(t, h.renderer.Renders(), 1)
}

func TestScheduler_ErrorAdvancesQuickly(t *testing.T) {
	h := newHarness(t, devicemodule.Settings{ImageDuration: 10000},
		image("http://x/broken.jpg", 0),
		image("http://x/ok.jpg", 0),
	)

	snap := h.snapshot()
	h.s.MediaFailed(snap.Token, errors.New("404"))
	h.waitArmed()

	h.clock.Advance(ErrorAdvanceDelay - time.Millisecond)
	assert.Equal(t, 0, h.snapshot().Index)
	h.clock.Advance(time.Millisecond)
	h.waitIndex(1)
}

func TestScheduler_ErrorOnSingleItemDoesNotMove(t *testing.T) {
	h := newHarness(t, devicemodule.Settings{}, image("http://x/broken.jpg", 0))

	snap := h.snapshot()
	h.s.MediaFailed(snap.Token, errors.New("404"))
	h.waitArmed()
	h.clock.Advance(ErrorAdvanceDelay)

	h.waitFor(func(s RegionSnapshot) bool { return !s.TimerArmed })
	assert.Len(t, h.renderer.Renders(), 1)
}

func TestScheduler_ControlEventsMoveTheCursor(t *testing.T) {
	h := newHarness(t, devicemodule.Settings{},
		image("http://x/a.jpg", 0),
		image("http://x/b.jpg", 0),
		image("http://x/c.jpg", 0),
	)

	h.publish(events.NewControlEvent(events.ActionPrev, "test"))
	h.waitIndex(2)
	h.publish(events.NewControlEvent(events.ActionNext, "test"))
	h.waitIndex(0)
	h.publish(events.NewControlEvent(events.ActionNext, "test"))
	h.waitIndex(1)

	// back is a session exit, never a playlist move
	h.publish(events.NewControlEvent(events.ActionBack, "test"))
	h.publish(events.NewControlEvent(events.ActionNext, "test"))
	h.waitIndex(2)
}

func TestScheduler_TogglePlayOnVideo(t *testing.T) {
	h := newHarness(t, devicemodule.Settings{}, video("http://x/a.mp4"))

	h.publish(events.NewControlEvent(events.ActionTogglePlay, "test"))
	h.waitFor(func(s RegionSnapshot) bool { return s.ManuallyPaused })
	assert.Contains(t, h.renderer.Calls(), "pause:r1:1")

	h.publish(events.NewControlEvent(events.ActionTogglePlay, "test"))
	h.waitFor(func(s RegionSnapshot) bool { return !s.ManuallyPaused })
	assert.Contains(t, h.renderer.Calls(), "play:r1:1")
}

func TestScheduler_TogglePlayOnImageRestartsFullDuration(t *testing.T) {
	h := newHarness(t, devicemodule.Settings{},
		image("http://x/a.jpg", 4000),
		image("http://x/b.jpg", 4000),
	)

	h.s.MediaLoaded(h.snapshot().Token)
	h.waitArmed()
	h.clock.Advance(3 * time.Second)

	h.publish(events.NewControlEvent(events.ActionTogglePlay, "test"))
	h.waitFor(func(s RegionSnapshot) bool { return s.ManuallyPaused && !s.TimerArmed })

	h.clock.Advance(time.Minute)
	assert.Equal(t, 0, h.snapshot().Index)

	h.publish(events.NewControlEvent(events.ActionTogglePlay, "test"))
	h.waitArmed()
	h.clock.Advance(3 * time.Second)
	assert.Equal(t, 0, h.snapshot().Index)
	h.clock.Advance(time.Second)
	h.waitIndex(1)
}

func TestScheduler_TogglePlayOnFailedItemKeepsErrorDelay(t *testing.T) {
	h := newHarness(t, devicemodule.Settings{},
		image("http://x/broken.jpg", 0),
		image("http://x/ok.jpg", 0),
	)

	h.s.MediaFailed(h.snapshot().Token, errors.New("404"))
	h.waitArmed()

	h.publish(events.NewControlEvent(events.ActionTogglePlay, "test"))
	h.waitFor(func(s RegionSnapshot) bool { return s.ManuallyPaused && !s.TimerArmed })

	h.publish(events.NewControlEvent(events.ActionTogglePlay, "test"))
	h.waitFor(func(s RegionSnapshot) bool { return !s.ManuallyPaused && s.TimerArmed })

	h.clock.Advance(ErrorAdvanceDelay - time.Millisecond)
	assert.Equal(t, 0, h.snapshot().Index)
	h.clock.Advance(time.Millisecond)
	h.waitIndex(1)
}

func TestScheduler_ActivationClearsManualPause(t *testing.T) {
	h := newHarness(t, devicemodule.Settings{},
		image("http://x/a.jpg", 0),
		image("http://x/b.jpg", 0),
	)

	h.publish(events.NewControlEvent(events.ActionTogglePlay, "test"))
	h.waitFor(func(s RegionSnapshot) bool { return s.ManuallyPaused })
	h.publish(events.NewControlEvent(events.ActionNext, "test"))

	snap := h.waitIndex(1)
	assert.False(t, snap.ManuallyPaused)
}

func TestScheduler_GlobalPauseAndResume(t *testing.T) {
	h := newHarness(t, devicemodule.Settings{},
		image("http://x/a.jpg", 5000),
		image("http://x/b.jpg", 5000),
	)

	h.s.MediaLoaded(h.snapshot().Token)
	h.waitArmed()

	h.publish(events.NewPauseEvent("test"))
	h.waitFor(func(s RegionSnapshot) bool { return s.GloballyPaused && !s.TimerArmed })

	h.clock.Advance(time.Minute)
	assert.Equal(t, 0, h.snapshot().Index)

	// next still works while paused, but the new item does not start its timer
	h.publish(events.NewControlEvent(events.ActionNext, "test"))
	snap := h.waitIndex(1)
	assert.False(t, snap.TimerArmed)
	last := h.renderer.Renders()[len(h.renderer.Renders())-1]
	assert.False(t, last.Autoplay)

	h.s.MediaLoaded(snap.Token)
	assert.False(t, h.snapshot().TimerArmed)

	h.publish(events.NewResumeEvent("test"))
	h.waitFor(func(s RegionSnapshot) bool { return !s.GloballyPaused && s.TimerArmed })
	h.clock.Advance(5 * time.Second)
	h.waitIndex(0)
}

func TestScheduler_GlobalPauseStopsPlayingVideo(t *testing.T) {
	h := newHarness(t, devicemodule.Settings{}, video("http://x/a.mp4"))

	h.publish(events.NewPauseEvent("test"))
	h.waitFor(func(s RegionSnapshot) bool { return s.GloballyPaused })
	assert.Contains(t, h.renderer.Calls(), "pause:r1:1")

	h.publish(events.NewResumeEvent("test"))
	h.waitFor(func(s RegionSnapshot) bool { return !s.GloballyPaused })
	assert.Contains(t, h.renderer.Calls(), "play:r1:1")
}

func TestScheduler_ManuallyPausedVideoStaysPausedAfterGlobalResume(t *testing.T) {
	h := newHarness(t, devicemodule.Settings{VideoDuration: 2000},
		video("http://x/a.mp4"),
		video("http://x/b.mp4"),
	)
	h.waitArmed()

	h.publish(events.NewControlEvent(events.ActionTogglePlay, "test"))
	h.waitFor(func(s RegionSnapshot) bool { return s.ManuallyPaused })

	h.publish(events.NewPauseEvent("test"))
	h.waitFor(func(s RegionSnapshot) bool { return s.GloballyPaused && !s.TimerArmed })

	h.publish(events.NewResumeEvent("test"))
	snap := h.waitFor(func(s RegionSnapshot) bool { return !s.GloballyPaused })
	assert.True(t, snap.ManuallyPaused)
	assert.False(t, snap.TimerArmed)

	h.clock.Advance(time.Minute)
	assert.Equal(t, 0, h.snapshot().Index)
}

func TestScheduler_PendingPauseReachesNewRegion(t *testing.T) {
	bus := newTestBus(t)
	require.NoError(t, bus.Publish(context.Background(), events.NewPauseEvent("test")))

	clock := clockwork.NewFakeClock()
	s := NewScheduler(SchedulerConfig{
		Region:   devicemodule.Region{ID: regionID, Playlist: []devicemodule.Item{image("http://x/a.jpg", 1000), image("http://x/b.jpg", 1000)}},
		Bus:      bus,
		Renderer: &fakeRenderer{},
		Clock:    clock,
		Logger:   hclog.NewNullLogger(),
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	require.Eventually(t, func() bool {
		snap, err := s.Snapshot(context.Background())
		return err == nil && snap.GloballyPaused
	}, time.Second, time.Millisecond)

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	s.MediaLoaded(snap.Token)
	clock.Advance(time.Minute)

	snap, err = s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Index)
	assert.False(t, snap.TimerArmed)
}

func TestScheduler_ErrorWhilePausedWaitsForResume(t *testing.T) {
	h := newHarness(t, devicemodule.Settings{},
		image("http://x/a.jpg", 0),
		image("http://x/b.jpg", 0),
	)

	h.publish(events.NewPauseEvent("test"))
	h.waitFor(func(s RegionSnapshot) bool { return s.GloballyPaused })

	h.s.MediaFailed(h.snapshot().Token, errors.New("decode"))
	assert.False(t, h.snapshot().TimerArmed)

	h.publish(events.NewResumeEvent("test"))
	h.waitArmed()
	h.clock.Advance(ErrorAdvanceDelay)
	h.waitIndex(1)
}

func TestScheduler_UnmutesOncePerActivation(t *testing.T) {
	item := video("http://x/a.mp4")
	item.Sound = devicemodule.SoundUnmute
	h := newHarness(t, devicemodule.Settings{}, item)

	token := h.snapshot().Token
	h.s.MediaLoaded(token)
	h.s.MediaLoaded(token)
	h.clock.BlockUntil(1)
	h.clock.Advance(UnmuteDelay)

	require.Eventually(t, func() bool {
		return contains(h.renderer.Calls(), "muted:r1:1:false")
	}, time.Second, time.Millisecond)

	n := 0
	for _, c := range h.renderer.Calls() {
		if c == "muted:r1:1:false" {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.Contains(t, h.renderer.Calls(), "play:r1:1")
}

func TestScheduler_SettingsSoundAppliesWhenItemAndRegionAreSilent(t *testing.T) {
	h := newHarness(t, devicemodule.Settings{Sound: devicemodule.SoundUnmute}, video("http://x/a.mp4"))

	h.s.MediaLoaded(h.snapshot().Token)
	h.clock.BlockUntil(1)
	h.clock.Advance(UnmuteDelay)
	require.Eventually(t, func() bool {
		return contains(h.renderer.Calls(), "muted:r1:1:false")
	}, time.Second, time.Millisecond)
}

func TestScheduler_StreamsAttachAndDetach(t *testing.T) {
	h := newHarness(t, devicemodule.Settings{},
		devicemodule.Item{Type: devicemodule.ItemHLS, URL: "http://x/live.m3u8"},
		image("http://x/b.jpg", 0),
	)

	first := h.renderer.Renders()[0]
	assert.Equal(t, streammodule.ModeNative, first.Stream)
	assert.Equal(t, "http://x/live.m3u8", first.URL)
	assert.Equal(t, string(streammodule.ModeNative), h.snapshot().Stream)

	h.streams.Fail(regionID, errors.New("manifest gone"))
	h.waitArmed()
	h.clock.Advance(ErrorAdvanceDelay)
	snap := h.waitIndex(1)
	assert.Empty(t, snap.Stream)
	assert.Contains(t, h.streams.Detaches(), regionID)
}

func TestScheduler_HTMLItemsCarryNoURL(t *testing.T) {
	h := newHarness(t, devicemodule.Settings{Stretching: true},
		devicemodule.Item{Type: devicemodule.ItemHTML, HTML: "<p>hi</p>", URL: "http://ignored"},
	)

	req := h.renderer.Renders()[0]
	assert.Empty(t, req.URL)
	assert.Equal(t, FitFill, req.Fit)
	assert.True(t, h.snapshot().TimerArmed)
}

func TestScheduler_EmptyPlaylistStaysIdle(t *testing.T) {
	bus := newTestBus(t)
	renderer := &fakeRenderer{}
	s := NewScheduler(SchedulerConfig{
		Region:   devicemodule.Region{ID: "empty"},
		Bus:      bus,
		Renderer: renderer,
		Logger:   hclog.NewNullLogger(),
	})

	require.NoError(t, s.Start(context.Background()))
	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, renderer.Renders())
	assert.Equal(t, []string{"clear:empty"}, renderer.Calls())
	assert.Equal(t, 0, bus.GetStats().ActiveSubscriptions)
	assert.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_StopReleasesRegion(t *testing.T) {
	h := newHarness(t, devicemodule.Settings{},
		image("http://x/a.jpg", 0),
		image("http://x/b.jpg", 0),
	)
	var deactivated []int
	h.s.cfg.Hooks.OnDeactivate = func(_ string, index int, _ devicemodule.Item) {
		deactivated = append(deactivated, index)
	}

	require.NoError(t, h.s.Stop(context.Background()))
	require.NoError(t, h.s.Stop(context.Background()))

	assert.Equal(t, []int{0}, deactivated)
	assert.Contains(t, h.renderer.Calls(), "clear:r1")
	assert.Equal(t, 0, h.bus.GetStats().ActiveSubscriptions)

	snap := h.snapshot()
	assert.Equal(t, StateStopped, snap.State)
	h.s.MediaEnded(1)
}
