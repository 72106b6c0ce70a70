package playbackmodule

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/mantonx/signage/internal/events"
	"github.com/mantonx/signage/internal/modules/devicemodule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, doc string) *devicemodule.DeviceConfig {
	t.Helper()
	cfg, err := devicemodule.Parse([]byte(doc))
	require.NoError(t, err)
	return cfg
}

func newTestPlayer(t *testing.T) (*Player, *fakeRenderer, events.EventBus) {
	t.Helper()
	bus := newTestBus(t)
	renderer := &fakeRenderer{}
	p := NewPlayer(PlayerDeps{
		Bus:      bus,
		Renderer: renderer,
		Clock:    clockwork.NewFakeClock(),
		Logger:   hclog.NewNullLogger(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p, renderer, bus
}

const twoRegions = `{
	"settings": {"device_name": "Lobby", "imageDuration": 4000},
	"channel": {
		"gridX": 4, "gridY": 2,
		"regions": [
			{"id": "a", "data_grid": {"x":0,"y":0,"w":2,"h":2}, "playlist": [{"type":"image","url":"http://x/a.jpg"}]},
			{"id": "b", "data_grid": {"x":2,"y":0,"w":2,"h":2}, "playlist": [{"type":"video","url":"http://x/b.mp4"}]}
		],
		"tickers": [{"text": "Welcome"}, {"text": "Open 9-5"}],
		"backgroundMusicUrl": "http://x/music.mp3"
	}
}`

func TestPlayer_ApplyStartsRegionsTickerAndAudio(t *testing.T) {
	p, renderer, _ := newTestPlayer(t)

	require.NoError(t, p.Apply(context.Background(), mustParse(t, twoRegions)))

	assert.Equal(t, []Layout{{GridX: 4, GridY: 2, DeviceName: "Lobby"}}, renderer.layouts)
	require.Eventually(t, func() bool { return len(renderer.Renders()) == 2 }, time.Second, time.Millisecond)

	snaps, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].Region)
	assert.Equal(t, "b", snaps[1].Region)

	assert.Equal(t, "Welcome", p.Ticker().Ticker.Text)
	require.Eventually(t, func() bool {
		_, ok := p.Audio()
		return ok
	}, time.Second, time.Millisecond)
	track, _ := p.Audio()
	assert.Equal(t, "http://x/music.mp3", track.URL)
}

func TestPlayer_ReapplyKeepsUnchangedRegions(t *testing.T) {
	p, renderer, _ := newTestPlayer(t)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, mustParse(t, twoRegions)))
	require.Eventually(t, func() bool { return len(renderer.Renders()) == 2 }, time.Second, time.Millisecond)

	changed := `{
		"settings": {"device_name": "Lobby", "imageDuration": 4000},
		"channel": {
			"gridX": 4, "gridY": 2,
			"regions": [
				{"id": "a", "data_grid": {"x":0,"y":0,"w":2,"h":2}, "playlist": [{"type":"image","url":"http://x/a.jpg"}]},
				{"id": "c", "data_grid": {"x":2,"y":0,"w":2,"h":2}, "playlist": [{"type":"image","url":"http://x/c.jpg"}]}
			]
		}
	}`
	require.NoError(t, p.Apply(ctx, mustParse(t, changed)))

	require.Eventually(t, func() bool { return len(renderer.RendersFor("c")) == 1 }, time.Second, time.Millisecond)
	assert.Len(t, renderer.RendersFor("a"), 1, "unchanged region keeps playing")
	assert.Contains(t, renderer.Calls(), "clear:b")

	snaps, err := p.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "c", snaps[1].Region)

	assert.False(t, p.Ticker().Visible)
	_, stops := renderer.Audio()
	assert.Equal(t, 1, stops)
}

func TestPlayer_SettingsChangeRestartsRegions(t *testing.T) {
	p, renderer, _ := newTestPlayer(t)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, mustParse(t, twoRegions)))
	require.Eventually(t, func() bool { return len(renderer.Renders()) == 2 }, time.Second, time.Millisecond)

	cfg := mustParse(t, twoRegions)
	cfg.Settings.ImageDuration = 9000
	require.NoError(t, p.Apply(ctx, cfg))

	require.Eventually(t, func() bool { return len(renderer.RendersFor("a")) == 2 }, time.Second, time.Millisecond)
}

func TestPlayer_RoutesMediaReportsToRegions(t *testing.T) {
	p, renderer, _ := newTestPlayer(t)
	ctx := context.Background()

	doc := `{"channel":{"regions":[{"id":"v","playlist":[
		{"type":"video","url":"http://x/1.mp4"},
		{"type":"video","url":"http://x/2.mp4"}
	]}]}}`
	require.NoError(t, p.Apply(ctx, mustParse(t, doc)))

	p.MediaEnded("missing", 1)
	p.MediaEnded("v", 1)
	require.Eventually(t, func() bool { return len(renderer.RendersFor("v")) == 2 }, time.Second, time.Millisecond)

	p.MediaFailed("v", 2, nil)
	p.MediaLoaded("v", 2)
	snaps, err := p.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snaps[0].Index)
	assert.True(t, snaps[0].TimerArmed)
}

func TestPlayer_RegionsCreatedDuringPauseStartPaused(t *testing.T) {
	p, renderer, bus := newTestPlayer(t)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, events.NewPauseEvent("test")))
	assert.True(t, p.Paused())

	require.NoError(t, p.Apply(ctx, mustParse(t, twoRegions)))
	snaps, err := p.Snapshot(ctx)
	require.NoError(t, err)
	for _, s := range snaps {
		assert.True(t, s.GloballyPaused)
	}
	require.Len(t, renderer.Renders(), 2)
	for _, req := range renderer.Renders() {
		assert.False(t, req.Autoplay, "region %s", req.Region)
	}
}

func TestPlayer_ClearEndsSessionButAllowsReapply(t *testing.T) {
	p, renderer, _ := newTestPlayer(t)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, mustParse(t, twoRegions)))
	require.Eventually(t, func() bool { return len(renderer.Renders()) == 2 }, time.Second, time.Millisecond)

	require.NoError(t, p.Clear(ctx))
	assert.Contains(t, renderer.Calls(), "clear:a")
	assert.Contains(t, renderer.Calls(), "clear:b")
	assert.Nil(t, p.Config())
	assert.False(t, p.Ticker().Visible)
	_, stops := renderer.Audio()
	assert.Equal(t, 1, stops)

	snaps, err := p.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snaps)

	require.NoError(t, p.Apply(ctx, mustParse(t, twoRegions)))
	require.Eventually(t, func() bool { return len(renderer.Renders()) == 4 }, time.Second, time.Millisecond)
	snaps, err = p.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestPlayer_StopClearsEverything(t *testing.T) {
	p, renderer, bus := newTestPlayer(t)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, mustParse(t, twoRegions)))
	require.NoError(t, p.Stop(ctx))

	assert.Contains(t, renderer.Calls(), "clear:a")
	assert.Contains(t, renderer.Calls(), "clear:b")
	assert.Equal(t, 0, bus.GetStats().ActiveSubscriptions)
	assert.Error(t, p.Apply(ctx, mustParse(t, twoRegions)))

	snaps, err := p.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}
