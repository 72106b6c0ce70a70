package playbackmodule

import (
	"context"
	"os"
	"sync"

	"github.com/dhowden/tag"
	"github.com/hashicorp/go-hclog"
)

// AudioSource resolves a track to a local file and a playable URL.
type AudioSource interface {
	Resolve(ctx context.Context, rawURL string, prefetch bool) (string, error)
	URLFor(rawURL string) string
}

// BackgroundAudio plays the configured background track on a loop. The
// track is cached before it starts so that it survives connectivity loss.
type BackgroundAudio struct {
	renderer Renderer
	source   AudioSource
	logger   hclog.Logger

	mu      sync.Mutex
	url     string
	gen     uint64
	current *AudioTrack
	wg      sync.WaitGroup
}

func NewBackgroundAudio(renderer Renderer, source AudioSource, logger hclog.Logger) *BackgroundAudio {
	return &BackgroundAudio{renderer: renderer, source: source, logger: logger}
}

// Play switches to rawURL. An empty URL stops playback. Replaying the URL
// already playing is a no-op.
func (a *BackgroundAudio) Play(ctx context.Context, rawURL string) {
	a.mu.Lock()
	if rawURL == a.url {
		a.mu.Unlock()
		return
	}
	a.url = rawURL
	a.gen++
	gen := a.gen
	a.current = nil
	a.mu.Unlock()

	if rawURL == "" {
		a.renderer.StopAudio()
		a.logger.Debug("background audio stopped")
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.start(ctx, gen, rawURL)
	}()
}

func (a *BackgroundAudio) start(ctx context.Context, gen uint64, rawURL string) {
	track := AudioTrack{URL: rawURL, Loop: true}

	if a.source != nil {
		local, err := a.source.Resolve(ctx, rawURL, true)
		if err != nil {
			a.logger.Warn("background track not cached, streaming it", "url", rawURL, "error", err)
		}
		track.URL = a.source.URLFor(rawURL)
		if local != "" {
			readTrackTags(local, &track, a.logger)
		}
	}

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.current = &track
	a.mu.Unlock()

	a.renderer.PlayAudio(track)
	a.logger.Info("background audio playing", "url", rawURL, "title", track.Title)
}

// Current returns the playing track, if any.
func (a *BackgroundAudio) Current() (AudioTrack, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return AudioTrack{}, false
	}
	return *a.current, true
}

// Wait blocks until pending track starts have finished.
func (a *BackgroundAudio) Wait() {
	a.wg.Wait()
}

func readTrackTags(path string, track *AudioTrack, logger hclog.Logger) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	md, err := tag.ReadFrom(f)
	if err != nil {
		logger.Trace("no tags in background track", "path", path, "error", err)
		return
	}
	track.Title = md.Title()
	track.Artist = md.Artist()
	track.Album = md.Album()
}
