package playbackmodule

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/signage/internal/modules/devicemodule"
	"golang.org/x/sync/errgroup"
)

// DefaultWarmUpTimeout bounds the pre-render warm-up.
const DefaultWarmUpTimeout = 1200 * time.Millisecond

// Prober readies one asset ahead of its first render.
type Prober func(ctx context.Context, item devicemodule.Item) error

// WarmUp probes the first image or video of every region in parallel and
// returns when all probes settle or timeout elapses, whichever is first.
// Failures are logged and never block playback.
func WarmUp(ctx context.Context, cfg *devicemodule.DeviceConfig, probe Prober, timeout time.Duration, logger hclog.Logger) {
	if cfg == nil || probe == nil {
		return
	}
	if timeout <= 0 {
		timeout = DefaultWarmUpTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, region := range cfg.Channel.Regions {
		if len(region.Playlist) == 0 {
			continue
		}
		first := region.Playlist[0]
		if first.Type != devicemodule.ItemImage && first.Type != devicemodule.ItemVideo {
			continue
		}
		regionID := region.ID
		g.Go(func() error {
			if err := probe(gctx, first); err != nil {
				logger.Debug("warm-up probe failed", "region", regionID, "url", first.URL, "error", err)
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Debug("warm-up timed out", "timeout", timeout)
	}
}
