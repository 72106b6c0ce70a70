package cachemodule

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mantonx/signage/internal/modules/devicemodule"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPrimeLimit       = 20
	DefaultPrimeParallelism = 4
)

// PrimeReport summarizes one priming pass.
type PrimeReport struct {
	Requested int           `json:"requested"`
	Cached    int           `json:"cached"`
	Failed    []string      `json:"failed,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// CollectPrimeURLs lists the image and video URLs of every region followed
// by the background music URL, deduplicated, at most limit of them.
func CollectPrimeURLs(cfg *devicemodule.DeviceConfig, limit int) []string {
	if limit <= 0 {
		limit = DefaultPrimeLimit
	}

	var urls []string
	for _, r := range cfg.Channel.Regions {
		for _, it := range r.Playlist {
			if it.URL == "" {
				continue
			}
			if it.Type == devicemodule.ItemImage || it.Type == devicemodule.ItemVideo {
				urls = append(urls, it.URL)
			}
		}
	}
	if music := cfg.BackgroundMusicURL(); music != "" {
		urls = append(urls, music)
	}

	seen := make(map[string]bool, len(urls))
	unique := make([]string, 0, len(urls))
	for _, u := range urls {
		if seen[u] {
			continue
		}
		seen[u] = true
		unique = append(unique, u)
		if len(unique) == limit {
			break
		}
	}
	return unique
}

// Prime downloads the assets of cfg with at most parallelism downloads in
// flight. Individual failures are reported, never returned.
func (c *Cache) Prime(ctx context.Context, cfg *devicemodule.DeviceConfig, limit, parallelism int) (*PrimeReport, error) {
	start := time.Now()
	urls := CollectPrimeURLs(cfg, limit)
	report := &PrimeReport{Requested: len(urls)}
	if c.passthrough || len(urls) == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}
	if parallelism <= 0 {
		parallelism = DefaultPrimeParallelism
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, u := range urls {
		g.Go(func() error {
			path, err := c.Resolve(gctx, u, true)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || path == "" {
				report.Failed = append(report.Failed, u)
				return nil
			}
			report.Cached++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("prime cache: %w", err)
	}

	report.Duration = time.Since(start)
	c.logger.Info("cache primed", "requested", report.Requested, "cached", report.Cached, "failed", len(report.Failed), "duration", report.Duration)
	return report, ctx.Err()
}

// Warm readies the first asset of a region before the first render: a
// cached or downloadable image is fetched into the cache, a video only has
// its headers checked.
func (c *Cache) Warm(ctx context.Context, item devicemodule.Item) error {
	if item.URL == "" || !cacheable(item.URL) {
		return nil
	}
	if _, ok := c.LocalPath(item.URL); ok {
		return nil
	}

	switch item.Type {
	case devicemodule.ItemImage:
		_, err := c.Resolve(ctx, item.URL, !c.passthrough)
		return err
	case devicemodule.ItemVideo:
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, item.URL, nil)
		if err != nil {
			return err
		}
		resp, err := c.downloader.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("video head: status %d", resp.StatusCode)
		}
	}
	return nil
}
