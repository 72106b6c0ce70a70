// Package cachemodule keeps local copies of remote media so playback
// survives network loss. Every URL maps to a deterministic file name; the
// index of resolved entries is kept in the database.
package cachemodule

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	signageerrors "github.com/mantonx/signage/internal/errors"
	"github.com/mantonx/signage/internal/utils"
	"golang.org/x/sync/singleflight"
)

// MediaRoute is the HTTP prefix cached files are served under.
const MediaRoute = "/media/"

// Options configures a Cache.
type Options struct {
	Dir string
	// Prefetch lets URLFor start background downloads for cache misses.
	Prefetch        bool
	DownloadTimeout time.Duration
}

// Cache resolves remote URLs to local files. It is safe for concurrent use
// by every region; concurrent resolutions of one URL share a single
// download.
type Cache struct {
	opts        Options
	passthrough bool
	downloader  *Downloader
	logger      hclog.Logger

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*CacheEntry
	names   map[string]string
	index   *IndexStore

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCache creates a cache over opts.Dir. When the directory cannot be
// created or written the cache runs in passthrough mode: every URL resolves
// to itself and nothing is downloaded.
func NewCache(opts Options, downloader *Downloader, logger hclog.Logger) *Cache {
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		opts:       opts,
		downloader: downloader,
		logger:     logger,
		entries:    make(map[string]*CacheEntry),
		names:      make(map[string]string),
		ctx:        ctx,
		cancel:     cancel,
	}

	if opts.Dir == "" || os.MkdirAll(opts.Dir, 0755) != nil || !utils.DirWritable(opts.Dir) {
		c.passthrough = true
		logger.Warn("no writable cache directory, using remote URLs", "dir", opts.Dir)
	}
	return c
}

// Passthrough reports whether the cache is disabled for lack of storage.
func (c *Cache) Passthrough() bool {
	return c.passthrough
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.opts.Dir
}

// UseIndex attaches a persistent index and rehydrates resolved entries whose
// files are still on disk.
func (c *Cache) UseIndex(ctx context.Context, index *IndexStore) error {
	stored, err := index.List(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.index = index
	restored := 0
	for i := range stored {
		e := stored[i]
		if e.State == StateResolved && !utils.FileExists(e.Path) {
			e.State = StateUnresolved
			e.Path = ""
		}
		if e.State == StateResolving {
			// interrupted by a restart
			e.State = StateUnresolved
		}
		c.entries[e.URL] = &e
		c.names[e.Name] = e.URL
		if e.State == StateResolved {
			restored++
		}
	}

	c.logger.Info("cache index loaded", "entries", len(stored), "resolved", restored)
	return nil
}

// Resolve returns the local path of rawURL. A cached copy is returned
// directly; on a miss with prefetch set the asset is downloaded first. A
// miss without prefetch, a passthrough cache and a non-HTTP URL all yield
// "". Failures yield "" and a CACHE_RESOLUTION_ERROR; callers fall back to
// the remote URL.
func (c *Cache) Resolve(ctx context.Context, rawURL string, prefetch bool) (string, error) {
	if c.passthrough || !cacheable(rawURL) {
		return "", nil
	}

	if path, ok := c.LocalPath(rawURL); ok {
		return path, nil
	}
	if !prefetch {
		return "", nil
	}

	// Detached from ctx: a cancelled caller must not abort a download that
	// other waiters share.
	ch := c.group.DoChan(rawURL, func() (interface{}, error) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.DownloadTimeout)
		defer cancel()
		return c.fetch(dctx, rawURL)
	})

	select {
	case <-ctx.Done():
		return "", signageerrors.NewCacheResolutionError(rawURL, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// fetch downloads rawURL unless a copy appeared in the meantime.
func (c *Cache) fetch(ctx context.Context, rawURL string) (string, error) {
	if path, ok := c.LocalPath(rawURL); ok {
		return path, nil
	}

	name := SafeName(rawURL)
	dest := filepath.Join(c.opts.Dir, name)
	c.record(ctx, &CacheEntry{URL: rawURL, Name: name, State: StateResolving})

	asset, err := c.downloader.Download(ctx, rawURL, dest)
	if err != nil {
		c.record(ctx, &CacheEntry{URL: rawURL, Name: name, State: StateFailed, LastError: err.Error()})
		c.logger.Warn("asset download failed", "url", rawURL, "error", err)
		return "", signageerrors.NewCacheResolutionError(rawURL, err)
	}

	now := time.Now()
	c.record(ctx, &CacheEntry{
		URL:        rawURL,
		Name:       name,
		State:      StateResolved,
		Path:       asset.Path,
		MIMEType:   asset.MIMEType,
		Size:       asset.Size,
		Width:      asset.Width,
		Height:     asset.Height,
		ResolvedAt: &now,
	})
	c.logger.Info("asset cached", "url", rawURL, "name", name, "bytes", asset.Size)
	return asset.Path, nil
}

// LocalPath returns the cached file of rawURL when it exists on disk. A file
// left by an earlier run without an index entry counts as cached.
func (c *Cache) LocalPath(rawURL string) (string, bool) {
	if c.passthrough || !cacheable(rawURL) {
		return "", false
	}

	c.mu.RLock()
	e, ok := c.entries[rawURL]
	c.mu.RUnlock()
	if ok && e.State == StateResolved && utils.FileExists(e.Path) {
		return e.Path, true
	}

	name := SafeName(rawURL)
	path := filepath.Join(c.opts.Dir, name)
	if !utils.FileExists(path) {
		return "", false
	}

	c.mu.RLock()
	owner, claimed := c.names[name]
	c.mu.RUnlock()
	if claimed && owner != rawURL {
		// the file belongs to a colliding URL
		return "", false
	}

	if info, err := os.Stat(path); err == nil {
		now := time.Now()
		c.record(c.ctx, &CacheEntry{URL: rawURL, Name: name, State: StateResolved, Path: path, Size: info.Size(), ResolvedAt: &now})
	}
	return path, true
}

// URLFor returns the URL a renderer should load for rawURL: the local
// media route once cached, else the remote URL itself. A miss starts a
// background download when prefetching is enabled.
func (c *Cache) URLFor(rawURL string) string {
	if _, ok := c.LocalPath(rawURL); ok {
		return MediaRoute + SafeName(rawURL)
	}
	if c.opts.Prefetch && !c.passthrough && cacheable(rawURL) {
		c.Prefetch(rawURL)
	}
	return rawURL
}

// Prefetch resolves rawURL in the background.
func (c *Cache) Prefetch(rawURL string) {
	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, _ = c.Resolve(c.ctx, rawURL, true)
	}()
}

// FileFor returns the on-disk path of a cached file by name.
func (c *Cache) FileFor(name string) (string, error) {
	if !IsSafeName(name) {
		return "", signageerrors.NewValidationError("invalid cache file name", "name")
	}
	if c.passthrough {
		return "", signageerrors.NewNotFoundError("cached file", name)
	}
	path := filepath.Join(c.opts.Dir, name)
	if !utils.FileExists(path) {
		return "", signageerrors.NewNotFoundError("cached file", name)
	}
	return path, nil
}

// Entries returns a copy of every known entry ordered by URL.
func (c *Cache) Entries() []CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Stats counts known entries per state.
func (c *Cache) Stats() map[EntryState]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := map[EntryState]int{}
	for _, e := range c.entries {
		stats[e.State]++
	}
	return stats
}

// Close stops background prefetches and waits for them.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Cache) record(ctx context.Context, entry *CacheEntry) {
	now := time.Now()
	entry.CreatedAt, entry.UpdatedAt = now, now

	c.mu.Lock()
	if owner, ok := c.names[entry.Name]; ok && owner != entry.URL {
		c.logger.Warn("cache name collision", "name", entry.Name, "url", entry.URL, "existing_url", owner)
	}
	if prev, ok := c.entries[entry.URL]; ok {
		entry.CreatedAt = prev.CreatedAt
	}
	c.entries[entry.URL] = entry
	c.names[entry.Name] = entry.URL
	index := c.index
	c.mu.Unlock()

	if index == nil {
		return
	}
	stored := *entry
	if err := index.Upsert(context.WithoutCancel(ctx), &stored); err != nil {
		c.logger.Warn("failed to update cache index", "url", entry.URL, "error", err)
	}
}

func cacheable(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
