package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// FileWatcher reloads a ConfigManager when its config file changes on disk.
// Editors write files in several steps, so events are coalesced over a
// debounce delay before a reload is attempted.
type FileWatcher struct {
	manager *ConfigManager
	logger  hclog.Logger
	delay   time.Duration

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	pending *time.Timer
	wg      sync.WaitGroup
}

// NewFileWatcher creates a watcher for the manager's current config path.
func NewFileWatcher(manager *ConfigManager, logger hclog.Logger, delay time.Duration) *FileWatcher {
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &FileWatcher{
		manager: manager,
		logger:  logger,
		delay:   delay,
	}
}

// Start begins watching. The directory is watched rather than the file so
// rename-over-write saves are seen.
func (fw *FileWatcher) Start(ctx context.Context) error {
	path := fw.manager.ConfigPath()
	if path == "" {
		return fmt.Errorf("no config path set")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	fw.watcher = watcher

	fw.wg.Add(1)
	go fw.run(ctx, filepath.Clean(path))

	fw.logger.Info("watching config file", "path", path)
	return nil
}

// Stop stops watching and cancels any pending reload.
func (fw *FileWatcher) Stop() {
	if fw.watcher == nil {
		return
	}
	fw.watcher.Close()
	fw.wg.Wait()

	fw.mu.Lock()
	if fw.pending != nil {
		fw.pending.Stop()
		fw.pending = nil
	}
	fw.mu.Unlock()
}

func (fw *FileWatcher) run(ctx context.Context, path string) {
	defer fw.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			fw.schedule(path)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (fw *FileWatcher) schedule(path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.pending != nil {
		fw.pending.Stop()
	}
	fw.pending = time.AfterFunc(fw.delay, func() {
		if err := fw.manager.LoadConfig(path); err != nil {
			fw.logger.Error("config reload failed, keeping previous config", "path", path, "error", err)
			return
		}
		fw.logger.Info("config reloaded", "path", path)
	})
}
