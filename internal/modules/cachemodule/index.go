package cachemodule

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IndexStore persists cache entries so resolution state survives restarts.
type IndexStore struct {
	db *gorm.DB
}

func NewIndexStore(db *gorm.DB) *IndexStore {
	return &IndexStore{db: db}
}

// Migrate creates the cache_entries table.
func (s *IndexStore) Migrate() error {
	if err := s.db.AutoMigrate(&CacheEntry{}); err != nil {
		return fmt.Errorf("failed to migrate cache entries: %w", err)
	}
	return nil
}

// Upsert inserts or fully replaces the entry for its URL.
func (s *IndexStore) Upsert(ctx context.Context, entry *CacheEntry) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(entry).Error
	if err != nil {
		return fmt.Errorf("failed to save cache entry: %w", err)
	}
	return nil
}

// Get returns the entry for url, or nil when none exists.
func (s *IndexStore) Get(ctx context.Context, url string) (*CacheEntry, error) {
	var entry CacheEntry
	err := s.db.WithContext(ctx).Where("url = ?", url).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return &entry, nil
}

// List returns every entry ordered by URL.
func (s *IndexStore) List(ctx context.Context) ([]CacheEntry, error) {
	var entries []CacheEntry
	if err := s.db.WithContext(ctx).Order("url").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	return entries, nil
}

// Delete removes the entry for url.
func (s *IndexStore) Delete(ctx context.Context, url string) error {
	if err := s.db.WithContext(ctx).Where("url = ?", url).Delete(&CacheEntry{}).Error; err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// CountByState returns the number of entries per state.
func (s *IndexStore) CountByState(ctx context.Context) (map[EntryState]int64, error) {
	var rows []struct {
		State EntryState
		Count int64
	}
	err := s.db.WithContext(ctx).Model(&CacheEntry{}).
		Select("state, count(*) as count").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count cache entries: %w", err)
	}

	counts := make(map[EntryState]int64, len(rows))
	for _, r := range rows {
		counts[r.State] = r.Count
	}
	return counts, nil
}
