package cachemodule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mantonx/signage/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newTestIndex(t *testing.T) *IndexStore {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	store := NewIndexStore(db)
	require.NoError(t, store.Migrate())
	return store
}

func TestIndexStore_UpsertReplacesEntry(t *testing.T) {
	store := newTestIndex(t)
	ctx := context.Background()
	url := "https://cdn.example.com/a.jpg"

	got, err := store.Get(ctx, url)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.Upsert(ctx, &CacheEntry{URL: url, Name: SafeName(url), State: StateResolving}))
	now := time.Now()
	require.NoError(t, store.Upsert(ctx, &CacheEntry{URL: url, Name: SafeName(url), State: StateResolved, Path: "/x/1.jpg", Size: 42, ResolvedAt: &now}))
	require.NoError(t, store.Upsert(ctx, &CacheEntry{URL: "https://cdn.example.com/b.mp4", Name: "2.mp4", State: StateFailed, LastError: "status 404"}))

	got, err = store.Get(ctx, url)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StateResolved, got.State)
	assert.Equal(t, int64(42), got.Size)

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, url, all[0].URL)

	counts, err := store.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[EntryState]int64{StateResolved: 1, StateFailed: 1}, counts)

	require.NoError(t, store.Delete(ctx, url))
	got, err = store.Get(ctx, url)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIndexStore_PostgresQueryFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)
	store := NewIndexStore(db)

	mock.ExpectQuery(`SELECT \* FROM "cache_entries"`).WillReturnError(errors.New("connection reset by peer"))
	_, err = store.List(context.Background())
	assert.ErrorContains(t, err, "failed to list cache entries")

	mock.ExpectQuery(`SELECT state, count\(\*\) as count FROM "cache_entries"`).WillReturnError(errors.New("connection reset by peer"))
	_, err = store.CountByState(context.Background())
	assert.ErrorContains(t, err, "failed to count cache entries")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_UseIndexFailureLeavesCacheUsable(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT \* FROM "cache_entries"`).WillReturnError(errors.New("database is down"))

	c := newTestCache(t, t.TempDir(), false)
	assert.Error(t, c.UseIndex(context.Background(), NewIndexStore(db)))
	assert.False(t, c.Passthrough())
	assert.Empty(t, c.Entries())
}
