package devicemodule

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	signageerrors "github.com/mantonx/signage/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDeviceID = "e90928ec-b121-4b03-86c3-d0534aedcb98"

// scriptedSource replays a fixed sequence of fetch outcomes; the last one repeats.
type scriptedSource struct {
	mu      sync.Mutex
	bodies  []string
	errs    []error
	calls   int
	lastDev string
}

func (s *scriptedSource) Fetch(ctx context.Context, deviceID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.bodies) {
		i = len(s.bodies) - 1
	}
	s.calls++
	s.lastDev = deviceID
	if s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return []byte(s.bodies[i]), nil
}

func (s *scriptedSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestLoader(t *testing.T, src Source, clock clockwork.Clock) (*Loader, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "last_config.json")
	l, err := NewLoader(testDeviceID, src, NewFileSnapshotStore(path), clock, hclog.NewNullLogger())
	require.NoError(t, err)
	return l, path
}

func TestNewLoader_RejectsNonUUID(t *testing.T) {
	_, err := NewLoader("lobby-screen", &scriptedSource{}, NewFileSnapshotStore(""), clockwork.NewRealClock(), hclog.NewNullLogger())
	require.Error(t, err)
	assert.True(t, signageerrors.IsCode(err, signageerrors.CodeValidation))
}

func TestLoader_FetchPersistsDocument(t *testing.T) {
	src := &scriptedSource{bodies: []string{`{"channel": {"gridX": 6}}`}, errs: []error{nil}}
	l, path := newTestLoader(t, src, clockwork.NewRealClock())

	res, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, 6, res.Config.Channel.GridX)
	assert.Same(t, res.Config, l.Current())
	assert.Equal(t, testDeviceID, src.lastDev)

	persisted, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel": {"gridX": 6}}`, string(persisted))
}

func TestLoader_FallsBackToSnapshot(t *testing.T) {
	fetchErr := signageerrors.NewConfigFetchError("https://api/x/", errors.New("connection refused"))
	src := &scriptedSource{
		bodies: []string{`{"channel": {"gridX": 6}}`, ""},
		errs:   []error{nil, fetchErr},
	}
	l, _ := newTestLoader(t, src, clockwork.NewRealClock())

	_, err := l.Load(context.Background())
	require.NoError(t, err)

	res, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.ErrorIs(t, res.FetchErr, fetchErr)
	assert.Equal(t, 6, res.Config.Channel.GridX)
}

func TestLoader_MalformedDocumentNeverOverwritesSnapshot(t *testing.T) {
	src := &scriptedSource{
		bodies: []string{`{"channel": {"gridX": 6}}`, "<!DOCTYPE html><html>login</html>"},
		errs:   []error{nil, nil},
	}
	l, path := newTestLoader(t, src, clockwork.NewRealClock())

	_, err := l.Load(context.Background())
	require.NoError(t, err)

	res, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.True(t, signageerrors.IsCode(res.FetchErr, signageerrors.CodeMalformedConfig))

	persisted, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel": {"gridX": 6}}`, string(persisted))
}

func TestLoader_NoSnapshotSurfacesFetchError(t *testing.T) {
	fetchErr := signageerrors.NewConfigFetchError("https://api/x/", errors.New("timeout"))
	src := &scriptedSource{bodies: []string{""}, errs: []error{fetchErr}}
	l, path := newTestLoader(t, src, clockwork.NewRealClock())

	_, err := l.Load(context.Background())
	assert.ErrorIs(t, err, fetchErr)
	assert.Nil(t, l.Current())

	// a corrupt snapshot is no better than none
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))
	_, err = l.Load(context.Background())
	assert.ErrorIs(t, err, fetchErr)
}

func TestLoader_WatchNotifiesOnlyOnChange(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := &scriptedSource{
		bodies: []string{`{"channel": {"gridX": 6}}`, `{"channel": {"gridX": 6}}`, `{"channel": {"gridX": 8}}`},
		errs:   []error{nil, nil, nil},
	}
	l, _ := newTestLoader(t, src, clock)
	_, err := l.Load(context.Background())
	require.NoError(t, err)

	changes := make(chan *DeviceConfig, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Watch(ctx, time.Minute, func(cfg *DeviceConfig) { changes <- cfg })
		close(done)
	}()

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return src.count() == 2 }, time.Second, time.Millisecond)
	assert.Empty(t, changes)

	clock.Advance(time.Minute)
	select {
	case cfg := <-changes:
		assert.Equal(t, 8, cfg.Channel.GridX)
		assert.Same(t, cfg, l.Current())
	case <-time.After(time.Second):
		t.Fatal("change not reported")
	}

	cancel()
	<-done
}

func TestLoader_WatchDisabledWithoutInterval(t *testing.T) {
	l, _ := newTestLoader(t, &scriptedSource{bodies: []string{"{}"}, errs: []error{nil}}, clockwork.NewFakeClock())
	returned := make(chan struct{})
	go func() {
		l.Watch(context.Background(), 0, func(*DeviceConfig) {})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Watch should return immediately for a zero interval")
	}
}

func TestFetcher_RequestsDeviceDocument(t *testing.T) {
	var gotPath, gotCache string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotCache = r.Header.Get("Cache-Control")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"channel": {}}`))
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL+"/", time.Second, nil, hclog.NewNullLogger())
	body, err := f.Fetch(context.Background(), testDeviceID)
	require.NoError(t, err)
	assert.Equal(t, `{"channel": {}}`, string(body))
	assert.Equal(t, "/"+testDeviceID+"/", gotPath)
	assert.Equal(t, "no-store", gotCache)
}

func TestFetcher_NonSuccessStatusIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, time.Second, nil, hclog.NewNullLogger())
	_, err := f.Fetch(context.Background(), testDeviceID)
	require.Error(t, err)
	assert.True(t, signageerrors.IsCode(err, signageerrors.CodeConfigFetch))
	assert.Contains(t, err.Error(), "503")
}

func TestFetcher_BreakerOpensAndRecovers(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	breaker := NewCircuitBreaker(2, 30*time.Second, clock, hclog.NewNullLogger())
	f := NewFetcher(srv.URL, time.Second, breaker, hclog.NewNullLogger())

	for i := 0; i < 2; i++ {
		_, err := f.Fetch(context.Background(), testDeviceID)
		require.Error(t, err)
	}
	assert.Equal(t, CircuitBreakerOpen, breaker.State())

	_, err := f.Fetch(context.Background(), testDeviceID)
	assert.ErrorIs(t, err, errCircuitOpen)
	assert.Equal(t, int32(2), hits.Load(), "open breaker fails fast")

	fail.Store(false)
	clock.Advance(31 * time.Second)
	_, err = f.Fetch(context.Background(), testDeviceID)
	require.NoError(t, err)
	assert.Equal(t, CircuitBreakerClosed, breaker.State())
	assert.Equal(t, "closed", breaker.State().String())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker(0, time.Second, clock, hclog.NewNullLogger())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	assert.False(t, cb.Allow())

	clock.Advance(time.Second)
	assert.True(t, cb.Allow())
	assert.Equal(t, CircuitBreakerHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, CircuitBreakerOpen, cb.State())
	assert.False(t, cb.Allow())
}
