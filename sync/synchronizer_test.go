// ABOUTME: Tests for the stale-while-revalidate synchronizer
// ABOUTME: Drives an httptest backend and two pages sharing one badger-backed store
package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harperreed/schoolsync/bus"
	"github.com/harperreed/schoolsync/cache"
	"github.com/harperreed/schoolsync/charm"
	"github.com/harperreed/schoolsync/db"
	"github.com/harperreed/schoolsync/logging"
	"github.com/harperreed/schoolsync/models"
	"github.com/harperreed/schoolsync/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend struct {
	hits    atomic.Int32
	mu      gosync.Mutex
	status  int
	body    string
	release chan struct{}
}

func (b *backend) respond(status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
	b.body = body
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.hits.Add(1)
	b.mu.Lock()
	release := b.release
	b.mu.Unlock()
	if release != nil {
		<-release
	}
	b.mu.Lock()
	status, body := b.status, b.body
	b.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

type fixture struct {
	backend *backend
	store   *cache.Store
	fetcher *remote.Fetcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	be := &backend{body: `[{"id":1,"title":"Sports Day","eventDateTime":"2025-06-01T09:00:00"}]`}
	srv := httptest.NewServer(be)
	t.Cleanup(srv.Close)

	kv, cleanup := charm.NewTestClient(t)
	t.Cleanup(cleanup)

	return &fixture{
		backend: be,
		store:   cache.New(kv, logging.Discard()),
		fetcher: remote.New(srv.URL, nil, logging.Discard()),
	}
}

func (f *fixture) page(t *testing.T, tab string, opts Options) *Synchronizer {
	t.Helper()
	opts.Tab = tab
	opts.Logger = logging.Discard()
	if opts.Retry.Attempts == 0 {
		opts.Retry = Retry{Attempts: 1}
	}
	s := New(f.store, f.fetcher, bus.New(), opts)
	t.Cleanup(func() {
		s.Close()
		s.Wait()
	})
	return s
}

func collect(b *bus.Bus, c models.Collection) func() []bus.Reason {
	var mu gosync.Mutex
	var got []bus.Reason
	b.Subscribe(c, func(n bus.Notification) {
		mu.Lock()
		got = append(got, n.Reason)
		mu.Unlock()
	})
	return func() []bus.Reason {
		mu.Lock()
		defer mu.Unlock()
		return append([]bus.Reason(nil), got...)
	}
}

func TestGetOrRefreshServesCacheThenRevalidates(t *testing.T) {
	f := newFixture(t)
	s := f.page(t, "tab-a", Options{})
	reasons := collect(s.Bus(), models.Events)

	e := s.GetOrRefresh(models.Events)
	assert.True(t, e.Empty())
	assert.Empty(t, e.Items)

	s.Wait()
	assert.Equal(t, []bus.Reason{bus.Revalidated}, reasons())

	got, ok := s.Get(models.Events)
	require.True(t, ok)
	require.Len(t, got.Items, 1)
	assert.Equal(t, int64(1), got.Items[0].ID)
	assert.Equal(t, cache.OriginNetwork, got.Origin)

	// The next read is served from cache.
	e = s.GetOrRefresh(models.Events)
	assert.Equal(t, cache.OriginCache, e.Origin)
	assert.Len(t, e.Items, 1)
	s.Wait()
}

func TestConcurrentRefreshesShareOneRequest(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.backend.mu.Lock()
	f.backend.release = release
	f.backend.mu.Unlock()
	s := f.page(t, "tab-a", Options{})

	for i := 0; i < 5; i++ {
		s.GetOrRefresh(models.Events)
	}
	require.Eventually(t, func() bool { return f.backend.hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.GetOrRefresh(models.Events)
	close(release)
	s.Wait()

	assert.Equal(t, int32(1), f.backend.hits.Load())
}

func TestIndependentKeysFetchSeparately(t *testing.T) {
	f := newFixture(t)
	f.backend.respond(http.StatusOK, `[]`)
	s := f.page(t, "tab-a", Options{})

	s.GetOrRefresh(models.Events)
	s.GetOrRefresh(models.Facilities)
	s.Wait()

	assert.Equal(t, int32(2), f.backend.hits.Load())
}

func TestMalformedPayloadKeepsCachedEntry(t *testing.T) {
	f := newFixture(t)
	s := f.page(t, "tab-a", Options{})
	_, err := s.Refresh(context.Background(), models.Events)
	require.NoError(t, err)

	reasons := collect(s.Bus(), models.Events)
	f.backend.respond(http.StatusOK, `{"error":"not a list"}`)

	_, err = s.Refresh(context.Background(), models.Events)
	var ve *models.ValidationError
	require.True(t, errors.As(err, &ve))

	got, ok := s.Get(models.Events)
	require.True(t, ok)
	assert.Len(t, got.Items, 1)
	assert.Empty(t, reasons())
}

func TestRejectsItemsThatDoNotMatchTheCollection(t *testing.T) {
	f := newFixture(t)
	f.backend.respond(http.StatusOK, `[{"id":1,"title":"ok"},{"title":"missing id"}]`)
	s := f.page(t, "tab-a", Options{})

	_, err := s.Refresh(context.Background(), models.Events)
	require.Error(t, err)
	_, ok := s.Get(models.Events)
	assert.False(t, ok)
}

func TestFetchFailureKeepsCachedEntry(t *testing.T) {
	f := newFixture(t)
	s := f.page(t, "tab-a", Options{})
	_, err := s.Refresh(context.Background(), models.Events)
	require.NoError(t, err)

	f.backend.respond(http.StatusInternalServerError, "boom")
	_, err = s.Refresh(context.Background(), models.Events)
	var ne *remote.NetworkError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, http.StatusInternalServerError, ne.Status)

	got, ok := s.Get(models.Events)
	require.True(t, ok)
	assert.Len(t, got.Items, 1)
}

func TestRetriesServerErrors(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"id":4,"name":"Library"}]`))
	}))
	defer srv.Close()
	f.fetcher = remote.New(srv.URL, nil, logging.Discard())

	s := f.page(t, "tab-a", Options{Retry: Retry{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}})
	e, err := s.Refresh(context.Background(), models.Facilities)
	require.NoError(t, err)
	assert.Len(t, e.Items, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	f := newFixture(t)
	f.backend.respond(http.StatusNotFound, "")
	s := f.page(t, "tab-a", Options{Retry: Retry{Attempts: 3, Initial: time.Millisecond, Max: time.Millisecond}})

	_, err := s.Refresh(context.Background(), models.Events)
	require.Error(t, err)
	assert.Equal(t, int32(1), f.backend.hits.Load())
}

func TestCustomReadPath(t *testing.T) {
	f := newFixture(t)
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		_, _ = w.Write([]byte(`[{"id":9,"subject":"Maths","isLive":true}]`))
	}))
	defer srv.Close()
	f.fetcher = remote.New(srv.URL, nil, logging.Discard())

	s := f.page(t, "tab-a", Options{Paths: map[models.Collection]string{models.ClassSessions: "/classes/live"}})
	_, err := s.Refresh(context.Background(), models.ClassSessions)
	require.NoError(t, err)
	assert.Equal(t, "/classes/live", path.Load())
}

func TestOtherPageWriteIsRereadWithoutFetching(t *testing.T) {
	f := newFixture(t)
	a := f.page(t, "tab-a", Options{})
	b := f.page(t, "tab-b", Options{})
	reasonsA := collect(a.Bus(), models.Events)
	reasonsB := collect(b.Bus(), models.Events)

	_, err := a.Refresh(context.Background(), models.Events)
	require.NoError(t, err)

	assert.Equal(t, []bus.Reason{bus.Revalidated}, reasonsA())
	assert.Equal(t, []bus.Reason{bus.Revalidated}, reasonsB())
	assert.Equal(t, int32(1), f.backend.hits.Load())

	got, ok := b.Get(models.Events)
	require.True(t, ok)
	assert.Equal(t, "tab-a", got.Writer)
}

func TestMarkerRefreshesWatchedCollections(t *testing.T) {
	f := newFixture(t)
	a := f.page(t, "tab-a", Options{})
	b := f.page(t, "tab-b", Options{})

	_, stop := b.Watch(models.Events)
	defer stop()
	b.Wait()
	require.Equal(t, int32(1), f.backend.hits.Load())

	_, err := f.store.TouchMarker(a.Tab())
	require.NoError(t, err)
	b.Wait()
	assert.Equal(t, int32(2), f.backend.hits.Load())

	// The writing page does not react to its own marker.
	a.Watch(models.Facilities)
	a.Wait()
	hits := f.backend.hits.Load()
	_, err = f.store.TouchMarker(a.Tab())
	require.NoError(t, err)
	a.Wait()
	b.Wait()
	assert.Equal(t, hits+1, f.backend.hits.Load())
}

func TestWatchRefcountsAndStopsTriggers(t *testing.T) {
	f := newFixture(t)
	s := f.page(t, "tab-a", Options{})

	_, stop1 := s.Watch(models.Announcements)
	_, stop2 := s.Watch(models.Announcements)
	s.Wait()
	assert.Equal(t, []models.Collection{models.Announcements}, s.Watched())
	assert.Equal(t, 1, s.Bus().Subscribers(models.Announcements))

	stop1()
	stop1()
	assert.Equal(t, []models.Collection{models.Announcements}, s.Watched())
	stop2()
	assert.Empty(t, s.Watched())
	assert.Equal(t, 0, s.Bus().Subscribers(models.Announcements))
}

func TestIntervalRefresh(t *testing.T) {
	f := newFixture(t)
	s := f.page(t, "tab-a", Options{Intervals: map[models.Collection]time.Duration{models.Events: 10 * time.Millisecond}})

	_, stop := s.Watch(models.Events)
	require.Eventually(t, func() bool { return f.backend.hits.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	stop()
	time.Sleep(30 * time.Millisecond)
	s.Wait()

	settled := f.backend.hits.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, f.backend.hits.Load())
}

func TestFocusRefreshesOnlyWatched(t *testing.T) {
	f := newFixture(t)
	s := f.page(t, "tab-a", Options{})

	s.Focus()
	s.Wait()
	assert.Equal(t, int32(0), f.backend.hits.Load())

	_, stop := s.Watch(models.Events)
	defer stop()
	s.Wait()
	s.Visible()
	s.Wait()
	assert.Equal(t, int32(2), f.backend.hits.Load())
}

func TestMutationNotificationsAreSuppressedWhileMutating(t *testing.T) {
	f := newFixture(t)
	s := f.page(t, "tab-a", Options{})
	_, stop := s.Watch(models.Events)
	defer stop()
	s.Wait()
	require.Equal(t, int32(1), f.backend.hits.Load())

	end := s.BeginMutation(models.Events)
	s.Bus().Publish(bus.Notification{Key: models.Events, Reason: bus.Created})
	s.Wait()
	assert.Equal(t, int32(1), f.backend.hits.Load())
	end()

	s.Bus().Publish(bus.Notification{Key: models.Events, Reason: bus.Deleted})
	s.Wait()
	assert.Equal(t, int32(2), f.backend.hits.Load())

	// Revalidated never triggers a fetch.
	s.Bus().Publish(bus.Notification{Key: models.Events, Reason: bus.Revalidated})
	s.Wait()
	assert.Equal(t, int32(2), f.backend.hits.Load())
}

func TestLegacyEventTriggersRefresh(t *testing.T) {
	f := newFixture(t)
	s := f.page(t, "tab-a", Options{})
	_, stop := s.Watch(models.Facilities)
	defer stop()
	s.Wait()

	s.Bus().Dispatch(bus.LegacyEvent{Name: "facilityCreated"})
	s.Wait()
	assert.Equal(t, int32(2), f.backend.hits.Load())
}

func TestApplyWritesAndPublishes(t *testing.T) {
	f := newFixture(t)
	s := f.page(t, "tab-a", Options{})
	reasons := collect(s.Bus(), models.Facilities)

	item, err := models.NewItem([]byte(`{"id":-1,"name":"Gym"}`))
	require.NoError(t, err)
	e, err := s.Apply(models.Facilities, []models.Item{item}, cache.OriginOptimistic, bus.Created)
	require.NoError(t, err)
	assert.Equal(t, cache.OriginOptimistic, e.Origin)
	assert.Equal(t, []bus.Reason{bus.Created}, reasons())

	// Optimistic origin is reported as is.
	assert.Equal(t, cache.OriginOptimistic, s.GetOrRefresh(models.Facilities).Origin)
	s.Wait()
}

func TestLedgerRecordsFetches(t *testing.T) {
	f := newFixture(t)
	database, err := db.OpenMemory()
	require.NoError(t, err)
	defer database.Close()

	s := f.page(t, "tab-a", Options{Ledger: db.NewLedger(database)})
	_, err = s.Refresh(context.Background(), models.Events)
	require.NoError(t, err)

	f.backend.respond(http.StatusBadGateway, "")
	_, err = s.Refresh(context.Background(), models.Events)
	require.Error(t, err)

	state, err := db.GetSyncState(database, "events")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 2, state.FetchCount)
	assert.Equal(t, 1, state.FailureCount)
	assert.Equal(t, 1, state.ItemCount)
	assert.Equal(t, "error", state.Status)
}

func TestRetryGivesUpWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retry(ctx, Retry{Attempts: 5, Initial: time.Hour, Max: time.Hour}, func() error {
		calls++
		cancel()
		return &remote.NetworkError{Message: fmt.Sprintf("attempt %d", calls)}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
