// ABOUTME: Tests for optimistic writes, commits, and rollbacks
// ABOUTME: Uses a scripted httptest backend, a real session guard, and a badger-backed store
package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/harperreed/schoolsync/bus"
	"github.com/harperreed/schoolsync/cache"
	"github.com/harperreed/schoolsync/charm"
	"github.com/harperreed/schoolsync/db"
	"github.com/harperreed/schoolsync/logging"
	"github.com/harperreed/schoolsync/metrics"
	"github.com/harperreed/schoolsync/models"
	"github.com/harperreed/schoolsync/remote"
	"github.com/harperreed/schoolsync/session"
	"github.com/harperreed/schoolsync/sync"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	Method string
	Path   string
	Auth   string
	Body   string
}

type scriptedBackend struct {
	mu    gosync.Mutex
	calls []call
	// write answers POST, PUT and DELETE. hold blocks them until closed.
	write func(w http.ResponseWriter, r *http.Request)
	hold  chan struct{}
	reads atomic.Int32
	token string
}

func (b *scriptedBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/admin/login":
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "token": b.token, "role": "ROLE_ADMIN", "username": "principal"})
		return
	case "/admin/validate":
		_, _ = w.Write([]byte(`{"valid":"true","role":"ADMIN"}`))
		return
	}
	if r.Method == http.MethodGet {
		b.reads.Add(1)
		_, _ = w.Write([]byte(`[{"id":1,"title":"Sports Day"},{"id":2,"title":"Science Fair"}]`))
		return
	}

	body, _ := io.ReadAll(r.Body)
	b.mu.Lock()
	b.calls = append(b.calls, call{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Body: string(body)})
	hold, write := b.hold, b.write
	b.mu.Unlock()
	if hold != nil {
		<-hold
	}
	write(w, r)
}

func (b *scriptedBackend) writes() []call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]call(nil), b.calls...)
}

type harness struct {
	backend *scriptedBackend
	syncer  *sync.Synchronizer
	guard   *session.Guard
	gateway *Gateway
	store   *cache.Store
	metrics *metrics.Metrics
	ledger  *db.Ledger
}

func jwtToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)}).
		SignedString([]byte("k"))
	require.NoError(t, err)
	return tok
}

func newHarness(t *testing.T, write func(w http.ResponseWriter, r *http.Request)) *harness {
	t.Helper()
	return newHarnessWithToken(t, jwtToken(t, time.Now().Add(time.Hour)), write)
}

func newHarnessWithToken(t *testing.T, token string, write func(w http.ResponseWriter, r *http.Request)) *harness {
	t.Helper()
	be := &scriptedBackend{write: write, token: token}
	srv := httptest.NewServer(be)
	t.Cleanup(srv.Close)

	kv, cleanup := charm.NewTestClient(t)
	t.Cleanup(cleanup)
	store := cache.New(kv, logging.Discard())
	fetcher := remote.New(srv.URL, nil, logging.Discard())

	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	ledger := db.NewLedger(database)
	m := metrics.New()

	syncer := sync.New(store, fetcher, bus.New(), sync.Options{
		Tab:     "tab-a",
		Retry:   sync.Retry{Attempts: 1},
		Metrics: m,
		Logger:  logging.Discard(),
	})
	t.Cleanup(func() {
		syncer.Close()
		syncer.Wait()
	})
	guard := session.New(store, fetcher, session.Options{Tab: "tab-a", Logger: logging.Discard()})

	return &harness{
		backend: be,
		syncer:  syncer,
		guard:   guard,
		store:   store,
		metrics: m,
		ledger:  ledger,
		gateway: New(syncer, guard, fetcher, Options{Ledger: ledger, Metrics: m, Logger: logging.Discard()}),
	}
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	_, err := h.guard.Login(context.Background(), "principal", "secret")
	require.NoError(t, err)
}

func (h *harness) seed(t *testing.T, c models.Collection, raw string) {
	t.Helper()
	items, err := models.ParseItems(c, json.RawMessage(raw))
	require.NoError(t, err)
	_, err = h.store.Write("seed", c, items, cache.OriginNetwork)
	require.NoError(t, err)
}

func (h *harness) entry(t *testing.T, c models.Collection) cache.Entry {
	t.Helper()
	e, ok := h.syncer.Get(c)
	require.True(t, ok)
	return e
}

func titles(items []models.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Text("title"))
	}
	return out
}

func subscribe(b *bus.Bus, c models.Collection) func() []bus.Reason {
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

func TestCreateAppliesOptimisticallyThenCommits(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":2,"title":"Science Fair","createdAt":"2025-05-01T10:00:00"}`))
	})
	h.login(t)
	h.seed(t, models.Events, `[{"id":1,"title":"Sports Day"}]`)
	hold := make(chan struct{})
	h.backend.mu.Lock()
	h.backend.hold = hold
	h.backend.mu.Unlock()

	reasons := subscribe(h.syncer.Bus(), models.Events)
	done := make(chan error, 1)
	var created models.Item
	go func() {
		var err error
		created, err = h.gateway.Create(context.Background(), models.Events, json.RawMessage(`{"title":"Science Fair"}`))
		done <- err
	}()

	require.Eventually(t, func() bool { return len(h.backend.writes()) == 1 }, time.Second, 5*time.Millisecond)
	e := h.entry(t, models.Events)
	assert.Equal(t, cache.OriginOptimistic, e.Origin)
	assert.Equal(t, []string{"Sports Day", "Science Fair"}, titles(e.Items))
	assert.Less(t, e.Items[1].ID, int64(0))
	assert.Equal(t, []bus.Reason{bus.Created}, reasons())

	close(hold)
	require.NoError(t, <-done)
	assert.Equal(t, int64(2), created.ID)

	e = h.entry(t, models.Events)
	assert.Equal(t, cache.OriginNetwork, e.Origin)
	assert.Equal(t, []int64{1, 2}, []int64{e.Items[0].ID, e.Items[1].ID})
	assert.Equal(t, []bus.Reason{bus.Created, bus.Revalidated}, reasons())

	w := h.backend.writes()[0]
	assert.Equal(t, http.MethodPost, w.Method)
	assert.Equal(t, "/events", w.Path)
	assert.Equal(t, "Bearer "+h.backend.token, w.Auth)
	assert.JSONEq(t, `{"title":"Science Fair"}`, w.Body)

	marker, err := h.store.Marker()
	require.NoError(t, err)
	assert.NotZero(t, marker)
	series, err := testutil.GatherAndCount(h.metrics.Registry(), "schoolsync_mutations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
}

func TestFailedCreateRestoresSnapshot(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database unavailable", http.StatusInternalServerError)
	})
	h.login(t)
	h.seed(t, models.Events, `[{"id":1,"title":"Sports Day"}]`)
	before := h.entry(t, models.Events)
	rawBefore, ok, err := h.store.Load(models.Events.StorageKey())
	require.NoError(t, err)
	require.True(t, ok)
	reasons := subscribe(h.syncer.Bus(), models.Events)

	// Let the clock move so a rewrite would stamp a different FetchedAt.
	time.Sleep(2 * time.Millisecond)

	_, err = h.gateway.Create(context.Background(), models.Events, json.RawMessage(`{"title":"Science Fair"}`))
	var me *MutationError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, OpCreate, me.Op)
	var ne *remote.NetworkError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, http.StatusInternalServerError, ne.Status)

	after := h.entry(t, models.Events)
	assert.Equal(t, before, after)
	assert.Equal(t, "seed", after.Writer)
	rawAfter, _, err := h.store.Load(models.Events.StorageKey())
	require.NoError(t, err)
	assert.Equal(t, string(rawBefore), string(rawAfter))
	assert.Equal(t, []bus.Reason{bus.Created, bus.Revalidated}, reasons())

	logs, err := db.ListMutationLogs(h.ledger.DB(), "events", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, db.MutationRolledBack, logs[0].Status)
	require.NotNil(t, logs[0].HTTPStatus)
	assert.Equal(t, 500, *logs[0].HTTPStatus)
	assert.Equal(t, "principal", logs[0].Username)
}

func TestFailedCreateOnEmptyCacheLeavesNothing(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	h.login(t)

	_, err := h.gateway.Create(context.Background(), models.Facilities, json.RawMessage(`{"name":"Gym"}`))
	require.Error(t, err)
	_, ok := h.syncer.Get(models.Facilities)
	assert.False(t, ok)
}

func TestMalformedCreateResponseRollsBackAndRefreshes(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`created!`))
	})
	h.login(t)
	h.seed(t, models.Events, `[{"id":1,"title":"Sports Day"}]`)

	_, err := h.gateway.Create(context.Background(), models.Events, json.RawMessage(`{"title":"Science Fair"}`))
	assert.ErrorIs(t, err, ErrMalformedResponse)

	h.syncer.Wait()
	assert.Equal(t, int32(1), h.backend.reads.Load())
	assert.Equal(t, []string{"Sports Day", "Science Fair"}, titles(h.entry(t, models.Events).Items))
}

func TestCreateRejectsInvalidPayload(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be called")
	})
	h.login(t)

	_, err := h.gateway.Create(context.Background(), models.Events, json.RawMessage(`["not","an","object"]`))
	require.Error(t, err)
	assert.Empty(t, h.backend.writes())
}

func TestUpdateMergesAndCommitsServerEntity(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":7,"title":"Assembly","message":"Hall moved","isActive":true,"priority":"HIGH"}`))
	})
	h.login(t)
	h.seed(t, models.Announcements, `[{"id":7,"title":"Assembly","message":"In the hall","isActive":true,"priority":"NORMAL"}]`)
	reasons := subscribe(h.syncer.Bus(), models.Announcements)

	it, err := h.gateway.Update(context.Background(), models.Announcements, 7, json.RawMessage(`{"message":"Hall moved","priority":"HIGH"}`))
	require.NoError(t, err)
	assert.Equal(t, "HIGH", it.Text("priority"))

	e := h.entry(t, models.Announcements)
	require.Len(t, e.Items, 1)
	assert.Equal(t, "Hall moved", e.Items[0].Text("message"))
	assert.Equal(t, []bus.Reason{bus.Updated, bus.Revalidated}, reasons())

	w := h.backend.writes()[0]
	assert.Equal(t, http.MethodPut, w.Method)
	assert.Equal(t, "/announcements/7", w.Path)
}

func TestUpdateWithEmptyResponseKeepsMergedItem(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h.login(t)
	h.seed(t, models.Facilities, `[{"id":3,"name":"Library","description":"Books"}]`)

	it, err := h.gateway.Update(context.Background(), models.Facilities, 3, json.RawMessage(`{"description":"Books and laptops"}`))
	require.NoError(t, err)
	assert.Equal(t, "Library", it.Text("name"))
	assert.Equal(t, "Books and laptops", it.Text("description"))
	assert.Equal(t, cache.OriginNetwork, h.entry(t, models.Facilities).Origin)
}

func TestDeleteCommitsAndToleratesTextBody(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`Deleted`))
	})
	h.login(t)
	h.seed(t, models.Events, `[{"id":1,"title":"Sports Day"},{"id":2,"title":"Science Fair"}]`)
	reasons := subscribe(h.syncer.Bus(), models.Events)

	removed, err := h.gateway.Delete(context.Background(), models.Events, 1)
	require.NoError(t, err)
	assert.Equal(t, "Sports Day", removed.Text("title"))
	assert.Equal(t, []string{"Science Fair"}, titles(h.entry(t, models.Events).Items))
	assert.Equal(t, []bus.Reason{bus.Deleted, bus.Revalidated}, reasons())
	assert.Equal(t, "/events/1", h.backend.writes()[0].Path)
}

func TestUnauthorizedResponseInvalidatesSession(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	h.login(t)
	h.seed(t, models.Events, `[{"id":1,"title":"Sports Day"}]`)

	_, err := h.gateway.Delete(context.Background(), models.Events, 1)
	assert.ErrorIs(t, err, session.ErrUnauthorized)
	assert.Equal(t, session.Anonymous, h.guard.State())
	assert.Equal(t, []string{"Sports Day"}, titles(h.entry(t, models.Events).Items))
}

func TestExpiredSessionNeverReachesBackend(t *testing.T) {
	h := newHarnessWithToken(t, jwtToken(t, time.Now().Add(-time.Minute)), func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be called")
	})
	h.login(t)
	h.seed(t, models.Events, `[{"id":1,"title":"Sports Day"}]`)
	reasons := subscribe(h.syncer.Bus(), models.Events)

	_, err := h.gateway.Delete(context.Background(), models.Events, 1)
	assert.ErrorIs(t, err, session.ErrUnauthorized)
	assert.Equal(t, session.Anonymous, h.guard.State())
	assert.Empty(t, h.backend.writes())
	assert.Empty(t, reasons())
	series, err := testutil.GatherAndCount(h.metrics.Registry(), "schoolsync_mutations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
}

func TestAnonymousCannotMutate(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be called")
	})
	_, err := h.gateway.Update(context.Background(), models.Events, 1, json.RawMessage(`{"title":"x"}`))
	assert.ErrorIs(t, err, session.ErrUnauthorized)
}

func TestUnknownCollection(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)
	_, err := h.gateway.Delete(context.Background(), models.Collection("grades"), 1)
	require.Error(t, err)
	assert.Empty(t, h.backend.writes())
}

func TestConfiguredWritePaths(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h.login(t)
	h.gateway.opts.Paths = map[models.Collection]string{models.Events: "/events/admin"}

	_, err := h.gateway.Delete(context.Background(), models.Events, 5)
	require.NoError(t, err)
	assert.Equal(t, "/events/admin/5", h.backend.writes()[0].Path)
}

func TestOtherPageRefreshesAfterCommit(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":3,"title":"Open Day"}`))
	})
	h.login(t)

	other := sync.New(h.store, remote.New("http://unused.invalid", nil, logging.Discard()), bus.New(), sync.Options{
		Tab:    "tab-b",
		Retry:  sync.Retry{Attempts: 1},
		Logger: logging.Discard(),
	})
	defer func() {
		other.Close()
		other.Wait()
	}()
	reasons := subscribe(other.Bus(), models.Events)

	_, err := h.gateway.Create(context.Background(), models.Events, json.RawMessage(`{"title":"Open Day"}`))
	require.NoError(t, err)
	// One re-read per write to the shared entry: optimistic and committed.
	assert.Equal(t, []bus.Reason{bus.Revalidated, bus.Revalidated}, reasons())
}

func TestToggleLiveAppliesOptimisticallyThenCommits(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":2,"subject":"Maths","isLive":true}`))
	})
	h.login(t)
	h.seed(t, models.ClassSessions, `[{"id":2,"subject":"Maths","isLive":false},{"id":3,"subject":"Art","isLive":false}]`)
	hold := make(chan struct{})
	h.backend.mu.Lock()
	h.backend.hold = hold
	h.backend.mu.Unlock()

	reasons := subscribe(h.syncer.Bus(), models.ClassSessions)
	var mu gosync.Mutex
	var detail map[string]string
	h.syncer.Bus().Listen(bus.LiveStatusChanged, func(ev bus.LegacyEvent) {
		mu.Lock()
		detail = ev.Detail
		mu.Unlock()
	})

	done := make(chan error, 1)
	var toggled models.Item
	go func() {
		var err error
		toggled, err = h.gateway.Toggle(context.Background(), models.ClassSessions, 2)
		done <- err
	}()

	require.Eventually(t, func() bool { return len(h.backend.writes()) == 1 }, time.Second, 5*time.Millisecond)
	e := h.entry(t, models.ClassSessions)
	assert.Equal(t, cache.OriginOptimistic, e.Origin)
	assert.True(t, e.Items[0].Flag("isLive"))
	assert.False(t, e.Items[1].Flag("isLive"))
	mu.Lock()
	assert.Equal(t, map[string]string{"id": "2", "isLive": "true"}, detail)
	mu.Unlock()

	close(hold)
	require.NoError(t, <-done)
	assert.True(t, toggled.Flag("isLive"))
	assert.Equal(t, cache.OriginNetwork, h.entry(t, models.ClassSessions).Origin)
	assert.Equal(t, []bus.Reason{bus.Toggled, bus.Revalidated}, reasons())

	w := h.backend.writes()[0]
	assert.Equal(t, http.MethodPut, w.Method)
	assert.Equal(t, "/classes/2/toggle-live", w.Path)
	assert.JSONEq(t, `{}`, w.Body)

	logs, err := db.ListMutationLogs(h.ledger.DB(), "classes", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, OpToggle, logs[0].Op)
	assert.Equal(t, db.MutationCommitted, logs[0].Status)
}

func TestFailedToggleRestoresSnapshot(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h.login(t)
	h.gateway.opts.Paths = map[models.Collection]string{models.Announcements: "/announcements/admin"}
	h.seed(t, models.Announcements, `[{"id":9,"title":"Closed Friday","message":"Staff training","isActive":true}]`)
	before := h.entry(t, models.Announcements)

	_, err := h.gateway.Toggle(context.Background(), models.Announcements, 9)
	var ne *remote.NetworkError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, http.StatusNotFound, ne.Status)
	assert.Equal(t, before, h.entry(t, models.Announcements))
	assert.Equal(t, "/announcements/admin/9/toggle-active", h.backend.writes()[0].Path)
}

func TestToggleRefusesCollectionsWithoutFlag(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be called")
	})
	h.login(t)

	_, err := h.gateway.Toggle(context.Background(), models.Events, 1)
	require.Error(t, err)
	_, err = h.gateway.Toggle(context.Background(), models.Facilities, 4)
	require.Error(t, err)
	assert.Empty(t, h.backend.writes())
}

func TestToggleUncachedClassAddsItOnceLive(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":5,"subject":"Chemistry","isLive":true}`))
	})
	h.login(t)
	h.seed(t, models.ClassSessions, `[{"id":2,"subject":"Maths","isLive":true}]`)
	reasons := subscribe(h.syncer.Bus(), models.ClassSessions)
	var detail map[string]string
	h.syncer.Bus().Listen(bus.LiveStatusChanged, func(ev bus.LegacyEvent) { detail = ev.Detail })

	it, err := h.gateway.Toggle(context.Background(), models.ClassSessions, 5)
	require.NoError(t, err)
	assert.True(t, it.Flag("isLive"))

	e := h.entry(t, models.ClassSessions)
	assert.Equal(t, []int64{2, 5}, []int64{e.Items[0].ID, e.Items[1].ID})
	assert.Equal(t, []bus.Reason{bus.Toggled}, reasons())
	assert.Equal(t, map[string]string{"id": "5", "isLive": "true"}, detail)
}

func TestToggleUncachedClassOffStaysOutOfLiveList(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":5,"subject":"Chemistry","isLive":false}`))
	})
	h.login(t)
	h.seed(t, models.ClassSessions, `[{"id":2,"subject":"Maths","isLive":true}]`)
	var detail map[string]string
	h.syncer.Bus().Listen(bus.LiveStatusChanged, func(ev bus.LegacyEvent) { detail = ev.Detail })

	it, err := h.gateway.Toggle(context.Background(), models.ClassSessions, 5)
	require.NoError(t, err)
	assert.False(t, it.Flag("isLive"))

	e := h.entry(t, models.ClassSessions)
	require.Len(t, e.Items, 1)
	assert.Equal(t, int64(2), e.Items[0].ID)
	assert.Equal(t, map[string]string{"id": "5", "isLive": "false"}, detail)
}

func TestToggleWithEmptyResponseKeepsFlippedItem(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h.login(t)
	h.seed(t, models.Announcements, `[{"id":9,"title":"Closed Friday","message":"Staff training","isActive":true}]`)

	it, err := h.gateway.Toggle(context.Background(), models.Announcements, 9)
	require.NoError(t, err)
	assert.False(t, it.Flag("isActive"))
	h.syncer.Wait()
	assert.Equal(t, int32(1), h.backend.reads.Load())
}

func TestToggleRequiresLogin(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be called")
	})
	_, err := h.gateway.Toggle(context.Background(), models.ClassSessions, 2)
	assert.ErrorIs(t, err, session.ErrUnauthorized)
}
