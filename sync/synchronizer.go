// ABOUTME: Stale-while-revalidate orchestration for one page
// ABOUTME: Serves cached entries at once, refreshes in the background, and reacts to refresh triggers
package sync

import (
	"context"
	"encoding/json"
	"net/http"
	gosync "sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harperreed/schoolsync/bus"
	"github.com/harperreed/schoolsync/cache"
	"github.com/harperreed/schoolsync/coalesce"
	"github.com/harperreed/schoolsync/logging"
	"github.com/harperreed/schoolsync/metrics"
	"github.com/harperreed/schoolsync/models"
	"github.com/harperreed/schoolsync/remote"
)

// Fetcher performs backend requests. *remote.Fetcher implements it.
type Fetcher interface {
	Do(ctx context.Context, r remote.Request) (json.RawMessage, error)
}

// Ledger records fetch outcomes. *db.Ledger implements it.
type Ledger interface {
	FetchStarted(collection string) error
	FetchFinished(collection string, itemCount int, err error) error
}

type Options struct {
	// Tab identifies the page in cache writes.
	Tab string
	// Paths overrides the read path per collection. The default is /<collection>.
	Paths map[models.Collection]string
	// Intervals enables periodic refresh per collection while it is watched.
	Intervals map[models.Collection]time.Duration
	// FetchTimeout bounds one fetch including retries.
	FetchTimeout time.Duration
	Retry        Retry
	Ledger       Ledger
	Metrics      *metrics.Metrics
	Logger       *log.Logger
}

type watch struct {
	count int
	stop  chan struct{}
	unsub func()
}

// Synchronizer is the only writer of collection entries for its page.
type Synchronizer struct {
	store   *cache.Store
	fetcher Fetcher
	bus     *bus.Bus
	opts    Options
	log     *log.Logger
	flights *coalesce.Group[cache.Entry]

	mu        gosync.Mutex
	watched   map[models.Collection]*watch
	mutating  map[models.Collection]int
	closed    bool
	stopStore func()
	inflight  gosync.WaitGroup
}

func New(store *cache.Store, fetcher Fetcher, b *bus.Bus, opts Options) *Synchronizer {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = DefaultRetry
	}
	if opts.Logger == nil {
		opts.Logger = logging.For("sync")
	}
	s := &Synchronizer{
		store:    store,
		fetcher:  fetcher,
		bus:      b,
		opts:     opts,
		log:      opts.Logger.With("tab", opts.Tab),
		flights:  coalesce.New[cache.Entry](opts.FetchTimeout),
		watched:  make(map[models.Collection]*watch),
		mutating: make(map[models.Collection]int),
	}
	s.stopStore = store.Watch(opts.Tab, s.onStorage)
	return s
}

// Tab returns the page identifier.
func (s *Synchronizer) Tab() string {
	return s.opts.Tab
}

// Bus returns the page bus.
func (s *Synchronizer) Bus() *bus.Bus {
	return s.bus
}

// Store returns the shared cache store.
func (s *Synchronizer) Store() *cache.Store {
	return s.store
}

// Get reads the cached entry without scheduling anything.
func (s *Synchronizer) Get(c models.Collection) (cache.Entry, bool) {
	e, ok, err := s.store.Read(c)
	if err != nil {
		s.log.Warn("cache read failed", "collection", c, "err", err)
		return cache.Entry{}, false
	}
	return e, ok
}

// GetOrRefresh returns the cached entry immediately and schedules a coalesced
// background fetch. The entry is empty when nothing is cached. Entries that
// came from the network are reported with origin cache.
func (s *Synchronizer) GetOrRefresh(c models.Collection) cache.Entry {
	e, _ := s.Get(c)
	if e.Origin == cache.OriginNetwork {
		e.Origin = cache.OriginCache
	}
	s.refreshAsync(c)
	return e
}

// Refresh fetches c and waits for the outcome. Unlike background refreshes it
// reports errors to the caller.
func (s *Synchronizer) Refresh(ctx context.Context, c models.Collection) (cache.Entry, error) {
	key := string(c)
	if s.flights.Pending(key) {
		s.opts.Metrics.Coalesced(key)
	}
	e, _, err := s.flights.Run(ctx, key, func(ctx context.Context) (cache.Entry, error) {
		return s.fetch(ctx, c)
	})
	return e, err
}

// Wait blocks until background refreshes started so far have settled.
func (s *Synchronizer) Wait() {
	s.inflight.Wait()
}

// Apply writes items for c and publishes reason. The mutation gateway uses it
// so optimistic state, commits, and rollbacks flow through one writer.
func (s *Synchronizer) Apply(c models.Collection, items []models.Item, origin cache.Origin, reason bus.Reason) (cache.Entry, error) {
	return s.ApplyNotice(items, origin, bus.Notification{Key: c, Reason: reason})
}

// ApplyNotice writes items for n.Key and publishes n unchanged, for writes
// whose notification carries item details.
func (s *Synchronizer) ApplyNotice(items []models.Item, origin cache.Origin, n bus.Notification) (cache.Entry, error) {
	e, err := s.store.Write(s.opts.Tab, n.Key, items, origin)
	if err != nil {
		return cache.Entry{}, err
	}
	s.publish(n)
	return e, nil
}

// Restore puts back an entry captured before an optimistic change, byte for
// byte, and publishes revalidated. had false means nothing was cached, so the
// entry is removed.
func (s *Synchronizer) Restore(c models.Collection, prev cache.Entry, had bool) error {
	var err error
	if had {
		prev.Key = c
		err = s.store.Put(s.opts.Tab, prev)
	} else {
		err = s.store.Clear(s.opts.Tab, c)
	}
	if err != nil {
		return err
	}
	s.publish(bus.Notification{Key: c, Reason: bus.Revalidated})
	return nil
}

// BeginMutation marks c as being mutated through this page until end is called.
func (s *Synchronizer) BeginMutation(c models.Collection) (end func()) {
	s.mu.Lock()
	s.mutating[c]++
	s.mu.Unlock()

	var once gosync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.mutating[c]--
			if s.mutating[c] <= 0 {
				delete(s.mutating, c)
			}
			s.mu.Unlock()
		})
	}
}

// Watch mounts a view of c: the cached entry is returned, a refresh is
// scheduled, and the periodic and notification triggers stay active until the
// last stop call.
func (s *Synchronizer) Watch(c models.Collection) (cache.Entry, func()) {
	s.mu.Lock()
	w := s.watched[c]
	if w == nil {
		w = &watch{stop: make(chan struct{})}
		s.watched[c] = w
		w.unsub = s.bus.Subscribe(c, func(n bus.Notification) {
			if n.Reason.Mutation() && !s.isMutating(c) {
				s.refreshAsync(c)
			}
		})
		if every := s.opts.Intervals[c]; every > 0 {
			go s.poll(c, every, w.stop)
		}
	}
	w.count++
	s.mu.Unlock()

	var once gosync.Once
	stop := func() {
		once.Do(func() { s.unwatch(c, w) })
	}
	return s.GetOrRefresh(c), stop
}

// Watched lists the collections with at least one watcher.
func (s *Synchronizer) Watched() []models.Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Collection
	for _, c := range models.AllCollections {
		if _, ok := s.watched[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Focus is the window focus trigger.
func (s *Synchronizer) Focus() {
	s.refreshWatched("focus")
}

// Visible is the page visibility trigger.
func (s *Synchronizer) Visible() {
	s.refreshWatched("visible")
}

// Close stops timers and listeners. In-flight fetches run to completion.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	watches := s.watched
	s.watched = make(map[models.Collection]*watch)
	s.mu.Unlock()

	s.stopStore()
	for _, w := range watches {
		close(w.stop)
		w.unsub()
	}
}

func (s *Synchronizer) unwatch(c models.Collection, w *watch) {
	s.mu.Lock()
	if s.watched[c] != w {
		s.mu.Unlock()
		return
	}
	w.count--
	last := w.count == 0
	if last {
		delete(s.watched, c)
	}
	s.mu.Unlock()

	if last {
		close(w.stop)
		w.unsub()
	}
}

func (s *Synchronizer) poll(c models.Collection, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.log.Debug("interval refresh", "collection", c)
			s.refreshAsync(c)
		}
	}
}

func (s *Synchronizer) refreshWatched(trigger string) {
	for _, c := range s.Watched() {
		s.log.Debug("trigger refresh", "trigger", trigger, "collection", c)
		s.GetOrRefresh(c)
	}
}

func (s *Synchronizer) isMutating(c models.Collection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutating[c] > 0
}

// onStorage handles writes made by other pages.
func (s *Synchronizer) onStorage(ch cache.Change) {
	if ch.Key == models.MarkerKey {
		s.refreshWatched("marker")
		return
	}
	if c, ok := models.CollectionFromStorageKey(ch.Key); ok {
		// The other page already fetched; re-read without a request.
		s.publish(bus.Notification{Key: c, Reason: bus.Revalidated})
	}
}

func (s *Synchronizer) refreshAsync(c models.Collection) {
	key := string(c)
	if s.flights.Pending(key) {
		s.opts.Metrics.Coalesced(key)
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		_, _, _ = s.flights.Run(context.Background(), key, func(ctx context.Context) (cache.Entry, error) {
			return s.fetch(ctx, c)
		})
	}()
}

func (s *Synchronizer) fetch(ctx context.Context, c models.Collection) (cache.Entry, error) {
	start := time.Now()
	s.ledgerStarted(c)

	path := s.opts.Paths[c]
	if path == "" {
		path = "/" + string(c)
	}

	var raw json.RawMessage
	err := retry(ctx, s.opts.Retry, func() error {
		var err error
		raw, err = s.fetcher.Do(ctx, remote.Request{Method: http.MethodGet, Path: path})
		return err
	})
	if err != nil {
		s.log.Warn("fetch failed, keeping cached entry", "collection", c, "err", err)
		s.opts.Metrics.FetchDone(string(c), time.Since(start), metrics.OutcomeError)
		s.ledgerFinished(c, 0, err)
		return cache.Entry{}, err
	}

	items, err := models.ParseItems(c, raw)
	if err != nil {
		s.log.Warn("discarding malformed payload", "collection", c, "err", err)
		s.opts.Metrics.FetchDone(string(c), time.Since(start), metrics.OutcomeInvalid)
		s.ledgerFinished(c, 0, err)
		return cache.Entry{}, err
	}

	e, err := s.store.Write(s.opts.Tab, c, items, cache.OriginNetwork)
	if err != nil {
		s.log.Error("cache write failed", "collection", c, "err", err)
		s.ledgerFinished(c, 0, err)
		return cache.Entry{}, err
	}

	s.opts.Metrics.FetchDone(string(c), time.Since(start), metrics.OutcomeOK)
	s.opts.Metrics.CacheSize(string(c), len(items))
	s.ledgerFinished(c, len(items), nil)
	s.log.Debug("revalidated", "collection", c, "items", len(items))
	s.publish(bus.Notification{Key: c, Reason: bus.Revalidated})
	return e, nil
}

func (s *Synchronizer) publish(n bus.Notification) {
	s.opts.Metrics.Notified(string(n.Key), string(n.Reason))
	s.bus.Publish(n)
}

func (s *Synchronizer) ledgerStarted(c models.Collection) {
	if s.opts.Ledger == nil {
		return
	}
	if err := s.opts.Ledger.FetchStarted(string(c)); err != nil {
		s.log.Debug("ledger write failed", "err", err)
	}
}

func (s *Synchronizer) ledgerFinished(c models.Collection, n int, fetchErr error) {
	if s.opts.Ledger == nil {
		return
	}
	if err := s.opts.Ledger.FetchFinished(string(c), n, fetchErr); err != nil {
		s.log.Debug("ledger write failed", "err", err)
	}
}
