// ABOUTME: Namespaced persistent cache of collection snapshots over the durable KV
// ABOUTME: Atomic whole-entry writes with storage-event style fan-out to other pages
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harperreed/schoolsync/charm"
	"github.com/harperreed/schoolsync/logging"
	"github.com/harperreed/schoolsync/models"
)

// Origin records how an entry came to be.
type Origin string

const (
	OriginNetwork    Origin = "network"
	OriginCache      Origin = "cache"
	OriginOptimistic Origin = "optimistic"
)

// Entry is the persisted snapshot of one collection.
type Entry struct {
	Key       models.Collection `json:"key"`
	Items     []models.Item     `json:"items"`
	FetchedAt time.Time         `json:"fetchedAt"`
	Origin    Origin            `json:"origin"`
	Writer    string            `json:"writer,omitempty"`
}

// Empty reports whether nothing was cached.
func (e Entry) Empty() bool {
	return e.Origin == ""
}

// Change describes a write seen by other pages. Value is nil when the key was removed.
type Change struct {
	Key    string
	Value  []byte
	Writer string
}

// KV is the durable storage the cache sits on. *charm.Client implements it.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	KeysWithPrefix(prefix []byte) ([][]byte, error)
	Sync() error
}

type watcher struct {
	tab string
	fn  func(Change)
}

// Store is shared by every page of a process.
type Store struct {
	kv  KV
	log *log.Logger
	now func() time.Time

	writeMu    sync.Mutex
	mu         sync.Mutex
	watchers   map[int]watcher
	nextID     int
	lastMarker int64
}

func New(kv KV, logger *log.Logger) *Store {
	if logger == nil {
		logger = logging.For("cache")
	}
	s := &Store{
		kv:       kv,
		log:      logger,
		now:      time.Now,
		watchers: make(map[int]watcher),
	}
	s.lastMarker, _ = s.Marker()
	return s
}

// Read returns the entry for c. A missing or unreadable entry reports false.
func (s *Store) Read(c models.Collection) (Entry, bool, error) {
	data, ok, err := s.Load(c.StorageKey())
	if err != nil || !ok {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		s.log.Warn("discarding unreadable cache entry", "key", c, "err", err)
		return Entry{}, false, nil
	}
	if e.Items == nil {
		e.Items = []models.Item{}
	}
	return e, true, nil
}

// Write replaces the entry for c in a single KV write.
func (s *Store) Write(writer string, c models.Collection, items []models.Item, origin Origin) (Entry, error) {
	if items == nil {
		items = []models.Item{}
	}
	e := Entry{
		Key:       c,
		Items:     items,
		FetchedAt: s.now(),
		Origin:    origin,
		Writer:    writer,
	}
	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to encode %s entry: %w", c, err)
	}
	if err := s.Save(writer, c.StorageKey(), data); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Put persists e exactly as captured, keeping its FetchedAt, Origin and Writer.
// writer names the page making the write so its own watchers are skipped.
func (s *Store) Put(writer string, e Entry) error {
	if !e.Key.Valid() {
		return fmt.Errorf("cannot put entry with unknown key %q", e.Key)
	}
	if e.Items == nil {
		e.Items = []models.Item{}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode %s entry: %w", e.Key, err)
	}
	return s.Save(writer, e.Key.StorageKey(), data)
}

// Clear removes the entry for c.
func (s *Store) Clear(writer string, c models.Collection) error {
	return s.Remove(writer, c.StorageKey())
}

// Load reads a raw value.
func (s *Store) Load(key string) ([]byte, bool, error) {
	data, err := s.kv.Get([]byte(key))
	if errors.Is(err, charm.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, true, nil
}

// Save writes a raw value and notifies every other page.
func (s *Store) Save(writer, key string, value []byte) error {
	s.writeMu.Lock()
	err := s.kv.Set([]byte(key), value)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	s.Notify(Change{Key: key, Value: value, Writer: writer})
	return nil
}

// Remove deletes a raw value and notifies every other page.
func (s *Store) Remove(writer, key string) error {
	s.writeMu.Lock()
	err := s.kv.Delete([]byte(key))
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	s.Notify(Change{Key: key, Writer: writer})
	return nil
}

// Keys lists every namespaced key.
func (s *Store) Keys() ([]string, error) {
	raw, err := s.kv.KeysWithPrefix([]byte(models.KeyPrefix))
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, string(k))
	}
	return keys, nil
}

// TouchMarker stores the current time in milliseconds under the shared marker key.
// The value always moves forward so every touch is observable.
func (s *Store) TouchMarker(writer string) (int64, error) {
	s.mu.Lock()
	v := s.now().UnixMilli()
	if v <= s.lastMarker {
		v = s.lastMarker + 1
	}
	s.lastMarker = v
	s.mu.Unlock()

	if err := s.Save(writer, models.MarkerKey, []byte(strconv.FormatInt(v, 10))); err != nil {
		return 0, err
	}
	return v, nil
}

// Marker returns the last-update marker, or 0 when unset.
func (s *Store) Marker() (int64, error) {
	data, ok, err := s.Load(models.MarkerKey)
	if err != nil || !ok {
		return 0, err
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid marker %q: %w", data, err)
	}
	return v, nil
}

// PollMarker syncs the KV with its remote and reports a marker moved by another device
// to every page.
func (s *Store) PollMarker() (bool, error) {
	if err := s.kv.Sync(); err != nil {
		return false, fmt.Errorf("failed to sync kv: %w", err)
	}
	v, err := s.Marker()
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	changed := v > s.lastMarker
	if changed {
		s.lastMarker = v
	}
	s.mu.Unlock()

	if changed {
		s.log.Debug("marker moved remotely", "marker", v)
		s.Notify(Change{Key: models.MarkerKey, Value: []byte(strconv.FormatInt(v, 10))})
	}
	return changed, nil
}

// Watch registers fn for writes made by any page other than tab.
// Delivery is synchronous on the writer's goroutine with no locks held.
func (s *Store) Watch(tab string, fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = watcher{tab: tab, fn: fn}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// Notify delivers ch to every watcher except the writer's page.
// Bridges call it to surface changes made in other processes.
func (s *Store) Notify(ch Change) {
	s.mu.Lock()
	if ch.Key == models.MarkerKey && ch.Value != nil {
		if v, err := strconv.ParseInt(string(ch.Value), 10, 64); err == nil && v > s.lastMarker {
			s.lastMarker = v
		}
	}
	targets := make([]watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		if w.tab != ch.Writer {
			targets = append(targets, w)
		}
	}
	s.mu.Unlock()

	for _, w := range targets {
		w.fn(ch)
	}
}
