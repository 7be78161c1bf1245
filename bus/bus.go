// ABOUTME: In-page publish/subscribe of collection change notifications
// ABOUTME: Also emits the legacy named events older consumers still listen for
package bus

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/harperreed/schoolsync/models"
)

type Reason string

const (
	Created     Reason = "created"
	Updated     Reason = "updated"
	Deleted     Reason = "deleted"
	Toggled     Reason = "toggled"
	Revalidated Reason = "revalidated"
)

// Mutation reports whether the reason comes from an admin write.
func (r Reason) Mutation() bool {
	return r == Created || r == Updated || r == Deleted || r == Toggled
}

// Notification says that a collection's cache entry should be re-read. ID and
// On describe the item and its new flag value for toggles.
type Notification struct {
	Key    models.Collection
	Reason Reason
	ID     int64
	On     bool
}

type Handler func(Notification)

// DataUpdated is the legacy catch-all event name. Its detail carries "type".
const DataUpdated = "data-updated"

// LiveStatusChanged is the legacy event for a class going live or offline.
// Its detail carries "id" and "isLive".
const LiveStatusChanged = "classLiveStatusChanged"

// LegacyEvent mirrors the named window events of the old site.
type LegacyEvent struct {
	Name   string
	Detail map[string]string
}

type subscription struct {
	key    models.Collection
	fn     Handler
	active atomic.Bool
}

type listener struct {
	fn     func(LegacyEvent)
	active atomic.Bool
}

// Bus is scoped to one page. Dispatch is synchronous on the publisher's goroutine.
type Bus struct {
	mu        sync.Mutex
	nextID    int
	subs      map[int]*subscription
	listeners map[string]map[int]*listener
}

func New() *Bus {
	return &Bus{
		subs:      make(map[int]*subscription),
		listeners: make(map[string]map[int]*listener),
	}
}

// Subscribe registers h for notifications about key and returns its unsubscribe.
func (b *Bus) Subscribe(key models.Collection, h Handler) func() {
	s := &subscription{key: key, fn: h}
	s.active.Store(true)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	return func() {
		s.active.Store(false)
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers n to the subscribers present when it is called, then emits
// the matching legacy events. Subscribers removed mid-dispatch are skipped.
func (b *Bus) Publish(n Notification) {
	b.deliver(n)
	for _, ev := range LegacyEvents(n) {
		b.emit(ev)
	}
}

// Listen registers fn for a legacy event name.
func (b *Bus) Listen(name string, fn func(LegacyEvent)) func() {
	l := &listener{fn: fn}
	l.active.Store(true)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.listeners[name] == nil {
		b.listeners[name] = make(map[int]*listener)
	}
	b.listeners[name][id] = l
	b.mu.Unlock()

	return func() {
		l.active.Store(false)
		b.mu.Lock()
		delete(b.listeners[name], id)
		b.mu.Unlock()
	}
}

// Dispatch lets code that still speaks the legacy names announce a change. The
// event reaches legacy listeners once and typed subscribers as a notification.
func (b *Bus) Dispatch(ev LegacyEvent) {
	b.emit(ev)
	if n, ok := FromLegacy(ev); ok {
		b.deliver(n)
	}
}

// Subscribers counts live subscriptions for key.
func (b *Bus) Subscribers(key models.Collection) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subs {
		if s.key == key {
			n++
		}
	}
	return n
}

func (b *Bus) deliver(n Notification) {
	b.mu.Lock()
	var targets []*subscription
	for _, id := range sortedIDs(b.subs) {
		if s := b.subs[id]; s.key == n.Key {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		if s.active.Load() {
			s.fn(n)
		}
	}
}

func (b *Bus) emit(ev LegacyEvent) {
	b.mu.Lock()
	set := b.listeners[ev.Name]
	targets := make([]*listener, 0, len(set))
	for _, id := range sortedIDs(set) {
		targets = append(targets, set[id])
	}
	b.mu.Unlock()

	for _, l := range targets {
		if l.active.Load() {
			l.fn(ev)
		}
	}
}

// sortedIDs keeps dispatch in subscription order.
func sortedIDs[V any](m map[int]V) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// LegacyEvents lists the named events emitted for a notification. Revalidations
// emit nothing.
func LegacyEvents(n Notification) []LegacyEvent {
	if !n.Reason.Mutation() {
		return nil
	}
	var out []LegacyEvent
	switch n.Reason {
	case Created:
		out = append(out, LegacyEvent{Name: n.Key.Singular() + "Created"})
	case Deleted:
		out = append(out, LegacyEvent{Name: n.Key.Singular() + "Deleted"})
	case Toggled:
		if n.Key == models.ClassSessions {
			detail := map[string]string{
				"id":     strconv.FormatInt(n.ID, 10),
				"isLive": strconv.FormatBool(n.On),
			}
			out = append(out, LegacyEvent{Name: LiveStatusChanged, Detail: detail})
		}
	}
	out = append(out, LegacyEvent{
		Name:   DataUpdated,
		Detail: map[string]string{"type": string(n.Key)},
	})
	return out
}

// FromLegacy maps a legacy event back to a notification.
func FromLegacy(ev LegacyEvent) (Notification, bool) {
	if ev.Name == LiveStatusChanged {
		id, _ := strconv.ParseInt(ev.Detail["id"], 10, 64)
		on, _ := strconv.ParseBool(ev.Detail["isLive"])
		return Notification{Key: models.ClassSessions, Reason: Toggled, ID: id, On: on}, true
	}
	if ev.Name == DataUpdated {
		c, err := models.ParseCollection(ev.Detail["type"])
		if err != nil {
			return Notification{}, false
		}
		return Notification{Key: c, Reason: Updated}, true
	}
	for suffix, reason := range map[string]Reason{"Created": Created, "Deleted": Deleted} {
		if stem, ok := strings.CutSuffix(ev.Name, suffix); ok {
			if c, ok := models.CollectionFromSingular(stem); ok {
				return Notification{Key: c, Reason: reason}, true
			}
		}
	}
	return Notification{}, false
}
