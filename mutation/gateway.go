// ABOUTME: Admin writes with optimistic apply and rollback
// ABOUTME: Authorizes, applies locally, calls the backend, then commits or restores the snapshot
package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harperreed/schoolsync/bus"
	"github.com/harperreed/schoolsync/cache"
	"github.com/harperreed/schoolsync/db"
	"github.com/harperreed/schoolsync/logging"
	"github.com/harperreed/schoolsync/metrics"
	"github.com/harperreed/schoolsync/models"
	"github.com/harperreed/schoolsync/remote"
	"github.com/harperreed/schoolsync/session"
	"github.com/harperreed/schoolsync/sync"
	"golang.org/x/oauth2"
)

const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
	OpToggle = "toggle"
)

// ErrMalformedResponse reports a successful write whose body could not be used.
var ErrMalformedResponse = errors.New("malformed response")

// MutationError wraps every write-path failure.
type MutationError struct {
	Op  string
	Key models.Collection
	ID  int64
	Err error
}

func (e *MutationError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("%s %s/%d: %v", e.Op, e.Key, e.ID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

// Authorizer hands out credentials. *session.Guard implements it.
type Authorizer interface {
	Authorize(ctx context.Context) (*oauth2.Token, error)
	Invalidate(reason string)
	Session() (models.Session, bool)
}

// Backend performs the write requests. *remote.Fetcher implements it.
type Backend interface {
	Do(ctx context.Context, r remote.Request) (json.RawMessage, error)
}

// Ledger receives one record per attempted write. *db.Ledger implements it.
type Ledger interface {
	MutationFinished(rec db.MutationRecord) error
}

type Options struct {
	// Paths overrides the write base path per collection. The default is /<collection>.
	Paths   map[models.Collection]string
	Ledger  Ledger
	Metrics *metrics.Metrics
	Logger  *log.Logger
}

// Gateway is the only way admin changes reach the backend.
type Gateway struct {
	syncer  *sync.Synchronizer
	auth    Authorizer
	backend Backend
	opts    Options
	log     *log.Logger
	now     func() time.Time
	tempID  atomic.Int64

	mu    gosync.Mutex
	locks map[models.Collection]*gosync.Mutex
}

func New(syncer *sync.Synchronizer, auth Authorizer, backend Backend, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = logging.For("mutation")
	}
	return &Gateway{
		syncer:  syncer,
		auth:    auth,
		backend: backend,
		opts:    opts,
		log:     opts.Logger.With("tab", syncer.Tab()),
		now:     time.Now,
		locks:   make(map[models.Collection]*gosync.Mutex),
	}
}

// Create adds an item. The cached view shows it under a temporary negative id
// until the backend answers with the stored entity.
func (g *Gateway) Create(ctx context.Context, c models.Collection, payload json.RawMessage) (models.Item, error) {
	w, err := g.begin(ctx, c, OpCreate, 0)
	if err != nil {
		return models.Item{}, err
	}
	defer w.end()

	temp, err := models.ItemFromPayload(payload, g.tempID.Add(-1))
	if err == nil {
		_, err = models.ValidateItem(c, temp.Raw)
	}
	if err != nil {
		return models.Item{}, w.reject(err)
	}

	if err := w.optimistic(append(cloneItems(w.before), temp), bus.Created); err != nil {
		return models.Item{}, w.reject(err)
	}

	raw, err := g.backend.Do(ctx, remote.Request{
		Method: http.MethodPost,
		Path:   g.path(c),
		Body:   payload,
		Token:  w.token,
	})
	if err != nil && !remote.IsMalformed(err) {
		return models.Item{}, w.rollback(err)
	}

	created, verr := models.ValidateItem(c, raw)
	if err != nil || verr != nil {
		if err == nil {
			err = verr
		}
		// The server may have stored it; a refresh settles the real state.
		rerr := w.rollback(fmt.Errorf("%w: %w", ErrMalformedResponse, err))
		g.syncer.GetOrRefresh(c)
		return models.Item{}, rerr
	}
	w.id = created.ID
	return created, w.commit(append(cloneItems(w.before), created))
}

// Update merges payload over the item with id. An empty success body keeps the
// merged view.
func (g *Gateway) Update(ctx context.Context, c models.Collection, id int64, payload json.RawMessage) (models.Item, error) {
	w, err := g.begin(ctx, c, OpUpdate, id)
	if err != nil {
		return models.Item{}, err
	}
	defer w.end()

	var merged models.Item
	if idx := models.IndexOf(w.before, id); idx >= 0 {
		merged, err = w.before[idx].Merge(payload)
	} else {
		merged, err = models.ItemFromPayload(payload, id)
	}
	if err != nil {
		return models.Item{}, w.reject(err)
	}

	if err := w.optimistic(models.Replace(w.before, merged), bus.Updated); err != nil {
		return models.Item{}, w.reject(err)
	}

	raw, err := g.backend.Do(ctx, remote.Request{
		Method: http.MethodPut,
		Path:   g.itemPath(c, id),
		Body:   payload,
		Token:  w.token,
	})
	if err != nil && !remote.IsMalformed(err) {
		return models.Item{}, w.rollback(err)
	}

	updated := merged
	if len(raw) > 0 {
		if it, verr := models.ValidateItem(c, raw); verr == nil && it.ID == id {
			updated = it
		} else {
			err = ErrMalformedResponse
		}
	}
	if cerr := w.commit(models.Replace(w.before, updated)); cerr != nil {
		return models.Item{}, cerr
	}
	if err != nil {
		// The write landed; the merged view stands until the refresh replaces it.
		g.log.Warn("unusable update response", "collection", c, "id", id, "err", err)
		g.syncer.GetOrRefresh(c)
	}
	return updated, nil
}

// Delete removes the item with id and returns what was cached for it.
func (g *Gateway) Delete(ctx context.Context, c models.Collection, id int64) (models.Item, error) {
	w, err := g.begin(ctx, c, OpDelete, id)
	if err != nil {
		return models.Item{}, err
	}
	defer w.end()

	var removed models.Item
	if idx := models.IndexOf(w.before, id); idx >= 0 {
		removed = w.before[idx]
	}

	if err := w.optimistic(models.Without(w.before, id), bus.Deleted); err != nil {
		return models.Item{}, w.reject(err)
	}

	_, err = g.backend.Do(ctx, remote.Request{
		Method: http.MethodDelete,
		Path:   g.itemPath(c, id),
		Token:  w.token,
	})
	if err != nil && !remote.IsMalformed(err) {
		return models.Item{}, w.rollback(err)
	}
	return removed, w.commit(models.Without(w.before, id))
}

// Toggle flips the admin flag of one item: live for classes, active for
// announcements. A cached item shows the flipped flag until the backend answers
// with the stored entity. An uncached item, such as an offline class missing
// from the live list, is added once the backend returns it switched on.
func (g *Gateway) Toggle(ctx context.Context, c models.Collection, id int64) (models.Item, error) {
	field, action, ok := c.ToggleField()
	if !ok {
		return models.Item{}, &MutationError{Op: OpToggle, Key: c, ID: id, Err: fmt.Errorf("%s have no flag to toggle", c)}
	}
	w, err := g.begin(ctx, c, OpToggle, id)
	if err != nil {
		return models.Item{}, err
	}
	defer w.end()

	var flipped models.Item
	idx := models.IndexOf(w.before, id)
	cached := idx >= 0
	if cached {
		cur := w.before[idx]
		on := !cur.Flag(field)
		flipped, err = cur.Merge(json.RawMessage(fmt.Sprintf(`{%q:%t}`, field, on)))
		if err != nil {
			return models.Item{}, w.reject(err)
		}
		n := bus.Notification{Key: c, Reason: bus.Toggled, ID: id, On: on}
		if _, err := g.syncer.ApplyNotice(models.Replace(w.before, flipped), cache.OriginOptimistic, n); err != nil {
			return models.Item{}, w.reject(err)
		}
	}

	raw, err := g.backend.Do(ctx, remote.Request{
		Method: http.MethodPut,
		Path:   g.itemPath(c, id) + "/" + action,
		Body:   map[string]any{},
		Token:  w.token,
	})
	if err != nil && !remote.IsMalformed(err) {
		return models.Item{}, w.rollback(err)
	}

	toggled, verr := models.ValidateItem(c, raw)
	if err == nil && verr == nil && toggled.ID == id {
		done := bus.Notification{Key: c, Reason: bus.Revalidated}
		items := models.Replace(w.before, toggled)
		if !cached {
			done = bus.Notification{Key: c, Reason: bus.Toggled, ID: id, On: toggled.Flag(field)}
			if !done.On {
				items = w.before
			}
		}
		return toggled, w.commitWith(items, done)
	}

	// The flip landed but the answer is unusable; a refresh settles the real state.
	g.log.Warn("unusable toggle response", "collection", c, "id", id, "err", verr)
	defer g.syncer.GetOrRefresh(c)
	if cached {
		return flipped, w.commit(models.Replace(w.before, flipped))
	}
	w.settle()
	return models.Item{}, &MutationError{Op: OpToggle, Key: c, ID: id, Err: ErrMalformedResponse}
}

func (g *Gateway) path(c models.Collection) string {
	if p := g.opts.Paths[c]; p != "" {
		return p
	}
	return "/" + string(c)
}

func (g *Gateway) itemPath(c models.Collection, id int64) string {
	return g.path(c) + "/" + strconv.FormatInt(id, 10)
}

func (g *Gateway) lock(c models.Collection) *gosync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l := g.locks[c]
	if l == nil {
		l = &gosync.Mutex{}
		g.locks[c] = l
	}
	return l
}

// write tracks one mutation from authorization to commit or rollback.
type write struct {
	g      *Gateway
	key    models.Collection
	op     string
	id     int64
	token  *oauth2.Token
	user   string
	prev   cache.Entry
	had    bool
	before []models.Item
	unlock func()
	done   func()
}

func (g *Gateway) begin(ctx context.Context, c models.Collection, op string, id int64) (*write, error) {
	if !c.Valid() {
		return nil, &MutationError{Op: op, Key: c, ID: id, Err: fmt.Errorf("unknown collection %q", c)}
	}

	l := g.lock(c)
	l.Lock()

	tok, err := g.auth.Authorize(ctx)
	if err != nil {
		l.Unlock()
		g.opts.Metrics.MutationDone(string(c), op, metrics.OutcomeUnauthorized)
		g.log.Warn("mutation refused", "op", op, "collection", c, "err", err)
		return nil, &MutationError{Op: op, Key: c, ID: id, Err: err}
	}

	e, had := g.syncer.Get(c)
	w := &write{
		g:      g,
		key:    c,
		op:     op,
		id:     id,
		token:  tok,
		prev:   e,
		had:    had,
		before: cloneItems(e.Items),
		unlock: l.Unlock,
		done:   g.syncer.BeginMutation(c),
	}
	if sess, ok := g.auth.Session(); ok {
		w.user = sess.Username
	}
	return w, nil
}

func (w *write) end() {
	w.done()
	w.unlock()
}

func (w *write) optimistic(items []models.Item, reason bus.Reason) error {
	_, err := w.g.syncer.Apply(w.key, items, cache.OriginOptimistic, reason)
	return err
}

// reject fails the mutation before anything reached the backend.
func (w *write) reject(err error) error {
	w.g.opts.Metrics.MutationDone(string(w.key), w.op, metrics.OutcomeError)
	return &MutationError{Op: w.op, Key: w.key, ID: w.id, Err: err}
}

func (w *write) rollback(cause error) error {
	g := w.g
	if err := g.syncer.Restore(w.key, w.prev, w.had); err != nil {
		g.log.Error("rollback failed", "collection", w.key, "err", err)
	}
	if remote.IsUnauthorized(cause) {
		g.auth.Invalidate(fmt.Sprintf("%s %s rejected the credential", w.op, w.key))
		cause = fmt.Errorf("%w: %w", session.ErrUnauthorized, cause)
	}

	g.log.Warn("mutation rolled back", "op", w.op, "collection", w.key, "id", w.id, "err", cause)
	g.opts.Metrics.MutationDone(string(w.key), w.op, metrics.OutcomeRolledBack)
	w.record(cause)
	return &MutationError{Op: w.op, Key: w.key, ID: w.id, Err: cause}
}

func (w *write) commit(items []models.Item) error {
	return w.commitWith(items, bus.Notification{Key: w.key, Reason: bus.Revalidated})
}

// commitWith stores the confirmed items and publishes n.
func (w *write) commitWith(items []models.Item, n bus.Notification) error {
	if _, err := w.g.syncer.ApplyNotice(items, cache.OriginNetwork, n); err != nil {
		return &MutationError{Op: w.op, Key: w.key, ID: w.id, Err: err}
	}
	w.g.opts.Metrics.CacheSize(string(w.key), len(items))
	w.settle()
	return nil
}

// settle announces a write the backend accepted to other pages and processes.
func (w *write) settle() {
	g := w.g
	if _, err := g.syncer.Store().TouchMarker(g.syncer.Tab()); err != nil {
		g.log.Warn("failed to touch update marker", "err", err)
	}
	g.log.Info("mutation committed", "op", w.op, "collection", w.key, "id", w.id)
	g.opts.Metrics.MutationDone(string(w.key), w.op, metrics.OutcomeCommitted)
	w.record(nil)
}

func (w *write) record(err error) {
	g := w.g
	if g.opts.Ledger == nil {
		return
	}
	rec := db.MutationRecord{
		Collection: string(w.key),
		Op:         w.op,
		ItemID:     w.id,
		Page:       g.syncer.Tab(),
		Err:        err,
		Username:   w.user,
		At:         g.now(),
	}
	if lerr := g.opts.Ledger.MutationFinished(rec); lerr != nil {
		g.log.Debug("ledger write failed", "err", lerr)
	}
}

func cloneItems(items []models.Item) []models.Item {
	out := make([]models.Item, len(items))
	copy(out, items)
	return out
}
