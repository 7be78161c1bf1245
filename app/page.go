// ABOUTME: One page: its own bus, synchronizer, session guard, and mutation gateway
// ABOUTME: Mirrors a browser tab; several pages can share one Runtime
package app

import (
	"context"

	"github.com/harperreed/schoolsync/bus"
	"github.com/harperreed/schoolsync/cache"
	"github.com/harperreed/schoolsync/logging"
	"github.com/harperreed/schoolsync/models"
	"github.com/harperreed/schoolsync/mutation"
	"github.com/harperreed/schoolsync/session"
	"github.com/harperreed/schoolsync/sync"
	"github.com/oklog/ulid/v2"
)

type Page struct {
	ID      string
	Bus     *bus.Bus
	Sync    *sync.Synchronizer
	Guard   *session.Guard
	Gateway *mutation.Gateway

	stopWatch func()
}

// NewPage creates a page. The persisted session is not touched until Restore.
func (r *Runtime) NewPage() *Page {
	cfg := r.Config
	id := ulid.Make().String()
	b := bus.New()

	syncer := sync.New(r.Store, r.Fetcher, b, sync.Options{
		Tab:          id,
		Paths:        cfg.ReadPaths(),
		Intervals:    cfg.Intervals(),
		FetchTimeout: cfg.Backend.FetchTimeout,
		Retry: sync.Retry{
			Attempts: cfg.Retry.Attempts,
			Initial:  cfg.Retry.Initial,
			Max:      cfg.Retry.Max,
		},
		Ledger:  r.Ledger,
		Metrics: r.Metrics,
		Logger:  logging.For("sync"),
	})
	guard := session.New(r.Store, r.Fetcher, session.Options{
		Tab:       id,
		Freshness: cfg.Session.Freshness,
		Logger:    logging.For("session"),
	})
	gateway := mutation.New(syncer, guard, r.Fetcher, mutation.Options{
		Paths:   cfg.WritePaths(),
		Ledger:  r.Ledger,
		Metrics: r.Metrics,
		Logger:  logging.For("mutation"),
	})

	p := &Page{
		ID:      id,
		Bus:     b,
		Sync:    syncer,
		Guard:   guard,
		Gateway: gateway,
	}
	p.stopWatch = r.Store.Watch(id, func(ch cache.Change) {
		if ch.Key == models.SessionKey {
			guard.Reload()
		}
	})
	return p
}

// Restore loads the persisted session and validates it.
func (p *Page) Restore(ctx context.Context) error {
	return p.Guard.Restore(ctx)
}

// Close detaches the page. Fetches already running still complete.
func (p *Page) Close() {
	p.stopWatch()
	p.Sync.Close()
}

// Wait blocks until the page's background fetches finish.
func (p *Page) Wait() {
	p.Sync.Wait()
}
