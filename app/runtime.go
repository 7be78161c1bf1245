// ABOUTME: Process-wide wiring of the store, ledger, metrics, fetcher, and Redis bridge
// ABOUTME: Pages are created from a Runtime and share everything it owns
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harperreed/schoolsync/cache"
	"github.com/harperreed/schoolsync/charm"
	"github.com/harperreed/schoolsync/config"
	"github.com/harperreed/schoolsync/db"
	"github.com/harperreed/schoolsync/logging"
	"github.com/harperreed/schoolsync/metrics"
	"github.com/harperreed/schoolsync/notify"
	"github.com/harperreed/schoolsync/remote"
	"github.com/redis/go-redis/v9"
)

// Runtime owns the resources shared by every page of the process.
type Runtime struct {
	Config  *config.Config
	KV      *charm.Client
	Store   *cache.Store
	Fetcher *remote.Fetcher
	Ledger  *db.Ledger
	Metrics *metrics.Metrics
	Bridge  *notify.Bridge

	database *sql.DB
	redis    *redis.Client
	log      *log.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Open connects storage, the ledger, and the optional Redis bridge.
func Open(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := logging.For("app")

	kvCfg, err := kvConfig(cfg)
	if err != nil {
		return nil, err
	}
	kv, err := charm.Open(kvCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	database, err := db.OpenDatabase(cfg.Ledger.Path)
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Runtime{
		Config:   cfg,
		KV:       kv,
		Store:    cache.New(kv, logging.For("cache")),
		Fetcher:  remote.New(cfg.Backend.BaseURL, remote.NewHTTPClient(cfg.Backend.Timeout), logging.For("remote")),
		Ledger:   db.NewLedger(database),
		Metrics:  metrics.New(),
		database: database,
		log:      logger,
		cancel:   cancel,
	}

	if cfg.Redis.Addr != "" {
		if err := r.startBridge(ctx); err != nil {
			r.log.Warn("redis bridge disabled", "addr", cfg.Redis.Addr, "err", err)
		}
	}
	if kv.Remote() && cfg.Storage.PullInterval > 0 {
		r.wg.Add(1)
		go r.pullLoop(ctx, cfg.Storage.PullInterval)
	}
	return r, nil
}

func kvConfig(cfg *config.Config) (*charm.Config, error) {
	var kvCfg *charm.Config
	if cfg.Storage.Backend == "" {
		loaded, err := charm.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load storage config: %w", err)
		}
		kvCfg = loaded
	} else {
		kvCfg = charm.DefaultConfig()
		kvCfg.Backend = cfg.Storage.Backend
	}
	if cfg.Storage.Host != "" {
		kvCfg.Host = cfg.Storage.Host
	}
	if cfg.Storage.Dir != "" {
		kvCfg.LocalDir = cfg.Storage.Dir
	}
	return kvCfg, nil
}

func (r *Runtime) startBridge(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:     r.Config.Redis.Addr,
		Password: r.Config.Redis.Password,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return err
	}

	r.redis = client
	r.Bridge = notify.New(client, r.Store, r.Config.Redis.Channel, logging.For("notify"))
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Warn("redis bridge stopped", "err", err)
		}
	}()
	return nil
}

// pullLoop picks up marker changes synced from other devices.
func (r *Runtime) pullLoop(ctx context.Context, every time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Store.PollMarker(); err != nil {
				r.log.Warn("kv pull failed", "err", err)
			}
		}
	}
}

// DB exposes the ledger database for reporting.
func (r *Runtime) DB() *sql.DB {
	return r.database
}

// Close stops background work and releases storage.
func (r *Runtime) Close() error {
	r.cancel()
	r.wg.Wait()

	var errs []error
	if r.redis != nil {
		errs = append(errs, r.redis.Close())
	}
	errs = append(errs, r.database.Close(), r.KV.Close())
	return errors.Join(errs...)
}
