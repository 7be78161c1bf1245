// ABOUTME: Durable KV client wrapper with automatic sync support
// ABOUTME: Thread-safe singleton initialization using sync.Once over charm kv or local badger

package charm

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/charmbracelet/charm/client"
	"github.com/charmbracelet/charm/kv"
	"github.com/dgraph-io/badger/v3"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

var (
	globalClient *Client
	clientOnce   sync.Once
	clientErr    error
)

// backend is the subset of charm/kv.KV the client relies on.
type backend interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Keys() ([][]byte, error)
	Sync() error
	Reset() error
}

// Client wraps a KV backend with config and sync helpers.
type Client struct {
	kv     backend
	local  *localKV
	config *Config
	mu     sync.RWMutex
}

// InitClient initializes the global client (thread-safe, only runs once).
// A nil cfg loads the saved config.
func InitClient(cfg *Config) error {
	clientOnce.Do(func() {
		if cfg == nil {
			loaded, err := LoadConfig()
			if err != nil {
				clientErr = fmt.Errorf("failed to load config: %w", err)
				return
			}
			cfg = loaded
		}
		globalClient, clientErr = Open(cfg)
	})
	return clientErr
}

// GetClient returns the global client, initializing if needed.
func GetClient() (*Client, error) {
	if err := InitClient(nil); err != nil {
		return nil, err
	}
	if globalClient == nil {
		return nil, fmt.Errorf("client not initialized")
	}
	return globalClient, nil
}

// Open creates a fresh client for the configured backend.
func Open(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Backend {
	case BackendCharm:
		// Set charm host before opening KV
		_ = os.Setenv("CHARM_HOST", cfg.Host)

		db, err := kv.OpenWithDefaults(AppName)
		if err != nil {
			return nil, fmt.Errorf("failed to open charm kv: %w", err)
		}

		// Sync on startup to pull remote changes
		if cfg.AutoSync {
			_ = db.Sync()
		}
		return &Client{kv: db, config: cfg}, nil

	case BackendLocal, "":
		db, err := openLocalKV(cfg.LocalPath())
		if err != nil {
			return nil, err
		}
		return &Client{kv: db, local: db, config: cfg}, nil
	}

	return nil, fmt.Errorf("unknown kv backend: %s", cfg.Backend)
}

// Close releases the local store. The charm backend is cleaned up on process exit.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local != nil {
		return c.local.Close()
	}
	return nil
}

// Config returns the client's config.
func (c *Client) Config() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// Remote reports whether writes propagate to other devices.
func (c *Client) Remote() bool {
	return c.local == nil
}

// ID returns the charm user ID for this device.
func (c *Client) ID() (string, error) {
	cc, err := client.NewClientWithDefaults()
	if err != nil {
		return "", fmt.Errorf("failed to create charm client: %w", err)
	}
	return cc.ID()
}

// IsConnected checks if the client can connect to charm cloud.
func (c *Client) IsConnected() bool {
	if !c.Remote() {
		return false
	}
	_, err := c.ID()
	return err == nil
}

// Sync performs a manual sync with the charm server.
func (c *Client) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kv.Sync()
}

// Get retrieves a value by key. Missing keys return ErrNotFound.
func (c *Client) Get(key []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	val, err := c.kv.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

// Set stores a value and syncs if enabled.
func (c *Client) Set(key, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.kv.Set(key, value); err != nil {
		return err
	}

	// Sync while still holding lock to avoid race condition
	if c.config.AutoSync && c.Remote() {
		_ = c.kv.Sync()
	}
	return nil
}

// Delete removes a key and syncs if enabled.
func (c *Client) Delete(key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.kv.Delete(key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}

	if c.config.AutoSync && c.Remote() {
		_ = c.kv.Sync()
	}
	return nil
}

// Keys returns all keys (for debugging/admin).
func (c *Client) Keys() ([][]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.kv.Keys()
}

// KeysWithPrefix returns all keys starting with the given prefix.
func (c *Client) KeysWithPrefix(prefix []byte) ([][]byte, error) {
	allKeys, err := c.Keys()
	if err != nil {
		return nil, err
	}

	var matched [][]byte
	for _, k := range allKeys {
		if len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix) {
			matched = append(matched, k)
		}
	}
	return matched, nil
}

// Reset wipes all data from the KV store (use with caution!)
func (c *Client) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kv.Reset()
}
