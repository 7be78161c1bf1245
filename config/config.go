// ABOUTME: Application configuration loaded from YAML with environment overrides
// ABOUTME: Covers the backend, refresh intervals, storage, ledger, and serving options
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adrg/xdg"
	"github.com/harperreed/schoolsync/models"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Backend struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// Collection configures one content collection.
type Collection struct {
	ReadPath  string        `yaml:"read_path"`
	WritePath string        `yaml:"write_path"`
	Interval  time.Duration `yaml:"interval"`
}

type Retry struct {
	Attempts int           `yaml:"attempts"`
	Initial  time.Duration `yaml:"initial"`
	Max      time.Duration `yaml:"max"`
}

type Session struct {
	Freshness time.Duration `yaml:"freshness"`
}

type Storage struct {
	// Backend is "local" or "charm". Empty keeps the choice saved by the kv commands.
	Backend      string        `yaml:"backend"`
	Dir          string        `yaml:"dir"`
	Host         string        `yaml:"host"`
	PullInterval time.Duration `yaml:"pull_interval"`
}

type Ledger struct {
	Path string `yaml:"path"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	Channel  string `yaml:"channel"`
}

type Server struct {
	ListenAddress string        `yaml:"listen_address"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

type Config struct {
	Backend     Backend                          `yaml:"backend"`
	Collections map[models.Collection]Collection `yaml:"collections"`
	Retry       Retry                            `yaml:"retry"`
	Session     Session                          `yaml:"session"`
	Storage     Storage                          `yaml:"storage"`
	Ledger      Ledger                           `yaml:"ledger"`
	Redis       Redis                            `yaml:"redis"`
	Server      Server                           `yaml:"server"`
	LogLevel    string                           `yaml:"log_level"`
}

// DefaultPath is the config file location under the XDG config home.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "schoolsync", "config.yaml")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads path, falling back to defaults when it does not exist, then
// applies a .env file in the working directory and SCHOOLSYNC_* variables.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	var c Config
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}

	_ = godotenv.Load()
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects unknown collections and storage backends.
func (c *Config) Validate() error {
	for k := range c.Collections {
		if !k.Valid() {
			return fmt.Errorf("unknown collection %q in config", k)
		}
	}
	switch c.Storage.Backend {
	case "", "local", "charm":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

// ReadPaths maps each collection to its GET path.
func (c *Config) ReadPaths() map[models.Collection]string {
	out := make(map[models.Collection]string, len(c.Collections))
	for k, v := range c.Collections {
		out[k] = v.ReadPath
	}
	return out
}

// WritePaths maps each collection to its write base path.
func (c *Config) WritePaths() map[models.Collection]string {
	out := make(map[models.Collection]string, len(c.Collections))
	for k, v := range c.Collections {
		out[k] = v.WritePath
	}
	return out
}

// Intervals maps each collection to its periodic refresh interval. Zero disables polling.
func (c *Config) Intervals() map[models.Collection]time.Duration {
	out := make(map[models.Collection]time.Duration, len(c.Collections))
	for k, v := range c.Collections {
		if v.Interval > 0 {
			out[k] = v.Interval
		}
	}
	return out
}

func (c *Config) applyDefaults() {
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = "http://localhost:8080/api"
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 10 * time.Second
	}
	if c.Backend.FetchTimeout == 0 {
		c.Backend.FetchTimeout = 30 * time.Second
	}

	if c.Collections == nil {
		c.Collections = make(map[models.Collection]Collection)
	}
	defaults := map[models.Collection]Collection{
		models.Events:        {ReadPath: "/events"},
		models.ClassSessions: {ReadPath: "/classes/live", Interval: 30 * time.Second},
		models.Announcements: {ReadPath: "/announcements"},
		models.Facilities:    {ReadPath: "/facilities"},
	}
	for k, d := range defaults {
		cur, ok := c.Collections[k]
		if !ok {
			c.Collections[k] = d
			continue
		}
		if cur.ReadPath == "" {
			cur.ReadPath = d.ReadPath
		}
		if cur.WritePath == "" {
			cur.WritePath = d.WritePath
		}
		c.Collections[k] = cur
	}
	for k, v := range c.Collections {
		if v.WritePath == "" {
			v.WritePath = "/" + string(k)
			c.Collections[k] = v
		}
	}

	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.Initial == 0 {
		c.Retry.Initial = 500 * time.Millisecond
	}
	if c.Retry.Max == 0 {
		c.Retry.Max = 4 * time.Second
	}
	if c.Session.Freshness == 0 {
		c.Session.Freshness = 5 * time.Minute
	}
	if c.Storage.PullInterval == 0 {
		c.Storage.PullInterval = time.Minute
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = filepath.Join(xdg.DataHome, "schoolsync", "ledger.db")
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "schoolsync:lastUpdate"
	}
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":9110"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"SCHOOLSYNC_BASE_URL":        &c.Backend.BaseURL,
		"SCHOOLSYNC_STORAGE_BACKEND": &c.Storage.Backend,
		"SCHOOLSYNC_STORAGE_DIR":     &c.Storage.Dir,
		"SCHOOLSYNC_CHARM_HOST":      &c.Storage.Host,
		"SCHOOLSYNC_LEDGER_PATH":     &c.Ledger.Path,
		"SCHOOLSYNC_REDIS_ADDR":      &c.Redis.Addr,
		"SCHOOLSYNC_REDIS_PASSWORD":  &c.Redis.Password,
		"SCHOOLSYNC_LISTEN_ADDR":     &c.Server.ListenAddress,
		"SCHOOLSYNC_LOG_LEVEL":       &c.LogLevel,
	}
	for name, dst := range str {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	dur := map[string]*time.Duration{
		"SCHOOLSYNC_FETCH_TIMEOUT":     &c.Backend.FetchTimeout,
		"SCHOOLSYNC_SESSION_FRESHNESS": &c.Session.Freshness,
		"SCHOOLSYNC_PULL_INTERVAL":     &c.Storage.PullInterval,
	}
	for name, dst := range dur {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
	}

	if v, ok := os.LookupEnv("SCHOOLSYNC_RETRY_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SCHOOLSYNC_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.Attempts = n
	}
	return nil
}
