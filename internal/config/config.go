// Package config loads web4msg settings.
//
// Values come from, in increasing precedence: built-in defaults, the
// YAML file (<home>/config.yaml unless WEB4MSG_CONFIG names another),
// WEB4MSG_* environment variables, then command-line flags applied by
// the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendRelay  = "relay"
)

type Config struct {
	// Home holds the identity keypair, the journal and the sqlite file.
	Home string `yaml:"home"`

	Store     StoreConfig     `yaml:"store"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Batch     BatchConfig     `yaml:"batch"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Directory DirectoryConfig `yaml:"directory"`
	Relay     RelayConfig     `yaml:"relay"`

	// MetricsAddr, when set, serves /metrics and /healthz.
	MetricsAddr string `yaml:"metrics_addr"`
	// MetricsSnapshot, when set, receives a JSON snapshot on shutdown.
	MetricsSnapshot string `yaml:"metrics_snapshot"`
	Debug           bool   `yaml:"debug"`
}

type StoreConfig struct {
	// Backend is one of memory, sqlite, redis, relay.
	Backend string `yaml:"backend"`
	// Journal enables the JSONL journal for the memory backend.
	Journal    bool          `yaml:"journal"`
	SQLitePath string        `yaml:"sqlite_path"`
	SQLitePoll time.Duration `yaml:"sqlite_poll"`
	RedisAddr  string        `yaml:"redis_addr"`
	RedisNS    string        `yaml:"redis_namespace"`
	RelayAddr  string        `yaml:"relay_addr"`
	RelayCA    string        `yaml:"relay_ca"`
}

type DedupConfig struct {
	TTL       time.Duration `yaml:"ttl"`
	MaxSize   int           `yaml:"max_size"`
	ResultTTL time.Duration `yaml:"result_ttl"`
}

type ExecutorConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	Timeout       time.Duration `yaml:"timeout"`
}

type BatchConfig struct {
	Size    int           `yaml:"size"`
	Timeout time.Duration `yaml:"timeout"`
}

type RateLimitConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type DirectoryConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

type RelayConfig struct {
	Listen            string `yaml:"listen"`
	MaxConnsPerHost   int    `yaml:"max_conns_per_host"`
	MaxStreamsPerHost int    `yaml:"max_streams_per_host"`
}

// DefaultHome is ~/.web4msg, or .web4msg when the home directory is
// unknown.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".web4msg"
	}
	return filepath.Join(home, ".web4msg")
}

func Default() Config {
	return Config{
		Home:  DefaultHome(),
		Store: StoreConfig{Backend: BackendMemory, SQLitePoll: 100 * time.Millisecond},
		Dedup: DedupConfig{TTL: 5 * time.Minute, MaxSize: 10000, ResultTTL: time.Second},
		Executor: ExecutorConfig{
			MaxConcurrent: 10,
			Timeout:       30 * time.Second,
		},
		Batch:     BatchConfig{Size: 10, Timeout: 50 * time.Millisecond},
		RateLimit: RateLimitConfig{Limit: 60, Window: time.Minute},
		Directory: DirectoryConfig{PollInterval: 200 * time.Millisecond, Timeout: 10 * time.Second},
		Relay:     RelayConfig{Listen: "127.0.0.1:4650"},
	}
}

// Load returns defaults overlaid with the config file and environment.
// A missing file is not an error; home overrides the default home when
// non-empty.
func Load(home string) (Config, error) {
	cfg := Default()
	if home == "" {
		home = os.Getenv("WEB4MSG_HOME")
	}
	if home != "" {
		cfg.Home = home
	}
	path := os.Getenv("WEB4MSG_CONFIG")
	if path == "" {
		path = filepath.Join(cfg.Home, "config.yaml")
	}
	if err := cfg.mergeFile(path); err != nil {
		return Config{}, err
	}
	if home != "" {
		cfg.Home = home
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	strs := []struct {
		env string
		dst *string
	}{
		{"WEB4MSG_STORE", &c.Store.Backend},
		{"WEB4MSG_SQLITE_PATH", &c.Store.SQLitePath},
		{"WEB4MSG_REDIS_ADDR", &c.Store.RedisAddr},
		{"WEB4MSG_RELAY_ADDR", &c.Store.RelayAddr},
		{"WEB4MSG_RELAY_LISTEN", &c.Relay.Listen},
		{"WEB4MSG_METRICS_ADDR", &c.MetricsAddr},
	}
	for _, s := range strs {
		if raw := os.Getenv(s.env); raw != "" {
			*s.dst = raw
		}
	}
	ints := []struct {
		env string
		dst *int
	}{
		{"WEB4MSG_DEDUP_MAX", &c.Dedup.MaxSize},
		{"WEB4MSG_MAX_CONCURRENT", &c.Executor.MaxConcurrent},
		{"WEB4MSG_BATCH_SIZE", &c.Batch.Size},
		{"WEB4MSG_RATE_LIMIT", &c.RateLimit.Limit},
	}
	for _, i := range ints {
		if raw := os.Getenv(i.env); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v <= 0 {
				return fmt.Errorf("%s: want positive integer, got %q", i.env, raw)
			}
			*i.dst = v
		}
	}
	durs := []struct {
		env string
		dst *time.Duration
	}{
		{"WEB4MSG_DEDUP_TTL", &c.Dedup.TTL},
		{"WEB4MSG_OP_TIMEOUT", &c.Executor.Timeout},
		{"WEB4MSG_BATCH_TIMEOUT", &c.Batch.Timeout},
		{"WEB4MSG_LOOKUP_TIMEOUT", &c.Directory.Timeout},
	}
	for _, d := range durs {
		if raw := os.Getenv(d.env); raw != "" {
			v, err := time.ParseDuration(raw)
			if err != nil || v <= 0 {
				return fmt.Errorf("%s: want positive duration, got %q", d.env, raw)
			}
			*d.dst = v
		}
	}
	if os.Getenv("WEB4MSG_DEBUG") == "1" {
		c.Debug = true
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendSQLite:
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr is required for the redis backend")
		}
	case BackendRelay:
		if c.Store.RelayAddr == "" {
			return errors.New("store.relay_addr is required for the relay backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Dedup.TTL <= 0 || c.Dedup.MaxSize <= 0 {
		return errors.New("dedup ttl and max_size must be positive")
	}
	if c.Executor.MaxConcurrent <= 0 || c.Executor.Timeout <= 0 {
		return errors.New("executor max_concurrent and timeout must be positive")
	}
	if c.Batch.Size <= 0 || c.Batch.Timeout <= 0 {
		return errors.New("batch size and timeout must be positive")
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("rate_limit limit and window must be positive")
	}
	return nil
}

// SQLiteFile is the configured sqlite path, defaulting under Home.
func (c Config) SQLiteFile() string {
	if c.Store.SQLitePath != "" {
		return c.Store.SQLitePath
	}
	return filepath.Join(c.Home, "store.db")
}

// JournalFile is where the memory backend journals when enabled.
func (c Config) JournalFile() string {
	return filepath.Join(c.Home, "store.jsonl")
}

// Save writes c as YAML to path.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
