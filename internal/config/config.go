// Package config loads and validates vodsync configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Reserve   ReserveConfig   `mapstructure:"reserve"`
	Lock      LockConfig      `mapstructure:"lock"`
	Store     StoreConfig     `mapstructure:"store"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Backoff   BackoffConfig   `mapstructure:"backoff"`
	Server    ServerConfig    `mapstructure:"server"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// RuntimeConfig governs the time-budget supervisor.
type RuntimeConfig struct {
	// BudgetMinutes is the raw wall-clock budget handed down by the host
	// scheduler. It stays a string until the supervisor validates it, so a
	// malformed value degrades to "no time remaining" instead of a crash.
	BudgetMinutes       string `mapstructure:"budget_minutes"`
	MarginSeconds       int    `mapstructure:"margin_seconds"`
	CommitEvery         int    `mapstructure:"commit_every"`
	SweepEvery          int    `mapstructure:"sweep_every"`
	DefaultSizeEstimate int64  `mapstructure:"default_size_estimate_bytes"`
}

// Margin returns the per-item safety margin as a duration.
func (c RuntimeConfig) Margin() time.Duration {
	return time.Duration(c.MarginSeconds) * time.Second
}

// DiscoveryConfig selects and tunes the work source.
type DiscoveryConfig struct {
	Provider          string   `mapstructure:"provider"`
	URLs              []string `mapstructure:"urls"`
	ListingURL        string   `mapstructure:"listing_url"`
	LinkSelector      string   `mapstructure:"link_selector"`
	MaxPages          int      `mapstructure:"max_pages"`
	RequestsPerSecond float64  `mapstructure:"requests_per_second"`
	UserAgent         string   `mapstructure:"user_agent"`
	TimeoutSeconds    int      `mapstructure:"timeout_seconds"`
}

// BrowserConfig tunes the headless browser lifecycle.
type BrowserConfig struct {
	UserAgent              string `mapstructure:"user_agent"`
	SnapshotTimeoutSeconds int    `mapstructure:"snapshot_timeout_seconds"`
	MaxUses                int    `mapstructure:"max_uses"`
	PollIntervalMs         int    `mapstructure:"poll_interval_ms"`
	PollAttempts           int    `mapstructure:"poll_attempts"`
}

// ReserveConfig places the disk-reservation ledger and spool directory.
type ReserveConfig struct {
	LedgerPath        string `mapstructure:"ledger_path"`
	SpoolDir          string `mapstructure:"spool_dir"`
	StaleAfterMinutes int    `mapstructure:"stale_after_minutes"`
}

// StaleAfter returns the orphan-reclaim threshold as a duration.
func (c ReserveConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMinutes) * time.Minute
}

// LockConfig tunes the advisory-lock retry discipline shared by the ledger
// and the file record store.
type LockConfig struct {
	AttemptTimeoutSeconds int `mapstructure:"attempt_timeout_seconds"`
	MaxAttempts           int `mapstructure:"max_attempts"`
	BackoffBaseMs         int `mapstructure:"backoff_base_ms"`
}

// StoreConfig selects the record store provider.
type StoreConfig struct {
	Provider string `mapstructure:"provider"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
}

// RemoteConfig selects the durable-commit remote store of record.
type RemoteConfig struct {
	Provider    string `mapstructure:"provider"`
	Bucket      string `mapstructure:"bucket"`
	Object      string `mapstructure:"object"`
	Dir         string `mapstructure:"dir"`
	FallbackDir string `mapstructure:"fallback_dir"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// StorageConfig selects the artifact blob store.
type StorageConfig struct {
	Provider    string `mapstructure:"provider"`
	Bucket      string `mapstructure:"bucket"`
	Prefix      string `mapstructure:"prefix"`
	BaseDir     string `mapstructure:"base_dir"`
	ContentType string `mapstructure:"content_type"`
}

// PublisherConfig selects the completion-event publisher.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// BackoffRung is one row of the discovery-failure escalation table.
type BackoffRung struct {
	Failures    int  `mapstructure:"failures"`
	WaitMinutes int  `mapstructure:"wait_minutes"`
	Terminate   bool `mapstructure:"terminate"`
}

// BackoffConfig is the injectable discovery-failure escalation table. An
// empty table falls back to the built-in ladder.
type BackoffConfig struct {
	Rungs []BackoffRung `mapstructure:"rungs"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load builds a Config from disk/environment. Every key is overridable via
// a VODSYNC_ env var with dots replaced by underscores.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VODSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)

	v.SetDefault("runtime.budget_minutes", "0")
	v.SetDefault("runtime.margin_seconds", 300)
	v.SetDefault("runtime.commit_every", 10)
	v.SetDefault("runtime.sweep_every", 50)
	v.SetDefault("runtime.default_size_estimate_bytes", int64(2<<30))

	v.SetDefault("discovery.provider", "static")
	v.SetDefault("discovery.link_selector", "a[href]")
	v.SetDefault("discovery.max_pages", 10)
	v.SetDefault("discovery.requests_per_second", 1.0)
	v.SetDefault("discovery.user_agent", "vodsync/1.0")
	v.SetDefault("discovery.timeout_seconds", 15)

	v.SetDefault("browser.user_agent", "vodsync/1.0")
	v.SetDefault("browser.snapshot_timeout_seconds", 45)
	v.SetDefault("browser.max_uses", 25)
	v.SetDefault("browser.poll_interval_ms", 100)
	v.SetDefault("browser.poll_attempts", 20)

	v.SetDefault("reserve.ledger_path", "/var/lib/vodsync/reservations.json")
	v.SetDefault("reserve.spool_dir", "/var/lib/vodsync/spool")
	v.SetDefault("reserve.stale_after_minutes", 120)

	v.SetDefault("lock.attempt_timeout_seconds", 2)
	v.SetDefault("lock.max_attempts", 3)
	v.SetDefault("lock.backoff_base_ms", 500)

	v.SetDefault("store.provider", "file")
	v.SetDefault("store.path", "/var/lib/vodsync/records.json")
	v.SetDefault("store.table", "records")

	v.SetDefault("remote.provider", "dir")
	v.SetDefault("remote.dir", "/var/lib/vodsync/remote")
	v.SetDefault("remote.object", "records.json")
	v.SetDefault("remote.fallback_dir", "/var/lib/vodsync/unpublished")
	v.SetDefault("remote.max_attempts", 3)

	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.base_dir", "/var/lib/vodsync/artifacts")
	v.SetDefault("storage.prefix", "artifacts")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")

	v.SetDefault("publisher.provider", "noop")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
}

// Validate enforces required values and provider-conditional requirements.
func (c Config) Validate() error {
	switch c.Discovery.Provider {
	case "static":
		// An empty url list is legal; the run just drains immediately.
	case "colly":
		if c.Discovery.ListingURL == "" {
			return fmt.Errorf("discovery.listing_url must be set for the colly provider")
		}
	default:
		return fmt.Errorf("unknown discovery provider %q", c.Discovery.Provider)
	}
	if c.Discovery.RequestsPerSecond <= 0 {
		return fmt.Errorf("discovery.requests_per_second must be > 0")
	}

	if c.Runtime.MarginSeconds < 0 {
		return fmt.Errorf("runtime.margin_seconds must be >= 0")
	}
	if c.Runtime.CommitEvery <= 0 {
		return fmt.Errorf("runtime.commit_every must be > 0")
	}

	if c.Reserve.LedgerPath == "" {
		return fmt.Errorf("reserve.ledger_path is required")
	}
	if c.Reserve.SpoolDir == "" {
		return fmt.Errorf("reserve.spool_dir is required")
	}
	if c.Reserve.StaleAfterMinutes <= 0 {
		return fmt.Errorf("reserve.stale_after_minutes must be > 0")
	}

	switch c.Store.Provider {
	case "file":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path must be set for the file provider")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres provider")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store provider %q", c.Store.Provider)
	}

	switch c.Remote.Provider {
	case "gcs":
		if c.Remote.Bucket == "" {
			return fmt.Errorf("remote.bucket must be set for the gcs provider")
		}
	case "dir":
		if c.Remote.Dir == "" {
			return fmt.Errorf("remote.dir must be set for the dir provider")
		}
	case "none":
	default:
		return fmt.Errorf("unknown remote provider %q", c.Remote.Provider)
	}
	if c.Remote.Provider != "none" && c.Remote.FallbackDir == "" {
		return fmt.Errorf("remote.fallback_dir is required")
	}

	switch c.Storage.Provider {
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs provider")
		}
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local provider")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage provider %q", c.Storage.Provider)
	}

	switch c.Publisher.Provider {
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.TopicID == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic_id must be set for pubsub")
		}
	case "memory", "noop":
	default:
		return fmt.Errorf("unknown publisher provider %q", c.Publisher.Provider)
	}

	for i, rung := range c.Backoff.Rungs {
		if rung.Failures <= 0 {
			return fmt.Errorf("backoff.rungs[%d].failures must be > 0", i)
		}
		if !rung.Terminate && rung.WaitMinutes <= 0 {
			return fmt.Errorf("backoff.rungs[%d] needs wait_minutes or terminate", i)
		}
	}

	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}
