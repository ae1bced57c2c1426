// Package config loads and validates ingest configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging    LoggingConfig          `mapstructure:"logging"`
	Batch      BatchConfig            `mapstructure:"batch"`
	Politeness PolitenessConfig       `mapstructure:"politeness"`
	HTTP       HTTPConfig             `mapstructure:"http"`
	Headless   HeadlessConfig         `mapstructure:"headless"`
	Cache      CacheConfig            `mapstructure:"cache"`
	Sync       SyncConfig             `mapstructure:"sync"`
	Dedupe     DedupeConfig           `mapstructure:"dedupe"`
	Store      StoreConfig            `mapstructure:"store"`
	Archive    ArchiveConfig          `mapstructure:"archive"`
	PubSub     PubSubConfig           `mapstructure:"pubsub"`
	Server     ServerConfig           `mapstructure:"server"`
	Sources    []crawler.SourceConfig `mapstructure:"sources"`
	SourcesDir string                 `mapstructure:"sources_dir"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// BatchConfig controls the orchestrator's pool and job budgets.
type BatchConfig struct {
	WorkerPool     int                                  `mapstructure:"worker_pool"`
	DefaultTimeout time.Duration                        `mapstructure:"default_timeout"`
	KindTimeouts   map[crawler.RecordKind]time.Duration `mapstructure:"kind_timeouts"`
}

// PolitenessConfig configures the run-wide governor.
type PolitenessConfig struct {
	GlobalMax     int           `mapstructure:"global_max"`
	PerSourceMax  int           `mapstructure:"per_source_max"`
	DelayMin      time.Duration `mapstructure:"delay_min"`
	DelayMax      time.Duration `mapstructure:"delay_max"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	UserAgent     string        `mapstructure:"user_agent"`
	RobotsTimeout time.Duration `mapstructure:"robots_timeout"`
}

// HTTPConfig configures the plain fetcher.
type HTTPConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	Settle      time.Duration `mapstructure:"settle"`

	// AutoPromote re-renders plain pages that look like script shells.
	AutoPromote  bool `mapstructure:"auto_promote"`
	MinTextRunes int  `mapstructure:"min_text_runes"`
}

// CacheConfig configures the on-disk response cache.
type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
	// Expiration of zero caches until evicted.
	Expiration        time.Duration `mapstructure:"expiration"`
	IgnoreStatusCodes []int         `mapstructure:"ignore_status_codes"`
}

// SyncConfig bounds store write retries.
type SyncConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// DedupeConfig bounds the run's seen-fingerprint window. Zero means unbounded.
type DedupeConfig struct {
	WindowCapacity int           `mapstructure:"window_capacity"`
	WindowTTL      time.Duration `mapstructure:"window_ttl"`
}

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// StoreConfig selects the destination store.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// Archive drivers.
const (
	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveGCS   = "gcs"
)

// ArchiveConfig selects where fetched pages are archived.
type ArchiveConfig struct {
	Driver string `mapstructure:"driver"`
	Dir    string `mapstructure:"dir"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for the batch report notification.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the optional status server; port 0 disables it.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// Load builds a Config from disk/environment, then merges the source catalog
// directory into Sources.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("campus-ingest")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/campus-ingest/")
		v.AddConfigPath("$HOME/.campus-ingest")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.SourcesDir != "" {
		extra, err := LoadSourcesDir(cfg.SourcesDir)
		if err != nil {
			return Config{}, err
		}
		cfg.Sources = append(cfg.Sources, extra...)
	}
	for i := range cfg.Sources {
		cfg.Sources[i] = cfg.Sources[i].Normalize()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("batch.worker_pool", 4)
	v.SetDefault("batch.default_timeout", "60s")
	v.SetDefault("batch.kind_timeouts", map[string]string{
		string(crawler.KindInstitution): "120s",
		string(crawler.KindProgram):     "30s",
		string(crawler.KindDeadline):    "30s",
	})
	v.SetDefault("politeness.global_max", 8)
	v.SetDefault("politeness.per_source_max", 2)
	v.SetDefault("politeness.delay_min", "1s")
	v.SetDefault("politeness.delay_max", "3s")
	v.SetDefault("politeness.respect_robots", true)
	v.SetDefault("politeness.user_agent", "campus-ingest/0.1")
	v.SetDefault("politeness.robots_timeout", "10s")
	v.SetDefault("http.timeout", "15s")
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", "25s")
	v.SetDefault("headless.settle", "500ms")
	v.SetDefault("headless.auto_promote", true)
	v.SetDefault("headless.min_text_runes", 200)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.dir", ".cache/http")
	v.SetDefault("cache.expiration", "0s")
	v.SetDefault("cache.ignore_status_codes", []int{403, 404, 429, 500, 502, 503, 504})
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.backoff_initial", "250ms")
	v.SetDefault("sync.backoff_max", "5s")
	v.SetDefault("dedupe.window_capacity", 0)
	v.SetDefault("dedupe.window_ttl", "0s")
	v.SetDefault("store.driver", StoreSQLite)
	v.SetDefault("store.dsn", "campus-ingest.db")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("archive.driver", ArchiveNone)
	v.SetDefault("archive.dir", ".archive")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("server.port", 0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Batch.WorkerPool <= 0 {
		return errors.New("batch.worker_pool must be > 0")
	}
	if c.Batch.DefaultTimeout <= 0 {
		return errors.New("batch.default_timeout must be > 0")
	}
	for kind, d := range c.Batch.KindTimeouts {
		if !kind.Valid() {
			return fmt.Errorf("batch.kind_timeouts: unknown kind %q", kind)
		}
		if d <= 0 {
			return fmt.Errorf("batch.kind_timeouts.%s must be > 0", kind)
		}
	}
	if c.Politeness.GlobalMax <= 0 {
		return errors.New("politeness.global_max must be > 0")
	}
	if c.Politeness.PerSourceMax <= 0 || c.Politeness.PerSourceMax > c.Politeness.GlobalMax {
		return errors.New("politeness.per_source_max must be in (0, global_max]")
	}
	if c.Politeness.DelayMin < 0 || c.Politeness.DelayMax < c.Politeness.DelayMin {
		return errors.New("politeness delay bounds must satisfy 0 <= delay_min <= delay_max")
	}
	if c.HTTP.Timeout <= 0 {
		return errors.New("http.timeout must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return errors.New("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Cache.Enabled && c.Cache.Dir == "" {
		return errors.New("cache.dir must be set when the cache is enabled")
	}
	if c.Cache.Expiration < 0 {
		return errors.New("cache.expiration must be >= 0")
	}
	if c.Sync.MaxAttempts <= 0 {
		return errors.New("sync.max_attempts must be > 0")
	}
	if c.Sync.BackoffMax < c.Sync.BackoffInitial {
		return errors.New("sync.backoff_max must be >= sync.backoff_initial")
	}
	if c.Dedupe.WindowCapacity < 0 || c.Dedupe.WindowTTL < 0 {
		return errors.New("dedupe window bounds must be >= 0")
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres, StoreSQLite:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Archive.Driver {
	case ArchiveNone, "":
	case ArchiveLocal:
		if c.Archive.Dir == "" {
			return errors.New("archive.dir is required for the local archive")
		}
	case ArchiveGCS:
		if c.Archive.Bucket == "" {
			return errors.New("archive.bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("unknown archive.driver %q", c.Archive.Driver)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id must be set when pubsub.topic is set")
	}
	if c.Server.Port < 0 {
		return errors.New("server.port must be >= 0")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for _, src := range c.Sources {
		if err := src.Validate(); err != nil {
			return fmt.Errorf("sources: %w", err)
		}
		if _, dup := seen[src.ID]; dup {
			return fmt.Errorf("sources: duplicate source id %q", src.ID)
		}
		seen[src.ID] = struct{}{}
	}
	return nil
}

// Source returns the configured source with id.
func (c Config) Source(id string) (crawler.SourceConfig, bool) {
	for _, src := range c.Sources {
		if src.ID == id {
			return src, true
		}
	}
	return crawler.SourceConfig{}, false
}

// sourceFile is the document shape of a catalog file: either one source or a
// list under "sources".
type sourceFile struct {
	crawler.SourceConfig `yaml:",inline"`
	Sources              []crawler.SourceConfig `yaml:"sources"`
}

// LoadSourcesDir reads every *.yaml / *.yml file in dir, in name order.
func LoadSourcesDir(dir string) ([]crawler.SourceConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read sources dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []crawler.SourceConfig
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read source file %s: %w", name, err)
		}
		var doc sourceFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse source file %s: %w", name, err)
		}
		if doc.ID != "" {
			out = append(out, doc.SourceConfig)
		}
		out = append(out, doc.Sources...)
	}
	return out, nil
}
