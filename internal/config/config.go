// Package config loads curator configuration from defaults, an optional
// YAML file, a .env file and CURATOR_* environment variables, in that order.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Landing    LandingConfig    `yaml:"landing"`
	Storage    StorageConfig    `yaml:"storage"`
	Run        RunConfig        `yaml:"run"`
	Keys       KeysConfig       `yaml:"keys"`
	Perf       PerfConfig       `yaml:"perf"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Audit      AuditConfig      `yaml:"audit"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
	Retention  RetentionConfig  `yaml:"retention"`
	Parquet    ParquetConfig    `yaml:"parquet"`
}

type LandingConfig struct {
	Backend    string `yaml:"backend"`
	LocalDir   string `yaml:"local_dir"`
	Bucket     string `yaml:"bucket"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
	URL        string `yaml:"url"`

	EventsPrefix  string `yaml:"events_prefix"`
	UsersPrefix   string `yaml:"users_prefix"`
	VideosPrefix  string `yaml:"videos_prefix"`
	DevicesPrefix string `yaml:"devices_prefix"`

	// Archive keeps a compressed copy of each landing file per batch.
	Archive bool `yaml:"archive"`
}

type StorageConfig struct {
	Backend    string `yaml:"backend"`
	Bucket     string `yaml:"bucket"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
	URL        string `yaml:"url"`
	Prefix     string `yaml:"prefix"`
	LocalDir   string `yaml:"local_dir"`
}

type RunConfig struct {
	Mode     string `yaml:"mode"` // "merge" | "replace"
	Pipeline string `yaml:"pipeline"`
	Force    bool   `yaml:"force"`
}

type KeysConfig struct {
	Canonical string `yaml:"canonical"` // "string" | "int64"
}

type PerfConfig struct {
	Workers       int           `yaml:"workers"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
}

type CatalogConfig struct {
	DSN    string `yaml:"dsn"`
	Strict bool   `yaml:"strict"`
}

type AuditConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Dir      string `yaml:"dir"`
	Strict   bool   `yaml:"strict"`
}

type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type RetentionConfig struct {
	WatchThresholdSec float64 `yaml:"watch_threshold_sec"`
}

type ParquetConfig struct {
	Compression string `yaml:"compression"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Landing: LandingConfig{
			Backend:       "local",
			LocalDir:      "./landing",
			EventsPrefix:  "events/",
			UsersPrefix:   "dims/users/",
			VideosPrefix:  "dims/videos/",
			DevicesPrefix: "dims/devices/",
		},
		Storage: StorageConfig{
			Backend:  "local",
			Prefix:   "curated/",
			LocalDir: "./data",
		},
		Run:        RunConfig{Mode: "merge", Pipeline: "streampro"},
		Keys:       KeysConfig{Canonical: "string"},
		Perf:       PerfConfig{Workers: 4, RetryAttempts: 3, RetryBackoff: 500 * time.Millisecond, LeaseTTL: 10 * time.Minute},
		Audit:      AuditConfig{Dir: "./audit"},
		Checkpoint: CheckpointConfig{Enabled: true, Dir: "./checkpoints"},
		Metrics:    MetricsConfig{Address: ":9090"},
		Logging:    LoggingConfig{Format: "text", Level: "info"},
		Retention:  RetentionConfig{WatchThresholdSec: 30},
		Parquet:    ParquetConfig{Compression: "zstd"},
	}
}

// Load builds the configuration. path may be empty; a missing .env file is
// not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// Variables already set in the environment take precedence over .env.
	_ = godotenv.Load()

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad loads the configuration or exits the process.
func MustLoad(path string) Config {
	log.Println("[config] loading")
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

func applyEnv(cfg *Config) error {
	cfg.Landing.Backend = getenvDefault("CURATOR_LANDING_BACKEND", cfg.Landing.Backend)
	cfg.Landing.LocalDir = getenvDefault("CURATOR_LANDING_DIR", cfg.Landing.LocalDir)
	cfg.Landing.Bucket = getenvDefault("CURATOR_LANDING_BUCKET", cfg.Landing.Bucket)
	cfg.Landing.URL = getenvDefault("CURATOR_LANDING_URL", cfg.Landing.URL)

	cfg.Storage.Backend = getenvDefault("CURATOR_STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.Bucket = getenvDefault("CURATOR_STORAGE_BUCKET", cfg.Storage.Bucket)
	cfg.Storage.S3Endpoint = getenvDefault("CURATOR_S3_ENDPOINT", cfg.Storage.S3Endpoint)
	cfg.Storage.S3Region = getenvDefault("CURATOR_S3_REGION", cfg.Storage.S3Region)
	cfg.Storage.URL = getenvDefault("CURATOR_STORAGE_URL", cfg.Storage.URL)
	cfg.Storage.Prefix = getenvDefault("CURATOR_STORAGE_PREFIX", cfg.Storage.Prefix)
	cfg.Storage.LocalDir = getenvDefault("CURATOR_LOCAL_DIR", cfg.Storage.LocalDir)

	cfg.Run.Mode = getenvDefault("CURATOR_MODE", cfg.Run.Mode)
	cfg.Keys.Canonical = getenvDefault("CURATOR_KEY_TYPE", cfg.Keys.Canonical)

	cfg.Catalog.DSN = getenvDefault("CURATOR_CATALOG_DSN", cfg.Catalog.DSN)
	cfg.Audit.Endpoint = getenvDefault("CURATOR_AUDIT_ENDPOINT", cfg.Audit.Endpoint)
	cfg.Checkpoint.Dir = getenvDefault("CURATOR_CHECKPOINT_DIR", cfg.Checkpoint.Dir)
	cfg.Metrics.Address = getenvDefault("CURATOR_METRICS_ADDRESS", cfg.Metrics.Address)
	cfg.Logging.Format = getenvDefault("CURATOR_LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getenvDefault("CURATOR_LOG_LEVEL", cfg.Logging.Level)

	var err error
	if cfg.Landing.Archive, err = envBool("CURATOR_ARCHIVE", cfg.Landing.Archive); err != nil {
		return err
	}
	if cfg.Audit.Enabled, err = envBool("CURATOR_AUDIT_ENABLED", cfg.Audit.Enabled); err != nil {
		return err
	}
	if cfg.Metrics.Enabled, err = envBool("CURATOR_METRICS_ENABLED", cfg.Metrics.Enabled); err != nil {
		return err
	}
	if cfg.Checkpoint.Enabled, err = envBool("CURATOR_CHECKPOINT_ENABLED", cfg.Checkpoint.Enabled); err != nil {
		return err
	}
	if v := os.Getenv("CURATOR_WORKERS"); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil {
			return fmt.Errorf("CURATOR_WORKERS: %w", perr)
		}
		cfg.Perf.Workers = n
	}
	if v := os.Getenv("CURATOR_WATCH_THRESHOLD_SEC"); v != "" {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			return fmt.Errorf("CURATOR_WATCH_THRESHOLD_SEC: %w", perr)
		}
		cfg.Retention.WatchThresholdSec = f
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	switch c.Run.Mode {
	case "merge", "replace":
	default:
		return fmt.Errorf("run.mode must be merge or replace, got %q", c.Run.Mode)
	}
	switch c.Keys.Canonical {
	case "string", "int64":
	default:
		return fmt.Errorf("keys.canonical must be string or int64, got %q", c.Keys.Canonical)
	}
	if c.Perf.Workers < 1 {
		return fmt.Errorf("perf.workers must be at least 1")
	}
	if c.Perf.RetryAttempts < 1 {
		return fmt.Errorf("perf.retry_attempts must be at least 1")
	}
	if c.Perf.LeaseTTL <= 0 {
		return fmt.Errorf("perf.lease_ttl must be positive")
	}
	if c.Retention.WatchThresholdSec < 0 {
		return fmt.Errorf("retention.watch_threshold_sec must not be negative")
	}
	if c.Landing.EventsPrefix == "" {
		return fmt.Errorf("landing.events_prefix is required")
	}
	if c.Storage.Prefix != "" && !strings.HasSuffix(c.Storage.Prefix, "/") {
		return fmt.Errorf("storage.prefix must end with /")
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
