package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/basket/tally/internal/cache"
	"github.com/basket/tally/internal/cron"
	"github.com/basket/tally/internal/otel"
)

// PostgresConfig points the engine at an external task record store.
// Empty DSN means the local SQLite database holds the tasks.
type PostgresConfig struct {
	DSN           string `yaml:"dsn"`
	Table         string `yaml:"table"`
	MaxConns      int32  `yaml:"max_conns"`
	NotifyChannel string `yaml:"notify_channel"`
}

type CacheConfig struct {
	// Backend is "memory" or "sqlite".
	Backend               string         `yaml:"backend"`
	TTLSeconds            map[string]int `yaml:"ttl_seconds"`
	WaitTimeoutMS         int            `yaml:"wait_timeout_ms"`
	ComputeTimeoutSeconds int            `yaml:"compute_timeout_seconds"`
}

// JobsConfig holds the cron expressions and pool sizes of background jobs.
type JobsConfig struct {
	Workers            int    `yaml:"workers"`
	RollupSpec         string `yaml:"rollup"`
	RollupTodaySpec    string `yaml:"rollup_today"`
	SnapshotSpec       string `yaml:"snapshot"`
	WarmerSpec         string `yaml:"warmer"`
	RetentionSpec      string `yaml:"retention"`
	BatchSize          int    `yaml:"batch_size"`
	Concurrency        int    `yaml:"concurrency"`
	ItemTimeoutSeconds int    `yaml:"item_timeout_seconds"`
}

type WarmerConfig struct {
	ActiveWindowDays int `yaml:"active_window_days"`
	Concurrency      int `yaml:"concurrency"`
}

// RetentionConfig in days. 0 keeps forever.
type RetentionConfig struct {
	RollupDays      int `yaml:"rollup_days"`
	DeletedTaskDays int `yaml:"deleted_task_days"`
}

// RateLimitConfig bounds metric reads per user on the HTTP gateway.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	// Timezone is the IANA zone that defines calendar days.
	Timezone string `yaml:"timezone"`
	DBPath   string `yaml:"db_path"`

	// DefaultWindowDays is the query window when a request names no range.
	DefaultWindowDays int `yaml:"default_window_days"`

	Postgres  PostgresConfig  `yaml:"postgres"`
	Cache     CacheConfig     `yaml:"cache"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Warmer    WarmerConfig    `yaml:"warmer"`
	Retention RetentionConfig `yaml:"retention"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	OTel      otel.Config     `yaml:"otel"`

	// FileMissing is set when config.yaml did not exist and defaults apply.
	FileMissing bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Location resolves Timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// TTLs returns the default policy with configured overrides applied.
func (c Config) TTLs() cache.TTLPolicy {
	p := cache.DefaultTTLs()
	for class, secs := range c.Cache.TTLSeconds {
		if secs > 0 {
			p[cache.Class(class)] = time.Duration(secs) * time.Second
		}
	}
	return p
}

func (c Config) WaitTimeout() time.Duration {
	return time.Duration(c.Cache.WaitTimeoutMS) * time.Millisecond
}

func (c Config) ComputeTimeout() time.Duration {
	return time.Duration(c.Cache.ComputeTimeoutSeconds) * time.Second
}

func (c Config) ItemTimeout() time.Duration {
	return time.Duration(c.Jobs.ItemTimeoutSeconds) * time.Second
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetTTL updates one cache class TTL in config.yaml, preserving other
// settings. A running daemon picks the change up through the watcher.
func SetTTL(homeDir string, class cache.Class, seconds int) error {
	if !knownClass(class) {
		return fmt.Errorf("unknown cache class %q", class)
	}
	if seconds <= 0 {
		return fmt.Errorf("ttl must be positive, got %d", seconds)
	}
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	cacheSection, _ := raw["cache"].(map[string]interface{})
	if cacheSection == nil {
		cacheSection = make(map[string]interface{})
	}
	ttls, _ := cacheSection["ttl_seconds"].(map[string]interface{})
	if ttls == nil {
		ttls = make(map[string]interface{})
	}
	ttls[string(class)] = seconds
	cacheSection["ttl_seconds"] = ttls
	raw["cache"] = cacheSection
	return saveRawConfig(configPath, raw)
}

func knownClass(c cache.Class) bool {
	_, ok := cache.DefaultTTLs()[c]
	return ok
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	classes := make([]string, 0, len(c.Cache.TTLSeconds))
	for k := range c.Cache.TTLSeconds {
		classes = append(classes, k)
	}
	sort.Strings(classes)
	var ttls strings.Builder
	for _, k := range classes {
		fmt.Fprintf(&ttls, "%s=%d,", k, c.Cache.TTLSeconds[k])
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|tz=%s|db=%s|pg=%t|cache=%s|ttl=%s|jobs=%s,%s,%s,%s,%s|window=%d",
		c.BindAddr, c.LogLevel, c.Timezone, c.DBPath, c.Postgres.DSN != "", c.Cache.Backend, ttls.String(),
		c.Jobs.RollupSpec, c.Jobs.RollupTodaySpec, c.Jobs.SnapshotSpec, c.Jobs.WarmerSpec, c.Jobs.RetentionSpec,
		c.DefaultWindowDays)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:          "127.0.0.1:18790",
		LogLevel:          "info",
		Timezone:          "UTC",
		DefaultWindowDays: 30,
		Postgres: PostgresConfig{
			Table:         "tasks",
			MaxConns:      8,
			NotifyChannel: "task_mutations",
		},
		Cache: CacheConfig{
			Backend:               "memory",
			WaitTimeoutMS:         5000,
			ComputeTimeoutSeconds: 30,
		},
		Jobs: JobsConfig{
			Workers:            2,
			RollupSpec:         "10 0 * * *",
			RollupTodaySpec:    "*/15 * * * *",
			SnapshotSpec:       "*/5 * * * *",
			WarmerSpec:         "0 */6 * * *",
			RetentionSpec:      "30 3 * * *",
			BatchSize:          50,
			Concurrency:        4,
			ItemTimeoutSeconds: 30,
		},
		Warmer: WarmerConfig{
			ActiveWindowDays: 7,
			Concurrency:      10,
		},
		Retention: RetentionConfig{
			RollupDays:      730,
			DeletedTaskDays: 90,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			BurstSize:         20,
		},
		OTel: otel.Config{
			Exporter:    "otlp-http",
			ServiceName: "tally",
			SampleRate:  1,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TALLY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".tally")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create tally home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FileMissing = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	dotenv, err := godotenv.Read(DotEnvPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read .env: %w", err)
	}
	applyEnvOverrides(&cfg, func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return dotenv[key]
	})
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Timezone) == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "tally.db")
	}
	if cfg.DefaultWindowDays <= 0 {
		cfg.DefaultWindowDays = 30
	}
	cfg.Cache.Backend = strings.ToLower(strings.TrimSpace(cfg.Cache.Backend))
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.WaitTimeoutMS <= 0 {
		cfg.Cache.WaitTimeoutMS = 5000
	}
	if cfg.Cache.ComputeTimeoutSeconds <= 0 {
		cfg.Cache.ComputeTimeoutSeconds = 30
	}
	if cfg.Jobs.Workers <= 0 {
		cfg.Jobs.Workers = 2
	}
	if cfg.Jobs.BatchSize <= 0 {
		cfg.Jobs.BatchSize = 50
	}
	if cfg.Jobs.Concurrency <= 0 {
		cfg.Jobs.Concurrency = 4
	}
	if cfg.Jobs.ItemTimeoutSeconds <= 0 {
		cfg.Jobs.ItemTimeoutSeconds = 30
	}
	if cfg.Warmer.ActiveWindowDays <= 0 {
		cfg.Warmer.ActiveWindowDays = 7
	}
	if cfg.Warmer.Concurrency <= 0 {
		cfg.Warmer.Concurrency = 10
	}
	if cfg.Postgres.Table == "" {
		cfg.Postgres.Table = "tasks"
	}
	if cfg.Postgres.NotifyChannel == "" {
		cfg.Postgres.NotifyChannel = "task_mutations"
	}
}

// validate rejects settings the daemon could not run with.
func validate(cfg *Config) error {
	if _, err := cfg.Location(); err != nil {
		return err
	}
	switch cfg.Cache.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("cache.backend must be memory or sqlite, got %q", cfg.Cache.Backend)
	}
	for class := range cfg.Cache.TTLSeconds {
		if !knownClass(cache.Class(class)) {
			return fmt.Errorf("cache.ttl_seconds: unknown class %q", class)
		}
	}
	specs := map[string]string{
		"rollup":       cfg.Jobs.RollupSpec,
		"rollup_today": cfg.Jobs.RollupTodaySpec,
		"snapshot":     cfg.Jobs.SnapshotSpec,
		"warmer":       cfg.Jobs.WarmerSpec,
		"retention":    cfg.Jobs.RetentionSpec,
	}
	for name, spec := range specs {
		if spec == "" {
			continue // job disabled
		}
		if _, err := cron.NextRunTime(spec, time.Now()); err != nil {
			return fmt.Errorf("jobs.%s: invalid cron expression %q: %w", name, spec, err)
		}
	}
	return nil
}

// DotEnvPath is an optional KEY=value file whose TALLY_* entries apply
// beneath the process environment.
func DotEnvPath(homeDir string) string {
	return filepath.Join(homeDir, ".env")
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	if raw := getenv("TALLY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := getenv("TALLY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := getenv("TALLY_TIMEZONE"); raw != "" {
		cfg.Timezone = raw
	}
	if raw := getenv("TALLY_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := getenv("TALLY_POSTGRES_DSN"); raw != "" {
		cfg.Postgres.DSN = raw
	}
	if raw := getenv("TALLY_CACHE_BACKEND"); raw != "" {
		cfg.Cache.Backend = raw
	}
	if raw := getenv("TALLY_DEFAULT_WINDOW_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DefaultWindowDays = v
		}
	}
	if raw := getenv("TALLY_JOB_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Jobs.Workers = v
		}
	}
	if raw := getenv("TALLY_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
	if raw := getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}
