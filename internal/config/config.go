package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"gigamap/internal/cache"
	"gigamap/internal/pipeline"
	"gigamap/internal/queue"
	"gigamap/internal/scheduler"
	"gigamap/internal/store"
)

// SourceConfig describes one tile source. Type is "http" or "file".
type SourceConfig struct {
	ID         string   `yaml:"id"`
	Type       string   `yaml:"type"`
	URL        string   `yaml:"url"`
	Subdomains []string `yaml:"subdomains"`
	UserAgent  string   `yaml:"user_agent"`
	Path       string   `yaml:"path"`
	// Store keeps fetched bytes in the configured tile store.
	Store bool `yaml:"store"`
}

type Config struct {
	Port          int    `yaml:"port"`
	LogLevel      string `yaml:"log_level"`
	AllowedOrigin string `yaml:"allowed_origin"`
	UploadToken   string `yaml:"upload_token"`
	MaxUploadSize int64  `yaml:"max_upload_size"`

	ImageDir        string `yaml:"image_dir"`
	WarmupLevels    int    `yaml:"warmup_levels"`
	WarmupWorkers   int    `yaml:"warmup_workers"`
	VipsMaxCacheMB  int    `yaml:"vips_max_cache_mb"`
	VipsConcurrency int    `yaml:"vips_concurrency"`

	Runtime         string `yaml:"runtime"`
	Workers         int    `yaml:"workers"`
	BlockingWorkers int    `yaml:"blocking_workers"`

	StoreType        string        `yaml:"store"`
	StoreMemoryTiles int           `yaml:"store_memory_tiles"`
	StoreFileDir     string        `yaml:"store_file_dir"`
	RedisAddr        string        `yaml:"redis_addr"`
	RedisTTL         time.Duration `yaml:"redis_ttl"`

	CacheMaxEntries      int           `yaml:"cache_max_entries"`
	CacheMaxBytes        int64         `yaml:"cache_max_bytes"`
	MaxQueueLen          int           `yaml:"max_queue_len"`
	MaxAge               time.Duration `yaml:"max_age"`
	MaxConcurrentFetches int           `yaml:"max_concurrent_fetches"`
	FetchTimeout         time.Duration `yaml:"fetch_timeout"`
	AdaptiveFetches      bool          `yaml:"adaptive_fetches"`
	FailureCooldown      time.Duration `yaml:"failure_cooldown"`
	MaxAutoRetries       int           `yaml:"max_auto_retries"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	PrefetchMargin       int           `yaml:"prefetch_margin"`
	PredictAhead         time.Duration `yaml:"predict_ahead"`
	MinZoom              int           `yaml:"min_zoom"`
	MaxZoom              int           `yaml:"max_zoom"`
	TileSize             int           `yaml:"tile_size"`
	ClusterThreshold     float64       `yaml:"cluster_threshold"`

	MaintenanceSchedule string `yaml:"maintenance_schedule"`

	Sources []SourceConfig `yaml:"sources"`
}

// Default returns the built-in configuration.
func Default() *Config {
	p := pipeline.DefaultConfig()
	return &Config{
		Port:                 8080,
		LogLevel:             "info",
		MaxUploadSize:        500 << 20,
		WarmupLevels:         1,
		WarmupWorkers:        1,
		VipsMaxCacheMB:       256,
		VipsConcurrency:      1,
		Runtime:              "pool",
		Workers:              4,
		BlockingWorkers:      16,
		StoreType:            "memory",
		StoreMemoryTiles:     2000,
		RedisAddr:            "localhost:6379",
		RedisTTL:             24 * time.Hour,
		CacheMaxEntries:      p.Budget.MaxEntries,
		CacheMaxBytes:        p.Budget.MaxBytes,
		MaxQueueLen:          p.Queue.MaxLen,
		MaxAge:               p.Queue.MaxAge,
		MaxConcurrentFetches: p.Scheduler.MaxConcurrentFetches,
		FetchTimeout:         p.Scheduler.FetchTimeout,
		AdaptiveFetches:      p.Scheduler.Adaptive,
		FailureCooldown:      p.FailureCooldown,
		MaxAutoRetries:       p.MaxAutoRetries,
		RetryDelay:           p.RetryDelay,
		PrefetchMargin:       p.PrefetchMargin,
		PredictAhead:         p.PredictAhead,
		MinZoom:              p.MinZoom,
		MaxZoom:              p.MaxZoom,
		TileSize:             p.TileSize,
		ClusterThreshold:     p.ClusterThreshold,
		MaintenanceSchedule:  "@every 1m",
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE if set, then environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	envErr := cfg.applyEnv()
	if cfg.StoreFileDir == "" {
		cfg.StoreFileDir = filepath.Join(os.TempDir(), "gigamap-tiles")
	}
	if err := multierr.Append(envErr, cfg.Validate()); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// applyEnv overrides settings from environment variables. Values that do
// not parse are reported rather than ignored.
func (c *Config) applyEnv() error {
	env := &envReader{}
	c.Port = env.Int("PORT", c.Port)
	c.LogLevel = env.String("LOG_LEVEL", c.LogLevel)
	c.AllowedOrigin = env.String("ALLOWED_ORIGIN", c.AllowedOrigin)
	c.UploadToken = env.String("UPLOAD_TOKEN", c.UploadToken)
	c.MaxUploadSize = env.Int64("MAX_UPLOAD_SIZE", c.MaxUploadSize)
	c.ImageDir = env.String("IMAGE_DIR", c.ImageDir)
	c.WarmupLevels = env.Int("WARMUP_LEVELS", c.WarmupLevels)
	c.WarmupWorkers = env.Int("WARMUP_WORKERS", c.WarmupWorkers)
	c.VipsMaxCacheMB = env.Int("VIPS_MAX_CACHE_MB", c.VipsMaxCacheMB)
	c.VipsConcurrency = env.Int("VIPS_CONCURRENCY", c.VipsConcurrency)
	c.Runtime = env.String("RUNTIME", c.Runtime)
	c.Workers = env.Int("WORKERS", c.Workers)
	c.BlockingWorkers = env.Int("BLOCKING_WORKERS", c.BlockingWorkers)
	c.StoreType = env.String("STORE", c.StoreType)
	c.StoreMemoryTiles = env.Int("STORE_MEMORY_TILES", c.StoreMemoryTiles)
	c.StoreFileDir = env.String("STORE_FILE_DIR", c.StoreFileDir)
	c.RedisAddr = env.String("REDIS_ADDR", c.RedisAddr)
	c.RedisTTL = env.Duration("REDIS_TTL", c.RedisTTL)
	c.CacheMaxEntries = env.Int("CACHE_MAX_ENTRIES", c.CacheMaxEntries)
	c.CacheMaxBytes = env.Int64("CACHE_MAX_BYTES", c.CacheMaxBytes)
	c.MaxQueueLen = env.Int("MAX_QUEUE_LEN", c.MaxQueueLen)
	c.MaxAge = env.Duration("MAX_AGE", c.MaxAge)
	c.MaxConcurrentFetches = env.Int("MAX_CONCURRENT_FETCHES", c.MaxConcurrentFetches)
	c.FetchTimeout = env.Duration("FETCH_TIMEOUT", c.FetchTimeout)
	c.AdaptiveFetches = env.Bool("ADAPTIVE_FETCHES", c.AdaptiveFetches)
	c.FailureCooldown = env.Duration("FAILURE_COOLDOWN", c.FailureCooldown)
	c.MaxAutoRetries = env.Int("MAX_AUTO_RETRIES", c.MaxAutoRetries)
	c.RetryDelay = env.Duration("RETRY_DELAY", c.RetryDelay)
	c.PrefetchMargin = env.Int("PREFETCH_MARGIN", c.PrefetchMargin)
	c.PredictAhead = env.Duration("PREDICT_AHEAD", c.PredictAhead)
	c.MinZoom = env.Int("MIN_ZOOM", c.MinZoom)
	c.MaxZoom = env.Int("MAX_ZOOM", c.MaxZoom)
	c.TileSize = env.Int("TILE_SIZE", c.TileSize)
	c.ClusterThreshold = env.Float("CLUSTER_THRESHOLD", c.ClusterThreshold)
	c.MaintenanceSchedule = env.String("MAINTENANCE_SCHEDULE", c.MaintenanceSchedule)

	// TILE_SOURCES=osm=https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png,local=/srv/tiles/{z}/{x}/{y}.png
	if value := os.Getenv("TILE_SOURCES"); value != "" {
		c.Sources = parseSources(value)
	}
	return env.err
}

func parseSources(value string) []SourceConfig {
	var out []SourceConfig
	for _, part := range strings.Split(value, ",") {
		id, template, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		src := SourceConfig{ID: id, Store: true}
		if strings.HasPrefix(template, "http://") || strings.HasPrefix(template, "https://") {
			src.Type = "http"
			src.URL = template
			if strings.Contains(template, "{s}") {
				src.Subdomains = []string{"a", "b", "c"}
			}
		} else {
			src.Type = "file"
			src.Path = template
		}
		out = append(out, src)
	}
	return out
}

// Validate lists every invalid setting.
func (c *Config) Validate() error {
	var err error
	if c.Port <= 0 || c.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("port must be in 1..65535, got %d", c.Port))
	}
	switch c.Runtime {
	case "pool", "cooperative", "inline":
	default:
		err = multierr.Append(err, fmt.Errorf("unknown runtime %q (supported: pool, cooperative, inline)", c.Runtime))
	}
	if c.Runtime != "inline" && c.BlockingWorkers <= 0 {
		err = multierr.Append(err, fmt.Errorf("blocking_workers must be positive, got %d", c.BlockingWorkers))
	}
	if c.Runtime == "pool" && c.Workers <= 0 {
		err = multierr.Append(err, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	switch c.StoreType {
	case "memory", "file", "redis", "disabled", "":
	default:
		err = multierr.Append(err, fmt.Errorf("unknown store type %q (supported: memory, file, redis, disabled)", c.StoreType))
	}
	if c.MaintenanceSchedule == "" {
		err = multierr.Append(err, fmt.Errorf("maintenance_schedule must not be empty"))
	}

	seen := make(map[string]bool)
	for i, s := range c.Sources {
		switch {
		case s.ID == "":
			err = multierr.Append(err, fmt.Errorf("source %d has no id", i))
		case seen[s.ID]:
			err = multierr.Append(err, fmt.Errorf("duplicate source id %q", s.ID))
		}
		seen[s.ID] = true
		switch s.Type {
		case "http":
			if s.URL == "" {
				err = multierr.Append(err, fmt.Errorf("http source %q has no url", s.ID))
			}
		case "file":
			if s.Path == "" {
				err = multierr.Append(err, fmt.Errorf("file source %q has no path", s.ID))
			}
		default:
			err = multierr.Append(err, fmt.Errorf("source %q has unknown type %q", s.ID, s.Type))
		}
	}

	return multierr.Append(err, c.Pipeline().Validate())
}

func (c *Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		Budget: cache.Budget{MaxEntries: c.CacheMaxEntries, MaxBytes: c.CacheMaxBytes},
		Queue:  queue.Config{MaxLen: c.MaxQueueLen, MaxAge: c.MaxAge},
		Scheduler: scheduler.Config{
			MaxConcurrentFetches: c.MaxConcurrentFetches,
			FetchTimeout:         c.FetchTimeout,
			Adaptive:             c.AdaptiveFetches,
		},
		FailureCooldown:  c.FailureCooldown,
		MaxAutoRetries:   c.MaxAutoRetries,
		RetryDelay:       c.RetryDelay,
		PrefetchMargin:   c.PrefetchMargin,
		PredictAhead:     c.PredictAhead,
		MinZoom:          c.MinZoom,
		MaxZoom:          c.MaxZoom,
		TileSize:         c.TileSize,
		ClusterThreshold: c.ClusterThreshold,
	}
}

func (c *Config) Store() store.Config {
	return store.Config{
		Type:        c.StoreType,
		MemoryTiles: c.StoreMemoryTiles,
		FileDir:     c.StoreFileDir,
		RedisAddr:   c.RedisAddr,
		RedisTTL:    c.RedisTTL,
	}
}

func (c *Config) IsUploadPublic() bool {
	return strings.TrimSpace(c.UploadToken) == ""
}

func (c *Config) IsCORSEnabled() bool {
	return strings.TrimSpace(c.AllowedOrigin) != ""
}

// envReader reads typed environment variables, collecting every value that
// fails to parse.
type envReader struct {
	err error
}

func (r *envReader) lookup(key string) (string, bool) {
	value := os.Getenv(key)
	return value, value != ""
}

func (r *envReader) invalid(key, value, want string) {
	r.err = multierr.Append(r.err, fmt.Errorf("%s=%q is not a valid %s", key, value, want))
}

func (r *envReader) String(key, defaultValue string) string {
	if value, ok := r.lookup(key); ok {
		return value
	}
	return defaultValue
}

func (r *envReader) Int(key string, defaultValue int) int {
	value, ok := r.lookup(key)
	if !ok {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		r.invalid(key, value, "integer")
		return defaultValue
	}
	return intValue
}

func (r *envReader) Int64(key string, defaultValue int64) int64 {
	value, ok := r.lookup(key)
	if !ok {
		return defaultValue
	}
	intValue, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		r.invalid(key, value, "integer")
		return defaultValue
	}
	return intValue
}

func (r *envReader) Float(key string, defaultValue float64) float64 {
	value, ok := r.lookup(key)
	if !ok {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		r.invalid(key, value, "number")
		return defaultValue
	}
	return f
}

func (r *envReader) Bool(key string, defaultValue bool) bool {
	value, ok := r.lookup(key)
	if !ok {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.invalid(key, value, "boolean")
		return defaultValue
	}
	return b
}

func (r *envReader) Duration(key string, defaultValue time.Duration) time.Duration {
	value, ok := r.lookup(key)
	if !ok {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.invalid(key, value, "duration")
		return defaultValue
	}
	return d
}
