// Package config loads blockcache settings: built-in defaults, then an
// optional YAML/JSON/TOML file, then BLOCKCACHE_* environment variables
// (BLOCKCACHE_CACHE_TARGET=1GiB sets cache.target).
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/IvanBrykalov/blockcache/cache"
	"github.com/IvanBrykalov/blockcache/l2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BLOCKCACHE"

// Bytes is a byte count that also accepts human sizes ("64MiB", "1.5 GB").
type Bytes int64

// Config is the full settings tree. Zero values of the cache and tier
// sections select the library defaults.
type Config struct {
	Cache    CacheConfig    `mapstructure:"cache"`
	L2       L2Config       `mapstructure:"l2"`
	Store    StoreConfig    `mapstructure:"store"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	MemWatch MemWatchConfig `mapstructure:"memwatch"`
}

// CacheConfig mirrors cache.Options; sizes accept human units.
type CacheConfig struct {
	Target              Bytes         `mapstructure:"target"`
	MinTarget           Bytes         `mapstructure:"min_target"`
	MaxTarget           Bytes         `mapstructure:"max_target"`
	MetaLimit           Bytes         `mapstructure:"meta_limit"`
	Shards              int           `mapstructure:"shards"`
	MinPromoteTime      time.Duration `mapstructure:"min_promote_time"`
	MinPrefetchLifetime time.Duration `mapstructure:"min_prefetch_lifetime"`
	AdaptDampener       int64         `mapstructure:"adapt_dampener"`
	GhostLimit          int64         `mapstructure:"ghost_limit"`
	EvictBatch          int           `mapstructure:"evict_batch"`
	GrowMargin          Bytes         `mapstructure:"grow_margin"`
	GrowRetry           time.Duration `mapstructure:"grow_retry"`
	ReclaimInterval     time.Duration `mapstructure:"reclaim_interval"`
	StuckLogInterval    time.Duration `mapstructure:"stuck_log_interval"`
}

// DeviceConfig is one secondary-tier cache file, created or grown to Size.
type DeviceConfig struct {
	Path string `mapstructure:"path"`
	Size Bytes  `mapstructure:"size"`
}

// L2Config mirrors l2.Config. The tier is built only when Enabled.
type L2Config struct {
	Enabled          bool           `mapstructure:"enabled"`
	Devices          []DeviceConfig `mapstructure:"devices"`
	BlockSize        Bytes          `mapstructure:"block_size"`
	WriteMax         Bytes          `mapstructure:"write_max"`
	WriteBoost       Bytes          `mapstructure:"write_boost"`
	Headroom         int64          `mapstructure:"headroom"`
	FeedInterval     time.Duration  `mapstructure:"feed_interval"`
	FeedMinInterval  time.Duration  `mapstructure:"feed_min_interval"`
	QueueDepth       int            `mapstructure:"queue_depth"`
	Codec            string         `mapstructure:"codec"`
	CompressMinSize  Bytes          `mapstructure:"compress_min_size"`
	WriteConcurrency int            `mapstructure:"write_concurrency"`
	WriteRate        Bytes          `mapstructure:"write_rate"`
	MaxIO            int64          `mapstructure:"max_io"`
}

// StoreConfig selects the primary block store: mem, bolt, minio or s3.
type StoreConfig struct {
	Kind      string        `mapstructure:"kind"`
	Path      string        `mapstructure:"path"`
	Bucket    string        `mapstructure:"bucket"`
	Prefix    string        `mapstructure:"prefix"`
	Endpoint  string        `mapstructure:"endpoint"`
	AccessKey string        `mapstructure:"access_key"`
	SecretKey string        `mapstructure:"secret_key"`
	Secure    bool          `mapstructure:"secure"`
	Region    string        `mapstructure:"region"`
	Delay     time.Duration `mapstructure:"delay"`
}

// ServerConfig controls the metrics endpoint; an empty MetricsAddr
// disables it.
type ServerConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
	Namespace   string `mapstructure:"namespace"`
}

// LogConfig selects the slog level (debug, info, warn, error) and handler
// format (text, json).
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MemWatchConfig enables the host memory watcher, which shrinks the cache
// when available memory drops below the larger of MinFreeFraction of total
// memory and MinFree.
type MemWatchConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	MinFreeFraction float64       `mapstructure:"min_free_fraction"`
	MinFree         Bytes         `mapstructure:"min_free"`
}

var defaults = map[string]any{
	"cache.target":                "256MiB",
	"cache.min_target":            0,
	"cache.max_target":            0,
	"cache.meta_limit":            0,
	"cache.shards":                0,
	"cache.min_promote_time":      "125ms",
	"cache.min_prefetch_lifetime": "1s",
	"cache.adapt_dampener":        10,
	"cache.ghost_limit":           0,
	"cache.evict_batch":           1024,
	"cache.grow_margin":           "256KiB",
	"cache.grow_retry":            "5s",
	"cache.reclaim_interval":      "1s",
	"cache.stuck_log_interval":    "10s",

	"l2.enabled":           false,
	"l2.devices":           []map[string]any{},
	"l2.block_size":        512,
	"l2.write_max":         "8MiB",
	"l2.write_boost":       0,
	"l2.headroom":          2,
	"l2.feed_interval":     "1s",
	"l2.feed_min_interval": "150ms",
	"l2.queue_depth":       1024,
	"l2.codec":             "lz4",
	"l2.compress_min_size": 512,
	"l2.write_concurrency": 4,
	"l2.write_rate":        0,
	"l2.max_io":            16,

	"store.kind":       "mem",
	"store.path":       "blocks.db",
	"store.bucket":     "",
	"store.prefix":     "",
	"store.endpoint":   "",
	"store.access_key": "",
	"store.secret_key": "",
	"store.secure":     true,
	"store.region":     "",
	"store.delay":      "0s",

	"server.metrics_addr": ":9090",
	"server.namespace":    "blockcache",

	"log.level":  "info",
	"log.format": "text",

	"memwatch.enabled":           true,
	"memwatch.interval":          "1s",
	"memwatch.min_free_fraction": 1.0 / 32,
	"memwatch.min_free":          0,
}

// Load reads the configuration. path may be empty to use defaults and
// the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		bytesHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var bytesType = reflect.TypeOf(Bytes(0))

func bytesHook(from, to reflect.Type, data any) (any, error) {
	if to != bytesType {
		return data, nil
	}
	switch from.Kind() {
	case reflect.String:
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return Bytes(0), nil
		}
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", s, err)
		}
		return Bytes(n), nil
	default:
		return data, nil
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Cache.Target <= 0 {
		errs = append(errs, errors.New("cache.target must be > 0"))
	}
	if c.Cache.MaxTarget > 0 && c.Cache.MaxTarget < c.Cache.Target {
		errs = append(errs, errors.New("cache.max_target must not be below cache.target"))
	}
	switch c.Store.Kind {
	case "mem", "bolt":
	case "minio", "s3":
		if c.Store.Bucket == "" {
			errs = append(errs, fmt.Errorf("store.bucket is required for %s", c.Store.Kind))
		}
		if c.Store.Kind == "minio" && c.Store.Endpoint == "" {
			errs = append(errs, errors.New("store.endpoint is required for minio"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.kind %q (mem, bolt, minio, s3)", c.Store.Kind))
	}
	if _, err := l2.ParseCodec(c.L2.Codec); err != nil {
		errs = append(errs, err)
	}
	if c.L2.Enabled {
		if len(c.L2.Devices) == 0 {
			errs = append(errs, errors.New("l2.devices is required when l2 is enabled"))
		}
		for i, d := range c.L2.Devices {
			if d.Path == "" || d.Size <= 0 {
				errs = append(errs, fmt.Errorf("l2.devices[%d] needs a path and a size", i))
			}
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("unknown log.format %q (text, json)", f))
	}
	if errs != nil {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Options converts the cache section. Source, Sink, L2, Metrics and Logger
// are left for the caller to wire.
func (c CacheConfig) Options() cache.Options {
	return cache.Options{
		Target:              int64(c.Target),
		MinTarget:           int64(c.MinTarget),
		MaxTarget:           int64(c.MaxTarget),
		MetaLimit:           int64(c.MetaLimit),
		Shards:              c.Shards,
		MinPromoteTime:      c.MinPromoteTime,
		MinPrefetchLifetime: c.MinPrefetchLifetime,
		AdaptDampener:       c.AdaptDampener,
		GhostLimit:          c.GhostLimit,
		EvictBatch:          c.EvictBatch,
		GrowMargin:          int64(c.GrowMargin),
		GrowRetry:           c.GrowRetry,
		ReclaimInterval:     c.ReclaimInterval,
		StuckLogInterval:    c.StuckLogInterval,
	}
}

// Open opens the configured devices and returns the tier configuration,
// or nil when the tier is disabled. Devices opened before a failure are
// closed.
func (c L2Config) Open(log *slog.Logger) (*l2.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	codec, err := l2.ParseCodec(c.Codec)
	if err != nil {
		return nil, err
	}
	cfg := &l2.Config{
		BlockSize:        int64(c.BlockSize),
		WriteMax:         int64(c.WriteMax),
		WriteBoost:       int64(c.WriteBoost),
		Headroom:         c.Headroom,
		FeedInterval:     c.FeedInterval,
		FeedMinInterval:  c.FeedMinInterval,
		QueueDepth:       c.QueueDepth,
		Codec:            codec,
		CompressMinSize:  int(c.CompressMinSize),
		WriteConcurrency: c.WriteConcurrency,
		WriteRateBytes:   int64(c.WriteRate),
		Logger:           log,
	}
	for _, d := range c.Devices {
		dev, err := l2.OpenFile(d.Path, int64(d.Size), c.MaxIO)
		if err != nil {
			for _, opened := range cfg.Devices {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("config: l2 device %s: %w", d.Path, err)
		}
		cfg.Devices = append(cfg.Devices, dev)
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// Logger builds a text or JSON slog logger writing to w.
func (c LogConfig) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch c.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Format)
	}
}
