// Package config loads the proxy configuration from YAML and the
// environment and keeps it current while the file changes.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ngoyal88/meterproxy/pkg/logging"
)

// EnvPrefix prefixes environment overrides, e.g. METERPROXY_UPSTREAM_HOST.
const EnvPrefix = "METERPROXY"

// Config holds all the configuration for our application
// The structure tags (mapstructure) tell Viper which YAML field maps to which Go struct field.
type Config struct {
	Server   ServerConfig       `mapstructure:"server"`
	Upstream UpstreamConfig     `mapstructure:"upstream"`
	Redis    RedisConfig        `mapstructure:"redis"`
	Cache    CacheConfig        `mapstructure:"cache"`
	Storage  StorageConfig      `mapstructure:"storage"`
	Auth     AuthConfig         `mapstructure:"auth"`
	Log      LogConfig          `mapstructure:"log"`
	Models   map[string]float64 `mapstructure:"models"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type UpstreamConfig struct {
	Host    string        `mapstructure:"host"`
	Scheme  string        `mapstructure:"scheme"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CacheConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Backend      string        `mapstructure:"backend"`
	TTL          time.Duration `mapstructure:"ttl"`
	SingleFlight bool          `mapstructure:"single_flight"`
}

type StorageConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxBodyBytes    int           `mapstructure:"max_body_bytes"`
	FinalizeTimeout time.Duration `mapstructure:"finalize_timeout"`
	Retention       time.Duration `mapstructure:"retention"`
}

type AuthConfig struct {
	AdminKey string `mapstructure:"admin_key"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// NeedsRedis reports whether any configured backend lives in Redis.
func (c *Config) NeedsRedis() bool {
	return c.Storage.Backend == "redis" || (c.Cache.Enabled && c.Cache.Backend == "redis")
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Upstream.Host == "" {
		return errors.New("upstream.host is required")
	}
	switch c.Upstream.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("upstream.scheme %q must be http or https", c.Upstream.Scheme)
	}
	switch c.Cache.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("cache.backend %q must be redis or memory", c.Cache.Backend)
	}
	switch c.Storage.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("storage.backend %q must be sqlite or redis", c.Storage.Backend)
	}
	for model, price := range c.Models {
		if price < 0 {
			return fmt.Errorf("models.%s: negative price", model)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server::port", ":8080")
	v.SetDefault("server::max_body_bytes", 10<<20)
	v.SetDefault("server::shutdown_timeout", 15*time.Second)

	v.SetDefault("upstream::host", "api.openai.com")
	v.SetDefault("upstream::scheme", "https")
	v.SetDefault("upstream::api_key", "")
	v.SetDefault("upstream::timeout", 600*time.Second)
	v.SetDefault("upstream::breaker::max_failures", 5)
	v.SetDefault("upstream::breaker::open_timeout", 30*time.Second)

	v.SetDefault("redis::address", "localhost:6379")
	v.SetDefault("redis::password", "")
	v.SetDefault("redis::db", 0)

	v.SetDefault("cache::enabled", true)
	v.SetDefault("cache::backend", "redis")
	v.SetDefault("cache::ttl", 720*time.Hour)
	v.SetDefault("cache::single_flight", true)

	v.SetDefault("storage::backend", "sqlite")
	v.SetDefault("storage::dsn", "meterproxy.db")
	v.SetDefault("storage::max_body_bytes", 1<<20)
	v.SetDefault("storage::finalize_timeout", 10*time.Second)
	v.SetDefault("storage::retention", 30*24*time.Hour)

	v.SetDefault("auth::admin_key", "")

	v.SetDefault("log::level", "info")
	v.SetDefault("log::development", false)
}

// Store wraps configuration with thread-safe access and hot-reload updates.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewStore returns a Store holding cfg. Used by tests and tools that build
// configuration in code.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil
	}
	cpy := *s.cfg
	return &cpy
}

// Prices returns a copy of the current per-1k-token prices.
func (s *Store) Prices() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil
	}
	out := make(map[string]float64, len(s.cfg.Models))
	for k, v := range s.cfg.Models {
		out[k] = v
	}
	return out
}

func (s *Store) set(cfg *Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Load reads the configuration once without watching. An empty path
// searches ./configs/config.yaml and falls back to defaults when absent.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// LoadAndWatch loads the config and watches for on-disk changes. Invalid
// reloads are logged and the previous configuration is kept.
func LoadAndWatch(path string, log *zap.Logger) (*Store, error) {
	log = logging.OrNop(log)
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	store := NewStore(cfg)

	if v.ConfigFileUsed() == "" {
		return store, nil
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			log.Error("config reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		store.set(cfg)
		log.Info("config reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return store, nil
}

func newViper(path string) (*viper.Viper, error) {
	// Model names contain dots, so nested keys use "::".
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("::", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return v, nil
	}

	v.AddConfigPath("./configs")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
