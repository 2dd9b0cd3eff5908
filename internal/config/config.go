// Package config loads the edge-proxy configuration from a YAML file
// and VIDEOCACHE_* environment variables, environment taking precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mediaedge/edge-video-cache/pkg/policy"
	"github.com/mediaedge/edge-video-cache/pkg/queue"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// OriginConfig names the upstream media origin.
type OriginConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RedisConfig holds the persistent tier connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CacheConfig holds the cache layer tuning knobs.
type CacheConfig struct {
	// EdgeTTL is the default lifetime for edge entries without an
	// explicit max-age.
	EdgeTTL time.Duration `mapstructure:"edge_ttl"`

	// QueueLimit bounds concurrent background stores.
	QueueLimit int `mapstructure:"queue_limit"`

	// Derivatives are the path prefixes that encode a transformation.
	Derivatives []string `mapstructure:"derivatives"`

	// BypassParams are the query parameters that skip edge lookups.
	BypassParams []string `mapstructure:"bypass_params"`

	// Patterns are the ordered path-based TTL rules.
	Patterns []policy.PathPattern `mapstructure:"patterns"`

	// Defaults carries the global TTLs and cacheability flag.
	Defaults policy.Defaults `mapstructure:"defaults"`
}

// LoggingConfig holds the logger settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Config is the full edge-proxy configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Origin  OriginConfig  `mapstructure:"origin"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VIDEOCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration for values the proxy cannot start
// with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Origin.URL == "" {
		return fmt.Errorf("origin.url is required")
	}
	if c.Cache.QueueLimit <= 0 {
		return fmt.Errorf("cache.queue_limit must be positive, got %d", c.Cache.QueueLimit)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	// Unmarshal only sees env values for keys that exist, so even
	// required settings get an empty default.
	v.SetDefault("origin.url", "")
	v.SetDefault("origin.timeout", "60s")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("cache.edge_ttl", "5m")
	v.SetDefault("cache.queue_limit", queue.DefaultLimit)
	v.SetDefault("cache.defaults.cacheability", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 10)
}
