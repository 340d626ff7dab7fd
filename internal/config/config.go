// Package config loads client configuration from file and environment
// via viper. Defaults are defined here in code; a config file only
// overrides what it names.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/kodikgo/kodik/internal/api"
	"github.com/kodikgo/kodik/internal/cache"
	"github.com/kodikgo/kodik/internal/resolver"
)

// Config holds all application configuration.
type Config struct {
	API   APIConfig   `mapstructure:"api"`
	Cache CacheConfig `mapstructure:"cache"`
	HTTP  HTTPConfig  `mapstructure:"http"`
}

// APIConfig holds search API and token settings.
type APIConfig struct {
	Base       string        `mapstructure:"base"`
	Token      string        `mapstructure:"token"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	SearchTTL  time.Duration `mapstructure:"search_ttl"`
	MaxRetries int           `mapstructure:"max_retries"`
	Backoff    time.Duration `mapstructure:"backoff"`
}

// CacheConfig holds layered cache settings.
type CacheConfig struct {
	Dir             string        `mapstructure:"dir"`
	MaxEntries      int           `mapstructure:"max_entries"`
	MaxBytes        int64         `mapstructure:"max_bytes"`
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	SmallBand       int           `mapstructure:"small_band"`
	MediumBand      int           `mapstructure:"medium_band"`
	DisableDurable  bool          `mapstructure:"disable_durable"`
}

// HTTPConfig holds transport settings.
type HTTPConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load reads config.yaml from $XDG_CONFIG_HOME/kodik (or the OS
// equivalent), applying defaults for anything absent. A missing file
// is not an error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "kodik"))
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix("KODIK")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = "."
	}

	v.SetDefault("api.base", api.DefaultAPIBase)
	v.SetDefault("api.token", "")
	v.SetDefault("api.token_ttl", time.Hour)
	v.SetDefault("api.search_ttl", 5*time.Minute)
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("api.backoff", time.Second)

	v.SetDefault("cache.dir", filepath.Join(cacheDir, "kodik"))
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.max_bytes", 64<<20)
	v.SetDefault("cache.default_ttl", 5*time.Minute)
	v.SetDefault("cache.cleanup_interval", time.Minute)
	v.SetDefault("cache.small_band", 10<<10)
	v.SetDefault("cache.medium_band", 100<<10)
	v.SetDefault("cache.disable_durable", false)

	v.SetDefault("http.timeout", 30*time.Second)
}

// CacheServiceConfig converts the cache section into a cache.Config.
func (c *Config) CacheServiceConfig() cache.Config {
	return cache.Config{
		MaxEntries:      c.Cache.MaxEntries,
		MaxBytes:        c.Cache.MaxBytes,
		DefaultTTL:      c.Cache.DefaultTTL,
		CleanupInterval: c.Cache.CleanupInterval,
		SmallBand:       c.Cache.SmallBand,
		MediumBand:      c.Cache.MediumBand,
	}
}

// ClientConfig converts the api section into an api.Config.
func (c *Config) ClientConfig() api.Config {
	return api.Config{
		APIBase:   c.API.Base,
		Token:     c.API.Token,
		TokenTTL:  c.API.TokenTTL,
		SearchTTL: c.API.SearchTTL,
		Resolver: resolver.Config{
			MaxRetries: c.API.MaxRetries,
			Backoff:    c.API.Backoff,
		},
	}
}
