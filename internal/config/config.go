// Package config loads the engine's YAML configuration, expanding ${VAR}
// environment references so secrets stay out of the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine's full configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Engine   EngineConfig   `yaml:"engine"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BackendConfig configures the upstream betting backend.
type BackendConfig struct {
	OrderURL string `yaml:"order_url"`
	FeedURL  string `yaml:"feed_url"`
	APIKey   string `yaml:"api_key"`

	// Loopback accepts placements locally instead of calling the backend.
	// Development only.
	Loopback bool `yaml:"loopback"`
}

// DatabaseConfig configures the PostgreSQL ledger. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

// RedisConfig configures the position snapshot store. An empty Addr selects
// the in-memory snapshot store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EngineConfig carries the lifecycle and cache timing knobs.
type EngineConfig struct {
	UserID           string        `yaml:"user_id"`
	PriceTTL         time.Duration `yaml:"price_ttl"`
	CacheSweepEvery  time.Duration `yaml:"cache_sweep_every"`
	RefreshDelay     time.Duration `yaml:"refresh_delay"`
	PersistEvery     time.Duration `yaml:"persist_every"`
	PositionHorizon  time.Duration `yaml:"position_horizon"`
	OutcomeRetention time.Duration `yaml:"outcome_retention"`
}

// Default values for optional configuration fields.
const (
	DefaultAddr             = ":8080"
	DefaultReadTimeout      = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultMaxConns         = 10
	DefaultPriceTTL         = 5 * time.Second
	DefaultCacheSweepEvery  = 60 * time.Second
	DefaultRefreshDelay     = 1500 * time.Millisecond
	DefaultPersistEvery     = 2 * time.Second
	DefaultPositionHorizon  = 24 * time.Hour
	DefaultOutcomeRetention = 30 * time.Second
)

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Engine.PriceTTL == 0 {
		c.Engine.PriceTTL = DefaultPriceTTL
	}
	if c.Engine.CacheSweepEvery == 0 {
		c.Engine.CacheSweepEvery = DefaultCacheSweepEvery
	}
	if c.Engine.RefreshDelay == 0 {
		c.Engine.RefreshDelay = DefaultRefreshDelay
	}
	if c.Engine.PersistEvery == 0 {
		c.Engine.PersistEvery = DefaultPersistEvery
	}
	if c.Engine.PositionHorizon == 0 {
		c.Engine.PositionHorizon = DefaultPositionHorizon
	}
	if c.Engine.OutcomeRetention == 0 {
		c.Engine.OutcomeRetention = DefaultOutcomeRetention
	}
}

// Validate checks that required fields are set and values are sane.
func (c *Config) Validate() error {
	if c.Engine.UserID == "" {
		return errors.New("engine.user_id is required")
	}
	if !c.Backend.Loopback {
		if c.Backend.OrderURL == "" {
			return errors.New("backend.order_url is required unless backend.loopback is set")
		}
		if c.Backend.FeedURL == "" {
			return errors.New("backend.feed_url is required unless backend.loopback is set")
		}
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("database.max_conns must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.Engine.PriceTTL < time.Second {
		return fmt.Errorf("engine.price_ttl must be >= 1s, got %s", c.Engine.PriceTTL)
	}
	return nil
}

// Load reads a YAML config file, expands ${VAR} environment references,
// applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Default returns a development configuration: in-memory stores and the
// loopback submitter.
func Default() *Config {
	cfg := &Config{
		Backend: BackendConfig{Loopback: true},
		Engine:  EngineConfig{UserID: "dev"},
	}
	cfg.applyDefaults()
	return cfg
}
