// Package config loads relayer configuration from a YAML file with
// environment-variable overrides and defaults. Secrets (the relayer key)
// come from the environment only and never from the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the full relayer configuration.
type Config struct {
	Port         string `yaml:"port"`
	CORSOrigin   string `yaml:"cors_origin"`
	IsProduction bool   `yaml:"is_production"`

	// DBPath is a SQLite file path, or a postgres:// URL for a shared
	// deployment.
	DBPath string `yaml:"db_path"`

	// RelayerPrivateKey is env-only (RELAYER_PRIVATE_KEY); required.
	RelayerPrivateKey string `yaml:"-"`

	BatchSize       int `yaml:"batch_size"`
	BatchIntervalMs int `yaml:"batch_interval_ms"`
	PollIntervalMs  int `yaml:"poll_interval_ms"`
	FeeMarginBps    int `yaml:"fee_margin_bps"`

	Chains []ChainConfig `yaml:"chains"`

	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ChainConfig describes one supported chain.
type ChainConfig struct {
	ChainID         uint64 `yaml:"chain_id"`
	Name            string `yaml:"name"`
	RPCURL          string `yaml:"rpc_url"`
	PoolAddress     string `yaml:"pool_address"`
	VerifierAddress string `yaml:"verifier_address"`
	StartBlock      uint64 `yaml:"start_block"`
}

// RedisConfig enables the optional shared fee-quote cache. When disabled or
// unreachable the relayer falls back to its in-process cache.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateLimitConfig bounds proof submissions per client IP.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	MaxCallsPerMinute int  `yaml:"max_calls_per_minute"`
}

// Load reads the YAML file at path (missing file means defaults only),
// applies .env and environment overrides, fills defaults, and validates.
func Load(path string) (*Config, error) {
	// .env is a developer convenience; absence is not an error.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Port = getEnv("PORT", c.Port)
	c.CORSOrigin = getEnv("RELAYER_CORS_ORIGIN", c.CORSOrigin)
	c.DBPath = getEnv("RELAYER_DB_PATH", c.DBPath)
	c.RelayerPrivateKey = getEnv("RELAYER_PRIVATE_KEY", c.RelayerPrivateKey)
	c.IsProduction = getEnvBool("RELAYER_PRODUCTION", c.IsProduction)

	c.BatchSize = getEnvInt("RELAYER_BATCH_SIZE", c.BatchSize)
	c.BatchIntervalMs = getEnvInt("RELAYER_BATCH_INTERVAL_MS", c.BatchIntervalMs)
	c.PollIntervalMs = getEnvInt("RELAYER_POLL_INTERVAL_MS", c.PollIntervalMs)
	c.FeeMarginBps = getEnvInt("RELAYER_FEE_MARGIN_BPS", c.FeeMarginBps)

	c.Redis.Enabled = getEnvBool("RELAYER_REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("RELAYER_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("RELAYER_REDIS_PASSWORD", c.Redis.Password)
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.CORSOrigin == "" {
		c.CORSOrigin = "*"
	}
	if c.DBPath == "" {
		c.DBPath = "relayer.db"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchIntervalMs <= 0 {
		c.BatchIntervalMs = 300_000
	}
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = 15_000
	}
	if c.FeeMarginBps <= 0 {
		c.FeeMarginBps = 2000
	}
	if c.RateLimit.MaxCallsPerMinute <= 0 {
		c.RateLimit.MaxCallsPerMinute = 60
	}
}

// Validate rejects configurations the relayer cannot boot with.
func (c *Config) Validate() error {
	if c.RelayerPrivateKey == "" {
		return fmt.Errorf("config: RELAYER_PRIVATE_KEY is required")
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("config: at least one chain must be configured")
	}
	seen := make(map[uint64]bool, len(c.Chains))
	for i, ch := range c.Chains {
		if ch.ChainID == 0 {
			return fmt.Errorf("config: chains[%d]: chain_id is required", i)
		}
		if seen[ch.ChainID] {
			return fmt.Errorf("config: duplicate chain_id %d", ch.ChainID)
		}
		seen[ch.ChainID] = true
		if ch.RPCURL == "" {
			return fmt.Errorf("config: chain %d: rpc_url is required", ch.ChainID)
		}
		if ch.PoolAddress == "" {
			return fmt.Errorf("config: chain %d: pool_address is required", ch.ChainID)
		}
		if ch.VerifierAddress == "" {
			return fmt.Errorf("config: chain %d: verifier_address is required", ch.ChainID)
		}
	}
	return nil
}

// Chain returns the configuration for a chain id.
func (c *Config) Chain(chainID uint64) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ChainID == chainID {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
