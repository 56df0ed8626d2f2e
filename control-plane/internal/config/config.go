package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pilot-net/fwrollout/control-plane/internal/secrets"
)

// Config is the complete control plane configuration.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (FWROLLOUT_*, OP_CONNECT_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	server:
//	  listen_addr: ":8080"
//	  debug: false
//
//	database:
//	  url: postgres://fwrollout@localhost:5432/fwrollout
//	  max_conns: 20
//
//	redis:
//	  url: redis://localhost:6379/0
//
//	dispatch:
//	  timeout: 15s
//	  workers: 8
//	  queue_size: 256
//	  publish_rate: 100
//	  publish_burst: 20
//
//	delivery:
//	  base_url: https://updates.example.com
//	  storage_url: https://firmware.s3.amazonaws.com
//	  url_ttl: 1h
//
//	cache:
//	  firmware_ttl: 24h
//
//	secrets:
//	  backend: auto
//	  onepassword:
//	    host: http://localhost:8080
//	    vault_id: abc123
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Cache    CacheConfig    `yaml:"cache"`
	Secrets  secrets.Config `yaml:"secrets"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Debug      bool   `yaml:"debug"`
}

// DatabaseConfig defines the PostgreSQL connection.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

// RedisConfig defines the Redis connection used for the firmware cache and
// device notifications.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// DispatchConfig defines update dispatch behavior.
type DispatchConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	PublishRate  float64       `yaml:"publish_rate"`
	PublishBurst int           `yaml:"publish_burst"`
}

// DeliveryConfig defines signed firmware URLs.
type DeliveryConfig struct {
	BaseURL    string        `yaml:"base_url"`    // Externally reachable address of this server
	StorageURL string        `yaml:"storage_url"` // Where verified downloads redirect
	URLTTL     time.Duration `yaml:"url_ttl"`
}

// CacheConfig defines lookup caching.
type CacheConfig struct {
	FirmwareTTL time.Duration `yaml:"firmware_ttl"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Database: DatabaseConfig{
			URL:      "postgres://localhost:5432/fwrollout?sslmode=disable",
			MaxConns: DefaultMaxDatabaseConns,
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Dispatch: DispatchConfig{
			Timeout:      DefaultDispatchTimeout,
			Workers:      DefaultDispatchWorkers,
			QueueSize:    DefaultDispatchQueueSize,
			PublishRate:  DefaultPublishRate,
			PublishBurst: DefaultPublishBurst,
		},
		Delivery: DeliveryConfig{
			BaseURL: "http://localhost:8080",
			URLTTL:  DefaultDeliveryURLTTL,
		},
		Cache: CacheConfig{
			FirmwareTTL: FirmwareCacheTTL,
		},
		Secrets: secrets.Config{
			Backend: "auto",
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present and sane.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("database.max_conns must be positive")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("dispatch.timeout must be positive")
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be positive")
	}
	if c.Dispatch.QueueSize < 0 {
		return fmt.Errorf("dispatch.queue_size must not be negative")
	}
	if c.Delivery.URLTTL <= 0 {
		return fmt.Errorf("delivery.url_ttl must be positive")
	}
	if c.Cache.FirmwareTTL <= 0 {
		return fmt.Errorf("cache.firmware_ttl must be positive")
	}
	if !isAbsoluteURL(c.Delivery.BaseURL) {
		return fmt.Errorf("delivery.base_url must be an absolute URL, got %q", c.Delivery.BaseURL)
	}
	if c.Delivery.StorageURL != "" && !isAbsoluteURL(c.Delivery.StorageURL) {
		return fmt.Errorf("delivery.storage_url must be an absolute URL, got %q", c.Delivery.StorageURL)
	}
	switch c.Secrets.Backend {
	case "", "auto", "local", "1password":
	default:
		return fmt.Errorf("secrets.backend must be one of auto, local, 1password; got %q", c.Secrets.Backend)
	}
	return nil
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the FWROLLOUT_ prefix:
// - FWROLLOUT_LISTEN_ADDR
// - FWROLLOUT_DEBUG (true/false)
// - FWROLLOUT_DATABASE_URL
// - FWROLLOUT_REDIS_URL
// - FWROLLOUT_DISPATCH_TIMEOUT (duration, e.g. 15s)
// - FWROLLOUT_DISPATCH_WORKERS
// - FWROLLOUT_DELIVERY_BASE_URL
// - FWROLLOUT_STORAGE_URL
// - FWROLLOUT_SECRETS_BACKEND
// - FWROLLOUT_LOCAL_KEY_DIR
//
// 1Password Connect uses its standard variables OP_CONNECT_HOST,
// OP_CONNECT_TOKEN, and OP_VAULT_ID.
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("FWROLLOUT_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("FWROLLOUT_DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FWROLLOUT_DEBUG: %w", err)
		}
		c.Server.Debug = debug
	}
	if v := os.Getenv("FWROLLOUT_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("FWROLLOUT_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("FWROLLOUT_DISPATCH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FWROLLOUT_DISPATCH_TIMEOUT: %w", err)
		}
		c.Dispatch.Timeout = d
	}
	if v := os.Getenv("FWROLLOUT_DISPATCH_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FWROLLOUT_DISPATCH_WORKERS: %w", err)
		}
		c.Dispatch.Workers = n
	}
	if v := os.Getenv("FWROLLOUT_DELIVERY_BASE_URL"); v != "" {
		c.Delivery.BaseURL = v
	}
	if v := os.Getenv("FWROLLOUT_STORAGE_URL"); v != "" {
		c.Delivery.StorageURL = v
	}
	if v := os.Getenv("FWROLLOUT_SECRETS_BACKEND"); v != "" {
		c.Secrets.Backend = v
	}
	if v := os.Getenv("FWROLLOUT_LOCAL_KEY_DIR"); v != "" {
		c.Secrets.LocalKeyDir = v
	}
	if v := os.Getenv("OP_CONNECT_HOST"); v != "" {
		c.Secrets.OnePassword.Host = v
	}
	if v := os.Getenv("OP_CONNECT_TOKEN"); v != "" {
		c.Secrets.OnePassword.Token = v
	}
	if v := os.Getenv("OP_VAULT_ID"); v != "" {
		c.Secrets.OnePassword.VaultID = v
	}
	return nil
}
