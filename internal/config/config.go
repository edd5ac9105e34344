package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Popie52/jobclerk/internal/model"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type RuntimeConfig struct {
	Dev bool
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // trace|debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

type StoreConfig struct {
	Backend string        `yaml:"backend"` // memory|file|postgres|redis
	FileDir string        `yaml:"file_dir"`
	Timeout time.Duration `yaml:"timeout"` // per-request storage deadline
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	Driver   string `yaml:"driver"` // postgres (lib/pq) | pgx
	MaxConns int    `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type NotifyConfig struct {
	RabbitMQURL string `yaml:"rabbitmq_url"` // empty disables notifications
	Exchange    string `yaml:"exchange"`
}

type ClaimConfig struct {
	BatchSize    int `yaml:"batch_size"`
	MaxConflicts int `yaml:"max_conflicts"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Notify   NotifyConfig   `yaml:"notify"`
	Claim    ClaimConfig    `yaml:"claim"`

	// Projects are created at startup if missing. This is the only way
	// projects come into existence.
	Projects []string `yaml:"projects"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path. An empty path yields the defaults.
// DATABASE_URL, REDIS_URL and RABBITMQ_URL override the file.
func LoadConfig(path string, dev bool) (*Config, error) {
	var b []byte
	if path != "" {
		var err error
		b, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := Parse(b)
	if err != nil {
		return nil, err
	}
	cfg.Runtime.Dev = dev
	return cfg, nil
}

func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		cfg.Notify.RabbitMQURL = v
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8000"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.Store.FileDir == "" {
		c.Store.FileDir = "data"
	}
	if c.Store.Timeout <= 0 {
		c.Store.Timeout = 5 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 10
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "jobclerk"
	}
	if c.Notify.Exchange == "" {
		c.Notify.Exchange = "jobclerk"
	}
	if c.Claim.BatchSize <= 0 {
		c.Claim.BatchSize = 16
	}
	if c.Claim.MaxConflicts <= 0 {
		c.Claim.MaxConflicts = 256
	}
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendFile:
	case BackendPostgres:
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres backend")
		}
		if c.Database.Driver != "postgres" && c.Database.Driver != "pgx" {
			return fmt.Errorf("database.driver must be postgres or pgx, got %q", c.Database.Driver)
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			return errors.New("redis.url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}

	seen := make(map[string]bool, len(c.Projects))
	for _, p := range c.Projects {
		if !model.ValidProjectName(p) {
			return fmt.Errorf("invalid project name %q", p)
		}
		if seen[p] {
			return fmt.Errorf("duplicate project %q", p)
		}
		seen[p] = true
	}
	return nil
}
