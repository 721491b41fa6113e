package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/ridgeline/callsift/internal/monitor"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Pipeline  PipelineConfig   `json:"pipeline"`
	Monitor   monitor.Config   `json:"monitor"`
	Rollout   RolloutConfig    `json:"rollout"`
	Database  DatabaseConfig   `json:"database"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
	Default  bool   `json:"default,omitempty"`
}

type PipelineConfig struct {
	Model       string        `json:"model"`
	LegacyModel string        `json:"legacy_model"`
	PoolSize    int           `json:"pool_size"`
	CacheTTL    time.Duration `json:"cache_ttl_seconds"`
}

type RolloutConfig struct {
	CheckInterval time.Duration `json:"check_interval_seconds"`
	AuditStream   string        `json:"audit_stream"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Pipeline.Model == "" {
		c.Pipeline.Model = "claude-sonnet-4-20250514"
	}
	if c.Pipeline.LegacyModel == "" {
		c.Pipeline.LegacyModel = c.Pipeline.Model
	}
	if c.Pipeline.PoolSize == 0 {
		c.Pipeline.PoolSize = 8
	}
	// Durations arrive as bare second counts in JSON.
	if c.Pipeline.CacheTTL > 0 && c.Pipeline.CacheTTL < time.Second {
		c.Pipeline.CacheTTL *= time.Second
	}
	if c.Rollout.CheckInterval > 0 && c.Rollout.CheckInterval < time.Second {
		c.Rollout.CheckInterval *= time.Second
	}
	if c.Monitor.WindowSize == 0 {
		c.Monitor = monitor.DefaultConfig()
	}
}
