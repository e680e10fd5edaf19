// Package config loads queue configuration from a YAML file with
// environment overrides. A .env file in the working directory is folded
// into the environment before overrides apply, so local development and
// deployed settings go through the same path.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a queue process.
type Config struct {
	Redis RedisConfig `yaml:"redis"`
	Queue QueueConfig `yaml:"queue"`
	Log   LogConfig   `yaml:"log"`
}

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	// URL is the Redis connection string.
	// Default: "redis://localhost:6379"
	URL string `yaml:"url,omitempty"`

	// ConnectTimeout is the maximum time to wait for connection
	// establishment. Format: Go duration string. Default: 5s
	ConnectTimeout string `yaml:"connect_timeout,omitempty"`

	// ReadTimeout is the maximum time to wait for read operations.
	// Default: 30s
	ReadTimeout string `yaml:"read_timeout,omitempty"`

	// WriteTimeout is the maximum time to wait for write operations.
	// Default: 5s
	WriteTimeout string `yaml:"write_timeout,omitempty"`
}

// QueueConfig holds queue-wide behavior settings.
type QueueConfig struct {
	// Prefix namespaces every Redis key. Default: "q"
	Prefix string `yaml:"prefix,omitempty"`

	// ShutdownTimeout is the grace period for draining in-flight jobs.
	// Default: 30s
	ShutdownTimeout string `yaml:"shutdown_timeout,omitempty"`

	// PromoteInterval is how often delayed jobs are swept back into the
	// claimable set. Default: 1s
	PromoteInterval string `yaml:"promote_interval,omitempty"`

	// PromoteLimit caps how many jobs one sweep promotes. Default: 1000
	PromoteLimit int64 `yaml:"promote_limit,omitempty"`
}

// LogConfig selects the logger output.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string `yaml:"level,omitempty"`

	// Format is "json" or "text". Default: json
	Format string `yaml:"format,omitempty"`
}

// Load reads a YAML configuration file, folds in a .env file when one
// exists, and applies environment overrides. A missing config file
// yields the defaults.
func Load(path string) (*Config, error) {
	// Missing .env files are the common case outside development.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	overlay(&c.Redis.URL, "EMBERQ_REDIS_URL")
	overlay(&c.Queue.Prefix, "EMBERQ_PREFIX")
	overlay(&c.Queue.ShutdownTimeout, "EMBERQ_SHUTDOWN_TIMEOUT")
	overlay(&c.Queue.PromoteInterval, "EMBERQ_PROMOTE_INTERVAL")
	overlay(&c.Log.Level, "EMBERQ_LOG_LEVEL")
	overlay(&c.Log.Format, "EMBERQ_LOG_FORMAT")
}

func overlay(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// GetURL returns the Redis URL or its default.
func (r *RedisConfig) GetURL() string {
	if r == nil || r.URL == "" {
		return "redis://localhost:6379"
	}
	return r.URL
}

// GetConnectTimeout parses the connect timeout, falling back to the
// default when unset or invalid.
func (r *RedisConfig) GetConnectTimeout() time.Duration {
	return duration(r.ConnectTimeout, 5*time.Second)
}

// GetReadTimeout parses the read timeout, falling back to the default
// when unset or invalid.
func (r *RedisConfig) GetReadTimeout() time.Duration {
	return duration(r.ReadTimeout, 30*time.Second)
}

// GetWriteTimeout parses the write timeout, falling back to the default
// when unset or invalid.
func (r *RedisConfig) GetWriteTimeout() time.Duration {
	return duration(r.WriteTimeout, 5*time.Second)
}

// GetPrefix returns the key prefix or its default.
func (q *QueueConfig) GetPrefix() string {
	if q == nil || q.Prefix == "" {
		return "q"
	}
	return q.Prefix
}

// GetShutdownTimeout parses the drain grace period, falling back to the
// default when unset or invalid.
func (q *QueueConfig) GetShutdownTimeout() time.Duration {
	return duration(q.ShutdownTimeout, 30*time.Second)
}

// GetPromoteInterval parses the promoter sweep interval, falling back to
// the default when unset or invalid.
func (q *QueueConfig) GetPromoteInterval() time.Duration {
	return duration(q.PromoteInterval, time.Second)
}

// GetPromoteLimit returns the per-sweep promotion cap or its default.
func (q *QueueConfig) GetPromoteLimit() int64 {
	if q == nil || q.PromoteLimit <= 0 {
		return 1000
	}
	return q.PromoteLimit
}

func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// Logger builds a slog.Logger per the log configuration: a JSON handler
// for machine-readable output, or a tint text handler for terminals.
func (l *LogConfig) Logger() *slog.Logger {
	level := slog.LevelInfo
	if l != nil {
		switch l.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	if l != nil && l.Format == "text" {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
