// Package config provides unified configuration loading for the storybook engine.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the storybook engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	OpenAI        OpenAIConfig        `yaml:"openai"`
	Book          BookConfig          `yaml:"book"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	MaxUploadBytes   int64         `yaml:"max_upload_bytes"`
}

// StorageConfig holds the on-disk artifact areas.
type StorageConfig struct {
	UploadsDir string `yaml:"uploads_dir"`
	OutputsDir string `yaml:"outputs_dir"`
}

// SessionsConfig holds session store and retention settings.
type SessionsConfig struct {
	Driver        string        `yaml:"driver"` // memory or redis
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Redis         RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// OpenAIConfig holds provider settings.
type OpenAIConfig struct {
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	ChatModel         string        `yaml:"chat_model"`
	ImageModel        string        `yaml:"image_model"`
	ImageSize         string        `yaml:"image_size"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ImageFetchRetries int           `yaml:"image_fetch_retries"`
}

// BookConfig holds generation pacing settings.
type BookConfig struct {
	PageDelay time.Duration `yaml:"page_delay"` // throttle between image calls
}

// AuthConfig holds the optional API-key gate.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	SecretKey string `yaml:"secret_key"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             3000,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     60 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
			MaxUploadBytes:   16 << 20, // 16MB
		},
		Storage: StorageConfig{
			UploadsDir: "uploads",
			OutputsDir: "outputs",
		},
		Sessions: SessionsConfig{
			Driver:        "memory",
			Retention:     24 * time.Hour,
			SweepInterval: time.Hour,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		OpenAI: OpenAIConfig{
			BaseURL:           "https://api.openai.com/v1",
			ChatModel:         "gpt-4o",
			ImageModel:        "dall-e-3",
			ImageSize:         "1024x1024",
			RequestTimeout:    2 * time.Minute,
			ImageFetchRetries: 3,
		},
		Book: BookConfig{
			PageDelay: time.Second,
		},
		Auth: AuthConfig{
			Enabled: false,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "debug",
			LogFormat: "console",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.MaxUploadBytes < 1 {
		return fmt.Errorf("max_upload_bytes must be positive")
	}

	if c.Sessions.Driver != "memory" && c.Sessions.Driver != "redis" {
		return fmt.Errorf("invalid session store driver: %s", c.Sessions.Driver)
	}

	if c.Sessions.Retention <= 0 {
		return fmt.Errorf("session retention must be positive")
	}

	if c.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}

	if c.Storage.UploadsDir == "" || c.Storage.OutputsDir == "" {
		return fmt.Errorf("storage directories must be set")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return os.Getenv("APP_ENV") != "production"
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}

	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAI.BaseURL = v
	}

	if v := os.Getenv("SECRET_KEY"); v != "" {
		cfg.Auth.SecretKey = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Sessions.Driver = "redis"
		cfg.Sessions.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("UPLOADS_DIR"); v != "" {
		cfg.Storage.UploadsDir = v
	}

	if v := os.Getenv("OUTPUTS_DIR"); v != "" {
		cfg.Storage.OutputsDir = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}

	if os.Getenv("APP_ENV") == "production" {
		if cfg.Observability.LogFormat == "console" {
			cfg.Observability.LogFormat = "json"
		}
	}
}
