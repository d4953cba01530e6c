package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. Nested keys use a
// double underscore: AAROGYA_GEMINI__API_KEY -> gemini.api_key.
const EnvPrefix = "AAROGYA_"

// Dispatch modes.
const (
	ModeDual     = "dual"
	ModeFallback = "fallback"
)

type Config struct {
	Server    ServerConfig    `koanf:"server" yaml:"server"`
	Log       LogConfig       `koanf:"log" yaml:"log"`
	Storage   StorageConfig   `koanf:"storage" yaml:"storage"`
	Gemini    GeminiConfig    `koanf:"gemini" yaml:"gemini"`
	Teachable TeachableConfig `koanf:"teachable" yaml:"teachable"`
	Dispatch  DispatchConfig  `koanf:"dispatch" yaml:"dispatch"`
	Upload    UploadConfig    `koanf:"upload" yaml:"upload"`
	Telemetry TelemetryConfig `koanf:"telemetry" yaml:"telemetry"`
}

type ServerConfig struct {
	Host           string        `koanf:"host" yaml:"host"`
	Port           int           `koanf:"port" yaml:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout" yaml:"request_timeout"`
	AllowedOrigins []string      `koanf:"allowed_origins" yaml:"allowed_origins"`
}

type LogConfig struct {
	Level string `koanf:"level" yaml:"level"` // debug, info, warn, error
}

type StorageConfig struct {
	Driver string `koanf:"driver" yaml:"driver"` // sqlite, postgres, memory, none
	DSN    string `koanf:"dsn" yaml:"dsn"`
}

type GeminiConfig struct {
	APIKey  string        `koanf:"api_key" yaml:"api_key"`
	BaseURL string        `koanf:"base_url" yaml:"base_url"`
	Model   string        `koanf:"model" yaml:"model"`
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
}

type TeachableConfig struct {
	APIKey      string        `koanf:"api_key" yaml:"api_key"`
	BaseURL     string        `koanf:"base_url" yaml:"base_url"`
	MaxTokens   int           `koanf:"max_tokens" yaml:"max_tokens"`
	Temperature float64       `koanf:"temperature" yaml:"temperature"`
	Timeout     time.Duration `koanf:"timeout" yaml:"timeout"`
}

type DispatchConfig struct {
	Mode           string        `koanf:"mode" yaml:"mode"` // dual, fallback
	BackendTimeout time.Duration `koanf:"backend_timeout" yaml:"backend_timeout"`
}

type TelemetryConfig struct {
	Exporter string `koanf:"exporter" yaml:"exporter"` // none, stdout
}

type UploadConfig struct {
	Dir      string `koanf:"dir" yaml:"dir"`
	MaxBytes int64  `koanf:"max_bytes" yaml:"max_bytes"`
}

var defaults = map[string]any{
	"server.host":              "0.0.0.0",
	"server.port":              5000,
	"server.request_timeout":   "60s",
	"server.allowed_origins":   []string{"*"},
	"log.level":                "info",
	"storage.driver":           "sqlite",
	"storage.dsn":              "./data/aarogyalink.db",
	"gemini.base_url":          "https://generativelanguage.googleapis.com/v1beta",
	"gemini.model":             "gemini-1.5-flash",
	"gemini.timeout":           "30s",
	"teachable.base_url":       "https://api.teachable.com/v1",
	"teachable.max_tokens":     1000,
	"teachable.temperature":    0.7,
	"teachable.timeout":        "30s",
	"dispatch.mode":            ModeDual,
	"dispatch.backend_timeout": "30s",
	"upload.dir":               "uploads",
	"upload.max_bytes":         16 * 1024 * 1024,
	"telemetry.exporter":       "none",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (if it exists), then environment overrides, on top of the
// built-in defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// A missing file is fine, env vars and defaults still apply
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Gemini.APIKey = substituteEnvVars(cfg.Gemini.APIKey)
	cfg.Teachable.APIKey = substituteEnvVars(cfg.Teachable.APIKey)
	cfg.Storage.DSN = substituteEnvVars(cfg.Storage.DSN)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.Dispatch.Mode {
	case ModeDual, ModeFallback:
	default:
		return fmt.Errorf("dispatch.mode must be %q or %q, got %q", ModeDual, ModeFallback, c.Dispatch.Mode)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("upload.max_bytes must be positive")
	}
	switch c.Telemetry.Exporter {
	case "none", "stdout":
	default:
		return fmt.Errorf("telemetry.exporter must be \"none\" or \"stdout\", got %q", c.Telemetry.Exporter)
	}
	switch c.Storage.Driver {
	case "sqlite", "sqlite3", "postgres", "postgresql", "memory", "none":
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// GeminiConfigured reports whether a real Gemini key is present.
func (c *Config) GeminiConfigured() bool {
	return c.Gemini.APIKey != ""
}

// TeachableConfigured reports whether a real Teachable key is present.
func (c *Config) TeachableConfigured() bool {
	return c.Teachable.APIKey != ""
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ParseLevel maps a config level name to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
