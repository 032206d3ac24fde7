// Package config loads faceid settings from defaults, an optional YAML file,
// FACEID_* environment variables and command line flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/faceid/internal/enroll"
	"github.com/andresmejia3/faceid/internal/history"
	"github.com/andresmejia3/faceid/internal/matcher"
	"github.com/andresmejia3/faceid/internal/store"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Store       StoreConfig       `mapstructure:"store"`
	Recognition RecognitionConfig `mapstructure:"recognition"`
	Enrollment  EnrollmentConfig  `mapstructure:"enrollment"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Source      SourceConfig      `mapstructure:"source"`
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"` // file or postgres
	Path    string `mapstructure:"path"`
	DSN     string `mapstructure:"dsn"`
}

type RecognitionConfig struct {
	Threshold   float64 `mapstructure:"threshold"`
	Every       int     `mapstructure:"every"`
	Scale       int     `mapstructure:"scale"`
	HistorySize int     `mapstructure:"history_size"`
}

type EnrollmentConfig struct {
	Captures   int           `mapstructure:"captures"`
	Cooldown   time.Duration `mapstructure:"cooldown"`
	ArchiveDir string        `mapstructure:"archive_dir"`
	Manual     bool          `mapstructure:"manual"`
}

type WorkerConfig struct {
	Python  string        `mapstructure:"python"`
	Script  string        `mapstructure:"script"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SourceConfig struct {
	Format string `mapstructure:"format"`
	Device string `mapstructure:"device"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// flagKeys maps command line flag names to config keys.
var flagKeys = map[string]string{
	"store":        "store.backend",
	"model":        "store.path",
	"db":           "store.dsn",
	"threshold":    "recognition.threshold",
	"every":        "recognition.every",
	"scale":        "recognition.scale",
	"captures":     "enrollment.captures",
	"cooldown":     "enrollment.cooldown",
	"archive":      "enrollment.archive_dir",
	"manual":       "enrollment.manual",
	"python":       "worker.python",
	"script":       "worker.script",
	"timeout":      "worker.timeout",
	"format":       "source.format",
	"device":       "source.device",
	"listen":       "server.listen",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"history-size": "recognition.history_size",
}

// Load builds the configuration. path may be empty; flags may be nil. Only
// flags that were set on the command line override other sources.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("store.backend", "file")
	v.SetDefault("store.path", store.DefaultModelFile)
	v.SetDefault("store.dsn", "")
	v.SetDefault("recognition.threshold", matcher.DefaultThreshold)
	v.SetDefault("recognition.every", 2)
	v.SetDefault("recognition.scale", 4)
	v.SetDefault("recognition.history_size", history.DefaultCapacity)
	v.SetDefault("enrollment.captures", enroll.DefaultMaxCaptures)
	v.SetDefault("enrollment.cooldown", enroll.DefaultCooldown)
	v.SetDefault("enrollment.archive_dir", enroll.DefaultArchiveDir)
	v.SetDefault("enrollment.manual", false)
	v.SetDefault("worker.python", "python3")
	v.SetDefault("worker.script", "python/worker.py")
	v.SetDefault("worker.timeout", 10*time.Second)
	v.SetDefault("source.format", "v4l2")
	v.SetDefault("source.device", "/dev/video0")
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetEnvPrefix("FACEID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag --%s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() []error {
	var errs []error

	switch c.Store.Backend {
	case "file":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("config: store.path must not be empty for the file backend"))
		}
	case "postgres":
	default:
		errs = append(errs, fmt.Errorf("config: store.backend must be one of [file, postgres], got %q", c.Store.Backend))
	}

	if err := matcher.ValidateThreshold(c.Recognition.Threshold); err != nil {
		errs = append(errs, fmt.Errorf("config: recognition.threshold: %w", err))
	}
	if c.Recognition.Every < 1 {
		errs = append(errs, fmt.Errorf("config: recognition.every must be at least 1, got %d", c.Recognition.Every))
	}
	if c.Recognition.Scale < 1 {
		errs = append(errs, fmt.Errorf("config: recognition.scale must be at least 1, got %d", c.Recognition.Scale))
	}
	if c.Recognition.HistorySize < 1 {
		errs = append(errs, fmt.Errorf("config: recognition.history_size must be at least 1, got %d", c.Recognition.HistorySize))
	}

	if c.Enrollment.Captures < 1 {
		errs = append(errs, fmt.Errorf("config: enrollment.captures must be at least 1, got %d", c.Enrollment.Captures))
	}
	if c.Enrollment.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("config: enrollment.cooldown must not be negative, got %s", c.Enrollment.Cooldown))
	}

	if c.Worker.Timeout < 0 {
		errs = append(errs, fmt.Errorf("config: worker.timeout must not be negative, got %s", c.Worker.Timeout))
	}
	if c.Source.Device == "" {
		errs = append(errs, errors.New("config: source.device must not be empty"))
	}

	if _, portStr, err := net.SplitHostPort(c.Server.Listen); err != nil {
		errs = append(errs, fmt.Errorf("config: server.listen must be a valid host:port address, got %q: %w", c.Server.Listen, err))
	} else if port, err := strconv.Atoi(portStr); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Errorf("config: server.listen port must be between 1 and 65535, got %q", portStr))
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("config: log.level must be one of [debug, info, warn, error], got %q", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("config: log.format must be one of [text, json], got %q", c.Log.Format))
	}

	return errs
}

// PostgresDSN returns the configured connection string. When none is set it
// is built from the POSTGRES_* environment, then falls back to a local default.
func (c *Config) PostgresDSN() string {
	if c.Store.DSN != "" {
		return c.Store.DSN
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return "postgres://localhost:5432/faceid"
}

// Logger builds the process logger. Diagnostics go to stderr next to the
// operator-facing status lines.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(c.Log.Level))
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
