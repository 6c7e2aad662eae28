package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"

	"github.com/ship-commander/procwatch/internal/child"
)

const (
	defaultPollInterval   = 100 * time.Millisecond
	maxPollInterval       = 150 * time.Millisecond
	defaultGracePeriod    = 5 * time.Second
	defaultDrainTimeout   = 2 * time.Second
	defaultWaitTimeout    = 30 * time.Second
	defaultGracefulSignal = "TERM"
	defaultLogLevel       = "info"
	defaultLogMaxFiles    = 20

	dirName  = ".procwatch"
	fileName = "config.toml"
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	PollInterval   time.Duration
	GracePeriod    time.Duration
	DrainTimeout   time.Duration
	WaitTimeout    time.Duration
	GracefulSignal string
	LogLevel       string
	LogMaxFiles    int
	OTelEndpoint   string
}

type fileConfig struct {
	PollInterval   *string     `toml:"poll_interval"`
	GracePeriod    *string     `toml:"grace_period"`
	DrainTimeout   *string     `toml:"drain_timeout"`
	WaitTimeout    *string     `toml:"wait_timeout"`
	GracefulSignal *string     `toml:"graceful_signal"`
	LogLevel       *string     `toml:"log_level"`
	LogMaxFiles    *int        `toml:"log_max_files"`
	OTel           *otelConfig `toml:"otel"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.procwatch/config.toml and overlays a project-local .procwatch/config.toml.
func Load(ctx context.Context) (*Config, error) {
	paths, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return LoadFiles(ctx, paths...)
}

// DefaultPaths returns the home and project config file locations, lowest precedence first.
func DefaultPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	return []string{
		filepath.Join(homeDir, dirName, fileName),
		filepath.Join(workingDir, dirName, fileName),
	}, nil
}

// LoadFiles overlays each existing file onto the defaults, later files winning.
// Missing files are skipped.
func LoadFiles(ctx context.Context, paths ...string) (*Config, error) {
	cfg := Defaults()
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		PollInterval:   defaultPollInterval,
		GracePeriod:    defaultGracePeriod,
		DrainTimeout:   defaultDrainTimeout,
		WaitTimeout:    defaultWaitTimeout,
		GracefulSignal: defaultGracefulSignal,
		LogLevel:       defaultLogLevel,
		LogMaxFiles:    defaultLogMaxFiles,
	}
}

// Level returns the parsed log level.
func (c *Config) Level() log.Level {
	if c == nil {
		return log.InfoLevel
	}
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unsupported key %s", path, undecoded[0])
	}

	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}

	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.PollInterval != nil {
		value, err := parseDuration(*decoded.PollInterval, "poll_interval", path)
		if err != nil {
			return err
		}
		if value > maxPollInterval {
			return fmt.Errorf("parse poll_interval in %q: must be <= %s", path, maxPollInterval)
		}
		cfg.PollInterval = value
	}
	if decoded.GracePeriod != nil {
		value, err := parseDuration(*decoded.GracePeriod, "grace_period", path)
		if err != nil {
			return err
		}
		cfg.GracePeriod = value
	}
	if decoded.DrainTimeout != nil {
		value, err := parseDuration(*decoded.DrainTimeout, "drain_timeout", path)
		if err != nil {
			return err
		}
		cfg.DrainTimeout = value
	}
	if decoded.WaitTimeout != nil {
		value, err := parseDuration(*decoded.WaitTimeout, "wait_timeout", path)
		if err != nil {
			return err
		}
		cfg.WaitTimeout = value
	}
	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.GracefulSignal != nil {
		name := strings.TrimSpace(*decoded.GracefulSignal)
		if _, err := child.ParseSignal(name); err != nil {
			return fmt.Errorf("parse graceful_signal in %q: %w", path, err)
		}
		cfg.GracefulSignal = name
	}
	if decoded.LogLevel != nil {
		level := strings.ToLower(strings.TrimSpace(*decoded.LogLevel))
		if _, err := log.ParseLevel(level); err != nil {
			return fmt.Errorf("parse log_level in %q: %w", path, err)
		}
		cfg.LogLevel = level
	}
	if decoded.LogMaxFiles != nil {
		if *decoded.LogMaxFiles <= 0 {
			return fmt.Errorf("parse log_max_files in %q: must be > 0", path)
		}
		cfg.LogMaxFiles = *decoded.LogMaxFiles
	}
	if decoded.OTel != nil && decoded.OTel.Endpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTel.Endpoint)
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return parsed, nil
}
