// Package config loads threadboxd configuration: defaults, then a TOML file,
// then THREADBOX_* environment variables (env wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Telegram TelegramConfig `toml:"telegram"`
	Database DatabaseConfig `toml:"database"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Observer ObserverConfig `toml:"observer"`
	Log      LogConfig      `toml:"log"`
}

type TelegramConfig struct {
	Token          string   `toml:"token"`
	APIURL         string   `toml:"api_url"`
	PollTimeout    Duration `toml:"poll_timeout"`
	SendsPerMinute int      `toml:"sends_per_minute"` // 0 disables the limit
	SendRetries    int      `toml:"send_retries"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"
	Path   string `toml:"path"`
	URL    string `toml:"url"`
}

type SandboxConfig struct {
	Image             string            `toml:"image"`
	Port              int               `toml:"port"`
	Host              string            `toml:"host"`
	Env               map[string]string `toml:"env"`
	ProvisionTimeout  Duration          `toml:"provision_timeout"`
	HealthTimeout     Duration          `toml:"health_timeout"`
	PromptTimeout     Duration          `toml:"prompt_timeout"`
	IdleTimeout       Duration          `toml:"idle_timeout"`
	IdleGrace         Duration          `toml:"idle_grace"`
	PausedTTL         Duration          `toml:"paused_ttl"`
	CleanupInterval   Duration          `toml:"cleanup_interval"`
	MaxResumeFailures int               `toml:"max_resume_failures"`
}

type LedgerConfig struct {
	Retention     Duration `toml:"retention"`
	PruneBatch    int      `toml:"prune_batch"`
	PruneInterval Duration `toml:"prune_interval"`
	MaxAttempts   int      `toml:"max_attempts"`
	RetryDelay    Duration `toml:"retry_delay"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

// Duration is a time.Duration written as a string ("90s", "5m") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func dur(d time.Duration) Duration { return Duration{d} }

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Telegram: TelegramConfig{PollTimeout: dur(30 * time.Second), SendsPerMinute: 60, SendRetries: 3},
		Database: DatabaseConfig{Driver: "sqlite", Path: "threadbox.db"},
		Sandbox: SandboxConfig{
			Image:             "threadbox/sandbox:latest",
			Port:              8080,
			Host:              "127.0.0.1",
			ProvisionTimeout:  dur(2 * time.Minute),
			HealthTimeout:     dur(60 * time.Second),
			PromptTimeout:     dur(10 * time.Minute),
			IdleTimeout:       dur(15 * time.Minute),
			IdleGrace:         dur(time.Minute),
			PausedTTL:         dur(24 * time.Hour),
			CleanupInterval:   dur(time.Minute),
			MaxResumeFailures: 3,
		},
		Ledger: LedgerConfig{
			Retention:     dur(5 * time.Minute),
			PruneBatch:    500,
			PruneInterval: dur(time.Minute),
			MaxAttempts:   3,
			RetryDelay:    dur(2 * time.Second),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
// A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "threadbox.toml"
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"THREADBOX_TELEGRAM_TOKEN": &cfg.Telegram.Token,
		"THREADBOX_TELEGRAM_API":   &cfg.Telegram.APIURL,
		"THREADBOX_DB_DRIVER":      &cfg.Database.Driver,
		"THREADBOX_DB_PATH":        &cfg.Database.Path,
		"THREADBOX_DATABASE_URL":   &cfg.Database.URL,
		"THREADBOX_SANDBOX_IMAGE":  &cfg.Sandbox.Image,
		"THREADBOX_LOG_LEVEL":      &cfg.Log.Level,
		"THREADBOX_LOG_FORMAT":     &cfg.Log.Format,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	durations := map[string]*Duration{
		"THREADBOX_IDLE_TIMEOUT":     &cfg.Sandbox.IdleTimeout,
		"THREADBOX_PAUSED_TTL":       &cfg.Sandbox.PausedTTL,
		"THREADBOX_LEDGER_RETENTION": &cfg.Ledger.Retention,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("config: %s: %w", key, err)
			}
		}
	}

	if v := os.Getenv("THREADBOX_SANDBOX_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: THREADBOX_SANDBOX_PORT: %w", err)
		}
		cfg.Sandbox.Port = port
	}
	switch strings.ToLower(os.Getenv("THREADBOX_OBSERVER_ENABLED")) {
	case "true", "1":
		cfg.Observer.Enabled = true
	case "false", "0":
		cfg.Observer.Enabled = false
	}
	return nil
}

// Validate reports settings the daemon cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want sqlite or postgres", c.Database.Driver))
	}
	if c.Sandbox.Image == "" {
		errs = append(errs, errors.New("sandbox.image is required"))
	}
	if c.Sandbox.Port <= 0 || c.Sandbox.Port > 65535 {
		errs = append(errs, fmt.Errorf("sandbox.port %d out of range", c.Sandbox.Port))
	}
	if c.Ledger.MaxAttempts < 1 {
		errs = append(errs, errors.New("ledger.max_attempts must be at least 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
