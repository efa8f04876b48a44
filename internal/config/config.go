// Package config handles configuration loading, validation, and hot-reload
// for proctord.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"proctord/internal/guard"
	"proctord/internal/lockdown"
	"proctord/internal/violation"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version"`

	// Engine configures lockdown controller timing and strictness.
	Engine EngineConfig `toml:"engine"`

	// Policy configures the session guard's termination policy.
	Policy PolicyConfig `toml:"policy"`

	// Storage configures the local marker store.
	Storage StorageConfig `toml:"storage"`

	// Bridge configures the browser event bridge listener.
	Bridge BridgeConfig `toml:"bridge"`

	// Logging configures structured logging.
	Logging LoggingConfig `toml:"logging"`

	// Notify configures desktop violation notices.
	Notify NotifyConfig `toml:"notify"`
}

// EngineConfig holds lockdown controller settings.
type EngineConfig struct {
	// EscapeWindowMs is the trailing window in which an Escape keydown
	// upgrades a fullscreen exit to esc_exit_terminate.
	EscapeWindowMs int `toml:"escape_window_ms"`

	// ReentryDelayMs is the delay before the single automatic fullscreen
	// re-entry attempt.
	ReentryDelayMs int `toml:"reentry_delay_ms"`

	// InitTimeoutMs bounds the initializing state.
	InitTimeoutMs int `toml:"init_timeout_ms"`

	// FocusPollMs is the period of the redundant focus check.
	FocusPollMs int `toml:"focus_poll_ms"`

	// StrictClipboard blocks Ctrl+C/V/X/A/P/S.
	StrictClipboard bool `toml:"strict_clipboard"`

	// LockKeys is passed to the keyboard-lock capability. Empty locks
	// all keys.
	LockKeys []string `toml:"lock_keys"`
}

// PolicyConfig holds session guard settings.
type PolicyConfig struct {
	// ViolationThreshold is the cumulative count that terminates an
	// attempt.
	ViolationThreshold int `toml:"violation_threshold"`

	// CriticalKinds terminate on first occurrence. Empty means the
	// built-in default set.
	CriticalKinds []string `toml:"critical_kinds"`

	// ZeroTolerance treats any key press during active recording as a
	// critical violation.
	ZeroTolerance bool `toml:"zero_tolerance"`

	// RedirectTarget is where the UI is sent after termination.
	RedirectTarget string `toml:"redirect_target"`

	// SubmitTimeoutMs bounds the result-sink write at termination.
	SubmitTimeoutMs int `toml:"submit_timeout_ms"`
}

// StorageConfig holds marker store settings.
type StorageConfig struct {
	// Path is the marker database file.
	Path string `toml:"path"`

	// SecretPath is the file holding the MAC key secret. Created with
	// random content on first daemon start if missing.
	SecretPath string `toml:"secret_path"`
}

// BridgeConfig holds event bridge settings.
type BridgeConfig struct {
	// Socket is the Unix socket the bridge listens on.
	Socket string `toml:"socket"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `toml:"level"`

	// Format is text or json.
	Format string `toml:"format"`
}

// NotifyConfig holds desktop notification settings.
type NotifyConfig struct {
	// Enabled turns violation notices on.
	Enabled bool `toml:"enabled"`
}

// Default returns the production defaults.
func Default() *Config {
	dir := defaultDataDir()
	return &Config{
		Version: Version,
		Engine: EngineConfig{
			EscapeWindowMs:  800,
			ReentryDelayMs:  500,
			InitTimeoutMs:   5000,
			FocusPollMs:     1000,
			StrictClipboard: true,
		},
		Policy: PolicyConfig{
			ViolationThreshold: 3,
			ZeroTolerance:      true,
			RedirectTarget:     "/",
			SubmitTimeoutMs:    15000,
		},
		Storage: StorageConfig{
			Path:       filepath.Join(dir, "markers.db"),
			SecretPath: filepath.Join(dir, "secret.key"),
		},
		Bridge: BridgeConfig{
			Socket: filepath.Join(dir, "bridge.sock"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Notify: NotifyConfig{
			Enabled: true,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".proctord"
	}
	return filepath.Join(home, ".proctord")
}

// Load reads the TOML file at path on top of the defaults. A missing file
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Version != Version {
		return fmt.Errorf("config: unsupported version %d", c.Version)
	}
	if c.Engine.EscapeWindowMs <= 0 {
		return errors.New("config: engine.escape_window_ms must be positive")
	}
	if c.Engine.ReentryDelayMs <= 0 {
		return errors.New("config: engine.reentry_delay_ms must be positive")
	}
	if c.Engine.InitTimeoutMs <= 0 {
		return errors.New("config: engine.init_timeout_ms must be positive")
	}
	if c.Engine.FocusPollMs <= 0 {
		return errors.New("config: engine.focus_poll_ms must be positive")
	}
	if c.Policy.ViolationThreshold < 1 {
		return errors.New("config: policy.violation_threshold must be at least 1")
	}
	for _, k := range c.Policy.CriticalKinds {
		if !violation.Kind(k).Valid() {
			return fmt.Errorf("config: unknown critical kind %q", k)
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Logging.Format)
	}
	if c.Storage.Path == "" {
		return errors.New("config: storage.path is required")
	}
	return nil
}

// LockdownConfig converts to the lockdown controller configuration.
func (c *Config) LockdownConfig() lockdown.Config {
	return lockdown.Config{
		EscapeExitWindow:  time.Duration(c.Engine.EscapeWindowMs) * time.Millisecond,
		ReentryDelay:      time.Duration(c.Engine.ReentryDelayMs) * time.Millisecond,
		InitTimeout:       time.Duration(c.Engine.InitTimeoutMs) * time.Millisecond,
		FocusPollInterval: time.Duration(c.Engine.FocusPollMs) * time.Millisecond,
		StrictClipboard:   c.Engine.StrictClipboard,
		LockKeys:          c.Engine.LockKeys,
	}
}

// GuardConfig converts to the session guard configuration.
func (c *Config) GuardConfig() guard.Config {
	critical := guard.DefaultCriticalKinds()
	if len(c.Policy.CriticalKinds) > 0 {
		critical = make([]violation.Kind, 0, len(c.Policy.CriticalKinds))
		for _, k := range c.Policy.CriticalKinds {
			critical = append(critical, violation.Kind(k))
		}
	}
	return guard.Config{
		ViolationThreshold: c.Policy.ViolationThreshold,
		CriticalKinds:      critical,
		ZeroTolerance:      c.Policy.ZeroTolerance,
		RedirectTarget:     c.Policy.RedirectTarget,
		SubmitTimeout:      time.Duration(c.Policy.SubmitTimeoutMs) * time.Millisecond,
	}
}
