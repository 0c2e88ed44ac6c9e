package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	DeviceID    string           `yaml:"device_id"`
	Profile     ProfileConfig    `yaml:"profile"`
	Encryption  EncryptionConfig `yaml:"encryption"`
	Scan        ScanConfig       `yaml:"scan"`
	Session     SessionConfig    `yaml:"session"`
	Storage     StorageConfig    `yaml:"storage"`
	Icebreakers []string         `yaml:"icebreakers,omitempty"`
	LogLevel    string           `yaml:"log_level"`
}

// ProfileConfig is the identity shared with connected peers.
type ProfileConfig struct {
	Username string `yaml:"username"`
	Avatar   string `yaml:"avatar"`
}

// EncryptionConfig controls message payload encryption.
type EncryptionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Suite   string `yaml:"suite"` // "openssl" or "gcm"
}

// ScanConfig controls discovery.
type ScanConfig struct {
	AutoSelectFirst bool     `yaml:"auto_select_first"`
	DenylistExtra   []string `yaml:"denylist_extra,omitempty"`
	HCI             string   `yaml:"hci"` // Linux controller, e.g. "hci0"
}

// SessionConfig controls connection retries and timeouts.
type SessionConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	VerifyTimeout  time.Duration `yaml:"verify_timeout"`
	AutoReconnect  bool          `yaml:"auto_reconnect"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `yaml:"path"` // data directory
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "buzztag")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values. DeviceID is left
// empty; Load fills it.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		Encryption: EncryptionConfig{
			Enabled: true,
			Suite:   "openssl",
		},
		Scan: ScanConfig{
			AutoSelectFirst: true,
			HCI:             "hci0",
		},
		Session: SessionConfig{
			MaxAttempts:    3,
			RetryBackoff:   500 * time.Millisecond,
			MaxBackoff:     4 * time.Second,
			ConnectTimeout: 10 * time.Second,
			VerifyTimeout:  5 * time.Second,
			AutoReconnect:  true,
		},
		Storage: StorageConfig{
			Path: filepath.Join(home, ".local", "share", "buzztag"),
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults, a missing device_id is generated, and a leading ~ in
// storage.path is expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Storage.Path = expandTilde(cfg.Storage.Path)
	cfg.Profile.Username = strings.TrimSpace(cfg.Profile.Username)
	if strings.TrimSpace(cfg.DeviceID) == "" {
		cfg.DeviceID = uuid.NewString()
		slog.Warn("[CONFIG] device_id not set, generated one for this run", "device_id", cfg.DeviceID)
	}

	return cfg, nil
}

// WriteDefault writes a default config file, with a fresh device_id, to
// DefaultConfigPath. It returns ("", nil) if the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	cfg := Default()
	cfg.DeviceID = uuid.NewString()
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	header := "# buzztag configuration\n# device_id identifies this device to peers; keep it stable.\n\n"
	if err := os.WriteFile(path, append([]byte(header), body...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return fmt.Errorf("device_id must not be empty")
	}

	switch c.Encryption.Suite {
	case "openssl", "gcm":
	default:
		return fmt.Errorf("encryption.suite must be \"openssl\" or \"gcm\", got %q", c.Encryption.Suite)
	}

	if c.Session.MaxAttempts < 1 {
		return fmt.Errorf("session.max_attempts must be >= 1")
	}
	if c.Session.RetryBackoff < 0 {
		return fmt.Errorf("session.retry_backoff must not be negative")
	}
	if c.Session.MaxBackoff < c.Session.RetryBackoff {
		return fmt.Errorf("session.max_backoff must be >= session.retry_backoff")
	}
	if c.Session.ConnectTimeout <= 0 {
		return fmt.Errorf("session.connect_timeout must be > 0")
	}
	if c.Session.VerifyTimeout <= 0 {
		return fmt.Errorf("session.verify_timeout must be > 0")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level string to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
