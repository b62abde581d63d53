package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blechat/internal/ble"
	"github.com/chaz8081/blechat/internal/ble/protocol"
	"github.com/chaz8081/blechat/internal/chat"
)

// Config holds all application configuration.
type Config struct {
	DeviceName  string            `yaml:"device_name"`
	LogLevel    string            `yaml:"log_level"`
	Scan        ScanConfig        `yaml:"scan"`
	GATT        GATTConfig        `yaml:"gatt"`
	Chat        ChatConfig        `yaml:"chat"`
	Permissions PermissionsConfig `yaml:"permissions"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	Timeout       time.Duration `yaml:"timeout"` // 0 scans until stopped
	FilterService bool          `yaml:"filter_service"`
}

// GATTConfig holds settings shared by the client and server sessions.
type GATTConfig struct {
	MaxPayload     int           `yaml:"max_payload"` // bytes per write or notification
	SendInterval   time.Duration `yaml:"send_interval"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ChatConfig holds message handling settings.
type ChatConfig struct {
	Retention  string `yaml:"retention"` // "retain" or "purge"
	Notify     bool   `yaml:"notify"`
	Transcript string `yaml:"transcript"` // optional file every message is appended to
}

// PermissionsConfig lists the runtime permissions the host grants.
type PermissionsConfig struct {
	Granted              []string `yaml:"granted"`
	LegacyLocationGating bool     `yaml:"legacy_location_gating"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blechat")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "blechat"
	}

	return &Config{
		DeviceName: name,
		LogLevel:   "info",
		Scan: ScanConfig{
			Timeout:       30 * time.Second,
			FilterService: true,
		},
		GATT: GATTConfig{
			MaxPayload:     protocol.DefaultMaxPayload,
			SendInterval:   20 * time.Millisecond,
			ConnectTimeout: 15 * time.Second,
		},
		Chat: ChatConfig{
			Retention: "retain",
			Notify:    true,
		},
		Permissions: PermissionsConfig{
			Granted: []string{"scan", "connect", "advertise", "location"},
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in chat.transcript is expanded to the user's
// home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Chat.Transcript = expandTilde(cfg.Chat.Transcript)

	return cfg, nil
}

const defaultHeader = `# blechat configuration
# Generated on first run; edit freely. Durations use Go syntax (20ms, 15s).
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the path written, or "" if a config was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing default config: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DeviceName) == "" {
		return fmt.Errorf("device_name must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Scan.Timeout < 0 {
		return fmt.Errorf("scan.timeout must be >= 0")
	}

	if c.GATT.MaxPayload < 1 || c.GATT.MaxPayload > protocol.MaxAttributeValue {
		return fmt.Errorf("gatt.max_payload must be between 1 and %d, got %d", protocol.MaxAttributeValue, c.GATT.MaxPayload)
	}
	if c.GATT.SendInterval < 0 {
		return fmt.Errorf("gatt.send_interval must be >= 0")
	}
	if c.GATT.ConnectTimeout < 0 {
		return fmt.Errorf("gatt.connect_timeout must be >= 0")
	}

	if _, err := chat.ParseRetention(c.Chat.Retention); err != nil {
		return fmt.Errorf("chat.retention: %w", err)
	}

	if _, err := c.GrantedPermissions(); err != nil {
		return err
	}

	return nil
}

// GrantedPermissions returns permissions.granted as a permission set.
func (c *Config) GrantedPermissions() (ble.StaticPermissions, error) {
	perms := ble.StaticPermissions{}
	for _, name := range c.Permissions.Granted {
		p, err := ble.ParsePermission(name)
		if err != nil {
			return nil, fmt.Errorf("permissions.granted: %w", err)
		}
		perms[p] = true
	}
	return perms, nil
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values
// default to info.
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
