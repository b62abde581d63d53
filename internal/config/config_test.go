package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blechat/internal/ble"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))
	return cfgPath
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotEmpty(t, cfg.DeviceName)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 20, cfg.GATT.MaxPayload)
	assert.Equal(t, 15*time.Second, cfg.GATT.ConnectTimeout)
	assert.True(t, cfg.Scan.FilterService)
	assert.Equal(t, "retain", cfg.Chat.Retention)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	cfgPath := writeConfig(t, `
device_name: kitchen-pi
log_level: debug
scan:
  timeout: 10s
  filter_service: false
gatt:
  max_payload: 180
  send_interval: 5ms
  connect_timeout: 3s
chat:
  retention: purge
  notify: false
permissions:
  granted: [scan, connect]
  legacy_location_gating: true
`)

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, "kitchen-pi", cfg.DeviceName)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.Scan.Timeout)
	assert.False(t, cfg.Scan.FilterService)
	assert.Equal(t, 180, cfg.GATT.MaxPayload)
	assert.Equal(t, 5*time.Millisecond, cfg.GATT.SendInterval)
	assert.Equal(t, 3*time.Second, cfg.GATT.ConnectTimeout)
	assert.Equal(t, "purge", cfg.Chat.Retention)
	assert.False(t, cfg.Chat.Notify)
	assert.Equal(t, []string{"scan", "connect"}, cfg.Permissions.Granted)
	assert.True(t, cfg.Permissions.LegacyLocationGating)
	assert.NoError(t, cfg.Validate())
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "device_name: only-name\n"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, "only-name", cfg.DeviceName)
	assert.Equal(t, def.GATT, cfg.GATT)
	assert.Equal(t, def.Scan, cfg.Scan)
}

func TestLoadExpandsTilde(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	cfg, err := Load(writeConfig(t, "chat:\n  transcript: ~/chat.log\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tmpHome, "chat.log"), cfg.Chat.Transcript)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "gatt: [unterminated"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid default", func(c *Config) {}, ""},
		{"empty device name", func(c *Config) { c.DeviceName = "  " }, "device_name"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
		{"negative scan timeout", func(c *Config) { c.Scan.Timeout = -time.Second }, "scan.timeout"},
		{"zero max payload", func(c *Config) { c.GATT.MaxPayload = 0 }, "gatt.max_payload"},
		{"max payload above attribute limit", func(c *Config) { c.GATT.MaxPayload = 513 }, "gatt.max_payload"},
		{"attribute limit allowed", func(c *Config) { c.GATT.MaxPayload = 512 }, ""},
		{"negative send interval", func(c *Config) { c.GATT.SendInterval = -1 }, "gatt.send_interval"},
		{"negative connect timeout", func(c *Config) { c.GATT.ConnectTimeout = -1 }, "gatt.connect_timeout"},
		{"unknown retention", func(c *Config) { c.Chat.Retention = "forever" }, "chat.retention"},
		{"unknown permission", func(c *Config) { c.Permissions.Granted = []string{"camera"} }, "permissions.granted"},
		{"no permissions", func(c *Config) { c.Permissions.Granted = nil }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGrantedPermissions(t *testing.T) {
	cfg := Default()
	cfg.Permissions.Granted = []string{"scan", "advertise"}

	perms, err := cfg.GrantedPermissions()
	require.NoError(t, err)
	assert.True(t, perms.HasPermission(ble.PermissionScan))
	assert.True(t, perms.HasPermission(ble.PermissionAdvertise))
	assert.False(t, perms.HasPermission(ble.PermissionConnect))
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tmpHome, ".config", "blechat", "config.yaml"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# blechat"), "written config should start with header comment")

	var cfg Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, 20*time.Millisecond, cfg.GATT.SendInterval)
	assert.Equal(t, "retain", cfg.Chat.Retention)
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "blechat")
	require.NoError(t, os.MkdirAll(configDir, 0755))
	existingContent := []byte("device_name: custom\n")
	configPath := filepath.Join(configDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, existingContent, 0644))

	path, err := WriteDefault()
	require.NoError(t, err)
	assert.Empty(t, path)

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, existingContent, data)
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLogLevel(tt.input))
		})
	}
}
