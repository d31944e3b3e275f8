// Package config loads the per-user device configuration. The JSON file in
// the data directory is read through viper so every key can be overridden
// from the environment with the P2P_CHAT prefix, e.g. P2P_CHAT_GATEWAY_PORT.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "p2p-chat"
	// EnvPrefix prefixes environment overrides.
	EnvPrefix = "P2P_CHAT"
	// DefaultListeningPort is the TCP port used in fixed mode without an override.
	DefaultListeningPort = 8080
	// DefaultDiscoveryPort is the UDP announce/listen port.
	DefaultDiscoveryPort = 8081
	// DefaultDiscoveryIntervalSeconds is the announce period.
	DefaultDiscoveryIntervalSeconds = 30
	// DefaultBroadcastAddress is the UDP announce destination.
	DefaultBroadcastAddress = "255.255.255.255"
	// DefaultGatewayPort is the channel gateway HTTP port.
	DefaultGatewayPort = 8095
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Config contains persistent local-device settings.
type Config struct {
	DeviceID      string `json:"device_id" mapstructure:"device_id"`
	Username      string `json:"username" mapstructure:"username"`
	DisplayName   string `json:"display_name" mapstructure:"display_name"`
	PortMode      string `json:"port_mode" mapstructure:"port_mode"`
	ListeningPort int    `json:"listening_port" mapstructure:"listening_port"`

	Discovery DiscoveryConfig `json:"discovery" mapstructure:"discovery"`
	Gateway   GatewayConfig   `json:"gateway" mapstructure:"gateway"`
	Log       LogConfig       `json:"log" mapstructure:"log"`

	// Channels are opened on the gateway at startup.
	Channels []ChannelSeed `json:"channels,omitempty" mapstructure:"channels"`
}

// DiscoveryConfig controls LAN presence.
type DiscoveryConfig struct {
	Port             int    `json:"port" mapstructure:"port"`
	BroadcastAddress string `json:"broadcast_address" mapstructure:"broadcast_address"`
	IntervalSeconds  int    `json:"interval_seconds" mapstructure:"interval_seconds"`
	MDNSEnabled      bool   `json:"mdns_enabled" mapstructure:"mdns_enabled"`
}

// GatewayConfig controls the HTTP channel gateway.
type GatewayConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	Port       int    `json:"port" mapstructure:"port"`
	PublicHost string `json:"public_host" mapstructure:"public_host"`
}

// ChannelSeed describes a channel created at startup. A password makes it a
// secure channel; a positive expiry makes it temporary.
type ChannelSeed struct {
	Name          string `json:"name" mapstructure:"name"`
	Password      string `json:"password,omitempty" mapstructure:"password"`
	ExpiryMinutes int    `json:"expiry_minutes,omitempty" mapstructure:"expiry_minutes"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `json:"level" mapstructure:"level"`
	// Format: console or json
	Format string `json:"format" mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `json:"outputs" mapstructure:"outputs"`
	Rotation    RotationConfig `json:"rotation" mapstructure:"rotation"`
	Development bool           `json:"development" mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `json:"enable" mapstructure:"enable"`
	Filename   string `json:"filename" mapstructure:"filename"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If P2P_CHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvPrefix + "_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads path through viper, layering environment overrides on top of
// the file and the built-in defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	defaults := defaultConfig(filepath.Dir(path))

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, defaults)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("device_id", cfg.DeviceID)
	v.SetDefault("username", cfg.Username)
	v.SetDefault("display_name", cfg.DisplayName)
	v.SetDefault("port_mode", cfg.PortMode)
	v.SetDefault("listening_port", cfg.ListeningPort)
	v.SetDefault("discovery.port", cfg.Discovery.Port)
	v.SetDefault("discovery.broadcast_address", cfg.Discovery.BroadcastAddress)
	v.SetDefault("discovery.interval_seconds", cfg.Discovery.IntervalSeconds)
	v.SetDefault("discovery.mdns_enabled", cfg.Discovery.MDNSEnabled)
	v.SetDefault("gateway.enabled", cfg.Gateway.Enabled)
	v.SetDefault("gateway.port", cfg.Gateway.Port)
	v.SetDefault("gateway.public_host", cfg.Gateway.PublicHost)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, fills missing fields
// in the stored file, then returns the effective config with environment
// overrides applied. Overrides are never written back.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	stored, err := readFile(cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := Save(cfgPath, defaultConfig(dataDir)); err != nil {
			return nil, "", err
		}
	case err != nil:
		return nil, "", err
	default:
		if normalizeDefaults(stored, dataDir) {
			if err := Save(cfgPath, stored); err != nil {
				return nil, "", err
			}
		}
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

func readFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

func defaultConfig(dataDir string) *Config {
	name := hostName()
	return &Config{
		DeviceID:      uuid.NewString(),
		Username:      name,
		DisplayName:   name,
		PortMode:      PortModeFixed,
		ListeningPort: DefaultListeningPort,
		Discovery: DiscoveryConfig{
			Port:             DefaultDiscoveryPort,
			BroadcastAddress: DefaultBroadcastAddress,
			IntervalSeconds:  DefaultDiscoveryIntervalSeconds,
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Port:    DefaultGatewayPort,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				Filename:   filepath.Join(dataDir, "logs", "p2p-chat.log"),
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

func hostName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "P2P Chat Device"
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false
	defaults := defaultConfig(dataDir)

	if cfg.DeviceID == "" {
		cfg.DeviceID = defaults.DeviceID
		updated = true
	}
	if cfg.Username == "" {
		cfg.Username = defaults.Username
		updated = true
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.Username
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.Discovery.Port <= 0 {
		cfg.Discovery.Port = DefaultDiscoveryPort
		updated = true
	}
	if cfg.Discovery.BroadcastAddress == "" {
		cfg.Discovery.BroadcastAddress = DefaultBroadcastAddress
		updated = true
	}
	if cfg.Discovery.IntervalSeconds <= 0 {
		cfg.Discovery.IntervalSeconds = DefaultDiscoveryIntervalSeconds
		updated = true
	}
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = DefaultGatewayPort
		updated = true
	}
	if cfg.Log.Level == "" {
		cfg.Log = defaults.Log
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}

// ListenPort is the TCP port to bind, 0 in automatic mode.
func (c *Config) ListenPort() int {
	if c.PortMode == PortModeAutomatic {
		return 0
	}
	return c.ListeningPort
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if c.ListeningPort < 0 || c.ListeningPort > 65535 {
		return fmt.Errorf("invalid listening_port: %d", c.ListeningPort)
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway.port: %d", c.Gateway.Port)
	}
	if c.Discovery.Port <= 0 || c.Discovery.Port > 65535 {
		return fmt.Errorf("invalid discovery.port: %d", c.Discovery.Port)
	}
	return nil
}
