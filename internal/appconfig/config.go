package appconfig

import (
	"os"
	"path/filepath"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int              `mapstructure:"config_version" yaml:"config_version"`
	API           APIConfig        `mapstructure:"api" yaml:"api"`
	Store         StoreConfig      `mapstructure:"store" yaml:"store"`
	Bridge        BridgeConfig     `mapstructure:"bridge" yaml:"bridge"`
	Session       SessionConfig    `mapstructure:"session" yaml:"session"`
	Appearance    AppearanceConfig `mapstructure:"appearance" yaml:"appearance"`
	Server        ServerConfig     `mapstructure:"server" yaml:"server"`
	Device        DeviceConfig     `mapstructure:"device" yaml:"device"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// APIConfig points the client at the marina API.
type APIConfig struct {
	BaseURL             string `mapstructure:"base_url" yaml:"base_url"`
	FetchTimeoutSeconds int    `mapstructure:"fetch_timeout_seconds" yaml:"fetch_timeout_seconds"`
}

// StoreConfig selects the persisted session backend.
type StoreConfig struct {
	Backend    string `mapstructure:"backend" yaml:"backend"`
	Dir        string `mapstructure:"dir" yaml:"dir"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	Encrypt    bool   `mapstructure:"encrypt" yaml:"encrypt"`
	KeyStore   string `mapstructure:"key_store" yaml:"key_store"`
}

// BridgeConfig selects the credential bridge.
type BridgeConfig struct {
	Mode     string `mapstructure:"mode" yaml:"mode"`
	Insecure bool   `mapstructure:"insecure" yaml:"insecure"`
}

// SessionConfig tunes reconciliation.
type SessionConfig struct {
	StorageTimeoutSeconds int `mapstructure:"storage_timeout_seconds" yaml:"storage_timeout_seconds"`
}

// AppearanceConfig locates the appearance file.
type AppearanceConfig struct {
	File string `mapstructure:"file" yaml:"file"`
}

// ServerConfig configures the development API server.
type ServerConfig struct {
	Addr             string `mapstructure:"addr" yaml:"addr"`
	SessionCookie    string `mapstructure:"session_cookie" yaml:"session_cookie"`
	SessionTTLHours  int    `mapstructure:"session_ttl_hours" yaml:"session_ttl_hours"`
	UserFile         string `mapstructure:"user_file" yaml:"user_file"`
	SessionFile      string `mapstructure:"session_file" yaml:"session_file"`
	OTPPeriodSeconds int    `mapstructure:"otp_period_seconds" yaml:"otp_period_seconds"`
}

// DeviceConfig identifies this installation to the API.
type DeviceConfig struct {
	ID string `mapstructure:"id" yaml:"id"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	root := filepath.Join(home, ".marina")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		API: APIConfig{
			BaseURL:             "http://127.0.0.1:27580",
			FetchTimeoutSeconds: 15,
		},
		Store: StoreConfig{
			Backend:    "file",
			Dir:        filepath.Join(root, "state"),
			SQLitePath: filepath.Join(root, "state", "session.db"),
			Encrypt:    false,
			KeyStore:   filepath.Join(root, "state", "keys.bundle"),
		},
		Bridge: BridgeConfig{
			Mode:     "cookiejar",
			Insecure: true,
		},
		Session: SessionConfig{
			StorageTimeoutSeconds: 5,
		},
		Appearance: AppearanceConfig{
			File: filepath.Join(root, "appearance"),
		},
		Server: ServerConfig{
			Addr:             "127.0.0.1:27580",
			SessionCookie:    "marina_session",
			SessionTTLHours:  720,
			UserFile:         filepath.Join(root, "server", "users.json"),
			SessionFile:      filepath.Join(root, "server", "sessions.json"),
			OTPPeriodSeconds: 300,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".marina", "config.yaml"), nil
}
