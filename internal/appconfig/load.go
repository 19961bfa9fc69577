package appconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. MARINA_API_BASE_URL.
const EnvPrefix = "MARINA"

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("api.base_url", cfg.API.BaseURL)
	v.SetDefault("api.fetch_timeout_seconds", cfg.API.FetchTimeoutSeconds)
	v.SetDefault("store.backend", cfg.Store.Backend)
	v.SetDefault("store.dir", cfg.Store.Dir)
	v.SetDefault("store.sqlite_path", cfg.Store.SQLitePath)
	v.SetDefault("store.encrypt", cfg.Store.Encrypt)
	v.SetDefault("store.key_store", cfg.Store.KeyStore)
	v.SetDefault("bridge.mode", cfg.Bridge.Mode)
	v.SetDefault("bridge.insecure", cfg.Bridge.Insecure)
	v.SetDefault("session.storage_timeout_seconds", cfg.Session.StorageTimeoutSeconds)
	v.SetDefault("appearance.file", cfg.Appearance.File)
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.session_cookie", cfg.Server.SessionCookie)
	v.SetDefault("server.session_ttl_hours", cfg.Server.SessionTTLHours)
	v.SetDefault("server.user_file", cfg.Server.UserFile)
	v.SetDefault("server.session_file", cfg.Server.SessionFile)
	v.SetDefault("server.otp_period_seconds", cfg.Server.OTPPeriodSeconds)
	v.SetDefault("device.id", cfg.Device.ID)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	baseURL := strings.TrimSpace(cfg.API.BaseURL)
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("api.base_url must include scheme and host (e.g. https://api.example.com)")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Backend)) {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unsupported store.backend %q", cfg.Store.Backend)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Bridge.Mode)) {
	case "cookiejar", "none":
	default:
		return fmt.Errorf("unsupported bridge.mode %q", cfg.Bridge.Mode)
	}
	if cfg.API.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("api.fetch_timeout_seconds must be positive")
	}
	if cfg.Session.StorageTimeoutSeconds <= 0 {
		return fmt.Errorf("session.storage_timeout_seconds must be positive")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.API.BaseURL = expandEnv(cfg.API.BaseURL)
	cfg.Store.Dir = expandEnv(cfg.Store.Dir)
	cfg.Store.SQLitePath = expandEnv(cfg.Store.SQLitePath)
	cfg.Store.KeyStore = expandEnv(cfg.Store.KeyStore)
	cfg.Appearance.File = expandEnv(cfg.Appearance.File)
	cfg.Server.UserFile = expandEnv(cfg.Server.UserFile)
	cfg.Server.SessionFile = expandEnv(cfg.Server.SessionFile)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
