package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
// A missing file yields the defaults.
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
	v.SetEnvPrefix("COBROWSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.static_dir", cfg.HTTP.StaticDir)
	v.SetDefault("http.client_queue_depth", cfg.HTTP.ClientQueueDepth)
	v.SetDefault("http.write_timeout_seconds", cfg.HTTP.WriteTimeoutSeconds)
	v.SetDefault("engine.kind", cfg.Engine.Kind)
	v.SetDefault("engine.exec_path", cfg.Engine.ExecPath)
	v.SetDefault("engine.user_data_dir", cfg.Engine.UserDataDir)
	v.SetDefault("engine.headless", cfg.Engine.Headless)
	v.SetDefault("engine.no_sandbox", cfg.Engine.NoSandbox)
	v.SetDefault("engine.width", cfg.Engine.Width)
	v.SetDefault("engine.height", cfg.Engine.Height)
	v.SetDefault("engine.start_url", cfg.Engine.StartURL)
	v.SetDefault("engine.jpeg_quality", cfg.Engine.JPEGQuality)
	v.SetDefault("engine.action_timeout_seconds", cfg.Engine.ActionTimeoutSeconds)
	v.SetDefault("session.frame_interval_ms", cfg.Session.FrameIntervalMS)
	v.SetDefault("session.keyframe_every", cfg.Session.KeyframeEvery)
	v.SetDefault("session.add_tab_debounce_ms", cfg.Session.AddTabDebounceMS)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
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

// isNotFound covers viper's typed error and a plain missing file, which viper
// reports as an os error when SetConfigFile names an explicit path.
func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return errors.Is(err, fs.ErrNotExist)
}

func validate(cfg Config) error {
	basePath := strings.TrimSpace(cfg.HTTP.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	if cfg.HTTP.ClientQueueDepth < 0 {
		return fmt.Errorf("http.client_queue_depth must not be negative")
	}
	if cfg.HTTP.WriteTimeoutSeconds < 0 {
		return fmt.Errorf("http.write_timeout_seconds must not be negative")
	}
	switch cfg.Engine.Kind {
	case EngineChrome, EngineMock:
	default:
		return fmt.Errorf("unsupported engine.kind %q", cfg.Engine.Kind)
	}
	if cfg.Engine.JPEGQuality < 0 || cfg.Engine.JPEGQuality > 100 {
		return fmt.Errorf("engine.jpeg_quality must be between 1 and 100")
	}
	if cfg.Session.FrameIntervalMS < 0 {
		return fmt.Errorf("session.frame_interval_ms must not be negative")
	}
	if cfg.Session.AddTabDebounceMS < 0 {
		return fmt.Errorf("session.add_tab_debounce_ms must not be negative")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.HTTP.StaticDir = expandEnv(cfg.HTTP.StaticDir)
	cfg.Engine.ExecPath = expandEnv(cfg.Engine.ExecPath)
	cfg.Engine.UserDataDir = expandEnv(cfg.Engine.UserDataDir)
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

	data, err := yaml.Marshal(cfg)
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
