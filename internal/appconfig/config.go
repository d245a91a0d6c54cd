package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/cobrowse/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	HTTP          HTTPConfig    `mapstructure:"http" yaml:"http"`
	Engine        EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Session       SessionConfig `mapstructure:"session" yaml:"session"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// Engine kinds.
const (
	EngineChrome = "chrome"
	EngineMock   = "mock"
)

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr                string `mapstructure:"addr" yaml:"addr"`
	BasePath            string `mapstructure:"base_path" yaml:"base_path"`
	StaticDir           string `mapstructure:"static_dir" yaml:"static_dir"`
	ClientQueueDepth    int    `mapstructure:"client_queue_depth" yaml:"client_queue_depth"`
	WriteTimeoutSeconds int    `mapstructure:"write_timeout_seconds" yaml:"write_timeout_seconds"`
}

// EngineConfig selects and configures the rendering engine.
type EngineConfig struct {
	Kind                 string `mapstructure:"kind" yaml:"kind"`
	ExecPath             string `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir          string `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	Headless             bool   `mapstructure:"headless" yaml:"headless"`
	NoSandbox            bool   `mapstructure:"no_sandbox" yaml:"no_sandbox"`
	Width                int    `mapstructure:"width" yaml:"width"`
	Height               int    `mapstructure:"height" yaml:"height"`
	StartURL             string `mapstructure:"start_url" yaml:"start_url"`
	JPEGQuality          int    `mapstructure:"jpeg_quality" yaml:"jpeg_quality"`
	ActionTimeoutSeconds int    `mapstructure:"action_timeout_seconds" yaml:"action_timeout_seconds"`
}

// SessionConfig controls frame streaming and command pacing.
type SessionConfig struct {
	FrameIntervalMS  int `mapstructure:"frame_interval_ms" yaml:"frame_interval_ms"`
	KeyframeEvery    int `mapstructure:"keyframe_every" yaml:"keyframe_every"`
	AddTabDebounceMS int `mapstructure:"add_tab_debounce_ms" yaml:"add_tab_debounce_ms"`
}

// SessionSettings converts the section into the session's runtime config.
func (c Config) SessionSettings() schema.SessionConfig {
	return schema.SessionConfig{
		InitialURL:     c.Engine.StartURL,
		FrameInterval:  time.Duration(c.Session.FrameIntervalMS) * time.Millisecond,
		KeyframeEvery:  c.Session.KeyframeEvery,
		AddTabDebounce: time.Duration(c.Session.AddTabDebounceMS) * time.Millisecond,
	}
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		HTTP: HTTPConfig{
			Addr:                ":8000",
			BasePath:            "",
			StaticDir:           "",
			ClientQueueDepth:    256,
			WriteTimeoutSeconds: 10,
		},
		Engine: EngineConfig{
			Kind:                 EngineChrome,
			ExecPath:             "",
			UserDataDir:          filepath.Join(home, ".cobrowse", "profile"),
			Headless:             true,
			NoSandbox:            false,
			Width:                1280,
			Height:               720,
			StartURL:             schema.BlankURL,
			JPEGQuality:          70,
			ActionTimeoutSeconds: 15,
		},
		Session: SessionConfig{
			FrameIntervalMS:  int(schema.DefaultFrameInterval / time.Millisecond),
			KeyframeEvery:    schema.DefaultKeyframeEvery,
			AddTabDebounceMS: int(schema.DefaultAddTabDebounce / time.Millisecond),
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cobrowse", "config.yaml"), nil
}
