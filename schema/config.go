package schema

import (
	"errors"
	"time"
)

// SessionConfig defines timing and limits for the shared session.
type SessionConfig struct {
	// InitialURL is opened when the session needs a page.
	InitialURL string
	// FrameInterval is the capture period of the frame streamer.
	FrameInterval time.Duration
	// KeyframeEvery forces a frame broadcast after this many unchanged ticks.
	KeyframeEvery int
	// AddTabDebounce is the window during which a repeated add_tab is rejected.
	AddTabDebounce time.Duration
}

const (
	// DefaultFrameInterval is one frame per 100ms.
	DefaultFrameInterval = 100 * time.Millisecond
	// DefaultKeyframeEvery re-sends an unchanged frame every 2s at the default interval.
	DefaultKeyframeEvery = 20
	// DefaultAddTabDebounce is the add_tab debounce window.
	DefaultAddTabDebounce = 2 * time.Second
)

// NormalizeSessionConfig applies defaults and validates the config.
func NormalizeSessionConfig(cfg SessionConfig) (SessionConfig, error) {
	if cfg.InitialURL == "" {
		cfg.InitialURL = BlankURL
	}
	if cfg.FrameInterval == 0 {
		cfg.FrameInterval = DefaultFrameInterval
	}
	if cfg.FrameInterval < 0 {
		return SessionConfig{}, errors.New("frame interval must be positive")
	}
	if cfg.KeyframeEvery <= 0 {
		cfg.KeyframeEvery = DefaultKeyframeEvery
	}
	if cfg.AddTabDebounce == 0 {
		cfg.AddTabDebounce = DefaultAddTabDebounce
	}
	if cfg.AddTabDebounce < 0 {
		return SessionConfig{}, errors.New("add_tab debounce must be positive")
	}
	if cfg.InitialURL != BlankURL {
		url, err := NormalizeURL(cfg.InitialURL)
		if err != nil {
			return SessionConfig{}, err
		}
		cfg.InitialURL = url
	}
	return cfg, nil
}
