package httpapi

import "time"

// Config defines HTTP and websocket settings.
type Config struct {
	Addr     string
	BasePath string
	// StaticDir, when set, is served at the root for a viewer frontend.
	StaticDir        string
	ClientQueueDepth int
	WriteTimeout     time.Duration
}
