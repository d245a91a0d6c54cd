package core

import (
	"context"

	"pkt.systems/cobrowse/schema"
)

// LivePage is one page as the rendering engine currently reports it.
type LivePage struct {
	Handle schema.PageHandle
	URL    string
	Title  string
}

// Frame is one captured picture of a page plus the viewport it was taken at.
type Frame struct {
	Data     []byte
	Viewport schema.Viewport
}

// Surface is the capability set of the external rendering engine. Calls are
// synchronous and never made concurrently; the session serializes them.
// Errors should wrap schema.ErrEngineUnavailable or schema.ErrTargetClosed.
type Surface interface {
	ListLivePages(ctx context.Context) ([]LivePage, error)
	OpenPage(ctx context.Context, url string) (schema.PageHandle, error)
	// ClosePage returns schema.ErrNotFound for unknown handles.
	ClosePage(ctx context.Context, handle schema.PageHandle) error
	ActivatePage(ctx context.Context, handle schema.PageHandle) error

	Navigate(ctx context.Context, handle schema.PageHandle, url string) error
	GoBack(ctx context.Context, handle schema.PageHandle) error
	GoForward(ctx context.Context, handle schema.PageHandle) error
	Reload(ctx context.Context, handle schema.PageHandle) error

	MouseMove(ctx context.Context, handle schema.PageHandle, x, y float64) error
	MouseDown(ctx context.Context, handle schema.PageHandle, x, y float64, button schema.MouseButton) error
	MouseUp(ctx context.Context, handle schema.PageHandle, x, y float64, button schema.MouseButton) error
	MouseWheel(ctx context.Context, handle schema.PageHandle, deltaX, deltaY float64) error
	Key(ctx context.Context, handle schema.PageHandle, key string) error
	TypeText(ctx context.Context, handle schema.PageHandle, text string) error

	CaptureFrame(ctx context.Context, handle schema.PageHandle) (Frame, error)

	// Close releases the engine. It is called once, on session shutdown.
	Close() error
}
