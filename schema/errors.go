package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed or out-of-range client request.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnknownMessage indicates an inbound message type that is not handled.
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrDuplicate indicates a debounced duplicate mutation.
	ErrDuplicate = errors.New("duplicate request")
	// ErrOutOfRange indicates a page index outside the registry.
	ErrOutOfRange = errors.New("page index out of range")
	// ErrLastPageProtected indicates an attempt to close the only remaining page.
	ErrLastPageProtected = errors.New("last page protected")
	// ErrStaleTarget indicates a client addressed a page that no longer exists.
	ErrStaleTarget = errors.New("stale target")
	// ErrNoPages indicates the session has no page to act on.
	ErrNoPages = errors.New("no pages")
	// ErrAdapter indicates the render surface failed a call.
	ErrAdapter = errors.New("adapter error")
	// ErrEngineUnavailable indicates the rendering engine is not reachable.
	ErrEngineUnavailable = errors.New("engine unavailable")
	// ErrTargetClosed indicates the addressed page was already closed.
	ErrTargetClosed = errors.New("target closed")
	// ErrNotFound indicates the surface does not know the handle.
	ErrNotFound = errors.New("page not found")
	// ErrSessionClosed indicates the session was shut down.
	ErrSessionClosed = errors.New("session closed")
)
