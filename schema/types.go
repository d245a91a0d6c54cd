package schema

// ClientID identifies one attached viewer/controller connection.
type ClientID string

// PageHandle is the engine-bound identifier of a page. It never leaves the
// process; clients address pages by index.
type PageHandle string

// MouseButton names a pointer button.
type MouseButton string

const (
	// ButtonLeft is the primary button.
	ButtonLeft MouseButton = "left"
	// ButtonRight is the secondary button.
	ButtonRight MouseButton = "right"
	// ButtonMiddle is the wheel button.
	ButtonMiddle MouseButton = "middle"
)

// BlankURL is the address new tabs open on.
const BlankURL = "about:blank"

// Viewport is the rendered page size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// IsZero reports whether the viewport is unset.
func (v Viewport) IsZero() bool {
	return v.Width == 0 && v.Height == 0
}

// PageInfo is the client-facing view of one registered page.
type PageInfo struct {
	Index  int    `json:"index"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
}
