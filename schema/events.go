package schema

import "encoding/json"

// EventType tags an outbound message.
type EventType string

const (
	// EventScreenshot carries an encoded frame. Frames are perishable.
	EventScreenshot EventType = "screenshot"
	// EventPagesInfo carries a registry snapshot.
	EventPagesInfo EventType = "pages_info"
	// EventPageSwitched reports a switch_page outcome to the requester.
	EventPageSwitched EventType = "page_switched"
	// EventPageClosed reports a close_page outcome to the requester.
	EventPageClosed EventType = "page_closed"
	// EventTabAdded reports an add_tab outcome to the requester.
	EventTabAdded EventType = "tab_added"
	// EventError reports a rejected request to the requester.
	EventError EventType = "error"
)

// ReasonDuplicateRequest marks an add_tab rejected by the debounce window.
const ReasonDuplicateRequest = "duplicate_request"

// Event is one outbound message. Payload is the wire body and carries its own
// type field.
type Event struct {
	Type    EventType
	Payload any
}

// Perishable reports whether the event may be dropped under backpressure.
func (e Event) Perishable() bool {
	return e.Type == EventScreenshot
}

// Encode renders the wire form.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e.Payload)
}

// ScreenshotMessage is the wire body of a frame event.
type ScreenshotMessage struct {
	Type            EventType `json:"type"`
	Data            string    `json:"data"`
	Viewport        Viewport  `json:"viewport"`
	ViewportChanged bool      `json:"viewport_changed"`
}

// PagesInfoMessage is the wire body of a registry snapshot.
type PagesInfoMessage struct {
	Type  EventType  `json:"type"`
	Pages []PageInfo `json:"pages"`
}

// PageResultMessage is the wire body of page_switched and page_closed.
type PageResultMessage struct {
	Type      EventType `json:"type"`
	Success   bool      `json:"success"`
	PageIndex int       `json:"page_index"`
}

// TabAddedMessage is the wire body of tab_added.
type TabAddedMessage struct {
	Type    EventType `json:"type"`
	Success bool      `json:"success"`
	Reason  string    `json:"reason,omitempty"`
}

// ErrorMessage is the wire body of error.
type ErrorMessage struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

// NewScreenshot builds a frame event.
func NewScreenshot(data string, viewport Viewport, changed bool) Event {
	return Event{Type: EventScreenshot, Payload: ScreenshotMessage{
		Type:            EventScreenshot,
		Data:            data,
		Viewport:        viewport,
		ViewportChanged: changed,
	}}
}

// NewPagesInfo builds a registry snapshot event.
func NewPagesInfo(pages []PageInfo) Event {
	if pages == nil {
		pages = []PageInfo{}
	}
	return Event{Type: EventPagesInfo, Payload: PagesInfoMessage{Type: EventPagesInfo, Pages: pages}}
}

// NewPageSwitched builds a switch_page outcome.
func NewPageSwitched(success bool, index int) Event {
	return Event{Type: EventPageSwitched, Payload: PageResultMessage{Type: EventPageSwitched, Success: success, PageIndex: index}}
}

// NewPageClosed builds a close_page outcome.
func NewPageClosed(success bool, index int) Event {
	return Event{Type: EventPageClosed, Payload: PageResultMessage{Type: EventPageClosed, Success: success, PageIndex: index}}
}

// NewTabAdded builds an add_tab outcome.
func NewTabAdded(success bool, reason string) Event {
	return Event{Type: EventTabAdded, Payload: TabAddedMessage{Type: EventTabAdded, Success: success, Reason: reason}}
}

// NewError builds an error reply.
func NewError(message string) Event {
	return Event{Type: EventError, Payload: ErrorMessage{Type: EventError, Message: message}}
}
