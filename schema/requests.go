package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType tags an inbound client message.
type MessageType string

// Input.
const (
	MsgMouseMove  MessageType = "mouse_move"
	MsgMouseDown  MessageType = "mouse_down"
	MsgMouseUp    MessageType = "mouse_up"
	MsgMouseClick MessageType = "mouse_click"
	MsgMouseWheel MessageType = "mouse_wheel"
	MsgKeyPress   MessageType = "key_press"
	MsgKeyType    MessageType = "key_type"
)

// Navigation.
const (
	MsgNavigate  MessageType = "navigate"
	MsgGoBack    MessageType = "go_back"
	MsgGoForward MessageType = "go_forward"
	MsgRefresh   MessageType = "refresh"
)

// Tab management.
const (
	MsgGetPages     MessageType = "get_pages"
	MsgSwitchPage   MessageType = "switch_page"
	MsgClosePage    MessageType = "close_page"
	MsgAddTab       MessageType = "add_tab"
	MsgRefreshPages MessageType = "refresh_pages"
	MsgForceCleanup MessageType = "force_cleanup"
)

// Known reports whether t is a message type the session handles.
func (t MessageType) Known() bool {
	switch t {
	case MsgMouseMove, MsgMouseDown, MsgMouseUp, MsgMouseClick, MsgMouseWheel, MsgKeyPress, MsgKeyType,
		MsgNavigate, MsgGoBack, MsgGoForward, MsgRefresh,
		MsgGetPages, MsgSwitchPage, MsgClosePage, MsgAddTab, MsgRefreshPages, MsgForceCleanup:
		return true
	default:
		return false
	}
}

// Message is a decoded client request. Only the fields relevant to Type are set.
type Message struct {
	Type      MessageType `json:"type"`
	X         float64     `json:"x,omitempty"`
	Y         float64     `json:"y,omitempty"`
	Button    MouseButton `json:"button,omitempty"`
	DeltaX    float64     `json:"deltaX,omitempty"`
	DeltaY    float64     `json:"deltaY,omitempty"`
	Key       string      `json:"key,omitempty"`
	Text      string      `json:"text,omitempty"`
	URL       string      `json:"url,omitempty"`
	PageIndex *int        `json:"page_index,omitempty"`
}

// Index returns the page index, or -1 when absent.
func (m Message) Index() int {
	if m.PageIndex == nil {
		return -1
	}
	return *m.PageIndex
}

// Mutating reports whether the message changes page registry state.
func (m Message) Mutating() bool {
	switch m.Type {
	case MsgSwitchPage, MsgClosePage, MsgAddTab, MsgRefreshPages, MsgForceCleanup:
		return true
	default:
		return false
	}
}

// DecodeMessage parses and validates one inbound text frame.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

// Validate checks required fields and normalizes values in place where the
// wire allows omission (button defaults to left).
func (m *Message) Validate() error {
	switch m.Type {
	case MsgMouseMove, MsgMouseWheel, MsgGoBack, MsgGoForward, MsgRefresh,
		MsgGetPages, MsgAddTab, MsgRefreshPages, MsgForceCleanup:
		return nil
	case MsgMouseDown, MsgMouseUp, MsgMouseClick:
		button, err := NormalizeButton(string(m.Button))
		if err != nil {
			return err
		}
		m.Button = button
		return nil
	case MsgKeyPress:
		if strings.TrimSpace(m.Key) == "" && m.Key != " " {
			return fmt.Errorf("%w: key is required", ErrInvalidRequest)
		}
		return nil
	case MsgKeyType:
		if m.Text == "" {
			return fmt.Errorf("%w: text is required", ErrInvalidRequest)
		}
		return nil
	case MsgNavigate:
		url, err := NormalizeURL(m.URL)
		if err != nil {
			return err
		}
		m.URL = url
		return nil
	case MsgSwitchPage, MsgClosePage:
		if m.PageIndex == nil {
			return fmt.Errorf("%w: page_index is required", ErrInvalidRequest)
		}
		if *m.PageIndex < 0 {
			return fmt.Errorf("%w: page_index must not be negative", ErrInvalidRequest)
		}
		return nil
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidRequest)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
}
