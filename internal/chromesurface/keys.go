package chromesurface

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"pkt.systems/cobrowse/schema"
)

// namedKeys maps lower-cased DOM key names to the sequences chromedp.KeyEvent
// expects.
var namedKeys = map[string]string{
	"enter":       kb.Enter,
	"return":      kb.Enter,
	"tab":         kb.Tab,
	"backspace":   kb.Backspace,
	"delete":      kb.Delete,
	"del":         kb.Delete,
	"escape":      kb.Escape,
	"esc":         kb.Escape,
	"insert":      kb.Insert,
	"arrowup":     kb.ArrowUp,
	"arrowdown":   kb.ArrowDown,
	"arrowleft":   kb.ArrowLeft,
	"arrowright":  kb.ArrowRight,
	"up":          kb.ArrowUp,
	"down":        kb.ArrowDown,
	"left":        kb.ArrowLeft,
	"right":       kb.ArrowRight,
	"home":        kb.Home,
	"end":         kb.End,
	"pageup":      kb.PageUp,
	"pagedown":    kb.PageDown,
	"space":       " ",
	"spacebar":    " ",
	"shift":       kb.Shift,
	"control":     kb.Control,
	"ctrl":        kb.Control,
	"alt":         kb.Alt,
	"meta":        kb.Meta,
	"os":          kb.Meta,
	"super":       kb.Super,
	"fn":          kb.Fn,
	"capslock":    kb.CapsLock,
	"numlock":     kb.NumLock,
	"scrolllock":  kb.ScrollLock,
	"contextmenu": kb.ContextMenu,
	"pause":       kb.Pause,
	"printscreen": kb.PrintScreen,
	"f1":          kb.F1,
	"f2":          kb.F2,
	"f3":          kb.F3,
	"f4":          kb.F4,
	"f5":          kb.F5,
	"f6":          kb.F6,
	"f7":          kb.F7,
	"f8":          kb.F8,
	"f9":          kb.F9,
	"f10":         kb.F10,
	"f11":         kb.F11,
	"f12":         kb.F12,
}

const maxKeyNameLen = 32

func keySequence(key string) (string, error) {
	if utf8.RuneCountInString(key) == 1 {
		return key, nil
	}
	if seq, ok := namedKeys[strings.ToLower(strings.TrimSpace(key))]; ok {
		return seq, nil
	}
	return "", fmt.Errorf("%w: unsupported key %q", schema.ErrInvalidRequest, key)
}

// keyAction builds the press for key. Names outside namedKeys that look like
// DOM key values are sent as raw keyDown/keyUp events carrying the name.
func keyAction(key string) (chromedp.Action, error) {
	if seq, err := keySequence(key); err == nil {
		return chromedp.KeyEvent(seq), nil
	}
	name := strings.TrimSpace(key)
	if !isKeyName(name) {
		return nil, fmt.Errorf("%w: unsupported key %q", schema.ErrInvalidRequest, key)
	}
	return chromedp.Tasks{
		input.DispatchKeyEvent(input.KeyDown).WithKey(name),
		input.DispatchKeyEvent(input.KeyUp).WithKey(name),
	}, nil
}

// isKeyName accepts the shape of DOM key values such as "AudioVolumeUp".
func isKeyName(name string) bool {
	if name == "" || len(name) > maxKeyNameLen {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z' && i > 0:
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
