package schema

import (
	"fmt"
	"strings"
)

// NormalizeButton maps a wire button name onto a MouseButton. Empty means left.
func NormalizeButton(value string) (MouseButton, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "left":
		return ButtonLeft, nil
	case "right":
		return ButtonRight, nil
	case "middle":
		return ButtonMiddle, nil
	default:
		return "", fmt.Errorf("%w: unsupported button %q", ErrInvalidRequest, value)
	}
}

// NormalizeURL trims the address and prepends https:// when no scheme is given.
// about: and data: URLs pass through unchanged.
func NormalizeURL(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	if strings.ContainsAny(trimmed, " \t\r\n") {
		return "", fmt.Errorf("%w: url must not contain whitespace", ErrInvalidRequest)
	}
	lower := strings.ToLower(trimmed)
	if strings.Contains(lower, "://") || strings.HasPrefix(lower, "about:") || strings.HasPrefix(lower, "data:") {
		return trimmed, nil
	}
	return "https://" + trimmed, nil
}
