package core

import "time"

// tabToken marks an add_tab that has been claimed.
type tabToken struct {
	expiresAt time.Time
}

// tabDebouncer guards add_tab against duplicates from any client. A claimed
// token rejects further claims until it expires. Failed creations release
// the token at once so the request can be retried. Callers hold the session
// mutation lock, which makes check-and-claim atomic.
type tabDebouncer struct {
	window time.Duration
	now    func() time.Time
	token  *tabToken
}

func newTabDebouncer(window time.Duration, now func() time.Time) *tabDebouncer {
	if now == nil {
		now = time.Now
	}
	return &tabDebouncer{window: window, now: now}
}

// claim returns a token, or nil if one is still live.
func (d *tabDebouncer) claim() *tabToken {
	now := d.now()
	if d.token != nil && now.Before(d.token.expiresAt) {
		return nil
	}
	d.token = &tabToken{expiresAt: now.Add(d.window)}
	return d.token
}

// release drops tok if it is still the current token.
func (d *tabDebouncer) release(tok *tabToken) {
	if tok != nil && d.token == tok {
		d.token = nil
	}
}
