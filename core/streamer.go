package core

import (
	"bytes"
	"context"
	"sync"
	"time"

	"pkt.systems/cobrowse/internal/metrics"
	"pkt.systems/cobrowse/schema"
	"pkt.systems/pslog"
)

// Streamer captures the active page on a fixed period and broadcasts the
// result. Frames identical to the previous one are skipped, except that
// every keyframeEvery ticks a frame goes out regardless.
type Streamer struct {
	s             *Session
	interval      time.Duration
	keyframeEvery int
	encode        func([]byte) string
	ticks         <-chan time.Time

	mu           sync.Mutex
	lastData     []byte
	lastViewport schema.Viewport
	lastEncoded  string
	hasFrame     bool
	unchanged    int
}

// Run ticks until ctx is done or the tick source closes.
func (st *Streamer) Run(ctx context.Context) error {
	log := pslog.Ctx(ctx)
	ticks := st.ticks
	if ticks == nil {
		ticker := time.NewTicker(st.interval)
		defer ticker.Stop()
		ticks = ticker.C
	}
	log.Info("session streamer started", "interval_ms", st.interval.Milliseconds(), "keyframe_every", st.keyframeEvery)
	for {
		select {
		case <-ctx.Done():
			log.Info("session streamer stopped")
			return nil
		case _, ok := <-ticks:
			if !ok {
				log.Info("session streamer stopped", "reason", "tick source closed")
				return nil
			}
			st.Tick(ctx)
		}
	}
}

// Tick performs one capture. It reports whether a frame was broadcast. A
// failed capture skips the tick.
func (st *Streamer) Tick(ctx context.Context) bool {
	frame, err := st.s.capture(ctx)
	if err != nil {
		metrics.CaptureFailed()
		pslog.Ctx(ctx).Debug("session capture skipped", "err", err)
		return false
	}

	st.mu.Lock()
	viewportChanged := frame.Viewport != st.lastViewport
	if st.hasFrame && !viewportChanged && bytes.Equal(frame.Data, st.lastData) {
		st.unchanged++
		if st.unchanged < st.keyframeEvery {
			st.mu.Unlock()
			return false
		}
	}
	st.unchanged = 0
	st.lastData = frame.Data
	st.lastViewport = frame.Viewport
	st.lastEncoded = st.encode(frame.Data)
	st.hasFrame = true
	event := schema.NewScreenshot(st.lastEncoded, frame.Viewport, viewportChanged)
	st.mu.Unlock()

	metrics.FrameCaptured()
	st.s.sink.Broadcast(event)
	return true
}

// Latest returns the most recent frame for a client that has not seen one.
// The viewport_changed flag is set so the client sizes its surface.
func (st *Streamer) Latest() (schema.Event, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.hasFrame {
		return schema.Event{}, false
	}
	return schema.NewScreenshot(st.lastEncoded, st.lastViewport, true), true
}

// Viewport returns the cached viewport of the last broadcast frame.
func (st *Streamer) Viewport() schema.Viewport {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastViewport
}
