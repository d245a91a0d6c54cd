package core

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/cobrowse/internal/metrics"
	"pkt.systems/cobrowse/schema"
	"pkt.systems/pslog"
)

// SessionDeps captures the collaborators of a session.
type SessionDeps struct {
	Surface Surface
	Sink    EventSink
	Logger  pslog.Logger
	// Encoder turns raw frame bytes into the wire payload. Defaults to base64.
	Encoder func([]byte) string
	// Now overrides the clock used by the add_tab debounce.
	Now func() time.Time
	// Ticks overrides the streamer period. Each receive triggers one capture.
	Ticks <-chan time.Time
}

// Session owns the shared rendering engine. It holds the single mutation
// lock, the page registry, the command dispatcher and the frame streamer,
// and is the only caller into the Surface.
type Session struct {
	cfg     schema.SessionConfig
	surface Surface
	sink    EventSink
	logger  pslog.Logger

	// mu is the mutation lock. Every Surface call and every registry access
	// happens while holding it.
	mu       sync.Mutex
	registry *Registry
	closed   bool

	dispatcher *Dispatcher
	streamer   *Streamer

	closeOnce sync.Once
	closeErr  error
}

// NewSession builds the session and makes sure it has at least one page.
// On failure the surface is closed before returning.
func NewSession(ctx context.Context, cfg schema.SessionConfig, deps SessionDeps) (*Session, error) {
	if deps.Surface == nil {
		return nil, errors.New("surface dependency is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	normalized, err := schema.NormalizeSessionConfig(cfg)
	if err != nil {
		_ = deps.Surface.Close()
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	sink := deps.Sink
	if sink == nil {
		sink = nopSink{}
	}
	encoder := deps.Encoder
	if encoder == nil {
		encoder = base64.StdEncoding.EncodeToString
	}

	s := &Session{
		cfg:      normalized,
		surface:  deps.Surface,
		sink:     sink,
		logger:   logger,
		registry: NewRegistry(),
	}
	s.dispatcher = &Dispatcher{s: s, debounce: newTabDebouncer(normalized.AddTabDebounce, deps.Now)}
	s.streamer = &Streamer{
		s:             s,
		interval:      normalized.FrameInterval,
		keyframeEvery: normalized.KeyframeEvery,
		encode:        encoder,
		ticks:         deps.Ticks,
	}

	ctx = pslog.ContextWithLogger(ctx, logger)
	s.mu.Lock()
	_, err = s.reconcileLocked(ctx)
	pages := s.registry.Len()
	s.mu.Unlock()
	if err != nil {
		if closeErr := s.surface.Close(); closeErr != nil {
			logger.Warn("session surface close failed", "err", closeErr)
		}
		logger.Error("session start failed", "err", err)
		return nil, fmt.Errorf("start session: %w", err)
	}
	logger.Info("session started", "pages", pages, "initial_url", normalized.InitialURL, "frame_interval_ms", normalized.FrameInterval.Milliseconds())
	return s, nil
}

// Dispatch handles one decoded client request. Mutations run to completion
// even if ctx is canceled because the requesting client went away.
func (s *Session) Dispatch(ctx context.Context, clientID schema.ClientID, msg schema.Message) error {
	return s.dispatcher.Dispatch(ctx, clientID, msg)
}

// Run drives the frame streamer until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	return s.streamer.Run(ctx)
}

// Streamer exposes the frame streamer.
func (s *Session) Streamer() *Streamer {
	return s.streamer
}

// Greet seeds a newly attached client with the page list and the latest frame.
func (s *Session) Greet(ctx context.Context, clientID schema.ClientID) {
	unlock, err := s.lock()
	if err != nil {
		return
	}
	s.sink.Send(clientID, schema.NewPagesInfo(s.registry.Snapshot()))
	unlock()
	if frame, ok := s.streamer.Latest(); ok {
		s.sink.Send(clientID, frame)
	}
	pslog.Ctx(ctx).With("client", clientID).Debug("session client greeted")
}

// Pages returns the current page list.
func (s *Session) Pages(context.Context) []schema.PageInfo {
	unlock, err := s.lock()
	if err != nil {
		return nil
	}
	defer unlock()
	return s.registry.Snapshot()
}

// Healthy reports whether the engine answers a page listing.
func (s *Session) Healthy(ctx context.Context) bool {
	unlock, err := s.lock()
	if err != nil {
		return false
	}
	defer unlock()
	_, err = s.surface.ListLivePages(ctx)
	return err == nil
}

// Close shuts the surface down. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.closeErr = s.surface.Close()
		s.mu.Unlock()
		if s.closeErr != nil {
			s.logger.Warn("session surface close failed", "err", s.closeErr)
		} else {
			s.logger.Info("session closed")
		}
	})
	return s.closeErr
}

func (s *Session) lock() (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, schema.ErrSessionClosed
	}
	return s.mu.Unlock, nil
}

// capture grabs the active page under the mutation lock.
func (s *Session) capture(ctx context.Context) (Frame, error) {
	unlock, err := s.lock()
	if err != nil {
		return Frame{}, err
	}
	defer unlock()
	page, ok := s.registry.Active()
	if !ok {
		return Frame{}, schema.ErrNoPages
	}
	return s.surface.CaptureFrame(ctx, page.Handle)
}

// reconcileLocked refreshes the registry from the engine and replaces the
// last page if the engine has none left.
func (s *Session) reconcileLocked(ctx context.Context) (ReconcileResult, error) {
	log := pslog.Ctx(ctx)
	live, err := s.surface.ListLivePages(ctx)
	if err != nil {
		return ReconcileResult{}, adapterError("list pages", err)
	}
	before, _ := s.registry.Active()
	result := s.registry.Reconcile(live)
	if s.registry.Len() == 0 {
		handle, err := s.surface.OpenPage(ctx, s.cfg.InitialURL)
		if err != nil {
			return result, adapterError("open replacement page", err)
		}
		s.registry.Insert(Page{Handle: handle, URL: s.cfg.InitialURL})
		result.Adopted++
		result.ActiveChanged = true
		log.Info("session replacement page opened", "url", s.cfg.InitialURL)
	}
	if after, ok := s.registry.Active(); ok && after.Handle != before.Handle {
		if err := s.surface.ActivatePage(ctx, after.Handle); err != nil {
			log.Warn("session activate after reconcile failed", "page", after.Handle, "err", err)
		}
	}
	metrics.Reconciled(result.Changed())
	if result.Changed() {
		log.Debug(
			"session reconciled",
			"removed", result.Removed,
			"deduplicated", result.Deduplicated,
			"adopted", result.Adopted,
			"refreshed", result.Refreshed,
			"active_changed", result.ActiveChanged,
			"pages", s.registry.Len(),
		)
	}
	return result, nil
}

// recoverLocked runs after an adapter failure, since the failure is often a
// sign that the engine changed underneath the registry.
func (s *Session) recoverLocked(ctx context.Context, cause error) {
	log := pslog.Ctx(ctx)
	result, err := s.reconcileLocked(ctx)
	if err != nil {
		log.Warn("session reconcile after failure failed", "cause", cause, "err", err)
		return
	}
	if result.Changed() {
		s.broadcastPagesLocked()
	}
}

// broadcastPagesLocked enqueues a snapshot while the lock is held so that
// page lists reach clients in mutation order.
func (s *Session) broadcastPagesLocked() {
	s.sink.Broadcast(schema.NewPagesInfo(s.registry.Snapshot()))
}

func adapterError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", schema.ErrAdapter, op, err)
}
