package core

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/cobrowse/internal/logx"
	"pkt.systems/cobrowse/internal/metrics"
	"pkt.systems/cobrowse/schema"
	"pkt.systems/pslog"
)

// Dispatcher routes validated client messages onto the surface and the
// registry. Each message is handled entirely while holding the session's
// mutation lock.
type Dispatcher struct {
	s        *Session
	debounce *tabDebouncer
}

type pageAction func(ctx context.Context, handle schema.PageHandle) error

// Dispatch handles one client message. The returned error is informational;
// every outcome has already been reported to the requester or broadcast.
func (d *Dispatcher) Dispatch(ctx context.Context, clientID schema.ClientID, msg schema.Message) error {
	// Mutations must not be torn by the requester disconnecting.
	ctx = context.WithoutCancel(ctx)
	log := logx.WithClient(ctx, clientID).With("type", msg.Type)
	ctx = logx.ContextWithClientLogger(ctx, log, clientID)

	if err := msg.Validate(); err != nil {
		d.s.sink.Send(clientID, schema.NewError(err.Error()))
		metrics.Command(string(msg.Type), msg.Type.Known(), "invalid")
		log.Warn("session command rejected", "err", err)
		return err
	}

	surface := d.s.surface
	var err error
	switch msg.Type {
	case schema.MsgMouseMove:
		err = d.input(ctx, clientID, "mouse move", func(ctx context.Context, h schema.PageHandle) error {
			return surface.MouseMove(ctx, h, msg.X, msg.Y)
		})
	case schema.MsgMouseDown:
		err = d.input(ctx, clientID, "mouse down", func(ctx context.Context, h schema.PageHandle) error {
			return surface.MouseDown(ctx, h, msg.X, msg.Y, msg.Button)
		})
	case schema.MsgMouseUp:
		err = d.input(ctx, clientID, "mouse up", func(ctx context.Context, h schema.PageHandle) error {
			return surface.MouseUp(ctx, h, msg.X, msg.Y, msg.Button)
		})
	case schema.MsgMouseClick:
		err = d.input(ctx, clientID, "mouse click", func(ctx context.Context, h schema.PageHandle) error {
			if err := surface.MouseDown(ctx, h, msg.X, msg.Y, msg.Button); err != nil {
				return err
			}
			return surface.MouseUp(ctx, h, msg.X, msg.Y, msg.Button)
		})
	case schema.MsgMouseWheel:
		err = d.input(ctx, clientID, "mouse wheel", func(ctx context.Context, h schema.PageHandle) error {
			return surface.MouseWheel(ctx, h, msg.DeltaX, msg.DeltaY)
		})
	case schema.MsgKeyPress:
		err = d.input(ctx, clientID, "key press", func(ctx context.Context, h schema.PageHandle) error {
			return surface.Key(ctx, h, msg.Key)
		})
	case schema.MsgKeyType:
		err = d.input(ctx, clientID, "type text", func(ctx context.Context, h schema.PageHandle) error {
			return surface.TypeText(ctx, h, msg.Text)
		})
	case schema.MsgNavigate:
		err = d.navigate(ctx, clientID, "navigate", func(ctx context.Context, h schema.PageHandle) error {
			return surface.Navigate(ctx, h, msg.URL)
		})
	case schema.MsgGoBack:
		err = d.navigate(ctx, clientID, "go back", surface.GoBack)
	case schema.MsgGoForward:
		err = d.navigate(ctx, clientID, "go forward", surface.GoForward)
	case schema.MsgRefresh:
		err = d.navigate(ctx, clientID, "reload", surface.Reload)
	case schema.MsgGetPages:
		err = d.getPages(clientID)
	case schema.MsgSwitchPage:
		err = d.switchPage(ctx, clientID, msg.Index())
	case schema.MsgClosePage:
		err = d.closePage(ctx, clientID, msg.Index())
	case schema.MsgAddTab:
		err = d.addTab(ctx, clientID)
	case schema.MsgRefreshPages:
		err = d.refreshPages(ctx, clientID)
	case schema.MsgForceCleanup:
		err = d.forceCleanup(ctx, clientID)
	}

	outcome := commandOutcome(err)
	metrics.Command(string(msg.Type), true, outcome)
	switch {
	case err == nil:
		if msg.Mutating() {
			log.Info("session command done")
		} else {
			log.Trace("session command done")
		}
	case outcome == "rejected", outcome == "invalid":
		log.Info("session command rejected", "err", err)
	default:
		log.Warn("session command failed", "err", err)
	}
	return err
}

func commandOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, schema.ErrDuplicate),
		errors.Is(err, schema.ErrLastPageProtected),
		errors.Is(err, schema.ErrStaleTarget):
		return "rejected"
	case errors.Is(err, schema.ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, schema.ErrSessionClosed):
		return "closed"
	default:
		return "failed"
	}
}

// input runs fn against the active page. Input never alters the registry.
func (d *Dispatcher) input(ctx context.Context, clientID schema.ClientID, op string, fn pageAction) error {
	unlock, err := d.s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	page, ok := d.s.registry.Active()
	if !ok {
		return schema.ErrNoPages
	}
	ctx = logx.ContextWithPageLogger(ctx, page.Handle)
	if err := fn(ctx, page.Handle); err != nil {
		return d.actionFailedLocked(ctx, clientID, op, err)
	}
	return nil
}

// navigate is input followed by a refresh of the page metadata.
func (d *Dispatcher) navigate(ctx context.Context, clientID schema.ClientID, op string, fn pageAction) error {
	unlock, err := d.s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	page, ok := d.s.registry.Active()
	if !ok {
		return schema.ErrNoPages
	}
	ctx = logx.ContextWithPageLogger(ctx, page.Handle)
	if err := fn(ctx, page.Handle); err != nil {
		return d.actionFailedLocked(ctx, clientID, op, err)
	}
	result, err := d.s.reconcileLocked(ctx)
	if err != nil {
		pslog.Ctx(ctx).Warn("session page refresh failed", "err", err)
		return nil
	}
	if result.Changed() {
		d.s.broadcastPagesLocked()
	}
	return nil
}

// actionFailedLocked reports a failed page action. Requests the surface
// refuses are validation errors and leave the registry alone; anything else
// is an adapter failure and triggers a reconcile.
func (d *Dispatcher) actionFailedLocked(ctx context.Context, clientID schema.ClientID, op string, err error) error {
	if errors.Is(err, schema.ErrInvalidRequest) {
		d.s.sink.Send(clientID, schema.NewError(err.Error()))
		return err
	}
	d.s.recoverLocked(ctx, err)
	d.s.sink.Send(clientID, schema.NewError(op+" failed"))
	return adapterError(op, err)
}

func (d *Dispatcher) getPages(clientID schema.ClientID) error {
	unlock, err := d.s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	d.s.sink.Send(clientID, schema.NewPagesInfo(d.s.registry.Snapshot()))
	return nil
}

// staleLocked handles a request that named an ordinal the registry no longer
// has: reconcile, then let every client see the corrected list.
func (d *Dispatcher) staleLocked(ctx context.Context) {
	if _, err := d.s.reconcileLocked(ctx); err != nil {
		pslog.Ctx(ctx).Warn("session reconcile after stale request failed", "err", err)
	}
	d.s.broadcastPagesLocked()
}

func (d *Dispatcher) switchPage(ctx context.Context, clientID schema.ClientID, index int) error {
	unlock, err := d.s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	page, err := d.s.registry.At(index)
	if err != nil {
		d.staleLocked(ctx)
		d.s.sink.Send(clientID, schema.NewPageSwitched(false, index))
		return fmt.Errorf("%w: %w", schema.ErrStaleTarget, err)
	}
	if err := d.s.surface.ActivatePage(ctx, page.Handle); err != nil {
		d.s.recoverLocked(ctx, err)
		d.s.sink.Send(clientID, schema.NewPageSwitched(false, index))
		return adapterError("activate page", err)
	}
	if err := d.s.registry.SetActive(index); err != nil {
		return err
	}
	d.s.sink.Send(clientID, schema.NewPageSwitched(true, index))
	d.s.broadcastPagesLocked()
	return nil
}

func (d *Dispatcher) closePage(ctx context.Context, clientID schema.ClientID, index int) error {
	unlock, err := d.s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	page, err := d.s.registry.At(index)
	if err != nil {
		d.staleLocked(ctx)
		d.s.sink.Send(clientID, schema.NewPageClosed(false, index))
		return fmt.Errorf("%w: %w", schema.ErrStaleTarget, err)
	}
	if d.s.registry.Len() == 1 {
		d.s.sink.Send(clientID, schema.NewPageClosed(false, index))
		d.s.sink.Send(clientID, schema.NewError(schema.ErrLastPageProtected.Error()))
		return schema.ErrLastPageProtected
	}
	log := logx.WithPage(ctx, pslog.Ctx(ctx), page.Handle)
	if err := d.s.surface.ClosePage(ctx, page.Handle); err != nil && !errors.Is(err, schema.ErrNotFound) {
		d.s.recoverLocked(ctx, err)
		d.s.sink.Send(clientID, schema.NewPageClosed(false, index))
		return adapterError("close page", err)
	}
	wasActive := index == d.s.registry.ActiveIndex()
	if _, err := d.s.registry.RemoveAt(index); err != nil {
		d.s.sink.Send(clientID, schema.NewPageClosed(false, index))
		return err
	}
	if next, ok := d.s.registry.Active(); ok && wasActive {
		if err := d.s.surface.ActivatePage(ctx, next.Handle); err != nil {
			log.Warn("session activate successor failed", "next", next.Handle, "err", err)
		}
	}
	d.s.sink.Send(clientID, schema.NewPageClosed(true, index))
	d.s.broadcastPagesLocked()
	return nil
}

func (d *Dispatcher) addTab(ctx context.Context, clientID schema.ClientID) error {
	unlock, err := d.s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	tok := d.debounce.claim()
	if tok == nil {
		d.s.sink.Send(clientID, schema.NewTabAdded(false, schema.ReasonDuplicateRequest))
		return schema.ErrDuplicate
	}
	handle, err := d.s.surface.OpenPage(ctx, schema.BlankURL)
	if err != nil {
		d.debounce.release(tok)
		d.s.recoverLocked(ctx, err)
		d.s.sink.Send(clientID, schema.NewTabAdded(false, ""))
		return adapterError("open page", err)
	}
	index := d.s.registry.Insert(Page{Handle: handle, URL: schema.BlankURL})
	logx.WithPage(ctx, pslog.Ctx(ctx), handle).Debug("session tab opened", "index", index)
	d.s.sink.Send(clientID, schema.NewTabAdded(true, ""))
	d.s.broadcastPagesLocked()
	return nil
}

func (d *Dispatcher) refreshPages(ctx context.Context, clientID schema.ClientID) error {
	unlock, err := d.s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	if _, err := d.s.reconcileLocked(ctx); err != nil {
		d.s.sink.Send(clientID, schema.NewError("refresh pages failed"))
		return err
	}
	d.s.broadcastPagesLocked()
	return nil
}

// forceCleanup closes every blank page except the first one and the active
// one, then resynchronizes with the engine.
func (d *Dispatcher) forceCleanup(ctx context.Context, clientID schema.ClientID) error {
	unlock, err := d.s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	log := pslog.Ctx(ctx)
	if _, err := d.s.reconcileLocked(ctx); err != nil {
		d.s.sink.Send(clientID, schema.NewError("cleanup failed"))
		return err
	}
	active, _ := d.s.registry.Active()
	var surplus []schema.PageHandle
	keptBlank := false
	for _, page := range d.s.registry.List() {
		if page.URL != schema.BlankURL {
			continue
		}
		if !keptBlank {
			keptBlank = true
			continue
		}
		if page.Handle == active.Handle {
			continue
		}
		surplus = append(surplus, page.Handle)
	}
	closed := 0
	for _, handle := range surplus {
		if err := d.s.surface.ClosePage(ctx, handle); err != nil && !errors.Is(err, schema.ErrNotFound) {
			log.Warn("session cleanup close failed", "page", handle, "err", err)
			continue
		}
		if idx := d.s.registry.IndexOf(handle); idx >= 0 {
			if _, err := d.s.registry.RemoveAt(idx); err != nil {
				log.Warn("session cleanup remove failed", "page", handle, "err", err)
				continue
			}
		}
		closed++
	}
	if _, err := d.s.reconcileLocked(ctx); err != nil {
		log.Warn("session reconcile after cleanup failed", "err", err)
	}
	log.Info("session cleanup done", "closed", closed, "pages", d.s.registry.Len())
	d.s.broadcastPagesLocked()
	return nil
}
