package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"pkt.systems/cobrowse/schema"
)

func TestNewSessionOpensInitialPage(t *testing.T) {
	surface := newFakeSurface()
	fx := newSessionFixture(t, surface)
	pages := fx.session.Pages(context.Background())
	if len(pages) != 1 || pages[0].URL != schema.BlankURL || !pages[0].Active {
		t.Fatalf("expected one active blank page, got %+v", pages)
	}
	if len(surface.live()) != 1 {
		t.Fatalf("expected engine to hold one page, got %d", len(surface.live()))
	}
}

func TestNewSessionAdoptsExistingPages(t *testing.T) {
	surface := newFakeSurface("https://a", "https://b")
	fx := newSessionFixture(t, surface)
	pages := fx.session.Pages(context.Background())
	if len(pages) != 2 || !pages[0].Active || pages[1].URL != "https://b" {
		t.Fatalf("unexpected pages %+v", pages)
	}
}

func TestNewSessionClosesSurfaceOnFailure(t *testing.T) {
	surface := newFakeSurface()
	surface.failNext("list", schema.ErrEngineUnavailable)
	_, err := NewSession(context.Background(), schema.SessionConfig{}, SessionDeps{Surface: surface})
	if !errors.Is(err, schema.ErrEngineUnavailable) || !errors.Is(err, schema.ErrAdapter) {
		t.Fatalf("expected adapter error, got %v", err)
	}
	if !surface.closed {
		t.Fatalf("expected surface closed after failed start")
	}
}

func TestAddSwitchCloseScenario(t *testing.T) {
	fx := newSessionFixture(t, newFakeSurface())
	fx.sink.reset()

	if err := fx.dispatch(t, "c1", schema.Message{Type: schema.MsgAddTab}); err != nil {
		t.Fatalf("add tab: %v", err)
	}
	sent := fx.sink.sentTo("c1")
	if len(sent) != 1 || sent[0].Type != schema.EventTabAdded || !sent[0].Payload.(schema.TabAddedMessage).Success {
		t.Fatalf("expected tab_added success, got %+v", sent)
	}
	pages := fx.sink.lastPages(t)
	if len(pages) != 2 || !pages[0].Active || pages[1].URL != schema.BlankURL {
		t.Fatalf("expected [blank*, blank], got %+v", pages)
	}

	fx.sink.reset()
	if err := fx.dispatch(t, "c1", schema.Message{Type: schema.MsgSwitchPage, PageIndex: intPtr(1)}); err != nil {
		t.Fatalf("switch page: %v", err)
	}
	entries := fx.sink.all()
	if len(entries) != 2 {
		t.Fatalf("expected reply then broadcast, got %+v", entries)
	}
	if entries[0].target != "c1" || entries[0].event.Type != schema.EventPageSwitched {
		t.Fatalf("expected page_switched to requester first, got %+v", entries[0])
	}
	if got := entries[0].event.Payload.(schema.PageResultMessage); !got.Success || got.PageIndex != 1 {
		t.Fatalf("unexpected page_switched %+v", got)
	}
	if entries[1].target != "" || entries[1].event.Type != schema.EventPagesInfo {
		t.Fatalf("expected pages_info broadcast, got %+v", entries[1])
	}
	if pages := fx.sink.lastPages(t); !pages[1].Active || pages[0].Active {
		t.Fatalf("expected second page active, got %+v", pages)
	}

	fx.sink.reset()
	if err := fx.dispatch(t, "c1", schema.Message{Type: schema.MsgClosePage, PageIndex: intPtr(1)}); err != nil {
		t.Fatalf("close page: %v", err)
	}
	sent = fx.sink.sentTo("c1")
	if len(sent) != 1 || sent[0].Type != schema.EventPageClosed || !sent[0].Payload.(schema.PageResultMessage).Success {
		t.Fatalf("expected page_closed success, got %+v", sent)
	}
	pages = fx.sink.lastPages(t)
	if len(pages) != 1 || !pages[0].Active {
		t.Fatalf("expected single active page, got %+v", pages)
	}
	if len(fx.surface.live()) != 1 {
		t.Fatalf("expected engine page closed, got %d live", len(fx.surface.live()))
	}
}

func TestAddTabDebounce(t *testing.T) {
	fx := newSessionFixture(t, newFakeSurface())
	fx.sink.reset()

	if err := fx.dispatch(t, "c1", schema.Message{Type: schema.MsgAddTab}); err != nil {
		t.Fatalf("first add tab: %v", err)
	}
	fx.clock.Advance(100 * time.Millisecond)
	err := fx.dispatch(t, "c2", schema.Message{Type: schema.MsgAddTab})
	if !errors.Is(err, schema.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	sent := fx.sink.sentTo("c2")
	if len(sent) != 1 {
		t.Fatalf("expected one reply to second client, got %+v", sent)
	}
	reply := sent[0].Payload.(schema.TabAddedMessage)
	if reply.Success || reply.Reason != schema.ReasonDuplicateRequest {
		t.Fatalf("expected duplicate_request rejection, got %+v", reply)
	}
	if got := len(fx.session.Pages(context.Background())); got != 2 {
		t.Fatalf("expected exactly one new page, got %d pages", got)
	}

	fx.clock.Advance(schema.DefaultAddTabDebounce)
	if err := fx.dispatch(t, "c2", schema.Message{Type: schema.MsgAddTab}); err != nil {
		t.Fatalf("add tab after window: %v", err)
	}
	if got := len(fx.session.Pages(context.Background())); got != 3 {
		t.Fatalf("expected third page after window, got %d", got)
	}
}

func TestAddTabFailureReleasesDebounce(t *testing.T) {
	fx := newSessionFixture(t, newFakeSurface())
	fx.surface.failNext("open", schema.ErrEngineUnavailable)
	if err := fx.dispatch(t, "c1", schema.Message{Type: schema.MsgAddTab}); !errors.Is(err, schema.ErrAdapter) {
		t.Fatalf("expected adapter error, got %v", err)
	}
	reply := fx.sink.sentTo("c1")
	if len(reply) != 1 || reply[0].Payload.(schema.TabAddedMessage).Success {
		t.Fatalf("expected tab_added failure, got %+v", reply)
	}
	if err := fx.dispatch(t, "c1", schema.Message{Type: schema.MsgAddTab}); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestCloseLastPageRejected(t *testing.T) {
	fx := newSessionFixture(t, newFakeSurface())
	fx.sink.reset()
	err := fx.dispatch(t, "c1", schema.Message{Type: schema.MsgClosePage, PageIndex: intPtr(0)})
	if !errors.Is(err, schema.ErrLastPageProtected) {
		t.Fatalf("expected last page protection, got %v", err)
	}
	sent := fx.sink.sentTo("c1")
	if len(sent) == 0 || sent[0].Type != schema.EventPageClosed || sent[0].Payload.(schema.PageResultMessage).Success {
		t.Fatalf("expected page_closed failure, got %+v", sent)
	}
	if len(fx.sink.broadcasts()) != 0 {
		t.Fatalf("rejection must not broadcast, got %+v", fx.sink.broadcasts())
	}
	if len(fx.surface.live()) != 1 {
		t.Fatalf("expected engine page kept")
	}
}

func TestSwitchStaleIndexReconciles(t *testing.T) {
	surface := newFakeSurface("https://a", "https://b")
	fx := newSessionFixture(t, surface)
	surface.closeExternally(surface.live()[1].Handle)
	fx.sink.reset()

	err := fx.dispatch(t, "c1", schema.Message{Type: schema.MsgSwitchPage, PageIndex: intPtr(5)})
	if !errors.Is(err, schema.ErrStaleTarget) {
		t.Fatalf("expected stale target, got %v", err)
	}
	reply := fx.sink.sentTo("c1")
	if len(reply) != 1 || reply[0].Payload.(schema.PageResultMessage).Success {
		t.Fatalf("expected page_switched failure, got %+v", reply)
	}
	pages := fx.sink.lastPages(t)
	if len(pages) != 1 || pages[0].URL != "https://a" {
		t.Fatalf("expected corrected list, got %+v", pages)
	}
}

func TestAdapterErrorTriggersReconcile(t *testing.T) {
	surface := newFakeSurface("https://a", "https://b")
	fx := newSessionFixture(t, surface)
	if err := fx.dispatch(t, "c1", schema.Message{Type: schema.MsgSwitchPage, PageIndex: intPtr(1)}); err != nil {
		t.Fatalf("switch: %v", err)
	}
	// The active page dies outside the session; the next input fails.
	surface.closeExternally(surface.live()[1].Handle)
	fx.sink.reset()

	err := fx.dispatch(t, "c1", schema.Message{Type: schema.MsgMouseMove, X: 1, Y: 2})
	if !errors.Is(err, schema.ErrTargetClosed) {
		t.Fatalf("expected target closed, got %v", err)
	}
	pages := fx.sink.lastPages(t)
	if len(pages) != 1 || !pages[0].Active || pages[0].URL != "https://a" {
		t.Fatalf("expected reconciled list, got %+v", pages)
	}
	var sawError bool
	for _, event := range fx.sink.sentTo("c1") {
		if event.Type == schema.EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("expected error reply to requester")
	}
	calls := surface.callLog()
	if calls[len(calls)-1] != "activate t1" {
		t.Fatalf("expected engine re-activation of the successor, got %v", calls)
	}
}

func TestRefusedInputIsNotAdapterFailure(t *testing.T) {
	surface := newFakeSurface("https://a")
	fx := newSessionFixture(t, surface)
	fx.sink.reset()
	surface.failNext("key:Hyper", fmt.Errorf("%w: unsupported key %q", schema.ErrInvalidRequest, "Hyper"))

	err := fx.dispatch(t, "c1", schema.Message{Type: schema.MsgKeyPress, Key: "Hyper"})
	if !errors.Is(err, schema.ErrInvalidRequest) || errors.Is(err, schema.ErrAdapter) {
		t.Fatalf("expected a plain invalid request, got %v", err)
	}
	calls := surface.callLog()
	if calls[len(calls)-1] != "key:Hyper t1" {
		t.Fatalf("expected no reconcile after a refused key, got %v", calls)
	}
	if got := fx.sink.broadcasts(); len(got) != 0 {
		t.Fatalf("expected no broadcast, got %+v", got)
	}
	sent := fx.sink.sentTo("c1")
	if len(sent) != 1 || sent[0].Type != schema.EventError {
		t.Fatalf("expected one error reply, got %+v", sent)
	}
	payload, ok := sent[0].Payload.(schema.ErrorMessage)
	if !ok || !strings.Contains(payload.Message, "unsupported key") {
		t.Fatalf("expected the refusal reason in the reply, got %+v", sent[0].Payload)
	}
}

func TestEngineLosingAllPagesOpensReplacement(t *testing.T) {
	surface := newFakeSurface("https://a")
	fx := newSessionFixture(t, surface)
	surface.closeExternally(surface.live()[0].Handle)
	if err := fx.dispatch(t, "c1", schema.Message{Type: schema.MsgRefreshPages}); err != nil {
		t.Fatalf("refresh pages: %v", err)
	}
	pages := fx.sink.lastPages(t)
	if len(pages) != 1 || pages[0].URL != schema.BlankURL || !pages[0].Active {
		t.Fatalf("expected replacement blank page, got %+v", pages)
	}
}

func TestRefreshPagesAdoptsPopups(t *testing.T) {
	surface := newFakeSurface("https://a")
	fx := newSessionFixture(t, surface)
	surface.openExternally("https://popup")
	fx.sink.reset()
	if err := fx.dispatch(t, "c1", schema.Message{Type: schema.MsgRefreshPages}); err != nil {
		t.Fatalf("refresh pages: %v", err)
	}
	pages := fx.sink.lastPages(t)
	if len(pages) != 2 || pages[1].URL != "https://popup" || !pages[0].Active {
		t.Fatalf("expected adopted popup, got %+v", pages)
	}
}

func TestGetPagesRepliesToRequesterOnly(t *testing.T) {
	fx := newSessionFixture(t, newFakeSurface("https://a"))
	fx.sink.reset()
	if err := fx.dispatch(t, "c1", schema.Message{Type: schema.MsgGetPages}); err != nil {
		t.Fatalf("get pages: %v", err)
	}
	if len(fx.sink.broadcasts()) != 0 {
		t.Fatalf("expected no broadcast")
	}
	sent := fx.sink.sentTo("c1")
	if len(sent) != 1 || sent[0].Type != schema.EventPagesInfo {
		t.Fatalf("expected pages_info reply, got %+v", sent)
	}
}

func TestForceCleanupClosesSurplusBlanks(t *testing.T) {
	surface := newFakeSurface("https://a", schema.BlankURL, schema.BlankURL, schema.BlankURL)
	fx := newSessionFixture(t, surface)
	if err := fx.dispatch(t, "c1", schema.Message{Type: schema.MsgSwitchPage, PageIndex: intPtr(3)}); err != nil {
		t.Fatalf("switch: %v", err)
	}
	fx.sink.reset()
	if err := fx.dispatch(t, "c1", schema.Message{Type: schema.MsgForceCleanup}); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	pages := fx.sink.lastPages(t)
	if len(pages) != 3 {
		t.Fatalf("expected first blank and active blank kept, got %+v", pages)
	}
	if pages[0].URL != "https://a" || pages[1].URL != schema.BlankURL || !pages[2].Active {
		t.Fatalf("unexpected pages after cleanup %+v", pages)
	}
	checkActiveInvariant(t, fx.session.registry)
}

func TestNavigateRefreshesMetadata(t *testing.T) {
	fx := newSessionFixture(t, newFakeSurface("https://a"))
	fx.sink.reset()
	if err := fx.dispatch(t, "c1", schema.Message{Type: schema.MsgNavigate, URL: "example.com"}); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	pages := fx.sink.lastPages(t)
	if pages[0].URL != "https://example.com" || pages[0].Title != "Title of https://example.com" {
		t.Fatalf("expected refreshed metadata, got %+v", pages)
	}
}

func TestInvalidMessageRepliesError(t *testing.T) {
	fx := newSessionFixture(t, newFakeSurface("https://a"))
	fx.sink.reset()
	err := fx.dispatch(t, "c1", schema.Message{Type: "teleport"})
	if !errors.Is(err, schema.ErrUnknownMessage) {
		t.Fatalf("expected unknown message, got %v", err)
	}
	sent := fx.sink.sentTo("c1")
	if len(sent) != 1 || sent[0].Type != schema.EventError {
		t.Fatalf("expected error reply, got %+v", sent)
	}
	err = fx.dispatch(t, "c1", schema.Message{Type: schema.MsgMouseDown, Button: "thumb"})
	if !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestMouseClickPressesAndReleases(t *testing.T) {
	surface := newFakeSurface("https://a")
	fx := newSessionFixture(t, surface)
	if err := fx.dispatch(t, "c1", schema.Message{Type: schema.MsgMouseClick, X: 3, Y: 4}); err != nil {
		t.Fatalf("click: %v", err)
	}
	calls := surface.callLog()
	if calls[len(calls)-2] != "down:left t1" || calls[len(calls)-1] != "up:left t1" {
		t.Fatalf("expected press and release, got %v", calls)
	}
}

func TestDisconnectDoesNotCancelMutation(t *testing.T) {
	surface := newFakeSurface("https://a")
	fx := newSessionFixture(t, surface)
	gate := make(chan struct{})
	seen := make(chan struct{})
	surface.mu.Lock()
	surface.openGate, surface.openSeen = gate, seen
	surface.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- fx.session.Dispatch(ctx, "c1", schema.Message{Type: schema.MsgAddTab})
	}()
	<-seen
	cancel()
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("expected mutation to complete, got %v", err)
	}
	if got := len(fx.session.Pages(context.Background())); got != 2 {
		t.Fatalf("expected registry update despite disconnect, got %d pages", got)
	}
}

func TestGreetSendsPagesAndLatestFrame(t *testing.T) {
	fx := newSessionFixture(t, newFakeSurface("https://a"))
	fx.session.Greet(context.Background(), "c1")
	sent := fx.sink.sentTo("c1")
	if len(sent) != 1 || sent[0].Type != schema.EventPagesInfo {
		t.Fatalf("expected pages only before first frame, got %+v", sent)
	}
	if !fx.session.Streamer().Tick(context.Background()) {
		t.Fatalf("expected first tick to broadcast")
	}
	fx.sink.reset()
	fx.session.Greet(context.Background(), "c2")
	sent = fx.sink.sentTo("c2")
	if len(sent) != 2 || sent[1].Type != schema.EventScreenshot {
		t.Fatalf("expected pages and frame, got %+v", sent)
	}
	if !sent[1].Payload.(schema.ScreenshotMessage).ViewportChanged {
		t.Fatalf("expected greeting frame to carry viewport_changed")
	}
}

func TestClosedSessionRejectsCommands(t *testing.T) {
	fx := newSessionFixture(t, newFakeSurface("https://a"))
	if err := fx.session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := fx.session.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	err := fx.dispatch(t, "c1", schema.Message{Type: schema.MsgAddTab})
	if !errors.Is(err, schema.ErrSessionClosed) {
		t.Fatalf("expected session closed, got %v", err)
	}
	if fx.session.Healthy(context.Background()) {
		t.Fatalf("closed session must not report healthy")
	}
}
