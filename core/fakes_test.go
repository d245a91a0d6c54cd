package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pkt.systems/cobrowse/schema"
)

type fakeSurface struct {
	mu       sync.Mutex
	pages    []LivePage
	active   schema.PageHandle
	nextID   int
	fail     map[string]error
	frame    []byte
	viewport schema.Viewport
	calls    []string
	closed   bool
	// openGate, when set, blocks OpenPage until it is closed.
	openGate chan struct{}
	openSeen chan struct{}
}

func newFakeSurface(urls ...string) *fakeSurface {
	f := &fakeSurface{
		fail:     map[string]error{},
		frame:    []byte("frame-1"),
		viewport: schema.Viewport{Width: 1280, Height: 720},
	}
	for _, url := range urls {
		f.addLocked(url)
	}
	return f
}

func (f *fakeSurface) addLocked(url string) schema.PageHandle {
	f.nextID++
	handle := schema.PageHandle(fmt.Sprintf("t%d", f.nextID))
	f.pages = append(f.pages, LivePage{Handle: handle, URL: url})
	return handle
}

func (f *fakeSurface) failNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

func (f *fakeSurface) takeFailure(op string) error {
	err, ok := f.fail[op]
	if ok {
		delete(f.fail, op)
	}
	return err
}

func (f *fakeSurface) record(call string) error {
	f.calls = append(f.calls, call)
	if f.closed {
		return schema.ErrEngineUnavailable
	}
	op := call
	for i, r := range call {
		if r == ' ' {
			op = call[:i]
			break
		}
	}
	return f.takeFailure(op)
}

func (f *fakeSurface) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSurface) live() []LivePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]LivePage(nil), f.pages...)
}

// closeExternally drops a page as if a user or script closed it.
func (f *fakeSurface) closeExternally(handle schema.PageHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(handle)
}

func (f *fakeSurface) openExternally(url string) schema.PageHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(url)
}

func (f *fakeSurface) setFrame(data string, vp schema.Viewport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frame = []byte(data)
	f.viewport = vp
}

func (f *fakeSurface) removeLocked(handle schema.PageHandle) bool {
	for i, page := range f.pages {
		if page.Handle == handle {
			f.pages = append(f.pages[:i], f.pages[i+1:]...)
			return true
		}
	}
	return false
}

func (f *fakeSurface) has(handle schema.PageHandle) bool {
	for _, page := range f.pages {
		if page.Handle == handle {
			return true
		}
	}
	return false
}

func (f *fakeSurface) ListLivePages(context.Context) ([]LivePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("list"); err != nil {
		return nil, err
	}
	return append([]LivePage(nil), f.pages...), nil
}

func (f *fakeSurface) OpenPage(_ context.Context, url string) (schema.PageHandle, error) {
	f.mu.Lock()
	gate, seen := f.openGate, f.openSeen
	f.mu.Unlock()
	if seen != nil {
		close(seen)
	}
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openGate, f.openSeen = nil, nil
	if err := f.record("open " + url); err != nil {
		return "", err
	}
	return f.addLocked(url), nil
}

func (f *fakeSurface) ClosePage(_ context.Context, handle schema.PageHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("close " + string(handle)); err != nil {
		return err
	}
	if !f.removeLocked(handle) {
		return schema.ErrNotFound
	}
	return nil
}

func (f *fakeSurface) ActivatePage(_ context.Context, handle schema.PageHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("activate " + string(handle)); err != nil {
		return err
	}
	if !f.has(handle) {
		return schema.ErrTargetClosed
	}
	f.active = handle
	return nil
}

func (f *fakeSurface) pageAction(call string, handle schema.PageHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(call + " " + string(handle)); err != nil {
		return err
	}
	if !f.has(handle) {
		return schema.ErrTargetClosed
	}
	return nil
}

func (f *fakeSurface) Navigate(_ context.Context, handle schema.PageHandle, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("navigate " + string(handle)); err != nil {
		return err
	}
	for i := range f.pages {
		if f.pages[i].Handle == handle {
			f.pages[i].URL = url
			f.pages[i].Title = "Title of " + url
			return nil
		}
	}
	return schema.ErrTargetClosed
}

func (f *fakeSurface) GoBack(_ context.Context, handle schema.PageHandle) error {
	return f.pageAction("back", handle)
}

func (f *fakeSurface) GoForward(_ context.Context, handle schema.PageHandle) error {
	return f.pageAction("forward", handle)
}

func (f *fakeSurface) Reload(_ context.Context, handle schema.PageHandle) error {
	return f.pageAction("reload", handle)
}

func (f *fakeSurface) MouseMove(_ context.Context, handle schema.PageHandle, _, _ float64) error {
	return f.pageAction("move", handle)
}

func (f *fakeSurface) MouseDown(_ context.Context, handle schema.PageHandle, _, _ float64, button schema.MouseButton) error {
	return f.pageAction("down:"+string(button), handle)
}

func (f *fakeSurface) MouseUp(_ context.Context, handle schema.PageHandle, _, _ float64, button schema.MouseButton) error {
	return f.pageAction("up:"+string(button), handle)
}

func (f *fakeSurface) MouseWheel(_ context.Context, handle schema.PageHandle, _, _ float64) error {
	return f.pageAction("wheel", handle)
}

func (f *fakeSurface) Key(_ context.Context, handle schema.PageHandle, key string) error {
	return f.pageAction("key:"+key, handle)
}

func (f *fakeSurface) TypeText(_ context.Context, handle schema.PageHandle, _ string) error {
	return f.pageAction("type", handle)
}

func (f *fakeSurface) CaptureFrame(_ context.Context, handle schema.PageHandle) (Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("capture " + string(handle)); err != nil {
		return Frame{}, err
	}
	if !f.has(handle) {
		return Frame{}, schema.ErrTargetClosed
	}
	return Frame{Data: append([]byte(nil), f.frame...), Viewport: f.viewport}, nil
}

func (f *fakeSurface) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type sinkEntry struct {
	target schema.ClientID // empty for broadcasts
	event  schema.Event
}

type recordingSink struct {
	mu      sync.Mutex
	entries []sinkEntry
}

func (r *recordingSink) Broadcast(event schema.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, sinkEntry{event: event})
}

func (r *recordingSink) Send(clientID schema.ClientID, event schema.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, sinkEntry{target: clientID, event: event})
}

func (r *recordingSink) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

func (r *recordingSink) all() []sinkEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sinkEntry(nil), r.entries...)
}

func (r *recordingSink) sentTo(clientID schema.ClientID) []schema.Event {
	var out []schema.Event
	for _, entry := range r.all() {
		if entry.target == clientID {
			out = append(out, entry.event)
		}
	}
	return out
}

func (r *recordingSink) broadcasts() []schema.Event {
	return r.sentTo("")
}

func (r *recordingSink) lastPages(t *testing.T) []schema.PageInfo {
	t.Helper()
	events := r.broadcasts()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == schema.EventPagesInfo {
			return events[i].Payload.(schema.PagesInfoMessage).Pages
		}
	}
	t.Fatalf("no pages_info broadcast recorded")
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sessionFixture struct {
	session *Session
	surface *fakeSurface
	sink    *recordingSink
	clock   *fakeClock
}

func newSessionFixture(t *testing.T, surface *fakeSurface) sessionFixture {
	t.Helper()
	sink := &recordingSink{}
	clock := newFakeClock()
	session, err := NewSession(context.Background(), schema.SessionConfig{}, SessionDeps{
		Surface: surface,
		Sink:    sink,
		Now:     clock.Now,
		Encoder: func(b []byte) string { return string(b) },
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return sessionFixture{session: session, surface: surface, sink: sink, clock: clock}
}

func (fx sessionFixture) dispatch(t *testing.T, clientID schema.ClientID, msg schema.Message) error {
	t.Helper()
	return fx.session.Dispatch(context.Background(), clientID, msg)
}

func intPtr(v int) *int {
	return &v
}

func checkActiveInvariant(t *testing.T, r *Registry) {
	t.Helper()
	if r.Len() == 0 {
		if r.ActiveIndex() != -1 {
			t.Fatalf("expected no active index on empty registry, got %d", r.ActiveIndex())
		}
		return
	}
	if idx := r.ActiveIndex(); idx < 0 || idx >= r.Len() {
		t.Fatalf("active index %d out of range for %d pages", idx, r.Len())
	}
	seen := map[schema.PageHandle]bool{}
	for _, page := range r.List() {
		if seen[page.Handle] {
			t.Fatalf("duplicate handle %q in registry", page.Handle)
		}
		seen[page.Handle] = true
	}
}

var errBoom = errors.New("boom")
