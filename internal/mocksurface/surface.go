package mocksurface

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"sync"

	"pkt.systems/cobrowse/core"
	"pkt.systems/cobrowse/schema"
)

// Surface is an in-memory rendering engine. Each page renders as a solid
// color derived from its URL with a marker at the last pointer position, so
// navigation and input visibly change the frame.
type Surface struct {
	mu       sync.Mutex
	pages    []*mockPage
	active   schema.PageHandle
	nextID   int
	viewport schema.Viewport
	quality  int
	fail     map[string]error
	closed   bool
}

type mockPage struct {
	handle  schema.PageHandle
	history []string
	cursor  int
	title   string
	x, y    int
	typed   strings.Builder
}

func (p *mockPage) url() string {
	return p.history[p.cursor]
}

var _ core.Surface = (*Surface)(nil)

// Options seeds a mock surface.
type Options struct {
	Viewport    schema.Viewport
	JPEGQuality int
	// URLs are opened as pages at construction, in order.
	URLs []string
}

// New returns a mock surface.
func New(opts Options) *Surface {
	if opts.Viewport.IsZero() {
		opts.Viewport = schema.Viewport{Width: 640, Height: 360}
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 60
	}
	s := &Surface{
		viewport: opts.Viewport,
		quality:  opts.JPEGQuality,
		fail:     map[string]error{},
	}
	for _, url := range opts.URLs {
		s.addLocked(url)
	}
	return s
}

// OpenExternally adds a page the session did not ask for, like a popup.
func (s *Surface) OpenExternally(url string) schema.PageHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(url).handle
}

// CloseExternally drops a page behind the session's back.
func (s *Surface) CloseExternally(handle schema.PageHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(handle)
}

// FailNext makes the next call of op return err. Op names match the method
// names, for example "CaptureFrame" or "OpenPage".
func (s *Surface) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = err
}

// SetViewport changes the rendered size.
func (s *Surface) SetViewport(vp schema.Viewport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewport = vp
}

// Typed returns the text typed into a page.
func (s *Surface) Typed(handle schema.PageHandle) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.findLocked(handle); p != nil {
		return p.typed.String()
	}
	return ""
}

// Active returns the page last brought to the front.
func (s *Surface) Active() schema.PageHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Surface) addLocked(url string) *mockPage {
	s.nextID++
	p := &mockPage{
		handle:  schema.PageHandle(fmt.Sprintf("mock-%d", s.nextID)),
		history: []string{url},
		title:   titleFor(url),
	}
	s.pages = append(s.pages, p)
	return p
}

func (s *Surface) removeLocked(handle schema.PageHandle) bool {
	for i, p := range s.pages {
		if p.handle == handle {
			s.pages = append(s.pages[:i], s.pages[i+1:]...)
			if s.active == handle {
				s.active = ""
			}
			return true
		}
	}
	return false
}

func (s *Surface) findLocked(handle schema.PageHandle) *mockPage {
	for _, p := range s.pages {
		if p.handle == handle {
			return p
		}
	}
	return nil
}

// enter takes the lock and applies closed state and injected failures.
func (s *Surface) enter(op string) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: surface closed", schema.ErrEngineUnavailable)
	}
	if err, ok := s.fail[op]; ok {
		delete(s.fail, op)
		s.mu.Unlock()
		return nil, err
	}
	return s.mu.Unlock, nil
}

func (s *Surface) pageLocked(handle schema.PageHandle) (*mockPage, error) {
	p := s.findLocked(handle)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", schema.ErrTargetClosed, handle)
	}
	return p, nil
}

func (s *Surface) ListLivePages(context.Context) ([]core.LivePage, error) {
	unlock, err := s.enter("ListLivePages")
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([]core.LivePage, 0, len(s.pages))
	for _, p := range s.pages {
		out = append(out, core.LivePage{Handle: p.handle, URL: p.url(), Title: p.title})
	}
	return out, nil
}

func (s *Surface) OpenPage(_ context.Context, url string) (schema.PageHandle, error) {
	unlock, err := s.enter("OpenPage")
	if err != nil {
		return "", err
	}
	defer unlock()
	return s.addLocked(url).handle, nil
}

func (s *Surface) ClosePage(_ context.Context, handle schema.PageHandle) error {
	unlock, err := s.enter("ClosePage")
	if err != nil {
		return err
	}
	defer unlock()
	if !s.removeLocked(handle) {
		return fmt.Errorf("%w: %s", schema.ErrNotFound, handle)
	}
	return nil
}

func (s *Surface) ActivatePage(_ context.Context, handle schema.PageHandle) error {
	unlock, err := s.enter("ActivatePage")
	if err != nil {
		return err
	}
	defer unlock()
	if _, err := s.pageLocked(handle); err != nil {
		return err
	}
	s.active = handle
	return nil
}

func (s *Surface) Navigate(_ context.Context, handle schema.PageHandle, url string) error {
	unlock, err := s.enter("Navigate")
	if err != nil {
		return err
	}
	defer unlock()
	p, err := s.pageLocked(handle)
	if err != nil {
		return err
	}
	p.history = append(p.history[:p.cursor+1], url)
	p.cursor = len(p.history) - 1
	p.title = titleFor(url)
	return nil
}

func (s *Surface) GoBack(_ context.Context, handle schema.PageHandle) error {
	unlock, err := s.enter("GoBack")
	if err != nil {
		return err
	}
	defer unlock()
	p, err := s.pageLocked(handle)
	if err != nil {
		return err
	}
	if p.cursor > 0 {
		p.cursor--
		p.title = titleFor(p.url())
	}
	return nil
}

func (s *Surface) GoForward(_ context.Context, handle schema.PageHandle) error {
	unlock, err := s.enter("GoForward")
	if err != nil {
		return err
	}
	defer unlock()
	p, err := s.pageLocked(handle)
	if err != nil {
		return err
	}
	if p.cursor < len(p.history)-1 {
		p.cursor++
		p.title = titleFor(p.url())
	}
	return nil
}

func (s *Surface) Reload(_ context.Context, handle schema.PageHandle) error {
	unlock, err := s.enter("Reload")
	if err != nil {
		return err
	}
	defer unlock()
	_, err = s.pageLocked(handle)
	return err
}

func (s *Surface) pointer(op string, handle schema.PageHandle, x, y float64) error {
	unlock, err := s.enter(op)
	if err != nil {
		return err
	}
	defer unlock()
	p, err := s.pageLocked(handle)
	if err != nil {
		return err
	}
	p.x, p.y = int(x), int(y)
	return nil
}

func (s *Surface) MouseMove(_ context.Context, handle schema.PageHandle, x, y float64) error {
	return s.pointer("MouseMove", handle, x, y)
}

func (s *Surface) MouseDown(_ context.Context, handle schema.PageHandle, x, y float64, _ schema.MouseButton) error {
	return s.pointer("MouseDown", handle, x, y)
}

func (s *Surface) MouseUp(_ context.Context, handle schema.PageHandle, x, y float64, _ schema.MouseButton) error {
	return s.pointer("MouseUp", handle, x, y)
}

func (s *Surface) MouseWheel(_ context.Context, handle schema.PageHandle, _, deltaY float64) error {
	unlock, err := s.enter("MouseWheel")
	if err != nil {
		return err
	}
	defer unlock()
	p, err := s.pageLocked(handle)
	if err != nil {
		return err
	}
	p.y += int(deltaY)
	return nil
}

func (s *Surface) Key(_ context.Context, handle schema.PageHandle, key string) error {
	unlock, err := s.enter("Key")
	if err != nil {
		return err
	}
	defer unlock()
	p, err := s.pageLocked(handle)
	if err != nil {
		return err
	}
	switch strings.ToLower(key) {
	case "backspace":
		text := p.typed.String()
		if text != "" {
			runes := []rune(text)
			p.typed.Reset()
			p.typed.WriteString(string(runes[:len(runes)-1]))
		}
	case "enter":
		p.typed.WriteString("\n")
	default:
		if len([]rune(key)) == 1 {
			p.typed.WriteString(key)
		}
	}
	return nil
}

func (s *Surface) TypeText(_ context.Context, handle schema.PageHandle, text string) error {
	unlock, err := s.enter("TypeText")
	if err != nil {
		return err
	}
	defer unlock()
	p, err := s.pageLocked(handle)
	if err != nil {
		return err
	}
	p.typed.WriteString(text)
	return nil
}

func (s *Surface) CaptureFrame(_ context.Context, handle schema.PageHandle) (core.Frame, error) {
	unlock, err := s.enter("CaptureFrame")
	if err != nil {
		return core.Frame{}, err
	}
	defer unlock()
	p, err := s.pageLocked(handle)
	if err != nil {
		return core.Frame{}, err
	}
	data, err := render(s.viewport, p.url(), p.x, p.y, s.quality)
	if err != nil {
		return core.Frame{}, fmt.Errorf("%w: encode frame: %w", schema.ErrEngineUnavailable, err)
	}
	return core.Frame{Data: data, Viewport: s.viewport}, nil
}

func (s *Surface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

const markerSize = 8

func render(vp schema.Viewport, url string, x, y, quality int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, vp.Width, vp.Height))
	bg := colorFor(url)
	marker := color.RGBA{R: 255 - bg.R, G: 255 - bg.G, B: 255 - bg.B, A: 255}
	for py := 0; py < vp.Height; py++ {
		for px := 0; px < vp.Width; px++ {
			c := bg
			if abs(px-x) < markerSize && abs(py-y) < markerSize {
				c = marker
			}
			img.SetRGBA(px, py, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func colorFor(url string) color.RGBA {
	h := fnv.New32a()
	_, _ = h.Write([]byte(url))
	sum := h.Sum32()
	return color.RGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: 255}
}

func titleFor(url string) string {
	if url == "" || url == schema.BlankURL {
		return ""
	}
	trimmed := url
	if i := strings.Index(trimmed, "://"); i >= 0 {
		trimmed = trimmed[i+3:]
	}
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
