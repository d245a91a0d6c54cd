package chromesurface

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"pkt.systems/cobrowse/core"
	"pkt.systems/cobrowse/schema"
	"pkt.systems/pslog"
)

const (
	defaultWidth         = 1280
	defaultHeight        = 720
	defaultJPEGQuality   = 70
	defaultActionTimeout = 15 * time.Second
)

// Config controls the Chrome process.
type Config struct {
	ExecPath    string
	UserDataDir string
	Headless    bool
	NoSandbox   bool
	Width       int
	Height      int
	JPEGQuality int
	// ActionTimeout bounds each CDP round trip.
	ActionTimeout time.Duration
}

// Surface drives a Chrome instance over the DevTools protocol. The session
// serializes calls; the internal mutex only guards the tab table against
// Close racing a call.
type Surface struct {
	cfg    Config
	logger pslog.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	// firstTab is the target created with the browser. Its context owns the
	// browser lifetime and is never canceled on its own.
	firstTab schema.PageHandle

	mu      sync.Mutex
	tabs    map[schema.PageHandle]*tab
	closing map[schema.PageHandle]struct{}
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	// last pointer position, used for wheel events which carry no coordinates
	x, y float64
}

var _ core.Surface = (*Surface)(nil)

// New launches Chrome and attaches to its first tab.
func New(ctx context.Context, cfg Config) (*Surface, error) {
	cfg = normalizeConfig(cfg)
	logger := pslog.Ctx(ctx).With("component", "chrome")

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.WindowSize(cfg.Width, cfg.Height),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			logger.Debug("chrome protocol error", "detail", fmt.Sprintf(format, args...))
		}),
	)
	// The first Run allocates the browser and must use the long-lived context.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("%w: start chrome: %w", schema.ErrEngineUnavailable, err)
	}
	c := chromedp.FromContext(browserCtx)
	first := schema.PageHandle(c.Target.TargetID)

	s := &Surface{
		cfg:           cfg,
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		firstTab:      first,
		tabs:          map[schema.PageHandle]*tab{first: {ctx: browserCtx}},
		closing:       map[schema.PageHandle]struct{}{},
	}
	logger.Info("chrome started", "headless", cfg.Headless, "width", cfg.Width, "height", cfg.Height, "user_data_dir", cfg.UserDataDir)
	return s, nil
}

func normalizeConfig(cfg Config) Config {
	if cfg.Width <= 0 {
		cfg.Width = defaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = defaultHeight
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = defaultJPEGQuality
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = defaultActionTimeout
	}
	return cfg
}

// ListLivePages returns the open page targets in the browser's order.
func (s *Surface) ListLivePages(ctx context.Context) ([]core.LivePage, error) {
	infos, err := s.targets(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[schema.PageHandle]struct{}, len(infos))
	out := make([]core.LivePage, 0, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		handle := schema.PageHandle(info.TargetID)
		seen[handle] = struct{}{}
		// Closed targets linger in the listing until Chrome tears them down.
		if _, ok := s.closing[handle]; ok {
			continue
		}
		out = append(out, core.LivePage{Handle: handle, URL: info.URL, Title: info.Title})
	}
	for handle := range s.closing {
		if _, ok := seen[handle]; !ok {
			delete(s.closing, handle)
		}
	}
	for handle, t := range s.tabs {
		if _, ok := seen[handle]; ok || handle == s.firstTab {
			continue
		}
		if t.cancel != nil {
			t.cancel()
		}
		delete(s.tabs, handle)
	}
	return out, nil
}

func (s *Surface) targets(ctx context.Context) ([]*target.Info, error) {
	runCtx, cancel := context.WithTimeout(s.browserCtx, s.cfg.ActionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	infos, err := chromedp.Targets(runCtx)
	if err != nil {
		return nil, classify(err)
	}
	return infos, nil
}

// OpenPage creates a tab and navigates it.
func (s *Surface) OpenPage(ctx context.Context, url string) (schema.PageHandle, error) {
	tabCtx, cancel := chromedp.NewContext(s.browserCtx)
	// Creating the target uses the tab's own context so the target outlives
	// this call.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return "", classify(err)
	}
	handle := schema.PageHandle(chromedp.FromContext(tabCtx).Target.TargetID)
	s.mu.Lock()
	s.tabs[handle] = &tab{ctx: tabCtx, cancel: cancel}
	s.mu.Unlock()
	if url != "" && url != schema.BlankURL {
		if err := s.run(ctx, tabCtx, chromedp.Navigate(url)); err != nil {
			s.logger.Warn("chrome initial navigation failed", "page", handle, "url", url, "err", err)
		}
	}
	s.logger.Debug("chrome page opened", "page", handle, "url", url)
	return handle, nil
}

// ClosePage closes the target.
func (s *Surface) ClosePage(ctx context.Context, handle schema.PageHandle) error {
	t, err := s.tab(ctx, handle)
	if err != nil {
		if errors.Is(err, schema.ErrTargetClosed) {
			return fmt.Errorf("%w: %s", schema.ErrNotFound, handle)
		}
		return err
	}
	if err := s.run(ctx, t.ctx, page.Close()); err != nil && !errors.Is(err, schema.ErrTargetClosed) {
		return err
	}
	s.mu.Lock()
	s.closing[handle] = struct{}{}
	delete(s.tabs, handle)
	s.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	s.logger.Debug("chrome page closed", "page", handle)
	return nil
}

// ActivatePage brings the target to the front.
func (s *Surface) ActivatePage(ctx context.Context, handle schema.PageHandle) error {
	return s.do(ctx, handle, page.BringToFront())
}

// Navigate loads url in the page and waits for the load event.
func (s *Surface) Navigate(ctx context.Context, handle schema.PageHandle, url string) error {
	return s.do(ctx, handle, chromedp.Navigate(url))
}

// GoBack steps back in the page history.
func (s *Surface) GoBack(ctx context.Context, handle schema.PageHandle) error {
	return s.do(ctx, handle, chromedp.NavigateBack())
}

// GoForward steps forward in the page history.
func (s *Surface) GoForward(ctx context.Context, handle schema.PageHandle) error {
	return s.do(ctx, handle, chromedp.NavigateForward())
}

// Reload reloads the page.
func (s *Surface) Reload(ctx context.Context, handle schema.PageHandle) error {
	return s.do(ctx, handle, chromedp.Reload())
}

// MouseMove moves the pointer and remembers it for wheel events.
func (s *Surface) MouseMove(ctx context.Context, handle schema.PageHandle, x, y float64) error {
	if err := s.do(ctx, handle, input.DispatchMouseEvent(input.MouseMoved, x, y)); err != nil {
		return err
	}
	s.rememberPointer(handle, x, y)
	return nil
}

// MouseDown presses button at x, y.
func (s *Surface) MouseDown(ctx context.Context, handle schema.PageHandle, x, y float64, button schema.MouseButton) error {
	event := input.DispatchMouseEvent(input.MousePressed, x, y).
		WithButton(cdpButton(button)).
		WithClickCount(1)
	if err := s.do(ctx, handle, event); err != nil {
		return err
	}
	s.rememberPointer(handle, x, y)
	return nil
}

// MouseUp releases button at x, y.
func (s *Surface) MouseUp(ctx context.Context, handle schema.PageHandle, x, y float64, button schema.MouseButton) error {
	event := input.DispatchMouseEvent(input.MouseReleased, x, y).
		WithButton(cdpButton(button)).
		WithClickCount(1)
	if err := s.do(ctx, handle, event); err != nil {
		return err
	}
	s.rememberPointer(handle, x, y)
	return nil
}

// MouseWheel scrolls at the last known pointer position.
func (s *Surface) MouseWheel(ctx context.Context, handle schema.PageHandle, deltaX, deltaY float64) error {
	t, err := s.tab(ctx, handle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	x, y := t.x, t.y
	s.mu.Unlock()
	event := input.DispatchMouseEvent(input.MouseWheel, x, y).
		WithDeltaX(deltaX).
		WithDeltaY(deltaY)
	return s.run(ctx, t.ctx, event)
}

// Key presses one named DOM key, or types it if it is a single character.
func (s *Surface) Key(ctx context.Context, handle schema.PageHandle, key string) error {
	action, err := keyAction(key)
	if err != nil {
		return err
	}
	return s.do(ctx, handle, action)
}

// TypeText inserts text at the focused element.
func (s *Surface) TypeText(ctx context.Context, handle schema.PageHandle, text string) error {
	return s.do(ctx, handle, input.InsertText(text))
}

// CaptureFrame takes a JPEG screenshot of the page and reads its viewport.
func (s *Surface) CaptureFrame(ctx context.Context, handle schema.PageHandle) (core.Frame, error) {
	var dims []int
	var data []byte
	err := s.do(ctx, handle,
		chromedp.Evaluate(`[window.innerWidth, window.innerHeight]`, &dims),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, err := page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatJpeg).
				WithQuality(int64(s.cfg.JPEGQuality)).
				Do(ctx)
			data = buf
			return err
		}),
	)
	if err != nil {
		return core.Frame{}, err
	}
	viewport := schema.Viewport{Width: s.cfg.Width, Height: s.cfg.Height}
	if len(dims) == 2 && dims[0] > 0 && dims[1] > 0 {
		viewport = schema.Viewport{Width: dims[0], Height: dims[1]}
	}
	return core.Frame{Data: data, Viewport: viewport}, nil
}

// Close shuts Chrome down.
func (s *Surface) Close() error {
	s.mu.Lock()
	tabs := s.tabs
	s.tabs = map[schema.PageHandle]*tab{}
	s.mu.Unlock()
	for _, t := range tabs {
		if t.cancel != nil {
			t.cancel()
		}
	}
	err := chromedp.Cancel(s.browserCtx)
	s.browserCancel()
	s.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("chrome shutdown incomplete", "err", err)
		return fmt.Errorf("close chrome: %w", err)
	}
	s.logger.Info("chrome stopped")
	return nil
}

func (s *Surface) rememberPointer(handle schema.PageHandle, x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tabs[handle]; ok {
		t.x, t.y = x, y
	}
}

// tab returns the attached context for handle, attaching on first use.
func (s *Surface) tab(ctx context.Context, handle schema.PageHandle) (*tab, error) {
	s.mu.Lock()
	t, ok := s.tabs[handle]
	_, closing := s.closing[handle]
	s.mu.Unlock()
	if closing {
		return nil, fmt.Errorf("%w: %s", schema.ErrTargetClosed, handle)
	}
	if ok {
		return t, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tabCtx, cancel := chromedp.NewContext(s.browserCtx, chromedp.WithTargetID(target.ID(handle)))
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, classify(err)
	}
	t = &tab{ctx: tabCtx, cancel: cancel}
	s.mu.Lock()
	s.tabs[handle] = t
	s.mu.Unlock()
	s.logger.Debug("chrome page attached", "page", handle)
	return t, nil
}

func (s *Surface) do(ctx context.Context, handle schema.PageHandle, actions ...chromedp.Action) error {
	t, err := s.tab(ctx, handle)
	if err != nil {
		return err
	}
	return s.run(ctx, t.ctx, actions...)
}

// run executes actions on tabCtx, bounded by the action timeout and by ctx.
func (s *Surface) run(ctx, tabCtx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(tabCtx, s.cfg.ActionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return classify(chromedp.Run(runCtx, actions...))
}

func cdpButton(button schema.MouseButton) input.MouseButton {
	switch button {
	case schema.ButtonRight:
		return input.Right
	case schema.ButtonMiddle:
		return input.Middle
	default:
		return input.Left
	}
}

// classify maps chromedp and protocol failures onto the surface error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, schema.ErrTargetClosed) || errors.Is(err, schema.ErrEngineUnavailable) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no target with given id"),
		strings.Contains(msg, "target closed"),
		strings.Contains(msg, "no session with given id"),
		strings.Contains(msg, "session with given id not found"),
		strings.Contains(msg, "cannot find context with specified id"):
		return fmt.Errorf("%w: %w", schema.ErrTargetClosed, err)
	default:
		return fmt.Errorf("%w: %w", schema.ErrEngineUnavailable, err)
	}
}
