// Package browser is a Chrome backend driven over the DevTools protocol.
package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/user/cua/pkg/computer"
)

// Config controls how Chrome is launched.
type Config struct {
	Width      int
	Height     int
	Headless   bool
	ChromePath string
	// PageTextLimit truncates PageMarkdown output. Zero means 20000 runes.
	PageTextLimit int
	// Guard, when set, fails every request whose URL it rejects before
	// Chrome sends it.
	Guard URLChecker
}

// URLChecker rejects URLs with a non-nil error.
type URLChecker interface {
	Check(rawURL string) error
}

const (
	mousePressed  = input.MouseType("mousePressed")
	mouseReleased = input.MouseType("mouseReleased")
	mouseMoved    = input.MouseType("mouseMoved")
	mouseWheel    = input.MouseType("mouseWheel")
)

// Browser is one Chrome process with a single tab.
type Browser struct {
	cfg    Config
	logger *zap.Logger

	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// Factory returns a computer.Factory that launches a new Chrome per session.
func Factory(cfg Config, logger *zap.Logger) computer.Factory {
	return func(ctx context.Context) (computer.Session, error) {
		return Open(ctx, cfg, logger)
	}
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.WindowSize(cfg.Width, cfg.Height),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-file-system", true),
		chromedp.NoSandbox,
	)
	if cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
	}
	return opts
}

// Open launches Chrome and waits until the tab is ready. ctx bounds the
// startup only.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 1024, 768
	}
	if cfg.PageTextLimit <= 0 {
		cfg.PageTextLimit = 20000
	}
	logger = logger.Named("browser")

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...))
		}),
	)
	b := &Browser{
		cfg:         cfg,
		logger:      logger,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
	}

	startup := []chromedp.Action{chromedp.EmulateViewport(int64(cfg.Width), int64(cfg.Height))}
	if cfg.Guard != nil {
		chromedp.ListenTarget(tabCtx, b.interceptRequest)
		startup = append(startup, fetch.Enable())
	}
	startup = append(startup, chromedp.Navigate("about:blank"))

	err := b.run(ctx, startup...)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	logger.Info("browser started",
		zap.Bool("headless", cfg.Headless),
		zap.Bool("guarded", cfg.Guard != nil),
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height),
	)
	return b, nil
}

// run executes actions on the tab, cancelled when either ctx or the browser
// ends.
func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errors.New("browser closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(b.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// interceptRequest answers paused requests. Listeners must not block, so
// the answer is sent from its own goroutine.
func (b *Browser) interceptRequest(ev any) {
	paused, ok := ev.(*fetch.EventRequestPaused)
	if !ok {
		return
	}
	go func() {
		action := requestVerdict(b.cfg.Guard, paused.RequestID, paused.Request.URL)
		if _, blocked := action.(*fetch.FailRequestParams); blocked {
			b.logger.Info("request blocked", zap.String("url", paused.Request.URL))
		}
		if err := chromedp.Run(b.tabCtx, action); err != nil && b.tabCtx.Err() == nil {
			b.logger.Debug("answer paused request", zap.String("url", paused.Request.URL), zap.Error(err))
		}
	}()
}

// requestVerdict fails requests the guard rejects and continues the rest.
func requestVerdict(guard URLChecker, id fetch.RequestID, url string) chromedp.Action {
	if err := guard.Check(url); err != nil {
		return fetch.FailRequest(id, network.ErrorReasonBlockedByClient)
	}
	return fetch.ContinueRequest(id)
}

func (b *Browser) Environment() computer.Environment { return computer.EnvironmentBrowser }

func (b *Browser) Dimensions() computer.Dimensions {
	return computer.Dimensions{Width: b.cfg.Width, Height: b.cfg.Height}
}

func (b *Browser) Screenshot(ctx context.Context) (string, error) {
	var buf []byte
	if err := b.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return "", fmt.Errorf("capture screenshot: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func mouse(typ input.MouseType, x, y int, button input.MouseButton, clicks int64) chromedp.Action {
	p := input.DispatchMouseEvent(typ, float64(x), float64(y))
	if button != "" {
		p = p.WithButton(button).WithClickCount(clicks)
	}
	return p
}

func cdpButton(b computer.Button) input.MouseButton {
	switch b {
	case computer.ButtonRight:
		return input.MouseButton("right")
	case computer.ButtonWheel:
		return input.MouseButton("middle")
	case computer.ButtonBack:
		return input.MouseButton("back")
	case computer.ButtonForward:
		return input.MouseButton("forward")
	default:
		return input.MouseButton("left")
	}
}

func (b *Browser) Click(ctx context.Context, x, y int, button computer.Button) error {
	btn := cdpButton(button)
	b.logger.Debug("click", zap.Int("x", x), zap.Int("y", y), zap.String("button", string(button)))
	return b.run(ctx,
		mouse(mouseMoved, x, y, "", 0),
		mouse(mousePressed, x, y, btn, 1),
		mouse(mouseReleased, x, y, btn, 1),
	)
}

func (b *Browser) DoubleClick(ctx context.Context, x, y int) error {
	left := cdpButton(computer.ButtonLeft)
	return b.run(ctx,
		mouse(mouseMoved, x, y, "", 0),
		mouse(mousePressed, x, y, left, 1),
		mouse(mouseReleased, x, y, left, 1),
		mouse(mousePressed, x, y, left, 2),
		mouse(mouseReleased, x, y, left, 2),
	)
}

func (b *Browser) Scroll(ctx context.Context, x, y, dx, dy int) error {
	return b.run(ctx,
		mouse(mouseMoved, x, y, "", 0),
		input.DispatchMouseEvent(mouseWheel, float64(x), float64(y)).
			WithDeltaX(float64(dx)).
			WithDeltaY(float64(dy)),
	)
}

// Type inserts text at the focus. Newlines are sent as Enter presses.
func (b *Browser) Type(ctx context.Context, text string) error {
	var actions []chromedp.Action
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			actions = append(actions, keyActions(nil, []computer.Key{computer.KeyEnter})...)
		}
		if line != "" {
			actions = append(actions, input.InsertText(line))
		}
	}
	if len(actions) == 0 {
		return nil
	}
	return b.run(ctx, actions...)
}

func (b *Browser) Wait(ctx context.Context, ms int) error {
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (b *Browser) Move(ctx context.Context, x, y int) error {
	return b.run(ctx, mouse(mouseMoved, x, y, "", 0))
}

func (b *Browser) Keypress(ctx context.Context, keys []string) error {
	mods, rest := computer.SplitChord(keys)
	if len(mods) == 0 && len(rest) == 0 {
		return errors.New("keypress without keys")
	}
	b.logger.Debug("keypress", zap.Strings("keys", keys))
	return b.run(ctx, keyActions(mods, rest)...)
}

func (b *Browser) Drag(ctx context.Context, path []computer.Point) error {
	if len(path) < 2 {
		return fmt.Errorf("drag needs at least 2 points, got %d", len(path))
	}
	left := cdpButton(computer.ButtonLeft)
	start, end := path[0], path[len(path)-1]
	actions := []chromedp.Action{
		mouse(mouseMoved, start.X, start.Y, "", 0),
		mouse(mousePressed, start.X, start.Y, left, 1),
	}
	for _, p := range path[1:] {
		actions = append(actions, input.DispatchMouseEvent(mouseMoved, float64(p.X), float64(p.Y)).
			WithButton(left).WithButtons(1))
	}
	actions = append(actions, mouse(mouseReleased, end.X, end.Y, left, 1))
	return b.run(ctx, actions...)
}

func (b *Browser) CurrentURL(ctx context.Context) (string, error) {
	var u string
	if err := b.run(ctx, chromedp.Location(&u)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return u, nil
}

// Navigate loads url in the tab.
func (b *Browser) Navigate(ctx context.Context, url string) error {
	b.logger.Debug("navigate", zap.String("url", url))
	return b.run(ctx, chromedp.Navigate(url))
}

// PageMarkdown renders the current document as markdown.
func (b *Browser) PageMarkdown(ctx context.Context) (string, error) {
	var html string
	if err := b.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return toMarkdown(html, b.cfg.PageTextLimit)
}

// Close terminates Chrome. It is safe to call more than once.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.tabCancel()
	b.allocCancel()
	b.logger.Info("browser closed")
	return nil
}

var (
	_ computer.Session    = (*Browser)(nil)
	_ computer.PageReader = (*Browser)(nil)
	_ computer.Navigator  = (*Browser)(nil)
)
