// Package computertest provides a recording computer for tests.
package computertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/user/cua/pkg/computer"
)

// Call is one recorded capability invocation.
type Call struct {
	Method string
	Args   []any
}

func (c Call) String() string {
	return fmt.Sprintf("%s%v", c.Method, c.Args)
}

// Fake records every call and returns configured results.
type Fake struct {
	Env   computer.Environment
	Dims  computer.Dimensions
	URL   string
	Image string
	Page  string

	// Errors makes the named method fail.
	Errors map[string]error
	// OnCall runs after a call is recorded, before the result is returned.
	OnCall func(Call)

	mu     sync.Mutex
	calls  []Call
	closed bool
}

// New returns a browser fake with a 1024x768 display.
func New() *Fake {
	return &Fake{
		Env:   computer.EnvironmentBrowser,
		Dims:  computer.Dimensions{Width: 1024, Height: 768},
		Image: "iVBORw0KGgo=",
	}
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Methods returns the recorded method names in order.
func (f *Fake) Methods() []string {
	var out []string
	for _, c := range f.Calls() {
		out = append(out, c.Method)
	}
	return out
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) record(ctx context.Context, method string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := Call{Method: method, Args: args}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	err := f.Errors[method]
	hook := f.OnCall
	f.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	return err
}

func (f *Fake) Environment() computer.Environment { return f.Env }
func (f *Fake) Dimensions() computer.Dimensions   { return f.Dims }

func (f *Fake) Screenshot(ctx context.Context) (string, error) {
	if err := f.record(ctx, "Screenshot"); err != nil {
		return "", err
	}
	return f.Image, nil
}

func (f *Fake) Click(ctx context.Context, x, y int, button computer.Button) error {
	return f.record(ctx, "Click", x, y, button)
}

func (f *Fake) DoubleClick(ctx context.Context, x, y int) error {
	return f.record(ctx, "DoubleClick", x, y)
}

func (f *Fake) Scroll(ctx context.Context, x, y, dx, dy int) error {
	return f.record(ctx, "Scroll", x, y, dx, dy)
}

func (f *Fake) Type(ctx context.Context, text string) error {
	return f.record(ctx, "Type", text)
}

func (f *Fake) Wait(ctx context.Context, ms int) error {
	return f.record(ctx, "Wait", ms)
}

func (f *Fake) Move(ctx context.Context, x, y int) error {
	return f.record(ctx, "Move", x, y)
}

func (f *Fake) Keypress(ctx context.Context, keys []string) error {
	return f.record(ctx, "Keypress", keys)
}

func (f *Fake) Drag(ctx context.Context, path []computer.Point) error {
	return f.record(ctx, "Drag", path)
}

func (f *Fake) CurrentURL(ctx context.Context) (string, error) {
	if err := f.record(ctx, "CurrentURL"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.URL, nil
}

// SetURL changes the URL reported by CurrentURL.
func (f *Fake) SetURL(u string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.URL = u
}

func (f *Fake) PageMarkdown(ctx context.Context) (string, error) {
	if err := f.record(ctx, "PageMarkdown"); err != nil {
		return "", err
	}
	return f.Page, nil
}

func (f *Fake) Navigate(ctx context.Context, url string) error {
	if err := f.record(ctx, "Navigate", url); err != nil {
		return err
	}
	f.SetURL(url)
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Factory returns a computer.Factory that always hands out f.
func (f *Fake) Factory() computer.Factory {
	return func(context.Context) (computer.Session, error) { return f, nil }
}

var (
	_ computer.Session    = (*Fake)(nil)
	_ computer.PageReader = (*Fake)(nil)
	_ computer.Navigator  = (*Fake)(nil)
)
