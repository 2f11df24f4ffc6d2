// Package computer defines the capability contract every automation backend
// implements so it can be driven by the action dispatcher.
package computer

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Environment identifies the kind of surface a backend controls.
type Environment string

const (
	EnvironmentBrowser Environment = "browser"
	EnvironmentWindows Environment = "windows"
	EnvironmentLinux   Environment = "linux"
	EnvironmentMac     Environment = "mac"
)

// ParseEnvironment validates an environment name.
func ParseEnvironment(s string) (Environment, error) {
	switch env := Environment(strings.ToLower(strings.TrimSpace(s))); env {
	case EnvironmentBrowser, EnvironmentWindows, EnvironmentLinux, EnvironmentMac:
		return env, nil
	default:
		return "", fmt.Errorf("unknown environment %q", s)
	}
}

// Dimensions is the display size in backend pixels.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Descriptor is the fixed metadata of a backend session.
type Descriptor struct {
	Environment Environment `json:"environment"`
	Dimensions  Dimensions  `json:"dimensions"`
}

// Describe returns the descriptor of c.
func Describe(c Computer) Descriptor {
	return Descriptor{Environment: c.Environment(), Dimensions: c.Dimensions()}
}

// Button is a pointer button name.
type Button string

const (
	ButtonLeft    Button = "left"
	ButtonRight   Button = "right"
	ButtonWheel   Button = "wheel"
	ButtonBack    Button = "back"
	ButtonForward Button = "forward"
)

// ParseButton normalizes a button name. An empty name means left; "middle"
// is accepted as an alias of wheel.
func ParseButton(s string) (Button, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "left":
		return ButtonLeft, nil
	case "right":
		return ButtonRight, nil
	case "wheel", "middle":
		return ButtonWheel, nil
	case "back":
		return ButtonBack, nil
	case "forward":
		return ButtonForward, nil
	default:
		return "", fmt.Errorf("unknown button %q", s)
	}
}

// Point is a coordinate in backend pixel space.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Computer is the capability contract. Screenshot returns base64-encoded PNG
// bytes. CurrentURL returns "" where the notion does not apply.
type Computer interface {
	Environment() Environment
	Dimensions() Dimensions

	Screenshot(ctx context.Context) (string, error)
	Click(ctx context.Context, x, y int, button Button) error
	DoubleClick(ctx context.Context, x, y int) error
	Scroll(ctx context.Context, x, y, dx, dy int) error
	Type(ctx context.Context, text string) error
	Wait(ctx context.Context, ms int) error
	Move(ctx context.Context, x, y int) error
	Keypress(ctx context.Context, keys []string) error
	Drag(ctx context.Context, path []Point) error
	CurrentURL(ctx context.Context) (string, error)
}

// Session is a Computer that owns a backend session and must be closed.
type Session interface {
	Computer
	io.Closer
}

// Factory acquires a new backend session.
type Factory func(ctx context.Context) (Session, error)

// PageReader is implemented by backends that can render the current page as
// markdown text.
type PageReader interface {
	PageMarkdown(ctx context.Context) (string, error)
}

// Navigator is implemented by backends that can load a URL directly.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}
