// Package docker drives an X11 desktop inside a running container with
// xdotool and ImageMagick.
package docker

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/user/cua/pkg/computer"
)

// scrollStep is the pixel distance of one wheel click.
const scrollStep = 100

// Config selects the container and display to drive.
type Config struct {
	Container string
	Display   string
	Width     int
	Height    int
}

// Runner executes a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands on the host.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Desktop is a container display.
type Desktop struct {
	cfg    Config
	run    Runner
	logger *zap.Logger
}

// New creates a Desktop. A nil runner uses ExecRunner.
func New(cfg Config, run Runner, logger *zap.Logger) (*Desktop, error) {
	if cfg.Container == "" {
		return nil, errors.New("docker computer needs a container name")
	}
	if cfg.Display == "" {
		cfg.Display = ":99"
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 1024, 768
	}
	if run == nil {
		run = ExecRunner
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Desktop{cfg: cfg, run: run, logger: logger.Named("docker")}, nil
}

// Factory returns a computer.Factory that checks the container is reachable
// before handing out a Desktop.
func Factory(cfg Config, run Runner, logger *zap.Logger) computer.Factory {
	return func(ctx context.Context) (computer.Session, error) {
		d, err := New(cfg, run, logger)
		if err != nil {
			return nil, err
		}
		if _, err := d.exec(ctx, "xdotool getdisplaygeometry"); err != nil {
			return nil, fmt.Errorf("reach container %s: %w", cfg.Container, err)
		}
		return d, nil
	}
}

// exec runs script inside the container with DISPLAY set.
func (d *Desktop) exec(ctx context.Context, script string) ([]byte, error) {
	full := "export DISPLAY=" + shellquote.Join(d.cfg.Display) + " && " + script
	d.logger.Debug("exec", zap.String("container", d.cfg.Container), zap.String("script", script))
	return d.run(ctx, "docker", "exec", d.cfg.Container, "sh", "-c", full)
}

func (d *Desktop) xdotool(ctx context.Context, args ...string) error {
	_, err := d.exec(ctx, "xdotool "+shellquote.Join(args...))
	return err
}

func itoa(n int) string { return strconv.Itoa(n) }

func (d *Desktop) Environment() computer.Environment { return computer.EnvironmentLinux }

func (d *Desktop) Dimensions() computer.Dimensions {
	return computer.Dimensions{Width: d.cfg.Width, Height: d.cfg.Height}
}

func (d *Desktop) Screenshot(ctx context.Context) (string, error) {
	out, err := d.exec(ctx, "import -window root png:-")
	if err != nil {
		return "", fmt.Errorf("capture screenshot: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

func xButton(b computer.Button) string {
	switch b {
	case computer.ButtonWheel:
		return "2"
	case computer.ButtonRight:
		return "3"
	case computer.ButtonBack:
		return "8"
	case computer.ButtonForward:
		return "9"
	default:
		return "1"
	}
}

func (d *Desktop) Click(ctx context.Context, x, y int, button computer.Button) error {
	return d.xdotool(ctx, "mousemove", itoa(x), itoa(y), "click", xButton(button))
}

func (d *Desktop) DoubleClick(ctx context.Context, x, y int) error {
	return d.xdotool(ctx, "mousemove", itoa(x), itoa(y), "click", "--repeat", "2", "1")
}

func wheelClicks(delta int) int {
	if delta < 0 {
		delta = -delta
	}
	return (delta + scrollStep - 1) / scrollStep
}

func (d *Desktop) Scroll(ctx context.Context, x, y, dx, dy int) error {
	args := []string{"mousemove", itoa(x), itoa(y)}
	if n := wheelClicks(dy); n > 0 {
		button := "5"
		if dy < 0 {
			button = "4"
		}
		args = append(args, "click", "--repeat", itoa(n), button)
	}
	if n := wheelClicks(dx); n > 0 {
		button := "7"
		if dx < 0 {
			button = "6"
		}
		args = append(args, "click", "--repeat", itoa(n), button)
	}
	return d.xdotool(ctx, args...)
}

func (d *Desktop) Type(ctx context.Context, text string) error {
	return d.xdotool(ctx, "type", "--delay", "12", "--", text)
}

func (d *Desktop) Wait(ctx context.Context, ms int) error {
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Desktop) Move(ctx context.Context, x, y int) error {
	return d.xdotool(ctx, "mousemove", itoa(x), itoa(y))
}

var xKeys = map[computer.Key]string{
	computer.KeyCtrl:      "ctrl",
	computer.KeyAlt:       "alt",
	computer.KeyShift:     "shift",
	computer.KeyMeta:      "super",
	computer.KeyEnter:     "Return",
	computer.KeyBackspace: "BackSpace",
	computer.KeyEscape:    "Escape",
	computer.KeyTab:       "Tab",
	computer.KeySpace:     "space",
	computer.KeyUp:        "Up",
	computer.KeyDown:      "Down",
	computer.KeyLeft:      "Left",
	computer.KeyRight:     "Right",
	computer.KeyPageUp:    "Page_Up",
	computer.KeyPageDown:  "Page_Down",
	computer.KeyHome:      "Home",
	computer.KeyEnd:       "End",
	computer.KeyInsert:    "Insert",
	computer.KeyDelete:    "Delete",
}

// keysym returns the X keysym name of k.
func keysym(k computer.Key) string {
	if s, ok := xKeys[k]; ok {
		return s
	}
	name := string(k)
	if len(name) >= 2 && name[0] == 'F' {
		if _, err := strconv.Atoi(name[1:]); err == nil {
			return name
		}
	}
	if len([]rune(name)) == 1 {
		return name
	}
	return strings.ToLower(name)
}

// Keypress sends the keys as one chord with modifiers first.
func (d *Desktop) Keypress(ctx context.Context, keys []string) error {
	mods, rest := computer.SplitChord(keys)
	var names []string
	for _, k := range append(mods, rest...) {
		names = append(names, keysym(k))
	}
	if len(names) == 0 {
		return errors.New("keypress without keys")
	}
	return d.xdotool(ctx, "key", strings.Join(names, "+"))
}

func (d *Desktop) Drag(ctx context.Context, path []computer.Point) error {
	if len(path) < 2 {
		return fmt.Errorf("drag needs at least 2 points, got %d", len(path))
	}
	args := []string{"mousemove", itoa(path[0].X), itoa(path[0].Y), "mousedown", "1"}
	for _, p := range path[1:] {
		args = append(args, "mousemove", itoa(p.X), itoa(p.Y))
	}
	args = append(args, "mouseup", "1")
	return d.xdotool(ctx, args...)
}

// CurrentURL is always empty on a desktop.
func (d *Desktop) CurrentURL(context.Context) (string, error) { return "", nil }

func (d *Desktop) Close() error { return nil }

var _ computer.Session = (*Desktop)(nil)
