// Package dispatch executes actions against a computer and captures the
// resulting observation.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/user/cua/pkg/computer"
	"github.com/user/cua/pkg/llm"
)

// DefaultWaitMs is used for a Wait action without a duration.
const DefaultWaitMs = 1000

// ErrUnsupportedAction is returned for actions no capability handles.
var ErrUnsupportedAction = errors.New("unsupported action")

// Dispatcher maps actions to capability calls.
type Dispatcher struct {
	// PageText attaches page markdown to observations when the backend
	// supports it.
	PageText bool
	logger   *zap.Logger
}

// New creates a dispatcher. A nil logger disables logging.
func New(logger *zap.Logger, pageText bool) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{PageText: pageText, logger: logger.Named("dispatch")}
}

// Execute performs exactly one capability call for action, then captures
// an observation.
func (d *Dispatcher) Execute(ctx context.Context, action llm.Action, c computer.Computer) (*llm.Observation, error) {
	var err error
	switch a := action.(type) {
	case llm.Click:
		err = c.Click(ctx, a.X, a.Y, a.Button)
	case llm.DoubleClick:
		err = c.DoubleClick(ctx, a.X, a.Y)
	case llm.Scroll:
		err = c.Scroll(ctx, a.X, a.Y, a.DX, a.DY)
	case llm.Type:
		err = c.Type(ctx, a.Text)
	case llm.Keypress:
		err = c.Keypress(ctx, a.Keys)
	case llm.Wait:
		ms := a.Ms
		if ms <= 0 {
			ms = DefaultWaitMs
		}
		err = c.Wait(ctx, ms)
	case llm.Move:
		err = c.Move(ctx, a.X, a.Y)
	case llm.Drag:
		err = c.Drag(ctx, a.Path)
	case llm.Screenshot:
	case llm.UnknownAction:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAction, describeUnknown(a))
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedAction, action)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action.Kind(), err)
	}

	d.logger.Debug("action executed", zap.String("action", llm.DescribeAction(action)))
	return d.Capture(ctx, c)
}

// Capture takes a screenshot and, for browsers, the current URL.
func (d *Dispatcher) Capture(ctx context.Context, c computer.Computer) (*llm.Observation, error) {
	img, err := c.Screenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	obs := &llm.Observation{Image: img}

	if c.Environment() == computer.EnvironmentBrowser {
		u, err := c.CurrentURL(ctx)
		if err != nil {
			return nil, fmt.Errorf("current url: %w", err)
		}
		obs.CurrentURL = u
	}

	if d.PageText {
		if pr, ok := c.(computer.PageReader); ok {
			text, err := pr.PageMarkdown(ctx)
			if err != nil {
				d.logger.Warn("page text unavailable", zap.Error(err))
			} else {
				obs.PageText = text
			}
		}
	}
	return obs, nil
}

func describeUnknown(a llm.UnknownAction) string {
	name := a.Type
	if name == "" {
		name = "<missing type>"
	}
	if a.Reason != "" {
		return name + " (" + a.Reason + ")"
	}
	return name
}
