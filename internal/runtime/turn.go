package runtime

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/user/cua/internal/dispatch"
	"github.com/user/cua/internal/metrics"
	"github.com/user/cua/internal/safety"
	"github.com/user/cua/internal/urlguard"
	"github.com/user/cua/pkg/computer"
	"github.com/user/cua/pkg/llm"
)

// State is the position of a turn in its lifecycle.
type State string

const (
	StateAwaitingModel State = "awaiting_model"
	StateDispatching   State = "dispatching"
	StateDone          State = "done"
	StateYielded       State = "yielded"
	StateAborted       State = "aborted"
)

// DefaultMaxRounds bounds the model queries of one turn when Config leaves
// MaxRounds unset.
const DefaultMaxRounds = 50

// ErrMaxRounds aborts a turn that keeps requesting actions.
var ErrMaxRounds = errors.New("max model rounds exceeded")

// Observer is told about every item appended to a turn, in order.
type Observer interface {
	OnItem(item llm.Item)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(item llm.Item)

func (f ObserverFunc) OnItem(item llm.Item) { f(item) }

// Config holds the per-turn model settings.
type Config struct {
	Model        string
	System       string
	MaxTokens    int
	MaxRounds    int
	StopOnDenial bool
}

// Deps are the collaborators of a turn. Provider and Computer are required;
// the rest fall back to permissive defaults.
type Deps struct {
	Provider    llm.Provider
	Computer    computer.Computer
	Guard       *urlguard.Guard
	Gate        *safety.Gate
	Dispatcher  *dispatch.Dispatcher
	Acknowledge safety.AcknowledgeFunc
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Result is the outcome of RunTurn. Items holds only what the turn appended;
// every ActionCall in it is paired with an ActionResult.
type Result struct {
	Items   []llm.Item
	State   State
	Denials []*safety.DeniedError
	Usage   llm.Usage
	Rounds  int
}

// FinalText returns the text of the last assistant message, or "".
func (r *Result) FinalText() string {
	for i := len(r.Items) - 1; i >= 0; i-- {
		if m, ok := r.Items[i].(llm.AssistantMessage); ok {
			return m.Text()
		}
	}
	return ""
}

// Runtime drives the model and the computer through one turn at a time.
type Runtime struct {
	cfg       Config
	deps      Deps
	logger    *zap.Logger
	observers []Observer
}

// New creates a Runtime.
func New(cfg Config, deps Deps) *Runtime {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Guard == nil {
		deps.Guard = urlguard.New(urlguard.DefaultBlocked)
	}
	if deps.Gate == nil {
		deps.Gate = safety.NewGate(deps.Logger)
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = dispatch.New(deps.Logger, false)
	}
	return &Runtime{cfg: cfg, deps: deps, logger: deps.Logger.Named("runtime")}
}

// AddObserver registers o for every item appended by later turns.
func (rt *Runtime) AddObserver(o Observer) {
	rt.observers = append(rt.observers, o)
}

// Computer returns the backend the runtime drives.
func (rt *Runtime) Computer() computer.Computer {
	return rt.deps.Computer
}

// RunTurn queries the model with conversation and executes the actions it
// requests until it answers without actions. On a fatal error the returned
// Result still holds the paired tail accumulated so far.
func (rt *Runtime) RunTurn(ctx context.Context, conversation []llm.Item) (*Result, error) {
	if open := llm.Unresolved(conversation); len(open) > 0 {
		return nil, fmt.Errorf("conversation has %d unresolved action calls (first %s)", len(open), open[0].CallID)
	}

	res := &Result{State: StateAwaitingModel}
	tool := llm.ToolFor(rt.deps.Computer)
	vendor := rt.deps.Provider.Vendor()

	for {
		if res.Rounds >= rt.cfg.MaxRounds {
			return rt.finish(res, StateAborted, fmt.Errorf("%w (%d)", ErrMaxRounds, rt.cfg.MaxRounds))
		}
		if err := ctx.Err(); err != nil {
			return rt.finish(res, StateAborted, err)
		}

		res.State = StateAwaitingModel
		res.Rounds++
		items := make([]llm.Item, 0, len(conversation)+len(res.Items))
		items = append(append(items, conversation...), res.Items...)

		resp, err := rt.deps.Provider.Complete(ctx, &llm.Request{
			Model:     rt.cfg.Model,
			Items:     items,
			Tool:      tool,
			System:    rt.cfg.System,
			MaxTokens: rt.cfg.MaxTokens,
		})
		if err != nil {
			return rt.finish(res, StateAborted, fmt.Errorf("query model: %w", err))
		}
		res.Usage.Add(resp.Usage)
		rt.deps.Metrics.ObserveUsage(vendor, resp.Usage)

		for _, item := range resp.Items {
			rt.append(res, item)
		}
		calls := resp.ActionCalls()
		rt.logger.Debug("model responded",
			zap.Int("round", res.Rounds),
			zap.Int("items", len(resp.Items)),
			zap.Int("actions", len(calls)),
		)
		if len(calls) == 0 {
			return rt.finish(res, StateDone, nil)
		}

		res.State = StateDispatching
		denied := false
		for i, call := range calls {
			result, denial := rt.runCall(ctx, call)
			rt.append(res, result)
			if denial != nil {
				denied = true
				res.Denials = append(res.Denials, denial)
			}
			if err := ctx.Err(); err != nil {
				for _, rest := range calls[i+1:] {
					rt.append(res, llm.ActionResult{CallID: rest.CallID, Status: llm.StatusFailed, Error: err.Error()})
				}
				return rt.finish(res, StateAborted, err)
			}
		}
		if denied && rt.cfg.StopOnDenial {
			return rt.finish(res, StateYielded, nil)
		}
	}
}

func (rt *Runtime) finish(res *Result, state State, err error) (*Result, error) {
	res.State = state
	rt.deps.Metrics.ObserveTurn(string(state))
	fields := []zap.Field{
		zap.String("state", string(state)),
		zap.Int("rounds", res.Rounds),
		zap.Int("items", len(res.Items)),
		zap.Int("total_tokens", res.Usage.TotalTokens),
	}
	if err != nil {
		rt.logger.Warn("turn aborted", append(fields, zap.Error(err))...)
	} else {
		rt.logger.Info("turn finished", fields...)
	}
	return res, err
}

func (rt *Runtime) append(res *Result, item llm.Item) {
	res.Items = append(res.Items, item)
	for _, o := range rt.observers {
		o.OnItem(item)
	}
}

// navigates reports whether action can move a browser to another page.
func navigates(action llm.Action) bool {
	switch action.(type) {
	case llm.Click, llm.DoubleClick, llm.Keypress, llm.Type, llm.Drag:
		return true
	}
	return false
}

// blankPage is where the computer is sent after landing on a blocked page.
const blankPage = "about:blank"

// leaveBlocked moves the computer off a blocked page so later actions are
// not refused for the same URL. Backends that cannot navigate directly are
// sent back in history, but only when goBack is set. The returned error
// wraps blocked and tells the model where the computer ended up.
func (rt *Runtime) leaveBlocked(ctx context.Context, blocked error, goBack bool, log *zap.Logger) error {
	c := rt.deps.Computer
	if nav, ok := c.(computer.Navigator); ok {
		if err := nav.Navigate(ctx, blankPage); err != nil {
			log.Warn("leave blocked page", zap.Error(err))
			return blocked
		}
		return fmt.Errorf("%w; the browser was moved to %s", blocked, blankPage)
	}
	if !goBack {
		return blocked
	}
	if err := c.Keypress(ctx, []string{string(computer.KeyAlt), string(computer.KeyLeft)}); err != nil {
		log.Warn("leave blocked page", zap.Error(err))
		return blocked
	}
	return fmt.Errorf("%w; the browser went back to the previous page", blocked)
}

// runCall resolves one action call into exactly one result. Every failure
// here is local to the action.
func (rt *Runtime) runCall(ctx context.Context, call llm.ActionCall) (llm.ActionResult, *safety.DeniedError) {
	c := rt.deps.Computer
	kind := llm.ActionUnknown
	if call.Action != nil {
		kind = call.Action.Kind()
	}
	log := rt.logger.With(zap.String("call_id", call.CallID), zap.String("action", llm.DescribeAction(call.Action)))

	result := llm.ActionResult{CallID: call.CallID}
	fail := func(status llm.ResultStatus, err error) llm.ActionResult {
		result.Status = status
		result.Error = err.Error()
		result.Observation = nil
		rt.deps.Metrics.ObserveAction(kind, status)
		log.Warn("action not performed", zap.String("status", string(status)), zap.Error(err))
		return result
	}

	if c.Environment() == computer.EnvironmentBrowser && navigates(call.Action) {
		current, err := c.CurrentURL(ctx)
		if err != nil {
			return fail(llm.StatusFailed, fmt.Errorf("resolve current url: %w", err)), nil
		}
		if err := rt.deps.Guard.Check(current); err != nil {
			return fail(llm.StatusBlocked, rt.leaveBlocked(ctx, err, false, log)), nil
		}
	}

	if err := rt.deps.Gate.Authorize(ctx, call, rt.deps.Acknowledge); err != nil {
		var denied *safety.DeniedError
		if errors.As(err, &denied) {
			return fail(llm.StatusDenied, err), denied
		}
		return fail(llm.StatusFailed, err), nil
	}
	if len(call.PendingSafetyChecks) > 0 {
		result.AcknowledgedSafetyChecks = call.PendingSafetyChecks
	}

	if call.Action == nil {
		return fail(llm.StatusUnsupported, dispatch.ErrUnsupportedAction), nil
	}
	obs, err := rt.deps.Dispatcher.Execute(ctx, call.Action, c)
	switch {
	case errors.Is(err, dispatch.ErrUnsupportedAction):
		return fail(llm.StatusUnsupported, err), nil
	case err != nil:
		return fail(llm.StatusFailed, err), nil
	}

	if obs != nil && obs.CurrentURL != "" {
		if err := rt.deps.Guard.Check(obs.CurrentURL); err != nil {
			return fail(llm.StatusBlocked, rt.leaveBlocked(ctx, err, true, log)), nil
		}
	}

	result.Status = llm.StatusOK
	result.Observation = obs
	rt.deps.Metrics.ObserveAction(kind, llm.StatusOK)
	log.Info("action performed")
	return result, nil
}
