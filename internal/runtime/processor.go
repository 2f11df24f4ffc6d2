package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	ctxengine "github.com/user/cua/internal/context"
	"github.com/user/cua/internal/dispatch"
	"github.com/user/cua/internal/gateway"
	"github.com/user/cua/internal/metrics"
	"github.com/user/cua/internal/safety"
	"github.com/user/cua/internal/state"
	"github.com/user/cua/internal/types"
	"github.com/user/cua/internal/urlguard"
	"github.com/user/cua/pkg/computer"
	"github.com/user/cua/pkg/llm"
)

// ErrNoSession is returned for operations on a session without live state.
var ErrNoSession = errors.New("no live session")

// ProcessorConfig holds the daemon-level turn settings.
type ProcessorConfig struct {
	Turn Config
	// Prompt is a system prompt template rendered per session. Empty leaves
	// the vendor default in place.
	Prompt          string
	StartURL        string
	SaveScreenshots bool
	// HistoryLimit bounds the events read back when a session is restored.
	HistoryLimit int
}

// ProcessorDeps are the collaborators shared by every session.
type ProcessorDeps struct {
	Provider   llm.Provider
	Factory    computer.Factory
	Sessions   types.SessionStore
	Events     types.EventStore
	Artifacts  types.ArtifactStore
	Engine     *ctxengine.Engine
	Guard      *urlguard.Guard
	Gate       *safety.Gate
	Dispatcher *dispatch.Dispatcher
	Retry      *gateway.RetryPolicy
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Processor runs gateway runs as turns. Each session keeps a live
// conversation and its own backend session between runs.
type Processor struct {
	cfg    ProcessorConfig
	deps   ProcessorDeps
	logger *zap.Logger

	mu   sync.Mutex
	live map[types.SessionID]*liveSession
}

type liveSession struct {
	mu           sync.Mutex
	computer     computer.Session
	conversation []llm.Item
	system       string
	usage        llm.Usage
	turns        int
}

// SessionStatus describes the live state of a session.
type SessionStatus struct {
	Live        bool
	Environment computer.Environment
	Dimensions  computer.Dimensions
	URL         string
	Items       int
	Tokens      int
	Turns       int
	Usage       llm.Usage
}

// NewProcessor creates a Processor.
func NewProcessor(cfg ProcessorConfig, deps ProcessorDeps) *Processor {
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
	if deps.Retry == nil {
		deps.Retry = gateway.DefaultRetryPolicy()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	return &Processor{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("processor"),
		live:   make(map[types.SessionID]*liveSession),
	}
}

// ProcessRun executes one run as a turn. This is the function passed to
// Queue.SetProcessor.
func (p *Processor) ProcessRun(run *gateway.Run) error {
	ctx := run.Context()
	log := p.logger.With(zap.String("session_id", string(run.SessionID)), zap.String("run_id", string(run.ID)))

	ls, err := p.acquire(ctx, run.SessionID)
	if err != nil {
		p.deps.Metrics.ObserveRun("error")
		p.recordError(ctx, run, err)
		return err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if run.Event == nil {
		return errors.New("run has no inbound event")
	}
	source := run.Event.Source
	if source == "" {
		source = "runtime"
	}
	p.openURL(ctx, ls.computer, run.Event.StartURL)
	user := llm.UserText(run.Event.Text)
	ls.conversation = append(ls.conversation, user)
	p.recordItem(ctx, run, source, user)

	ack := run.Acknowledge
	if ack == nil {
		ack = safety.Deny
	}
	cfg := p.cfg.Turn
	cfg.System = ls.system
	rt := New(cfg, Deps{
		Provider:    p.deps.Provider,
		Computer:    ls.computer,
		Guard:       p.deps.Guard,
		Gate:        p.deps.Gate,
		Dispatcher:  p.deps.Dispatcher,
		Acknowledge: ack,
		Metrics:     p.deps.Metrics,
		Logger:      p.deps.Logger,
	})
	rt.AddObserver(ObserverFunc(func(item llm.Item) {
		p.recordItem(ctx, run, "runtime", item)
		p.saveScreenshot(ctx, run, item)
	}))

	summary := types.TurnSummary{}
	var final *Result
	err = p.deps.Retry.Execute(ctx, func(attempt int) error {
		if attempt > 1 {
			log.Info("retrying turn", zap.Int("attempt", attempt))
		}
		if p.deps.Engine != nil {
			ls.conversation = p.deps.Engine.Window(ls.conversation, ls.system)
		}
		res, err := rt.RunTurn(ctx, ls.conversation)
		if res != nil {
			ls.conversation = append(ls.conversation, res.Items...)
			summary.Rounds += res.Rounds
			summary.Usage.Add(res.Usage)
			summary.Denials += len(res.Denials)
			summary.State = string(res.State)
			final = res
		}
		return err
	})
	ls.turns++
	ls.usage.Add(summary.Usage)
	if err != nil {
		summary.Error = err.Error()
	}
	p.recordSummary(ctx, run, summary)
	p.touchSession(ctx, run)

	if final != nil && run.OnScreenshot != nil {
		if image := llm.LastImage(final.Items); image != "" {
			run.OnScreenshot(image)
		}
	}
	if err != nil {
		p.deps.Metrics.ObserveRun("error")
		log.Warn("run failed", zap.Error(err))
		return err
	}
	p.deps.Metrics.ObserveRun("ok")

	if run.OnComplete != nil {
		run.OnComplete(completionText(final))
	}
	return nil
}

func completionText(res *Result) string {
	if res == nil {
		return ""
	}
	if text := res.FinalText(); text != "" && res.State == StateDone {
		return text
	}
	if res.State == StateYielded && len(res.Denials) > 0 {
		return fmt.Sprintf("Stopped: %s was not approved.", res.Denials[0].Check.Message)
	}
	return res.FinalText()
}

// acquire returns the live state of id, opening a backend session and
// restoring text history on first use.
func (p *Processor) acquire(ctx context.Context, id types.SessionID) (*liveSession, error) {
	p.mu.Lock()
	ls, ok := p.live[id]
	p.mu.Unlock()
	if ok {
		return ls, nil
	}
	if p.deps.Factory == nil {
		return nil, errors.New("no computer factory configured")
	}

	c, err := p.deps.Factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("open computer: %w", err)
	}
	ls = &liveSession{computer: c}
	if p.deps.Engine != nil {
		p.deps.Engine.SetDisplay(c.Dimensions())
	}

	p.openURL(ctx, c, p.cfg.StartURL)

	if p.cfg.Prompt != "" {
		data := ctxengine.NewPromptData(string(id), computer.Describe(c), p.cfg.StartURL, p.deps.Guard.Domains())
		ls.system, err = ctxengine.RenderPrompt(p.cfg.Prompt, data)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("render system prompt: %w", err)
		}
	} else {
		ls.system = p.cfg.Turn.System
	}

	ls.conversation = p.restore(ctx, id)

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.live[id]; ok {
		_ = c.Close()
		return existing, nil
	}
	p.live[id] = ls
	p.logger.Info("session opened",
		zap.String("session_id", string(id)),
		zap.String("environment", string(c.Environment())),
		zap.Int("restored_items", len(ls.conversation)),
	)
	return ls, nil
}

// openURL loads url on navigable computers once the guard allows it.
func (p *Processor) openURL(ctx context.Context, c computer.Computer, url string) {
	if url == "" {
		return
	}
	nav, ok := c.(computer.Navigator)
	if !ok {
		return
	}
	if err := p.deps.Guard.Check(url); err != nil {
		p.logger.Warn("start url refused", zap.String("url", url), zap.Error(err))
		return
	}
	if err := nav.Navigate(ctx, url); err != nil {
		p.logger.Warn("navigate to start url", zap.String("url", url), zap.Error(err))
	}
}

// restore rebuilds the text part of a session's history from its events.
// Action calls and results are dropped since the backend state they refer
// to is gone.
func (p *Processor) restore(ctx context.Context, id types.SessionID) []llm.Item {
	if p.deps.Events == nil {
		return nil
	}
	events, err := p.deps.Events.Tail(ctx, id, p.cfg.HistoryLimit)
	if err != nil {
		p.logger.Warn("load history", zap.String("session_id", string(id)), zap.Error(err))
		return nil
	}
	var items []llm.Item
	for _, ev := range events {
		if ev.Type != types.EventUserMessage && ev.Type != types.EventAssistantMessage {
			continue
		}
		item, err := llm.UnmarshalItem(ev.Payload)
		if err != nil {
			p.logger.Debug("skip undecodable event", zap.String("event_id", string(ev.ID)), zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	return items
}

func (p *Processor) appendEvent(ctx context.Context, run *gateway.Run, typ, source string, payload []byte) {
	if p.deps.Events == nil {
		return
	}
	err := p.deps.Events.Append(ctx, &types.Event{
		ID:        types.NewEventID(),
		SessionID: run.SessionID,
		RunID:     run.ID,
		Type:      typ,
		Source:    source,
		At:        time.Now(),
		Payload:   payload,
	})
	if err != nil {
		p.logger.Warn("record event", zap.String("type", typ), zap.Error(err))
	}
}

func (p *Processor) recordItem(ctx context.Context, run *gateway.Run, source string, item llm.Item) {
	payload, err := llm.MarshalItem(llm.Sanitize(item))
	if err != nil {
		p.logger.Warn("encode item", zap.String("kind", string(item.ItemKind())), zap.Error(err))
		return
	}
	p.appendEvent(ctx, run, string(item.ItemKind()), source, payload)
}

func (p *Processor) recordSummary(ctx context.Context, run *gateway.Run, summary types.TurnSummary) {
	payload, _ := json.Marshal(summary)
	p.appendEvent(ctx, run, types.EventTurn, "runtime", payload)
}

func (p *Processor) recordError(ctx context.Context, run *gateway.Run, err error) {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	p.appendEvent(ctx, run, types.EventError, "runtime", payload)
}

func (p *Processor) saveScreenshot(ctx context.Context, run *gateway.Run, item llm.Item) {
	if !p.cfg.SaveScreenshots || p.deps.Artifacts == nil {
		return
	}
	r, ok := item.(llm.ActionResult)
	if !ok || r.Observation == nil || r.Observation.Image == "" {
		return
	}
	id, err := state.PutScreenshot(ctx, p.deps.Artifacts, run.SessionID, run.ID, r.CallID, r.Observation.Image)
	if err != nil {
		p.logger.Warn("save screenshot", zap.String("call_id", r.CallID), zap.Error(err))
		return
	}
	p.logger.Debug("screenshot saved", zap.String("artifact_id", string(id)), zap.String("call_id", r.CallID))
}

func (p *Processor) touchSession(ctx context.Context, run *gateway.Run) {
	if p.deps.Sessions == nil {
		return
	}
	session, err := p.deps.Sessions.Get(ctx, run.SessionID)
	if err != nil {
		return
	}
	session.LastRunID = run.ID
	session.UpdatedAt = time.Now()
	if p.deps.Events != nil {
		if n, err := p.deps.Events.Count(ctx, run.SessionID); err == nil {
			session.LastEventSeq = n
		}
	}
	if err := p.deps.Sessions.Update(ctx, session); err != nil {
		p.logger.Warn("update session", zap.Error(err))
	}
}

// Reset closes the backend session of id and forgets its live conversation.
// Stored events are kept.
func (p *Processor) Reset(id types.SessionID) error {
	p.mu.Lock()
	ls, ok := p.live[id]
	delete(p.live, id)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	p.logger.Info("session reset", zap.String("session_id", string(id)))
	return ls.computer.Close()
}

// Screenshot captures the current screen of a live session.
func (p *Processor) Screenshot(ctx context.Context, id types.SessionID) (string, error) {
	p.mu.Lock()
	ls, ok := p.live[id]
	p.mu.Unlock()
	if !ok {
		return "", ErrNoSession
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.computer.Screenshot(ctx)
}

// Status reports the live state of id. A session without live state
// reports Live false.
func (p *Processor) Status(ctx context.Context, id types.SessionID) SessionStatus {
	p.mu.Lock()
	ls, ok := p.live[id]
	p.mu.Unlock()
	if !ok {
		return SessionStatus{}
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	st := SessionStatus{
		Live:        true,
		Environment: ls.computer.Environment(),
		Dimensions:  ls.computer.Dimensions(),
		Items:       len(ls.conversation),
		Turns:       ls.turns,
		Usage:       ls.usage,
	}
	if p.deps.Engine != nil {
		st.Tokens = p.deps.Engine.Total(ls.conversation)
	}
	if u, err := ls.computer.CurrentURL(ctx); err == nil {
		st.URL = u
	}
	return st
}

// Close releases every backend session.
func (p *Processor) Close() error {
	p.mu.Lock()
	live := p.live
	p.live = make(map[types.SessionID]*liveSession)
	p.mu.Unlock()

	var errs []error
	for id, ls := range live {
		ls.mu.Lock()
		if err := ls.computer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session %s: %w", id, err))
		}
		ls.mu.Unlock()
	}
	return errors.Join(errs...)
}
