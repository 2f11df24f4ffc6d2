package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/user/cua/internal/safety"
	"github.com/user/cua/internal/types"
)

// Gateway orchestrates inbound events into runs. It resolves (or creates)
// sessions, wraps each event in a Run, and enqueues the run for processing.
type Gateway struct {
	sessions types.SessionStore
	Queue    *Queue
	// Model is recorded on sessions the gateway creates.
	Model string

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Gateway over the session store with the given concurrency
// limit for simultaneous run processing (default 2).
func New(sessions types.SessionStore, logger *zap.Logger, maxConcurrent ...int64) *Gateway {
	var concurrency int64 = 2
	if len(maxConcurrent) > 0 && maxConcurrent[0] > 0 {
		concurrency = maxConcurrent[0]
	}
	return &Gateway{
		sessions: sessions,
		Queue:    NewQueue(concurrency, logger),
		Model:    "default",
	}
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop cancels the gateway context and stops the queue, waiting for the
// runs in flight.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.Queue.Stop()
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithOnComplete sets a callback invoked when the run produces a final response.
func WithOnComplete(fn func(string)) RunOption {
	return func(r *Run) { r.OnComplete = fn }
}

// WithOnScreenshot sets a callback invoked with the last screenshot of the run.
func WithOnScreenshot(fn func(image string)) RunOption {
	return func(r *Run) { r.OnScreenshot = fn }
}

// WithAcknowledge sets how the run answers safety checks.
func WithAcknowledge(ack safety.AcknowledgeFunc) RunOption {
	return func(r *Run) { r.Acknowledge = ack }
}

// HandleInbound resolves or creates a session for the event, wraps it in a
// Run, and enqueues it for processing.
func (g *Gateway) HandleInbound(ctx context.Context, event *types.InboundEvent, opts ...RunOption) error {
	sessionID, err := g.sessions.ResolveOrCreate(ctx, event.SessionKey, g.Model)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}
	run := NewRun(sessionID, event)
	for _, opt := range opts {
		opt(run)
	}
	return g.Queue.Enqueue(run)
}
