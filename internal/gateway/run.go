package gateway

import (
	"context"
	"time"

	"github.com/user/cua/internal/safety"
	"github.com/user/cua/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run tracks a single execution of an inbound event against a session.
type Run struct {
	ID        types.RunID
	SessionID types.SessionID
	Event     *types.InboundEvent
	Status    RunStatus
	Attempts  int
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Error     error

	// Ctx is set by the queue before the run is processed.
	Ctx context.Context

	// Acknowledge answers the safety checks raised during the run. Nil
	// denies every check.
	Acknowledge safety.AcknowledgeFunc

	// OnComplete receives the final assistant text of the turn.
	OnComplete func(response string)

	// OnScreenshot receives the last screenshot (base64 PNG) of the turn.
	OnScreenshot func(image string)
}

// NewRun creates a Run in the Queued state for the given session and event.
func NewRun(sessionID types.SessionID, event *types.InboundEvent) *Run {
	return &Run{
		ID:        types.NewRunID(),
		SessionID: sessionID,
		Event:     event,
		Status:    RunStatusQueued,
		Attempts:  0,
		CreatedAt: time.Now(),
	}
}

// Context returns Ctx, or context.Background when the run was not queued.
func (r *Run) Context() context.Context {
	if r.Ctx == nil {
		return context.Background()
	}
	return r.Ctx
}
