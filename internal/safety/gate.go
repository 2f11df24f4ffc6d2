// Package safety asks for acknowledgment of vendor safety checks before an
// action runs.
package safety

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/user/cua/pkg/llm"
)

// ErrDenied is matched by every *DeniedError.
var ErrDenied = errors.New("safety check denied")

// DeniedError identifies the check that was not acknowledged.
type DeniedError struct {
	CallID string
	Check  llm.SafetyCheck
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("safety check %s (%s) denied for call %s", e.Check.ID, e.Check.Code, e.CallID)
}

func (e *DeniedError) Is(target error) bool { return target == ErrDenied }

// AcknowledgeFunc asks whether to proceed despite message.
type AcknowledgeFunc func(ctx context.Context, message string) bool

// Allow acknowledges every check.
func Allow(context.Context, string) bool { return true }

// Deny acknowledges nothing.
func Deny(context.Context, string) bool { return false }

// Gate evaluates the pending safety checks of action calls.
type Gate struct {
	logger *zap.Logger
	// OnDecision, when set, is told about every evaluated check.
	OnDecision func(check llm.SafetyCheck, approved bool)
}

// NewGate creates a gate. A nil logger disables logging.
func NewGate(logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{logger: logger.Named("safety")}
}

// Authorize returns nil when every pending check of call is acknowledged.
// Evaluation stops at the first denial. A nil ack denies any pending check.
func (g *Gate) Authorize(ctx context.Context, call llm.ActionCall, ack AcknowledgeFunc) error {
	for _, check := range call.PendingSafetyChecks {
		if err := ctx.Err(); err != nil {
			return err
		}
		approved := ack != nil && ack(ctx, check.Message)
		if g.OnDecision != nil {
			g.OnDecision(check, approved)
		}
		g.logger.Info("safety check",
			zap.String("call_id", call.CallID),
			zap.String("check_id", check.ID),
			zap.String("code", check.Code),
			zap.Bool("approved", approved),
		)
		if !approved {
			return &DeniedError{CallID: call.CallID, Check: check}
		}
	}
	return nil
}

// Prompt returns an acknowledger that asks on out and reads y/n from in.
// Concurrent prompts are serialized.
func Prompt(in io.Reader, out io.Writer) AcknowledgeFunc {
	reader := bufio.NewReader(in)
	var mu sync.Mutex
	return func(ctx context.Context, message string) bool {
		mu.Lock()
		defer mu.Unlock()

		fmt.Fprintf(out, "Safety Check Warning: %s\nDo you want to acknowledge and proceed? (y/n): ", message)

		answer := make(chan string, 1)
		go func() {
			line, _ := reader.ReadString('\n')
			answer <- line
		}()
		select {
		case <-ctx.Done():
			return false
		case line := <-answer:
			return strings.EqualFold(strings.TrimSpace(line), "y")
		}
	}
}
