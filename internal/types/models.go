package types

import (
	"encoding/json"
	"time"

	"github.com/user/cua/pkg/llm"
)

// Event types. Item events carry a sanitized llm item envelope as payload.
const (
	EventUserMessage      = string(llm.KindUserMessage)
	EventAssistantMessage = string(llm.KindAssistantMessage)
	EventActionCall       = string(llm.KindActionCall)
	EventActionResult     = string(llm.KindActionResult)
	EventTurn             = "turn"
	EventError            = "error"
)

type Event struct {
	ID        EventID         `json:"id"`
	SessionID SessionID       `json:"session_id"`
	RunID     RunID           `json:"run_id,omitempty"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload"`
}

// IsItem reports whether the event payload is an item envelope.
func (e *Event) IsItem() bool {
	switch e.Type {
	case EventUserMessage, EventAssistantMessage, EventActionCall, EventActionResult:
		return true
	}
	return false
}

// TurnSummary is the payload of an EventTurn event.
type TurnSummary struct {
	State   string    `json:"state"`
	Rounds  int       `json:"rounds"`
	Usage   llm.Usage `json:"usage"`
	Denials int       `json:"denials,omitempty"`
	Error   string    `json:"error,omitempty"`
}

type SessionIndex struct {
	SessionID    SessionID  `json:"session_id"`
	SessionKey   SessionKey `json:"session_key"`
	Model        string     `json:"model"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastRunID    RunID      `json:"last_run_id,omitempty"`
	LastEventSeq int64      `json:"last_event_seq"`
}

type ArtifactMeta struct {
	ID        ArtifactID `json:"id"`
	SessionID SessionID  `json:"session_id"`
	RunID     RunID      `json:"run_id"`
	CallID    string     `json:"call_id,omitempty"`
	Kind      string     `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`
	MimeType  string     `json:"mime_type,omitempty"`
	Width     int        `json:"width,omitempty"`
	Height    int        `json:"height,omitempty"`
	Size      int64      `json:"size"`
}

type InboundEvent struct {
	Source     string          `json:"source"`
	SessionKey SessionKey      `json:"session_key"`
	UserID     string          `json:"user_id"`
	Text       string          `json:"text"`
	StartURL   string          `json:"start_url,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}
