package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ItemKind tags a conversation item in its JSON envelope.
type ItemKind string

const (
	KindUserMessage      ItemKind = "user_message"
	KindAssistantMessage ItemKind = "assistant_message"
	KindActionCall       ItemKind = "action_call"
	KindActionResult     ItemKind = "action_result"
)

// Item is one entry of a conversation. The set of variants is closed.
type Item interface {
	ItemKind() ItemKind
	isItem()
}

// PartType distinguishes message content parts.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Part is a piece of message content: text, or a base64 image.
type Part struct {
	Type      PartType `json:"type"`
	Text      string   `json:"text,omitempty"`
	MediaType string   `json:"media_type,omitempty"`
	Data      string   `json:"data,omitempty"`
}

// TextPart returns a text content part.
func TextPart(s string) Part {
	return Part{Type: PartText, Text: s}
}

// ImagePart returns a base64 PNG content part.
func ImagePart(data string) Part {
	return Part{Type: PartImage, MediaType: "image/png", Data: data}
}

type UserMessage struct {
	Content []Part `json:"content"`
}

type AssistantMessage struct {
	Content []Part `json:"content"`
}

// UserText is a user message with a single text part.
func UserText(s string) UserMessage {
	return UserMessage{Content: []Part{TextPart(s)}}
}

// AssistantText is an assistant message with a single text part.
func AssistantText(s string) AssistantMessage {
	return AssistantMessage{Content: []Part{TextPart(s)}}
}

// Text concatenates the text parts of the message.
func (m UserMessage) Text() string { return joinText(m.Content) }

// Text concatenates the text parts of the message.
func (m AssistantMessage) Text() string { return joinText(m.Content) }

func joinText(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ActionCall is a model request to perform one action. ItemID and Reasoning
// are vendor state echoed back on the next request.
type ActionCall struct {
	CallID              string
	Action              Action
	PendingSafetyChecks []SafetyCheck
	ItemID              string
	Reasoning           []json.RawMessage
}

// ActionResult pairs with the ActionCall of the same CallID.
type ActionResult struct {
	CallID                   string        `json:"call_id"`
	Status                   ResultStatus  `json:"status"`
	Observation              *Observation  `json:"observation,omitempty"`
	Error                    string        `json:"error,omitempty"`
	AcknowledgedSafetyChecks []SafetyCheck `json:"acknowledged_safety_checks,omitempty"`
}

func (UserMessage) ItemKind() ItemKind      { return KindUserMessage }
func (AssistantMessage) ItemKind() ItemKind { return KindAssistantMessage }
func (ActionCall) ItemKind() ItemKind       { return KindActionCall }
func (ActionResult) ItemKind() ItemKind     { return KindActionResult }

func (UserMessage) isItem()      {}
func (AssistantMessage) isItem() {}
func (ActionCall) isItem()       {}
func (ActionResult) isItem()     {}

type actionCallJSON struct {
	CallID              string            `json:"call_id"`
	Action              json.RawMessage   `json:"action"`
	PendingSafetyChecks []SafetyCheck     `json:"pending_safety_checks,omitempty"`
	ItemID              string            `json:"item_id,omitempty"`
	Reasoning           []json.RawMessage `json:"reasoning,omitempty"`
}

func (c ActionCall) MarshalJSON() ([]byte, error) {
	var action json.RawMessage
	if c.Action != nil {
		raw, err := MarshalAction(c.Action)
		if err != nil {
			return nil, err
		}
		action = raw
	}
	return json.Marshal(actionCallJSON{
		CallID:              c.CallID,
		Action:              action,
		PendingSafetyChecks: c.PendingSafetyChecks,
		ItemID:              c.ItemID,
		Reasoning:           c.Reasoning,
	})
}

func (c *ActionCall) UnmarshalJSON(data []byte) error {
	var w actionCallJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = ActionCall{
		CallID:              w.CallID,
		PendingSafetyChecks: w.PendingSafetyChecks,
		ItemID:              w.ItemID,
		Reasoning:           w.Reasoning,
	}
	if len(w.Action) > 0 && string(w.Action) != "null" {
		action, err := ParseAction(w.Action)
		if err != nil {
			return fmt.Errorf("action call %s: %w", w.CallID, err)
		}
		c.Action = action
	}
	return nil
}

// MarshalItem encodes item as {"kind": ..., <fields>}.
func MarshalItem(item Item) ([]byte, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", item.ItemKind(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", item.ItemKind(), err)
	}
	kind, _ := json.Marshal(item.ItemKind())
	fields["kind"] = kind
	return json.Marshal(fields)
}

// UnmarshalItem decodes an item envelope written by MarshalItem.
func UnmarshalItem(data []byte) (Item, error) {
	var head struct {
		Kind ItemKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	switch head.Kind {
	case KindUserMessage:
		var m UserMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Kind, err)
		}
		return m, nil
	case KindAssistantMessage:
		var m AssistantMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Kind, err)
		}
		return m, nil
	case KindActionCall:
		var c ActionCall
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Kind, err)
		}
		return c, nil
	case KindActionResult:
		var r ActionResult
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Kind, err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("decode item: unknown kind %q", head.Kind)
	}
}

// Conversation is an ordered item sequence with a JSON array encoding.
type Conversation []Item

func (c Conversation) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(c))
	for _, item := range c {
		raw, err := MarshalItem(item)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

func (c *Conversation) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("decode conversation: %w", err)
	}
	items := make(Conversation, 0, len(raws))
	for i, raw := range raws {
		item, err := UnmarshalItem(raw)
		if err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		items = append(items, item)
	}
	*c = items
	return nil
}

// Unresolved returns the action calls in items that have no matching result.
func Unresolved(items []Item) []ActionCall {
	resolved := make(map[string]bool)
	for _, item := range items {
		if r, ok := item.(ActionResult); ok {
			resolved[r.CallID] = true
		}
	}
	var open []ActionCall
	for _, item := range items {
		if c, ok := item.(ActionCall); ok && !resolved[c.CallID] {
			open = append(open, c)
		}
	}
	return open
}

// LastImage returns the most recent observation image in items, or "".
func LastImage(items []Item) string {
	for i := len(items) - 1; i >= 0; i-- {
		if r, ok := items[i].(ActionResult); ok && r.Observation != nil && r.Observation.Image != "" && r.Observation.Image != Placeholder {
			return r.Observation.Image
		}
	}
	return ""
}
