package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/cua/pkg/computer"
	"github.com/user/cua/pkg/llm"
)

// Vendor is the name of the messages-style protocol.
const Vendor = "anthropic"

// DefaultMaxTokens is sent when the request does not set a limit.
const DefaultMaxTokens = 4096

// scrollStep converts native scroll clicks to pixels.
const scrollStep = 100

type request struct {
	Model     string    `json:"model"`
	Messages  []message `json:"messages"`
	System    string    `json:"system,omitempty"`
	Tools     []tool    `json:"tools"`
	MaxTokens int       `json:"max_tokens"`
}

type message struct {
	Role    string  `json:"role"`
	Content []block `json:"content"`
}

type block struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type response struct {
	Type      string          `json:"type"`
	Content   []contentBlock  `json:"content"`
	ToolCalls []toolCall      `json:"tool_calls"`
	Error     json.RawMessage `json:"error"`
	Usage     struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type toolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func inputSchema() json.RawMessage {
	kinds := llm.ActionKinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"type": map[string]any{"type": "string", "enum": names},
				},
				"required":             []string{"type"},
				"additionalProperties": true,
			},
		},
		"required": []string{"action"},
	}
	raw, _ := json.Marshal(schema)
	return raw
}

func contentBlocks(parts []llm.Part) []block {
	out := make([]block, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case llm.PartText:
			out = append(out, block{Type: "text", Text: p.Text})
		case llm.PartImage:
			out = append(out, imageBlock(p.MediaType, p.Data))
		}
	}
	return out
}

func imageBlock(mediaType, data string) block {
	if mediaType == "" {
		mediaType = "image/png"
	}
	return block{Type: "image", Source: &imageSource{Type: "base64", MediaType: mediaType, Data: data}}
}

func resultBlocks(r llm.ActionResult) []block {
	var out []block
	if obs := r.Observation; obs != nil && obs.Image != "" {
		out = append(out, imageBlock("image/png", obs.Image))
		if obs.CurrentURL != "" {
			out = append(out, block{Type: "text", Text: "Current URL: " + obs.CurrentURL})
		}
		if obs.PageText != "" {
			out = append(out, block{Type: "text", Text: "Page text:\n" + obs.PageText})
		}
	}
	if r.Status != llm.StatusOK || r.Error != "" {
		text := fmt.Sprintf("The action %s was not performed (%s).", r.CallID, r.Status)
		if r.Error != "" {
			text = fmt.Sprintf("The action %s was not performed (%s): %s", r.CallID, r.Status, r.Error)
		}
		out = append(out, block{Type: "text", Text: text})
	}
	return out
}

// NormalizeRequest encodes req as a messages-style request body.
func NormalizeRequest(req *llm.Request) ([]byte, error) {
	var messages []message
	push := func(role string, blocks []block) {
		if len(blocks) == 0 {
			return
		}
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, blocks...)
			return
		}
		messages = append(messages, message{Role: role, Content: blocks})
	}

	for i, item := range req.Items {
		switch it := item.(type) {
		case llm.UserMessage:
			push("user", contentBlocks(it.Content))
		case llm.AssistantMessage:
			push("assistant", contentBlocks(it.Content))
		case llm.ActionCall:
			push("assistant", []block{{Type: "text", Text: "Requested action: " + llm.DescribeAction(it.Action)}})
		case llm.ActionResult:
			push("user", resultBlocks(it))
		default:
			return nil, fmt.Errorf("item %d: unsupported item %T", i, item)
		}
	}
	if messages == nil {
		messages = []message{}
	}

	system := req.System
	if system == "" {
		system = SystemPrompt(req.Tool)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	body := request{
		Model:    req.Model,
		Messages: messages,
		System:   system,
		Tools: []tool{{
			Name:        "computer",
			Description: "Perform actions on a computer",
			InputSchema: inputSchema(),
		}},
		MaxTokens: maxTokens,
	}
	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	return out, nil
}

// DenormalizeResponse decodes a messages-style body into neutral items.
func DenormalizeResponse(body []byte) (*llm.Response, error) {
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, llm.Malformed(Vendor, "decode body: %v", err)
	}
	if resp.Type == "error" {
		return nil, llm.Malformed(Vendor, "error: %s", string(resp.Error))
	}
	if resp.Content == nil && resp.ToolCalls == nil {
		return nil, llm.Malformed(Vendor, "neither content nor tool_calls present")
	}

	out := &llm.Response{Usage: llm.Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}}

	var text strings.Builder
	hasText := false
	var calls []llm.Item
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
			hasText = true
		case "tool_use":
			if b.Name == "computer" {
				calls = append(calls, toActionCall(b.ID, b.Input))
			}
		}
	}
	for _, tc := range resp.ToolCalls {
		if tc.Name == "computer" {
			calls = append(calls, toActionCall(tc.ID, tc.Input))
		}
	}

	if hasText {
		out.Items = append(out.Items, llm.AssistantText(text.String()))
	}
	out.Items = llm.EnsureCallIDs(append(out.Items, calls...))
	return out, nil
}

func toActionCall(id string, input json.RawMessage) llm.ActionCall {
	return llm.ActionCall{
		CallID:              id,
		Action:              parseInput(input),
		PendingSafetyChecks: []llm.SafetyCheck{},
	}
}

type nativeInput struct {
	Action          json.RawMessage `json:"action"`
	Coordinate      []int           `json:"coordinate"`
	StartCoordinate []int           `json:"start_coordinate"`
	Text            string          `json:"text"`
	ScrollDirection string          `json:"scroll_direction"`
	ScrollAmount    int             `json:"scroll_amount"`
	Duration        float64         `json:"duration"`
}

// parseInput maps the computer tool input onto an Action. The action may be
// a canonical action object or a native action name with sibling fields.
func parseInput(raw json.RawMessage) llm.Action {
	unknown := func(typ, reason string) llm.Action {
		return llm.UnknownAction{Type: typ, Raw: raw, Reason: reason}
	}

	var in nativeInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return unknown("", err.Error())
	}
	trimmed := strings.TrimSpace(string(in.Action))
	if strings.HasPrefix(trimmed, "{") {
		a, err := llm.ParseAction(in.Action)
		if err != nil {
			return unknown("", err.Error())
		}
		return a
	}

	var name string
	if err := json.Unmarshal(in.Action, &name); err != nil {
		return unknown("", "missing action")
	}

	point := func(c []int) (computer.Point, bool) {
		if len(c) != 2 {
			return computer.Point{}, false
		}
		return computer.Point{X: c[0], Y: c[1]}, true
	}

	switch name {
	case "left_click", "right_click", "middle_click":
		p, ok := point(in.Coordinate)
		if !ok {
			return unknown(name, "missing coordinate")
		}
		button := map[string]computer.Button{
			"left_click":   computer.ButtonLeft,
			"right_click":  computer.ButtonRight,
			"middle_click": computer.ButtonWheel,
		}[name]
		return llm.Click{X: p.X, Y: p.Y, Button: button}
	case "double_click":
		p, ok := point(in.Coordinate)
		if !ok {
			return unknown(name, "missing coordinate")
		}
		return llm.DoubleClick{X: p.X, Y: p.Y}
	case "mouse_move":
		p, ok := point(in.Coordinate)
		if !ok {
			return unknown(name, "missing coordinate")
		}
		return llm.Move{X: p.X, Y: p.Y}
	case "type":
		return llm.Type{Text: in.Text}
	case "key":
		if in.Text == "" {
			return unknown(name, "missing key")
		}
		return llm.Keypress{Keys: strings.Split(in.Text, "+")}
	case "scroll":
		p, _ := point(in.Coordinate)
		amount := in.ScrollAmount
		if amount == 0 {
			amount = 3
		}
		s := llm.Scroll{X: p.X, Y: p.Y}
		switch in.ScrollDirection {
		case "up":
			s.DY = -amount * scrollStep
		case "down", "":
			s.DY = amount * scrollStep
		case "left":
			s.DX = -amount * scrollStep
		case "right":
			s.DX = amount * scrollStep
		default:
			return unknown(name, "unknown scroll direction "+in.ScrollDirection)
		}
		return s
	case "left_click_drag":
		start, ok1 := point(in.StartCoordinate)
		end, ok2 := point(in.Coordinate)
		if !ok1 || !ok2 {
			return unknown(name, "missing drag coordinates")
		}
		return llm.Drag{Path: []computer.Point{start, end}}
	case "wait":
		return llm.Wait{Ms: int(in.Duration * 1000)}
	case "screenshot":
		return llm.Screenshot{}
	default:
		return unknown(name, "unrecognized native action")
	}
}
