package openai

import (
	"encoding/json"
	"fmt"

	"github.com/user/cua/pkg/llm"
)

// Vendor is the name of the responses-style protocol.
const Vendor = "openai"

type request struct {
	Model        string            `json:"model"`
	Input        []json.RawMessage `json:"input"`
	Tools        []tool            `json:"tools"`
	Truncation   string            `json:"truncation"`
	Instructions string            `json:"instructions,omitempty"`
	MaxTokens    int               `json:"max_output_tokens,omitempty"`
}

type tool struct {
	Type          string `json:"type"`
	DisplayWidth  int    `json:"display_width"`
	DisplayHeight int    `json:"display_height"`
	Environment   string `json:"environment"`
}

type inputMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type outputMessage struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type safetyCheck struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type computerCall struct {
	Type                string          `json:"type"`
	ID                  string          `json:"id,omitempty"`
	CallID              string          `json:"call_id"`
	Action              json.RawMessage `json:"action"`
	PendingSafetyChecks []safetyCheck   `json:"pending_safety_checks"`
	Status              string          `json:"status,omitempty"`
}

type computerCallOutput struct {
	Type                     string        `json:"type"`
	CallID                   string        `json:"call_id"`
	AcknowledgedSafetyChecks []safetyCheck `json:"acknowledged_safety_checks,omitempty"`
	Output                   screenshot    `json:"output"`
}

type screenshot struct {
	Type       string `json:"type"`
	ImageURL   string `json:"image_url"`
	CurrentURL string `json:"current_url,omitempty"`
}

type response struct {
	Output []json.RawMessage `json:"output"`
	Usage  *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
	Error json.RawMessage `json:"error"`
}

type outputItem struct {
	Type                string          `json:"type"`
	ID                  string          `json:"id"`
	Role                string          `json:"role"`
	CallID              string          `json:"call_id"`
	Action              json.RawMessage `json:"action"`
	PendingSafetyChecks []safetyCheck   `json:"pending_safety_checks"`
	Content             []contentPart   `json:"content"`
}

// blankImage is a 1x1 transparent PNG sent as the output of a failed first
// action, when the conversation holds no screenshot to reuse.
const blankImage = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

func dataURL(image string) string {
	return "data:image/png;base64," + image
}

func toWireChecks(checks []llm.SafetyCheck) []safetyCheck {
	out := make([]safetyCheck, 0, len(checks))
	for _, c := range checks {
		out = append(out, safetyCheck(c))
	}
	return out
}

func fromWireChecks(checks []safetyCheck) []llm.SafetyCheck {
	out := make([]llm.SafetyCheck, 0, len(checks))
	for _, c := range checks {
		out = append(out, llm.SafetyCheck(c))
	}
	return out
}

func userContent(parts []llm.Part) any {
	if len(parts) == 1 && parts[0].Type == llm.PartText {
		return parts[0].Text
	}
	out := make([]contentPart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case llm.PartText:
			out = append(out, contentPart{Type: "input_text", Text: p.Text})
		case llm.PartImage:
			media := p.MediaType
			if media == "" {
				media = "image/png"
			}
			out = append(out, contentPart{Type: "input_image", ImageURL: fmt.Sprintf("data:%s;base64,%s", media, p.Data)})
		}
	}
	return out
}

// NormalizeRequest encodes req as a responses-style request body.
func NormalizeRequest(req *llm.Request) ([]byte, error) {
	input := make([]json.RawMessage, 0, len(req.Items))
	add := func(v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		input = append(input, raw)
		return nil
	}

	lastImage := ""
	for i, item := range req.Items {
		var err error
		switch it := item.(type) {
		case llm.UserMessage:
			err = add(inputMessage{Role: "user", Content: userContent(it.Content)})
		case llm.AssistantMessage:
			parts := make([]contentPart, 0, len(it.Content))
			for _, p := range it.Content {
				if p.Type == llm.PartText {
					parts = append(parts, contentPart{Type: "output_text", Text: p.Text})
				}
			}
			err = add(outputMessage{Type: "message", Role: "assistant", Content: parts})
		case llm.ActionCall:
			input = append(input, it.Reasoning...)
			action, merr := llm.MarshalAction(it.Action)
			if merr != nil {
				return nil, fmt.Errorf("item %d: %w", i, merr)
			}
			err = add(computerCall{
				Type:                "computer_call",
				ID:                  it.ItemID,
				CallID:              it.CallID,
				Action:              action,
				PendingSafetyChecks: toWireChecks(it.PendingSafetyChecks),
				Status:              "completed",
			})
		case llm.ActionResult:
			err = addResult(add, it, &lastImage)
		default:
			return nil, fmt.Errorf("item %d: unsupported item %T", i, item)
		}
		if err != nil {
			return nil, fmt.Errorf("encode item %d: %w", i, err)
		}
	}

	body := request{
		Model: req.Model,
		Input: input,
		Tools: []tool{{
			Type:          "computer_use_preview",
			DisplayWidth:  req.Tool.Dimensions.Width,
			DisplayHeight: req.Tool.Dimensions.Height,
			Environment:   string(req.Tool.Environment),
		}},
		Truncation:   "auto",
		Instructions: req.System,
		MaxTokens:    req.MaxTokens,
	}
	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	return out, nil
}

// addResult encodes an action result. The protocol requires an image on
// every computer_call_output, so a failed action re-sends the last image and
// explains the failure in a user message.
func addResult(add func(any) error, r llm.ActionResult, lastImage *string) error {
	out := computerCallOutput{
		Type:                     "computer_call_output",
		CallID:                   r.CallID,
		AcknowledgedSafetyChecks: toWireChecks(r.AcknowledgedSafetyChecks),
		Output:                   screenshot{Type: "input_image"},
	}
	if len(out.AcknowledgedSafetyChecks) == 0 {
		out.AcknowledgedSafetyChecks = nil
	}

	obs := r.Observation
	if obs != nil && obs.Image != "" {
		*lastImage = obs.Image
		out.Output.ImageURL = dataURL(obs.Image)
		out.Output.CurrentURL = obs.CurrentURL
	} else if *lastImage != "" {
		out.Output.ImageURL = dataURL(*lastImage)
	} else {
		out.Output.ImageURL = dataURL(blankImage)
	}
	if err := add(out); err != nil {
		return err
	}

	if r.Status != llm.StatusOK || r.Error != "" {
		msg := fmt.Sprintf("The action %s was not performed (%s).", r.CallID, r.Status)
		if r.Error != "" {
			msg = fmt.Sprintf("The action %s was not performed (%s): %s", r.CallID, r.Status, r.Error)
		}
		if err := add(inputMessage{Role: "user", Content: msg}); err != nil {
			return err
		}
	}
	if obs != nil && obs.PageText != "" {
		return add(inputMessage{Role: "user", Content: []contentPart{{Type: "input_text", Text: "Page text:\n" + obs.PageText}}})
	}
	return nil
}

// DenormalizeResponse decodes a responses-style body into neutral items.
func DenormalizeResponse(body []byte) (*llm.Response, error) {
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, llm.Malformed(Vendor, "decode body: %v", err)
	}
	if len(resp.Error) > 0 && string(resp.Error) != "null" {
		return nil, llm.Malformed(Vendor, "error: %s", string(resp.Error))
	}
	if resp.Output == nil {
		return nil, llm.Malformed(Vendor, "missing output")
	}

	out := &llm.Response{}
	if resp.Usage != nil {
		out.Usage = llm.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}

	var text []llm.Part
	var reasoning []json.RawMessage
	var calls []llm.Item
	for i, raw := range resp.Output {
		var item outputItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, llm.Malformed(Vendor, "output %d: %v", i, err)
		}
		switch item.Type {
		case "reasoning":
			reasoning = append(reasoning, raw)
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					text = append(text, llm.TextPart(c.Text))
				}
			}
		case "computer_call":
			action, err := llm.ParseAction(item.Action)
			if err != nil {
				unknown := llm.UnknownAction{Raw: item.Action, Reason: err.Error()}
				_ = json.Unmarshal(item.Action, &unknown.Type)
				action = unknown
			}
			calls = append(calls, llm.ActionCall{
				CallID:              item.CallID,
				Action:              action,
				PendingSafetyChecks: fromWireChecks(item.PendingSafetyChecks),
				ItemID:              item.ID,
				Reasoning:           reasoning,
			})
			reasoning = nil
		}
	}

	if len(text) > 0 {
		out.Items = append(out.Items, llm.AssistantMessage{Content: []llm.Part{llm.TextPart(joinParts(text))}})
	}
	out.Items = llm.EnsureCallIDs(append(out.Items, calls...))
	return out, nil
}

func joinParts(parts []llm.Part) string {
	return llm.AssistantMessage{Content: parts}.Text()
}
