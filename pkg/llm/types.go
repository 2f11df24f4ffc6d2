package llm

import (
	"github.com/user/cua/pkg/computer"
)

// ComputerTool describes the computer advertised to the model as a tool.
type ComputerTool struct {
	Environment computer.Environment `json:"environment"`
	Dimensions  computer.Dimensions  `json:"dimensions"`
}

// ToolFor builds the tool description of a backend.
func ToolFor(c computer.Computer) ComputerTool {
	return ComputerTool{Environment: c.Environment(), Dimensions: c.Dimensions()}
}

// Observation is what an action left on screen. Image is base64-encoded PNG.
type Observation struct {
	Image      string `json:"image"`
	CurrentURL string `json:"current_url,omitempty"`
	PageText   string `json:"page_text,omitempty"`
}

// SafetyCheck is a vendor-raised concern that must be acknowledged before
// the associated action runs.
type SafetyCheck struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResultStatus is the outcome of one action call.
type ResultStatus string

const (
	StatusOK          ResultStatus = "ok"
	StatusBlocked     ResultStatus = "blocked"
	StatusDenied      ResultStatus = "denied"
	StatusUnsupported ResultStatus = "unsupported"
	StatusFailed      ResultStatus = "failed"
)

// Request is a vendor-neutral model query.
type Request struct {
	Model     string
	Items     []Item
	Tool      ComputerTool
	System    string
	MaxTokens int
}

// Response represents a complete, normalized response from a vendor.
type Response struct {
	Items []Item `json:"items"`
	Usage Usage  `json:"usage"`
}

// ActionCalls returns the action calls of the response in order.
func (r *Response) ActionCalls() []ActionCall {
	var calls []ActionCall
	for _, item := range r.Items {
		if c, ok := item.(ActionCall); ok {
			calls = append(calls, c)
		}
	}
	return calls
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}
