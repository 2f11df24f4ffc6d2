// Package context keeps conversations inside a model's context window.
package context

import (
	"encoding/json"
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/cua/pkg/computer"
	"github.com/user/cua/pkg/llm"
)

// itemOverhead approximates the per-item framing every vendor adds.
const itemOverhead = 4

// Engine counts item tokens and windows conversations to a budget.
type Engine struct {
	tokenizer   *tiktoken.Tiktoken
	maxTokens   int
	reserve     int
	imageTokens int
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer; unknown models fall
// back to cl100k_base. maxTokens is the model's context window size and
// reserve is kept free for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Engine{
		tokenizer:   enc,
		maxTokens:   maxTokens,
		reserve:     reserve,
		imageTokens: ImageTokens(computer.Dimensions{Width: 1024, Height: 768}),
	}, nil
}

// ImageTokens estimates the cost of one screenshot of the given size.
func ImageTokens(d computer.Dimensions) int {
	n := (d.Width*d.Height + 749) / 750
	if n < 85 {
		n = 85
	}
	return n
}

// SetDisplay sizes the per-screenshot estimate for the backend's display.
func (e *Engine) SetDisplay(d computer.Dimensions) {
	e.imageTokens = ImageTokens(d)
}

// Budget is the number of input tokens available to a request.
func (e *Engine) Budget() int {
	return e.maxTokens - e.reserve
}

// CountText returns the token count for a string.
func (e *Engine) CountText(text string) int {
	if text == "" {
		return 0
	}
	return len(e.tokenizer.Encode(text, nil, nil))
}

func (e *Engine) countParts(parts []llm.Part) int {
	n := 0
	for _, p := range parts {
		switch p.Type {
		case llm.PartText:
			n += e.CountText(p.Text)
		case llm.PartImage:
			n += e.imageTokens
		}
	}
	return n
}

// Count estimates the tokens item costs in a request.
func (e *Engine) Count(item llm.Item) int {
	n := itemOverhead
	switch it := item.(type) {
	case llm.UserMessage:
		n += e.countParts(it.Content)
	case llm.AssistantMessage:
		n += e.countParts(it.Content)
	case llm.ActionCall:
		if it.Action != nil {
			if raw, err := llm.MarshalAction(it.Action); err == nil {
				n += e.CountText(string(raw))
			}
		}
		for _, r := range it.Reasoning {
			n += e.CountText(string(r))
		}
		for _, c := range it.PendingSafetyChecks {
			n += e.CountText(c.Message)
		}
	case llm.ActionResult:
		n += e.CountText(it.Error)
		if obs := it.Observation; obs != nil {
			if obs.Image != "" && obs.Image != llm.Placeholder {
				n += e.imageTokens
			}
			n += e.CountText(obs.CurrentURL) + e.CountText(obs.PageText)
		}
	default:
		if raw, err := json.Marshal(item); err == nil {
			n += e.CountText(string(raw))
		}
	}
	return n
}

// Total sums Count over items.
func (e *Engine) Total(items []llm.Item) int {
	n := 0
	for _, it := range items {
		n += e.Count(it)
	}
	return n
}

// Window drops the oldest whole exchanges from items until the rest plus
// system fits the budget. Cuts happen only before a UserMessage, so an
// action call is never separated from its result. When even the newest
// exchange does not fit it is returned alone.
func (e *Engine) Window(items []llm.Item, system string) []llm.Item {
	budget := e.Budget() - e.CountText(system)
	total := e.Total(items)
	if total <= budget {
		return items
	}

	last := 0
	for i := 1; i < len(items); i++ {
		if _, ok := items[i].(llm.UserMessage); !ok {
			continue
		}
		total -= e.Total(items[last:i])
		last = i
		if total <= budget {
			return items[i:]
		}
	}
	return items[last:]
}
