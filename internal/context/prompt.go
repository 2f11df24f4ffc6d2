package context

import (
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/user/cua/pkg/computer"
)

// PromptData is available to system prompt templates.
type PromptData struct {
	Time        string
	SessionID   string
	Environment computer.Environment
	Width       int
	Height      int
	StartURL    string
	Blocked     string
}

// NewPromptData fills the prompt fields from a backend descriptor.
func NewPromptData(sessionID string, d computer.Descriptor, startURL string, blocked []string) PromptData {
	return PromptData{
		Time:        time.Now().Format(time.RFC3339),
		SessionID:   sessionID,
		Environment: d.Environment,
		Width:       d.Dimensions.Width,
		Height:      d.Dimensions.Height,
		StartURL:    startURL,
		Blocked:     strings.Join(blocked, ", "),
	}
}

// DefaultPrompt is the system prompt template used by the daemon when no
// custom prompt file is configured.
const DefaultPrompt = `You are an assistant that operates a computer on behalf of a user who talks to you through chat.

## Current Context

- Time: {{.Time}}
- Session: {{.SessionID}}
- Environment: {{.Environment}}, display {{.Width}}x{{.Height}}
{{- if .StartURL}}
- The browser was opened at {{.StartURL}}
{{- end}}

## Working With the Computer

You see the screen through screenshots and act with the computer tool: click, double_click, scroll, type, keypress, wait, move, drag and screenshot. Coordinates are pixels from the top-left corner of the display.

- Take one step at a time and check the next screenshot before assuming an action worked.
- If an action result says it was not performed, read the reason and choose a different approach.
- Some actions need the user's confirmation. If the user declines, do not try to work around it.
{{- if .Blocked}}
- These sites are off limits and actions on them will be refused: {{.Blocked}}
{{- end}}

## Response Style

- When the task is finished, reply with a short summary of what you did and what you found.
- If you cannot finish, say what stopped you.
- The user sees your final message and the last screenshot, so do not describe the screen at length.
`

// RenderPrompt executes tmpl with data.
func RenderPrompt(tmpl string, data PromptData) (string, error) {
	t, err := template.New("system").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse prompt template: %w", err)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return b.String(), nil
}

// LoadPrompt returns the template at path, or fallback when path is empty.
func LoadPrompt(path, fallback string) (string, error) {
	if path == "" {
		return fallback, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt %s: %w", path, err)
	}
	return string(data), nil
}
