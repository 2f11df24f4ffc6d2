package anthropic

import (
	"strings"
	"text/template"

	"github.com/user/cua/pkg/llm"
)

var systemTemplate = template.Must(template.New("system").Parse(
	"You are Claude, an AI assistant that can control a computer. " +
		"You can see screenshots of the computer and perform actions on it. " +
		"{{with .Dimensions}}The computer has a display of {{.Width}}x{{.Height}} pixels. {{end}}" +
		"You are working in a {{.Environment}} environment. " +
		"Analyze what you see and help the user accomplish their tasks."))

// SystemPrompt renders the default system prompt for a computer tool.
func SystemPrompt(t llm.ComputerTool) string {
	if t.Environment == "" {
		t.Environment = "browser"
	}
	if t.Dimensions.Width == 0 || t.Dimensions.Height == 0 {
		t.Dimensions.Width, t.Dimensions.Height = 1280, 720
	}
	var b strings.Builder
	if err := systemTemplate.Execute(&b, t); err != nil {
		return ""
	}
	return b.String()
}
