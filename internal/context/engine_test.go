package context

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/cua/pkg/computer"
	"github.com/user/cua/pkg/llm"
)

func newEngine(t *testing.T, maxTokens, reserve int) *Engine {
	t.Helper()
	e, err := New("computer-use-preview", maxTokens, reserve)
	require.NoError(t, err)
	return e
}

func exchange(i int) []llm.Item {
	return []llm.Item{
		llm.UserText(strings.Repeat("word ", 50)),
		llm.ActionCall{CallID: "call_" + string(rune('a'+i)), Action: llm.Screenshot{}},
		llm.ActionResult{CallID: "call_" + string(rune('a'+i)), Status: llm.StatusOK, Observation: &llm.Observation{Image: "AAAA"}},
		llm.AssistantText("done"),
	}
}

func TestNewEngine(t *testing.T) {
	e := newEngine(t, 128000, 4096)
	assert.Equal(t, 128000-4096, e.Budget())
}

func TestImageTokens(t *testing.T) {
	assert.Equal(t, 1049, ImageTokens(computer.Dimensions{Width: 1024, Height: 768}))
	assert.Equal(t, 85, ImageTokens(computer.Dimensions{Width: 10, Height: 10}))
}

func TestCount(t *testing.T) {
	e := newEngine(t, 128000, 4096)

	text := e.Count(llm.UserText("hello world"))
	assert.Greater(t, text, itemOverhead)

	withImage := e.Count(llm.ActionResult{CallID: "c", Status: llm.StatusOK, Observation: &llm.Observation{Image: "AAAA"}})
	assert.GreaterOrEqual(t, withImage, 1049)

	sanitized := e.Count(llm.Sanitize(llm.ActionResult{CallID: "c", Status: llm.StatusOK, Observation: &llm.Observation{Image: "AAAA"}}))
	assert.Less(t, sanitized, 85, "placeholder images cost nothing")

	e.SetDisplay(computer.Dimensions{Width: 1920, Height: 1080})
	assert.Greater(t, e.Count(llm.ActionResult{CallID: "c", Observation: &llm.Observation{Image: "AAAA"}}), withImage)
}

func TestWindow_FitsUnchanged(t *testing.T) {
	e := newEngine(t, 128000, 4096)
	items := append(exchange(0), exchange(1)...)
	assert.Equal(t, items, e.Window(items, "system"))
}

func TestWindow_DropsOldestExchanges(t *testing.T) {
	e := newEngine(t, 128000, 4096)
	var items []llm.Item
	for i := 0; i < 5; i++ {
		items = append(items, exchange(i)...)
	}
	per := e.Total(exchange(0))
	e.maxTokens = e.reserve + 2*per + per/2

	got := e.Window(items, "")
	require.Len(t, got, 8)
	_, ok := got[0].(llm.UserMessage)
	assert.True(t, ok, "window starts at a user message")
	assert.Empty(t, llm.Unresolved(got))
	assert.Equal(t, items[12:], got)
}

func TestWindow_KeepsNewestExchangeWhenNothingFits(t *testing.T) {
	e := newEngine(t, 100, 90)
	items := append(exchange(0), exchange(1)...)
	assert.Equal(t, items[4:], e.Window(items, ""))
}

func TestRenderPrompt(t *testing.T) {
	data := NewPromptData("sess-1", computer.Descriptor{
		Environment: computer.EnvironmentBrowser,
		Dimensions:  computer.Dimensions{Width: 1024, Height: 768},
	}, "https://bing.com", []string{"maliciousbook.com"})

	out, err := RenderPrompt(DefaultPrompt, data)
	require.NoError(t, err)
	assert.Contains(t, out, "Session: sess-1")
	assert.Contains(t, out, "browser, display 1024x768")
	assert.Contains(t, out, "opened at https://bing.com")
	assert.Contains(t, out, "maliciousbook.com")

	_, err = RenderPrompt("{{.Missing", data)
	assert.Error(t, err)
}

func TestLoadPrompt(t *testing.T) {
	got, err := LoadPrompt("", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", got)

	path := filepath.Join(t.TempDir(), "prompt.tmpl")
	require.NoError(t, os.WriteFile(path, []byte("Env {{.Environment}}"), 0o644))
	got, err = LoadPrompt(path, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "Env {{.Environment}}", got)

	_, err = LoadPrompt(filepath.Join(t.TempDir(), "missing"), "")
	assert.Error(t, err)
}
