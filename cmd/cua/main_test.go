package main

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/cua/internal/config"
	"github.com/user/cua/internal/urlguard"
	"github.com/user/cua/pkg/computer"
	"github.com/user/cua/pkg/llm"
	"github.com/user/cua/pkg/llm/anthropic"
	"github.com/user/cua/pkg/llm/openai"
)

func TestRegistryRoutesByModel(t *testing.T) {
	cfg := config.Default()
	cfg.OpenAI.APIKey = "sk-test"
	cfg.Anthropic.APIKey = "ak-test"
	reg := newRegistry(cfg, nil)

	p, err := reg.Resolve("claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, anthropic.Vendor, p.Vendor())

	p, err = reg.Resolve("computer-use-preview")
	require.NoError(t, err)
	assert.Equal(t, openai.Vendor, p.Vendor())
}

func TestRegistryRequiresKey(t *testing.T) {
	reg := newRegistry(config.Default(), nil)
	_, err := reg.Resolve("claude-sonnet-4")
	assert.ErrorContains(t, err, "ANTHROPIC_API_KEY")
	_, err = reg.Resolve("computer-use-preview")
	assert.ErrorContains(t, err, "OPENAI_API_KEY")
}

func TestMaxTokens(t *testing.T) {
	cfg := config.Default()
	cfg.OpenAI.MaxTokens = 1000
	cfg.Anthropic.MaxTokens = 2000
	assert.Equal(t, 2000, maxTokens(cfg, "claude-3-opus"))
	assert.Equal(t, 1000, maxTokens(cfg, "computer-use-preview"))
}

func TestComputerFactory(t *testing.T) {
	for _, backend := range []string{"", "browser", "docker"} {
		f, err := computerFactory(config.ComputerConfig{Backend: backend, Container: "desk"}, urlguard.New(urlguard.DefaultBlocked), nil)
		require.NoError(t, err, backend)
		assert.NotNil(t, f)
	}
	_, err := computerFactory(config.ComputerConfig{Backend: "windows11"}, nil, nil)
	assert.ErrorContains(t, err, "windows11")
}

func TestStepPrinter(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	p := newStepPrinter(&out, dir)

	png := base64.StdEncoding.EncodeToString([]byte("\x89PNG"))
	p.OnItem(llm.ActionCall{CallID: "c1", Action: llm.Click{X: 10, Y: 20, Button: computer.ButtonLeft}})
	p.OnItem(llm.ActionResult{CallID: "c1", Status: llm.StatusOK, Observation: &llm.Observation{Image: png}})
	p.OnItem(llm.ActionResult{CallID: "c2", Status: llm.StatusBlocked, Error: "blocked"})
	p.OnItem(llm.AssistantText("Done."))

	text := out.String()
	assert.Contains(t, text, `click({"x":10,"y":20,"button":"left"})`)
	assert.Contains(t, text, "-> blocked: blocked")
	assert.Contains(t, text, "Done.")
	assert.NotContains(t, text, png)

	data, err := os.ReadFile(filepath.Join(dir, "001-c1.png"))
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(data))
}

func TestDescribeItem(t *testing.T) {
	assert.Equal(t, "hello", describeItem(llm.UserText("hello")))
	assert.Equal(t, "c1 failed: boom @ https://example.com", describeItem(llm.ActionResult{
		CallID: "c1", Status: llm.StatusFailed, Error: "boom",
		Observation: &llm.Observation{CurrentURL: "https://example.com"},
	}))
	assert.Contains(t, describeItem(llm.ActionCall{
		CallID: "c2", Action: llm.Type{Text: "cats"},
		PendingSafetyChecks: []llm.SafetyCheck{{ID: "s1"}},
	}), "[1 safety checks]")
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs(" 1, 22 ,,333")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 22, 333}, ids)
	assert.Equal(t, "1,22,333", joinIDs(ids))

	_, err = parseIDs("abc")
	assert.Error(t, err)
}
