package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestFlatten(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want map[string]any
	}{
		{"empty", map[string]any{}, map[string]any{}},
		{
			"simple",
			map[string]any{"model": "computer-use-preview", "max_rounds": 50},
			map[string]any{"model": "computer-use-preview", "max_rounds": 50},
		},
		{
			"nested",
			map[string]any{"computer": map[string]any{"backend": "browser", "width": 1024}},
			map[string]any{"computer.backend": "browser", "computer.width": 1024},
		},
		{
			"deeply nested",
			map[string]any{"a": map[string]any{"b": map[string]any{"c": "deep"}}},
			map[string]any{"a.b.c": "deep"},
		},
		{
			"empty nested map dropped",
			map[string]any{"log": map[string]any{}},
			map[string]any{},
		},
		{
			"mixed types",
			map[string]any{"str": "hello", "num": 42, "bool": true, "float": 3.14, "list": []any{"x"}},
			map[string]any{"str": "hello", "num": 42, "bool": true, "float": 3.14, "list": []any{"x"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Flatten(tt.in))
		})
	}
}

func TestFlatten_AnyKeyedMap(t *testing.T) {
	got := Flatten(map[string]any{"safety": map[any]any{"stop_on_denial": true}})
	assert.Equal(t, map[string]any{"safety.stop_on_denial": true}, got)
}

func TestUnflatten(t *testing.T) {
	got := Unflatten(map[string]any{
		"model":             "claude-3-7-sonnet",
		"anthropic.api_key": "k",
		"a.b.c":             "deep",
	})
	assert.Equal(t, map[string]any{
		"model":     "claude-3-7-sonnet",
		"anthropic": map[string]any{"api_key": "k"},
		"a":         map[string]any{"b": map[string]any{"c": "deep"}},
	}, got)
	assert.Empty(t, Unflatten(map[string]any{}))
}

func TestRoundTrip_FlattenUnflatten(t *testing.T) {
	m, err := ToMap(Default())
	require.NoError(t, err)

	restored := Unflatten(Flatten(m))

	// Compare through YAML so map[string]any and nested types line up.
	want, err := yaml.Marshal(m)
	require.NoError(t, err)
	got, err := yaml.Marshal(restored)
	require.NoError(t, err)
	assert.YAMLEq(t, string(want), string(got))
}

func TestMaskSecrets(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
		want  any
	}{
		{"openai key", "openai.api_key", "sk-test123456", "***3456"},
		{"anthropic key", "anthropic.api_key", "ant-abcdef1234", "***1234"},
		{"telegram token", "telegram.token", "123456:ABCdefGHIjkl", "***Ijkl"},
		{"empty secret", "openai.api_key", "", ""},
		{"short secret", "openai.api_key", "ab", "***ab"},
		{"exactly four", "openai.api_key", "abcd", "***abcd"},
		{"non-string secret", "telegram.token", 12345, 12345},
		{"not a secret", "computer.backend", "browser", "browser"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MaskSecrets(map[string]any{tt.key: tt.value, "log.level": "info"})
			assert.Equal(t, tt.want, got[tt.key])
			assert.Equal(t, "info", got["log.level"])
		})
	}
}

func TestIsSecretKey(t *testing.T) {
	assert.True(t, IsSecretKey("openai.api_key"))
	assert.True(t, IsSecretKey("anthropic.api_key"))
	assert.True(t, IsSecretKey("telegram.token"))
	assert.False(t, IsSecretKey("openai.base_url"))
}
