package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedProvider struct {
	MockProvider
	name string
}

func (p *namedProvider) Vendor() string { return p.name }

func factoryNamed(name string) Factory {
	return func(string) (Provider, error) { return &namedProvider{name: name}, nil }
}

func TestRegistryLongestPrefixWins(t *testing.T) {
	r := NewRegistry()
	r.Register("claude-", factoryNamed("messages"))
	r.Register("claude-3-7", factoryNamed("messages-37"))
	r.SetDefault(factoryNamed("responses"))

	cases := map[string]string{
		"claude-sonnet-4":      "messages",
		"claude-3-7-sonnet":    "messages-37",
		"computer-use-preview": "responses",
	}
	for model, want := range cases {
		p, err := r.Resolve(model)
		require.NoError(t, err, model)
		assert.Equal(t, want, p.Vendor(), model)
	}
	assert.Equal(t, []string{"claude-", "claude-3-7"}, r.Prefixes())
}

func TestRegistryNoDefault(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("gpt-4o")
	assert.Error(t, err)
}

func TestRegistryFactoryError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("no api key")
	r.SetDefault(func(string) (Provider, error) { return nil, boom })
	_, err := r.Resolve("x")
	assert.ErrorIs(t, err, boom)
}
