package computer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKey(t *testing.T) {
	cases := map[string]Key{
		"ctrl":      KeyCtrl,
		"Control":   KeyCtrl,
		"cmd":       KeyMeta,
		"Return":    KeyEnter,
		"ArrowLeft": KeyLeft,
		"esc":       KeyEscape,
		"a":         Key("a"),
		"A":         Key("A"),
		"f5":        Key("F5"),
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeKey(in), in)
	}
}

func TestSplitChord(t *testing.T) {
	mods, rest := SplitChord([]string{"ctrl", "shift", "t"})
	assert.Equal(t, []Key{KeyCtrl, KeyShift}, mods)
	assert.Equal(t, []Key{"t"}, rest)
}

func TestParseButton(t *testing.T) {
	b, err := ParseButton("")
	require.NoError(t, err)
	assert.Equal(t, ButtonLeft, b)

	b, err = ParseButton("middle")
	require.NoError(t, err)
	assert.Equal(t, ButtonWheel, b)

	_, err = ParseButton("thumb")
	assert.Error(t, err)
}

func TestParseEnvironment(t *testing.T) {
	env, err := ParseEnvironment("Browser")
	require.NoError(t, err)
	assert.Equal(t, EnvironmentBrowser, env)

	_, err = ParseEnvironment("amiga")
	assert.Error(t, err)
}
