package llm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNetworkErrorTemporary(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{0, true},
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{401, false},
		{404, false},
	}
	for _, tt := range tests {
		err := &NetworkError{Vendor: "openai", StatusCode: tt.status, Err: errors.New("x")}
		assert.Equal(t, tt.want, err.Temporary(), "status %d", tt.status)
	}
}

func TestIsTemporaryWrapped(t *testing.T) {
	err := fmt.Errorf("query model: %w", &NetworkError{Vendor: "anthropic", StatusCode: 529})
	assert.True(t, IsTemporary(err))
	assert.False(t, IsTemporary(Malformed("anthropic", "missing content")))
	assert.False(t, IsTemporary(errors.New("plain")))
}

func TestMalformedResponseError(t *testing.T) {
	err := fmt.Errorf("turn: %w", Malformed("openai", "missing %s", "output"))
	var me *MalformedResponseError
	assert.True(t, errors.As(err, &me))
	assert.Equal(t, "openai", me.Vendor)
	assert.Contains(t, err.Error(), "missing output")
}
