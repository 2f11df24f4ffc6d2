package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRegistryDeliver(t *testing.T) {
	reg := NewRegistry()

	var gotKey string
	var gotMsg Message
	reg.Register("test:", func(sessionKey string, msg Message) error {
		gotKey = sessionKey
		gotMsg = msg
		return nil
	})

	require.NoError(t, reg.Deliver("test:123", Message{Text: "hello", Image: "iVBORw0KGgo="}))
	assert.Equal(t, "test:123", gotKey)
	assert.Equal(t, Message{Text: "hello", Image: "iVBORw0KGgo="}, gotMsg)
}

func TestRegistryNoHandler(t *testing.T) {
	reg := NewRegistry()
	assert.ErrorContains(t, reg.Deliver("unknown:123", Message{Text: "hello"}), "unknown:123")
}

func TestRegistryMultiplePrefixes(t *testing.T) {
	reg := NewRegistry()

	var telegramCalls, httpCalls int
	reg.Register("telegram:", func(string, Message) error {
		telegramCalls++
		return nil
	})
	reg.Register("http:", func(string, Message) error {
		httpCalls++
		return nil
	})

	require.NoError(t, reg.Deliver("telegram:42:100", Message{Text: "msg1"}))
	require.NoError(t, reg.Deliver("http:general", Message{Text: "msg2"}))
	assert.Equal(t, 1, telegramCalls)
	assert.Equal(t, 1, httpCalls)
}

func TestRegistryLongestPrefixWins(t *testing.T) {
	reg := NewRegistry()

	var got string
	reg.Register("telegram:", func(string, Message) error {
		got = "any"
		return nil
	})
	reg.Register("telegram:42:", func(string, Message) error {
		got = "user"
		return nil
	})

	require.NoError(t, reg.Deliver("telegram:42:100", Message{Text: "x"}))
	assert.Equal(t, "user", got)
	require.NoError(t, reg.Deliver("telegram:7:100", Message{Text: "x"}))
	assert.Equal(t, "any", got)
}

func TestLogHandler(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	reg := NewRegistry()
	reg.Register("", LogHandler(zap.New(core)))

	require.NoError(t, reg.Deliver("cron:daily", Message{Text: "All done", Image: "abc"}))
	entries := logs.FilterMessage("task result").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "cron:daily", fields["session_key"])
	assert.Equal(t, "All done", fields["text"])
	assert.Equal(t, true, fields["screenshot"])
}

func TestMessageEmpty(t *testing.T) {
	assert.True(t, Message{}.Empty())
	assert.False(t, Message{Image: "x"}.Empty())
}
