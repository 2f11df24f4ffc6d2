package anthropic

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/cua/pkg/llm"
)

func TestClientComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		w.Write([]byte(`{"content":[{"type":"text","text":"Found "},{"type":"text","text":"it."}]}`))
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "test-key", Model: "claude-sonnet-4"})
	assert.Equal(t, Vendor, client.Vendor())

	resp, err := client.Complete(context.Background(), &llm.Request{
		Items: []llm.Item{llm.UserText("find it")},
		Tool:  testTool(),
	})
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "Found it.", resp.Items[0].(llm.AssistantMessage).Text())
}

func TestClientAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"type":"error","error":{"type":"authentication_error"}}`))
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "bad"})
	_, err := client.Complete(context.Background(), &llm.Request{Tool: testTool()})

	var ne *llm.NetworkError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, 401, ne.StatusCode)
	assert.False(t, ne.Temporary())
}
