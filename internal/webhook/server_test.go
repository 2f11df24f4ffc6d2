package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/cua/internal/metrics"
	"github.com/user/cua/internal/state"
	"github.com/user/cua/internal/types"
	"github.com/user/cua/pkg/llm"
)

type mockGateway struct {
	last           TaskRequest
	lastSessionKey string
	lastPrompt     string
	response       string
	err            error
}

func (m *mockGateway) HandleTask(_ *http.Request, req TaskRequest) (string, error) {
	m.last = req
	m.lastSessionKey = req.SessionKey
	m.lastPrompt = req.Prompt
	return m.response, m.err
}

type stores struct {
	tasks     *state.TaskStore
	sessions  *state.SessionStore
	events    *state.EventStore
	artifacts *state.ArtifactStore
}

func newStores(t *testing.T, tasks ...*state.Task) *stores {
	t.Helper()
	dir := t.TempDir()
	s := &stores{
		tasks:     state.NewTaskStore(filepath.Join(dir, "tasks.json")),
		sessions:  state.NewSessionStore(dir),
		events:    state.NewEventStore(dir),
		artifacts: state.NewArtifactStore(dir),
	}
	for _, task := range tasks {
		require.NoError(t, s.tasks.Add(task))
	}
	return s
}

func (s *stores) server(mock *mockGateway, opts ...Option) *Server {
	return NewServer(s.tasks, mock.HandleTask, s.sessions, s.events, s.artifacts, opts...)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestHealthEndpoint(t *testing.T) {
	srv := newStores(t).server(&mockGateway{})
	w := do(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])
}

func TestWebhookAdHoc(t *testing.T) {
	mock := &mockGateway{response: "searched for gophers"}
	srv := newStores(t).server(mock)

	w := do(t, srv, http.MethodPost, "/webhook", `{"prompt":"search for gophers","session_key":"http:test"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "searched for gophers", decode[map[string]string](t, w)["response"])
	assert.Equal(t, "http:test", mock.lastSessionKey)
	assert.Equal(t, "search for gophers", mock.lastPrompt)
	assert.Empty(t, mock.last.Task)
	assert.False(t, mock.last.AutoAcknowledge)
}

func TestWebhookAdHocErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"missing session key", `{"prompt":"hi"}`, nil, http.StatusBadRequest},
		{"malformed session key", `{"prompt":"hi","session_key":"nosource"}`, nil, http.StatusBadRequest},
		{"invalid json", `{`, nil, http.StatusBadRequest},
		{"handler failure", `{"prompt":"hi","session_key":"http:x"}`, assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newStores(t).server(&mockGateway{err: tt.err})
			assert.Equal(t, tt.want, do(t, srv, http.MethodPost, "/webhook", tt.body).Code)
		})
	}
}

func TestWebhookNamedTask(t *testing.T) {
	enabled := &state.Task{
		Name:            "news",
		Prompt:          "open the news",
		SessionKey:      "http:news",
		Enabled:         true,
		StartURL:        "https://news.example.com/",
		AutoAcknowledge: true,
	}
	disabled := &state.Task{Name: "off", Prompt: "disabled task", SessionKey: "http:off", Enabled: false}

	t.Run("runs task prompt", func(t *testing.T) {
		mock := &mockGateway{response: "headlines"}
		srv := newStores(t, enabled).server(mock)
		w := do(t, srv, http.MethodPost, "/webhook/news", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "headlines", decode[map[string]string](t, w)["response"])
		assert.Equal(t, TaskRequest{
			Task:            "news",
			SessionKey:      "http:news",
			Prompt:          "open the news",
			StartURL:        "https://news.example.com/",
			AutoAcknowledge: true,
		}, mock.last)
	})

	t.Run("body overrides prompt", func(t *testing.T) {
		mock := &mockGateway{response: "ok"}
		srv := newStores(t, enabled).server(mock)
		w := do(t, srv, http.MethodPost, "/webhook/news", `{"prompt":"open the weather"}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "open the weather", mock.lastPrompt)
		assert.Equal(t, "http:news", mock.lastSessionKey)
	})

	t.Run("not found", func(t *testing.T) {
		srv := newStores(t).server(&mockGateway{})
		assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/webhook/nonexistent", "").Code)
	})

	t.Run("disabled", func(t *testing.T) {
		srv := newStores(t, disabled).server(&mockGateway{})
		assert.Equal(t, http.StatusForbidden, do(t, srv, http.MethodPost, "/webhook/off", "").Code)
	})
}

func TestAPISessionsList(t *testing.T) {
	s := newStores(t)
	sid, err := s.sessions.ResolveOrCreate(context.Background(), "test:key", "computer-use-preview")
	require.NoError(t, err)

	w := do(t, s.server(&mockGateway{}), http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	result := decode[[]map[string]any](t, w)
	require.Len(t, result, 1)
	assert.Equal(t, string(sid), result[0]["session_id"])
	assert.Equal(t, "computer-use-preview", result[0]["model"])
}

func TestAPISessionsNotConfigured(t *testing.T) {
	srv := NewServer(state.NewTaskStore(filepath.Join(t.TempDir(), "t.json")), (&mockGateway{}).HandleTask, nil, nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodGet, "/api/sessions", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodGet, "/api/sessions/x/events", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodGet, "/api/artifacts/x", "").Code)
}

func TestAPISessionEventsSanitized(t *testing.T) {
	s := newStores(t)
	ctx := context.Background()
	sid := types.SessionID("sess-1")

	// An unsanitized result written by an older version still comes back
	// without its image.
	result := llm.ActionResult{
		CallID:      "c1",
		Status:      llm.StatusOK,
		Observation: &llm.Observation{Image: "iVBORw0KGgo=", CurrentURL: "https://example.com"},
	}
	payload, err := llm.MarshalItem(result)
	require.NoError(t, err)
	require.NoError(t, s.events.Append(ctx, &types.Event{
		ID: types.NewEventID(), SessionID: sid, Type: types.EventActionResult, At: time.Now(), Payload: payload,
	}))
	require.NoError(t, s.events.Append(ctx, &types.Event{
		ID: types.NewEventID(), SessionID: sid, Type: types.EventTurn, At: time.Now(), Payload: json.RawMessage(`{"state":"done"}`),
	}))

	w := do(t, s.server(&mockGateway{}), http.MethodGet, "/api/sessions/sess-1/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "iVBORw0KGgo=")

	events := decode[[]*types.Event](t, w)
	require.Len(t, events, 2)
	item, err := llm.UnmarshalItem(events[0].Payload)
	require.NoError(t, err)
	got := item.(llm.ActionResult)
	assert.Equal(t, llm.Placeholder, got.Observation.Image)
	assert.Equal(t, "https://example.com", got.Observation.CurrentURL)
	assert.JSONEq(t, `{"state":"done"}`, string(events[1].Payload))

	w = do(t, s.server(&mockGateway{}), http.MethodGet, "/api/sessions/sess-1/events?limit=1", "")
	assert.Len(t, decode[[]*types.Event](t, w), 1)
}

func TestAPIArtifacts(t *testing.T) {
	s := newStores(t)
	ctx := context.Background()
	id, err := s.artifacts.Put(ctx, &types.ArtifactMeta{
		SessionID: "sess-1",
		RunID:     "run-1",
		CallID:    "c1",
		Kind:      "screenshot",
		MimeType:  "image/png",
	}, []byte("\x89PNG-data"))
	require.NoError(t, err)
	srv := s.server(&mockGateway{})

	w := do(t, srv, http.MethodGet, "/api/artifacts/"+string(id), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, "\x89PNG-data", w.Body.String())

	w = do(t, srv, http.MethodGet, "/api/artifacts/"+string(id)+"?meta", "")
	require.Equal(t, http.StatusOK, w.Code)
	meta := decode[types.ArtifactMeta](t, w)
	assert.Equal(t, "c1", meta.CallID)

	w = do(t, srv, http.MethodGet, "/api/sessions/sess-1/artifacts", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]types.ArtifactMeta](t, w), 1)

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/artifacts/missing", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.ObserveTurn("done")

	srv := newStores(t).server(&mockGateway{}, WithMetrics(m.Handler()))
	w := do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cua_turns_total")

	bare := newStores(t).server(&mockGateway{})
	assert.Equal(t, http.StatusNotFound, do(t, bare, http.MethodGet, "/metrics", "").Code)
}

func TestIndex(t *testing.T) {
	srv := newStores(t).server(&mockGateway{})
	w := do(t, srv, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/sessions")
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/nope", "").Code)
}
