package webhook

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/user/cua/internal/state"
	"github.com/user/cua/internal/types"
	"github.com/user/cua/pkg/llm"
)

// TaskRequest is one prompt to run. Task names the stored task it came
// from and is empty for ad-hoc prompts.
type TaskRequest struct {
	Task            string
	SessionKey      string
	Prompt          string
	StartURL        string
	AutoAcknowledge bool
}

// TaskHandler runs req as a turn and returns the final assistant text.
type TaskHandler func(r *http.Request, req TaskRequest) (string, error)

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server is a lightweight HTTP handler for webhook endpoints and the debug
// API.
type Server struct {
	store     *state.TaskStore
	handler   TaskHandler
	sessions  types.SessionStore
	events    types.EventStore
	artifacts types.ArtifactStore
	metrics   http.Handler
	logger    *zap.Logger
	mux       *http.ServeMux
}

// NewServer creates a new webhook Server with the given task store, handler callback, and stores.
func NewServer(store *state.TaskStore, handler TaskHandler, sessions types.SessionStore, events types.EventStore, artifacts types.ArtifactStore, opts ...Option) *Server {
	s := &Server{
		store:     store,
		handler:   handler,
		sessions:  sessions,
		events:    events,
		artifacts: artifacts,
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("webhook")

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /webhook", s.handleAdHoc)
	s.mux.HandleFunc("POST /webhook/{name}", s.handleNamedTask)
	s.mux.HandleFunc("GET /api/sessions", s.handleAPISessions)
	s.mux.HandleFunc("GET /api/sessions/{id}/events", s.handleAPISessionEvents)
	s.mux.HandleFunc("GET /api/sessions/{id}/artifacts", s.handleAPISessionArtifacts)
	s.mux.HandleFunc("GET /api/artifacts/{id}", s.handleAPIArtifact)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// adHocRequest is the JSON body for POST /webhook.
type adHocRequest struct {
	Prompt     string `json:"prompt"`
	SessionKey string `json:"session_key"`
}

func (s *Server) handleAdHoc(w http.ResponseWriter, r *http.Request) {
	var req adHocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	if req.Prompt == "" || req.SessionKey == "" {
		http.Error(w, `{"error":"prompt and session_key are required"}`, http.StatusBadRequest)
		return
	}
	if _, err := types.ParseSessionKey(req.SessionKey); err != nil {
		http.Error(w, `{"error":"session_key must look like <source>:<id>"}`, http.StatusBadRequest)
		return
	}

	resp, err := s.handler(r, TaskRequest{SessionKey: req.SessionKey, Prompt: req.Prompt})
	if err != nil {
		s.logger.Error("ad-hoc handler failed", zap.String("session_key", req.SessionKey), zap.Error(err))
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"response": resp})
}

// namedTaskRequest is the optional JSON body for POST /webhook/{name}.
type namedTaskRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleNamedTask(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		http.Error(w, `{"error":"task name required"}`, http.StatusBadRequest)
		return
	}

	task, err := s.store.Get(name)
	if err != nil {
		http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
		return
	}

	if !task.Enabled {
		http.Error(w, `{"error":"task is disabled"}`, http.StatusForbidden)
		return
	}

	req := TaskRequest{
		Task:            task.Name,
		SessionKey:      task.SessionKey,
		Prompt:          task.Prompt,
		StartURL:        task.StartURL,
		AutoAcknowledge: task.AutoAcknowledge,
	}
	// The body may replace the prompt.
	var body namedTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Prompt != "" {
		req.Prompt = body.Prompt
	}

	resp, err := s.handler(r, req)
	if err != nil {
		s.logger.Error("named task handler failed", zap.String("task", name), zap.Error(err))
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"response": resp})
}

type sessionResponse struct {
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
	Model      string `json:"model"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
	EventCount int64  `json:"event_count"`
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil || s.events == nil {
		http.Error(w, `{"error":"debug API not configured"}`, http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		s.logger.Error("list sessions failed", zap.Error(err))
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	result := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		count, err := s.events.Count(ctx, sess.SessionID)
		if err != nil {
			s.logger.Warn("count events failed", zap.String("session_id", string(sess.SessionID)), zap.Error(err))
		}
		result = append(result, sessionResponse{
			SessionID:  string(sess.SessionID),
			SessionKey: string(sess.SessionKey),
			Model:      sess.Model,
			Status:     sess.Status,
			CreatedAt:  sess.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			UpdatedAt:  sess.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
			EventCount: count,
		})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt > result[j].UpdatedAt
	})
	writeJSON(w, result)
}

// sanitizeEvent re-encodes item payloads without observation images.
func sanitizeEvent(ev *types.Event) *types.Event {
	if !ev.IsItem() {
		return ev
	}
	item, err := llm.UnmarshalItem(ev.Payload)
	if err != nil {
		return ev
	}
	payload, err := llm.MarshalItem(llm.Sanitize(item))
	if err != nil {
		return ev
	}
	out := *ev
	out.Payload = payload
	return &out
}

func (s *Server) handleAPISessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, `{"error":"debug API not configured"}`, http.StatusServiceUnavailable)
		return
	}
	sessionID := types.SessionID(r.PathValue("id"))

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.events.Tail(r.Context(), sessionID, limit)
	if err != nil {
		s.logger.Error("tail events failed", zap.String("session_id", string(sessionID)), zap.Error(err))
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	out := make([]*types.Event, 0, len(events))
	for _, ev := range events {
		out = append(out, sanitizeEvent(ev))
	}
	writeJSON(w, out)
}

func (s *Server) handleAPISessionArtifacts(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil {
		http.Error(w, `{"error":"debug API not configured"}`, http.StatusServiceUnavailable)
		return
	}
	metas, err := s.artifacts.List(r.Context(), types.SessionID(r.PathValue("id")))
	if err != nil {
		s.logger.Error("list artifacts failed", zap.Error(err))
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if metas == nil {
		metas = []*types.ArtifactMeta{}
	}
	writeJSON(w, metas)
}

func (s *Server) handleAPIArtifact(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil {
		http.Error(w, `{"error":"debug API not configured"}`, http.StatusServiceUnavailable)
		return
	}
	data, meta, err := s.artifacts.Get(r.Context(), types.ArtifactID(r.PathValue("id")))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("get artifact failed", zap.Error(err))
		}
		http.Error(w, `{"error":"artifact not found"}`, http.StatusNotFound)
		return
	}
	if r.URL.Query().Has("meta") {
		writeJSON(w, meta)
		return
	}
	mime := meta.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	var b strings.Builder
	b.WriteString("<html><body><h1>cua</h1><ul>")
	for _, link := range []string{"/health", "/api/sessions", "/metrics"} {
		b.WriteString(`<li><a href="` + link + `">` + link + "</a></li>")
	}
	b.WriteString("</ul></body></html>")
	w.Write([]byte(b.String()))
}
