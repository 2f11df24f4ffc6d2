// Package delivery routes the results of unattended runs, such as scheduled
// tasks, back to the channel that owns the session.
package delivery

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Message is the outcome of a run: the final assistant text and, when the
// computer produced one, the last screenshot as base64 PNG.
type Message struct {
	Text  string
	Image string
}

// Empty reports whether there is nothing to deliver.
func (m Message) Empty() bool {
	return m.Text == "" && m.Image == ""
}

// Handler delivers a message to a session identified by sessionKey.
type Handler func(sessionKey string, msg Message) error

// Registry routes messages to the appropriate delivery handler based on
// session key prefix (e.g. "telegram:", "http:").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	prefixes []string
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for session keys starting with prefix. A later
// registration for the same prefix replaces the earlier one.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[prefix]; !ok {
		r.prefixes = append(r.prefixes, prefix)
		// Longest prefix wins.
		sort.SliceStable(r.prefixes, func(i, j int) bool {
			return len(r.prefixes[i]) > len(r.prefixes[j])
		})
	}
	r.handlers[prefix] = handler
}

// Deliver finds the handler matching the session key prefix and calls it.
// Returns an error if no handler is registered for the prefix.
func (r *Registry) Deliver(sessionKey string, msg Message) error {
	r.mu.RLock()
	var handler Handler
	for _, prefix := range r.prefixes {
		if strings.HasPrefix(sessionKey, prefix) {
			handler = r.handlers[prefix]
			break
		}
	}
	r.mu.RUnlock()
	if handler == nil {
		return fmt.Errorf("no delivery handler for session key: %s", sessionKey)
	}
	return handler(sessionKey, msg)
}

// LogHandler writes deliveries to logger. It serves session keys that have
// no chat to answer to.
func LogHandler(logger *zap.Logger) Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("delivery")
	return func(sessionKey string, msg Message) error {
		logger.Info("task result",
			zap.String("session_key", sessionKey),
			zap.String("text", msg.Text),
			zap.Bool("screenshot", msg.Image != ""),
		)
		return nil
	}
}
