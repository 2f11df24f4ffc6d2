package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SessionKey names a conversation from the outside, as "<source>:<id>..."
// (telegram:<user>:<chat>, task:<name>, http:<anything>). Keys map to
// SessionIDs through the session index.
type SessionKey string

// SessionID, RunID, EventID and ArtifactID are random UUIDs.
type (
	SessionID  string
	RunID      string
	EventID    string
	ArtifactID string
)

func NewSessionID() SessionID   { return SessionID(uuid.NewString()) }
func NewRunID() RunID           { return RunID(uuid.NewString()) }
func NewEventID() EventID       { return EventID(uuid.NewString()) }
func NewArtifactID() ArtifactID { return ArtifactID(uuid.NewString()) }

// NewSessionKey joins parts with ":".
func NewSessionKey(parts ...string) SessionKey {
	return SessionKey(strings.Join(parts, ":"))
}

// ParseSessionKey accepts keys with a source and at least one non-empty id
// part, without whitespace.
func ParseSessionKey(raw string) (SessionKey, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 {
		return "", fmt.Errorf("session key %q: want <source>:<id>", raw)
	}
	for _, p := range parts {
		if p == "" || strings.ContainsAny(p, " \t\r\n") {
			return "", fmt.Errorf("session key %q: empty or blank part", raw)
		}
	}
	return SessionKey(raw), nil
}

// Source is the part before the first ":".
func (k SessionKey) Source() string {
	source, _, _ := strings.Cut(string(k), ":")
	return source
}

// Parts returns the ":"-separated parts after the source.
func (k SessionKey) Parts() []string {
	_, rest, ok := strings.Cut(string(k), ":")
	if !ok {
		return nil
	}
	return strings.Split(rest, ":")
}
