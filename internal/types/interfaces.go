package types

import (
	"context"
)

type SessionStore interface {
	ResolveOrCreate(ctx context.Context, key SessionKey, model string) (SessionID, error)
	Get(ctx context.Context, id SessionID) (*SessionIndex, error)
	List(ctx context.Context) ([]*SessionIndex, error)
	Update(ctx context.Context, session *SessionIndex) error
	Delete(ctx context.Context, id SessionID) error
}

type EventStore interface {
	Append(ctx context.Context, event *Event) error
	Tail(ctx context.Context, sessionID SessionID, limit int) ([]*Event, error)
	Count(ctx context.Context, sessionID SessionID) (int64, error)
	Delete(ctx context.Context, sessionID SessionID) error
}

type ArtifactStore interface {
	Put(ctx context.Context, meta *ArtifactMeta, data []byte) (ArtifactID, error)
	Get(ctx context.Context, id ArtifactID) ([]byte, *ArtifactMeta, error)
	List(ctx context.Context, sessionID SessionID) ([]*ArtifactMeta, error)
}
