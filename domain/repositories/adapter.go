package repositories

import (
	"context"
	"net/http"

	"github.com/adventlabs/storyplay/domain/entities"
)

// MessageDescriptor is the shape returned by create/send for a freshly
// persisted game-side message. Stream says whether an SSE connection should
// be opened at all; HasImage/HasAudio say which completion channels the turn
// is expected to fill.
type MessageDescriptor struct {
	ID           string                 `json:"id"`
	Stream       bool                   `json:"stream"`
	HasImage     bool                   `json:"hasImage"`
	ImagePrompt  string                 `json:"imagePrompt,omitempty"`
	HasAudio     bool                   `json:"hasAudio"`
	StatusFields []entities.StatusField `json:"statusFields,omitempty"`
}

// LoadedMessage is one previously persisted turn returned by LoadSession.
type LoadedMessage struct {
	ID           string                 `json:"id"`
	Type         entities.MessageType   `json:"type"`
	Text         string                 `json:"text"`
	IsStreaming  bool                   `json:"isStreaming"`
	StatusFields []entities.StatusField `json:"statusFields,omitempty"`
	ImageStatus  entities.ImageStatus   `json:"imageStatus"`
	ImageHash    string                 `json:"imageHash,omitempty"`
	HasAudio     bool                   `json:"hasAudio"`
}

// CreateSessionResult is the backend's answer to CreateSession. It must carry
// at least one message descriptor; an empty list is a session-level failure.
type CreateSessionResult struct {
	Session  entities.Session
	Messages []MessageDescriptor
}

// LoadSessionResult is the backend's answer to LoadSession. APIKeyID is empty
// when the backend holds no server-recognized credential for the session,
// which forces the needs-api-key phase.
type LoadSessionResult struct {
	Session  entities.Session
	APIKeyID string
	Messages []LoadedMessage
}

// SessionAdapter abstracts the backend API that creates, continues, and
// rehydrates sessions. The streaming and polling endpoints are public by
// design and bypass the adapter; only the stream headers come from it.
type SessionAdapter interface {
	// StreamHeaders builds the headers for the SSE connection, e.g. a bearer
	// token lookup.
	StreamHeaders(ctx context.Context) (http.Header, error)
	// CreateSession starts a new play-through and returns its first turn.
	CreateSession(ctx context.Context) (*CreateSessionResult, error)
	// SendAction submits a player action and returns the descriptor of the
	// game-side message that will answer it.
	SendAction(ctx context.Context, sessionID, text string, statusFields []entities.StatusField) (*MessageDescriptor, error)
	// LoadSession rehydrates an existing session after reload or navigation.
	LoadSession(ctx context.Context, sessionID string) (*LoadSessionResult, error)
	// OnSessionCreated is a fire-and-forget side effect hook, e.g. cache
	// invalidation or local persistence of the session id.
	OnSessionCreated(sessionID string)
}
