package repositories

import "context"

// SessionStore persists the most recent session id per credential scope so a
// client rebuilt with the same credentials can resume its play-through.
type SessionStore interface {
	// SaveCurrentSession records sessionID as the current session for scope.
	SaveCurrentSession(ctx context.Context, scope, sessionID string) error
	// CurrentSession returns the recorded session id for scope, or "" when
	// none is recorded.
	CurrentSession(ctx context.Context, scope string) (string, error)
	// ClearCurrentSession forgets the recorded session for scope.
	ClearCurrentSession(ctx context.Context, scope string) error
}
