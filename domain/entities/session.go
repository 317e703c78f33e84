package entities

import (
	"encoding/json"
	"errors"
)

// GameInfo describes the game a session plays through.
type GameInfo struct {
	ID          string `json:"gameId"`
	Name        string `json:"gameName"`
	Description string `json:"gameDescription"`
}

// Session identifies one play-through. The id is opaque and assigned by the
// backend on creation; Theme is an opaque presentation payload passed through
// untouched. Sessions are never deleted by the client.
type Session struct {
	ID            string          `json:"id"`
	Game          GameInfo        `json:"game"`
	Theme         json.RawMessage `json:"theme,omitempty"`
	APIKeyPresent bool            `json:"apiKeyPresent"`
}

// Validate validates the session data.
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	return nil
}
