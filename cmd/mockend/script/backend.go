// Package script implements the scripted mock backend: sessions whose turns
// reveal a canned narration at a fixed word rate, with image and status-field
// progression derived from elapsed time.
package script

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/adventlabs/storyplay/domain/entities"
)

const (
	wordInterval = 120 * time.Millisecond
	imageLag     = 2 * time.Second
	streamTick   = 150 * time.Millisecond
)

var openings = []string{
	"You wake on a cold stone floor. Torchlight flickers along the walls of a corridor that should not exist beneath your house.",
	"The harbor bell rings three times. Nobody has rung that bell in forty years, and the fog is rolling in fast.",
	"A letter waits on your desk, sealed with wax the color of dried blood. It is addressed to you, in your own handwriting.",
}

var replies = []string{
	"The corridor narrows as you advance. Somewhere ahead, water drips in a slow, deliberate rhythm, almost like a signal.",
	"Your torch gutters. In the brief darkness you hear breathing that is not your own, patient and very close.",
	"The passage opens into a vaulted chamber. An iron door stands at the far end, and it is already ajar.",
}

// turn is one scripted game-side message. All progress is computed from
// elapsed time, so the handlers stay stateless between requests.
type turn struct {
	id       string
	text     string
	words    []string
	started  time.Time
	hasImage bool
	fields   []entities.StatusField
}

func newTurn(text string, hasImage bool, fields []entities.StatusField) *turn {
	return &turn{
		id:       uuid.NewString(),
		text:     text,
		words:    strings.Fields(text),
		started:  time.Now(),
		hasImage: hasImage,
		fields:   fields,
	}
}

// revealedWords returns how many words have been revealed by now.
func (t *turn) revealedWords(now time.Time) int {
	n := int(now.Sub(t.started)/wordInterval) + 1
	if n > len(t.words) {
		n = len(t.words)
	}
	if n < 0 {
		n = 0
	}
	return n
}

func (t *turn) revealedText(now time.Time) string {
	return strings.Join(t.words[:t.revealedWords(now)], " ")
}

func (t *turn) textDone(now time.Time) bool {
	return t.revealedWords(now) == len(t.words)
}

func (t *turn) imageStatus(now time.Time) entities.ImageStatus {
	if !t.hasImage {
		return entities.ImageStatusNone
	}
	if t.textDone(now) && now.Sub(t.started) >= time.Duration(len(t.words))*wordInterval+imageLag {
		return entities.ImageStatusComplete
	}
	return entities.ImageStatusGenerating
}

func (t *turn) imageHash(now time.Time) string {
	if t.imageStatus(now) != entities.ImageStatusComplete {
		return ""
	}
	return fmt.Sprintf("img-%s", t.id[:8])
}

// session is one scripted play-through.
type session struct {
	id      string
	turns   []*turn
	replies int
}

// Backend holds the scripted sessions and registers the HTTP surface.
type Backend struct {
	mu       sync.Mutex
	sessions map[string]*session
	turns    map[string]*turn
	logger   *zap.Logger
}

// NewBackend creates an empty scripted backend.
func NewBackend(logger *zap.Logger) *Backend {
	return &Backend{
		sessions: make(map[string]*session),
		turns:    make(map[string]*turn),
		logger:   logger,
	}
}

// Register wires the backend's routes onto e.
func (b *Backend) Register(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "storyplay-mockend",
		})
	})

	v1 := e.Group("/api/v1")
	v1.POST("/sessions", b.createSession)
	v1.POST("/sessions/:id/messages", b.sendAction)
	v1.GET("/sessions/:id", b.loadSession)

	// Public by design: streamed/polled by message id only.
	e.GET("/messages/:id/stream", b.streamMessage)
	e.GET("/messages/:id/status", b.messageStatus)
}

func (b *Backend) createSession(c echo.Context) error {
	b.mu.Lock()
	s := &session{id: uuid.NewString()}
	first := newTurn(openings[len(b.sessions)%len(openings)], true, []entities.StatusField{
		{Name: "Health", Value: "10"},
		{Name: "Location", Value: "Unknown"},
	})
	s.turns = append(s.turns, first)
	b.sessions[s.id] = s
	b.turns[first.id] = first
	b.mu.Unlock()

	b.logger.Info("Scripted session created",
		zap.String("sessionID", s.id),
		zap.String("messageID", first.id))

	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":              s.id,
		"gameId":          "scripted-dungeon",
		"gameName":        "The Scripted Dungeon",
		"gameDescription": "A canned adventure for exercising the client.",
		"apiKeyId":        "local",
		"messages": []map[string]interface{}{
			descriptorJSON(first),
		},
	})
}

func (b *Backend) sendAction(c echo.Context) error {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "invalid_request",
			"message": "action text is required",
		})
	}

	b.mu.Lock()
	s, ok := b.sessions[c.Param("id")]
	if !ok {
		b.mu.Unlock()
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "not_found",
			"message": "unknown session",
		})
	}
	reply := newTurn(replies[s.replies%len(replies)], s.replies%2 == 0, []entities.StatusField{
		{Name: "Health", Value: "9"},
		{Name: "Location", Value: "The corridor"},
	})
	s.replies++
	s.turns = append(s.turns, reply)
	b.turns[reply.id] = reply
	b.mu.Unlock()

	return c.JSON(http.StatusOK, descriptorJSON(reply))
}

func (b *Backend) loadSession(c echo.Context) error {
	b.mu.Lock()
	s, ok := b.sessions[c.Param("id")]
	if !ok {
		b.mu.Unlock()
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "not_found",
			"message": "unknown session",
		})
	}
	now := time.Now()
	loaded := make([]map[string]interface{}, 0, len(s.turns))
	for _, t := range s.turns {
		loaded = append(loaded, map[string]interface{}{
			"id":           t.id,
			"type":         "game",
			"text":         t.revealedText(now),
			"isStreaming":  !t.textDone(now),
			"imageStatus":  string(t.imageStatus(now)),
			"imageHash":    t.imageHash(now),
			"statusFields": t.fields,
		})
	}
	id := s.id
	b.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":              id,
		"gameId":          "scripted-dungeon",
		"gameName":        "The Scripted Dungeon",
		"gameDescription": "A canned adventure for exercising the client.",
		"apiKeyId":        "local",
		"loadedMessages":  loaded,
	})
}

func (b *Backend) streamMessage(c echo.Context) error {
	b.mu.Lock()
	t, ok := b.turns[c.Param("id")]
	b.mu.Unlock()
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "not_found",
			"message": "unknown message",
		})
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	ctx := c.Request().Context()
	sentWords := 0
	sentTextDone := false
	sentImageDone := false

	ticker := time.NewTicker(streamTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		now := time.Now()

		if n := t.revealedWords(now); n > sentWords {
			delta := strings.Join(t.words[sentWords:n], " ")
			if sentWords > 0 {
				delta = " " + delta
			}
			if err := writeEvent(resp, map[string]interface{}{"text": delta}); err != nil {
				return nil
			}
			sentWords = n
		}
		if !sentTextDone && t.textDone(now) {
			if err := writeEvent(resp, map[string]interface{}{"textDone": true}); err != nil {
				return nil
			}
			sentTextDone = true
		}
		if sentTextDone && !sentImageDone && t.hasImage {
			if t.imageStatus(now) == entities.ImageStatusComplete {
				if err := writeEvent(resp, map[string]interface{}{"imageDone": true}); err != nil {
					return nil
				}
				sentImageDone = true
			}
		}

		if sentTextDone && (!t.hasImage || sentImageDone) {
			return nil
		}
	}
}

func (b *Backend) messageStatus(c echo.Context) error {
	b.mu.Lock()
	t, ok := b.turns[c.Param("id")]
	b.mu.Unlock()
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "not_found",
			"message": "unknown message",
		})
	}

	now := time.Now()
	return c.JSON(http.StatusOK, entities.MessageStatus{
		Text:         t.revealedText(now),
		TextDone:     t.textDone(now),
		ImageStatus:  t.imageStatus(now),
		ImageHash:    t.imageHash(now),
		StatusFields: t.fields,
	})
}

// descriptorJSON emits the descriptor wire shape the client expects for a
// freshly created turn, which is always streamed.
func descriptorJSON(t *turn) map[string]interface{} {
	return map[string]interface{}{
		"id":           t.id,
		"stream":       true,
		"hasImage":     t.hasImage,
		"hasAudio":     false,
		"statusFields": t.fields,
	}
}

func writeEvent(resp *echo.Response, payload map[string]interface{}) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(resp, "data: %s\n\n", encoded); err != nil {
		return err
	}
	resp.Flush()
	return nil
}
