package entities

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// StreamChunk is one SSE wire unit. All fields are optional and independently
// checked; the backend may set any combination in one event. The set of fields
// is closed: events carrying unknown fields are rejected at the boundary.
type StreamChunk struct {
	Text      string `json:"text,omitempty"`
	TextDone  bool   `json:"textDone,omitempty"`
	ImageData string `json:"imageData,omitempty"`
	ImageDone bool   `json:"imageDone,omitempty"`
	AudioData string `json:"audioData,omitempty"`
	AudioDone bool   `json:"audioDone,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// ParseStreamChunk validates and decodes one `data:` payload.
func ParseStreamChunk(payload []byte) (StreamChunk, error) {
	var chunk StreamChunk
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&chunk); err != nil {
		return StreamChunk{}, fmt.Errorf("decode stream chunk: %w", err)
	}
	return chunk, nil
}

// IsError reports whether the chunk carries a backend-reported turn failure.
// An error chunk is fatal for the turn: no further chunks are processed.
func (c StreamChunk) IsError() bool {
	return c.Error != ""
}

// MessageStatus is the full snapshot served by the poll endpoint. Text is
// cumulative, not a delta.
type MessageStatus struct {
	Text         string        `json:"text"`
	TextDone     bool          `json:"textDone"`
	ImageStatus  ImageStatus   `json:"imageStatus"`
	ImageHash    string        `json:"imageHash,omitempty"`
	ImageError   string        `json:"imageError,omitempty"`
	StatusFields []StatusField `json:"statusFields,omitempty"`
}

// Settled reports whether polling has nothing left to observe: text is done
// and the image has reached a terminal state.
func (s MessageStatus) Settled() bool {
	return s.TextDone && s.ImageStatus.Resolved()
}
