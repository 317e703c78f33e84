package entities

import "errors"

// MessageType distinguishes player-authored turns from AI-narrated ones.
type MessageType string

const (
	MessageTypePlayer MessageType = "player"
	MessageTypeGame   MessageType = "game"
)

// ImageStatus represents the lifecycle of a message's illustration.
type ImageStatus string

const (
	ImageStatusNone       ImageStatus = "none"
	ImageStatusGenerating ImageStatus = "generating"
	ImageStatusComplete   ImageStatus = "complete"
	ImageStatusError      ImageStatus = "error"
)

// Resolved reports whether the image channel has reached a terminal state.
// "none" counts as resolved: no image was requested for the turn.
func (s ImageStatus) Resolved() bool {
	return s == ImageStatusNone || s == ImageStatusComplete || s == ImageStatusError
}

// AudioStatus represents the lifecycle of a message's narration audio.
type AudioStatus string

const (
	AudioStatusNone    AudioStatus = ""
	AudioStatusLoading AudioStatus = "loading"
	AudioStatusReady   AudioStatus = "ready"
)

// StatusField is one name/value pair of in-game state (health, inventory, ...).
// The backend sends an authoritative snapshot; the list is replaced wholesale.
type StatusField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// StatusFieldsEqual reports whether two snapshots carry the same fields in the
// same order. Used to skip redundant updates from the polling path.
func StatusFieldsEqual(a, b []StatusField) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SceneMessage is one turn's content. Streaming fields (Text, IsStreaming,
// image/audio state) are mutated in place while the turn is in flight; the ID
// is immutable once assigned and the message list is append-only.
type SceneMessage struct {
	ID           string        `json:"id"`
	Type         MessageType   `json:"type"`
	Text         string        `json:"text"`
	IsStreaming  bool          `json:"isStreaming"`
	StatusFields []StatusField `json:"statusFields,omitempty"`
	ImageStatus  ImageStatus   `json:"imageStatus"`
	ImageHash    string        `json:"imageHash,omitempty"`
	ImagePreview []byte        `json:"-"`
	AudioStatus  AudioStatus   `json:"audioStatus,omitempty"`
	AudioData    []byte        `json:"-"`
	Error        string        `json:"error,omitempty"`
	ErrorCode    string        `json:"errorCode,omitempty"`
}

// NewPlayerMessage creates the optimistic player-side message for an action
// that has not yet completed its round-trip. The id is client-generated and
// transient.
func NewPlayerMessage(id, text string) *SceneMessage {
	return &SceneMessage{
		ID:          id,
		Type:        MessageTypePlayer,
		Text:        text,
		ImageStatus: ImageStatusNone,
	}
}

// AppendText appends a streamed delta. Text is monotonic: it only ever grows.
func (m *SceneMessage) AppendText(delta string) {
	m.Text += delta
}

// MergeText overwrites the text from a cumulative snapshot, but only when the
// snapshot is strictly longer than what is already shown. Displayed text is
// never truncated. Reports whether the snapshot was applied.
func (m *SceneMessage) MergeText(snapshot string) bool {
	if len(snapshot) <= len(m.Text) {
		return false
	}
	m.Text = snapshot
	return true
}

// ReplaceStatusFields installs a new authoritative snapshot of status fields.
func (m *SceneMessage) ReplaceStatusFields(fields []StatusField) {
	m.StatusFields = fields
}

// SetError attributes a failed round-trip to this message.
func (m *SceneMessage) SetError(message, code string) {
	m.Error = message
	m.ErrorCode = code
}

// ClearError removes a previously attributed failure, e.g. when a retry is
// issued.
func (m *SceneMessage) ClearError() {
	m.Error = ""
	m.ErrorCode = ""
}

// FinalizeStreaming marks the message as no longer receiving text deltas.
func (m *SceneMessage) FinalizeStreaming() {
	m.IsStreaming = false
}

// Validate validates the message data.
func (m *SceneMessage) Validate() error {
	if m.ID == "" {
		return errors.New("message id is required")
	}
	if m.Type != MessageTypePlayer && m.Type != MessageTypeGame {
		return errors.New("invalid message type")
	}
	return nil
}
