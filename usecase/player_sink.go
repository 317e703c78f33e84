package usecase

import (
	"go.uber.org/zap"

	"github.com/adventlabs/storyplay/domain/entities"
	"github.com/adventlabs/storyplay/domain/repositories"
	"github.com/adventlabs/storyplay/internal/stream"
)

// The stream.Sink implementation. All mutation of message state funnels
// through these hooks; each one re-checks that the reporting component still
// owns the active turn before touching anything.

// AppendText implements stream.Sink.
func (p *Player) AppendText(messageID, delta string) {
	p.mu.Lock()
	if !p.activeTurn(messageID) {
		p.mu.Unlock()
		return
	}
	p.turn.sseQuiet = false
	if msg := p.findMessage(messageID); msg != nil {
		msg.AppendText(delta)
	}
	p.mu.Unlock()
	p.emit(Event{Type: EventTextDelta, MessageID: messageID, Text: delta})
}

// TextDone implements stream.Sink.
func (p *Player) TextDone(messageID string) {
	p.mu.Lock()
	if !p.activeTurn(messageID) {
		p.mu.Unlock()
		return
	}
	p.turn.sseQuiet = false
	if msg := p.findMessage(messageID); msg != nil {
		msg.FinalizeStreaming()
	}
	p.waiting = false
	p.mu.Unlock()
	p.emit(Event{Type: EventMessageUpdated, MessageID: messageID})
}

// ImagePreview implements stream.Sink.
func (p *Player) ImagePreview(messageID string, data []byte) {
	p.mu.Lock()
	if !p.activeTurn(messageID) {
		p.mu.Unlock()
		return
	}
	p.turn.sseQuiet = false
	if msg := p.findMessage(messageID); msg != nil {
		msg.ImagePreview = data
		msg.ImageStatus = entities.ImageStatusGenerating
	}
	p.mu.Unlock()
	p.emit(Event{Type: EventMessageUpdated, MessageID: messageID})
}

// ImageDone implements stream.Sink.
func (p *Player) ImageDone(messageID string) {
	p.mu.Lock()
	if !p.activeTurn(messageID) {
		p.mu.Unlock()
		return
	}
	p.turn.sseQuiet = false
	if msg := p.findMessage(messageID); msg != nil {
		msg.ImageStatus = entities.ImageStatusComplete
	}
	p.mu.Unlock()
	p.emit(Event{Type: EventMessageUpdated, MessageID: messageID})
}

// AudioReady implements stream.Sink.
func (p *Player) AudioReady(messageID string, data []byte) {
	p.mu.Lock()
	if !p.activeTurn(messageID) {
		p.mu.Unlock()
		return
	}
	p.turn.sseQuiet = false
	if msg := p.findMessage(messageID); msg != nil {
		msg.AudioData = data
		msg.AudioStatus = entities.AudioStatusReady
	}
	p.mu.Unlock()
	p.emit(Event{Type: EventMessageUpdated, MessageID: messageID})
}

// ApplySnapshot implements stream.Sink. The merge rules keep a slower,
// coarser poll from fighting a live stream: text is only overwritten while
// SSE is not authoritative, and only when the snapshot is strictly longer
// than what is shown. A stream that has been silent since the watchdog fired
// is not authoritative even though the socket is still open. Image, audio,
// and status fields are applied only on change.
func (p *Player) ApplySnapshot(messageID string, status entities.MessageStatus) {
	p.mu.Lock()
	if !p.activeTurn(messageID) {
		p.mu.Unlock()
		return
	}
	turn := p.turn
	msg := p.findMessage(messageID)
	if msg == nil {
		p.mu.Unlock()
		return
	}

	changed := false
	sseOwnsText := turn.sseActive && !turn.sseQuiet
	if !sseOwnsText && msg.MergeText(status.Text) {
		changed = true
	}
	if status.TextDone {
		turn.tracker.MarkDone(stream.ChannelText)
		if msg.IsStreaming {
			msg.FinalizeStreaming()
			changed = true
		}
		p.waiting = false
	}
	if applyImageFields(msg, status) {
		changed = true
	}
	if status.ImageStatus.Resolved() {
		turn.tracker.MarkDone(stream.ChannelImage)
	}
	if len(status.StatusFields) > 0 && !entities.StatusFieldsEqual(msg.StatusFields, status.StatusFields) {
		msg.ReplaceStatusFields(status.StatusFields)
		p.statusFields = status.StatusFields
		changed = true
	}

	settled := status.Settled() && !turn.sseActive
	if settled {
		p.finishTurnLocked(messageID)
	}
	p.mu.Unlock()

	if settled {
		p.emit(Event{Type: EventMessageDone, MessageID: messageID})
	} else if changed {
		p.emit(Event{Type: EventMessageUpdated, MessageID: messageID})
	}
}

// TurnFailed implements stream.Sink. The game-side placeholder is removed and
// the failure is attributed to the originating player message so the UI can
// offer a scoped retry without tearing down the session.
func (p *Player) TurnFailed(messageID, playerMessageID, errMsg, errCode string) {
	p.mu.Lock()
	if !p.activeTurn(messageID) {
		p.mu.Unlock()
		return
	}
	for i, m := range p.messages {
		if m.ID == messageID {
			p.messages = append(p.messages[:i], p.messages[i+1:]...)
			break
		}
	}
	attributed := false
	if playerMessageID != "" {
		if playerMsg := p.findMessage(playerMessageID); playerMsg != nil {
			playerMsg.SetError(errMsg, errCode)
			attributed = true
		}
	}
	if !attributed {
		p.streamError = errMsg
	}
	p.waiting = false
	if p.turn != nil {
		p.turn.cancel()
		p.turn = nil
	}
	p.mu.Unlock()

	p.poller.Stop()
	p.logger.Warn("Turn failed",
		zap.String("messageID", messageID),
		zap.String("playerMessageID", playerMessageID),
		zap.String("errorCode", errCode),
		zap.String("error", errMsg))
	p.emit(Event{Type: EventStreamError, MessageID: playerMessageID, Text: errMsg})
}

// StreamFinished implements stream.Sink.
func (p *Player) StreamFinished(messageID string, completed bool) {
	p.mu.Lock()
	if !p.activeTurn(messageID) {
		p.mu.Unlock()
		return
	}
	p.turn.sseActive = false
	if completed {
		p.finishTurnLocked(messageID)
		p.mu.Unlock()
		p.emit(Event{Type: EventMessageDone, MessageID: messageID})
		return
	}

	// The byte stream ended without the completion predicate holding. Clear
	// the waiting flag so the UI is not stuck; if polling is racing it keeps
	// reconciling, otherwise close out the turn with what arrived.
	p.waiting = false
	pollActive := p.poller.ActiveFor(messageID)
	if !pollActive {
		p.finishTurnLocked(messageID)
	}
	p.mu.Unlock()
	if !pollActive {
		p.emit(Event{Type: EventMessageDone, MessageID: messageID})
	}
}

// PollExhausted implements stream.Sink.
func (p *Player) PollExhausted(messageID string) {
	p.mu.Lock()
	if !p.activeTurn(messageID) {
		p.mu.Unlock()
		return
	}
	p.waiting = false
	p.streamError = "lost connection to the story stream"
	sseActive := p.turn.sseActive
	if !sseActive {
		p.finishTurnLocked(messageID)
	}
	p.mu.Unlock()
	p.emit(Event{Type: EventStreamError, MessageID: messageID})
}

// finishTurnLocked closes out the in-flight turn: finalizes the message,
// clears the waiting flag, cancels the stream context, and stops polling.
// Caller holds the lock. Idempotent: a second finish for the same turn is a
// no-op because the turn is already cleared.
func (p *Player) finishTurnLocked(messageID string) {
	if msg := p.findMessage(messageID); msg != nil {
		msg.FinalizeStreaming()
	}
	p.waiting = false
	if p.turn != nil {
		p.turn.cancel()
		p.turn = nil
	}
	p.poller.Stop()
}

// seedGameMessage builds the streaming-placeholder message for a descriptor.
func seedGameMessage(d repositories.MessageDescriptor) *entities.SceneMessage {
	msg := &entities.SceneMessage{
		ID:           d.ID,
		Type:         entities.MessageTypeGame,
		IsStreaming:  true,
		StatusFields: d.StatusFields,
		ImageStatus:  entities.ImageStatusNone,
	}
	if d.HasImage {
		msg.ImageStatus = entities.ImageStatusGenerating
	}
	if d.HasAudio {
		msg.AudioStatus = entities.AudioStatusLoading
	}
	return msg
}

// loadedToScene maps a persisted message from LoadSession into its in-memory
// shape.
func loadedToScene(lm repositories.LoadedMessage) *entities.SceneMessage {
	msg := &entities.SceneMessage{
		ID:           lm.ID,
		Type:         lm.Type,
		Text:         lm.Text,
		IsStreaming:  lm.IsStreaming,
		StatusFields: lm.StatusFields,
		ImageStatus:  lm.ImageStatus,
		ImageHash:    lm.ImageHash,
	}
	if msg.ImageStatus == "" {
		msg.ImageStatus = entities.ImageStatusNone
	}
	return msg
}

// applyImageFields reconciles a message's image state against a snapshot,
// applying only fields that actually differ. Reports whether anything
// changed.
func applyImageFields(msg *entities.SceneMessage, status entities.MessageStatus) bool {
	changed := false
	if status.ImageStatus != "" && status.ImageStatus != msg.ImageStatus {
		msg.ImageStatus = status.ImageStatus
		changed = true
	}
	if status.ImageHash != "" && status.ImageHash != msg.ImageHash {
		msg.ImageHash = status.ImageHash
		changed = true
	}
	if status.ImageError != "" && msg.ImageStatus != entities.ImageStatusError {
		msg.ImageStatus = entities.ImageStatusError
		changed = true
	}
	return changed
}
