package stream

import "github.com/adventlabs/storyplay/domain/entities"

// Sink is the narrow set of mutation hooks the SSE consumer and the poll
// fallback are given instead of direct access to message state. All actual
// state mutation is centralized behind it and ordered by callback arrival.
//
// Every implementation must treat calls for a message that is no longer the
// active turn as no-ops: late callbacks from a superseded stream or poller
// must not mutate shared state.
type Sink interface {
	// AppendText appends a streamed text delta to the message.
	AppendText(messageID, delta string)
	// TextDone marks the text channel complete.
	TextDone(messageID string)
	// ImagePreview delivers a partial preview frame.
	ImagePreview(messageID string, data []byte)
	// ImageDone marks the image channel complete.
	ImageDone(messageID string)
	// AudioReady delivers the decoded narration audio. Data is nil when the
	// audio bytes could not be decoded; the turn still completes.
	AudioReady(messageID string, data []byte)
	// ApplySnapshot reconciles the message against a poll snapshot. The
	// implementation owns the merge rules between SSE and polling.
	ApplySnapshot(messageID string, status entities.MessageStatus)
	// TurnFailed reports a backend-reported turn failure. The error is
	// attributed to playerMessageID when set, enabling a scoped retry.
	TurnFailed(messageID, playerMessageID, errMsg, errCode string)
	// StreamFinished reports that the SSE consumption loop exited. completed
	// is false when the byte stream ended before all channels were terminal.
	StreamFinished(messageID string, completed bool)
	// PollExhausted reports that polling gave up after its failure budget.
	PollExhausted(messageID string)
}
