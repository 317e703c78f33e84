package stream

import "sync"

// Channel identifies one of the independent completion channels of a turn.
type Channel string

const (
	ChannelText  Channel = "text"
	ChannelImage Channel = "image"
	ChannelAudio Channel = "audio"
)

// ChannelState represents the state of an individual channel.
type ChannelState string

const (
	ChannelStatePending ChannelState = "pending"
	ChannelStateActive  ChannelState = "active"
	ChannelStateDone    ChannelState = "done"
	ChannelStateError   ChannelState = "error"
)

// terminal reports whether the state is done or error.
func (s ChannelState) terminal() bool {
	return s == ChannelStateDone || s == ChannelStateError
}

// CompletionTracker knows, per in-flight message, whether each of the text,
// image, and audio channels is done, so the stream-consumption loop can
// terminate deterministically instead of relying on socket closure.
//
// Channels the turn does not expect start pre-satisfied. Each channel
// transitions to done exactly once; a failure force-terminates every channel
// without waiting for the others.
type CompletionTracker struct {
	mu     sync.Mutex
	states map[Channel]ChannelState
	failed bool
}

// NewCompletionTracker creates a tracker for one message. Text is always
// expected; image and audio only when the message descriptor requested them.
func NewCompletionTracker(expectImage, expectAudio bool) *CompletionTracker {
	states := map[Channel]ChannelState{
		ChannelText:  ChannelStatePending,
		ChannelImage: ChannelStateDone,
		ChannelAudio: ChannelStateDone,
	}
	if expectImage {
		states[ChannelImage] = ChannelStatePending
	}
	if expectAudio {
		states[ChannelAudio] = ChannelStatePending
	}
	return &CompletionTracker{states: states}
}

// Activate marks a channel as receiving data. Terminal channels stay terminal.
func (t *CompletionTracker) Activate(ch Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.states[ch] == ChannelStatePending {
		t.states[ch] = ChannelStateActive
	}
}

// MarkDone transitions a channel to done. The transition happens at most
// once; marking an already terminal channel is a no-op.
func (t *CompletionTracker) MarkDone(ch Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.states[ch].terminal() {
		t.states[ch] = ChannelStateDone
	}
}

// Fail force-terminates all channels. A hard failure aborts the whole turn;
// no channel waits for its own completion afterwards.
func (t *CompletionTracker) Fail() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed = true
	for ch, state := range t.states {
		if !state.terminal() {
			t.states[ch] = ChannelStateError
		}
	}
}

// Failed reports whether the turn was force-terminated.
func (t *CompletionTracker) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

// AllTerminal reports whether every expected channel has reached a terminal
// state. Checked after every event; true means the consumption loop may exit.
func (t *CompletionTracker) AllTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, state := range t.states {
		if !state.terminal() {
			return false
		}
	}
	return true
}

// State returns the current state of one channel.
func (t *CompletionTracker) State(ch Channel) ChannelState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[ch]
}
