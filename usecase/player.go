package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adventlabs/storyplay/domain/entities"
	"github.com/adventlabs/storyplay/domain/repositories"
	"github.com/adventlabs/storyplay/internal/stream"
)

// Phase represents the orchestrator's lifecycle state.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseStarting    Phase = "starting"
	PhasePlaying     Phase = "playing"
	PhaseNeedsAPIKey Phase = "needs-api-key"
	PhaseError       Phase = "error"
)

// ErrInvalidPhase is returned when an operation is called from a phase it is
// not valid in.
var ErrInvalidPhase = errors.New("operation not valid in current phase")

// EventType identifies a state-change notification for renderers.
type EventType string

const (
	EventPhaseChanged   EventType = "phase_changed"
	EventTextDelta      EventType = "text_delta"
	EventMessageUpdated EventType = "message_updated"
	EventMessageDone    EventType = "message_done"
	EventStreamError    EventType = "stream_error"
)

// Event is one state-change notification. Renderers consume these instead of
// polling State.
type Event struct {
	Type      EventType `json:"type"`
	MessageID string    `json:"message_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	Phase     Phase     `json:"phase,omitempty"`
}

// GamePlayerState is a snapshot of the orchestrator's aggregate state.
// StreamError is a recoverable mid-session error, separate from the fatal
// phase-level Error.
type GamePlayerState struct {
	Phase                Phase
	SessionID            string
	Game                 entities.GameInfo
	Theme                json.RawMessage
	Messages             []entities.SceneMessage
	StatusFields         []entities.StatusField
	IsWaitingForResponse bool
	Error                string
	StreamError          string
}

// Config holds the transport and timing parameters of a Player.
type Config struct {
	// BaseURL of the backend serving the public stream and status endpoints.
	BaseURL string
	// HTTPClient used for streaming and polling. Defaults to
	// http.DefaultClient; it must not carry a client-level timeout.
	HTTPClient *http.Client
	// SilenceTimeout before the watchdog hands SSE off to polling.
	SilenceTimeout time.Duration
	// ImageInterval throttles partial-image preview application.
	ImageInterval time.Duration
	// PollInitialDelay before the first poll once fallback engages.
	PollInitialDelay time.Duration
	// PollInterval between polls. Guest callers pass a longer interval.
	PollInterval time.Duration
	// PollFailureBudget is the consecutive-failure count before polling
	// gives up.
	PollFailureBudget int
}

// NewConfigFromEnv creates a Config from environment variables.
func NewConfigFromEnv() Config {
	cfg := Config{
		BaseURL: os.Getenv("STORYPLAY_BASE_URL"),
	}
	if ms := os.Getenv("STORYPLAY_SILENCE_TIMEOUT_MS"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil && v > 0 {
			cfg.SilenceTimeout = time.Duration(v) * time.Millisecond
		}
	}
	if ms := os.Getenv("STORYPLAY_POLL_INTERVAL_MS"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil && v > 0 {
			cfg.PollInterval = time.Duration(v) * time.Millisecond
		}
	}
	return cfg
}

// Validate validates the config.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base URL is required")
	}
	return nil
}

// turnState is the explicit per-in-flight-message state: which transports are
// live and how far each completion channel has progressed. sseQuiet is set on
// a watchdog handoff and cleared by the next SSE chunk; while it holds, the
// stream is connected but has proven nothing, so poll snapshots may own the
// text.
type turnState struct {
	messageID       string
	playerMessageID string
	tracker         *stream.CompletionTracker
	cancel          context.CancelFunc
	sseActive       bool
	sseQuiet        bool
}

// Player is the session orchestrator: the single state machine clients
// interact with. It owns the conversation state and arbitrates between the
// SSE consumer and the poll fallback so exactly one of them is authoritative
// for text content at any time.
type Player struct {
	adapter  repositories.SessionAdapter
	cfg      Config
	logger   *zap.Logger
	consumer *stream.Consumer
	poller   *stream.Poller

	mu           sync.Mutex
	phase        Phase
	session      entities.Session
	messages     []*entities.SceneMessage
	statusFields []entities.StatusField
	waiting      bool
	fatalError   string
	streamError  string
	turn         *turnState
	// epoch is bumped by ResetGame. Continuations of adapter calls capture it
	// before releasing the lock and discard their result when it has moved on,
	// so a reset concurrent with an in-flight request wins.
	epoch uint64

	events chan Event
}

// Player implements the stream mutation hooks itself so all state changes
// stay centralized.
var _ stream.Sink = (*Player)(nil)

// NewPlayer creates a new session orchestrator.
func NewPlayer(adapter repositories.SessionAdapter, cfg Config, logger *zap.Logger) (*Player, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Player{
		adapter: adapter,
		cfg:     cfg,
		logger:  logger,
		phase:   PhaseIdle,
		events:  make(chan Event, 256),
	}
	p.consumer = stream.NewConsumer(stream.ConsumerConfig{
		BaseURL:        cfg.BaseURL,
		HTTPClient:     cfg.HTTPClient,
		Headers:        adapter.StreamHeaders,
		SilenceTimeout: cfg.SilenceTimeout,
		ImageInterval:  cfg.ImageInterval,
	}, logger)
	p.poller = stream.NewPoller(stream.PollerConfig{
		BaseURL:       cfg.BaseURL,
		HTTPClient:    cfg.HTTPClient,
		InitialDelay:  cfg.PollInitialDelay,
		Interval:      cfg.PollInterval,
		FailureBudget: cfg.PollFailureBudget,
	}, logger)
	return p, nil
}

// Events returns the channel of state-change notifications. Events are
// dropped rather than blocking the engine when the consumer lags.
func (p *Player) Events() <-chan Event {
	return p.events
}

// State returns a snapshot of the current aggregate state.
func (p *Player) State() GamePlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	messages := make([]entities.SceneMessage, len(p.messages))
	for i, m := range p.messages {
		messages[i] = *m
	}
	return GamePlayerState{
		Phase:                p.phase,
		SessionID:            p.session.ID,
		Game:                 p.session.Game,
		Theme:                p.session.Theme,
		Messages:             messages,
		StatusFields:         append([]entities.StatusField(nil), p.statusFields...),
		IsWaitingForResponse: p.waiting,
		Error:                p.fatalError,
		StreamError:          p.streamError,
	}
}

// StartSession creates a new session. Valid only from the idle phase. A
// ResetGame issued while the create request is in flight discards the result.
func (p *Player) StartSession(ctx context.Context) error {
	p.mu.Lock()
	if p.phase != PhaseIdle {
		p.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidPhase, p.phase)
	}
	p.phase = PhaseStarting
	epoch := p.epoch
	p.mu.Unlock()
	p.emit(Event{Type: EventPhaseChanged, Phase: PhaseStarting})

	result, err := p.adapter.CreateSession(ctx)
	if err != nil {
		p.setFatal(epoch, fmt.Sprintf("failed to create session: %v", err))
		return err
	}
	if len(result.Messages) == 0 {
		err := errors.New("create session returned no messages")
		p.setFatal(epoch, err.Error())
		return err
	}
	descriptor := result.Messages[0]

	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		return nil
	}
	p.session = result.Session
	p.phase = PhasePlaying
	p.statusFields = descriptor.StatusFields
	p.waiting = true
	p.messages = append(p.messages[:0], seedGameMessage(descriptor))
	p.mu.Unlock()

	p.logger.Info("Session created",
		zap.String("sessionID", result.Session.ID),
		zap.String("gameID", result.Session.Game.ID),
		zap.String("messageID", descriptor.ID),
		zap.Bool("stream", descriptor.Stream))

	p.adapter.OnSessionCreated(result.Session.ID)
	p.emit(Event{Type: EventPhaseChanged, Phase: PhasePlaying})

	if descriptor.Stream {
		p.connect(epoch, descriptor.ID, "", descriptor.HasImage, descriptor.HasAudio)
	} else {
		p.finalizeNonStreaming(epoch, descriptor.ID)
	}
	return nil
}

// SendAction submits a player action. A session must exist and no response
// may currently be awaited: violating the at-most-one-outstanding-turn
// invariant is silently ignored, not an error.
func (p *Player) SendAction(ctx context.Context, text string) error {
	p.mu.Lock()
	if p.session.ID == "" || p.waiting {
		p.mu.Unlock()
		return nil
	}
	for _, m := range p.messages {
		if m.Type == entities.MessageTypePlayer {
			m.ClearError()
		}
	}
	playerMsg := entities.NewPlayerMessage(uuid.NewString(), text)
	p.messages = append(p.messages, playerMsg)
	p.waiting = true
	sessionID := p.session.ID
	fields := p.statusFields
	epoch := p.epoch
	p.mu.Unlock()
	p.emit(Event{Type: EventMessageUpdated, MessageID: playerMsg.ID})

	descriptor, err := p.adapter.SendAction(ctx, sessionID, text, fields)

	p.mu.Lock()
	if p.epoch != epoch {
		// The session was reset while the request was in flight; the result
		// belongs to a discarded play-through.
		p.mu.Unlock()
		return nil
	}
	if err != nil {
		playerMsg.SetError(err.Error(), "send_failed")
		p.waiting = false
		p.streamError = fmt.Sprintf("failed to send action: %v", err)
		p.mu.Unlock()
		p.logger.Warn("Send action failed",
			zap.String("sessionID", sessionID),
			zap.String("playerMessageID", playerMsg.ID),
			zap.Error(err))
		p.emit(Event{Type: EventStreamError, MessageID: playerMsg.ID})
		return err
	}
	if descriptor.StatusFields != nil {
		p.statusFields = descriptor.StatusFields
	}
	p.messages = append(p.messages, seedGameMessage(*descriptor))
	p.mu.Unlock()
	p.emit(Event{Type: EventMessageUpdated, MessageID: descriptor.ID})

	if descriptor.Stream {
		p.connect(epoch, descriptor.ID, playerMsg.ID, descriptor.HasImage, descriptor.HasAudio)
	} else {
		p.finalizeNonStreaming(epoch, descriptor.ID)
	}
	return nil
}

// RetryLastAction resubmits the most recent player message that carries an
// error, removing it from the list first so the resend is observed as a fresh
// turn.
func (p *Player) RetryLastAction(ctx context.Context) error {
	p.mu.Lock()
	var text string
	found := -1
	for i := len(p.messages) - 1; i >= 0; i-- {
		m := p.messages[i]
		if m.Type == entities.MessageTypePlayer && m.Error != "" {
			text = m.Text
			found = i
			break
		}
	}
	if found < 0 {
		p.mu.Unlock()
		return nil
	}
	p.messages = append(p.messages[:found], p.messages[found+1:]...)
	p.mu.Unlock()

	return p.SendAction(ctx, text)
}

// LoadExistingSession rehydrates a session after reload or navigation. Valid
// only from the idle phase.
func (p *Player) LoadExistingSession(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	if p.phase != PhaseIdle {
		p.mu.Unlock()
		return fmt.Errorf("%w: load from %s", ErrInvalidPhase, p.phase)
	}
	p.phase = PhaseStarting
	epoch := p.epoch
	p.mu.Unlock()
	p.emit(Event{Type: EventPhaseChanged, Phase: PhaseStarting})

	result, err := p.adapter.LoadSession(ctx, sessionID)
	if err != nil {
		p.setFatal(epoch, fmt.Sprintf("failed to load session: %v", err))
		return err
	}

	phase := PhasePlaying
	if result.APIKeyID == "" && !result.Session.APIKeyPresent {
		phase = PhaseNeedsAPIKey
	}

	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		return nil
	}
	p.session = result.Session
	p.phase = phase
	p.messages = p.messages[:0]
	for _, lm := range result.Messages {
		p.messages = append(p.messages, loadedToScene(lm))
		if len(lm.StatusFields) > 0 {
			p.statusFields = lm.StatusFields
		}
	}

	var reconnect *repositories.LoadedMessage
	var reconcileImageID string
	if n := len(result.Messages); n > 0 {
		last := result.Messages[n-1]
		lastMsg := p.messages[n-1]
		if last.IsStreaming && phase == PhasePlaying {
			// The turn was mid-stream when the client went away. Reset the
			// accumulated text so SSE deltas do not duplicate the prefix.
			lastMsg.Text = ""
			p.waiting = true
			reconnect = &last
		} else if lastMsg.ImageStatus == entities.ImageStatusGenerating {
			// Text done does not imply the image resolved; ask the snapshot
			// endpoint once instead of assuming completion.
			reconcileImageID = lastMsg.ID
		}
	}
	p.mu.Unlock()

	p.logger.Info("Session loaded",
		zap.String("sessionID", result.Session.ID),
		zap.Int("messages", len(result.Messages)),
		zap.String("phase", string(phase)),
		zap.Bool("midTurn", reconnect != nil))
	p.emit(Event{Type: EventPhaseChanged, Phase: phase})

	if reconnect != nil {
		hasImage := reconnect.ImageStatus == entities.ImageStatusGenerating
		p.connect(epoch, reconnect.ID, "", hasImage, reconnect.HasAudio)
	} else if reconcileImageID != "" {
		p.reconcileImage(ctx, epoch, reconcileImageID)
	}
	return nil
}

// ClearStreamError dismisses the recoverable mid-session error without
// touching the rest of the state.
func (p *Player) ClearStreamError() {
	p.mu.Lock()
	p.streamError = ""
	p.mu.Unlock()
	p.emit(Event{Type: EventStreamError})
}

// ResetGame aborts any in-flight connection, stops polling and timers, and
// returns the state to the initial idle snapshot. Safe to call from any
// phase; stale completions after the reset are no-ops, including the results
// of adapter requests that were still in flight when the reset landed.
func (p *Player) ResetGame() {
	p.mu.Lock()
	p.epoch++
	if p.turn != nil {
		p.turn.cancel()
		p.turn = nil
	}
	p.phase = PhaseIdle
	p.session = entities.Session{}
	p.messages = nil
	p.statusFields = nil
	p.waiting = false
	p.fatalError = ""
	p.streamError = ""
	p.mu.Unlock()

	p.poller.Stop()
	p.logger.Info("Game reset")
	p.emit(Event{Type: EventPhaseChanged, Phase: PhaseIdle})
}

// connect opens the SSE consumer for messageID, aborting any previous
// in-flight connection first. Exactly one stream is live at a time. A stale
// epoch means the session was reset after the caller captured it; no stream
// is opened into the fresh state.
func (p *Player) connect(epoch uint64, messageID, playerMessageID string, hasImage, hasAudio bool) {
	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		return
	}
	if p.turn != nil {
		p.turn.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	turn := &turnState{
		messageID:       messageID,
		playerMessageID: playerMessageID,
		tracker:         stream.NewCompletionTracker(hasImage, hasAudio),
		cancel:          cancel,
		sseActive:       true,
	}
	p.turn = turn
	p.mu.Unlock()
	p.poller.Stop()

	go p.consumer.Run(ctx, messageID, playerMessageID, turn.tracker, p, func(sseAlive bool) {
		p.fallBack(messageID, sseAlive)
	})
}

// fallBack engages polling for messageID unless the turn has been superseded.
// A watchdog handoff leaves the stream open but marks it quiet; the next
// parsed chunk clears the flag.
func (p *Player) fallBack(messageID string, sseAlive bool) {
	p.mu.Lock()
	if p.turn == nil || p.turn.messageID != messageID {
		p.mu.Unlock()
		return
	}
	p.turn.sseActive = sseAlive
	p.turn.sseQuiet = sseAlive
	p.mu.Unlock()
	p.poller.Start(messageID, p)
}

// finalizeNonStreaming closes out a turn whose descriptor said not to stream.
func (p *Player) finalizeNonStreaming(epoch uint64, messageID string) {
	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		return
	}
	if msg := p.findMessage(messageID); msg != nil {
		msg.FinalizeStreaming()
	}
	p.waiting = false
	p.mu.Unlock()
	p.emit(Event{Type: EventMessageDone, MessageID: messageID})
}

// reconcileImage fetches one snapshot to settle a pending image on a loaded
// session.
func (p *Player) reconcileImage(ctx context.Context, epoch uint64, messageID string) {
	status, err := p.poller.Fetch(ctx, messageID)
	if err != nil {
		p.logger.Warn("Image reconciliation fetch failed",
			zap.String("messageID", messageID),
			zap.Error(err))
		return
	}
	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		return
	}
	if msg := p.findMessage(messageID); msg != nil {
		applyImageFields(msg, *status)
	}
	p.mu.Unlock()
	p.emit(Event{Type: EventMessageUpdated, MessageID: messageID})
}

// setFatal records a session-level fatal error, unless the session was reset
// while the failing request was in flight.
func (p *Player) setFatal(epoch uint64, message string) {
	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		return
	}
	p.phase = PhaseError
	p.fatalError = message
	p.waiting = false
	p.mu.Unlock()
	p.logger.Error("Session fatal error", zap.String("error", message))
	p.emit(Event{Type: EventPhaseChanged, Phase: PhaseError})
}

// findMessage returns the message with the given id. Caller holds the lock.
func (p *Player) findMessage(id string) *entities.SceneMessage {
	for _, m := range p.messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// activeTurn reports whether messageID is still the in-flight turn. Caller
// holds the lock. Every stream callback checks this before mutating state so
// late completions from a superseded stream are no-ops.
func (p *Player) activeTurn(messageID string) bool {
	return p.turn != nil && p.turn.messageID == messageID
}

// emit sends an event without blocking the engine.
func (p *Player) emit(event Event) {
	select {
	case p.events <- event:
	default:
		p.logger.Warn("Event channel full, dropping event", zap.String("type", string(event.Type)))
	}
}
