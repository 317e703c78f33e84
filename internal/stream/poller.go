package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adventlabs/storyplay/domain/entities"
)

const (
	// DefaultPollInitialDelay gives SSE a head start before the first poll.
	DefaultPollInitialDelay = 2 * time.Second
	// DefaultPollInterval is the fixed interval between polls.
	DefaultPollInterval = 1500 * time.Millisecond
	// DefaultPollFailureBudget is how many consecutive fetch failures are
	// tolerated before polling gives up.
	DefaultPollFailureBudget = 5
)

// PollerConfig configures the poll fallback.
type PollerConfig struct {
	// BaseURL is the backend base URL, without trailing slash.
	BaseURL string
	// HTTPClient is the client used for snapshot fetches. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// InitialDelay before the first poll. Zero means the default.
	InitialDelay time.Duration
	// Interval between polls. Zero means the default. Guest sessions use a
	// longer interval to reduce load.
	Interval time.Duration
	// FailureBudget is the number of consecutive failures tolerated. Zero
	// means the default.
	FailureBudget int
}

// Poller recovers liveness for a message when SSE cannot be trusted, using
// the lower-fidelity snapshot endpoint. At most one message is polled at a
// time; starting a new target cancels the previous one.
type Poller struct {
	cfg    PollerConfig
	logger *zap.Logger

	mu        sync.Mutex
	messageID string
	cancel    context.CancelFunc
}

// NewPoller creates a new poll fallback.
func NewPoller(cfg PollerConfig, logger *zap.Logger) *Poller {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultPollInitialDelay
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.FailureBudget <= 0 {
		cfg.FailureBudget = DefaultPollFailureBudget
	}
	return &Poller{cfg: cfg, logger: logger}
}

// Start begins polling messageID. Starting the already active target is a
// no-op; starting a new target cancels any previous polling first.
func (p *Poller) Start(messageID string, sink Sink) {
	p.mu.Lock()
	if p.messageID == messageID && p.cancel != nil {
		p.mu.Unlock()
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.messageID = messageID
	p.cancel = cancel
	p.mu.Unlock()

	p.logger.Info("Polling started",
		zap.String("messageID", messageID),
		zap.Duration("interval", p.cfg.Interval))
	go p.loop(ctx, cancel, messageID, sink)
}

// Stop cancels any active polling.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
		p.messageID = ""
	}
}

// ActiveFor reports whether messageID is the current polling target.
func (p *Poller) ActiveFor(messageID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil && p.messageID == messageID
}

// stopSelf clears the active target, but only if it is still ours. A newer
// Start must not be torn down by a stale loop.
func (p *Poller) stopSelf(messageID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel()
	if p.messageID == messageID {
		p.cancel = nil
		p.messageID = ""
	}
}

func (p *Poller) loop(ctx context.Context, cancel context.CancelFunc, messageID string, sink Sink) {
	delay := time.NewTimer(p.cfg.InitialDelay)
	defer delay.Stop()
	select {
	case <-ctx.Done():
		return
	case <-delay.C:
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		status, err := p.Fetch(ctx, messageID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			p.logger.Warn("Poll fetch failed",
				zap.String("messageID", messageID),
				zap.Int("consecutiveFailures", failures),
				zap.Error(err))
			if failures >= p.cfg.FailureBudget {
				// Give up and leave the message in its last-known state
				// rather than spinning forever.
				p.logger.Error("Poll failure budget exhausted",
					zap.String("messageID", messageID))
				p.stopSelf(messageID, cancel)
				sink.PollExhausted(messageID)
				return
			}
		} else {
			failures = 0
			sink.ApplySnapshot(messageID, *status)
			if status.Settled() {
				p.logger.Info("Polling complete", zap.String("messageID", messageID))
				p.stopSelf(messageID, cancel)
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Fetch retrieves one status snapshot for messageID. Also used by the
// orchestrator for the one-shot image reconciliation on session load.
func (p *Poller) Fetch(ctx context.Context, messageID string) (*entities.MessageStatus, error) {
	url := fmt.Sprintf("%s/messages/%s/status", p.cfg.BaseURL, messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var status entities.MessageStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &status, nil
}
