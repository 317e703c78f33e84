package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/adventlabs/storyplay/domain/entities"
	"github.com/adventlabs/storyplay/domain/repositories"
	"github.com/adventlabs/storyplay/internal/auth"
)

// GuestPollInterval is the slower poll cadence guest sessions use to reduce
// load on the public endpoints.
const GuestPollInterval = 3 * time.Second

// GuestAdapter implements repositories.SessionAdapter for anonymous players.
// It authenticates with a signed guest token and persists the created session
// id under a token-scoped key, so a second client holding the same token can
// recover the play-through.
type GuestAdapter struct {
	client *Client
	token  string
	scope  string
	store  repositories.SessionStore
	logger *zap.Logger
}

var _ repositories.SessionAdapter = (*GuestAdapter)(nil)

// NewGuestAdapter creates a guest adapter. The token must validate against
// the given authority; its scope keys the session store.
func NewGuestAdapter(config Config, token string, authority *auth.GuestAuthority, store repositories.SessionStore, logger *zap.Logger) (*GuestAdapter, error) {
	scope, err := authority.StoreScope(token)
	if err != nil {
		return nil, fmt.Errorf("invalid guest token: %w", err)
	}
	config.Token = ""
	client, err := NewClient(config, logger)
	if err != nil {
		return nil, err
	}
	return &GuestAdapter{
		client: client,
		token:  token,
		scope:  scope,
		store:  store,
		logger: logger,
	}, nil
}

// StreamHeaders implements repositories.SessionAdapter.
func (g *GuestAdapter) StreamHeaders(ctx context.Context) (http.Header, error) {
	headers := http.Header{}
	headers.Set("X-Guest-Token", g.token)
	return headers, nil
}

// CreateSession implements repositories.SessionAdapter.
func (g *GuestAdapter) CreateSession(ctx context.Context) (*repositories.CreateSessionResult, error) {
	return g.withGuestToken().CreateSession(ctx)
}

// SendAction implements repositories.SessionAdapter.
func (g *GuestAdapter) SendAction(ctx context.Context, sessionID, text string, statusFields []entities.StatusField) (*repositories.MessageDescriptor, error) {
	return g.withGuestToken().SendAction(ctx, sessionID, text, statusFields)
}

// LoadSession implements repositories.SessionAdapter.
func (g *GuestAdapter) LoadSession(ctx context.Context, sessionID string) (*repositories.LoadSessionResult, error) {
	return g.withGuestToken().LoadSession(ctx, sessionID)
}

// OnSessionCreated implements repositories.SessionAdapter: the session id is
// recorded under the token scope so the play-through survives a reload.
func (g *GuestAdapter) OnSessionCreated(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.store.SaveCurrentSession(ctx, g.scope, sessionID); err != nil {
		g.logger.Warn("Failed to persist guest session id",
			zap.String("sessionID", sessionID),
			zap.Error(err))
		return
	}
	g.logger.Info("Guest session recorded",
		zap.String("sessionID", sessionID),
		zap.String("scope", g.scope))
}

// ResumeSessionID returns the recorded session id for this guest token, or
// "" when none was recorded.
func (g *GuestAdapter) ResumeSessionID(ctx context.Context) (string, error) {
	return g.store.CurrentSession(ctx, g.scope)
}

// ForgetSession clears the recorded session, e.g. after the play-through
// ends.
func (g *GuestAdapter) ForgetSession(ctx context.Context) error {
	return g.store.ClearCurrentSession(ctx, g.scope)
}

// withGuestToken returns a client whose requests carry the guest token in
// the same X-Guest-Token header the stream connection uses.
func (g *GuestAdapter) withGuestToken() *Client {
	c := *g.client
	auth := http.Header{}
	auth.Set("X-Guest-Token", g.token)
	c.auth = auth
	return &c
}
