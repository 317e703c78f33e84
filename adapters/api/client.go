package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/adventlabs/storyplay/domain/entities"
	"github.com/adventlabs/storyplay/domain/repositories"
)

const (
	defaultBaseURL = "http://localhost:8080"
	defaultTimeout = 30 * time.Second
)

// Config holds configuration for the backend API client.
// Required fields:
// - BaseURL: the backend base URL
// Optional fields with defaults:
// - Token: bearer token for authenticated sessions
// - Timeout: per-request timeout for the JSON endpoints (default 30s)
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewConfigFromEnv creates a Config from environment variables.
func NewConfigFromEnv() Config {
	return Config{
		BaseURL: os.Getenv("STORYPLAY_API_BASE_URL"),
		Token:   os.Getenv("STORYPLAY_API_TOKEN"),
	}
}

// ValidateConfig validates the Config.
func ValidateConfig(config Config) error {
	if config.BaseURL == "" {
		return fmt.Errorf("api base URL is required")
	}
	return nil
}

// Client implements repositories.SessionAdapter against the backend's JSON
// API. Credentials are a header set applied uniformly to the JSON endpoints
// and the stream connection, so one backend contract covers both.
type Client struct {
	baseURL    string
	auth       http.Header
	httpClient *http.Client
	logger     *zap.Logger
}

var _ repositories.SessionAdapter = (*Client)(nil)

// NewClient creates a new API client using bearer authentication.
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	auth := http.Header{}
	if config.Token != "" {
		auth.Set("Authorization", "Bearer "+config.Token)
	}
	return &Client{
		baseURL:    config.BaseURL,
		auth:       auth,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// sessionResponse is the wire shape shared by create and load.
type sessionResponse struct {
	ID              string                 `json:"id"`
	GameID          string                 `json:"gameId"`
	GameName        string                 `json:"gameName"`
	GameDescription string                 `json:"gameDescription"`
	Theme           json.RawMessage        `json:"theme,omitempty"`
	APIKeyID        string                 `json:"apiKeyId,omitempty"`
	Descriptors     []descriptorPayload    `json:"messages,omitempty"`
	Loaded          []loadedMessagePayload `json:"loadedMessages,omitempty"`
}

type descriptorPayload struct {
	ID           string                 `json:"id"`
	Stream       bool                   `json:"stream"`
	HasImage     bool                   `json:"hasImage"`
	ImagePrompt  string                 `json:"imagePrompt,omitempty"`
	HasAudio     bool                   `json:"hasAudio"`
	StatusFields []entities.StatusField `json:"statusFields,omitempty"`
}

type loadedMessagePayload struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Text         string                 `json:"text"`
	IsStreaming  bool                   `json:"isStreaming"`
	StatusFields []entities.StatusField `json:"statusFields,omitempty"`
	ImageStatus  string                 `json:"imageStatus,omitempty"`
	ImageHash    string                 `json:"imageHash,omitempty"`
	HasAudio     bool                   `json:"hasAudio"`
}

type sendActionRequest struct {
	Text         string                 `json:"text"`
	StatusFields []entities.StatusField `json:"statusFields,omitempty"`
}

// errorResponse is the backend's error payload.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StreamHeaders implements repositories.SessionAdapter.
func (c *Client) StreamHeaders(ctx context.Context) (http.Header, error) {
	return c.auth.Clone(), nil
}

// CreateSession implements repositories.SessionAdapter.
func (c *Client) CreateSession(ctx context.Context) (*repositories.CreateSessionResult, error) {
	var payload sessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/sessions", nil, &payload); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	result := &repositories.CreateSessionResult{
		Session: toSession(payload),
	}
	if err := result.Session.Validate(); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	for _, d := range payload.Descriptors {
		result.Messages = append(result.Messages, toDescriptor(d))
	}
	c.logger.Info("Session created",
		zap.String("sessionID", payload.ID),
		zap.Int("messages", len(result.Messages)))
	return result, nil
}

// SendAction implements repositories.SessionAdapter.
func (c *Client) SendAction(ctx context.Context, sessionID, text string, statusFields []entities.StatusField) (*repositories.MessageDescriptor, error) {
	body := sendActionRequest{Text: text, StatusFields: statusFields}
	var payload descriptorPayload
	path := fmt.Sprintf("/api/v1/sessions/%s/messages", sessionID)
	if err := c.doJSON(ctx, http.MethodPost, path, body, &payload); err != nil {
		return nil, fmt.Errorf("send action: %w", err)
	}
	descriptor := toDescriptor(payload)
	return &descriptor, nil
}

// LoadSession implements repositories.SessionAdapter.
func (c *Client) LoadSession(ctx context.Context, sessionID string) (*repositories.LoadSessionResult, error) {
	var payload sessionResponse
	path := fmt.Sprintf("/api/v1/sessions/%s", sessionID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	result := &repositories.LoadSessionResult{
		Session:  toSession(payload),
		APIKeyID: payload.APIKeyID,
	}
	if err := result.Session.Validate(); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	result.Session.APIKeyPresent = payload.APIKeyID != ""
	for _, lm := range payload.Loaded {
		result.Messages = append(result.Messages, repositories.LoadedMessage{
			ID:           lm.ID,
			Type:         entities.MessageType(lm.Type),
			Text:         lm.Text,
			IsStreaming:  lm.IsStreaming,
			StatusFields: lm.StatusFields,
			ImageStatus:  entities.ImageStatus(lm.ImageStatus),
			ImageHash:    lm.ImageHash,
			HasAudio:     lm.HasAudio,
		})
	}
	return result, nil
}

// OnSessionCreated implements repositories.SessionAdapter. The authenticated
// client has no local persistence side effects.
func (c *Client) OnSessionCreated(sessionID string) {
	c.logger.Debug("Session created hook", zap.String("sessionID", sessionID))
}

// doJSON performs one JSON round-trip against the backend.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range c.auth {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeAPIError translates a non-success response into an error.
func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload errorResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return fmt.Errorf("api error %d (%s): %s", resp.StatusCode, payload.Error, payload.Message)
	}
	return fmt.Errorf("api error %d: %s", resp.StatusCode, string(body))
}

func toSession(payload sessionResponse) entities.Session {
	return entities.Session{
		ID: payload.ID,
		Game: entities.GameInfo{
			ID:          payload.GameID,
			Name:        payload.GameName,
			Description: payload.GameDescription,
		},
		Theme:         payload.Theme,
		APIKeyPresent: true,
	}
}

func toDescriptor(d descriptorPayload) repositories.MessageDescriptor {
	return repositories.MessageDescriptor{
		ID:           d.ID,
		Stream:       d.Stream,
		HasImage:     d.HasImage,
		ImagePrompt:  d.ImagePrompt,
		HasAudio:     d.HasAudio,
		StatusFields: d.StatusFields,
	}
}
