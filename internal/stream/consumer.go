package stream

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/adventlabs/storyplay/domain/entities"
)

const (
	// DefaultImageInterval is the minimum interval between successive
	// partial-image applications. Preview frames arriving faster than this
	// are coalesced; the latest frame always wins on completion.
	DefaultImageInterval = 4 * time.Second

	dataPrefix = "data:"
)

// HeaderFunc builds the request headers for the stream connection, e.g. a
// bearer token lookup.
type HeaderFunc func(ctx context.Context) (http.Header, error)

// ConsumerConfig configures the SSE stream consumer.
type ConsumerConfig struct {
	// BaseURL is the backend base URL, without trailing slash.
	BaseURL string
	// HTTPClient is the client used for the stream connection. Defaults to
	// http.DefaultClient. Streaming requests must not carry a client timeout.
	HTTPClient *http.Client
	// Headers builds per-connection request headers. Optional.
	Headers HeaderFunc
	// SilenceTimeout is the watchdog timeout. Zero means the default.
	SilenceTimeout time.Duration
	// ImageInterval throttles partial-image applications. Zero means the
	// default.
	ImageInterval time.Duration
}

// Consumer consumes one chunked HTTP response per message as a line-oriented
// event stream, turning each `data: <json>` line into a StreamChunk and
// driving the sink and the completion tracker.
type Consumer struct {
	cfg    ConsumerConfig
	logger *zap.Logger
}

// NewConsumer creates a new SSE consumer.
func NewConsumer(cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.ImageInterval <= 0 {
		cfg.ImageInterval = DefaultImageInterval
	}
	return &Consumer{cfg: cfg, logger: logger}
}

// Run consumes the stream for messageID until all expected channels are
// terminal, the turn fails, the byte stream ends, or ctx is cancelled. It
// blocks; callers run it in its own goroutine.
//
// playerMessageID attributes a backend-reported failure back to the player
// message that triggered the turn. fallback hands liveness over to polling;
// it is invoked on connect failure, non-success status, and watchdog silence,
// but never on client-initiated cancellation. sseAlive tells the caller
// whether the SSE connection is still open and authoritative for text: true
// only for the watchdog handoff, where both transports briefly race.
func (c *Consumer) Run(ctx context.Context, messageID, playerMessageID string, tracker *CompletionTracker, sink Sink, fallback func(sseAlive bool)) {
	url := fmt.Sprintf("%s/messages/%s/stream", c.cfg.BaseURL, messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.logger.Error("Failed to build stream request", zap.String("messageID", messageID), zap.Error(err))
		fallback(false)
		return
	}
	if c.cfg.Headers != nil {
		headers, err := c.cfg.Headers(ctx)
		if err != nil {
			c.logger.Warn("Stream header builder failed", zap.String("messageID", messageID), zap.Error(err))
		} else {
			for key, values := range headers {
				for _, value := range values {
					req.Header.Add(key, value)
				}
			}
		}
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Client-initiated cancellation, not a transport failure.
			return
		}
		c.logger.Warn("Stream connection failed, handing off to polling",
			zap.String("messageID", messageID),
			zap.Error(err))
		fallback(false)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("Stream endpoint returned non-success status, handing off to polling",
			zap.String("messageID", messageID),
			zap.Int("status", resp.StatusCode))
		fallback(false)
		return
	}

	watchdog := NewWatchdog(c.cfg.SilenceTimeout, func() {
		c.logger.Warn("Stream silent past timeout, starting polling",
			zap.String("messageID", messageID),
			zap.Duration("timeout", c.cfg.SilenceTimeout))
		fallback(true)
	})
	watchdog.Start()
	defer watchdog.Stop()

	var (
		audioParts  []string
		lastImageAt time.Time
		heldPreview []byte
		chunkCount  int
		connectedAt = time.Now()
	)

	flushPreview := func() {
		if heldPreview != nil {
			sink.ImagePreview(messageID, heldPreview)
			heldPreview = nil
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := strings.TrimSpace(line[len(dataPrefix):])
		if payload == "" {
			continue
		}
		chunk, err := entities.ParseStreamChunk([]byte(payload))
		if err != nil {
			c.logger.Warn("Dropping malformed stream chunk",
				zap.String("messageID", messageID),
				zap.Error(err))
			continue
		}
		chunkCount++
		watchdog.Reset()

		if chunk.IsError() {
			tracker.Fail()
			sink.TurnFailed(messageID, playerMessageID, chunk.Error, chunk.ErrorCode)
			return
		}

		if chunk.Text != "" {
			tracker.Activate(ChannelText)
			sink.AppendText(messageID, chunk.Text)
		}
		if chunk.TextDone {
			tracker.MarkDone(ChannelText)
			sink.TextDone(messageID)
		}

		if chunk.ImageData != "" {
			if data, err := base64.StdEncoding.DecodeString(chunk.ImageData); err != nil {
				c.logger.Warn("Dropping undecodable image preview",
					zap.String("messageID", messageID),
					zap.Error(err))
			} else {
				tracker.Activate(ChannelImage)
				if time.Since(lastImageAt) >= c.cfg.ImageInterval {
					sink.ImagePreview(messageID, data)
					lastImageAt = time.Now()
					heldPreview = nil
				} else {
					// Coalesce: keep only the newest frame for the next flush.
					heldPreview = data
				}
			}
		}
		if chunk.ImageDone {
			flushPreview()
			tracker.MarkDone(ChannelImage)
			sink.ImageDone(messageID)
		}

		if chunk.AudioData != "" {
			tracker.Activate(ChannelAudio)
			audioParts = append(audioParts, chunk.AudioData)
		}
		if chunk.AudioDone {
			data, err := base64.StdEncoding.DecodeString(strings.Join(audioParts, ""))
			if err != nil {
				// Degrade to ready-with-no-playable-audio rather than
				// failing the turn.
				c.logger.Warn("Failed to decode narration audio",
					zap.String("messageID", messageID),
					zap.Error(err))
				data = nil
			}
			tracker.MarkDone(ChannelAudio)
			sink.AudioReady(messageID, data)
		}

		if tracker.AllTerminal() {
			c.logger.Debug("Stream complete",
				zap.String("messageID", messageID),
				zap.Int("chunks", chunkCount),
				zap.Duration("duration", time.Since(connectedAt)))
			sink.StreamFinished(messageID, true)
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("Stream read error",
			zap.String("messageID", messageID),
			zap.Error(err))
	}
	// The byte stream ended before the completion predicate held. The sink
	// still clears the waiting flag so the caller is not stuck.
	sink.StreamFinished(messageID, tracker.AllTerminal())
}
