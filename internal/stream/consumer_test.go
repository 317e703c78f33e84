package stream

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/adventlabs/storyplay/domain/entities"
)

// recordingSink records every callback for assertion. It is shared by the
// consumer and poller tests.
type recordingSink struct {
	mu            sync.Mutex
	text          string
	textDone      bool
	previews      [][]byte
	imageDone     bool
	audio         []byte
	audioReady    bool
	snapshots     []entities.MessageStatus
	failedMsg     string
	failedCode    string
	failedPlayer  string
	finished      bool
	finishedOK    bool
	pollExhausted bool
}

func (s *recordingSink) AppendText(messageID, delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text += delta
}

func (s *recordingSink) TextDone(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.textDone = true
}

func (s *recordingSink) ImagePreview(messageID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previews = append(s.previews, data)
}

func (s *recordingSink) ImageDone(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imageDone = true
}

func (s *recordingSink) AudioReady(messageID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioReady = true
	s.audio = data
}

func (s *recordingSink) ApplySnapshot(messageID string, status entities.MessageStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, status)
}

func (s *recordingSink) TurnFailed(messageID, playerMessageID, errMsg, errCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedMsg = errMsg
	s.failedCode = errCode
	s.failedPlayer = playerMessageID
}

func (s *recordingSink) StreamFinished(messageID string, completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	s.finishedOK = completed
}

func (s *recordingSink) PollExhausted(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollExhausted = true
}

func (s *recordingSink) snapshot() *recordingSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := recordingSink{
		text:          s.text,
		textDone:      s.textDone,
		imageDone:     s.imageDone,
		audioReady:    s.audioReady,
		finished:      s.finished,
		finishedOK:    s.finishedOK,
		pollExhausted: s.pollExhausted,
		failedMsg:     s.failedMsg,
		failedCode:    s.failedCode,
		failedPlayer:  s.failedPlayer,
		audio:         s.audio,
	}
	out.previews = append(out.previews, s.previews...)
	out.snapshots = append(out.snapshots, s.snapshots...)
	return &out
}

// fallbackRecorder captures handoff invocations from the consumer.
type fallbackRecorder struct {
	mu    sync.Mutex
	calls []bool
}

func (f *fallbackRecorder) fn(sseAlive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sseAlive)
}

func (f *fallbackRecorder) recorded() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.calls...)
}

func streamServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}))
}

func TestConsumerHappyPath(t *testing.T) {
	frame := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	audio := base64.StdEncoding.EncodeToString([]byte("mp3-bytes"))
	server := streamServer(t, []string{
		`{"text":"You enter "}`,
		`{"text":"the cave."}`,
		`{"textDone":true}`,
		fmt.Sprintf(`{"imageData":%q}`, frame),
		`{"imageDone":true}`,
		fmt.Sprintf(`{"audioData":%q,"audioDone":true}`, audio),
	})
	defer server.Close()

	consumer := NewConsumer(ConsumerConfig{BaseURL: server.URL}, zaptest.NewLogger(t))
	tracker := NewCompletionTracker(true, true)
	sink := &recordingSink{}
	fallback := &fallbackRecorder{}

	consumer.Run(context.Background(), "msg-1", "player-1", tracker, sink, fallback.fn)

	got := sink.snapshot()
	if got.text != "You enter the cave." {
		t.Errorf("Expected assembled text, got %q", got.text)
	}
	if !got.textDone || !got.imageDone || !got.audioReady {
		t.Errorf("Expected all channels delivered: text=%v image=%v audio=%v",
			got.textDone, got.imageDone, got.audioReady)
	}
	if string(got.audio) != "mp3-bytes" {
		t.Errorf("Expected decoded audio, got %q", got.audio)
	}
	if len(got.previews) != 1 || string(got.previews[0]) != "png-bytes" {
		t.Errorf("Expected one decoded preview, got %d", len(got.previews))
	}
	if !got.finished || !got.finishedOK {
		t.Errorf("Expected clean completion, finished=%v ok=%v", got.finished, got.finishedOK)
	}
	if !tracker.AllTerminal() {
		t.Error("Expected tracker terminal after completion")
	}
	if len(fallback.recorded()) != 0 {
		t.Error("Happy path must not hand off to polling")
	}
}

func TestConsumerErrorChunkFailsTurn(t *testing.T) {
	server := streamServer(t, []string{
		`{"text":"You enter"}`,
		`{"error":"out of credits","errorCode":"quota"}`,
		`{"text":"never delivered"}`,
	})
	defer server.Close()

	consumer := NewConsumer(ConsumerConfig{BaseURL: server.URL}, zaptest.NewLogger(t))
	tracker := NewCompletionTracker(false, false)
	sink := &recordingSink{}
	fallback := &fallbackRecorder{}

	consumer.Run(context.Background(), "msg-1", "player-1", tracker, sink, fallback.fn)

	got := sink.snapshot()
	if got.failedMsg != "out of credits" || got.failedCode != "quota" {
		t.Errorf("Expected turn failure, got %q / %q", got.failedMsg, got.failedCode)
	}
	if got.failedPlayer != "player-1" {
		t.Errorf("Expected failure attributed to player message, got %q", got.failedPlayer)
	}
	if got.text != "You enter" {
		t.Errorf("Chunks after the error must not be processed, got %q", got.text)
	}
	if !tracker.Failed() {
		t.Error("Expected tracker force-terminated")
	}
	if got.finished {
		t.Error("A failed turn must not also report StreamFinished")
	}
}

func TestConsumerConnectFailureHandsOffDead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused

	consumer := NewConsumer(ConsumerConfig{BaseURL: server.URL}, zaptest.NewLogger(t))
	sink := &recordingSink{}
	fallback := &fallbackRecorder{}

	consumer.Run(context.Background(), "msg-1", "", NewCompletionTracker(false, false), sink, fallback.fn)

	calls := fallback.recorded()
	if len(calls) != 1 || calls[0] {
		t.Fatalf("Expected one fallback(false) call, got %v", calls)
	}
}

func TestConsumerNonSuccessStatusHandsOffDead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	consumer := NewConsumer(ConsumerConfig{BaseURL: server.URL}, zaptest.NewLogger(t))
	sink := &recordingSink{}
	fallback := &fallbackRecorder{}

	consumer.Run(context.Background(), "msg-1", "", NewCompletionTracker(false, false), sink, fallback.fn)

	calls := fallback.recorded()
	if len(calls) != 1 || calls[0] {
		t.Fatalf("Expected one fallback(false) call, got %v", calls)
	}
}

func TestConsumerWatchdogHandsOffAlive(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	consumer := NewConsumer(ConsumerConfig{
		BaseURL:        server.URL,
		SilenceTimeout: 30 * time.Millisecond,
	}, zaptest.NewLogger(t))
	sink := &recordingSink{}
	fallback := &fallbackRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		consumer.Run(ctx, "msg-1", "", NewCompletionTracker(false, false), sink, fallback.fn)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		calls := fallback.recorded()
		if len(calls) == 1 {
			if !calls[0] {
				t.Fatal("Watchdog handoff must report the stream as still alive")
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("Expected watchdog to hand off to polling")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestConsumerCancellationIsSilent(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"text\":\"You enter\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	consumer := NewConsumer(ConsumerConfig{BaseURL: server.URL}, zaptest.NewLogger(t))
	sink := &recordingSink{}
	fallback := &fallbackRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		consumer.Run(ctx, "msg-1", "", NewCompletionTracker(false, false), sink, fallback.fn)
		close(done)
	}()

	// Let the first chunk arrive, then abort client-side.
	deadline := time.After(2 * time.Second)
	for sink.snapshot().text == "" {
		select {
		case <-deadline:
			t.Fatal("Expected first chunk before cancelling")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	got := sink.snapshot()
	if got.finished {
		t.Error("Cancellation must not report StreamFinished")
	}
	if len(fallback.recorded()) != 0 {
		t.Error("Cancellation must not hand off to polling")
	}
}

func TestConsumerCoalescesPreviewFrames(t *testing.T) {
	frame1 := base64.StdEncoding.EncodeToString([]byte("frame-1"))
	frame2 := base64.StdEncoding.EncodeToString([]byte("frame-2"))
	frame3 := base64.StdEncoding.EncodeToString([]byte("frame-3"))
	server := streamServer(t, []string{
		fmt.Sprintf(`{"imageData":%q}`, frame1),
		fmt.Sprintf(`{"imageData":%q}`, frame2),
		fmt.Sprintf(`{"imageData":%q}`, frame3),
		`{"imageDone":true}`,
		`{"textDone":true}`,
	})
	defer server.Close()

	consumer := NewConsumer(ConsumerConfig{
		BaseURL:       server.URL,
		ImageInterval: time.Hour, // force coalescing after the first frame
	}, zaptest.NewLogger(t))
	sink := &recordingSink{}

	consumer.Run(context.Background(), "msg-1", "", NewCompletionTracker(true, false), sink, func(bool) {})

	got := sink.snapshot()
	if len(got.previews) != 2 {
		t.Fatalf("Expected first frame plus final flush, got %d previews", len(got.previews))
	}
	if string(got.previews[0]) != "frame-1" {
		t.Errorf("Expected first frame applied immediately, got %q", got.previews[0])
	}
	if string(got.previews[1]) != "frame-3" {
		t.Errorf("Expected newest held frame flushed on completion, got %q", got.previews[1])
	}
}

func TestConsumerIncompleteStreamReportsNotCompleted(t *testing.T) {
	server := streamServer(t, []string{
		`{"text":"You enter"}`,
	})
	defer server.Close()

	consumer := NewConsumer(ConsumerConfig{BaseURL: server.URL}, zaptest.NewLogger(t))
	sink := &recordingSink{}

	consumer.Run(context.Background(), "msg-1", "", NewCompletionTracker(false, false), sink, func(bool) {})

	got := sink.snapshot()
	if !got.finished {
		t.Fatal("Expected StreamFinished on EOF")
	}
	if got.finishedOK {
		t.Error("EOF before textDone must report completed=false")
	}
}
