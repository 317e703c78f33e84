package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/adventlabs/storyplay/domain/entities"
)

func pollerForTest(t *testing.T, baseURL string) *Poller {
	t.Helper()
	return NewPoller(PollerConfig{
		BaseURL:       baseURL,
		InitialDelay:  10 * time.Millisecond,
		Interval:      20 * time.Millisecond,
		FailureBudget: 3,
	}, zaptest.NewLogger(t))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for " + what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPollerStopsWhenSettled(t *testing.T) {
	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&polls, 1)
		status := entities.MessageStatus{Text: "You enter", ImageStatus: entities.ImageStatusNone}
		if n >= 2 {
			status.Text = "You enter the cave."
			status.TextDone = true
		}
		json.NewEncoder(w).Encode(status)
	}))
	defer server.Close()

	poller := pollerForTest(t, server.URL)
	sink := &recordingSink{}
	poller.Start("msg-1", sink)

	waitFor(t, "polling to settle", func() bool { return !poller.ActiveFor("msg-1") })

	got := sink.snapshot()
	if len(got.snapshots) < 2 {
		t.Fatalf("Expected at least two snapshots, got %d", len(got.snapshots))
	}
	last := got.snapshots[len(got.snapshots)-1]
	if !last.Settled() {
		t.Error("Expected final snapshot to be settled")
	}
	if got.pollExhausted {
		t.Error("Clean settle must not report exhaustion")
	}
}

func TestPollerGivesUpAfterFailureBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	poller := pollerForTest(t, server.URL)
	sink := &recordingSink{}
	poller.Start("msg-1", sink)

	waitFor(t, "failure budget to exhaust", func() bool { return sink.snapshot().pollExhausted })

	if poller.ActiveFor("msg-1") {
		t.Error("Exhausted poller must clear its target")
	}
}

func TestPollerSuccessResetsFailureCount(t *testing.T) {
	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&polls, 1)
		// Two failures, one success, repeating; the budget of three is never hit.
		if n%3 != 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		done := n >= 9
		json.NewEncoder(w).Encode(entities.MessageStatus{
			Text: "You enter", TextDone: done, ImageStatus: entities.ImageStatusNone,
		})
	}))
	defer server.Close()

	poller := pollerForTest(t, server.URL)
	sink := &recordingSink{}
	poller.Start("msg-1", sink)

	waitFor(t, "polling to settle", func() bool { return !poller.ActiveFor("msg-1") })

	if sink.snapshot().pollExhausted {
		t.Error("Interleaved successes must keep the failure count below budget")
	}
}

func TestPollerStartIsIdempotentForSameTarget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(entities.MessageStatus{Text: "x", ImageStatus: entities.ImageStatusGenerating})
	}))
	defer server.Close()

	poller := pollerForTest(t, server.URL)
	sink := &recordingSink{}
	poller.Start("msg-1", sink)
	poller.Start("msg-1", sink)

	if !poller.ActiveFor("msg-1") {
		t.Error("Expected msg-1 to be the active target")
	}
	poller.Stop()
	if poller.ActiveFor("msg-1") {
		t.Error("Stop must clear the active target")
	}
}

func TestPollerNewTargetSupersedesOld(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(entities.MessageStatus{Text: "x", ImageStatus: entities.ImageStatusGenerating})
	}))
	defer server.Close()

	poller := pollerForTest(t, server.URL)
	sink := &recordingSink{}
	poller.Start("msg-1", sink)
	poller.Start("msg-2", sink)

	if poller.ActiveFor("msg-1") {
		t.Error("Old target must be cancelled")
	}
	if !poller.ActiveFor("msg-2") {
		t.Error("New target must be active")
	}
	poller.Stop()
}

func TestPollerFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/msg-1/status" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(entities.MessageStatus{
			Text:        "You enter the cave.",
			TextDone:    true,
			ImageStatus: entities.ImageStatusComplete,
			ImageHash:   "abc123",
		})
	}))
	defer server.Close()

	poller := pollerForTest(t, server.URL)
	status, err := poller.Fetch(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("Expected fetch to succeed, got %v", err)
	}
	if status.Text != "You enter the cave." || !status.TextDone {
		t.Errorf("Unexpected snapshot: %+v", status)
	}
	if status.ImageHash != "abc123" {
		t.Errorf("Expected image hash, got %q", status.ImageHash)
	}
}

func TestPollerFetchNonOK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer server.Close()

	poller := pollerForTest(t, server.URL)
	if _, err := poller.Fetch(context.Background(), "msg-1"); err == nil {
		t.Error("Expected error for non-200 response")
	}
}
