package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "storyplay.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndLoadCurrentSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveCurrentSession(ctx, "guest:guest-42", "sess-1"); err != nil {
		t.Fatalf("SaveCurrentSession failed: %v", err)
	}

	got, err := store.CurrentSession(ctx, "guest:guest-42")
	if err != nil {
		t.Fatalf("CurrentSession failed: %v", err)
	}
	if got != "sess-1" {
		t.Errorf("Expected sess-1, got %q", got)
	}
}

func TestSaveOverwritesPreviousSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveCurrentSession(ctx, "guest:guest-42", "sess-1"); err != nil {
		t.Fatalf("SaveCurrentSession failed: %v", err)
	}
	if err := store.SaveCurrentSession(ctx, "guest:guest-42", "sess-2"); err != nil {
		t.Fatalf("SaveCurrentSession failed: %v", err)
	}

	got, err := store.CurrentSession(ctx, "guest:guest-42")
	if err != nil {
		t.Fatalf("CurrentSession failed: %v", err)
	}
	if got != "sess-2" {
		t.Errorf("Expected newest session to win, got %q", got)
	}
}

func TestCurrentSessionMissingScope(t *testing.T) {
	store := newTestStore(t)

	got, err := store.CurrentSession(context.Background(), "guest:nobody")
	if err != nil {
		t.Fatalf("CurrentSession failed: %v", err)
	}
	if got != "" {
		t.Errorf("Expected empty id for unknown scope, got %q", got)
	}
}

func TestScopesAreIsolated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveCurrentSession(ctx, "guest:a", "sess-a"); err != nil {
		t.Fatalf("SaveCurrentSession failed: %v", err)
	}
	if err := store.SaveCurrentSession(ctx, "guest:b", "sess-b"); err != nil {
		t.Fatalf("SaveCurrentSession failed: %v", err)
	}

	got, err := store.CurrentSession(ctx, "guest:a")
	if err != nil {
		t.Fatalf("CurrentSession failed: %v", err)
	}
	if got != "sess-a" {
		t.Errorf("Expected sess-a, got %q", got)
	}
}

func TestClearCurrentSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveCurrentSession(ctx, "guest:guest-42", "sess-1"); err != nil {
		t.Fatalf("SaveCurrentSession failed: %v", err)
	}
	if err := store.ClearCurrentSession(ctx, "guest:guest-42"); err != nil {
		t.Fatalf("ClearCurrentSession failed: %v", err)
	}

	got, err := store.CurrentSession(ctx, "guest:guest-42")
	if err != nil {
		t.Fatalf("CurrentSession failed: %v", err)
	}
	if got != "" {
		t.Errorf("Expected cleared session, got %q", got)
	}

	// Clearing an absent scope is a no-op.
	if err := store.ClearCurrentSession(ctx, "guest:guest-42"); err != nil {
		t.Errorf("Expected idempotent clear, got %v", err)
	}
}

func TestSaveValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveCurrentSession(ctx, "", "sess-1"); err == nil {
		t.Error("Expected error for empty scope")
	}
	if err := store.SaveCurrentSession(ctx, "guest:a", ""); err == nil {
		t.Error("Expected error for empty session id")
	}
}
