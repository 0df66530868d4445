package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/openpista/openpista/pkg/models"
)

const chCLI = models.ChannelType("cli")

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(&SQLiteConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	session := &models.Session{
		ID:        "session-1",
		AgentID:   "agent-1",
		Channel:   chCLI,
		ChannelID: "cli:1",
		Key:       SessionKey("agent-1", chCLI, "cli:1"),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, "session-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AgentID != "agent-1" || got.ChannelID != "cli:1" {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestSQLiteStore_GetOrCreateIsIdempotent(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	key := SessionKey("agent-1", chCLI, "cli:1")

	s1, err := store.GetOrCreate(ctx, key, "agent-1", chCLI, "cli:1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	s2, err := store.GetOrCreate(ctx, key, "agent-1", chCLI, "cli:1")
	if err != nil {
		t.Fatalf("get or create again: %v", err)
	}
	if s1.ID != s2.ID {
		t.Fatalf("expected same session for the same key, got %s and %s", s1.ID, s2.ID)
	}
}

func TestSQLiteStore_AppendMessageAndGetHistory(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	key := SessionKey("agent-1", chCLI, "cli:1")

	sess, err := store.GetOrCreate(ctx, key, "agent-1", chCLI, "cli:1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}

	for i, role := range []models.Role{models.RoleUser, models.RoleAssistant, models.RoleUser} {
		msg := &models.Message{
			ID:        SessionKey("m", chCLI, string(rune('a'+i))),
			SessionID: sess.ID,
			Role:      role,
			Content:   "message",
			CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.AppendMessage(ctx, sess.ID, msg); err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
	}

	history, err := store.GetHistory(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}
	if history[0].Role != models.RoleUser || history[2].Role != models.RoleUser {
		t.Fatalf("unexpected chronological order: %+v", history)
	}
}

func TestSQLiteStore_DeleteNotFound(t *testing.T) {
	store := newTestSQLiteStore(t)
	if err := store.Delete(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error deleting missing session")
	}
}
