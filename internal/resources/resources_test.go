package resources

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Choapinus/ape/internal/models"
	"github.com/Choapinus/ape/internal/registry"
	"github.com/Choapinus/ape/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ape.db")
	store, err := storage.Open(context.Background(), storage.DefaultConfig(path))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestConversationAndSchemaAdapters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveMessages(ctx, "sess-1", []models.Message{
		{SessionID: "sess-1", Role: models.RoleUser, Content: "hi", Timestamp: time.Now()},
		{SessionID: "sess-1", Role: models.RoleAssistant, Content: "hello", Timestamp: time.Now()},
	}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	table := registry.NewResourceTable()
	Register(table, store)

	out, err := table.Read(ctx, "conversation://sessions")
	if err != nil {
		t.Fatalf("Read sessions: %v", err)
	}
	if !strings.Contains(out.(string), "sess-1") {
		t.Fatalf("expected sessions listing to contain sess-1, got %v", out)
	}

	out, err = table.Read(ctx, "conversation://sess-1?limit=10")
	if err != nil {
		t.Fatalf("Read session history: %v", err)
	}
	if !strings.Contains(out.(string), "hello") {
		t.Fatalf("expected session history to contain message content, got %v", out)
	}

	out, err = table.Read(ctx, "schema://tables")
	if err != nil {
		t.Fatalf("Read tables: %v", err)
	}
	if !strings.Contains(out.(string), "history") {
		t.Fatalf("expected table list to contain history, got %v", out)
	}

	out, err = table.Read(ctx, "schema://history/columns")
	if err != nil {
		t.Fatalf("Read columns: %v", err)
	}
	if !strings.Contains(out.(string), "session_id") {
		t.Fatalf("expected column list to contain session_id, got %v", out)
	}
}

func TestErrorsAdapter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveError(ctx, models.ToolErrorRecord{
		SessionID: "sess-1", Tool: "bad_tool", Error: "boom", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("SaveError: %v", err)
	}

	table := registry.NewResourceTable()
	Register(table, store)

	out, err := table.Read(ctx, "errors://recent?limit=5")
	if err != nil {
		t.Fatalf("Read errors: %v", err)
	}
	if !strings.Contains(out.(string), "boom") {
		t.Fatalf("expected error log to contain boom, got %v", out)
	}
}
