package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Choapinus/ape/internal/models"
	"github.com/Choapinus/ape/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ape-maintenance-test.db")
	s, err := storage.Open(context.Background(), storage.DefaultConfig(path))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSweepOnceRemovesOnlyStaleRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := models.ToolErrorRecord{SessionID: "s1", Tool: "t", Error: "boom", Timestamp: time.Now().Add(-30 * 24 * time.Hour)}
	fresh := models.ToolErrorRecord{SessionID: "s1", Tool: "t", Error: "boom", Timestamp: time.Now()}
	if err := s.SaveError(ctx, old); err != nil {
		t.Fatalf("SaveError(old): %v", err)
	}
	if err := s.SaveError(ctx, fresh); err != nil {
		t.Fatalf("SaveError(fresh): %v", err)
	}

	sweeper := NewToolErrorSweeper(s, 7*24*time.Hour, DefaultSchedule, nil)
	sweeper.sweepOnce(ctx)

	remaining, err := s.GetRecentErrors(ctx, 50, "")
	if err != nil {
		t.Fatalf("GetRecentErrors: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 remaining row after sweep, got %d", len(remaining))
	}
}

func TestNewToolErrorSweeperAppliesDefaults(t *testing.T) {
	s := openTestStore(t)
	sweeper := NewToolErrorSweeper(s, 0, "", nil)
	if sweeper.retention != DefaultRetention {
		t.Fatalf("expected default retention, got %v", sweeper.retention)
	}
	if sweeper.schedule != DefaultSchedule {
		t.Fatalf("expected default schedule, got %q", sweeper.schedule)
	}
}
