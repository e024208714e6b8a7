package windowmemory

import (
	"context"
	"strings"
	"testing"

	"github.com/Choapinus/ape/internal/models"
)

type persistedRecord struct {
	sessionID   string
	original    []models.Message
	summaryText string
}

func stubSummarizer() SummarizeFunc {
	return func(ctx context.Context, text string) (string, error) {
		return "S", nil
	}
}

// TestPruneKeepsWithinBudget reproduces the seed scenario in spec.md §8:
// a stub summariser always returns "S"; after every add+prune the
// buffer never exceeds ctx_limit-margin, and each prune cycle appends
// to the summary and persists a Summary Record.
func TestPruneKeepsWithinBudget(t *testing.T) {
	const ctxLimit, margin = 100, 10
	var records []persistedRecord

	persist := func(ctx context.Context, sessionID string, original []models.Message, summaryText string) error {
		records = append(records, persistedRecord{sessionID, original, summaryText})
		return nil
	}

	wm := New("sess-1", ctxLimit, margin, stubSummarizer(), persist)

	long := strings.Repeat("word ", 40) // ~50 tokens per message
	for i := 0; i < 10; i++ {
		if err := wm.Add(context.Background(), models.Message{SessionID: "sess-1", Role: models.RoleUser, Content: long}); err != nil {
			t.Fatalf("Add: %v", err)
		}
		if got := wm.Tokens(); got > ctxLimit-margin {
			t.Fatalf("after add %d: tokens() = %d, want <= %d", i, got, ctxLimit-margin)
		}
	}

	if len(records) == 0 {
		t.Fatal("expected at least one persisted Summary Record")
	}

	ctx := wm.LatestContext()
	count := strings.Count(ctx, "S")
	if count < 2 {
		t.Fatalf("expected summary to contain multiple S entries, got context: %q", ctx)
	}
}

func TestPruneAbortsOnSummarizerFailure(t *testing.T) {
	failing := func(ctx context.Context, text string) (string, error) {
		return "", assertErr
	}
	wm := New("sess-2", 20, 5, failing, nil)

	long := strings.Repeat("word ", 40)
	if err := wm.Add(context.Background(), models.Message{Content: long}); err != nil {
		t.Fatalf("Add should not error on abort: %v", err)
	}

	if len(wm.Messages()) == 0 {
		t.Fatal("expected message to remain after aborted prune")
	}
}

func TestForceSummarizeClearsBuffer(t *testing.T) {
	var persisted bool
	persist := func(ctx context.Context, sessionID string, original []models.Message, summaryText string) error {
		persisted = true
		return nil
	}
	wm := New("sess-3", 1000, 10, stubSummarizer(), persist)

	_ = wm.Add(context.Background(), models.Message{Content: "hello"})
	_ = wm.Add(context.Background(), models.Message{Content: "world"})

	if err := wm.ForceSummarize(context.Background()); err != nil {
		t.Fatalf("ForceSummarize: %v", err)
	}

	if len(wm.Messages()) != 0 {
		t.Fatal("expected buffer to be empty after ForceSummarize")
	}
	if !persisted {
		t.Fatal("expected ForceSummarize to persist a Summary Record")
	}
	if !strings.Contains(wm.LatestContext(), "S") {
		t.Fatal("expected summary to be folded into context")
	}
}

func TestClearDropsSummaryAndMessages(t *testing.T) {
	wm := New("sess-4", 1000, 10, stubSummarizer(), nil)
	_ = wm.Add(context.Background(), models.Message{Content: "hi"})
	wm.Clear()

	if wm.Tokens() != 0 {
		t.Fatalf("expected zero tokens after Clear, got %d", wm.Tokens())
	}
	if wm.LatestContext() != "" {
		t.Fatalf("expected empty context after Clear, got %q", wm.LatestContext())
	}
}

type stubErr string

func (e stubErr) Error() string { return string(e) }

var assertErr = stubErr("summarizer unavailable")
