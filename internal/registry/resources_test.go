package registry

import (
	"context"
	"testing"

	"github.com/Choapinus/ape/internal/models"
)

func TestReadDispatchesToFirstMatchingAdapter(t *testing.T) {
	table := NewResourceTable()
	table.Register(models.ResourceSpec{URI: "conversation://recent"}, "conversation://recent",
		func(ctx context.Context, uri string) (any, error) { return "recent-handler", nil })
	table.Register(models.ResourceSpec{URI: "conversation://*"}, "conversation://*",
		func(ctx context.Context, uri string) (any, error) { return "session-handler", nil })

	out, err := table.Read(context.Background(), "conversation://recent?limit=5")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if out != "recent-handler" {
		t.Fatalf("expected the first registered matching adapter to win, got %v", out)
	}

	out, err = table.Read(context.Background(), "conversation://sess-123")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if out != "session-handler" {
		t.Fatalf("expected wildcard adapter to match, got %v", out)
	}
}

func TestReadNoMatchReturnsError(t *testing.T) {
	table := NewResourceTable()
	if _, err := table.Read(context.Background(), "schema://tables"); err == nil {
		t.Fatal("expected an error for unmatched uri")
	}
}
