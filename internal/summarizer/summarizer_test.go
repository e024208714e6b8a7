package summarizer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Choapinus/ape/internal/apeerr"
	"github.com/Choapinus/ape/internal/llm"
	"github.com/Choapinus/ape/internal/tokens"
)

type stubProvider struct {
	replies []string
	err     error
	calls   int
	lastReq llm.CompletionRequest
}

func (s *stubProvider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return nil, errors.New("not implemented")
}

func (s *stubProvider) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	s.lastReq = req
	if s.err != nil {
		return "", s.err
	}
	reply := s.replies[s.calls]
	if s.calls < len(s.replies)-1 {
		s.calls++
	}
	return reply, nil
}

func TestSummarizeWithinBudgetReturnsAsIs(t *testing.T) {
	p := &stubProvider{replies: []string{"a short summary"}}
	sum := New(p, "test-model", 32, true)

	out, err := sum.Summarize(context.Background(), "some long input text")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if out != "a short summary" {
		t.Fatalf("unexpected summary: %q", out)
	}
}

func TestSummarizeRetriesOnOverlong(t *testing.T) {
	overlong := strings.Repeat("word ", 100)
	p := &stubProvider{replies: []string{overlong, "short"}}
	sum := New(p, "test-model", 8, true)

	out, err := sum.Summarize(context.Background(), "input")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if out != "short" {
		t.Fatalf("expected retried short summary, got %q", out)
	}
}

func TestSummarizeFallsBackOnBackendFailure(t *testing.T) {
	p := &stubProvider{err: errors.New("backend down")}
	sum := New(p, "test-model", 8, true)

	out, err := sum.Summarize(context.Background(), "one. two. three. four five six seven eight nine ten.")
	if err != nil {
		t.Fatalf("Summarize should not error on fallback: %v", err)
	}
	if tokens.Estimate(out) > 8 {
		t.Fatalf("fallback summary exceeds budget: %q", out)
	}
}

func TestSummarizeRejectsOversizedInput(t *testing.T) {
	p := &stubProvider{replies: []string{"x"}}
	sum := New(p, "test-model", 8, true)

	huge := strings.Repeat("a", (InputLimit+1)*4)
	_, err := sum.Summarize(context.Background(), huge)
	if err == nil {
		t.Fatal("expected INPUT_TOO_LARGE error")
	}
	var apeErr *apeerr.ApeError
	if !errors.As(err, &apeErr) || apeErr.Code != apeerr.InputTooLarge {
		t.Fatalf("expected INPUT_TOO_LARGE, got %v", err)
	}
}

func TestSummarizeStripsThinkBlocksWhenDisabled(t *testing.T) {
	p := &stubProvider{replies: []string{"ok"}}
	sum := New(p, "test-model", 32, false)

	out, err := sum.Summarize(context.Background(), "keep <think>secret reasoning</think> this")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if out != "ok" {
		t.Fatalf("unexpected output: %q", out)
	}
	if sent := p.lastReq.Messages[0].Content; strings.Contains(sent, "secret reasoning") {
		t.Fatalf("expected think block stripped from model input, got %q", sent)
	}
}
