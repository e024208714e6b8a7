package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Choapinus/ape/internal/apeerr"
	"github.com/Choapinus/ape/internal/llm"
	"github.com/Choapinus/ape/internal/models"
	"github.com/Choapinus/ape/internal/ratelimit"
	"github.com/Choapinus/ape/internal/registry"
	"github.com/Choapinus/ape/internal/signer"
	"github.com/Choapinus/ape/internal/windowmemory"
)

type fakeProvider struct {
	calls     int
	responses [][]llm.Chunk
}

func (f *fakeProvider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++

	out := make(chan llm.Chunk, len(f.responses[idx]))
	for _, c := range f.responses[idx] {
		out <- c
	}
	close(out)
	return out, nil
}

func (f *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	return "", nil
}

func newTestLoop(t *testing.T, provider llm.Provider, cfg Config) (*Loop, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	sign, err := signer.New("test-secret", 600*time.Second)
	if err != nil {
		t.Fatalf("signer.New: %v", err)
	}
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	mem := windowmemory.New("sess-1", 100000, 100, func(ctx context.Context, text string) (string, error) {
		return "summary", nil
	}, nil)
	return New(provider, reg, sign, limiter, mem, cfg), reg
}

func drain(ch <-chan *ResponseChunk) []*ResponseChunk {
	var out []*ResponseChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestLoopCompletesWithoutToolCalls(t *testing.T) {
	provider := &fakeProvider{responses: [][]llm.Chunk{
		{{Text: "hello there"}, {Done: true}},
	}}
	loop, _ := newTestLoop(t, provider, Config{MaxIterations: 5})

	chunks := drain(loop.Run(context.Background(), "sess-1", "hi"))
	last := chunks[len(chunks)-1]
	if last.Kind != ChunkDone || last.State.Phase != PhaseDone {
		t.Fatalf("expected PhaseDone, got %+v", last)
	}
}

func TestLoopDispatchesToolAndSignsResult(t *testing.T) {
	provider := &fakeProvider{responses: [][]llm.Chunk{
		{{ToolCalls: []llm.ToolCall{{ID: "1", Name: "add_one", Input: `{"x":1}`}}}, {Done: true}},
		{{Text: "done"}, {Done: true}},
	}}
	loop, reg := newTestLoop(t, provider, Config{MaxIterations: 5})

	_ = reg.RegisterTool(models.ToolSpec{Name: "add_one"}, func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct{ X int }
		_ = json.Unmarshal(args, &in)
		return in.X + 1, nil
	})

	var sawToolEnd bool
	for c := range loop.Run(context.Background(), "sess-1", "hi") {
		if c.Kind == ChunkToolEnd {
			sawToolEnd = true
			if c.Envelope == nil || c.Envelope.Signature == "" {
				t.Fatalf("expected signed envelope, got %+v", c)
			}
		}
	}
	if !sawToolEnd {
		t.Fatal("expected a tool_end chunk")
	}
}

func TestLoopCapsAtMaxIterations(t *testing.T) {
	provider := &fakeProvider{responses: [][]llm.Chunk{
		{{ToolCalls: []llm.ToolCall{{ID: "1", Name: "noop", Input: `{}`}}}, {Done: true}},
	}}
	loop, reg := newTestLoop(t, provider, Config{MaxIterations: 2})
	_ = reg.RegisterTool(models.ToolSpec{Name: "noop"}, func(ctx context.Context, args json.RawMessage) (any, error) {
		return "ok", nil
	})

	chunks := drain(loop.Run(context.Background(), "sess-1", "hi"))
	last := chunks[len(chunks)-1]
	if last.State.Phase != PhaseCapped {
		t.Fatalf("expected PhaseCapped, got %+v", last.State)
	}
}

// TestLoopRejectsOverRateLimit covers spec.md §4.4/§4.8 step 6c: the
// limiter is consulted per tool call, not once per Run. An exhausted
// limiter synthesises a RATE_LIMIT_EXCEEDED result without invoking
// the handler, and the loop still completes normally.
func TestLoopRejectsOverRateLimit(t *testing.T) {
	provider := &fakeProvider{responses: [][]llm.Chunk{
		{{ToolCalls: []llm.ToolCall{{ID: "1", Name: "add_one", Input: `{"x":1}`}}}, {Done: true}},
		{{Text: "done"}, {Done: true}},
	}}
	sign, _ := signer.New("test-secret", 600*time.Second)
	limiter := ratelimit.New(ratelimit.Config{WindowSeconds: 60, CallsPerMinute: 1})
	limiter.Allow("sess-1") // exhaust the single slot before the loop runs
	mem := windowmemory.New("sess-1", 100000, 100, func(ctx context.Context, text string) (string, error) { return "s", nil }, nil)
	reg := registry.New()

	var handlerInvoked bool
	_ = reg.RegisterTool(models.ToolSpec{Name: "add_one"}, func(ctx context.Context, args json.RawMessage) (any, error) {
		handlerInvoked = true
		return 2, nil
	})

	loop := New(provider, reg, sign, limiter, mem, Config{MaxIterations: 5})

	var sawRateLimitErr bool
	for c := range loop.Run(context.Background(), "sess-1", "hi") {
		if c.Kind == ChunkToolEnd && c.Err != nil {
			sawRateLimitErr = true
		}
	}
	if handlerInvoked {
		t.Fatal("expected the handler not to be invoked once the limiter rejects the call")
	}
	if !sawRateLimitErr {
		t.Fatal("expected a ChunkToolEnd carrying the rate-limit rejection")
	}

	found := false
	for _, m := range mem.Messages() {
		if m.Role == models.RoleTool && containsSubstring(m.Content, apeerr.RateLimitExceeded) {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the tool message to carry a RATE_LIMIT_EXCEEDED result string")
	}
}

// TestLoopSubstitutesBoundPlaceholders covers spec.md §4.5: an
// argument value equal to a known placeholder name is replaced from
// the caller's bound context before the call reaches the registry.
func TestLoopSubstitutesBoundPlaceholders(t *testing.T) {
	provider := &fakeProvider{responses: [][]llm.Chunk{
		{{ToolCalls: []llm.ToolCall{{ID: "1", Name: "lookup", Input: `{"session_id":"retrieved_session_id"}`}}}, {Done: true}},
		{{Text: "done"}, {Done: true}},
	}}
	loop, reg := newTestLoop(t, provider, Config{MaxIterations: 5})

	var seenSessionID string
	_ = reg.RegisterTool(models.ToolSpec{
		Name:        "lookup",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"session_id":{"type":"string"}}}`),
	}, func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct{ SessionID string `json:"session_id"` }
		_ = json.Unmarshal(args, &in)
		seenSessionID = in.SessionID
		return "ok", nil
	})

	bound := BoundContext{"retrieved_session_id": "sess-abc"}
	drain(loop.RunWithContext(context.Background(), "sess-1", "hi", bound))

	if seenSessionID != "sess-abc" {
		t.Fatalf("expected the placeholder to be substituted with the bound value, got %q", seenSessionID)
	}
}

// TestLoopRejectsStaleEnvelope covers spec.md §4.8 step 6c and seed
// scenario #4: a signed envelope that fails verification yields a
// SIGNATURE_ERROR result string and is recorded as a tool error,
// instead of being fed back to the model as a trusted result.
func TestLoopRejectsStaleEnvelope(t *testing.T) {
	provider := &fakeProvider{responses: [][]llm.Chunk{
		{{ToolCalls: []llm.ToolCall{{ID: "1", Name: "add_one", Input: `{}`}}}, {Done: true}},
		{{Text: "done"}, {Done: true}},
	}}
	reg := registry.New()
	_ = reg.RegisterTool(models.ToolSpec{Name: "add_one"}, func(ctx context.Context, args json.RawMessage) (any, error) {
		return 1, nil
	})

	sign, _ := signer.New("test-secret", 1*time.Nanosecond) // expires immediately
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	mem := windowmemory.New("sess-1", 100000, 100, func(ctx context.Context, text string) (string, error) { return "s", nil }, nil)
	loop := New(provider, reg, sign, limiter, mem, Config{MaxIterations: 5})

	recorder := &fakeErrorRecorder{}
	loop.SetErrorRecorder(recorder)

	time.Sleep(5 * time.Millisecond) // the token is signed later, inside Run; its 1ns lifetime has lapsed by the time the loop verifies it

	var sawSignatureErr bool
	for c := range loop.Run(context.Background(), "sess-1", "hi") {
		if c.Kind == ChunkToolEnd && c.Err != nil {
			sawSignatureErr = true
		}
	}
	if !sawSignatureErr {
		t.Fatal("expected a ChunkToolEnd carrying the signature-verification failure")
	}

	found := false
	for _, m := range mem.Messages() {
		if m.Role == models.RoleTool && containsSubstring(m.Content, apeerr.SignatureError) {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the tool message to carry a SIGNATURE_ERROR result string")
	}
	if len(recorder.records) != 1 {
		t.Fatalf("expected exactly one recorded tool error, got %d", len(recorder.records))
	}
}

// TestWrapToolOutputsFormat covers spec.md §4.8 step 6c's sentinel-
// delimited <tool_output> wrapping.
func TestWrapToolOutputsFormat(t *testing.T) {
	got := wrapToolOutputs([]toolOutput{
		{index: 0, name: "add_one", content: `{"result":1}`},
		{index: 1, name: "noop", content: "RATE_LIMIT_EXCEEDED"},
	})
	want := "=== TOOL RESULTS ===\n" +
		`<tool_output index="0" name="add_one">{"result":1}</tool_output>` + "\n" +
		`<tool_output index="1" name="noop">RATE_LIMIT_EXCEEDED</tool_output>` + "\n" +
		"=== END TOOL RESULTS ==="
	if got != want {
		t.Fatalf("unexpected wrapped output:\ngot:  %q\nwant: %q", got, want)
	}
}

type fakeErrorRecorder struct {
	records []models.ToolErrorRecord
}

func (f *fakeErrorRecorder) SaveError(ctx context.Context, rec models.ToolErrorRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func containsSubstring(s, substr string) bool {
	return len(s) >= len(substr) && (substr == "" || indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
