package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Choapinus/ape/internal/models"
	"github.com/Choapinus/ape/internal/ratelimit"
	"github.com/Choapinus/ape/internal/registry"
	"github.com/Choapinus/ape/internal/signer"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := registry.New()
	err := reg.RegisterTool(models.ToolSpec{
		Name:        "echo",
		Description: "echoes its input",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}, func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct{ Text string }
		_ = json.Unmarshal(args, &in)
		return in.Text, nil
	})
	if err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}

	sign, err := signer.New("test-secret", 600*time.Second)
	if err != nil {
		t.Fatalf("signer.New: %v", err)
	}

	return New(reg, sign, ratelimit.New(ratelimit.DefaultConfig()), nil)
}

func TestInitializeHandshake(t *testing.T) {
	s := newTestServer(t)
	resp := s.Dispatch(context.Background(), "sess", JSONRPCRequest{JSONRPC: "2.0", ID: 1, Method: "initialize"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.ProtocolVersion != ProtocolVersion {
		t.Fatalf("unexpected protocol version: %q", result.ProtocolVersion)
	}
}

func TestToolsListAndCall(t *testing.T) {
	s := newTestServer(t)

	resp := s.Dispatch(context.Background(), "sess", JSONRPCRequest{JSONRPC: "2.0", ID: 1, Method: "tools/list"})
	var list ListToolsResult
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		t.Fatalf("unmarshal tools/list: %v", err)
	}
	if len(list.Tools) != 1 || list.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", list.Tools)
	}

	params, _ := json.Marshal(CallToolParams{Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)})
	resp = s.Dispatch(context.Background(), "sess", JSONRPCRequest{JSONRPC: "2.0", ID: 2, Method: "tools/call", Params: params})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var callResult CallToolResult
	if err := json.Unmarshal(resp.Result, &callResult); err != nil {
		t.Fatalf("unmarshal tools/call: %v", err)
	}
	if callResult.Envelope.Signature == "" {
		t.Fatal("expected a non-empty signature")
	}
}

func TestToolsCallUnknownToolReturnsToolNotFoundCode(t *testing.T) {
	s := newTestServer(t)
	params, _ := json.Marshal(CallToolParams{Name: "missing"})
	resp := s.Dispatch(context.Background(), "sess", JSONRPCRequest{JSONRPC: "2.0", ID: 1, Method: "tools/call", Params: params})
	if resp.Error == nil || resp.Error.Code != ErrCodeToolNotFound {
		t.Fatalf("expected ErrCodeToolNotFound, got %+v", resp.Error)
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	s := newTestServer(t)
	resp := s.Dispatch(context.Background(), "sess", JSONRPCRequest{JSONRPC: "2.0", ID: 1, Method: "nope"})
	if resp.Error == nil || resp.Error.Code != ErrCodeMethodNotFound {
		t.Fatalf("expected ErrCodeMethodNotFound, got %+v", resp.Error)
	}
}

func TestRateLimitExceededViaDispatch(t *testing.T) {
	reg := registry.New()
	sign, _ := signer.New("test-secret", 600*time.Second)
	limiter := ratelimit.New(ratelimit.Config{WindowSeconds: 60, CallsPerMinute: 1})
	s := New(reg, sign, limiter, nil)

	first := s.Dispatch(context.Background(), "sess", JSONRPCRequest{JSONRPC: "2.0", ID: 1, Method: "tools/list"})
	if first.Error != nil {
		t.Fatalf("expected first call to succeed: %+v", first.Error)
	}
	second := s.Dispatch(context.Background(), "sess", JSONRPCRequest{JSONRPC: "2.0", ID: 2, Method: "tools/list"})
	if second.Error == nil {
		t.Fatal("expected second call to be rate limited")
	}
}
