// Package agent implements the bounded Agent Loop (C8): a reason/act
// state machine that streams model output, intercepts tool calls,
// dispatches them through the Capability Registry, and folds results
// back into the conversation until the model stops calling tools or
// the iteration cap is reached. Grounded on the teacher's
// internal/agent/loop.go (LoopConfig/AgenticLoop/LoopState/ResponseChunk
// shape, phase state machine), trimmed of its job-queue, branch-store,
// approval-policy, and elevated-tool machinery — none of which is part
// of spec.md's scope for a single bounded loop per session.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Choapinus/ape/internal/apeerr"
	"github.com/Choapinus/ape/internal/llm"
	"github.com/Choapinus/ape/internal/metrics"
	"github.com/Choapinus/ape/internal/models"
	"github.com/Choapinus/ape/internal/ratelimit"
	"github.com/Choapinus/ape/internal/registry"
	"github.com/Choapinus/ape/internal/signer"
	"github.com/Choapinus/ape/internal/windowmemory"
)

// LoopPhase identifies the current state in the reason/act state
// machine (spec.md §4.8).
type LoopPhase string

const (
	PhaseInit        LoopPhase = "init"
	PhaseStreaming   LoopPhase = "streaming"
	PhaseDispatching LoopPhase = "dispatching"
	PhaseDone        LoopPhase = "done"
	PhaseCapped      LoopPhase = "capped"
)

// Config tunes one loop run. DefaultMaxIterations mirrors spec.md §4.8.
type Config struct {
	MaxIterations int
	Model         string
	System        string
	Temperature   float64
	TopP          float64
}

const DefaultMaxIterations = 15

func sanitizeConfig(cfg Config) Config {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return cfg
}

// State tracks one run's progress through the loop.
type State struct {
	Phase     LoopPhase
	Iteration int
	Text      string
	LastError error
}

// ChunkKind distinguishes the kind of event carried by a ResponseChunk.
type ChunkKind string

const (
	ChunkText      ChunkKind = "text"
	ChunkToolStart ChunkKind = "tool_start"
	ChunkToolEnd   ChunkKind = "tool_end"
	ChunkDone      ChunkKind = "done"
	ChunkError     ChunkKind = "error"
)

// ResponseChunk is one streamed event from a loop run.
type ResponseChunk struct {
	Kind     ChunkKind
	Text     string
	ToolName string
	ToolArgs string
	Envelope *ToolEnvelope
	Err      error
	State    State
}

// ToolEnvelope carries a signed tool result back to the caller,
// mirroring the Signed Result Envelope returned over MCP.
type ToolEnvelope struct {
	ResultID  string
	Payload   string
	Signature string
}

// BoundContext holds placeholder-name to value bindings supplied by
// the loop's caller (typically the Multi-agent Orchestrator handing a
// value like a session id from one agent to the next). spec.md §4.5:
// "if an argument value equals a known placeholder name ... AND that
// name is present in the caller's bound context, the placeholder is
// replaced before validation."
type BoundContext map[string]string

// ToolErrorRecorder persists a tool-call failure for the
// errors://recent resource adapter. *storage.Store satisfies this
// interface directly; the Agent Loop depends only on the method it
// needs rather than importing the storage package.
type ToolErrorRecorder interface {
	SaveError(ctx context.Context, rec models.ToolErrorRecord) error
}

// Loop runs the bounded reason/act cycle for one session.
type Loop struct {
	provider      llm.Provider
	registry      *registry.Registry
	signer        *signer.Signer
	limiter       *ratelimit.Limiter
	memory        *windowmemory.WindowMemory
	config        Config
	metrics       *metrics.Metrics
	errorRecorder ToolErrorRecorder
}

func New(provider llm.Provider, reg *registry.Registry, sign *signer.Signer, limiter *ratelimit.Limiter, memory *windowmemory.WindowMemory, cfg Config) *Loop {
	return &Loop{
		provider: provider,
		registry: reg,
		signer:   sign,
		limiter:  limiter,
		memory:   memory,
		config:   sanitizeConfig(cfg),
	}
}

// SetMetrics attaches a Prometheus collector set; a nil Loop.metrics
// leaves every recording call a no-op.
func (l *Loop) SetMetrics(m *metrics.Metrics) {
	l.metrics = m
}

// SetErrorRecorder attaches a tool-error sink; a nil recorder leaves
// recordToolError a no-op.
func (l *Loop) SetErrorRecorder(r ToolErrorRecorder) {
	l.errorRecorder = r
}

// Run executes the loop for sessionID against userMessage with no
// bound context, emitting ResponseChunks on the returned channel until
// PhaseDone or PhaseCapped. Equivalent to RunWithContext(ctx,
// sessionID, userMessage, nil).
func (l *Loop) Run(ctx context.Context, sessionID, userMessage string) <-chan *ResponseChunk {
	return l.RunWithContext(ctx, sessionID, userMessage, nil)
}

// RunWithContext is Run plus a caller-supplied BoundContext consulted
// during placeholder substitution (spec.md §4.5) on each tool call's
// arguments. The Rate Limiter is consulted once per tool call inside
// dispatchTools (spec.md §4.4/§4.8 step 6c), not once per Run — a
// single assistant turn emitting many tool calls is bounded the same
// way repeated turns are. The channel is always closed by the time
// Run's goroutine exits.
func (l *Loop) RunWithContext(ctx context.Context, sessionID, userMessage string, bound BoundContext) <-chan *ResponseChunk {
	out := make(chan *ResponseChunk)

	go func() {
		defer close(out)

		if err := l.memory.Add(ctx, models.Message{SessionID: sessionID, Role: models.RoleUser, Content: userMessage, Timestamp: time.Now()}); err != nil {
			l.emit(ctx, out, &ResponseChunk{Kind: ChunkError, Err: err})
			return
		}

		state := State{Phase: PhaseInit}

		for {
			if state.Iteration >= l.config.MaxIterations {
				state.Phase = PhaseCapped
				l.recordIteration(state)
				l.emit(ctx, out, &ResponseChunk{Kind: ChunkDone, State: state})
				return
			}
			state.Iteration++
			state.Phase = PhaseStreaming

			text, toolCalls, err := l.streamOnce(ctx, out, &state)
			if err != nil {
				state.LastError = err
				l.recordIteration(state)
				l.emit(ctx, out, &ResponseChunk{Kind: ChunkError, Err: err, State: state})
				return
			}
			state.Text += text

			if len(toolCalls) == 0 {
				if err := l.memory.Add(ctx, models.Message{SessionID: sessionID, Role: models.RoleAssistant, Content: state.Text, Timestamp: time.Now()}); err != nil {
					state.LastError = err
					l.recordIteration(state)
					l.emit(ctx, out, &ResponseChunk{Kind: ChunkError, Err: err, State: state})
					return
				}
				state.Phase = PhaseDone
				l.recordIteration(state)
				l.emit(ctx, out, &ResponseChunk{Kind: ChunkDone, State: state})
				return
			}

			state.Phase = PhaseDispatching
			if err := l.dispatchTools(ctx, sessionID, out, &state, toolCalls, bound); err != nil {
				state.LastError = err
				l.recordIteration(state)
				l.emit(ctx, out, &ResponseChunk{Kind: ChunkError, Err: err, State: state})
				return
			}
		}
	}()

	return out
}

func (l *Loop) recordIteration(state State) {
	if l.metrics == nil {
		return
	}
	phase := string(state.Phase)
	if state.LastError != nil {
		phase = "error"
	}
	l.metrics.AgentLoopIterationsTotal.WithLabelValues(phase).Add(float64(state.Iteration))
}

func (l *Loop) streamOnce(ctx context.Context, out chan<- *ResponseChunk, state *State) (string, []llm.ToolCall, error) {
	req := llm.CompletionRequest{
		Model:       l.config.Model,
		System:      l.config.System,
		Temperature: l.config.Temperature,
		TopP:        l.config.TopP,
		Messages:    []llm.Message{{Role: "user", Content: l.memory.LatestContext()}},
		Tools:       l.toolDeclarations(),
	}

	stream, err := l.provider.Stream(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("start stream: %w", err)
	}

	var text string
	var toolCalls []llm.ToolCall
	for chunk := range stream {
		if chunk.Err != nil {
			return text, nil, chunk.Err
		}
		if chunk.Text != "" {
			text += chunk.Text
			l.emit(ctx, out, &ResponseChunk{Kind: ChunkText, Text: chunk.Text, State: *state})
		}
		if len(chunk.ToolCalls) > 0 {
			toolCalls = append(toolCalls, chunk.ToolCalls...)
		}
		if chunk.Done {
			break
		}
	}
	return text, toolCalls, nil
}

func (l *Loop) toolDeclarations() []llm.ToolDeclaration {
	specs := l.registry.ListTools()
	decls := make([]llm.ToolDeclaration, len(specs))
	for i, s := range specs {
		var schema map[string]any
		if len(s.InputSchema) > 0 {
			_ = json.Unmarshal(s.InputSchema, &schema)
		}
		decls[i] = llm.ToolDeclaration{Name: s.Name, Description: s.Description, InputSchema: schema}
	}
	return decls
}

// toolOutput is one call's formatted contribution to the single `tool`
// message appended after a dispatch round.
type toolOutput struct {
	index   int
	name    string
	content string
}

// dispatchTools runs spec.md §4.8 step 6c for one assistant turn's
// tool calls: substitute bound placeholders, consult the Rate Limiter
// per call, invoke the handler through the Capability Registry, sign
// and verify the resulting envelope, and fold every outcome into one
// sentinel-delimited tool message.
func (l *Loop) dispatchTools(ctx context.Context, sessionID string, out chan<- *ResponseChunk, state *State, calls []llm.ToolCall, bound BoundContext) error {
	outputs := make([]toolOutput, 0, len(calls))

	for i, call := range calls {
		l.emit(ctx, out, &ResponseChunk{Kind: ChunkToolStart, ToolName: call.Name, ToolArgs: call.Input, State: *state})

		args, subErr := substitutePlaceholders(json.RawMessage(call.Input), bound)
		if subErr != nil {
			args = json.RawMessage(call.Input)
		}

		if l.limiter != nil && !l.limiter.Allow(sessionID) {
			if l.metrics != nil {
				l.metrics.RateLimitRejectionsTotal.WithLabelValues(sessionID).Inc()
			}
			rlErr := apeerr.New(apeerr.RateLimitExceeded, "rate limit exceeded for session", nil)
			l.recordToolError(ctx, sessionID, call.Name, args, rlErr)
			outputs = append(outputs, toolOutput{index: i, name: call.Name, content: apeerr.RateLimitExceeded})
			l.emit(ctx, out, &ResponseChunk{Kind: ChunkToolEnd, ToolName: call.Name, Err: rlErr, State: *state})
			continue
		}

		result, filteredArgs, callErr := l.registry.Call(ctx, call.Name, args)
		if callErr != nil {
			l.recordToolError(ctx, sessionID, call.Name, args, callErr)
			outputs = append(outputs, toolOutput{index: i, name: call.Name, content: fmt.Sprintf("%s failed: %v", call.Name, callErr)})
			l.emit(ctx, out, &ResponseChunk{Kind: ChunkToolEnd, ToolName: call.Name, Err: callErr, State: *state})
			continue
		}

		resultBlob, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			return marshalErr
		}

		toolResult := models.ToolResult{
			ToolName:  call.Name,
			Arguments: filteredArgs,
			Result:    string(resultBlob),
			Timestamp: time.Now(),
		}
		payload, marshalErr := json.Marshal(toolResult)
		if marshalErr != nil {
			return marshalErr
		}

		envelope, signErr := l.sign(call.Name, string(payload))
		if signErr != nil {
			return signErr
		}

		if verifyErr := l.signer.Verify(envelope.Signature, envelope.ResultID, envelope.Payload); verifyErr != nil {
			if l.metrics != nil {
				reason := "invalid"
				if errors.Is(verifyErr, signer.ErrExpiredSignature) {
					reason = "expired"
				} else if errors.Is(verifyErr, signer.ErrSignatureError) {
					reason = "error"
				}
				l.metrics.SignatureFailuresTotal.WithLabelValues(reason).Inc()
			}
			sigErr := apeerr.SignatureErr(verifyErr.Error())
			l.recordToolError(ctx, sessionID, call.Name, args, sigErr)
			outputs = append(outputs, toolOutput{index: i, name: call.Name, content: apeerr.SignatureError})
			l.emit(ctx, out, &ResponseChunk{Kind: ChunkToolEnd, ToolName: call.Name, Err: sigErr, State: *state})
			continue
		}

		outputs = append(outputs, toolOutput{index: i, name: call.Name, content: envelope.Payload})
		l.emit(ctx, out, &ResponseChunk{Kind: ChunkToolEnd, ToolName: call.Name, Envelope: envelope, State: *state})
	}

	return l.memory.Add(ctx, models.Message{
		SessionID: sessionID,
		Role:      models.RoleTool,
		Content:   wrapToolOutputs(outputs),
		Timestamp: time.Now(),
	})
}

func (l *Loop) sign(toolName, payload string) (*ToolEnvelope, error) {
	resultID := toolName + "-" + fmt.Sprintf("%d", time.Now().UnixNano())
	token, err := l.signer.Sign(resultID, payload)
	if err != nil {
		return nil, apeerr.SignatureErr(err.Error())
	}
	return &ToolEnvelope{ResultID: resultID, Payload: payload, Signature: token}, nil
}

// recordToolError persists a failed call to l.errorRecorder, if one is
// attached. A nil recorder (the common case when the loop isn't wired
// to the storage layer, e.g. in tests) makes this a no-op.
func (l *Loop) recordToolError(ctx context.Context, sessionID, tool string, args json.RawMessage, cause error) {
	if l.errorRecorder == nil {
		return
	}
	rec := models.ToolErrorRecord{
		SessionID: sessionID,
		Tool:      tool,
		Arguments: args,
		Error:     cause.Error(),
		Timestamp: time.Now(),
	}
	_ = l.errorRecorder.SaveError(ctx, rec)
}

// substitutePlaceholders replaces any top-level string argument value
// that names a key present in bound with that key's bound value,
// before the arguments reach schema validation (spec.md §4.5). Values
// that aren't strings, or that don't match a bound name, pass through
// unchanged.
func substitutePlaceholders(args json.RawMessage, bound BoundContext) (json.RawMessage, error) {
	if len(bound) == 0 || len(args) == 0 {
		return args, nil
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(args, &decoded); err != nil {
		return args, nil
	}

	changed := false
	for key, raw := range decoded {
		var placeholder string
		if err := json.Unmarshal(raw, &placeholder); err != nil {
			continue
		}
		value, ok := bound[placeholder]
		if !ok {
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		decoded[key] = encoded
		changed = true
	}
	if !changed {
		return args, nil
	}
	return json.Marshal(decoded)
}

const (
	toolOutputsHeader = "=== TOOL RESULTS ==="
	toolOutputsFooter = "=== END TOOL RESULTS ==="
)

// wrapToolOutputs formats one dispatch round's results as the single
// tool message spec.md §4.8 step 6c requires: each result wrapped in
// <tool_output index="i" name="…">…</tool_output>, bracketed by
// sentinel lines that make the block's origin unambiguous to the model.
func wrapToolOutputs(outputs []toolOutput) string {
	var b strings.Builder
	b.WriteString(toolOutputsHeader)
	b.WriteByte('\n')
	for _, o := range outputs {
		b.WriteString(`<tool_output index="`)
		b.WriteString(strconv.Itoa(o.index))
		b.WriteString(`" name="`)
		b.WriteString(o.name)
		b.WriteString(`">`)
		b.WriteString(o.content)
		b.WriteString("</tool_output>\n")
	}
	b.WriteString(toolOutputsFooter)
	return b.String()
}

func (l *Loop) emit(ctx context.Context, out chan<- *ResponseChunk, c *ResponseChunk) {
	select {
	case out <- c:
	case <-ctx.Done():
	}
}
