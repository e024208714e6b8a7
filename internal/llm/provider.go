// Package llm narrows the backend language model to the streaming
// interface APE's Agent Loop and Summariser Tool actually need (spec.md
// §1 treats the backend itself as an external collaborator). The
// concrete implementation wraps an OpenAI-compatible client pointed at
// Ollama's /v1 endpoint, grounded on the teacher's provider abstraction
// (internal/agent/provider_types.go) and wired to
// github.com/sashabaranov/go-openai.
package llm

import (
	"context"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// Chunk is one unit of streamed model output: either accumulated text
// or an out-of-band tool-call signal, per the Design Note in spec.md §9.
type Chunk struct {
	Text      string
	ToolCalls []ToolCall
	Err       error
	Done      bool
}

// ToolCall is the model's request to invoke a named tool.
type ToolCall struct {
	ID    string
	Name  string
	Input string
}

// ToolDeclaration describes one tool available to the model for this
// request, shaped for the provider's function-calling surface.
type ToolDeclaration struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// CompletionRequest is a single chat-completion call.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDeclaration
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Message is one turn in the conversation sent to the backend.
type Message struct {
	Role    string
	Content string
}

// Provider streams a chat completion, yielding text/tool-call chunks on
// the returned channel. Implementations must close the channel when the
// stream ends or the context is cancelled.
type Provider interface {
	Stream(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
	// Complete performs a single non-streaming call, used by the
	// Summariser Tool which needs one bounded-output string.
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// OpenAICompatProvider talks to any OpenAI-compatible endpoint —
// Ollama's /v1 surface in the default deployment.
type OpenAICompatProvider struct {
	client *openai.Client
}

func NewOpenAICompatProvider(baseURL string) *OpenAICompatProvider {
	cfg := openai.DefaultConfig("unused")
	cfg.BaseURL = baseURL
	return &OpenAICompatProvider{client: openai.NewClientWithConfig(cfg)}
}

func toOpenAIMessages(req CompletionRequest) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return msgs
}

func toOpenAITools(decls []ToolDeclaration) []openai.Tool {
	tools := make([]openai.Tool, 0, len(decls))
	for _, d := range decls {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.InputSchema,
			},
		})
	}
	return tools
}

func (p *OpenAICompatProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan Chunk, error) {
	out := make(chan Chunk)

	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req),
		Tools:       toOpenAITools(req.Tools),
		Temperature: float32(req.Temperature),
		TopP:        float32(req.TopP),
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("start stream: %w", err)
	}

	go func() {
		defer close(out)
		defer stream.Close()

		var pendingCalls map[int]*ToolCall
		for {
			resp, err := stream.Recv()
			if err == io.EOF {
				if len(pendingCalls) > 0 {
					out <- Chunk{ToolCalls: flattenToolCalls(pendingCalls)}
				}
				out <- Chunk{Done: true}
				return
			}
			if err != nil {
				select {
				case out <- Chunk{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.Content != "" {
				select {
				case out <- Chunk{Text: delta.Content}:
				case <-ctx.Done():
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				if pendingCalls == nil {
					pendingCalls = make(map[int]*ToolCall)
				}
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				call, ok := pendingCalls[idx]
				if !ok {
					call = &ToolCall{ID: tc.ID, Name: tc.Function.Name}
					pendingCalls[idx] = call
				}
				call.Input += tc.Function.Arguments
			}
		}
	}()

	return out, nil
}

func flattenToolCalls(pending map[int]*ToolCall) []ToolCall {
	out := make([]ToolCall, 0, len(pending))
	for i := 0; i < len(pending); i++ {
		if c, ok := pending[i]; ok {
			out = append(out, *c)
		}
	}
	return out
}

// Complete performs one non-streaming call, used by the Summariser Tool.
func (p *OpenAICompatProvider) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req),
		Temperature: float32(req.Temperature),
		TopP:        float32(req.TopP),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}
