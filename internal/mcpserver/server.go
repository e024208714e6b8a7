package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Choapinus/ape/internal/apeerr"
	"github.com/Choapinus/ape/internal/metrics"
	"github.com/Choapinus/ape/internal/models"
	"github.com/Choapinus/ape/internal/ratelimit"
	"github.com/Choapinus/ape/internal/registry"
	"github.com/Choapinus/ape/internal/signer"
)

// ProtocolVersion is the MCP protocol version this server implements.
const ProtocolVersion = "2024-11-05"

// Server dispatches JSON-RPC 2.0 requests against a Capability
// Registry, signing successful tool results into Envelopes.
type Server struct {
	registry *registry.Registry
	signer   *signer.Signer
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	name     string
	version  string
	metrics  *metrics.Metrics
}

// SetMetrics attaches a Prometheus collector set. A nil Server.metrics
// is valid and leaves every recording call a no-op, so tests and
// embedders that don't care about metrics can skip this.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func New(reg *registry.Registry, sign *signer.Signer, limiter *ratelimit.Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry: reg,
		signer:   sign,
		limiter:  limiter,
		logger:   logger.With("component", "mcpserver"),
		name:     "ape",
		version:  "0.1.0",
	}
}

// Dispatch routes one JSON-RPC request to its verb handler and always
// returns a response — errors are carried in JSONRPCResponse.Error,
// never as a Go error, since the wire protocol has no other channel
// for them.
func (s *Server) Dispatch(ctx context.Context, sessionID string, req JSONRPCRequest) JSONRPCResponse {
	if s.limiter != nil && sessionID != "" && !s.limiter.Allow(sessionID) {
		if s.metrics != nil {
			s.metrics.RateLimitRejectionsTotal.WithLabelValues(sessionID).Inc()
		}
		return s.errorResponse(req.ID, ErrCodeInternalError, apeerr.New(apeerr.RateLimitExceeded, "rate limit exceeded", nil))
	}

	var resp JSONRPCResponse
	switch req.Method {
	case "initialize":
		resp = s.handleInitialize(req)
	case "tools/list":
		resp = s.handleListTools(req)
	case "tools/call":
		resp = s.handleCallTool(ctx, req)
	case "prompts/list":
		resp = s.handleListPrompts(req)
	case "prompts/get":
		resp = s.handleGetPrompt(req)
	case "resources/list":
		resp = s.handleListResources(req)
	case "resources/read":
		resp = s.handleReadResource(ctx, req)
	default:
		resp = JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &JSONRPCError{Code: ErrCodeMethodNotFound, Message: "method not found: " + req.Method},
		}
	}

	if s.metrics != nil {
		outcome := "ok"
		if resp.Error != nil {
			outcome = "error"
		}
		s.metrics.MCPRequestsTotal.WithLabelValues(req.Method, outcome).Inc()
	}
	return resp
}

func (s *Server) recordToolCall(tool, outcome string) {
	if s.metrics != nil {
		s.metrics.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
	}
}

func (s *Server) result(id any, v any) JSONRPCResponse {
	blob, err := json.Marshal(v)
	if err != nil {
		return s.errorResponse(id, ErrCodeInternalError, apeerr.New(apeerr.ToolExecutionError, err.Error(), nil))
	}
	return JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: blob}
}

func (s *Server) errorResponse(id any, code int, apeErr *apeerr.ApeError) JSONRPCResponse {
	data, _ := json.Marshal(apeErr.ToDict())
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: apeErr.Error(), Data: data},
	}
}

func (s *Server) handleInitialize(req JSONRPCRequest) JSONRPCResponse {
	return s.result(req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: Capabilities{
			Tools:     &ToolsCapability{},
			Resources: &ResourcesCapability{},
			Prompts:   &PromptsCapability{},
		},
		ServerInfo: ServerInfo{Name: s.name, Version: s.version},
	})
}

func (s *Server) handleListTools(req JSONRPCRequest) JSONRPCResponse {
	specs := s.registry.ListTools()
	tools := make([]ToolDescriptor, len(specs))
	for i, t := range specs {
		tools[i] = ToolDescriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	return s.result(req.ID, ListToolsResult{Tools: tools})
}

func (s *Server) handleCallTool(ctx context.Context, req JSONRPCRequest) JSONRPCResponse {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, ErrCodeInvalidParams, apeerr.New(apeerr.ValidationError, "invalid tools/call params: "+err.Error(), nil))
	}

	out, filteredArgs, err := s.registry.Call(ctx, params.Name, params.Arguments)
	if err != nil {
		var apeErr *apeerr.ApeError
		if errors.As(err, &apeErr) {
			code := ErrCodeInternalError
			outcome := "execution_error"
			switch apeErr.Code {
			case apeerr.ToolNotFound:
				code = ErrCodeToolNotFound
				outcome = "not_found"
			case apeerr.ValidationError:
				code = ErrCodeInvalidParams
				outcome = "validation_error"
			}
			s.recordToolCall(params.Name, outcome)
			return s.errorResponse(req.ID, code, apeErr)
		}
		s.recordToolCall(params.Name, "execution_error")
		return s.errorResponse(req.ID, ErrCodeInternalError, apeerr.ExecutionErr(params.Name, err))
	}
	s.recordToolCall(params.Name, "success")

	resultText, err := json.Marshal(out)
	if err != nil {
		return s.errorResponse(req.ID, ErrCodeInternalError, apeerr.ExecutionErr(params.Name, err))
	}

	toolResult := models.ToolResult{
		ToolName:  params.Name,
		Arguments: filteredArgs,
		Result:    string(resultText),
		Timestamp: time.Now(),
	}
	payloadBlob, err := json.Marshal(toolResult)
	if err != nil {
		return s.errorResponse(req.ID, ErrCodeInternalError, apeerr.ExecutionErr(params.Name, err))
	}

	resultID := uuid.New().String()
	token, err := s.signer.Sign(resultID, string(payloadBlob))
	if err != nil {
		if s.metrics != nil {
			s.metrics.SignatureFailuresTotal.WithLabelValues("error").Inc()
		}
		return s.errorResponse(req.ID, ErrCodeInternalError, apeerr.SignatureErr(err.Error()))
	}

	return s.result(req.ID, CallToolResult{Envelope: Envelope{
		ResultID:  resultID,
		Payload:   string(payloadBlob),
		Signature: token,
	}})
}

func (s *Server) handleListPrompts(req JSONRPCRequest) JSONRPCResponse {
	specs := s.registry.Prompts().List()
	prompts := make([]PromptDescriptor, len(specs))
	for i, p := range specs {
		args := make([]PromptArgument, len(p.Arguments))
		for j, a := range p.Arguments {
			args[j] = PromptArgument{Name: a.Name, Description: a.Description, Required: a.Required}
		}
		prompts[i] = PromptDescriptor{Name: p.Name, Description: p.Description, Arguments: args}
	}
	return s.result(req.ID, ListPromptsResult{Prompts: prompts})
}

func (s *Server) handleGetPrompt(req JSONRPCRequest) JSONRPCResponse {
	var params GetPromptParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, ErrCodeInvalidParams, apeerr.New(apeerr.ValidationError, "invalid prompts/get params: "+err.Error(), nil))
	}

	spec, ok := s.registry.Prompts().Get(params.Name)
	text, err := s.registry.Prompts().Render(params.Name, params.Arguments)
	if err != nil {
		var apeErr *apeerr.ApeError
		if errors.As(err, &apeErr) {
			code := ErrCodeInternalError
			switch apeErr.Code {
			case apeerr.PromptNotFound:
				code = ErrCodePromptNotFound
			case apeerr.ValidationError:
				code = ErrCodeInvalidParams
			}
			return s.errorResponse(req.ID, code, apeErr)
		}
		return s.errorResponse(req.ID, ErrCodeInternalError, apeerr.New(apeerr.PromptNotFound, err.Error(), nil))
	}
	if !ok {
		return s.errorResponse(req.ID, ErrCodePromptNotFound, apeerr.PromptNotFoundErr(params.Name))
	}

	return s.result(req.ID, GetPromptResult{Description: spec.Description, Text: text})
}

func (s *Server) handleListResources(req JSONRPCRequest) JSONRPCResponse {
	specs := s.registry.Resources().List()
	resources := make([]ResourceDescriptor, len(specs))
	for i, r := range specs {
		resources[i] = ResourceDescriptor{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MimeHint}
	}
	return s.result(req.ID, ListResourcesResult{Resources: resources})
}

func (s *Server) handleReadResource(ctx context.Context, req JSONRPCRequest) JSONRPCResponse {
	var params ReadResourceParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, ErrCodeInvalidParams, apeerr.New(apeerr.ValidationError, "invalid resources/read params: "+err.Error(), nil))
	}

	out, err := s.registry.Resources().Read(ctx, params.URI)
	if err != nil {
		var apeErr *apeerr.ApeError
		if errors.As(err, &apeErr) {
			return s.errorResponse(req.ID, ErrCodeResourceNotFound, apeErr)
		}
		return s.errorResponse(req.ID, ErrCodeInternalError, apeerr.New(apeerr.ValidationError, err.Error(), nil))
	}

	text, ok := out.(string)
	if !ok {
		blob, err := json.Marshal(out)
		if err != nil {
			return s.errorResponse(req.ID, ErrCodeInternalError, apeerr.New(apeerr.ValidationError, err.Error(), nil))
		}
		text = string(blob)
	}

	return s.result(req.ID, ReadResourceResult{URI: params.URI, MimeType: "application/json", Text: text})
}
