// Package models holds the wire and storage shapes shared across APE's
// components: conversation messages, summary records, tool errors, and
// the capability-catalog entries served by the registry.
package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Message is one entry in a conversation. Created by the Agent Loop;
// never mutated in place; deleted only by explicit session purge.
type Message struct {
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Images    [][]byte  `json:"images,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionInfo summarises one conversation thread for catalog listings.
type SessionInfo struct {
	SessionID      string    `json:"session_id"`
	MessageCount   int       `json:"message_count"`
	FirstTimestamp time.Time `json:"first_ts"`
	LastTimestamp  time.Time `json:"last_ts"`
}

// SummaryRecord is one row of the append-only summarisation audit trail.
type SummaryRecord struct {
	SessionID         string    `json:"session_id"`
	OriginalMessages  []Message `json:"original_messages"`
	SummaryText       string    `json:"summary_text"`
	Timestamp         time.Time `json:"timestamp"`
}

// ToolErrorRecord is one row of the append-only tool-error log, exposed
// via the errors://recent resource.
type ToolErrorRecord struct {
	SessionID string          `json:"session_id,omitempty"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
	Error     string          `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
}

// ToolResult is the payload carried inside a successful Signed Envelope.
type ToolResult struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
	Result    string          `json:"result"`
	Timestamp time.Time       `json:"timestamp"`
}

// ToolSpec describes one registered tool's catalog entry.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// PromptArgument describes one named argument accepted by a prompt
// template.
type PromptArgument struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Required    bool   `json:"required" yaml:"required"`
}

// PromptSpec describes one registered prompt template's catalog entry.
type PromptSpec struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Arguments   []PromptArgument `json:"arguments"`
}

// ResourceSpec describes one catalog entry contributed by a resource
// adapter.
type ResourceSpec struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeHint    string `json:"mime_type,omitempty"`
}
