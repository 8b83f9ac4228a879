// Package domain holds the persistence-facing types shared by the storage
// backends, the recorder, and the gateways.
package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/llm"
)

// Chat is one conversation session. It owns at most one remembered sandbox
// identifier; the live handle lives only in the sandbox manager's cache.
type Chat struct {
	ID           uuid.UUID `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	LastUpdated  time.Time `json:"last_updated"`
	MessageCount int       `json:"message_count"`
	TotalTokens  int       `json:"total_tokens"`
	SandboxID    string    `json:"sandbox_id,omitempty"`
}

// Message is one persisted conversation message in full content-block form.
type Message struct {
	ID         uuid.UUID          `json:"id"`
	ChatID     uuid.UUID          `json:"chat_id"`
	Role       llm.Role           `json:"role"`
	Content    []llm.ContentBlock `json:"content"`
	Timestamp  time.Time          `json:"timestamp"`
	TokenCount int                `json:"token_count"`
}

// Tool call terminal statuses. A record is created pending and finalized
// exactly once; it is immutable afterwards.
const (
	ToolCallPending = "pending"
	ToolCallSuccess = "success"
	ToolCallError   = "error"
)

// ToolCall is the durable record of one dispatched tool invocation.
type ToolCall struct {
	ID        int64          `json:"id"`
	ChatID    uuid.UUID      `json:"chat_id"`
	MessageID string         `json:"message_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Iteration int            `json:"iteration"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`

	Status     string         `json:"status"`
	ToolOutput map[string]any `json:"tool_output,omitempty"`
	ErrorMsg   string         `json:"error_msg,omitempty"`

	SandboxID       string `json:"sandbox_id,omitempty"`
	ExecutionTimeMS int64  `json:"execution_time_ms,omitempty"`
}

// ThinkingEvent is one logged reasoning trace, paired with its opaque
// verification signature.
type ThinkingEvent struct {
	ID           int64     `json:"id"`
	ChatID       uuid.UUID `json:"chat_id"`
	MessageID    string    `json:"message_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	ThinkingText string    `json:"thinking_text"`
	Signature    string    `json:"signature,omitempty"`
	Iteration    int       `json:"iteration"`
}

// SandboxFile is a file persisted from the sandbox to durable storage.
type SandboxFile struct {
	ID        uuid.UUID `json:"id"`
	ChatID    uuid.UUID `json:"chat_id"`
	Filepath  string    `json:"filepath"`            // "calculator/main.py"
	Filename  string    `json:"filename"`            // "main.py"
	Directory string    `json:"directory,omitempty"` // "calculator/" or ""

	Content     string `json:"content"`
	Description string `json:"description,omitempty"`
	FileType    string `json:"file_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileAttachment is a user-uploaded file associated with a chat.
// Upload format conversion happens outside this system; only the metadata
// and on-disk location are tracked here.
type FileAttachment struct {
	ID            uuid.UUID `json:"id"`
	ChatID        uuid.UUID `json:"chat_id"`
	Filename      string    `json:"filename"`
	FilePath      string    `json:"file_path"`
	FileType      string    `json:"file_type"`
	SizeBytes     int64     `json:"size_bytes"`
	InContext     bool      `json:"in_context"`
	TokenEstimate int       `json:"token_estimate"`
	UploadedAt    time.Time `json:"uploaded_at"`
}

// Event is one entry of a chat's merged execution timeline: either a
// thinking trace or a tool call, ordered by timestamp. Type is "thinking"
// or "tool_call"; exactly one of Thinking and ToolCall is set.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Iteration int            `json:"iteration"`
	Thinking  *ThinkingEvent `json:"thinking,omitempty"`
	ToolCall  *ToolCall      `json:"tool_call,omitempty"`
}
