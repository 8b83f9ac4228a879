// Package storage defines the unified Store interface that abstracts all
// persistence operations. Two backends are provided: SQLite (default,
// zero-config) and PostgreSQL (production).
package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/llm"
)

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is the unified persistence interface. It provides access to all
// domain-specific sub-stores through accessor methods; the returned stores
// share the same underlying connection.
type Store interface {
	Chats() ChatStore
	Messages() MessageStore
	ToolCalls() ToolCallStore
	Thinking() ThinkingStore
	SandboxFiles() SandboxFileStore
	Attachments() AttachmentStore

	// Events returns a chat's merged execution timeline: thinking traces and
	// tool calls interleaved in timestamp order.
	Events(ctx context.Context, chatID uuid.UUID) ([]domain.Event, error)

	// Ping checks the backing connection for health probes.
	Ping(ctx context.Context) error

	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// ChatStore persists conversation sessions.
type ChatStore interface {
	Create(ctx context.Context, chat *domain.Chat) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Chat, error)
	List(ctx context.Context) ([]*domain.Chat, error)
	UpdateTitle(ctx context.Context, id uuid.UUID, title string) error

	// UpdateSandboxID stores the remembered sandbox identifier. Empty clears it.
	UpdateSandboxID(ctx context.Context, id uuid.UUID, sandboxID string) error

	// AddUsage bumps message count and token totals and touches last_updated.
	AddUsage(ctx context.Context, id uuid.UUID, messages, tokens int) error

	// Delete removes the chat and everything hanging off it.
	Delete(ctx context.Context, id uuid.UUID) error
}

// MessageStore persists conversation messages in full content-block form.
type MessageStore interface {
	Append(ctx context.Context, msg *domain.Message) error

	// History returns the chat's messages oldest-first in provider form,
	// capped at maxMessages when > 0.
	History(ctx context.Context, chatID uuid.UUID, maxMessages int) ([]llm.Message, error)

	List(ctx context.Context, chatID uuid.UUID) ([]*domain.Message, error)
}

// ToolCallStore persists tool invocation records with the open/finalize
// protocol: Start creates a pending record, Finalize closes it exactly once.
type ToolCallStore interface {
	Start(ctx context.Context, call *domain.ToolCall) (int64, error)
	Finalize(ctx context.Context, id int64, status string, output map[string]any, errMsg, sandboxID string, elapsedMS int64) error
	ListByChat(ctx context.Context, chatID uuid.UUID) ([]*domain.ToolCall, error)
}

// ThinkingStore persists reasoning traces.
type ThinkingStore interface {
	Log(ctx context.Context, ev *domain.ThinkingEvent) error
	ListByChat(ctx context.Context, chatID uuid.UUID) ([]*domain.ThinkingEvent, error)
}

// SandboxFileStore persists files saved out of sandboxes. The (chat,
// filepath) pair is unique; Upsert reports whether it created or updated.
type SandboxFileStore interface {
	Get(ctx context.Context, chatID uuid.UUID, filepath string) (*domain.SandboxFile, error)
	Upsert(ctx context.Context, file *domain.SandboxFile) (string, error)
	ListByChat(ctx context.Context, chatID uuid.UUID) ([]*domain.SandboxFile, error)
	Delete(ctx context.Context, chatID uuid.UUID, filepath string) error
}

// AttachmentStore persists user-uploaded file metadata.
type AttachmentStore interface {
	Add(ctx context.Context, att *domain.FileAttachment) error
	ListByChat(ctx context.Context, chatID uuid.UUID) ([]*domain.FileAttachment, error)
	SetInContext(ctx context.Context, id uuid.UUID, inContext bool) error
	Delete(ctx context.Context, id uuid.UUID) error
}
