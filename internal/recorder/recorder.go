// Package recorder defines the execution event recorder: the narrow interface
// through which the agent loop and the tool dispatch layer write thinking
// traces, tool-call records, and persisted sandbox files. The persistence
// layer owns the records; this package only populates them.
package recorder

import (
	"context"

	"github.com/jkaninda/sanduku/internal/domain"
)

// Recorder is implemented by the persistence collaborator. All call sites
// tolerate a nil Recorder (recording disabled).
type Recorder interface {
	// LogToolCallStart opens a tool-call record in pending state and returns
	// its event id for finalization.
	LogToolCallStart(ctx context.Context, chatID, toolName string, input map[string]any, messageID string, iteration int) (int64, error)

	// FinalizeToolCall closes a pending record with its terminal status,
	// output or error payload, the sandbox identifier active at execution
	// time, and elapsed milliseconds. A record is finalized exactly once.
	FinalizeToolCall(ctx context.Context, eventID int64, status string, output map[string]any, errMsg, sandboxID string, elapsedMS int64) error

	// LogThinking records one reasoning trace with its optional signature.
	LogThinking(ctx context.Context, chatID, text, signature, messageID string, iteration int) error

	// GetSandboxFile returns the persisted file for the chat and path, or
	// nil when none exists.
	GetSandboxFile(ctx context.Context, chatID, filepath string) (*domain.SandboxFile, error)

	// UpsertSandboxFile creates or updates a persisted sandbox file.
	// Returns the action taken: "created" or "updated".
	UpsertSandboxFile(ctx context.Context, file *domain.SandboxFile) (string, error)
}
