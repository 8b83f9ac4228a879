package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/recorder"
)

// Compile-time interface check.
var _ recorder.Recorder = (*StoreRecorder)(nil)

// StoreRecorder implements recorder.Recorder on top of a Store.
type StoreRecorder struct {
	store Store
}

// NewRecorder creates a store-backed execution recorder.
func NewRecorder(store Store) *StoreRecorder {
	return &StoreRecorder{store: store}
}

func (r *StoreRecorder) LogToolCallStart(ctx context.Context, chatID, toolName string, input map[string]any, messageID string, iteration int) (int64, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return 0, err
	}
	return r.store.ToolCalls().Start(ctx, &domain.ToolCall{
		ChatID:    id,
		MessageID: messageID,
		Iteration: iteration,
		ToolName:  toolName,
		ToolInput: input,
		Status:    domain.ToolCallPending,
	})
}

func (r *StoreRecorder) FinalizeToolCall(ctx context.Context, eventID int64, status string, output map[string]any, errMsg, sandboxID string, elapsedMS int64) error {
	return r.store.ToolCalls().Finalize(ctx, eventID, status, output, errMsg, sandboxID, elapsedMS)
}

func (r *StoreRecorder) LogThinking(ctx context.Context, chatID, text, signature, messageID string, iteration int) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	return r.store.Thinking().Log(ctx, &domain.ThinkingEvent{
		ChatID:       id,
		MessageID:    messageID,
		ThinkingText: text,
		Signature:    signature,
		Iteration:    iteration,
	})
}

func (r *StoreRecorder) GetSandboxFile(ctx context.Context, chatID, filepath string) (*domain.SandboxFile, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return nil, err
	}
	return r.store.SandboxFiles().Get(ctx, id, filepath)
}

func (r *StoreRecorder) UpsertSandboxFile(ctx context.Context, file *domain.SandboxFile) (string, error) {
	return r.store.SandboxFiles().Upsert(ctx, file)
}

func parseChatID(chatID string) (uuid.UUID, error) {
	id, err := uuid.Parse(chatID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	return id, nil
}
