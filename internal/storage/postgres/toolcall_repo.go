package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/storage"
)

// Compile-time interface check.
var _ storage.ToolCallStore = (*ToolCallRepository)(nil)

// ToolCallRepository implements storage.ToolCallStore with GORM.
type ToolCallRepository struct {
	db *gorm.DB
}

// NewToolCallRepository creates a ToolCallRepository.
func NewToolCallRepository(db *gorm.DB) *ToolCallRepository {
	return &ToolCallRepository{db: db}
}

// Start inserts a pending record and returns its id for finalization.
func (r *ToolCallRepository) Start(ctx context.Context, call *domain.ToolCall) (int64, error) {
	if call.Timestamp.IsZero() {
		call.Timestamp = time.Now().UTC()
	}
	if call.Status == "" {
		call.Status = domain.ToolCallPending
	}
	model, err := toToolCallModel(call)
	if err != nil {
		return 0, fmt.Errorf("encoding tool call: %w", err)
	}
	model.ID = 0 // assigned by the database
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return 0, fmt.Errorf("inserting tool call: %w", err)
	}
	return model.ID, nil
}

// Finalize closes a pending record. Only pending records can be finalized;
// finalizing twice is an error.
func (r *ToolCallRepository) Finalize(ctx context.Context, id int64, status string, output map[string]any, errMsg, sandboxID string, elapsedMS int64) error {
	outputJSON, err := marshalMap(output)
	if err != nil {
		return fmt.Errorf("encoding tool output: %w", err)
	}
	res := r.db.WithContext(ctx).Model(&ToolCallModel{}).
		Where("id = ? AND status = ?", id, domain.ToolCallPending).
		Updates(map[string]any{
			"status":            status,
			"tool_output":       outputJSON,
			"error_msg":         errMsg,
			"sandbox_id":        sandboxID,
			"execution_time_ms": elapsedMS,
		})
	if res.Error != nil {
		return fmt.Errorf("finalizing tool call: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("tool call %d not pending", id)
	}
	return nil
}

func (r *ToolCallRepository) ListByChat(ctx context.Context, chatID uuid.UUID) ([]*domain.ToolCall, error) {
	var models []ToolCallModel
	err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("timestamp ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing tool calls: %w", err)
	}
	calls := make([]*domain.ToolCall, 0, len(models))
	for i := range models {
		call, err := fromToolCallModel(&models[i])
		if err != nil {
			return nil, fmt.Errorf("decoding tool call %d: %w", models[i].ID, err)
		}
		calls = append(calls, call)
	}
	return calls, nil
}
