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
var _ storage.ThinkingStore = (*ThinkingRepository)(nil)

// ThinkingRepository implements storage.ThinkingStore with GORM.
type ThinkingRepository struct {
	db *gorm.DB
}

// NewThinkingRepository creates a ThinkingRepository.
func NewThinkingRepository(db *gorm.DB) *ThinkingRepository {
	return &ThinkingRepository{db: db}
}

func (r *ThinkingRepository) Log(ctx context.Context, ev *domain.ThinkingEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	model := ThinkingEventModel{
		ChatID:       ev.ChatID,
		MessageID:    ev.MessageID,
		Timestamp:    ev.Timestamp,
		ThinkingText: ev.ThinkingText,
		Signature:    ev.Signature,
		Iteration:    ev.Iteration,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("inserting thinking event: %w", err)
	}
	ev.ID = model.ID
	return nil
}

func (r *ThinkingRepository) ListByChat(ctx context.Context, chatID uuid.UUID) ([]*domain.ThinkingEvent, error) {
	var models []ThinkingEventModel
	err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("timestamp ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing thinking events: %w", err)
	}
	events := make([]*domain.ThinkingEvent, 0, len(models))
	for i := range models {
		events = append(events, fromThinkingModel(&models[i]))
	}
	return events, nil
}
