package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/llm"
	"github.com/jkaninda/sanduku/internal/storage"
)

// Compile-time interface check.
var _ storage.MessageStore = (*MessageRepository)(nil)

// MessageRepository implements storage.MessageStore with GORM.
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository creates a MessageRepository.
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Append(ctx context.Context, msg *domain.Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	model, err := toMessageModel(msg)
	if err != nil {
		return fmt.Errorf("encoding message content: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// History returns the most recent messages in provider form, oldest-first.
func (r *MessageRepository) History(ctx context.Context, chatID uuid.UUID, maxMessages int) ([]llm.Message, error) {
	q := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("timestamp DESC, seq DESC")
	if maxMessages > 0 {
		q = q.Limit(maxMessages)
	}
	var models []MessageModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("loading message history: %w", err)
	}

	// Reverse to oldest-first order.
	for i, j := 0, len(models)-1; i < j; i, j = i+1, j-1 {
		models[i], models[j] = models[j], models[i]
	}

	history := make([]llm.Message, 0, len(models))
	for i := range models {
		msg, err := fromMessageModel(&models[i])
		if err != nil {
			return nil, fmt.Errorf("decoding message %s: %w", models[i].ID, err)
		}
		history = append(history, llm.Message{
			Role:          msg.Role,
			ContentBlocks: msg.Content,
		})
	}
	return history, nil
}

func (r *MessageRepository) List(ctx context.Context, chatID uuid.UUID) ([]*domain.Message, error) {
	var models []MessageModel
	err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("timestamp ASC, seq ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	msgs := make([]*domain.Message, 0, len(models))
	for i := range models {
		msg, err := fromMessageModel(&models[i])
		if err != nil {
			return nil, fmt.Errorf("decoding message %s: %w", models[i].ID, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
