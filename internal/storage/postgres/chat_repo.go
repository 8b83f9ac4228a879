package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/storage"
)

// Compile-time interface check.
var _ storage.ChatStore = (*ChatRepository)(nil)

// ChatRepository implements storage.ChatStore with GORM.
type ChatRepository struct {
	db *gorm.DB
}

// NewChatRepository creates a ChatRepository.
func NewChatRepository(db *gorm.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

func (r *ChatRepository) Create(ctx context.Context, chat *domain.Chat) error {
	if chat.ID == uuid.Nil {
		chat.ID = uuid.New()
	}
	now := time.Now().UTC()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	if chat.LastUpdated.IsZero() {
		chat.LastUpdated = now
	}
	model := toChatModel(chat)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating chat: %w", err)
	}
	return nil
}

func (r *ChatRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Chat, error) {
	var model ChatModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading chat: %w", err)
	}
	return fromChatModel(&model), nil
}

// List returns all chats, most recently updated first.
func (r *ChatRepository) List(ctx context.Context) ([]*domain.Chat, error) {
	var models []ChatModel
	if err := r.db.WithContext(ctx).Order("last_updated DESC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}
	chats := make([]*domain.Chat, 0, len(models))
	for i := range models {
		chats = append(chats, fromChatModel(&models[i]))
	}
	return chats, nil
}

func (r *ChatRepository) UpdateTitle(ctx context.Context, id uuid.UUID, title string) error {
	return r.update(ctx, id, map[string]any{
		"title":        title,
		"last_updated": time.Now().UTC(),
	})
}

func (r *ChatRepository) UpdateSandboxID(ctx context.Context, id uuid.UUID, sandboxID string) error {
	return r.update(ctx, id, map[string]any{
		"sandbox_id":   sandboxID,
		"last_updated": time.Now().UTC(),
	})
}

// AddUsage bumps counters after a completed turn.
func (r *ChatRepository) AddUsage(ctx context.Context, id uuid.UUID, messages, tokens int) error {
	res := r.db.WithContext(ctx).Model(&ChatModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"message_count": gorm.Expr("message_count + ?", messages),
			"total_tokens":  gorm.Expr("total_tokens + ?", tokens),
			"last_updated":  time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("updating chat usage: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("chat %s not found", id)
	}
	return nil
}

// Delete removes the chat and all dependent rows.
func (r *ChatRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, del := range []any{
			&MessageModel{}, &ToolCallModel{}, &ThinkingEventModel{},
			&SandboxFileModel{}, &FileAttachmentModel{},
		} {
			if err := tx.Where("chat_id = ?", id).Delete(del).Error; err != nil {
				return fmt.Errorf("deleting chat dependents: %w", err)
			}
		}
		if err := tx.Where("id = ?", id).Delete(&ChatModel{}).Error; err != nil {
			return fmt.Errorf("deleting chat: %w", err)
		}
		return nil
	})
}

func (r *ChatRepository) update(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&ChatModel{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("updating chat: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("chat %s not found", id)
	}
	return nil
}
