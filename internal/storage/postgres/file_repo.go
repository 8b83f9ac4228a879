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

// Compile-time interface checks.
var (
	_ storage.SandboxFileStore = (*SandboxFileRepository)(nil)
	_ storage.AttachmentStore  = (*AttachmentRepository)(nil)
)

// SandboxFileRepository implements storage.SandboxFileStore with GORM.
type SandboxFileRepository struct {
	db *gorm.DB
}

// NewSandboxFileRepository creates a SandboxFileRepository.
func NewSandboxFileRepository(db *gorm.DB) *SandboxFileRepository {
	return &SandboxFileRepository{db: db}
}

func (r *SandboxFileRepository) Get(ctx context.Context, chatID uuid.UUID, filepath string) (*domain.SandboxFile, error) {
	var model SandboxFileModel
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND filepath = ?", chatID, filepath).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading sandbox file: %w", err)
	}
	return fromSandboxFileModel(&model), nil
}

// Upsert creates or updates the (chat, filepath) row and reports which.
func (r *SandboxFileRepository) Upsert(ctx context.Context, file *domain.SandboxFile) (string, error) {
	now := time.Now().UTC()

	action := ""
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SandboxFileModel
		err := tx.Where("chat_id = ? AND filepath = ?", file.ChatID, file.Filepath).
			First(&existing).Error

		if err == nil {
			res := tx.Model(&SandboxFileModel{}).
				Where("id = ?", existing.ID).
				Updates(map[string]any{
					"content":     file.Content,
					"description": file.Description,
					"file_type":   file.FileType,
					"size_bytes":  file.SizeBytes,
					"updated_at":  now,
				})
			if res.Error != nil {
				return fmt.Errorf("updating sandbox file: %w", res.Error)
			}
			file.ID = existing.ID
			file.CreatedAt = existing.CreatedAt
			file.UpdatedAt = now
			action = "updated"
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("looking up sandbox file: %w", err)
		}

		if file.ID == uuid.Nil {
			file.ID = uuid.New()
		}
		file.CreatedAt = now
		file.UpdatedAt = now
		model := toSandboxFileModel(file)
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("inserting sandbox file: %w", err)
		}
		action = "created"
		return nil
	})
	if err != nil {
		return "", err
	}
	return action, nil
}

func (r *SandboxFileRepository) ListByChat(ctx context.Context, chatID uuid.UUID) ([]*domain.SandboxFile, error) {
	var models []SandboxFileModel
	err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("filepath ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing sandbox files: %w", err)
	}
	files := make([]*domain.SandboxFile, 0, len(models))
	for i := range models {
		files = append(files, fromSandboxFileModel(&models[i]))
	}
	return files, nil
}

func (r *SandboxFileRepository) Delete(ctx context.Context, chatID uuid.UUID, filepath string) error {
	res := r.db.WithContext(ctx).
		Where("chat_id = ? AND filepath = ?", chatID, filepath).
		Delete(&SandboxFileModel{})
	if res.Error != nil {
		return fmt.Errorf("deleting sandbox file: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sandbox file %s not found", filepath)
	}
	return nil
}

// AttachmentRepository implements storage.AttachmentStore with GORM.
type AttachmentRepository struct {
	db *gorm.DB
}

// NewAttachmentRepository creates an AttachmentRepository.
func NewAttachmentRepository(db *gorm.DB) *AttachmentRepository {
	return &AttachmentRepository{db: db}
}

func (r *AttachmentRepository) Add(ctx context.Context, att *domain.FileAttachment) error {
	if att.ID == uuid.Nil {
		att.ID = uuid.New()
	}
	if att.UploadedAt.IsZero() {
		att.UploadedAt = time.Now().UTC()
	}
	model := toAttachmentModel(att)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("inserting attachment: %w", err)
	}
	return nil
}

func (r *AttachmentRepository) ListByChat(ctx context.Context, chatID uuid.UUID) ([]*domain.FileAttachment, error) {
	var models []FileAttachmentModel
	err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("uploaded_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}
	atts := make([]*domain.FileAttachment, 0, len(models))
	for i := range models {
		atts = append(atts, fromAttachmentModel(&models[i]))
	}
	return atts, nil
}

func (r *AttachmentRepository) SetInContext(ctx context.Context, id uuid.UUID, inContext bool) error {
	res := r.db.WithContext(ctx).Model(&FileAttachmentModel{}).
		Where("id = ?", id).
		Update("in_context", inContext)
	if res.Error != nil {
		return fmt.Errorf("updating attachment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("attachment %s not found", id)
	}
	return nil
}

func (r *AttachmentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&FileAttachmentModel{})
	if res.Error != nil {
		return fmt.Errorf("deleting attachment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("attachment %s not found", id)
	}
	return nil
}
