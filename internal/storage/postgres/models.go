package postgres

import (
	"time"

	"github.com/google/uuid"
)

// ChatModel maps to the "chats" table.
type ChatModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Title        string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	LastUpdated  time.Time `gorm:"not null;index"`
	MessageCount int       `gorm:"not null;default:0"`
	TotalTokens  int       `gorm:"not null;default:0"`
	SandboxID    string    // Remembered sandbox identifier, "" when none.
}

func (ChatModel) TableName() string { return "chats" }

// MessageModel maps to the "messages" table. Content holds the full
// content-block list as JSON text. Seq records insertion order: messages
// appended back-to-back within one turn can share a timestamp at driver
// precision, so every ordering pairs timestamp with seq.
type MessageModel struct {
	Seq        int64     `gorm:"primaryKey;autoIncrement"`
	ID         uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	ChatID     uuid.UUID `gorm:"type:uuid;not null;index"`
	Role       string    `gorm:"not null"`
	Content    string    `gorm:"type:text;not null"`
	Timestamp  time.Time `gorm:"not null;index"`
	TokenCount int       `gorm:"not null;default:0"`
}

func (MessageModel) TableName() string { return "messages" }

// ToolCallModel maps to the "tool_calls" table. Input and output payloads
// are JSON text.
type ToolCallModel struct {
	ID              int64     `gorm:"primaryKey;autoIncrement"`
	ChatID          uuid.UUID `gorm:"type:uuid;not null;index"`
	MessageID       string
	Timestamp       time.Time `gorm:"not null;index"`
	Iteration       int       `gorm:"not null;default:0"`
	ToolName        string    `gorm:"not null"`
	ToolInput       string    `gorm:"type:text"`
	Status          string    `gorm:"not null;default:'pending'"`
	ToolOutput      string    `gorm:"type:text"`
	ErrorMsg        string    `gorm:"type:text"`
	SandboxID       string
	ExecutionTimeMS int64
}

func (ToolCallModel) TableName() string { return "tool_calls" }

// ThinkingEventModel maps to the "thinking_events" table.
type ThinkingEventModel struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	ChatID       uuid.UUID `gorm:"type:uuid;not null;index"`
	MessageID    string
	Timestamp    time.Time `gorm:"not null;index"`
	ThinkingText string    `gorm:"type:text;not null"`
	Signature    string    `gorm:"type:text"`
	Iteration    int       `gorm:"not null;default:0"`
}

func (ThinkingEventModel) TableName() string { return "thinking_events" }

// SandboxFileModel maps to the "sandbox_files" table. One row per (chat,
// filepath); saving again with the same filepath updates in place.
type SandboxFileModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	ChatID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_chat_filepath"`
	Filepath    string    `gorm:"not null;uniqueIndex:idx_chat_filepath"`
	Filename    string    `gorm:"not null"`
	Directory   string
	Content     string `gorm:"type:text;not null"`
	Description string `gorm:"type:text"`
	FileType    string
	SizeBytes   int64     `gorm:"not null;default:0"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (SandboxFileModel) TableName() string { return "sandbox_files" }

// FileAttachmentModel maps to the "file_attachments" table.
type FileAttachmentModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	ChatID        uuid.UUID `gorm:"type:uuid;not null;index"`
	Filename      string    `gorm:"not null"`
	FilePath      string    `gorm:"not null"`
	FileType      string
	SizeBytes     int64     `gorm:"not null;default:0"`
	InContext     bool      `gorm:"not null;default:true"`
	TokenEstimate int       `gorm:"not null;default:0"`
	UploadedAt    time.Time `gorm:"not null"`
}

func (FileAttachmentModel) TableName() string { return "file_attachments" }
