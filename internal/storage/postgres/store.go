package postgres

import (
	"context"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/storage"
)

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db     *DB
	logger *slog.Logger

	chats        *ChatRepository
	messages     *MessageRepository
	toolCalls    *ToolCallRepository
	thinking     *ThinkingRepository
	sandboxFiles *SandboxFileRepository
	attachments  *AttachmentRepository
}

// NewStore creates a PostgreSQL-backed Store from an open connection.
func NewStore(db *DB, logger *slog.Logger) *Store {
	g := db.GormDB()
	return &Store{
		db:           db,
		logger:       logger,
		chats:        NewChatRepository(g),
		messages:     NewMessageRepository(g),
		toolCalls:    NewToolCallRepository(g),
		thinking:     NewThinkingRepository(g),
		sandboxFiles: NewSandboxFileRepository(g),
		attachments:  NewAttachmentRepository(g),
	}
}

// NewStoreFromGorm builds a Store over an existing *gorm.DB. Used by the
// SQLite backend, which shares these repositories.
func NewStoreFromGorm(g *gorm.DB, logger *slog.Logger) *Store {
	return &Store{
		logger:       logger,
		chats:        NewChatRepository(g),
		messages:     NewMessageRepository(g),
		toolCalls:    NewToolCallRepository(g),
		thinking:     NewThinkingRepository(g),
		sandboxFiles: NewSandboxFileRepository(g),
		attachments:  NewAttachmentRepository(g),
	}
}

func (s *Store) Chats() storage.ChatStore               { return s.chats }
func (s *Store) Messages() storage.MessageStore         { return s.messages }
func (s *Store) ToolCalls() storage.ToolCallStore       { return s.toolCalls }
func (s *Store) Thinking() storage.ThinkingStore        { return s.thinking }
func (s *Store) SandboxFiles() storage.SandboxFileStore { return s.sandboxFiles }
func (s *Store) Attachments() storage.AttachmentStore   { return s.attachments }

// Events merges a chat's thinking traces and tool calls into one timeline,
// ordered by timestamp with iteration as tiebreaker.
func (s *Store) Events(ctx context.Context, chatID uuid.UUID) ([]domain.Event, error) {
	thinking, err := s.thinking.ListByChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	calls, err := s.toolCalls.ListByChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	events := make([]domain.Event, 0, len(thinking)+len(calls))
	for _, t := range thinking {
		events = append(events, domain.Event{
			Type:      "thinking",
			Timestamp: t.Timestamp,
			Iteration: t.Iteration,
			Thinking:  t,
		})
	}
	for _, c := range calls {
		events = append(events, domain.Event{
			Type:      "tool_call",
			Timestamp: c.Timestamp,
			Iteration: c.Iteration,
			ToolCall:  c,
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Iteration < events[j].Iteration
		}
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.Ping(ctx)
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Driver() string { return storage.DriverPostgres }
