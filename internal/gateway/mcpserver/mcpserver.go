// Package mcpserver exposes the sandbox tools over the Model Context
// Protocol. External MCP clients (editors, other agents) call the same five
// tools the built-in agent loop uses, against a dedicated chat session, with
// every invocation recorded through the same dispatch pipeline.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/gateway"
	"github.com/jkaninda/sanduku/internal/storage"
	"github.com/jkaninda/sanduku/internal/tools"
)

// Compile-time interface check.
var _ gateway.Gateway = (*Server)(nil)

// Server bridges MCP tool calls into the tool dispatcher. All calls of one
// server run in a single chat session and therefore share one sandbox.
type Server struct {
	dispatcher *tools.Dispatcher
	store      storage.Store
	logger     *slog.Logger
	version    string

	chatID string

	mu        sync.Mutex
	sandboxID string // remembered identifier, threaded between calls
}

// NewServer creates an MCP server bound to the given chat. An empty chatID
// makes Start create a fresh session.
func NewServer(dispatcher *tools.Dispatcher, store storage.Store, logger *slog.Logger, chatID, version string) *Server {
	return &Server{
		dispatcher: dispatcher,
		store:      store,
		logger:     logger,
		version:    version,
		chatID:     chatID,
	}
}

// Start serves MCP over stdio until the context is canceled or stdin closes.
func (s *Server) Start(ctx context.Context) error {
	if err := s.bindChat(ctx); err != nil {
		return err
	}

	srv := server.NewMCPServer("sanduku", s.version,
		server.WithToolCapabilities(false),
	)

	// The same definitions the model sees, registered verbatim.
	for _, def := range s.dispatcher.Definitions() {
		schema, err := json.Marshal(def.InputSchema)
		if err != nil {
			return fmt.Errorf("marshaling %s schema: %w", def.Name, err)
		}
		srv.AddTool(
			mcp.NewToolWithRawSchema(def.Name, def.Description, schema),
			s.toolHandler(def.Name),
		)
	}

	s.logger.Info("mcp server starting",
		slog.String("chat_id", s.chatID),
		slog.Int("tools", len(s.dispatcher.Definitions())),
	)

	stdio := server.NewStdioServer(srv)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// Stop is a no-op; Listen returns when the Start context is canceled.
func (s *Server) Stop(_ context.Context) error {
	return nil
}

// bindChat resolves or creates the chat session all tool calls run under.
func (s *Server) bindChat(ctx context.Context) error {
	if s.chatID != "" {
		id, err := uuid.Parse(s.chatID)
		if err != nil {
			return fmt.Errorf("invalid chat id %q: %w", s.chatID, err)
		}
		chat, err := s.store.Chats().Get(ctx, id)
		if err != nil {
			return fmt.Errorf("loading chat: %w", err)
		}
		if chat == nil {
			return fmt.Errorf("chat %s not found", s.chatID)
		}
		s.sandboxID = chat.SandboxID
		return nil
	}

	chat := &domain.Chat{ID: uuid.New(), Title: "MCP Session"}
	if err := s.store.Chats().Create(ctx, chat); err != nil {
		return fmt.Errorf("creating mcp session chat: %w", err)
	}
	s.chatID = chat.ID.String()
	return nil
}

// toolHandler adapts one named tool into an MCP call handler.
func (s *Server) toolHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s.mu.Lock()
		remembered := s.sandboxID
		s.mu.Unlock()

		res := s.dispatcher.Dispatch(ctx, tools.Request{
			ConversationID: s.chatID,
			SandboxID:      remembered,
			Tool:           name,
			Input:          req.GetArguments(),
		})

		if res.SandboxID != "" && res.SandboxID != remembered {
			s.rememberSandbox(ctx, res.SandboxID)
		}

		if res.IsError() {
			return mcp.NewToolResultError(res.ModelContent()), nil
		}
		return mcp.NewToolResultText(res.ModelContent()), nil
	}
}

// rememberSandbox persists a freshly created sandbox identifier so later
// calls and sessions reuse it.
func (s *Server) rememberSandbox(ctx context.Context, sandboxID string) {
	s.mu.Lock()
	s.sandboxID = sandboxID
	s.mu.Unlock()

	id, err := uuid.Parse(s.chatID)
	if err != nil {
		return
	}
	if err := s.store.Chats().UpdateSandboxID(ctx, id, sandboxID); err != nil {
		s.logger.Error("sandbox id update failed",
			slog.String("chat_id", s.chatID),
			slog.String("error", err.Error()),
		)
	}
}
