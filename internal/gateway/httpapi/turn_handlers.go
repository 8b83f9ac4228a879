package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/agent"
	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/llm"
)

// History sent to the model is capped at the newest N messages; older context
// falls off rather than growing the prompt without bound.
const maxHistoryMessages = 100

const defaultTitle = "New Chat"

// MessageRequest is the JSON body for POST /v1/chats/{id}/messages.
type MessageRequest struct {
	Message string `json:"message"`

	// MaxIterations overrides the server's loop ceiling for this turn, when > 0.
	MaxIterations int `json:"max_iterations,omitempty"`
}

// ToolCallView summarizes one tool invocation from a turn.
type ToolCallView struct {
	Tool      string `json:"tool"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// MessageResponse is the outcome of one agent turn.
type MessageResponse struct {
	MessageID         string         `json:"message_id"`
	Content           string         `json:"content"`
	SandboxID         string         `json:"sandbox_id,omitempty"`
	Iterations        int            `json:"iterations"`
	TerminationReason string         `json:"termination_reason"`
	ToolCalls         []ToolCallView `json:"tool_calls,omitempty"`
	InputTokens       int            `json:"input_tokens"`
	OutputTokens      int            `json:"output_tokens"`
}

// MessageView is the JSON view of one stored message.
type MessageView struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	TokenCount int       `json:"token_count"`
}

// FileView is the JSON view of a saved sandbox file. Content is populated
// only on the single-file endpoint.
type FileView struct {
	Filepath    string    `json:"filepath"`
	Filename    string    `json:"filename"`
	Directory   string    `json:"directory,omitempty"`
	FileType    string    `json:"file_type,omitempty"`
	Description string    `json:"description,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Content     string    `json:"content,omitempty"`
}

// runTurn runs one agent turn for a chat and persists everything it produced.
// The partial result is persisted even when the turn fails.
func (g *Gateway) runTurn(c *okapi.Context, chat *domain.Chat, req MessageRequest) (*agent.TurnResult, string, error) {
	ctx := c.Context()

	// Persist the user message first so a crash mid-turn still leaves the
	// conversation record consistent.
	userMsg := &domain.Message{
		ID:         uuid.New(),
		ChatID:     chat.ID,
		Role:       llm.RoleUser,
		Content:    []llm.ContentBlock{llm.TextBlock(req.Message)},
		TokenCount: g.estimator.CountText(req.Message),
	}
	if err := g.store.Messages().Append(ctx, userMsg); err != nil {
		return nil, "", err
	}

	history, err := g.store.Messages().History(ctx, chat.ID, maxHistoryMessages)
	if err != nil {
		return nil, "", err
	}

	messageID := uuid.New().String()
	res, runErr := g.runner.RunTurn(ctx, agent.RunInput{
		ConversationID: chat.ID.String(),
		MessageID:      messageID,
		SandboxID:      chat.SandboxID,
		History:        history,
		MaxIterations:  req.MaxIterations,
	})

	// Persist whatever the turn produced, including the partial trail of a
	// failed turn.
	persisted := 1 // the user message
	tokens := 0
	if res != nil {
		tokens = res.Usage.InputTokens + res.Usage.OutputTokens
		for i := range res.Messages {
			msg := &domain.Message{
				ID:         uuid.New(),
				ChatID:     chat.ID,
				Role:       res.Messages[i].Role,
				Content:    res.Messages[i].ContentBlocks,
				TokenCount: g.estimator.CountMessage(&res.Messages[i]),
			}
			if err := g.store.Messages().Append(ctx, msg); err != nil {
				g.logger.Error("message persistence failed",
					slog.String("chat_id", chat.ID.String()),
					slog.String("error", err.Error()),
				)
				break
			}
			persisted++
		}
		if res.SandboxID != chat.SandboxID {
			if err := g.store.Chats().UpdateSandboxID(ctx, chat.ID, res.SandboxID); err != nil {
				g.logger.Error("sandbox id update failed",
					slog.String("chat_id", chat.ID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	if err := g.store.Chats().AddUsage(ctx, chat.ID, persisted, tokens); err != nil {
		g.logger.Error("usage update failed",
			slog.String("chat_id", chat.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	// First message names an untitled chat.
	if chat.Title == defaultTitle {
		if err := g.store.Chats().UpdateTitle(ctx, chat.ID, deriveTitle(req.Message)); err != nil {
			g.logger.Error("auto-title failed",
				slog.String("chat_id", chat.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	return res, messageID, runErr
}

// deriveTitle trims the first user message into a chat title.
func deriveTitle(message string) string {
	const maxTitleLen = 60
	for i, r := range message {
		if r == '\n' {
			message = message[:i]
			break
		}
	}
	if len(message) > maxTitleLen {
		message = message[:maxTitleLen] + "..."
	}
	if message == "" {
		return defaultTitle
	}
	return message
}

func (g *Gateway) handleMessage(c *okapi.Context) error {
	chat, err := g.loadChat(c)
	if err != nil {
		return err
	}

	if g.limiter != nil {
		if err := g.limiter.Allow(c.GetString("clientKey")); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Message == "" {
		return c.AbortBadRequest("message is required")
	}

	res, messageID, runErr := g.runTurn(c, chat, req)
	if runErr != nil {
		g.logger.Error("agent turn failed",
			slog.String("chat_id", chat.ID.String()),
			slog.String("error", runErr.Error()),
		)
		return c.AbortInternalServerError("agent turn failed")
	}

	resp := MessageResponse{
		MessageID:         messageID,
		Content:           res.Content,
		SandboxID:         res.SandboxID,
		Iterations:        res.Iterations,
		TerminationReason: res.TerminationReason,
		InputTokens:       res.Usage.InputTokens,
		OutputTokens:      res.Usage.OutputTokens,
	}
	for _, tc := range res.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCallView{
			Tool:      tc.Tool,
			Success:   tc.Success,
			Error:     tc.Error,
			ErrorType: tc.ErrorType,
			ElapsedMS: tc.ElapsedMS,
		})
	}
	return c.OK(resp)
}

// SSEEvent is one server-sent event of a streamed turn.
type SSEEvent struct {
	Type    string `json:"type,omitempty"`    // "tool_result", "text", "done", "error"
	Content string `json:"content,omitempty"` // Text content.
	Tool    string `json:"tool,omitempty"`    // Tool name for tool events.
	Success bool   `json:"success,omitempty"` // Tool outcome for tool events.
}

// handleMessageStream runs the turn and streams its result as server-sent
// events: one tool_result event per tool call, then the final text, then done.
func (g *Gateway) handleMessageStream(c *okapi.Context) error {
	chat, err := g.loadChat(c)
	if err != nil {
		return err
	}

	if g.limiter != nil {
		if err := g.limiter.Allow(c.GetString("clientKey")); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Message == "" {
		return c.AbortBadRequest("message is required")
	}

	res, _, runErr := g.runTurn(c, chat, req)
	if runErr != nil {
		c.SSEvent("error", SSEEvent{Type: "error", Content: "agent turn failed"})
		return nil
	}

	for _, tc := range res.ToolCalls {
		c.SSEvent("tool_result", SSEEvent{Type: "tool_result", Tool: tc.Tool, Success: tc.Success})
	}
	if res.Content != "" {
		c.SSEvent("text", SSEEvent{Type: "text", Content: res.Content})
	}
	c.SSEvent("done", SSEEvent{Type: "done"})
	return nil
}

func (g *Gateway) handleMessageList(c *okapi.Context) error {
	chat, err := g.loadChat(c)
	if err != nil {
		return err
	}
	msgs, err := g.store.Messages().List(c.Context(), chat.ID)
	if err != nil {
		g.logger.Error("message listing failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("message listing failed")
	}
	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		lm := llm.Message{Role: m.Role, ContentBlocks: m.Content}
		views = append(views, MessageView{
			ID:         m.ID.String(),
			Role:       string(m.Role),
			Content:    lm.TextContent(),
			Timestamp:  m.Timestamp,
			TokenCount: m.TokenCount,
		})
	}
	return c.OK(views)
}

func (g *Gateway) handleEvents(c *okapi.Context) error {
	chat, err := g.loadChat(c)
	if err != nil {
		return err
	}
	events, err := g.store.Events(c.Context(), chat.ID)
	if err != nil {
		g.logger.Error("event listing failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("event listing failed")
	}
	return c.OK(events)
}

// --- File handlers ---

func fileView(f *domain.SandboxFile, withContent bool) FileView {
	v := FileView{
		Filepath:    f.Filepath,
		Filename:    f.Filename,
		Directory:   f.Directory,
		FileType:    f.FileType,
		Description: f.Description,
		SizeBytes:   f.SizeBytes,
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.UpdatedAt,
	}
	if withContent {
		v.Content = f.Content
	}
	return v
}

func (g *Gateway) handleFileList(c *okapi.Context) error {
	chat, err := g.loadChat(c)
	if err != nil {
		return err
	}
	files, err := g.store.SandboxFiles().ListByChat(c.Context(), chat.ID)
	if err != nil {
		g.logger.Error("file listing failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("file listing failed")
	}
	views := make([]FileView, 0, len(files))
	for _, f := range files {
		views = append(views, fileView(f, false))
	}
	return c.OK(views)
}

// loadFile resolves the path query param to a saved file or writes the error
// response.
func (g *Gateway) loadFile(c *okapi.Context, chat *domain.Chat) (*domain.SandboxFile, error) {
	path := c.Request().URL.Query().Get("path")
	if path == "" {
		return nil, c.AbortBadRequest("path query parameter is required")
	}
	file, err := g.store.SandboxFiles().Get(c.Context(), chat.ID, path)
	if err != nil {
		g.logger.Error("file lookup failed", slog.String("error", err.Error()))
		return nil, c.AbortInternalServerError("file lookup failed")
	}
	if file == nil {
		return nil, c.JSON(http.StatusNotFound, ErrorBody{Error: "file not found"})
	}
	return file, nil
}

func (g *Gateway) handleFileGet(c *okapi.Context) error {
	chat, err := g.loadChat(c)
	if err != nil {
		return err
	}
	file, err := g.loadFile(c, chat)
	if err != nil {
		return err
	}
	return c.OK(fileView(file, true))
}

func (g *Gateway) handleFileDelete(c *okapi.Context) error {
	chat, err := g.loadChat(c)
	if err != nil {
		return err
	}
	file, err := g.loadFile(c, chat)
	if err != nil {
		return err
	}
	if err := g.store.SandboxFiles().Delete(c.Context(), chat.ID, file.Filepath); err != nil {
		g.logger.Error("file deletion failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("file deletion failed")
	}
	return c.OK(map[string]string{"status": "deleted"})
}
