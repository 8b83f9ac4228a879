package postgres

import (
	"encoding/json"

	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/llm"
)

func toChatModel(c *domain.Chat) ChatModel {
	return ChatModel{
		ID:           c.ID,
		Title:        c.Title,
		CreatedAt:    c.CreatedAt,
		LastUpdated:  c.LastUpdated,
		MessageCount: c.MessageCount,
		TotalTokens:  c.TotalTokens,
		SandboxID:    c.SandboxID,
	}
}

func fromChatModel(m *ChatModel) *domain.Chat {
	return &domain.Chat{
		ID:           m.ID,
		Title:        m.Title,
		CreatedAt:    m.CreatedAt,
		LastUpdated:  m.LastUpdated,
		MessageCount: m.MessageCount,
		TotalTokens:  m.TotalTokens,
		SandboxID:    m.SandboxID,
	}
}

func toMessageModel(msg *domain.Message) (MessageModel, error) {
	blocks := msg.Content
	if blocks == nil {
		blocks = []llm.ContentBlock{}
	}
	content, err := json.Marshal(blocks)
	if err != nil {
		return MessageModel{}, err
	}
	return MessageModel{
		ID:         msg.ID,
		ChatID:     msg.ChatID,
		Role:       string(msg.Role),
		Content:    string(content),
		Timestamp:  msg.Timestamp,
		TokenCount: msg.TokenCount,
	}, nil
}

func fromMessageModel(m *MessageModel) (*domain.Message, error) {
	var blocks []llm.ContentBlock
	if m.Content != "" {
		if err := json.Unmarshal([]byte(m.Content), &blocks); err != nil {
			return nil, err
		}
	}
	return &domain.Message{
		ID:         m.ID,
		ChatID:     m.ChatID,
		Role:       llm.Role(m.Role),
		Content:    blocks,
		Timestamp:  m.Timestamp,
		TokenCount: m.TokenCount,
	}, nil
}

func toToolCallModel(c *domain.ToolCall) (ToolCallModel, error) {
	input, err := marshalMap(c.ToolInput)
	if err != nil {
		return ToolCallModel{}, err
	}
	output, err := marshalMap(c.ToolOutput)
	if err != nil {
		return ToolCallModel{}, err
	}
	return ToolCallModel{
		ID:              c.ID,
		ChatID:          c.ChatID,
		MessageID:       c.MessageID,
		Timestamp:       c.Timestamp,
		Iteration:       c.Iteration,
		ToolName:        c.ToolName,
		ToolInput:       input,
		Status:          c.Status,
		ToolOutput:      output,
		ErrorMsg:        c.ErrorMsg,
		SandboxID:       c.SandboxID,
		ExecutionTimeMS: c.ExecutionTimeMS,
	}, nil
}

func fromToolCallModel(m *ToolCallModel) (*domain.ToolCall, error) {
	input, err := unmarshalMap(m.ToolInput)
	if err != nil {
		return nil, err
	}
	output, err := unmarshalMap(m.ToolOutput)
	if err != nil {
		return nil, err
	}
	return &domain.ToolCall{
		ID:              m.ID,
		ChatID:          m.ChatID,
		MessageID:       m.MessageID,
		Timestamp:       m.Timestamp,
		Iteration:       m.Iteration,
		ToolName:        m.ToolName,
		ToolInput:       input,
		Status:          m.Status,
		ToolOutput:      output,
		ErrorMsg:        m.ErrorMsg,
		SandboxID:       m.SandboxID,
		ExecutionTimeMS: m.ExecutionTimeMS,
	}, nil
}

func fromThinkingModel(m *ThinkingEventModel) *domain.ThinkingEvent {
	return &domain.ThinkingEvent{
		ID:           m.ID,
		ChatID:       m.ChatID,
		MessageID:    m.MessageID,
		Timestamp:    m.Timestamp,
		ThinkingText: m.ThinkingText,
		Signature:    m.Signature,
		Iteration:    m.Iteration,
	}
}

func toSandboxFileModel(f *domain.SandboxFile) SandboxFileModel {
	return SandboxFileModel{
		ID:          f.ID,
		ChatID:      f.ChatID,
		Filepath:    f.Filepath,
		Filename:    f.Filename,
		Directory:   f.Directory,
		Content:     f.Content,
		Description: f.Description,
		FileType:    f.FileType,
		SizeBytes:   f.SizeBytes,
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.UpdatedAt,
	}
}

func fromSandboxFileModel(m *SandboxFileModel) *domain.SandboxFile {
	return &domain.SandboxFile{
		ID:          m.ID,
		ChatID:      m.ChatID,
		Filepath:    m.Filepath,
		Filename:    m.Filename,
		Directory:   m.Directory,
		Content:     m.Content,
		Description: m.Description,
		FileType:    m.FileType,
		SizeBytes:   m.SizeBytes,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func toAttachmentModel(a *domain.FileAttachment) FileAttachmentModel {
	return FileAttachmentModel{
		ID:            a.ID,
		ChatID:        a.ChatID,
		Filename:      a.Filename,
		FilePath:      a.FilePath,
		FileType:      a.FileType,
		SizeBytes:     a.SizeBytes,
		InContext:     a.InContext,
		TokenEstimate: a.TokenEstimate,
		UploadedAt:    a.UploadedAt,
	}
}

func fromAttachmentModel(m *FileAttachmentModel) *domain.FileAttachment {
	return &domain.FileAttachment{
		ID:            m.ID,
		ChatID:        m.ChatID,
		Filename:      m.Filename,
		FilePath:      m.FilePath,
		FileType:      m.FileType,
		SizeBytes:     m.SizeBytes,
		InContext:     m.InContext,
		TokenEstimate: m.TokenEstimate,
		UploadedAt:    m.UploadedAt,
	}
}

// marshalMap renders a payload map as JSON text, "" for nil.
func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
