package sqlite

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, testLogger())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createChat(t *testing.T, s *Store, title string) *domain.Chat {
	t.Helper()
	chat := &domain.Chat{ID: uuid.New(), Title: title}
	if err := s.Chats().Create(context.Background(), chat); err != nil {
		t.Fatalf("creating chat: %v", err)
	}
	return chat
}

func TestOpen_MissingPath(t *testing.T) {
	if _, err := Open(Config{}, testLogger()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStore_PingAndDriver(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping error: %v", err)
	}
	if got := s.Driver(); got != "sqlite" {
		t.Errorf("Driver = %q", got)
	}
}

// --- Chats ---

func TestChats_CRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chat := createChat(t, s, "First chat")

	got, err := s.Chats().Get(ctx, chat.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got == nil || got.Title != "First chat" {
		t.Fatalf("got = %+v", got)
	}
	if got.CreatedAt.IsZero() || got.LastUpdated.IsZero() {
		t.Error("timestamps should be set on create")
	}

	if err := s.Chats().UpdateTitle(ctx, chat.ID, "Renamed"); err != nil {
		t.Fatalf("UpdateTitle error: %v", err)
	}
	if err := s.Chats().UpdateSandboxID(ctx, chat.ID, "sbx-42"); err != nil {
		t.Fatalf("UpdateSandboxID error: %v", err)
	}

	got, _ = s.Chats().Get(ctx, chat.ID)
	if got.Title != "Renamed" || got.SandboxID != "sbx-42" {
		t.Errorf("after updates: %+v", got)
	}

	// Clearing the sandbox id stores empty.
	if err := s.Chats().UpdateSandboxID(ctx, chat.ID, ""); err != nil {
		t.Fatalf("clearing sandbox id: %v", err)
	}
	got, _ = s.Chats().Get(ctx, chat.ID)
	if got.SandboxID != "" {
		t.Errorf("sandbox id = %q, want cleared", got.SandboxID)
	}
}

func TestChats_GetMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Chats().Get(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got != nil {
		t.Errorf("got = %+v, want nil for missing chat", got)
	}
}

func TestChats_ListMostRecentFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	older := &domain.Chat{ID: uuid.New(), Title: "older",
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour), LastUpdated: time.Now().UTC().Add(-2 * time.Hour)}
	newer := &domain.Chat{ID: uuid.New(), Title: "newer",
		CreatedAt: time.Now().UTC().Add(-time.Hour), LastUpdated: time.Now().UTC().Add(-time.Hour)}
	for _, c := range []*domain.Chat{older, newer} {
		if err := s.Chats().Create(ctx, c); err != nil {
			t.Fatalf("creating: %v", err)
		}
	}

	chats, err := s.Chats().List(ctx)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(chats) != 2 || chats[0].Title != "newer" || chats[1].Title != "older" {
		t.Errorf("list order = %v", []string{chats[0].Title, chats[1].Title})
	}
}

func TestChats_AddUsage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	chat := createChat(t, s, "usage")

	if err := s.Chats().AddUsage(ctx, chat.ID, 2, 150); err != nil {
		t.Fatalf("AddUsage error: %v", err)
	}
	if err := s.Chats().AddUsage(ctx, chat.ID, 1, 50); err != nil {
		t.Fatalf("second AddUsage error: %v", err)
	}

	got, _ := s.Chats().Get(ctx, chat.ID)
	if got.MessageCount != 3 || got.TotalTokens != 200 {
		t.Errorf("usage = %d messages / %d tokens, want 3/200", got.MessageCount, got.TotalTokens)
	}

	if err := s.Chats().AddUsage(ctx, uuid.New(), 1, 1); err == nil {
		t.Error("expected error for unknown chat")
	}
}

func TestChats_DeleteCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	chat := createChat(t, s, "doomed")

	if err := s.Messages().Append(ctx, &domain.Message{
		ChatID: chat.ID, Role: llm.RoleUser,
		Content: []llm.ContentBlock{llm.TextBlock("hi")},
	}); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if _, err := s.SandboxFiles().Upsert(ctx, &domain.SandboxFile{
		ChatID: chat.ID, Filepath: "a.py", Filename: "a.py", Content: "x", SizeBytes: 1,
	}); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}

	if err := s.Chats().Delete(ctx, chat.ID); err != nil {
		t.Fatalf("Delete error: %v", err)
	}

	if got, _ := s.Chats().Get(ctx, chat.ID); got != nil {
		t.Error("chat still present after delete")
	}
	msgs, err := s.Messages().List(ctx, chat.ID)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages after delete = %d, want 0", len(msgs))
	}
	if f, _ := s.SandboxFiles().Get(ctx, chat.ID, "a.py"); f != nil {
		t.Error("sandbox file survived the cascade")
	}
}

// --- Messages ---

func TestMessages_HistoryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	chat := createChat(t, s, "history")

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		err := s.Messages().Append(ctx, &domain.Message{
			ChatID:    chat.ID,
			Role:      role,
			Content:   []llm.ContentBlock{llm.TextBlock(fmt.Sprintf("msg-%d", i))},
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
	}

	// Unlimited: all five, oldest first.
	history, err := s.Messages().History(ctx, chat.ID, 0)
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("history = %d messages, want 5", len(history))
	}
	if history[0].ContentBlocks[0].Text != "msg-0" || history[4].ContentBlocks[0].Text != "msg-4" {
		t.Error("history is not oldest-first")
	}

	// Capped: the newest three, still oldest-first.
	history, err = s.Messages().History(ctx, chat.ID, 3)
	if err != nil {
		t.Fatalf("capped History error: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("capped history = %d messages, want 3", len(history))
	}
	if history[0].ContentBlocks[0].Text != "msg-2" || history[2].ContentBlocks[0].Text != "msg-4" {
		t.Errorf("capped history = %q..%q, want msg-2..msg-4",
			history[0].ContentBlocks[0].Text, history[2].ContentBlocks[0].Text)
	}
}

func TestMessages_HistoryStableForEqualTimestamps(t *testing.T) {
	// Messages appended back-to-back after one turn land with the same
	// timestamp at driver precision. History must still return them in
	// insertion order or assistant/tool-result pairing falls apart.
	s := openTestStore(t)
	ctx := context.Background()
	chat := createChat(t, s, "ties")

	ts := time.Now().UTC().Truncate(time.Second)
	roles := []llm.Role{llm.RoleUser, llm.RoleAssistant, llm.RoleUser, llm.RoleAssistant}
	for i, role := range roles {
		err := s.Messages().Append(ctx, &domain.Message{
			ChatID:    chat.ID,
			Role:      role,
			Content:   []llm.ContentBlock{llm.TextBlock(fmt.Sprintf("msg-%d", i))},
			Timestamp: ts,
		})
		if err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
	}

	history, err := s.Messages().History(ctx, chat.ID, 0)
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("history = %d messages, want 4", len(history))
	}
	for i := range history {
		want := fmt.Sprintf("msg-%d", i)
		if got := history[i].ContentBlocks[0].Text; got != want {
			t.Errorf("history[%d] = %q, want %q", i, got, want)
		}
		if history[i].Role != roles[i] {
			t.Errorf("history[%d] role = %q, want %q", i, history[i].Role, roles[i])
		}
	}

	// Capping must drop the oldest of the tied messages, not arbitrary ones.
	history, err = s.Messages().History(ctx, chat.ID, 2)
	if err != nil {
		t.Fatalf("capped History error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("capped history = %d messages, want 2", len(history))
	}
	if history[0].ContentBlocks[0].Text != "msg-2" || history[1].ContentBlocks[0].Text != "msg-3" {
		t.Errorf("capped history = %q, %q, want msg-2, msg-3",
			history[0].ContentBlocks[0].Text, history[1].ContentBlocks[0].Text)
	}
}

func TestMessages_BlocksSurviveRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	chat := createChat(t, s, "blocks")

	err := s.Messages().Append(ctx, &domain.Message{
		ChatID: chat.ID,
		Role:   llm.RoleAssistant,
		Content: []llm.ContentBlock{
			llm.ThinkingBlock("reasoning", "sig-1"),
			llm.ToolUseBlock("tu-1", "execute_python", map[string]any{"code": "1+1"}),
		},
	})
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}

	msgs, err := s.Messages().List(ctx, chat.ID)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(msgs) != 1 || len(msgs[0].Content) != 2 {
		t.Fatalf("msgs = %+v", msgs)
	}
	thinking, toolUse := msgs[0].Content[0], msgs[0].Content[1]
	if thinking.Type != llm.BlockTypeThinking || thinking.Thinking != "reasoning" || thinking.Signature != "sig-1" {
		t.Errorf("thinking block = %+v", thinking)
	}
	if toolUse.Type != llm.BlockTypeToolUse || toolUse.ID != "tu-1" || toolUse.Name != "execute_python" {
		t.Errorf("tool_use block = %+v", toolUse)
	}
	if code, _ := toolUse.Input["code"].(string); code != "1+1" {
		t.Errorf("tool input = %+v", toolUse.Input)
	}
}

// --- Tool calls ---

func TestToolCalls_StartFinalizeExactlyOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	chat := createChat(t, s, "tools")

	id, err := s.ToolCalls().Start(ctx, &domain.ToolCall{
		ChatID:    chat.ID,
		ToolName:  "create_file",
		ToolInput: map[string]any{"path": "a.py"},
		Iteration: 0,
	})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if id == 0 {
		t.Fatal("Start returned zero id")
	}

	err = s.ToolCalls().Finalize(ctx, id, domain.ToolCallSuccess,
		map[string]any{"path": "a.py"}, "", "sbx-1", 120)
	if err != nil {
		t.Fatalf("Finalize error: %v", err)
	}

	// Second finalization must fail: the record is no longer pending.
	err = s.ToolCalls().Finalize(ctx, id, domain.ToolCallError, nil, "late", "sbx-1", 0)
	if err == nil {
		t.Fatal("expected error finalizing twice")
	}
	if !strings.Contains(err.Error(), "not pending") {
		t.Errorf("error = %v", err)
	}

	calls, err := s.ToolCalls().ListByChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("ListByChat error: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	call := calls[0]
	if call.Status != domain.ToolCallSuccess || call.SandboxID != "sbx-1" || call.ExecutionTimeMS != 120 {
		t.Errorf("call = %+v", call)
	}
	if got, _ := call.ToolInput["path"].(string); got != "a.py" {
		t.Errorf("input = %+v", call.ToolInput)
	}
}

// --- Sandbox files ---

func TestSandboxFiles_UpsertCreatedThenUpdated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	chat := createChat(t, s, "files")

	file := &domain.SandboxFile{
		ChatID:   chat.ID,
		Filepath: "proj/main.py",
		Filename: "main.py", Directory: "proj/",
		Content: "v1", FileType: "python", SizeBytes: 2,
	}
	action, err := s.SandboxFiles().Upsert(ctx, file)
	if err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if action != "created" {
		t.Errorf("action = %q, want created", action)
	}

	file.Content = "v2 longer"
	file.SizeBytes = 9
	action, err = s.SandboxFiles().Upsert(ctx, file)
	if err != nil {
		t.Fatalf("second Upsert error: %v", err)
	}
	if action != "updated" {
		t.Errorf("action = %q, want updated", action)
	}

	got, err := s.SandboxFiles().Get(ctx, chat.ID, "proj/main.py")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Content != "v2 longer" || got.SizeBytes != 9 {
		t.Errorf("file = %+v", got)
	}

	if got, _ := s.SandboxFiles().Get(ctx, chat.ID, "missing.py"); got != nil {
		t.Errorf("missing file = %+v, want nil", got)
	}

	files, err := s.SandboxFiles().ListByChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("ListByChat error: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("files = %d, want 1 after upsert", len(files))
	}
}

// --- Events timeline ---

func TestEvents_MergedInTimestampOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	chat := createChat(t, s, "timeline")

	base := time.Now().UTC().Add(-time.Minute)
	if err := s.Thinking().Log(ctx, &domain.ThinkingEvent{
		ChatID: chat.ID, ThinkingText: "plan", Iteration: 0, Timestamp: base,
	}); err != nil {
		t.Fatalf("Log error: %v", err)
	}
	if _, err := s.ToolCalls().Start(ctx, &domain.ToolCall{
		ChatID: chat.ID, ToolName: "create_file", Iteration: 0,
		Timestamp: base.Add(time.Second),
	}); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := s.Thinking().Log(ctx, &domain.ThinkingEvent{
		ChatID: chat.ID, ThinkingText: "verify", Iteration: 1,
		Timestamp: base.Add(2 * time.Second),
	}); err != nil {
		t.Fatalf("second Log error: %v", err)
	}

	events, err := s.Events(ctx, chat.ID)
	if err != nil {
		t.Fatalf("Events error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	wantTypes := []string{"thinking", "tool_call", "thinking"}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event %d type = %q, want %q", i, events[i].Type, want)
		}
	}
	if events[0].Thinking.ThinkingText != "plan" || events[2].Thinking.ThinkingText != "verify" {
		t.Error("thinking events out of order")
	}
}

// --- Attachments ---

func TestAttachments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	chat := createChat(t, s, "attachments")

	att := &domain.FileAttachment{
		ChatID: chat.ID, Filename: "data.csv", FilePath: "/uploads/data.csv",
		FileType: "csv", SizeBytes: 512, InContext: true, TokenEstimate: 128,
	}
	if err := s.Attachments().Add(ctx, att); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	atts, err := s.Attachments().ListByChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("ListByChat error: %v", err)
	}
	if len(atts) != 1 || atts[0].Filename != "data.csv" || !atts[0].InContext {
		t.Fatalf("atts = %+v", atts)
	}

	if err := s.Attachments().SetInContext(ctx, att.ID, false); err != nil {
		t.Fatalf("SetInContext error: %v", err)
	}
	atts, _ = s.Attachments().ListByChat(ctx, chat.ID)
	if atts[0].InContext {
		t.Error("attachment still in context")
	}

	if err := s.Attachments().Delete(ctx, att.ID); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	atts, _ = s.Attachments().ListByChat(ctx, chat.ID)
	if len(atts) != 0 {
		t.Errorf("atts after delete = %d, want 0", len(atts))
	}
}
