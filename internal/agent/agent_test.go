package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jkaninda/sanduku/internal/llm"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider returns canned responses in order, then fails.
type scriptedProvider struct {
	responses []*llm.Response
	requests  []*llm.Request
	err       error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) SendMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		if p.err != nil {
			return nil, p.err
		}
		return nil, errors.New("no scripted response left")
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

// scriptedExecutor fakes the sandbox lifecycle manager underneath the tool
// dispatcher. Every operation succeeds against a fixed sandbox.
type scriptedExecutor struct {
	sandboxID string
	calls     int
}

func (e *scriptedExecutor) ExecuteWithRecovery(ctx context.Context, _, _ string, op sandbox.Operation) (any, string, error) {
	e.calls++
	result, err := op(ctx, &stubHandle{id: e.sandboxID})
	return result, e.sandboxID, err
}

type stubHandle struct{ id string }

func (h *stubHandle) ID() string { return h.id }
func (h *stubHandle) ReadFile(_ context.Context, _ string) (string, error) {
	return "print('hi')", nil
}
func (h *stubHandle) WriteFile(_ context.Context, _, _ string) error { return nil }
func (h *stubHandle) RunCommand(_ context.Context, _ string) (*sandbox.CommandResult, error) {
	return &sandbox.CommandResult{Stdout: "ok"}, nil
}
func (h *stubHandle) ExecuteCode(_ context.Context, _ string) (*sandbox.Execution, error) {
	return &sandbox.Execution{Stdout: []string{"42"}}, nil
}
func (h *stubHandle) Close(_ context.Context) error { return nil }

func textResponse(text string) *llm.Response {
	return &llm.Response{
		Content:       text,
		ContentBlocks: []llm.ContentBlock{llm.TextBlock(text)},
		Usage:         llm.Usage{InputTokens: 10, OutputTokens: 5},
		StopReason:    "end_turn",
	}
}

func toolUseResponse(blocks ...llm.ContentBlock) *llm.Response {
	return &llm.Response{
		ContentBlocks: blocks,
		Usage:         llm.Usage{InputTokens: 10, OutputTokens: 5},
		StopReason:    "tool_use",
	}
}

func newTestRunner(p llm.Provider, e tools.Executor) *Runner {
	dispatcher := tools.NewDispatcher(e, nil, testLogger())
	return NewRunner(p, dispatcher, nil, testLogger())
}

func userTurn(text string) []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, ContentBlocks: []llm.ContentBlock{llm.TextBlock(text)}}}
}

// --- Turns ---

func TestRunTurn_NoToolUse(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{textResponse("hello")}}
	exec := &scriptedExecutor{sandboxID: "sbx-1"}
	r := newTestRunner(provider, exec)

	res, err := r.RunTurn(context.Background(), RunInput{
		ConversationID: "conv-1",
		History:        userTurn("hi"),
	})
	if err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}
	if res.Content != "hello" {
		t.Errorf("content = %q, want hello", res.Content)
	}
	if res.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Iterations)
	}
	if res.TerminationReason != TerminationToolUseExhausted {
		t.Errorf("termination = %q, want %q", res.TerminationReason, TerminationToolUseExhausted)
	}
	if res.MaxIterationsReached {
		t.Error("MaxIterationsReached should be false")
	}
	if len(res.Messages) != 1 || res.Messages[0].Role != llm.RoleAssistant {
		t.Fatalf("messages = %+v, want a single assistant message", res.Messages)
	}
	if exec.calls != 0 {
		t.Errorf("executor calls = %d, want 0", exec.calls)
	}
	if res.Usage.InputTokens != 10 || res.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v, want 10/5", res.Usage)
	}
}

func TestRunTurn_ToolsDispatchedInOrder(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		toolUseResponse(
			llm.ToolUseBlock("tu-1", tools.ToolCreateFile, map[string]any{"path": "a.py", "content": "x"}),
			llm.ToolUseBlock("tu-2", tools.ToolExecutePython, map[string]any{"code": "print(42)"}),
		),
		textResponse("done"),
	}}
	exec := &scriptedExecutor{sandboxID: "sbx-9"}
	r := newTestRunner(provider, exec)

	res, err := r.RunTurn(context.Background(), RunInput{
		ConversationID: "conv-1",
		History:        userTurn("write and run"),
	})
	if err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}
	if res.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", res.Iterations)
	}
	if len(res.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(res.ToolCalls))
	}
	if res.ToolCalls[0].Tool != tools.ToolCreateFile || res.ToolCalls[1].Tool != tools.ToolExecutePython {
		t.Errorf("tool order = %s, %s", res.ToolCalls[0].Tool, res.ToolCalls[1].Tool)
	}
	if res.SandboxID != "sbx-9" {
		t.Errorf("sandbox id = %q, want sbx-9 threaded from dispatch", res.SandboxID)
	}

	// Turn transcript: assistant(tool_use), user(tool_results), assistant(final).
	if len(res.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(res.Messages))
	}
	toolMsg := res.Messages[1]
	if toolMsg.Role != llm.RoleUser {
		t.Errorf("tool results carried on role %q, want user", toolMsg.Role)
	}
	if len(toolMsg.ContentBlocks) != 2 {
		t.Fatalf("tool result blocks = %d, want 2", len(toolMsg.ContentBlocks))
	}
	if toolMsg.ContentBlocks[0].ToolUseID != "tu-1" || toolMsg.ContentBlocks[1].ToolUseID != "tu-2" {
		t.Error("tool results are not paired with their tool_use ids in order")
	}

	// Second model request must include the folded-back tool results.
	if len(provider.requests) != 2 {
		t.Fatalf("model requests = %d, want 2", len(provider.requests))
	}
	secondReq := provider.requests[1]
	if len(secondReq.Messages) != 3 {
		t.Errorf("second request messages = %d, want 3", len(secondReq.Messages))
	}
}

func TestRunTurn_ToolFailureDoesNotAbort(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		// Missing required parameter: dispatch fails, loop continues.
		toolUseResponse(llm.ToolUseBlock("tu-1", tools.ToolCreateFile, map[string]any{})),
		textResponse("recovered"),
	}}
	r := newTestRunner(provider, &scriptedExecutor{sandboxID: "sbx-1"})

	res, err := r.RunTurn(context.Background(), RunInput{ConversationID: "conv-1", History: userTurn("go")})
	if err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}
	if res.Content != "recovered" {
		t.Errorf("content = %q, want recovered", res.Content)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Success {
		t.Fatalf("expected one failed tool call, got %+v", res.ToolCalls)
	}
	// The failure must be flagged is_error in the folded-back block.
	block := res.Messages[1].ContentBlocks[0]
	if !block.IsError {
		t.Error("tool result block should carry is_error")
	}
}

func TestRunTurn_MaxIterations(t *testing.T) {
	// The model asks for a tool on every pass; the loop must stop at the ceiling.
	alwaysTool := func() *llm.Response {
		return toolUseResponse(llm.ToolUseBlock("tu", tools.ToolListFiles, map[string]any{}))
	}
	provider := &scriptedProvider{responses: []*llm.Response{alwaysTool(), alwaysTool(), alwaysTool()}}
	r := newTestRunner(provider, &scriptedExecutor{sandboxID: "sbx-1"})

	res, err := r.RunTurn(context.Background(), RunInput{
		ConversationID: "conv-1",
		History:        userTurn("loop"),
		MaxIterations:  2,
	})
	if err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}
	if !res.MaxIterationsReached {
		t.Error("MaxIterationsReached should be true")
	}
	if res.TerminationReason != TerminationMaxIterationsReached {
		t.Errorf("termination = %q, want %q", res.TerminationReason, TerminationMaxIterationsReached)
	}
	if res.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", res.Iterations)
	}
	if len(provider.requests) != 2 {
		t.Errorf("model requests = %d, want 2", len(provider.requests))
	}
}

func TestRunTurn_MaxIterationsKeepsLastResponseText(t *testing.T) {
	// Every response narrates progress and asks for another tool. A turn cut
	// off at the ceiling must still surface the latest narration.
	narrated := func(text string) *llm.Response {
		return &llm.Response{
			Content: text,
			ContentBlocks: []llm.ContentBlock{
				llm.TextBlock(text),
				llm.ToolUseBlock("tu", tools.ToolListFiles, map[string]any{}),
			},
			Usage:      llm.Usage{InputTokens: 10, OutputTokens: 5},
			StopReason: "tool_use",
		}
	}
	provider := &scriptedProvider{responses: []*llm.Response{narrated("step one"), narrated("step two")}}
	r := newTestRunner(provider, &scriptedExecutor{sandboxID: "sbx-1"})

	res, err := r.RunTurn(context.Background(), RunInput{
		ConversationID: "conv-1",
		History:        userTurn("loop"),
		MaxIterations:  2,
	})
	if err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}
	if !res.MaxIterationsReached {
		t.Fatal("MaxIterationsReached should be true")
	}
	if res.Content != "step two" {
		t.Errorf("content = %q, want the last response text", res.Content)
	}
}

func TestRunTurn_TransportErrorReturnsPartialResult(t *testing.T) {
	sendErr := errors.New("api: overloaded")
	provider := &scriptedProvider{
		responses: []*llm.Response{
			toolUseResponse(llm.ToolUseBlock("tu-1", tools.ToolListFiles, map[string]any{})),
		},
		err: sendErr,
	}
	r := newTestRunner(provider, &scriptedExecutor{sandboxID: "sbx-7"})

	res, err := r.RunTurn(context.Background(), RunInput{ConversationID: "conv-1", History: userTurn("go")})
	if !errors.Is(err, sendErr) {
		t.Fatalf("error = %v, want %v", err, sendErr)
	}
	if res == nil {
		t.Fatal("expected a partial result alongside the error")
	}
	if res.TerminationReason != TerminationFatalError {
		t.Errorf("termination = %q, want %q", res.TerminationReason, TerminationFatalError)
	}
	// Work done before the failure is preserved.
	if len(res.ToolCalls) != 1 {
		t.Errorf("tool calls = %d, want 1", len(res.ToolCalls))
	}
	if res.SandboxID != "sbx-7" {
		t.Errorf("sandbox id = %q, want sbx-7 for the caller to persist", res.SandboxID)
	}
	if len(res.Messages) != 2 {
		t.Errorf("messages = %d, want the partial transcript (assistant + tool results)", len(res.Messages))
	}
}

func TestRunTurn_ThinkingBudgetForwarded(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{textResponse("ok")}}
	r := newTestRunner(provider, &scriptedExecutor{}).
		WithThinkingBudget(2048).
		WithMaxTokens(4096).
		WithSystemPrompt("be brief")

	if _, err := r.RunTurn(context.Background(), RunInput{ConversationID: "c", History: userTurn("hi")}); err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}
	req := provider.requests[0]
	if req.ThinkingBudget != 2048 {
		t.Errorf("thinking budget = %d, want 2048", req.ThinkingBudget)
	}
	if req.MaxTokens != 4096 {
		t.Errorf("max tokens = %d, want 4096", req.MaxTokens)
	}
	if req.SystemPrompt != "be brief" {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	if len(req.Tools) == 0 {
		t.Error("tool definitions should be advertised on every request")
	}
}
