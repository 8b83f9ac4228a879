package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExecutor runs operations against a scriptable in-memory handle.
type fakeExecutor struct {
	sandboxID string
	handle    *scriptHandle
	execErr   error // returned without running the op
	calls     int
}

func (e *fakeExecutor) ExecuteWithRecovery(ctx context.Context, _, _ string, op sandbox.Operation) (any, string, error) {
	e.calls++
	if e.execErr != nil {
		return nil, e.sandboxID, e.execErr
	}
	result, err := op(ctx, e.handle)
	return result, e.sandboxID, err
}

// scriptHandle is a sandbox handle with canned behaviors.
type scriptHandle struct {
	id       string
	files    map[string]string
	cmdOut   *sandbox.CommandResult
	execOut  *sandbox.Execution
	writeErr error
	readErr  error
}

func (h *scriptHandle) ID() string { return h.id }

func (h *scriptHandle) ReadFile(_ context.Context, path string) (string, error) {
	if h.readErr != nil {
		return "", h.readErr
	}
	content, ok := h.files[path]
	if !ok {
		return "", fmt.Errorf("read %s: no such file", path)
	}
	return content, nil
}

func (h *scriptHandle) WriteFile(_ context.Context, path, content string) error {
	if h.writeErr != nil {
		return h.writeErr
	}
	if h.files == nil {
		h.files = map[string]string{}
	}
	h.files[path] = content
	return nil
}

func (h *scriptHandle) RunCommand(_ context.Context, _ string) (*sandbox.CommandResult, error) {
	if h.cmdOut != nil {
		return h.cmdOut, nil
	}
	return &sandbox.CommandResult{}, nil
}

func (h *scriptHandle) ExecuteCode(_ context.Context, _ string) (*sandbox.Execution, error) {
	if h.execOut != nil {
		return h.execOut, nil
	}
	return &sandbox.Execution{}, nil
}

func (h *scriptHandle) Close(_ context.Context) error { return nil }

// memRecorder records tool-call lifecycle events and saved files in memory.
type memRecorder struct {
	started   int
	finalized []string // statuses in finalization order
	upserts   []*domain.SandboxFile
	nextID    int64
}

func (r *memRecorder) LogToolCallStart(_ context.Context, _, _ string, _ map[string]any, _ string, _ int) (int64, error) {
	r.started++
	r.nextID++
	return r.nextID, nil
}

func (r *memRecorder) FinalizeToolCall(_ context.Context, _ int64, status string, _ map[string]any, _, _ string, _ int64) error {
	r.finalized = append(r.finalized, status)
	return nil
}

func (r *memRecorder) LogThinking(_ context.Context, _, _, _, _ string, _ int) error { return nil }

func (r *memRecorder) GetSandboxFile(_ context.Context, _, _ string) (*domain.SandboxFile, error) {
	return nil, nil
}

func (r *memRecorder) UpsertSandboxFile(_ context.Context, f *domain.SandboxFile) (string, error) {
	r.upserts = append(r.upserts, f)
	return "created", nil
}

func newTestDispatcher(e Executor, rec *memRecorder) *Dispatcher {
	if rec == nil {
		return NewDispatcher(e, nil, testLogger())
	}
	return NewDispatcher(e, rec, testLogger())
}

// --- Dispatch basics ---

func TestDispatch_UnknownTool(t *testing.T) {
	d := newTestDispatcher(&fakeExecutor{}, nil)
	res := d.Dispatch(context.Background(), Request{Tool: "rm_rf", SandboxID: "sbx-1"})
	if res.Success {
		t.Error("unknown tool should fail")
	}
	if !strings.Contains(res.Error, "unknown tool") {
		t.Errorf("error = %q", res.Error)
	}
	if res.SandboxID != "sbx-1" {
		t.Errorf("remembered sandbox id dropped: %q", res.SandboxID)
	}
}

func TestDispatch_RecordsOpenAndFinalize(t *testing.T) {
	rec := &memRecorder{}
	exec := &fakeExecutor{sandboxID: "sbx-1", handle: &scriptHandle{id: "sbx-1"}}
	d := newTestDispatcher(exec, rec)

	d.Dispatch(context.Background(), Request{
		Tool:  ToolCreateFile,
		Input: map[string]any{"path": "a.py", "content": "x"},
	})
	d.Dispatch(context.Background(), Request{Tool: ToolCreateFile, Input: map[string]any{}})

	if rec.started != 2 {
		t.Errorf("started records = %d, want 2", rec.started)
	}
	if len(rec.finalized) != 2 || rec.finalized[0] != "success" || rec.finalized[1] != "error" {
		t.Errorf("finalized statuses = %v, want [success error]", rec.finalized)
	}
}

// --- create_file / read_file ---

func TestCreateFile(t *testing.T) {
	h := &scriptHandle{id: "sbx-1"}
	exec := &fakeExecutor{sandboxID: "sbx-1", handle: h}
	d := newTestDispatcher(exec, nil)

	res := d.Dispatch(context.Background(), Request{
		Tool:  ToolCreateFile,
		Input: map[string]any{"path": "proj/main.py", "content": "print(1)"},
	})
	if !res.Success {
		t.Fatalf("create_file failed: %s", res.Error)
	}
	if res.Path != "proj/main.py" {
		t.Errorf("path = %q", res.Path)
	}
	if h.files["proj/main.py"] != "print(1)" {
		t.Error("file content not written")
	}
	if res.SandboxID != "sbx-1" {
		t.Errorf("sandbox id = %q", res.SandboxID)
	}
}

func TestCreateFile_MissingParams(t *testing.T) {
	exec := &fakeExecutor{}
	d := newTestDispatcher(exec, nil)

	tests := []map[string]any{
		{},                           // both missing
		{"path": "a.py"},             // content missing
		{"content": "x"},             // path missing
		{"path": "", "content": "x"}, // empty path
		{"path": 42, "content": "x"}, // wrong type
	}
	for i, input := range tests {
		res := d.Dispatch(context.Background(), Request{Tool: ToolCreateFile, Input: input})
		if res.Success {
			t.Errorf("case %d: expected validation failure for %v", i, input)
		}
	}
	if exec.calls != 0 {
		t.Errorf("executor calls = %d, validation failures must not touch the sandbox", exec.calls)
	}
}

func TestReadFile(t *testing.T) {
	h := &scriptHandle{id: "sbx-1", files: map[string]string{"data.csv": "a,b\n1,2"}}
	d := newTestDispatcher(&fakeExecutor{sandboxID: "sbx-1", handle: h}, nil)

	res := d.Dispatch(context.Background(), Request{Tool: ToolReadFile, Input: map[string]any{"path": "data.csv"}})
	if !res.Success {
		t.Fatalf("read_file failed: %s", res.Error)
	}
	if res.Content != "a,b\n1,2" {
		t.Errorf("content = %q", res.Content)
	}
	if !strings.Contains(res.ModelContent(), "a,b") {
		t.Errorf("model content = %q", res.ModelContent())
	}
}

// --- list_files ---

func TestListFiles_Empty(t *testing.T) {
	// Empty or missing directory is a successful empty listing.
	h := &scriptHandle{id: "sbx-1", cmdOut: &sandbox.CommandResult{Stdout: ""}}
	d := newTestDispatcher(&fakeExecutor{sandboxID: "sbx-1", handle: h}, nil)

	res := d.Dispatch(context.Background(), Request{Tool: ToolListFiles, Input: map[string]any{}})
	if !res.Success {
		t.Fatalf("list_files failed: %s", res.Error)
	}
	if len(res.Files) != 0 {
		t.Errorf("files = %v, want none", res.Files)
	}
	if res.Directory != sandbox.DefaultWorkspace {
		t.Errorf("directory = %q, want workspace default", res.Directory)
	}
	if res.ModelContent() != "No files found" {
		t.Errorf("model content = %q", res.ModelContent())
	}
}

func TestListFiles_ParsesOutput(t *testing.T) {
	h := &scriptHandle{id: "sbx-1", cmdOut: &sandbox.CommandResult{
		Stdout: "/home/user/a.py\n/home/user/sub/b.py\n\n",
	}}
	d := newTestDispatcher(&fakeExecutor{sandboxID: "sbx-1", handle: h}, nil)

	res := d.Dispatch(context.Background(), Request{
		Tool:  ToolListFiles,
		Input: map[string]any{"directory": "/home/user"},
	})
	if !res.Success {
		t.Fatalf("list_files failed: %s", res.Error)
	}
	if len(res.Files) != 2 {
		t.Errorf("files = %v, want 2 entries", res.Files)
	}
	if res.Directory != "/home/user" {
		t.Errorf("directory = %q", res.Directory)
	}
}

// --- execute_python ---

func TestExecutePython_RequiresCodeOrPath(t *testing.T) {
	exec := &fakeExecutor{}
	d := newTestDispatcher(exec, nil)
	res := d.Dispatch(context.Background(), Request{Tool: ToolExecutePython, Input: map[string]any{}})
	if res.Success {
		t.Error("expected failure without code or file_path")
	}
	if exec.calls != 0 {
		t.Error("sandbox touched on validation failure")
	}
}

func TestExecutePython_KernelSuccess(t *testing.T) {
	h := &scriptHandle{id: "sbx-1", execOut: &sandbox.Execution{
		Stdout:  []string{"hello"},
		Results: []string{"42"},
	}}
	d := newTestDispatcher(&fakeExecutor{sandboxID: "sbx-1", handle: h}, nil)

	res := d.Dispatch(context.Background(), Request{
		Tool:  ToolExecutePython,
		Input: map[string]any{"code": "print('hello'); 42"},
	})
	if !res.Success {
		t.Fatalf("execute_python failed: %s", res.Error)
	}
	if res.Output != "hello\n42" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestExecutePython_KernelError(t *testing.T) {
	h := &scriptHandle{id: "sbx-1", execOut: &sandbox.Execution{
		Error: &sandbox.ExecError{Name: "ZeroDivisionError", Value: "division by zero"},
	}}
	d := newTestDispatcher(&fakeExecutor{sandboxID: "sbx-1", handle: h}, nil)

	res := d.Dispatch(context.Background(), Request{
		Tool:  ToolExecutePython,
		Input: map[string]any{"code": "1/0"},
	})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorType != ErrorTypeCode {
		t.Errorf("error type = %q, want code", res.ErrorType)
	}
	if !strings.Contains(res.Error, "ZeroDivisionError") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecutePython_EnvironmentalError(t *testing.T) {
	h := &scriptHandle{id: "sbx-1", execOut: &sandbox.Execution{
		Error: &sandbox.ExecError{Name: "ConnectionError", Value: "network is unreachable"},
	}}
	d := newTestDispatcher(&fakeExecutor{sandboxID: "sbx-1", handle: h}, nil)

	res := d.Dispatch(context.Background(), Request{
		Tool:  ToolExecutePython,
		Input: map[string]any{"code": "requests.get(url)"},
	})
	if res.ErrorType != ErrorTypeEnvironmental {
		t.Errorf("error type = %q, want environmental", res.ErrorType)
	}
}

func TestExecutePython_FileRunNonZeroExit(t *testing.T) {
	h := &scriptHandle{id: "sbx-1", cmdOut: &sandbox.CommandResult{
		Stdout:   "partial",
		Stderr:   "Traceback: NameError: name 'x' is not defined",
		ExitCode: 1,
	}}
	d := newTestDispatcher(&fakeExecutor{sandboxID: "sbx-1", handle: h}, nil)

	res := d.Dispatch(context.Background(), Request{
		Tool:  ToolExecutePython,
		Input: map[string]any{"file_path": "main.py"},
	})
	if res.Success {
		t.Fatal("expected failure on non-zero exit")
	}
	if res.Output != "partial" {
		t.Errorf("stdout before failure should be preserved, got %q", res.Output)
	}
	if res.ErrorType != ErrorTypeCode {
		t.Errorf("error type = %q, want code", res.ErrorType)
	}
}

func TestExecutePython_SystemError(t *testing.T) {
	d := newTestDispatcher(&fakeExecutor{sandboxID: "sbx-1", execErr: errors.New("creating sandbox: quota exceeded")}, nil)
	res := d.Dispatch(context.Background(), Request{
		Tool:  ToolExecutePython,
		Input: map[string]any{"code": "1"},
	})
	if res.ErrorType != ErrorTypeSystem {
		t.Errorf("error type = %q, want system", res.ErrorType)
	}
}

func TestClassifyExecutionError(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"ConnectionError: connection refused", ErrorTypeEnvironmental},
		{"socket.timeout: timed out", ErrorTypeEnvironmental},
		{"SSL: CERTIFICATE_VERIFY_FAILED", ErrorTypeEnvironmental},
		{"PermissionError: permission denied", ErrorTypeEnvironmental},
		{"NameError: name 'x' is not defined", ErrorTypeCode},
		{"SyntaxError: invalid syntax", ErrorTypeCode},
		{"ZeroDivisionError: division by zero", ErrorTypeCode},
	}
	for _, tt := range tests {
		if got := classifyExecutionError(tt.msg); got != tt.want {
			t.Errorf("classifyExecutionError(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

// --- save_file ---

func TestSaveFile(t *testing.T) {
	chatID := uuid.New()
	rec := &memRecorder{}
	h := &scriptHandle{id: "sbx-1", files: map[string]string{"proj/app.py": "code"}}
	d := newTestDispatcher(&fakeExecutor{sandboxID: "sbx-1", handle: h}, rec)

	res := d.Dispatch(context.Background(), Request{
		ConversationID: chatID.String(),
		Tool:           ToolSaveFile,
		Input:          map[string]any{"filepath": "proj/app.py", "description": "the app"},
	})
	if !res.Success {
		t.Fatalf("save_file failed: %s", res.Error)
	}
	if res.Action != "created" {
		t.Errorf("action = %q", res.Action)
	}
	if res.Filename != "app.py" || res.FileType != "python" {
		t.Errorf("filename/type = %q/%q", res.Filename, res.FileType)
	}
	if len(rec.upserts) != 1 {
		t.Fatalf("upserts = %d, want 1", len(rec.upserts))
	}
	saved := rec.upserts[0]
	if saved.ChatID != chatID || saved.Directory != "proj/" || saved.Content != "code" {
		t.Errorf("saved = %+v", saved)
	}
}

func TestSaveFile_MissingInSandbox(t *testing.T) {
	rec := &memRecorder{}
	h := &scriptHandle{id: "sbx-1"}
	d := newTestDispatcher(&fakeExecutor{sandboxID: "sbx-1", handle: h}, rec)

	res := d.Dispatch(context.Background(), Request{
		ConversationID: uuid.New().String(),
		Tool:           ToolSaveFile,
		Input:          map[string]any{"filepath": "ghost.py"},
	})
	if res.Success {
		t.Fatal("expected failure for missing file")
	}
	if !strings.Contains(res.Error, "create_file") {
		t.Errorf("error should point at create_file, got %q", res.Error)
	}
	if len(rec.upserts) != 0 {
		t.Error("nothing must be persisted for a missing file")
	}
}

func TestSaveFile_SizeCeiling(t *testing.T) {
	rec := &memRecorder{}
	big := strings.Repeat("x", MaxSavedFileBytes+1)
	h := &scriptHandle{id: "sbx-1", files: map[string]string{"big.txt": big}}
	d := newTestDispatcher(&fakeExecutor{sandboxID: "sbx-1", handle: h}, rec)

	res := d.Dispatch(context.Background(), Request{
		ConversationID: uuid.New().String(),
		Tool:           ToolSaveFile,
		Input:          map[string]any{"filepath": "big.txt"},
	})
	if res.Success {
		t.Fatal("expected failure above the size ceiling")
	}
	if !strings.Contains(res.Error, "too large") {
		t.Errorf("error = %q", res.Error)
	}
	// The ceiling is checked before any database write.
	if len(rec.upserts) != 0 {
		t.Error("oversized file must not reach the store")
	}

	// Exactly at the ceiling is allowed.
	h.files["ok.txt"] = strings.Repeat("x", MaxSavedFileBytes)
	res = d.Dispatch(context.Background(), Request{
		ConversationID: uuid.New().String(),
		Tool:           ToolSaveFile,
		Input:          map[string]any{"filepath": "ok.txt"},
	})
	if !res.Success {
		t.Fatalf("save at exactly the ceiling failed: %s", res.Error)
	}
}

// --- Helpers ---

func TestDetectFileType(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"main.py", "python"},
		{"app.js", "javascript"},
		{"comp.tsx", "typescript"},
		{"index.html", "html"},
		{"style.css", "css"},
		{"data.json", "json"},
		{"README.md", "markdown"},
		{"notes.txt", "text"},
		{"data.csv", "csv"},
		{"conf.yaml", "yaml"},
		{"conf.yml", "yaml"},
		{"run.sh", "bash"},
		{"schema.sql", "sql"},
		{"Makefile", "text"},
		{"archive.tar.gz", "text"},
	}
	for _, tt := range tests {
		if got := DetectFileType(tt.filename); got != tt.want {
			t.Errorf("DetectFileType(%q) = %q, want %q", tt.filename, got, tt.want)
		}
	}
}

func TestTruncateOutput(t *testing.T) {
	if got := TruncateOutput("short", 100); got != "short" {
		t.Errorf("TruncateOutput passthrough = %q", got)
	}
	long := strings.Repeat("a", 200)
	got := TruncateOutput(long, 100)
	if len(got) != 100 {
		t.Errorf("truncated length = %d, want 100", len(got))
	}
	if !strings.HasSuffix(got, "[output truncated]") {
		t.Errorf("missing truncation notice: %q", got)
	}
}

func TestDefinitions(t *testing.T) {
	d := newTestDispatcher(&fakeExecutor{}, nil)
	defs := d.Definitions()
	if len(defs) != 5 {
		t.Fatalf("definitions = %d, want 5", len(defs))
	}
	want := map[string]bool{
		ToolCreateFile: false, ToolReadFile: false, ToolListFiles: false,
		ToolExecutePython: false, ToolSaveFile: false,
	}
	for _, def := range defs {
		if _, ok := want[def.Name]; !ok {
			t.Errorf("unexpected tool %q", def.Name)
		}
		want[def.Name] = true
		if def.InputSchema["type"] != "object" {
			t.Errorf("%s schema type = %v", def.Name, def.InputSchema["type"])
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("tool %q not advertised", name)
		}
	}
}
