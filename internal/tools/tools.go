// Package tools implements the sandbox tool dispatch layer: five named
// operations exposed to the model, each executed against the conversation's
// sandbox through the lifecycle manager's recovery path.
//
// Dispatch is table-driven: tool name maps to a handler taking an explicit
// Request, so no mutable state is captured across iterations. Every dispatch
// opens a pending record via the recorder and finalizes it with status,
// timing, and payload.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/llm"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/recorder"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

// MaxSavedFileBytes is the ceiling for files persisted with save_file.
const MaxSavedFileBytes = 10 << 20 // 10 MiB

// MaxOutputBytes caps tool output fed back to the model.
const MaxOutputBytes = 1 << 20 // 1 MB

// Tool names.
const (
	ToolCreateFile    = "create_file"
	ToolReadFile      = "read_file"
	ToolListFiles     = "list_files"
	ToolExecutePython = "execute_python"
	ToolSaveFile      = "save_file"
)

// Error classifications for execute_python failures.
const (
	ErrorTypeEnvironmental = "environmental"
	ErrorTypeCode          = "code"
	ErrorTypeSystem        = "system"
)

// Executor is the slice of the sandbox lifecycle manager the dispatcher
// needs. Satisfied by *sandbox.Manager.
type Executor interface {
	ExecuteWithRecovery(ctx context.Context, conversationID, rememberedID string, op sandbox.Operation) (any, string, error)
}

// Request carries the explicit context for one tool dispatch.
type Request struct {
	ConversationID string
	SandboxID      string // remembered identifier, may be stale or empty
	MessageID      string
	Iteration      int // 0-based loop pass that produced this call
	Tool           string
	Input          map[string]any
}

// Result is the uniform outcome shape for every tool. Success and SandboxID
// are always meaningful; the remaining fields depend on the tool.
type Result struct {
	Tool      string `json:"tool"`
	Success   bool   `json:"success"`
	SandboxID string `json:"sandbox_id,omitempty"`

	Message   string   `json:"message,omitempty"`   // create_file, save_file
	Content   string   `json:"content,omitempty"`   // read_file
	Path      string   `json:"path,omitempty"`      // create_file, read_file
	Files     []string `json:"files,omitempty"`     // list_files
	Directory string   `json:"directory,omitempty"` // list_files
	Output    string   `json:"output,omitempty"`    // execute_python

	Action    string `json:"action,omitempty"`     // save_file: "created" or "updated"
	Filepath  string `json:"filepath,omitempty"`   // save_file
	Filename  string `json:"filename,omitempty"`   // save_file
	FileType  string `json:"file_type,omitempty"`  // save_file
	SizeBytes int64  `json:"size_bytes,omitempty"` // save_file

	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"` // execute_python: environmental | code | system

	ElapsedMS int64 `json:"elapsed_ms"`
}

// handler executes one tool with explicit context.
type handler func(ctx context.Context, req Request) *Result

// Dispatcher routes tool calls to their handlers.
type Dispatcher struct {
	executor Executor
	recorder recorder.Recorder               // nil = recording disabled
	metrics  *observability.MetricsCollector // nil = metrics disabled
	logger   *slog.Logger

	workspace string // base directory inside the sandbox
	handlers  map[string]handler
}

// NewDispatcher creates the tool dispatch layer.
func NewDispatcher(executor Executor, rec recorder.Recorder, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		executor:  executor,
		recorder:  rec,
		logger:    logger,
		workspace: sandbox.DefaultWorkspace,
	}
	d.handlers = map[string]handler{
		ToolCreateFile:    d.createFile,
		ToolReadFile:      d.readFile,
		ToolListFiles:     d.listFiles,
		ToolExecutePython: d.executePython,
		ToolSaveFile:      d.saveFile,
	}
	return d
}

// WithMetrics attaches a metrics collector.
func (d *Dispatcher) WithMetrics(mc *observability.MetricsCollector) *Dispatcher {
	d.metrics = mc
	return d
}

// WithWorkspace overrides the sandbox workspace directory.
func (d *Dispatcher) WithWorkspace(dir string) *Dispatcher {
	if dir != "" {
		d.workspace = dir
	}
	return d
}

// Dispatch executes one tool call. Failures are folded into the Result —
// Dispatch never returns a Go error, so the loop can always feed the outcome
// back to the model.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) *Result {
	h, ok := d.handlers[req.Tool]
	if !ok {
		return &Result{
			Tool:      req.Tool,
			SandboxID: req.SandboxID,
			Error:     fmt.Sprintf("unknown tool: %s", req.Tool),
		}
	}

	var eventID int64
	if d.recorder != nil {
		id, err := d.recorder.LogToolCallStart(ctx, req.ConversationID, req.Tool, req.Input, req.MessageID, req.Iteration)
		if err != nil {
			d.logger.ErrorContext(ctx, "failed to log tool call start",
				slog.String("tool", req.Tool),
				slog.String("error", err.Error()),
			)
		} else {
			eventID = id
		}
	}

	start := time.Now()
	result := h(ctx, req)
	result.Tool = req.Tool
	result.ElapsedMS = time.Since(start).Milliseconds()

	d.finalize(ctx, eventID, result)
	d.record(result)

	d.logger.InfoContext(ctx, "tool dispatched",
		slog.String("tool", req.Tool),
		slog.Int("iteration", req.Iteration),
		slog.Bool("success", result.Success),
		slog.String("sandbox_id", result.SandboxID),
		slog.Int64("elapsed_ms", result.ElapsedMS),
	)
	return result
}

// finalize closes the pending recorder event for this dispatch.
func (d *Dispatcher) finalize(ctx context.Context, eventID int64, result *Result) {
	if d.recorder == nil || eventID == 0 {
		return
	}
	status := domainStatus(result.Success)
	var output map[string]any
	if result.Success {
		output = result.outputSummary()
	}
	if err := d.recorder.FinalizeToolCall(ctx, eventID, status, output, result.Error, result.SandboxID, result.ElapsedMS); err != nil {
		d.logger.ErrorContext(ctx, "failed to finalize tool call",
			slog.Int64("event_id", eventID),
			slog.String("error", err.Error()),
		)
	}
}

func domainStatus(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// outputSummary builds the compact payload stored with the tool-call record.
// Large bodies (file contents, full stdout) are summarized by size.
func (r *Result) outputSummary() map[string]any {
	out := map[string]any{}
	switch r.Tool {
	case ToolCreateFile:
		out["path"] = r.Path
	case ToolReadFile:
		out["path"] = r.Path
		out["size"] = len(r.Content)
	case ToolListFiles:
		out["directory"] = r.Directory
		out["file_count"] = len(r.Files)
	case ToolExecutePython:
		out["output_length"] = len(r.Output)
	case ToolSaveFile:
		out["filepath"] = r.Filepath
		out["action"] = r.Action
		out["size"] = r.SizeBytes
		out["file_type"] = r.FileType
	}
	return out
}

func (d *Dispatcher) record(result *Result) {
	if d.metrics == nil {
		return
	}
	d.metrics.ToolExecutionsTotal.WithLabelValues(result.Tool, domainStatus(result.Success)).Inc()
	d.metrics.ToolExecutionDuration.WithLabelValues(result.Tool).Observe(float64(result.ElapsedMS) / 1000)
}

// --- Tool handlers ---

func (d *Dispatcher) createFile(ctx context.Context, req Request) *Result {
	filePath, err := requireString(req.Input, "path")
	if err != nil {
		return d.fail(req, err)
	}
	content, err := requireString(req.Input, "content")
	if err != nil {
		return d.fail(req, err)
	}

	op := func(ctx context.Context, h sandbox.Handle) (any, error) {
		if dir := path.Dir(filePath); dir != "" && dir != "/" && dir != "." {
			if _, err := h.RunCommand(ctx, "mkdir -p "+shellQuote(dir)); err != nil {
				return nil, err
			}
		}
		return nil, h.WriteFile(ctx, filePath, content)
	}

	_, sandboxID, err := d.executor.ExecuteWithRecovery(ctx, req.ConversationID, req.SandboxID, op)
	if err != nil {
		return d.failSandbox(req, sandboxID, fmt.Errorf("failed to create file: %w", err))
	}
	return &Result{
		Success:   true,
		SandboxID: sandboxID,
		Path:      filePath,
		Message:   "Created file: " + filePath,
	}
}

func (d *Dispatcher) readFile(ctx context.Context, req Request) *Result {
	filePath, err := requireString(req.Input, "path")
	if err != nil {
		return d.fail(req, err)
	}

	op := func(ctx context.Context, h sandbox.Handle) (any, error) {
		return h.ReadFile(ctx, filePath)
	}

	result, sandboxID, err := d.executor.ExecuteWithRecovery(ctx, req.ConversationID, req.SandboxID, op)
	if err != nil {
		return d.failSandbox(req, sandboxID, fmt.Errorf("failed to read file: %w", err))
	}
	content, _ := result.(string)
	return &Result{
		Success:   true,
		SandboxID: sandboxID,
		Path:      filePath,
		Content:   content,
	}
}

func (d *Dispatcher) listFiles(ctx context.Context, req Request) *Result {
	directory := optionalString(req.Input, "directory")
	if directory == "" {
		directory = d.workspace
	}

	op := func(ctx context.Context, h sandbox.Handle) (any, error) {
		// Missing or empty directory is an empty listing, not an error.
		res, err := h.RunCommand(ctx, "find "+shellQuote(directory)+" -type f 2>/dev/null || true")
		if err != nil {
			return nil, err
		}
		var files []string
		for _, line := range strings.Split(res.Stdout, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				files = append(files, line)
			}
		}
		return files, nil
	}

	result, sandboxID, err := d.executor.ExecuteWithRecovery(ctx, req.ConversationID, req.SandboxID, op)
	if err != nil {
		return d.failSandbox(req, sandboxID, fmt.Errorf("failed to list files: %w", err))
	}
	files, _ := result.([]string)
	return &Result{
		Success:   true,
		SandboxID: sandboxID,
		Directory: directory,
		Files:     files,
	}
}

func (d *Dispatcher) executePython(ctx context.Context, req Request) *Result {
	code := optionalString(req.Input, "code")
	filePath := optionalString(req.Input, "file_path")
	if code == "" && filePath == "" {
		return d.fail(req, fmt.Errorf("either code or file_path must be provided"))
	}

	var op sandbox.Operation
	if code != "" {
		// Code takes precedence when both are given.
		op = func(ctx context.Context, h sandbox.Handle) (any, error) {
			return h.ExecuteCode(ctx, code)
		}
	} else {
		op = func(ctx context.Context, h sandbox.Handle) (any, error) {
			cmd := "cd " + shellQuote(d.workspace) + " && python3 " + shellQuote(filePath)
			return h.RunCommand(ctx, cmd)
		}
	}

	result, sandboxID, err := d.executor.ExecuteWithRecovery(ctx, req.ConversationID, req.SandboxID, op)
	if err != nil {
		return &Result{
			SandboxID: sandboxID,
			Error:     fmt.Sprintf("execution error: %s", err),
			ErrorType: ErrorTypeSystem,
		}
	}

	switch r := result.(type) {
	case *sandbox.Execution:
		return executionResult(r, sandboxID)
	case *sandbox.CommandResult:
		return commandResult(r, filePath, sandboxID)
	default:
		return &Result{
			SandboxID: sandboxID,
			Error:     "unexpected execution result type",
			ErrorType: ErrorTypeSystem,
		}
	}
}

// executionResult maps a kernel execution to a tool result.
func executionResult(exec *sandbox.Execution, sandboxID string) *Result {
	if exec.Error != nil {
		msg := exec.Error.String()
		return &Result{
			SandboxID: sandboxID,
			Error:     msg,
			ErrorType: classifyExecutionError(msg),
		}
	}

	var parts []string
	parts = append(parts, exec.Stdout...)
	parts = append(parts, exec.Stderr...)
	parts = append(parts, exec.Results...)
	output := strings.Join(parts, "\n")
	if output == "" {
		output = "Code executed successfully with no printed output."
	}
	return &Result{
		Success:   true,
		SandboxID: sandboxID,
		Output:    output,
	}
}

// commandResult maps a file run (python3 <path>) to a tool result.
// stderr on a zero exit is warnings and folds into the output.
func commandResult(res *sandbox.CommandResult, filePath, sandboxID string) *Result {
	if res.ExitCode != 0 {
		return &Result{
			SandboxID: sandboxID,
			Output:    res.Stdout,
			Error:     res.Stderr,
			ErrorType: classifyExecutionError(res.Stderr),
		}
	}

	var parts []string
	if res.Stdout != "" {
		parts = append(parts, res.Stdout)
	}
	if res.Stderr != "" {
		parts = append(parts, res.Stderr)
	}
	output := strings.Join(parts, "\n")
	if output == "" {
		output = fmt.Sprintf("File %s executed successfully with no output.", filePath)
	}
	return &Result{
		Success:   true,
		SandboxID: sandboxID,
		Output:    output,
	}
}

func (d *Dispatcher) saveFile(ctx context.Context, req Request) *Result {
	filePath, err := requireString(req.Input, "filepath")
	if err != nil {
		return d.fail(req, err)
	}
	description := optionalString(req.Input, "description")

	op := func(ctx context.Context, h sandbox.Handle) (any, error) {
		content, err := h.ReadFile(ctx, filePath)
		if err != nil {
			if sandbox.IsExpired(err) {
				return nil, err
			}
			return nil, fmt.Errorf("file not found: %s. Create it first with create_file", filePath)
		}
		return content, nil
	}

	result, sandboxID, err := d.executor.ExecuteWithRecovery(ctx, req.ConversationID, req.SandboxID, op)
	if err != nil {
		return d.failSandbox(req, sandboxID, err)
	}
	content, _ := result.(string)

	// Size ceiling is checked before any database write.
	size := int64(len(content))
	if size > MaxSavedFileBytes {
		return d.failSandbox(req, sandboxID,
			fmt.Errorf("file too large (%d bytes), maximum: %d bytes (10MB)", size, MaxSavedFileBytes))
	}

	filename := path.Base(filePath)
	directory := ""
	if dir := path.Dir(filePath); dir != "." && dir != "/" {
		directory = dir + "/"
	}
	fileType := DetectFileType(filename)

	action := "created"
	if d.recorder != nil {
		chatID, err := uuid.Parse(req.ConversationID)
		if err != nil {
			return d.failSandbox(req, sandboxID, fmt.Errorf("invalid conversation id: %w", err))
		}
		a, err := d.recorder.UpsertSandboxFile(ctx, &domain.SandboxFile{
			ChatID:      chatID,
			Filepath:    filePath,
			Filename:    filename,
			Directory:   directory,
			Content:     content,
			Description: description,
			FileType:    fileType,
			SizeBytes:   size,
		})
		if err != nil {
			return d.failSandbox(req, sandboxID, fmt.Errorf("failed to persist file: %w", err))
		}
		action = a
	}

	return &Result{
		Success:   true,
		SandboxID: sandboxID,
		Action:    action,
		Filepath:  filePath,
		Filename:  filename,
		FileType:  fileType,
		SizeBytes: size,
		Message:   fmt.Sprintf("File %s: %s", action, filePath),
	}
}

// fail builds an error result for input validation failures (no sandbox touched).
func (d *Dispatcher) fail(req Request, err error) *Result {
	return &Result{SandboxID: req.SandboxID, Error: err.Error()}
}

// failSandbox builds an error result after a sandbox round trip. When the
// manager never produced a sandbox id, the remembered one is kept.
func (d *Dispatcher) failSandbox(req Request, sandboxID string, err error) *Result {
	if sandboxID == "" {
		sandboxID = req.SandboxID
	}
	return &Result{SandboxID: sandboxID, Error: err.Error()}
}

// classifyExecutionError tags an execution failure as environmental (network,
// permission, timeout) or code, so callers don't try to "fix" code that
// wasn't the problem.
func classifyExecutionError(errMsg string) string {
	lower := strings.ToLower(errMsg)
	keywords := []string{
		"network", "connection", "unreachable", "dns",
		"no route to host", "timeout", "timed out",
		"ssl", "certificate", "url", "socket",
		"permission denied", "access denied",
	}
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return ErrorTypeEnvironmental
		}
	}
	return ErrorTypeCode
}

// --- Input helpers ---

// requireString extracts a required non-empty string param.
func requireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	if s == "" {
		return "", fmt.Errorf("parameter %s must not be empty", key)
	}
	return s, nil
}

// optionalString extracts an optional string param, "" when absent.
func optionalString(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

// shellQuote single-quotes a path for use in a sandbox shell command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// ModelContent formats the result as the tool_result text fed back to the
// model. Success output is tool-shaped; failures return the error message.
func (r *Result) ModelContent() string {
	if !r.Success {
		if r.Error != "" {
			return r.Error
		}
		return "Unknown error"
	}
	switch r.Tool {
	case ToolCreateFile:
		if r.Message != "" {
			return r.Message
		}
		return "File created successfully"
	case ToolReadFile:
		return "File contents:\n\n" + r.Content
	case ToolListFiles:
		if len(r.Files) == 0 {
			return "No files found"
		}
		return "Files in " + r.Directory + ":\n" + strings.Join(r.Files, "\n")
	case ToolExecutePython:
		if r.Output == "" {
			return "Code executed successfully with no output."
		}
		return TruncateOutput(r.Output, MaxOutputBytes)
	case ToolSaveFile:
		return fmt.Sprintf("File %s: %s (%d bytes)", r.Action, r.Filepath, r.SizeBytes)
	default:
		return r.Message
	}
}

// IsError reports whether the result should be flagged is_error to the model.
func (r *Result) IsError() bool { return !r.Success }

// Definitions returns the tool schema advertised to the model.
func (d *Dispatcher) Definitions() []llm.ToolDefinition {
	return Definitions(d.workspace)
}
