// Package sandbox manages remote, stateful, per-conversation execution
// environments. A sandbox is an ephemeral server-side instance addressable by
// a generated identifier; the live Handle is a cache entry that can always be
// rebuilt from the identifier, or rebuilt fresh when reconnection fails.
package sandbox

import (
	"context"
	"time"
)

// DefaultWorkspace is the writable base directory inside every sandbox.
const DefaultWorkspace = "/home/user"

// Service creates and reconnects sandbox handles against the remote
// code-interpreter service.
type Service interface {
	// Create provisions a fresh sandbox and returns a live handle.
	Create(ctx context.Context) (Handle, error)

	// Reconnect attaches to an existing sandbox by identifier.
	// Fails if the identifier is stale (expired server-side).
	Reconnect(ctx context.Context, sandboxID string) (Handle, error)
}

// Handle is a live connection to one remote sandbox instance.
// All operations are blocking; the remote service enforces the
// per-operation timeout.
type Handle interface {
	// ID returns the identifier unique to the remote instance.
	ID() string

	// ReadFile returns the content of a file inside the sandbox.
	ReadFile(ctx context.Context, path string) (string, error)

	// WriteFile creates or overwrites a file inside the sandbox.
	WriteFile(ctx context.Context, path, content string) error

	// RunCommand runs a shell command inside the sandbox.
	RunCommand(ctx context.Context, command string) (*CommandResult, error)

	// ExecuteCode runs code in the sandbox's stateful interpreter kernel.
	ExecuteCode(ctx context.Context, code string) (*Execution, error)

	// Close terminates the remote sandbox.
	Close(ctx context.Context) error
}

// CommandResult captures the outcome of a shell command.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Duration time.Duration
}

// Execution captures the outcome of a kernel code execution.
// Stdout/Stderr are line lists; Results holds the text form of the last
// expression values, in emission order.
type Execution struct {
	Stdout  []string   `json:"stdout"`
	Stderr  []string   `json:"stderr"`
	Results []string   `json:"results"`
	Error   *ExecError `json:"error,omitempty"`
}

// ExecError is an interpreter-level error raised during code execution.
type ExecError struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Traceback string `json:"traceback,omitempty"`
}

func (e *ExecError) String() string {
	return e.Name + ": " + e.Value
}
