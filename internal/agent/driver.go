// ABOUTME: Driver and Process abstractions over the assistant subprocess
// ABOUTME: CLIDriver spawns the CLI with stream-json flags; Options select model, mode and resume token

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/2389/coven-sessions/internal/event"
)

// ErrSpawnFailed is returned when the subprocess cannot be started.
var ErrSpawnFailed = errors.New("subprocess spawn failed")

// ErrProcessExited is returned by writes to a process that has exited.
var ErrProcessExited = errors.New("process exited")

// Options configure one subprocess.
type Options struct {
	SessionID      string
	WorkingDir     string
	Model          string
	PermissionMode string
	// ResumeToken is the CLI's own session id from a previous run.
	ResumeToken string
}

// Driver starts subprocesses.
type Driver interface {
	Start(ctx context.Context, opts Options) (Process, error)
}

// Process is a running subprocess.
type Process interface {
	// Events yields decoded output and is closed when the process exits.
	Events() <-chan event.ChatEvent
	SendUserMessage(content string) error
	Control(req ControlRequest) error
	RespondPermission(requestID string, decision PermissionDecision) error
	// ResumeToken is the latest CLI session id reported by the process.
	ResumeToken() string
	// Wait blocks until the process has exited.
	Wait() error
	Kill() error
}

// Control request subtypes understood by the CLI.
const (
	ControlInterrupt         = "interrupt"
	ControlSetPermissionMode = "set_permission_mode"
	ControlSetModel          = "set_model"
)

// ControlRequest is an out-of-band instruction to the subprocess.
type ControlRequest struct {
	Subtype string `json:"subtype"`
	Mode    string `json:"mode,omitempty"`
	Model   string `json:"model,omitempty"`
}

// PermissionDecision answers a can_use_tool request.
type PermissionDecision struct {
	Allow        bool
	UpdatedInput json.RawMessage // original (or amended) tool input, required when allowing
	Message      string          // shown to the model when denying
}

// CLIDriver launches the assistant CLI.
type CLIDriver struct {
	Command string   // binary name or path, "claude" by default
	Args    []string // extra arguments appended after the protocol flags
	Env     []string // extra KEY=VALUE entries
	Logger  *slog.Logger
}

// Start spawns the CLI. The process is not bound to ctx; it lives until it
// exits or Kill is called.
func (d *CLIDriver) Start(ctx context.Context, opts Options) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	command := d.Command
	if command == "" {
		command = "claude"
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent", "session_id", opts.SessionID)

	args := append(buildArgs(opts), d.Args...)
	p, err := startCLIProcess(path, args, opts.WorkingDir, d.Env, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	logger.Info("subprocess started", "command", path, "resume", opts.ResumeToken != "", "pid", p.cmd.Process.Pid)
	return p, nil
}

func buildArgs(opts Options) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeToken != "" {
		args = append(args, "--resume", opts.ResumeToken)
	}
	return args
}
