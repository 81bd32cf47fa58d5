package task

import (
	"time"
	"unicode/utf8"

	"drover/internal/utils/id"
)

// Kind discriminates the supported background task types.
type Kind string

const (
	// KindBash is a background shell command.
	KindBash Kind = "bash"
	// KindSubagent is a delegated multi-turn agent run.
	KindSubagent Kind = "subagent"
)

// Status captures the lifecycle state of a background task. Tasks start
// running; spawn is immediate and there is no queued state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Info describes a background task. Kind-specific fields are populated
// according to Kind and empty otherwise.
type Info struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Kind      Kind   `json:"kind"`

	// Bash fields
	Command string `json:"command,omitempty"`
	Workdir string `json:"workdir,omitempty"`

	// Subagent fields
	Prompt  string `json:"prompt,omitempty"`
	Context string `json:"context,omitempty"`

	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// SessionPath points at the child session log, when one was created.
	SessionPath string `json:"session_path,omitempty"`
}

// NewBashInfo builds the initial record for a bash task.
func NewBashInfo(sessionID, command, workdir string) Info {
	return Info{
		ID:        id.NewTaskID(),
		SessionID: sessionID,
		Kind:      KindBash,
		Command:   command,
		Workdir:   workdir,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

// NewSubagentInfo builds the initial record for a subagent task.
func NewSubagentInfo(sessionID, prompt, context string) Info {
	return Info{
		ID:        id.NewTaskID(),
		SessionID: sessionID,
		Kind:      KindSubagent,
		Prompt:    prompt,
		Context:   context,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

// MarkCompleted transitions the record to completed and stamps the end time.
func (i *Info) MarkCompleted() {
	i.Status = StatusCompleted
	now := time.Now().UTC()
	i.CompletedAt = &now
}

// MarkFailed transitions the record to failed and stamps the end time.
func (i *Info) MarkFailed() {
	i.Status = StatusFailed
	now := time.Now().UTC()
	i.CompletedAt = &now
}

// MarkCancelled transitions the record to cancelled and stamps the end time.
func (i *Info) MarkCancelled() {
	i.Status = StatusCancelled
	now := time.Now().UTC()
	i.CompletedAt = &now
}

// Result is the terminal outcome of a task. Exactly one Result exists per
// task; it owns its Info snapshot rather than referencing live state.
type Result struct {
	Info     Info   `json:"info"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// Success builds a completed result carrying the task output.
func Success(info Info, output string) Result {
	return Result{Info: info, Output: output}
}

// SuccessWithExit builds a completed result carrying output and exit code.
func SuccessWithExit(info Info, output string, exitCode int) Result {
	return Result{Info: info, Output: output, ExitCode: &exitCode}
}

// Failure builds a failed or cancelled result carrying the error text.
func Failure(info Info, errText string) Result {
	return Result{Info: info, Error: errText}
}

// FailureWithExit builds a failed result carrying error text and exit code.
func FailureWithExit(info Info, errText string, exitCode int) Result {
	return Result{Info: info, Error: errText, ExitCode: &exitCode}
}

// IsSuccess reports whether the task completed without error.
func (r Result) IsSuccess() bool {
	return r.Info.Status == StatusCompleted
}

// TruncatedOutput returns the output truncated to max runes.
func (r Result) TruncatedOutput(max int) string {
	return Truncate(r.Output, max)
}

// Truncate shortens s to at most max runes, keeping whole runes.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// TruncateBytes shortens s to at most max bytes, backing up so the cut
// never splits a multi-byte rune.
func TruncateBytes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// AgentConfig is the minimal agent configuration handed to a subagent
// factory. The orchestrator treats it as opaque.
type AgentConfig struct {
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
}

// SubagentContext carries the per-session material needed to spawn
// subagents: the agent configuration, the workspace the subagent operates
// in, and optionally the parent session directory used to persist child
// session logs.
type SubagentContext struct {
	Agent            AgentConfig `json:"agent"`
	Workspace        string      `json:"workspace"`
	ParentSessionDir string      `json:"parent_session_dir,omitempty"`
}
