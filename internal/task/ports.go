package task

import (
	"context"
	"time"
)

// StreamChunk is one increment of a streamed agent reply. The channel is
// closed after the final chunk; Err reports a stream failure and ends the
// stream.
type StreamChunk struct {
	Delta    string
	ToolCall bool
	Done     bool
	Err      error
}

// AgentClient is the narrow surface the subagent executor needs from an
// agent implementation: send one message, receive a stream of chunks.
type AgentClient interface {
	SendMessage(ctx context.Context, text string) (<-chan StreamChunk, error)
}

// SubagentFactory constructs an AgentClient for a subagent run.
type SubagentFactory interface {
	Create(cfg AgentConfig, workspace string) (AgentClient, error)
}

// SubagentFactoryFunc adapts a function to the SubagentFactory interface.
type SubagentFactoryFunc func(cfg AgentConfig, workspace string) (AgentClient, error)

// Create implements SubagentFactory.
func (f SubagentFactoryFunc) Create(cfg AgentConfig, workspace string) (AgentClient, error) {
	return f(cfg, workspace)
}

// LogEvent is one conversation turn recorded in a session log.
type LogEvent struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"timestamp"`
}

// NewUserEvent builds a user-authored log event.
func NewUserEvent(content string) LogEvent {
	return LogEvent{Role: "user", Content: content, At: time.Now().UTC()}
}

// NewAssistantEvent builds an assistant-authored log event.
func NewAssistantEvent(content string) LogEvent {
	return LogEvent{Role: "assistant", Content: content, At: time.Now().UTC()}
}

// SessionLog is a writable handle on one session's conversation log.
type SessionLog interface {
	Append(event LogEvent) error
	Path() string
	Close() error
}

// SessionStore creates child session logs. CreateChild scopes the child
// under the parent session directory and returns the writable handle plus
// the path of the created log.
type SessionStore interface {
	CreateChild(parentDir, taskID string) (SessionLog, string, error)
}

// EventPublisher is the fire-and-forget event sink used by the
// orchestrator. Publishing never fails; transports log delivery problems
// themselves.
type EventPublisher interface {
	Publish(topic string, payload any)
}

// BashRequest describes a background shell command to spawn.
type BashRequest struct {
	SessionID string
	Command   string
	Workdir   string
	// Timeout bounds execution; zero selects the configured default.
	Timeout time.Duration
}

// SubagentRequest describes a delegated agent run to spawn. Context is an
// optional preamble prepended to the prompt on the first turn.
type SubagentRequest struct {
	SessionID string
	Prompt    string
	Context   string
}

// Orchestrator is the facade surface for background task management.
// Implemented by background.Manager; consumed by the daemon shell and by
// embedders.
type Orchestrator interface {
	SpawnBash(ctx context.Context, req BashRequest) string
	SpawnSubagent(ctx context.Context, req SubagentRequest) (string, error)
	ListTasks(sessionID string) []Info
	GetTaskResult(sessionID, taskID string) (*Result, bool)
	CancelTask(ctx context.Context, sessionID, taskID string) bool
	CleanupSession(ctx context.Context, sessionID string, clearHistory bool) int
	RunningCount(sessionID string) int
	TotalRunningCount() int
	RegisterSubagentContext(sessionID string, sc SubagentContext)
	UnregisterSubagentContext(sessionID string)
}
