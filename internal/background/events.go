package background

import (
	"context"
	"fmt"

	"drover/internal/logging"
	"drover/internal/observability"
	"drover/internal/task"
)

// Event topics published by the manager. Subscribers match on prefix, so
// "bash_task_" selects the bash lifecycle and "" selects everything.
const (
	TopicBashSpawned       = "bash_task_spawned"
	TopicBashCompleted     = "bash_task_completed"
	TopicBashFailed        = "bash_task_failed"
	TopicSubagentSpawned   = "subagent_spawned"
	TopicSubagentCompleted = "subagent_completed"
	TopicSubagentFailed    = "subagent_failed"

	// TopicTaskCompleted fires for every terminal outcome of every task
	// kind, cancellation included. Cancellation publishes only this one.
	TopicTaskCompleted = "background_task_completed"
)

// Rune limits applied to event payload fields so a chatty task cannot
// flood subscribers. Full output stays available through GetTaskResult.
const (
	eventOutputLimit  = 1000
	eventPromptLimit  = 100
	eventSummaryLimit = 500
)

// BashSpawnedEvent announces a bash task entering the registry.
type BashSpawnedEvent struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
}

// BashCompletedEvent reports a bash task that exited zero.
type BashCompletedEvent struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	Output    string `json:"output"`
	ExitCode  int    `json:"exit_code"`
}

// BashFailedEvent reports a bash task that exited nonzero or never ran.
// ExitCode is nil when the process could not be started.
type BashFailedEvent struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

// SubagentSpawnedEvent announces a subagent task entering the registry.
type SubagentSpawnedEvent struct {
	TaskID      string `json:"task_id"`
	SessionID   string `json:"session_id"`
	SessionLink string `json:"session_link"`
	Prompt      string `json:"prompt"`
}

// SubagentCompletedEvent reports a subagent run that finished cleanly.
type SubagentCompletedEvent struct {
	TaskID      string `json:"task_id"`
	SessionID   string `json:"session_id"`
	SessionLink string `json:"session_link"`
	Summary     string `json:"summary"`
}

// SubagentFailedEvent reports a subagent run that errored.
type SubagentFailedEvent struct {
	TaskID      string `json:"task_id"`
	SessionID   string `json:"session_id"`
	SessionLink string `json:"session_link"`
	Error       string `json:"error"`
}

// TaskCompletedEvent is the unified terminal notification, published for
// completed, failed and cancelled tasks of both kinds.
type TaskCompletedEvent struct {
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id"`
	Kind      task.Kind `json:"kind"`
	Summary   string    `json:"summary"`
}

// SessionLink formats the cross-reference recorded in a parent session
// when a subagent gets its own child session log.
func SessionLink(taskID string) string {
	return fmt.Sprintf("[[subagent:%s]]", taskID)
}

// eventEmitter centralizes publishing so every site shares the same
// truncation and nil-publisher handling. Publishing is fire-and-forget.
type eventEmitter struct {
	publisher task.EventPublisher
	logger    logging.Logger
	metrics   *observability.MetricsCollector
}

func newEventEmitter(publisher task.EventPublisher, logger logging.Logger, metrics *observability.MetricsCollector) *eventEmitter {
	return &eventEmitter{publisher: publisher, logger: logging.OrNop(logger), metrics: metrics}
}

func (e *eventEmitter) publish(topic string, payload any) {
	if e.publisher == nil {
		e.logger.Debug("no event publisher configured, dropping %s", topic)
		return
	}
	e.publisher.Publish(topic, payload)
	e.metrics.RecordEventPublished(context.Background(), topic)
}

func (e *eventEmitter) bashSpawned(info task.Info) {
	e.publish(TopicBashSpawned, BashSpawnedEvent{
		TaskID:    info.ID,
		SessionID: info.SessionID,
		Command:   info.Command,
	})
}

func (e *eventEmitter) bashCompleted(info task.Info, output string, exitCode int) {
	e.publish(TopicBashCompleted, BashCompletedEvent{
		TaskID:    info.ID,
		SessionID: info.SessionID,
		Output:    task.Truncate(output, eventOutputLimit),
		ExitCode:  exitCode,
	})
}

func (e *eventEmitter) bashFailed(info task.Info, errText string, exitCode *int) {
	e.publish(TopicBashFailed, BashFailedEvent{
		TaskID:    info.ID,
		SessionID: info.SessionID,
		Error:     errText,
		ExitCode:  exitCode,
	})
}

func (e *eventEmitter) subagentSpawned(info task.Info) {
	e.publish(TopicSubagentSpawned, SubagentSpawnedEvent{
		TaskID:      info.ID,
		SessionID:   info.SessionID,
		SessionLink: SessionLink(info.ID),
		Prompt:      task.Truncate(info.Prompt, eventPromptLimit),
	})
}

func (e *eventEmitter) subagentCompleted(info task.Info, summary string) {
	e.publish(TopicSubagentCompleted, SubagentCompletedEvent{
		TaskID:      info.ID,
		SessionID:   info.SessionID,
		SessionLink: SessionLink(info.ID),
		Summary:     task.Truncate(summary, eventSummaryLimit),
	})
}

func (e *eventEmitter) subagentFailed(info task.Info, errText string) {
	e.publish(TopicSubagentFailed, SubagentFailedEvent{
		TaskID:      info.ID,
		SessionID:   info.SessionID,
		SessionLink: SessionLink(info.ID),
		Error:       errText,
	})
}

// taskCompleted publishes the unified terminal event. The summary prefers
// task output, then the error text, then a bare "completed".
func (e *eventEmitter) taskCompleted(result task.Result) {
	summary := result.TruncatedOutput(eventSummaryLimit)
	if summary == "" {
		summary = result.Error
	}
	if summary == "" {
		summary = "completed"
	}
	e.publish(TopicTaskCompleted, TaskCompletedEvent{
		TaskID:    result.Info.ID,
		SessionID: result.Info.SessionID,
		Kind:      result.Info.Kind,
		Summary:   summary,
	})
}
