package background

import (
	"context"
	"fmt"
	"strings"

	"drover/internal/task"
)

// continueMessage nudges the agent into the next turn once a turn ended
// with pending tool activity.
const continueMessage = "Continue with the task."

// truncationNotice is appended when accumulated output hits the ceiling.
const truncationNotice = "\n\n[Output truncated due to size limit]"

// runSubagent drives a multi-turn conversation against the agent client
// until the agent stops calling tools, the turn limit is reached, or the
// accumulated output hits the size ceiling. Every chunk receive races the
// cancellation signal, so a cancel lands mid-stream rather than waiting
// for the turn to finish.
//
// Session log writes are best-effort: a failed append is logged and the
// run carries on.
func (m *Manager) runSubagent(ctx context.Context, rt *runningTask, req task.SubagentRequest, client task.AgentClient, sessionLog task.SessionLog) outcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	turns := 0
	defer func() { m.metrics.RecordSubagentTurns(ctx, turns) }()

	appendLog := func(event task.LogEvent) {
		if sessionLog == nil {
			return
		}
		if err := sessionLog.Append(event); err != nil {
			m.logger.Warn("failed to append session log for task %s: %v", rt.info.ID, err)
		}
	}

	message := req.Prompt
	if req.Context != "" {
		message = req.Context + "\n\n" + req.Prompt
	}

	var output strings.Builder
	for turns < m.opts.SubagentMaxTurns {
		turns++
		appendLog(task.NewUserEvent(message))

		stream, err := client.SendMessage(ctx, message)
		if err != nil {
			return outcome{status: task.StatusFailed, errText: fmt.Sprintf("Exec error: %v", err)}
		}

		var turnText strings.Builder
		sawToolCall := false
	turn:
		for {
			select {
			case <-rt.cancelled():
				return outcome{status: task.StatusCancelled, errText: subagentCancelledMessage}
			case chunk, ok := <-stream:
				if !ok {
					break turn
				}
				if chunk.Err != nil {
					return outcome{status: task.StatusFailed, errText: fmt.Sprintf("Exec error: %v", chunk.Err)}
				}
				if chunk.Delta != "" {
					turnText.WriteString(chunk.Delta)
				}
				if chunk.ToolCall {
					sawToolCall = true
				}
				if chunk.Done {
					break turn
				}
			}
		}

		turnOutput := turnText.String()
		appendLog(task.NewAssistantEvent(turnOutput))
		output.WriteString(turnOutput)
		output.WriteString("\n")

		if output.Len() > m.opts.SubagentOutputLimit {
			m.logger.Warn("task %s output exceeded %d bytes after %d turns, truncating",
				rt.info.ID, m.opts.SubagentOutputLimit, turns)
			truncated := task.TruncateBytes(output.String(), m.opts.SubagentOutputLimit)
			return outcome{
				status: task.StatusCompleted,
				output: strings.TrimSpace(truncated) + truncationNotice,
			}
		}

		// A turn without tool activity means the agent considers the
		// task finished.
		if !sawToolCall {
			break
		}
		message = continueMessage
	}

	return outcome{status: task.StatusCompleted, output: strings.TrimSpace(output.String())}
}
