package background

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"drover/internal/task"
)

// Terminal messages surfaced in task results. They are part of the
// observable contract; callers match on them.
const (
	cancelledMessage         = "Task cancelled"
	timeoutMessage           = "Task timed out"
	subagentCancelledMessage = "Subagent cancelled"
)

// outcome is the terminal product of an execution unit. It carries no
// status bookkeeping of its own; the registry take decides which
// goroutine turns an outcome into the recorded result.
type outcome struct {
	status   task.Status
	output   string
	errText  string
	exitCode *int
}

// runBash executes the task's command under `bash -c` and blocks until
// one of three events: natural exit, cancellation, or timeout. The child
// runs in its own process group so cancellation and timeout kill the
// whole tree, not just the shell. Output is read only after Wait returns,
// which is when the exec package guarantees the capture buffers are
// complete.
func (m *Manager) runBash(rt *runningTask, req task.BashRequest) outcome {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.opts.BashTimeout
	}

	cmd := exec.Command("bash", "-c", req.Command)
	if req.Workdir != "" {
		cmd.Dir = req.Workdir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return outcome{status: task.StatusFailed, errText: fmt.Sprintf("Spawn error: %v", err)}
	}

	pgid := cmd.Process.Pid
	if got, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		pgid = got
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case waitErr := <-done:
		return classifyExit(waitErr, stdout.String(), stderr.String())
	case <-rt.cancelled():
		m.killGroup(rt.info.ID, pgid)
		<-done
		return outcome{status: task.StatusCancelled, errText: cancelledMessage}
	case <-timer.C:
		m.logger.Warn("task %s timed out after %s, killing process group", rt.info.ID, timeout)
		m.killGroup(rt.info.ID, pgid)
		<-done
		return outcome{status: task.StatusFailed, errText: timeoutMessage}
	}
}

// classifyExit maps a Wait error onto the task outcome. A zero exit keeps
// stdout as the output; a nonzero exit folds both streams into the error
// text so the caller sees what the command printed before dying.
func classifyExit(waitErr error, stdout, stderr string) outcome {
	if waitErr == nil {
		zero := 0
		return outcome{status: task.StatusCompleted, output: stdout, exitCode: &zero}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()
		return outcome{
			status:   task.StatusFailed,
			errText:  fmt.Sprintf("Exit code: %d\nStdout:\n%s\nStderr:\n%s", code, stdout, stderr),
			exitCode: &code,
		}
	}
	return outcome{status: task.StatusFailed, errText: fmt.Sprintf("Exec error: %v", waitErr)}
}

// killGroup force-kills the task's process group. ESRCH means the group
// already exited, which is not worth a log line.
func (m *Manager) killGroup(taskID string, pgid int) {
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		m.logger.Warn("failed to kill process group for task %s: %v", taskID, err)
	}
}
