package background

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"drover/internal/async"
	"drover/internal/logging"
	"drover/internal/observability"
	"drover/internal/task"
	"drover/internal/utils/id"
)

// Defaults applied by NewManager when the corresponding option is unset.
const (
	DefaultBashTimeout         = 5 * time.Minute
	DefaultHistoryCap          = 50
	DefaultSubagentMaxTurns    = 10
	DefaultSubagentOutputLimit = 10 << 20
)

// Options configures a Manager. The zero value is usable: tasks run with
// default limits, events go nowhere, and subagent spawns fail until a
// factory is provided.
type Options struct {
	// BashTimeout bounds bash tasks that do not carry their own timeout.
	BashTimeout time.Duration
	// HistoryCap is the per-session cap on retained terminal results.
	HistoryCap int
	// SubagentMaxTurns bounds the conversation loop of a subagent run.
	SubagentMaxTurns int
	// SubagentOutputLimit is the byte ceiling on accumulated subagent
	// output before truncation.
	SubagentOutputLimit int

	Logger    logging.Logger
	Publisher task.EventPublisher
	Factory   task.SubagentFactory
	Sessions  task.SessionStore
	Metrics   *observability.MetricsCollector
	Tracer    *observability.TracerProvider
}

// Manager owns the lifecycle of background tasks: spawn, observe, cancel.
// Spawns return immediately; execution happens on tracked goroutines.
//
// Terminal bookkeeping is single-writer by construction. Natural
// completion and explicit cancellation both funnel through the registry
// take, and only the goroutine holding the taken entry records the
// result, publishes events, and appends history. The other side of the
// race finds the entry gone and does nothing.
type Manager struct {
	opts     Options
	registry *registry
	emitter  *eventEmitter
	logger   logging.Logger
	metrics  *observability.MetricsCollector
	tracer   *observability.TracerProvider

	factory  task.SubagentFactory
	sessions task.SessionStore
	contexts *xsync.MapOf[string, task.SubagentContext]

	wg sync.WaitGroup
}

var _ task.Orchestrator = (*Manager)(nil)

// NewManager builds a Manager, filling in defaults for unset options.
func NewManager(opts Options) *Manager {
	if opts.BashTimeout <= 0 {
		opts.BashTimeout = DefaultBashTimeout
	}
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = DefaultHistoryCap
	}
	if opts.SubagentMaxTurns <= 0 {
		opts.SubagentMaxTurns = DefaultSubagentMaxTurns
	}
	if opts.SubagentOutputLimit <= 0 {
		opts.SubagentOutputLimit = DefaultSubagentOutputLimit
	}

	logger := logging.OrNop(opts.Logger)
	tracer := opts.Tracer
	if tracer == nil {
		// Enabled defaults to false, so this cannot fail.
		tracer, _ = observability.NewTracerProvider(observability.TracingConfig{})
	}

	return &Manager{
		opts:     opts,
		registry: newRegistry(opts.HistoryCap),
		emitter:  newEventEmitter(opts.Publisher, logger, opts.Metrics),
		logger:   logger,
		metrics:  opts.Metrics,
		tracer:   tracer,
		factory:  opts.Factory,
		sessions: opts.Sessions,
		contexts: xsync.NewMapOf[string, task.SubagentContext](),
	}
}

// SpawnBash registers a bash task and schedules its execution. It always
// succeeds: even a command that cannot start produces a task whose
// failure is recorded by the execution goroutine. The spawned event is
// published before SpawnBash returns.
func (m *Manager) SpawnBash(ctx context.Context, req task.BashRequest) string {
	info := task.NewBashInfo(req.SessionID, req.Command, req.Workdir)

	ctx = id.WithIDs(ctx, id.IDs{SessionID: info.SessionID, TaskID: info.ID})
	_, span := m.tracer.StartSpan(ctx, observability.SpanSpawnBash,
		observability.TaskAttrs(info.ID, string(task.KindBash))...)
	defer span.End()

	rt := newRunningTask(info)
	m.registry.insert(rt)
	m.emitter.bashSpawned(info)
	m.metrics.RecordTaskSpawned(ctx, string(task.KindBash))
	m.logger.Info("spawned bash task %s for session %s", info.ID, info.SessionID)

	runCtx := id.WithIDs(context.Background(), id.IDs{SessionID: info.SessionID, TaskID: info.ID})
	async.GoTracked(&m.wg, m.logger, "bash-task-"+info.ID, func() {
		out := m.runBash(rt, req)
		m.finalize(runCtx, rt.info.ID, out)
	})
	return info.ID
}

// SpawnSubagent registers a subagent task and schedules its run. The
// session must have a registered SubagentContext and the manager a
// factory; both are checked before any bookkeeping happens, so a failed
// spawn leaves no trace. A child session log is created best-effort; when
// that fails the task still runs, it just has no transcript on disk.
func (m *Manager) SpawnSubagent(ctx context.Context, req task.SubagentRequest) (string, error) {
	ctx, span := m.tracer.StartSpan(ctx, observability.SpanSpawnSubagent,
		observability.SessionAttrs(req.SessionID)...)
	defer span.End()

	if m.factory == nil {
		return "", task.ErrNoSubagentFactory
	}
	sc, ok := m.contexts.Load(req.SessionID)
	if !ok {
		return "", task.NewSpawnError("Subagent context not registered")
	}

	client, err := m.factory.Create(sc.Agent, sc.Workspace)
	if err != nil {
		return "", task.NewSpawnError("%v", err)
	}

	info := task.NewSubagentInfo(req.SessionID, req.Prompt, req.Context)

	var sessionLog task.SessionLog
	if m.sessions != nil && sc.ParentSessionDir != "" {
		log, path, err := m.sessions.CreateChild(sc.ParentSessionDir, info.ID)
		if err != nil {
			m.logger.Warn("failed to create child session for task %s: %v", info.ID, err)
		} else {
			sessionLog = log
			info.SessionPath = path
		}
	}

	rt := newRunningTask(info)
	m.registry.insert(rt)
	m.emitter.subagentSpawned(info)
	m.metrics.RecordTaskSpawned(ctx, string(task.KindSubagent))
	m.logger.Info("spawned subagent task %s for session %s", info.ID, info.SessionID)

	runCtx := id.WithIDs(context.Background(), id.IDs{SessionID: info.SessionID, TaskID: info.ID})
	async.GoTracked(&m.wg, m.logger, "subagent-task-"+info.ID, func() {
		out := m.runSubagent(runCtx, rt, req, client, sessionLog)
		if sessionLog != nil {
			if err := sessionLog.Close(); err != nil {
				m.logger.Warn("failed to close session log for task %s: %v", rt.info.ID, err)
			}
		}
		m.finalize(runCtx, rt.info.ID, out)
	})
	return info.ID, nil
}

// ListTasks returns the session's running and recorded tasks, newest
// first.
func (m *Manager) ListTasks(sessionID string) []task.Info {
	return m.registry.tasksForSession(sessionID)
}

// GetTaskResult looks up a task's result. A still-running task yields a
// result whose status is running and whose output fields are empty. An
// empty sessionID skips the ownership filter; otherwise tasks owned by
// other sessions stay hidden.
func (m *Manager) GetTaskResult(sessionID, taskID string) (*task.Result, bool) {
	if sessionID == "" {
		if result, ok := m.registry.findResult(taskID); ok {
			return &result, true
		}
		if rt, ok := m.registry.load(taskID); ok {
			result := task.Result{Info: rt.info}
			return &result, true
		}
		return nil, false
	}

	if result, ok := m.registry.resultFor(sessionID, taskID); ok {
		return &result, true
	}
	if rt, ok := m.registry.load(taskID); ok && rt.info.SessionID == sessionID {
		result := task.Result{Info: rt.info}
		return &result, true
	}
	return nil, false
}

// CancelTask requests cancellation of a running task. The ownership check
// happens before any mutation: a caller naming a session that does not
// own the task gets false and the task is untouched. On success the
// caller of CancelTask performs the terminal bookkeeping itself rather
// than waiting for the execution goroutine to notice, so the cancelled
// result is observable as soon as CancelTask returns true.
//
// A cancel that races natural completion can lose the registry take; it
// then returns false because the task already finished.
func (m *Manager) CancelTask(ctx context.Context, sessionID, taskID string) bool {
	ctx, span := m.tracer.StartSpan(ctx, observability.SpanCancelTask,
		observability.TaskAttrs(taskID, "")...)
	defer span.End()

	rt, ok := m.registry.load(taskID)
	if !ok {
		return false
	}
	if sessionID != "" && rt.info.SessionID != sessionID {
		m.logger.Warn("session %s attempted to cancel task %s owned by session %s",
			sessionID, taskID, rt.info.SessionID)
		return false
	}

	taken, ok := m.registry.take(taskID)
	if !ok {
		// Lost the race against natural completion.
		return false
	}
	taken.signalCancel()

	info := taken.info
	info.MarkCancelled()
	result := task.Failure(info, cancelledMessage)
	m.registry.record(result)
	m.emitter.taskCompleted(result)
	m.metrics.RecordTaskFinished(ctx, string(info.Kind), string(info.Status), time.Since(info.StartedAt))
	m.logger.Info("cancelled task %s for session %s", taskID, info.SessionID)
	return true
}

// CleanupSession cancels every running task owned by the session and
// returns how many it cancelled. With clearHistory set it also drops the
// session's recorded results, including the ones the cancellations just
// produced.
func (m *Manager) CleanupSession(ctx context.Context, sessionID string, clearHistory bool) int {
	ctx, span := m.tracer.StartSpan(ctx, observability.SpanCleanupSession,
		observability.SessionAttrs(sessionID)...)
	defer span.End()

	cancelled := 0
	for _, info := range m.registry.runningForSession(sessionID) {
		if m.CancelTask(ctx, sessionID, info.ID) {
			cancelled++
		}
	}
	if clearHistory {
		m.registry.purgeHistory(sessionID)
	}
	if cancelled > 0 || clearHistory {
		m.logger.Info("cleaned up session %s: cancelled %d tasks, cleared history: %t",
			sessionID, cancelled, clearHistory)
	}
	return cancelled
}

// RunningCount returns the number of running tasks owned by the session.
func (m *Manager) RunningCount(sessionID string) int {
	return m.registry.runningCount(sessionID)
}

// TotalRunningCount returns the number of running tasks across all
// sessions.
func (m *Manager) TotalRunningCount() int {
	return m.registry.totalRunning()
}

// RegisterSubagentContext stores the per-session material subagent spawns
// need. Re-registering replaces the previous context.
func (m *Manager) RegisterSubagentContext(sessionID string, sc task.SubagentContext) {
	m.contexts.Store(sessionID, sc)
	m.logger.Debug("registered subagent context for session %s", sessionID)
}

// UnregisterSubagentContext removes a session's subagent context.
// Already-running subagents keep their client and are unaffected.
func (m *Manager) UnregisterSubagentContext(sessionID string) {
	m.contexts.Delete(sessionID)
	m.logger.Debug("unregistered subagent context for session %s", sessionID)
}

// Shutdown cancels all running tasks and waits for their goroutines to
// drain, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, info := range m.registry.allRunning() {
		m.CancelTask(ctx, "", info.ID)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finalize turns an execution outcome into the recorded terminal state.
// The registry take arbitrates against CancelTask; losing it means the
// task was already finalized by the canceller and the outcome is
// discarded.
func (m *Manager) finalize(ctx context.Context, taskID string, out outcome) {
	taken, ok := m.registry.take(taskID)
	if !ok {
		m.logger.Debug("task %s already finalized, dropping %s outcome", taskID, out.status)
		return
	}

	info := taken.info
	switch out.status {
	case task.StatusCompleted:
		info.MarkCompleted()
	case task.StatusCancelled:
		info.MarkCancelled()
	default:
		info.MarkFailed()
	}

	result := task.Result{Info: info, Output: out.output, Error: out.errText, ExitCode: out.exitCode}
	m.registry.record(result)

	switch info.Kind {
	case task.KindBash:
		switch info.Status {
		case task.StatusCompleted:
			exitCode := 0
			if out.exitCode != nil {
				exitCode = *out.exitCode
			}
			m.emitter.bashCompleted(info, out.output, exitCode)
		case task.StatusFailed:
			m.emitter.bashFailed(info, out.errText, out.exitCode)
		}
	case task.KindSubagent:
		switch info.Status {
		case task.StatusCompleted:
			m.emitter.subagentCompleted(info, out.output)
		case task.StatusFailed:
			m.emitter.subagentFailed(info, out.errText)
		}
	}
	// Cancellation deliberately skips the kind-specific event; the
	// unified one below is the only signal.
	m.emitter.taskCompleted(result)

	duration := info.CompletedAt.Sub(info.StartedAt)
	m.metrics.RecordTaskFinished(ctx, string(info.Kind), string(info.Status), duration)
	m.logger.Info("task %s finished with status %s after %s", taskID, info.Status, duration.Round(time.Millisecond))
}
