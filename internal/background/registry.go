package background

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"drover/internal/task"
)

// runningTask pairs a task record with its cancellation signal. The info
// snapshot is immutable once inserted; terminal bookkeeping happens on the
// copy held by whichever goroutine wins the take.
type runningTask struct {
	info       task.Info
	cancelCh   chan struct{}
	cancelOnce sync.Once
}

func newRunningTask(info task.Info) *runningTask {
	return &runningTask{info: info, cancelCh: make(chan struct{})}
}

// signalCancel closes the cancel channel. Safe to call repeatedly.
func (rt *runningTask) signalCancel() {
	rt.cancelOnce.Do(func() { close(rt.cancelCh) })
}

// cancelled returns the channel closed when cancellation is requested.
func (rt *runningTask) cancelled() <-chan struct{} {
	return rt.cancelCh
}

// registry tracks running tasks and per-session result history.
//
// Running tasks live in a concurrent map keyed by task ID. Removal goes
// through take, a load-and-delete: when completion and cancellation race,
// exactly one caller gets the entry and with it the right to record the
// terminal result. The loser must treat a missed take as "someone else
// already finished this" and do nothing.
//
// History is an LRU cache per session used add-only, which makes it a
// fixed-capacity FIFO: once a session holds historyCap results, recording
// another evicts the oldest. Reads use Peek and Values so recency never
// reorders entries.
type registry struct {
	running    *xsync.MapOf[string, *runningTask]
	history    *xsync.MapOf[string, *lru.Cache[string, task.Result]]
	historyCap int
}

func newRegistry(historyCap int) *registry {
	return &registry{
		running:    xsync.NewMapOf[string, *runningTask](),
		history:    xsync.NewMapOf[string, *lru.Cache[string, task.Result]](),
		historyCap: historyCap,
	}
}

// insert registers a running task. The task ID is freshly generated, so
// collisions do not happen.
func (r *registry) insert(rt *runningTask) {
	r.running.Store(rt.info.ID, rt)
}

// take atomically removes and returns the running entry. At most one
// caller succeeds per task.
func (r *registry) take(taskID string) (*runningTask, bool) {
	return r.running.LoadAndDelete(taskID)
}

// load returns the running entry without removing it.
func (r *registry) load(taskID string) (*runningTask, bool) {
	return r.running.Load(taskID)
}

// runningForSession snapshots the running tasks owned by a session.
func (r *registry) runningForSession(sessionID string) []task.Info {
	var infos []task.Info
	r.running.Range(func(_ string, rt *runningTask) bool {
		if rt.info.SessionID == sessionID {
			infos = append(infos, rt.info)
		}
		return true
	})
	return infos
}

// allRunning snapshots every running task across sessions.
func (r *registry) allRunning() []task.Info {
	var infos []task.Info
	r.running.Range(func(_ string, rt *runningTask) bool {
		infos = append(infos, rt.info)
		return true
	})
	return infos
}

// runningCount counts the running tasks owned by a session.
func (r *registry) runningCount(sessionID string) int {
	count := 0
	r.running.Range(func(_ string, rt *runningTask) bool {
		if rt.info.SessionID == sessionID {
			count++
		}
		return true
	})
	return count
}

// totalRunning counts running tasks across all sessions.
func (r *registry) totalRunning() int {
	return r.running.Size()
}

// record appends a terminal result to the owning session's history,
// evicting the oldest entry once the session is at capacity.
func (r *registry) record(result task.Result) {
	cache, _ := r.history.LoadOrCompute(result.Info.SessionID, func() *lru.Cache[string, task.Result] {
		c, err := lru.New[string, task.Result](r.historyCap)
		if err != nil {
			// Only reachable with a non-positive capacity, which the
			// manager validates at construction.
			panic(err)
		}
		return c
	})
	cache.Add(result.Info.ID, result)
}

// resultFor looks up a recorded result. Running tasks have no result yet.
func (r *registry) resultFor(sessionID, taskID string) (task.Result, bool) {
	cache, ok := r.history.Load(sessionID)
	if !ok {
		return task.Result{}, false
	}
	return cache.Peek(taskID)
}

// findResult searches every session's history for a task. Only needed by
// unfiltered lookups; session-scoped reads use resultFor.
func (r *registry) findResult(taskID string) (task.Result, bool) {
	var (
		found  task.Result
		exists bool
	)
	r.history.Range(func(_ string, cache *lru.Cache[string, task.Result]) bool {
		if result, ok := cache.Peek(taskID); ok {
			found = result
			exists = true
			return false
		}
		return true
	})
	return found, exists
}

// historyForSession snapshots a session's recorded results.
func (r *registry) historyForSession(sessionID string) []task.Result {
	cache, ok := r.history.Load(sessionID)
	if !ok {
		return nil
	}
	return cache.Values()
}

// purgeHistory drops all recorded results for a session.
func (r *registry) purgeHistory(sessionID string) {
	if cache, ok := r.history.LoadAndDelete(sessionID); ok {
		cache.Purge()
	}
}

// tasksForSession merges running and recorded tasks for a session, newest
// first. Ties break on task ID so the order is stable.
func (r *registry) tasksForSession(sessionID string) []task.Info {
	infos := r.runningForSession(sessionID)
	for _, result := range r.historyForSession(sessionID) {
		infos = append(infos, result.Info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID > infos[j].ID
		}
		return infos[i].StartedAt.After(infos[j].StartedAt)
	})
	return infos
}
