package background

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drover/internal/task"
)

func TestRegistryInsertAndTake(t *testing.T) {
	r := newRegistry(DefaultHistoryCap)
	rt := newRunningTask(task.NewBashInfo("session-1", "echo hi", ""))
	r.insert(rt)

	taken, ok := r.take(rt.info.ID)
	require.True(t, ok)
	assert.Equal(t, rt.info.ID, taken.info.ID)

	_, ok = r.take(rt.info.ID)
	assert.False(t, ok, "second take must miss")
}

func TestRegistryTakeIsExclusive(t *testing.T) {
	r := newRegistry(DefaultHistoryCap)
	rt := newRunningTask(task.NewBashInfo("session-1", "sleep 1", ""))
	r.insert(rt)

	const takers = 20
	var wg sync.WaitGroup
	wins := make(chan struct{}, takers)
	for i := 0; i < takers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.take(rt.info.ID); ok {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	assert.Equal(t, 1, won, "exactly one taker may win")
}

func TestRegistrySignalCancelIsIdempotent(t *testing.T) {
	rt := newRunningTask(task.NewBashInfo("session-1", "sleep 1", ""))

	rt.signalCancel()
	rt.signalCancel()

	select {
	case <-rt.cancelled():
	default:
		t.Fatal("cancel channel should be closed")
	}
}

func TestRegistryHistoryEvictsOldest(t *testing.T) {
	r := newRegistry(3)

	var ids []string
	for i := 0; i < 5; i++ {
		info := task.NewBashInfo("session-1", fmt.Sprintf("echo %d", i), "")
		info.MarkCompleted()
		r.record(task.Success(info, fmt.Sprintf("out-%d", i)))
		ids = append(ids, info.ID)
	}

	results := r.historyForSession("session-1")
	require.Len(t, results, 3)

	// Oldest first within the surviving tail.
	assert.Equal(t, ids[2], results[0].Info.ID)
	assert.Equal(t, ids[3], results[1].Info.ID)
	assert.Equal(t, ids[4], results[2].Info.ID)

	_, ok := r.resultFor("session-1", ids[0])
	assert.False(t, ok, "evicted result should be gone")
	_, ok = r.resultFor("session-1", ids[4])
	assert.True(t, ok)
}

func TestRegistryHistoryIsolatesSessions(t *testing.T) {
	r := newRegistry(DefaultHistoryCap)

	infoA := task.NewBashInfo("session-a", "echo a", "")
	infoA.MarkCompleted()
	r.record(task.Success(infoA, "a"))

	infoB := task.NewBashInfo("session-b", "echo b", "")
	infoB.MarkCompleted()
	r.record(task.Success(infoB, "b"))

	_, ok := r.resultFor("session-a", infoB.ID)
	assert.False(t, ok, "session a must not see session b's result")

	result, ok := r.resultFor("session-b", infoB.ID)
	require.True(t, ok)
	assert.Equal(t, "b", result.Output)

	assert.Len(t, r.historyForSession("session-a"), 1)
	assert.Len(t, r.historyForSession("session-b"), 1)
}

func TestRegistryFindResultSearchesAllSessions(t *testing.T) {
	r := newRegistry(DefaultHistoryCap)

	info := task.NewBashInfo("session-a", "echo a", "")
	info.MarkCompleted()
	r.record(task.Success(info, "a"))

	result, ok := r.findResult(info.ID)
	require.True(t, ok)
	assert.Equal(t, "session-a", result.Info.SessionID)

	_, ok = r.findResult("task-missing")
	assert.False(t, ok)
}

func TestRegistryPurgeHistory(t *testing.T) {
	r := newRegistry(DefaultHistoryCap)
	info := task.NewBashInfo("session-1", "echo hi", "")
	info.MarkCompleted()
	r.record(task.Success(info, "hi"))

	r.purgeHistory("session-1")
	assert.Empty(t, r.historyForSession("session-1"))

	// Purging an unknown session is a no-op.
	r.purgeHistory("session-unknown")
}

func TestRegistryCounts(t *testing.T) {
	r := newRegistry(DefaultHistoryCap)
	for i := 0; i < 3; i++ {
		r.insert(newRunningTask(task.NewBashInfo("session-a", "sleep 1", "")))
	}
	r.insert(newRunningTask(task.NewBashInfo("session-b", "sleep 1", "")))

	assert.Equal(t, 3, r.runningCount("session-a"))
	assert.Equal(t, 1, r.runningCount("session-b"))
	assert.Equal(t, 0, r.runningCount("session-c"))
	assert.Equal(t, 4, r.totalRunning())
	assert.Len(t, r.allRunning(), 4)
}

func TestRegistryTasksForSessionNewestFirst(t *testing.T) {
	r := newRegistry(DefaultHistoryCap)
	base := time.Now().UTC()

	oldest := task.NewBashInfo("session-1", "echo 0", "")
	oldest.StartedAt = base.Add(-3 * time.Second)
	oldest.MarkCompleted()
	r.record(task.Success(oldest, "0"))

	middle := task.NewBashInfo("session-1", "echo 1", "")
	middle.StartedAt = base.Add(-2 * time.Second)
	middle.MarkCompleted()
	r.record(task.Success(middle, "1"))

	newest := task.NewBashInfo("session-1", "sleep 5", "")
	newest.StartedAt = base.Add(-1 * time.Second)
	r.insert(newRunningTask(newest))

	infos := r.tasksForSession("session-1")
	require.Len(t, infos, 3)
	assert.Equal(t, newest.ID, infos[0].ID)
	assert.Equal(t, middle.ID, infos[1].ID)
	assert.Equal(t, oldest.ID, infos[2].ID)

	assert.Empty(t, r.tasksForSession("session-other"))
}
