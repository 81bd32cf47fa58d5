package background

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drover/internal/task"
)

// scriptedTurn is one SendMessage exchange of a scriptedClient. A stalled
// turn emits its chunks and then hangs until the stream context dies,
// which is how tests pin a run mid-stream.
type scriptedTurn struct {
	chunks  []task.StreamChunk
	sendErr error
	stall   bool
}

type scriptedClient struct {
	mu       sync.Mutex
	turns    []scriptedTurn
	messages []string
	started  chan struct{}
	once     sync.Once
}

func newScriptedClient(turns ...scriptedTurn) *scriptedClient {
	return &scriptedClient{turns: turns, started: make(chan struct{})}
}

func (c *scriptedClient) SendMessage(ctx context.Context, text string) (<-chan task.StreamChunk, error) {
	c.once.Do(func() { close(c.started) })

	c.mu.Lock()
	c.messages = append(c.messages, text)
	idx := len(c.messages) - 1
	c.mu.Unlock()

	if idx >= len(c.turns) {
		return nil, fmt.Errorf("unscripted turn %d", idx+1)
	}
	turn := c.turns[idx]
	if turn.sendErr != nil {
		return nil, turn.sendErr
	}

	ch := make(chan task.StreamChunk)
	go func() {
		defer close(ch)
		for _, chunk := range turn.chunks {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if turn.stall {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (c *scriptedClient) sentMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.messages))
	copy(out, c.messages)
	return out
}

// textTurn builds a turn that streams text and optionally flags tool
// activity before finishing.
func textTurn(text string, toolCall bool) scriptedTurn {
	return scriptedTurn{chunks: []task.StreamChunk{
		{Delta: text, ToolCall: toolCall},
		{Done: true},
	}}
}

type fakeSessionLog struct {
	mu        sync.Mutex
	events    []task.LogEvent
	path      string
	closed    bool
	appendErr error
}

func (l *fakeSessionLog) Append(event task.LogEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.appendErr != nil {
		return l.appendErr
	}
	l.events = append(l.events, event)
	return nil
}

func (l *fakeSessionLog) Path() string { return l.path }

func (l *fakeSessionLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeSessionLog) recorded() []task.LogEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]task.LogEvent, len(l.events))
	copy(out, l.events)
	return out
}

func (l *fakeSessionLog) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeSessionStore struct {
	log *fakeSessionLog
	err error
}

func (s *fakeSessionStore) CreateChild(parentDir, taskID string) (task.SessionLog, string, error) {
	if s.err != nil {
		return nil, "", s.err
	}
	path := filepath.Join(parentDir, "subagents", taskID+".jsonl")
	s.log.path = path
	return s.log, path, nil
}

func factoryFor(client task.AgentClient) task.SubagentFactory {
	return task.SubagentFactoryFunc(func(task.AgentConfig, string) (task.AgentClient, error) {
		return client, nil
	})
}

func registerTestContext(m *Manager, sessionID string) {
	m.RegisterSubagentContext(sessionID, task.SubagentContext{
		Agent:     task.AgentConfig{Model: "test-model"},
		Workspace: "/workspace",
	})
}

func TestSpawnSubagentWithoutFactory(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	registerTestContext(m, "session-1")

	_, err := m.SpawnSubagent(context.Background(), task.SubagentRequest{SessionID: "session-1", Prompt: "do it"})
	assert.ErrorIs(t, err, task.ErrNoSubagentFactory)
}

func TestSpawnSubagentWithoutRegisteredContext(t *testing.T) {
	client := newScriptedClient(textTurn("hi", false))
	m, _ := newTestManager(t, Options{Factory: factoryFor(client)})

	_, err := m.SpawnSubagent(context.Background(), task.SubagentRequest{SessionID: "session-1", Prompt: "do it"})
	require.Error(t, err)
	assert.True(t, task.IsSpawnError(err))
	assert.Contains(t, err.Error(), "Subagent context not registered")

	// A failed spawn leaves no trace.
	assert.Empty(t, m.ListTasks("session-1"))
	assert.Equal(t, 0, m.TotalRunningCount())
}

func TestSpawnSubagentFactoryError(t *testing.T) {
	factory := task.SubagentFactoryFunc(func(task.AgentConfig, string) (task.AgentClient, error) {
		return nil, errors.New("model unavailable")
	})
	m, _ := newTestManager(t, Options{Factory: factory})
	registerTestContext(m, "session-1")

	_, err := m.SpawnSubagent(context.Background(), task.SubagentRequest{SessionID: "session-1", Prompt: "do it"})
	require.Error(t, err)
	assert.True(t, task.IsSpawnError(err))
	assert.Contains(t, err.Error(), "model unavailable")
}

func TestSubagentSingleTurn(t *testing.T) {
	client := newScriptedClient(scriptedTurn{chunks: []task.StreamChunk{
		{Delta: "Hello "},
		{Delta: "world"},
		{Done: true},
	}})
	m, _ := newTestManager(t, Options{Factory: factoryFor(client)})
	registerTestContext(m, "session-1")

	taskID, err := m.SpawnSubagent(context.Background(), task.SubagentRequest{SessionID: "session-1", Prompt: "greet"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(taskID, "task-"))

	result := waitForResult(t, m, "session-1", taskID)
	assert.Equal(t, task.StatusCompleted, result.Info.Status)
	assert.Equal(t, "Hello world", result.Output)
	assert.Equal(t, task.KindSubagent, result.Info.Kind)

	messages := client.sentMessages()
	require.Len(t, messages, 1)
	assert.Equal(t, "greet", messages[0])
}

func TestSubagentFirstTurnCarriesContext(t *testing.T) {
	client := newScriptedClient(
		textTurn("step one", true),
		textTurn("done", false),
	)
	m, _ := newTestManager(t, Options{Factory: factoryFor(client)})
	registerTestContext(m, "session-1")

	taskID, err := m.SpawnSubagent(context.Background(), task.SubagentRequest{
		SessionID: "session-1",
		Prompt:    "fix the tests",
		Context:   "You are in repo X.",
	})
	require.NoError(t, err)

	result := waitForResult(t, m, "session-1", taskID)
	assert.Equal(t, task.StatusCompleted, result.Info.Status)
	assert.Equal(t, "step one\ndone", result.Output)

	messages := client.sentMessages()
	require.Len(t, messages, 2)
	assert.Equal(t, "You are in repo X.\n\nfix the tests", messages[0])
	assert.Equal(t, "Continue with the task.", messages[1])
}

func TestSubagentStopsAtMaxTurns(t *testing.T) {
	client := newScriptedClient(
		textTurn("a", true),
		textTurn("b", true),
		textTurn("c", true),
		textTurn("d", true),
		textTurn("e", true),
	)
	m, _ := newTestManager(t, Options{Factory: factoryFor(client), SubagentMaxTurns: 3})
	registerTestContext(m, "session-1")

	taskID, err := m.SpawnSubagent(context.Background(), task.SubagentRequest{SessionID: "session-1", Prompt: "loop"})
	require.NoError(t, err)

	result := waitForResult(t, m, "session-1", taskID)
	assert.Equal(t, task.StatusCompleted, result.Info.Status)
	assert.Equal(t, "a\nb\nc", result.Output)
	assert.Len(t, client.sentMessages(), 3)
}

func TestSubagentOutputCeilingTruncates(t *testing.T) {
	chunk := strings.Repeat("x", 40)
	client := newScriptedClient(
		textTurn(chunk, true),
		textTurn(chunk, true),
		textTurn(chunk, true),
	)
	m, _ := newTestManager(t, Options{Factory: factoryFor(client), SubagentOutputLimit: 60})
	registerTestContext(m, "session-1")

	taskID, err := m.SpawnSubagent(context.Background(), task.SubagentRequest{SessionID: "session-1", Prompt: "flood"})
	require.NoError(t, err)

	result := waitForResult(t, m, "session-1", taskID)
	assert.Equal(t, task.StatusCompleted, result.Info.Status)
	assert.True(t, strings.HasSuffix(result.Output, "[Output truncated due to size limit]"), "got %q", result.Output)
	// Two turns push past 60 bytes; the third never runs.
	assert.Len(t, client.sentMessages(), 2)
}

func TestSubagentSendErrorFailsTask(t *testing.T) {
	client := newScriptedClient(scriptedTurn{sendErr: errors.New("connection reset")})
	m, _ := newTestManager(t, Options{Factory: factoryFor(client)})
	registerTestContext(m, "session-1")

	taskID, err := m.SpawnSubagent(context.Background(), task.SubagentRequest{SessionID: "session-1", Prompt: "go"})
	require.NoError(t, err)

	result := waitForResult(t, m, "session-1", taskID)
	assert.Equal(t, task.StatusFailed, result.Info.Status)
	assert.Contains(t, result.Error, "Exec error")
	assert.Contains(t, result.Error, "connection reset")
}

func TestSubagentStreamErrorFailsTask(t *testing.T) {
	client := newScriptedClient(scriptedTurn{chunks: []task.StreamChunk{
		{Delta: "partial"},
		{Err: errors.New("stream torn down")},
	}})
	m, _ := newTestManager(t, Options{Factory: factoryFor(client)})
	registerTestContext(m, "session-1")

	taskID, err := m.SpawnSubagent(context.Background(), task.SubagentRequest{SessionID: "session-1", Prompt: "go"})
	require.NoError(t, err)

	result := waitForResult(t, m, "session-1", taskID)
	assert.Equal(t, task.StatusFailed, result.Info.Status)
	assert.Contains(t, result.Error, "stream torn down")
}

func TestSubagentCancelMidStream(t *testing.T) {
	client := newScriptedClient(scriptedTurn{
		chunks: []task.StreamChunk{{Delta: "working...", ToolCall: true}},
		stall:  true,
	})
	m, _ := newTestManager(t, Options{Factory: factoryFor(client)})
	registerTestContext(m, "session-1")
	ctx := context.Background()

	taskID, err := m.SpawnSubagent(ctx, task.SubagentRequest{SessionID: "session-1", Prompt: "hang"})
	require.NoError(t, err)

	select {
	case <-client.started:
	case <-time.After(5 * time.Second):
		t.Fatal("subagent never started streaming")
	}

	require.True(t, m.CancelTask(ctx, "session-1", taskID))

	result, ok := m.GetTaskResult("session-1", taskID)
	require.True(t, ok)
	assert.Equal(t, task.StatusCancelled, result.Info.Status)
	assert.Equal(t, "Task cancelled", result.Error)
	assert.Equal(t, 0, m.RunningCount("session-1"))
}

func TestSubagentWritesSessionLog(t *testing.T) {
	log := &fakeSessionLog{}
	store := &fakeSessionStore{log: log}
	client := newScriptedClient(
		textTurn("first", true),
		textTurn("second", false),
	)
	m, _ := newTestManager(t, Options{Factory: factoryFor(client), Sessions: store})
	m.RegisterSubagentContext("session-1", task.SubagentContext{
		Agent:            task.AgentConfig{Model: "test-model"},
		Workspace:        "/workspace",
		ParentSessionDir: "/sessions/session-1",
	})

	taskID, err := m.SpawnSubagent(context.Background(), task.SubagentRequest{SessionID: "session-1", Prompt: "work"})
	require.NoError(t, err)

	result := waitForResult(t, m, "session-1", taskID)
	assert.Equal(t, task.StatusCompleted, result.Info.Status)
	assert.Equal(t, filepath.Join("/sessions/session-1", "subagents", taskID+".jsonl"), result.Info.SessionPath)

	require.Eventually(t, log.isClosed, 5*time.Second, 10*time.Millisecond)

	events := log.recorded()
	require.Len(t, events, 4)
	assert.Equal(t, "user", events[0].Role)
	assert.Equal(t, "work", events[0].Content)
	assert.Equal(t, "assistant", events[1].Role)
	assert.Equal(t, "first", events[1].Content)
	assert.Equal(t, "user", events[2].Role)
	assert.Equal(t, "Continue with the task.", events[2].Content)
	assert.Equal(t, "assistant", events[3].Role)
	assert.Equal(t, "second", events[3].Content)
}

func TestSubagentRunsWithoutParentSessionDir(t *testing.T) {
	store := &fakeSessionStore{log: &fakeSessionLog{}}
	client := newScriptedClient(textTurn("ok", false))
	m, _ := newTestManager(t, Options{Factory: factoryFor(client), Sessions: store})
	registerTestContext(m, "session-1")

	taskID, err := m.SpawnSubagent(context.Background(), task.SubagentRequest{SessionID: "session-1", Prompt: "go"})
	require.NoError(t, err)

	result := waitForResult(t, m, "session-1", taskID)
	assert.Equal(t, task.StatusCompleted, result.Info.Status)
	assert.Empty(t, result.Info.SessionPath)
	assert.Empty(t, store.log.recorded())
}

func TestSubagentSessionStoreFailureDoesNotAbort(t *testing.T) {
	store := &fakeSessionStore{err: errors.New("disk full")}
	client := newScriptedClient(textTurn("ok", false))
	m, _ := newTestManager(t, Options{Factory: factoryFor(client), Sessions: store})
	m.RegisterSubagentContext("session-1", task.SubagentContext{
		Agent:            task.AgentConfig{Model: "test-model"},
		Workspace:        "/workspace",
		ParentSessionDir: "/sessions/session-1",
	})

	taskID, err := m.SpawnSubagent(context.Background(), task.SubagentRequest{SessionID: "session-1", Prompt: "go"})
	require.NoError(t, err)

	result := waitForResult(t, m, "session-1", taskID)
	assert.Equal(t, task.StatusCompleted, result.Info.Status)
	assert.Equal(t, "ok", result.Output)
	assert.Empty(t, result.Info.SessionPath)
}

func TestSubagentLogAppendFailureDoesNotAbort(t *testing.T) {
	log := &fakeSessionLog{appendErr: errors.New("write failed")}
	store := &fakeSessionStore{log: log}
	client := newScriptedClient(textTurn("ok", false))
	m, _ := newTestManager(t, Options{Factory: factoryFor(client), Sessions: store})
	m.RegisterSubagentContext("session-1", task.SubagentContext{
		Agent:            task.AgentConfig{Model: "test-model"},
		Workspace:        "/workspace",
		ParentSessionDir: "/sessions/session-1",
	})

	taskID, err := m.SpawnSubagent(context.Background(), task.SubagentRequest{SessionID: "session-1", Prompt: "go"})
	require.NoError(t, err)

	result := waitForResult(t, m, "session-1", taskID)
	assert.Equal(t, task.StatusCompleted, result.Info.Status)
	assert.Equal(t, "ok", result.Output)
}

func TestSubagentLifecycleEvents(t *testing.T) {
	client := newScriptedClient(textTurn("all done", false))
	m, b := newTestManager(t, Options{Factory: factoryFor(client)})
	registerTestContext(m, "session-1")

	sub := b.Subscribe("subagent")
	unifiedSub := b.Subscribe(TopicTaskCompleted)
	defer b.Unsubscribe(sub)
	defer b.Unsubscribe(unifiedSub)

	longPrompt := strings.Repeat("p", 200)
	taskID, err := m.SpawnSubagent(context.Background(), task.SubagentRequest{SessionID: "session-1", Prompt: longPrompt})
	require.NoError(t, err)
	waitForResult(t, m, "session-1", taskID)

	events := collectEvents(t, sub, 2)
	assert.Equal(t, TopicSubagentSpawned, events[0].Topic)
	spawned := events[0].Payload.(SubagentSpawnedEvent)
	assert.Equal(t, taskID, spawned.TaskID)
	assert.Equal(t, SessionLink(taskID), spawned.SessionLink)
	assert.Len(t, spawned.Prompt, 100)

	assert.Equal(t, TopicSubagentCompleted, events[1].Topic)
	completed := events[1].Payload.(SubagentCompletedEvent)
	assert.Equal(t, "all done", completed.Summary)

	unified := collectEvents(t, unifiedSub, 1)
	payload := unified[0].Payload.(TaskCompletedEvent)
	assert.Equal(t, task.KindSubagent, payload.Kind)
	assert.Equal(t, "all done", payload.Summary)
}

func TestUnregisterSubagentContextBlocksNewSpawns(t *testing.T) {
	client := newScriptedClient(textTurn("ok", false))
	m, _ := newTestManager(t, Options{Factory: factoryFor(client)})
	registerTestContext(m, "session-1")

	taskID, err := m.SpawnSubagent(context.Background(), task.SubagentRequest{SessionID: "session-1", Prompt: "go"})
	require.NoError(t, err)
	waitForResult(t, m, "session-1", taskID)

	m.UnregisterSubagentContext("session-1")
	_, err = m.SpawnSubagent(context.Background(), task.SubagentRequest{SessionID: "session-1", Prompt: "again"})
	require.Error(t, err)
	assert.True(t, task.IsSpawnError(err))
}
