package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *captureLogger) logf(level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+": "+fmt.Sprintf(format, args...))
}

func (l *captureLogger) Debug(format string, args ...interface{}) { l.logf("debug", format, args...) }
func (l *captureLogger) Info(format string, args ...interface{})  { l.logf("info", format, args...) }
func (l *captureLogger) Warn(format string, args ...interface{})  { l.logf("warn", format, args...) }
func (l *captureLogger) Error(format string, args ...interface{}) { l.logf("error", format, args...) }

func (l *captureLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

func TestPublishSubscribe(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("bash_task_")
	defer b.Unsubscribe(sub)

	b.Publish("bash_task_completed", map[string]string{"id": "task-1"})

	select {
	case ev := <-sub.Ch():
		assert.Equal(t, "bash_task_completed", ev.Topic)
		assert.Equal(t, map[string]string{"id": "task-1"}, ev.Payload)
		assert.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPrefixMatching(t *testing.T) {
	b := New(nil)
	bashSub := b.Subscribe("bash_task_")
	allSub := b.Subscribe("")
	defer b.Unsubscribe(bashSub)
	defer b.Unsubscribe(allSub)

	b.Publish("subagent_spawned", nil)
	b.Publish("bash_task_spawned", nil)

	// The prefixed subscriber only sees the bash event.
	select {
	case ev := <-bashSub.Ch():
		assert.Equal(t, "bash_task_spawned", ev.Topic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bash event")
	}
	select {
	case ev := <-bashSub.Ch():
		t.Fatalf("unexpected extra event %q", ev.Topic)
	default:
	}

	// The catch-all subscriber sees both, in order.
	first := <-allSub.Ch()
	second := <-allSub.Ch()
	assert.Equal(t, "subagent_spawned", first.Topic)
	assert.Equal(t, "bash_task_spawned", second.Topic)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("bash_task_")
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub.Ch()
	assert.False(t, open, "channel should be closed after unsubscribe")

	// A second unsubscribe of the same subscription is harmless.
	b.Unsubscribe(sub)
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	logger := &captureLogger{}
	b := New(logger)

	done := make(chan struct{})
	go func() {
		b.Publish("bash_task_completed", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
	assert.Contains(t, logger.snapshot(), "debug: no subscribers for bash_task_completed event")
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	logger := &captureLogger{}
	b := New(logger)
	sub := b.Subscribe("bash_task_")
	defer b.Unsubscribe(sub)

	// Fill the buffer without draining, then publish one more.
	for i := 0; i < defaultBufferSize; i++ {
		b.Publish("bash_task_spawned", i)
	}
	b.Publish("bash_task_spawned", "overflow")

	assert.Len(t, sub.Ch(), defaultBufferSize)
	assert.Contains(t, logger.snapshot(), "warn: dropping bash_task_spawned event for slow subscriber")
}

func TestConcurrentPublish(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("")

	const publishers = 10
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b.Publish("bash_task_spawned", n)
		}(i)
	}
	wg.Wait()

	received := 0
	for len(sub.Ch()) > 0 {
		<-sub.Ch()
		received++
	}
	assert.Equal(t, publishers, received)
	b.Unsubscribe(sub)
}
