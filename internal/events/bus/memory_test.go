package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
)

func collect(t *testing.T, b *MemoryEventBus, subject string) (*sync.Mutex, *[]*Event) {
	t.Helper()
	var mu sync.Mutex
	var got []*Event
	_, err := b.Subscribe(subject, func(ctx context.Context, e *Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return &mu, &got
}

func TestPublishExactSubject(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	mu, got := collect(t, b, "agent.lifecycle.idle")

	require.NoError(t, b.Publish(context.Background(), "agent.lifecycle.idle",
		NewEvent("agent.idle", "supervisor", map[string]any{"agent_id": "a1"})))
	require.NoError(t, b.Publish(context.Background(), "agent.lifecycle.error", NewEvent("agent.error", "supervisor", nil)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "agent.idle", (*got)[0].Type)
	assert.Equal(t, "a1", (*got)[0].Data["agent_id"])
}

func TestWildcardMatching(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	starMu, starGot := collect(t, b, "agent.lifecycle.*")
	deepMu, deepGot := collect(t, b, "agent.>")

	require.NoError(t, b.Publish(context.Background(), "agent.lifecycle.idle", NewEvent("e1", "t", nil)))
	require.NoError(t, b.Publish(context.Background(), "agent.usage.updated", NewEvent("e2", "t", nil)))
	require.NoError(t, b.Publish(context.Background(), "task.completed", NewEvent("e3", "t", nil)))

	require.Eventually(t, func() bool {
		starMu.Lock()
		deepMu.Lock()
		defer starMu.Unlock()
		defer deepMu.Unlock()
		return len(*starGot) == 1 && len(*deepGot) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	var count int
	sub, err := b.Subscribe("task.completed", func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "task.completed", NewEvent("e", "t", nil)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "task.completed", NewEvent("e", "t", nil)))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "x", NewEvent("e", "t", nil)))
	_, err := b.Subscribe("x", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}
