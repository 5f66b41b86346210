package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayQueue_PopsInDueOrder(t *testing.T) {
	q := newDelayQueue()
	now := time.Now()

	q.Push(task{eventID: "e", subscriptionID: "late", attempt: 1, dueAt: now.Add(-time.Millisecond)})
	q.Push(task{eventID: "e", subscriptionID: "early", attempt: 1, dueAt: now.Add(-time.Second)})

	first, ok := q.Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, "early", first.subscriptionID)

	second, ok := q.Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, "late", second.subscriptionID)
	assert.Zero(t, q.Len())
}

func TestDelayQueue_DeduplicatesAttempts(t *testing.T) {
	q := newDelayQueue()
	item := task{eventID: "e", subscriptionID: "s", attempt: 2, dueAt: time.Now()}

	assert.True(t, q.Push(item))
	assert.False(t, q.Push(item))
	assert.Equal(t, 1, q.Len())

	_, ok := q.Pop(context.Background())
	require.True(t, ok)
	assert.True(t, q.Push(item), "a popped attempt may be queued again")
}

func TestDelayQueue_WaitsUntilDue(t *testing.T) {
	q := newDelayQueue()
	start := time.Now()
	q.Push(task{eventID: "e", subscriptionID: "s", attempt: 1, dueAt: start.Add(30 * time.Millisecond)})

	_, ok := q.Pop(context.Background())
	require.True(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestDelayQueue_WakesForEarlierTask(t *testing.T) {
	q := newDelayQueue()
	q.Push(task{eventID: "e", subscriptionID: "later", attempt: 1, dueAt: time.Now().Add(time.Hour)})

	got := make(chan task, 1)
	go func() {
		item, _ := q.Pop(context.Background())
		got <- item
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(task{eventID: "e", subscriptionID: "now", attempt: 1, dueAt: time.Now()})

	select {
	case item := <-got:
		assert.Equal(t, "now", item.subscriptionID)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake for the earlier task")
	}
}

func TestDelayQueue_PopStopsOnCancel(t *testing.T) {
	q := newDelayQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := q.Pop(ctx)
	assert.False(t, ok)
}
