package action

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_PriorityOrder(t *testing.T) {
	t.Parallel()
	q := NewQueue()

	for _, p := range []int64{5, 2, 9, 1, 7} {
		q.Push(New(p, TypeUpdate, p))
	}
	q.Push(New(0, TypeShutdown, nil))

	var got []int64
	for q.Len() > 0 {
		got = append(got, q.TryPop().Priority())
	}
	assert.Equal(t, []int64{0, 1, 2, 5, 7, 9}, got)
}

func TestQueue_StableForEqualPriority(t *testing.T) {
	t.Parallel()
	q := NewQueue()

	for i := range 50 {
		q.Push(New(1, TypeCreate, i))
	}

	for i := range 50 {
		a := q.TryPop()
		require.NotNil(t, a)
		assert.Equal(t, i, a.Payload(), "equal priorities must dequeue in enqueue order")
	}
	assert.Nil(t, q.TryPop())
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	t.Parallel()
	q := NewQueue()

	got := make(chan *Action, 1)
	go func() {
		a, err := q.Pop(context.Background())
		if err == nil {
			got <- a
		}
	}()

	select {
	case <-got:
		t.Fatal("Pop returned before anything was pushed")
	case <-time.After(20 * time.Millisecond):
	}

	pushed := New(1, TypeUpdate, nil)
	q.Push(pushed)

	select {
	case a := <-got:
		assert.Same(t, pushed, a)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up after Push")
	}
}

func TestQueue_PopContextCancelled(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a, err := q.Pop(ctx)
	assert.Nil(t, a)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	t.Parallel()
	q := NewQueue()

	var wg sync.WaitGroup
	for p := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 25 {
				q.Push(New(int64(p*100+i), TypeUpdate, nil))
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 200, q.Len())
	last := int64(-1)
	for q.Len() > 0 {
		a := q.TryPop()
		assert.Greater(t, a.Priority(), last)
		last = a.Priority()
	}
}

func TestQueue_Drain(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	q.Push(New(2, TypeCreate, nil))
	q.Push(New(1, TypeUpdate, nil))

	drained := q.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, TypeUpdate, drained[0].Type())
	assert.Equal(t, TypeCreate, drained[1].Type())
	assert.Zero(t, q.Len())
}
