package handoff

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := New[int]()
	for i := 0; i < 200; i++ {
		q.Push(i)
	}
	require.Equal(t, 200, q.Len())

	for i := 0; i < 200; i++ {
		got, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, i, got)
	}
	_, ok := q.TryPop()
	assert.False(t, ok, "expected empty queue")
}

func TestQueue_TryPopEmptyDoesNotBlock(t *testing.T) {
	q := New[*int]()
	done := make(chan struct{})
	go func() {
		defer close(done)
		v, ok := q.TryPop()
		assert.Nil(t, v)
		assert.False(t, ok)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TryPop blocked on empty queue")
	}
}

func TestQueue_PopWaitWakesOnPush(t *testing.T) {
	q := New[string]()
	got := make(chan string, 1)
	go func() {
		v, ok := q.PopWait()
		if ok {
			got <- v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push("frame")

	select {
	case v := <-got:
		assert.Equal(t, "frame", v)
	case <-time.After(time.Second):
		t.Fatal("PopWait was not woken by Push")
	}
}

func TestQueue_ShutdownReleasesWaiters(t *testing.T) {
	q := New[int]()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := q.PopWait()
			assert.False(t, ok)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Shutdown()
	q.Shutdown() // idempotent

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters not released by Shutdown")
	}

	// Future calls return immediately, even with items queued.
	q.Push(7)
	_, ok := q.PopWait()
	assert.False(t, ok)
	assert.True(t, q.Closed())
	assert.Equal(t, []int{7}, q.Drain())
}

func TestQueue_PopWaitContextCancelled(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan bool, 1)
	go func() {
		_, ok := q.PopWaitContext(ctx)
		result <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("PopWaitContext ignored cancellation")
	}

	q.Push(3)
	v, ok := q.PopWaitContext(context.Background())
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestQueue_Drain(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Push(2)
	_, _ = q.TryPop()
	q.Push(3)

	assert.Equal(t, []int{2, 3}, q.Drain())
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Drain())
}

// Every pushed item must be delivered exactly once across competing poppers,
// and each consumer must observe its share in push order.
func TestQueue_NoDoubleDelivery(t *testing.T) {
	const producers, perProducer = 4, 2000
	q := New[int]()

	var seenMu sync.Mutex
	seen := make(map[int]int)

	var consumers sync.WaitGroup
	for c := 0; c < 3; c++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			last := make(map[int]int)
			for {
				v, ok := q.PopWait()
				if !ok {
					return
				}
				p, n := v/perProducer, v%perProducer
				if prev, has := last[p]; has {
					assert.Greater(t, n, prev, "producer %d order violated", p)
				}
				last[p] = n
				seenMu.Lock()
				seen[v]++
				seenMu.Unlock()
			}
		}()
	}

	var prod sync.WaitGroup
	for p := 0; p < producers; p++ {
		prod.Add(1)
		go func(p int) {
			defer prod.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(p*perProducer + i)
			}
		}(p)
	}
	prod.Wait()

	require.Eventually(t, func() bool { return q.Len() == 0 }, 5*time.Second, time.Millisecond)
	q.Shutdown()
	consumers.Wait()

	require.Len(t, seen, producers*perProducer)
	for v, n := range seen {
		if n != 1 {
			t.Fatalf("item %d delivered %d times", v, n)
		}
	}
}

func TestQueue_IndependentInstances(t *testing.T) {
	pool := New[int]()
	delivery := New[int]()
	pool.Push(1)
	delivery.Shutdown()

	v, ok := pool.TryPop()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.False(t, pool.Closed())
	assert.True(t, delivery.Closed())
}
