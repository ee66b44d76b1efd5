package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify sharded execution, per-key ordering, timeout, panic recovery
//          and graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context) error { return nil }

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.ErrorIs(t, pool.Submit(Task{Key: "w1"}), ErrPoolNotStarted)
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	err := pool.Start(context.Background(), 8)
	require.NoError(t, err)
	assert.Len(t, pool.shards, 8)

	// Try to start again
	err = pool.Start(context.Background(), 4)
	assert.Error(t, err)

	pool.Stop()
}

// TestPoolStartClampsWorkerCount tests that at least one Worker is started
func TestPoolStartClampsWorkerCount(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(context.Background(), 0))
	assert.Len(t, pool.shards, 1)
	pool.Stop()
}

// TestWorkerExecution tests Worker task execution
func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(context.Background(), 1))

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		err := pool.Submit(Task{
			ID:      fmt.Sprintf("task-%d", i),
			Key:     "w1",
			Timeout: time.Second,
			Run:     noop,
		})
		require.NoError(t, err)
	}

	results := make(map[string]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.ID] = result
	}

	assert.Equal(t, taskCount, len(results))
	for _, r := range results {
		assert.True(t, r.Success)
		assert.Equal(t, "w1", r.Key)
	}

	pool.Stop()
}

// ============================================================================
// Ordering and Concurrency Tests
// ============================================================================

// TestSameKeyRunsSerially tests that tasks sharing a key run in submission order
func TestSameKeyRunsSerially(t *testing.T) {
	var (
		mu    sync.Mutex
		order = map[string][]int{}
	)

	var tasks []Task
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("w%d", i%3)
		i := i
		tasks = append(tasks, Task{
			ID:  fmt.Sprintf("task-%d", i),
			Key: key,
			Run: func(context.Context) error {
				time.Sleep(time.Millisecond)
				mu.Lock()
				order[key] = append(order[key], i)
				mu.Unlock()
				return nil
			},
		})
	}

	results := RunAll(context.Background(), 4, tasks)
	require.Len(t, results, 20)

	for key, seen := range order {
		for j := 1; j < len(seen); j++ {
			assert.Less(t, seen[j-1], seen[j], "key %s ran out of order: %v", key, seen)
		}
	}
}

// TestConcurrencyBound tests that no more than workerCount tasks run at once
func TestConcurrencyBound(t *testing.T) {
	var running, peak atomic.Int32

	var tasks []Task
	for i := 0; i < 32; i++ {
		tasks = append(tasks, Task{
			ID:  fmt.Sprintf("task-%d", i),
			Key: fmt.Sprintf("w%d", i),
			Run: func(context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			},
		})
	}

	RunAll(context.Background(), 3, tasks)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

// TestRunAllPreservesOrder tests that results line up with the submitted tasks
func TestRunAllPreservesOrder(t *testing.T) {
	boom := errors.New("boom")
	tasks := []Task{
		{ID: "a", Key: "w1", Run: noop},
		{ID: "b", Key: "w2", Run: func(context.Context) error { return boom }},
		{ID: "a", Key: "w3", Run: noop}, // duplicate IDs are fine
		{ID: "d", Key: "w1", Run: func(context.Context) error { return boom }},
	}

	results := RunAll(context.Background(), 2, tasks)
	require.Len(t, results, 4)

	assert.Equal(t, "a", results[0].ID)
	assert.True(t, results[0].Success)
	assert.Equal(t, "b", results[1].ID)
	assert.ErrorIs(t, results[1].Error, boom)
	assert.Equal(t, "w3", results[2].Key)
	assert.True(t, results[2].Success)
	assert.Equal(t, "d", results[3].ID)
	assert.False(t, results[3].Success)
}

// TestRunAllEmpty tests RunAll with no tasks
func TestRunAllEmpty(t *testing.T) {
	assert.Nil(t, RunAll(context.Background(), 4, nil))
}

// ============================================================================
// Timeout and Panic Tests
// ============================================================================

// TestTimeout tests that a slow task fails without affecting the others
func TestTimeout(t *testing.T) {
	tasks := []Task{
		{
			ID:      "slow",
			Key:     "w1",
			Timeout: 20 * time.Millisecond,
			Run: func(ctx context.Context) error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(2 * time.Second):
					return nil
				}
			},
		},
		{ID: "fast", Key: "w1", Timeout: time.Second, Run: noop},
	}

	start := time.Now()
	results := RunAll(context.Background(), 2, tasks)
	assert.Less(t, time.Since(start), time.Second)

	assert.False(t, results[0].Success)
	assert.ErrorIs(t, results[0].Error, context.DeadlineExceeded)
	assert.True(t, results[1].Success)
}

// TestPanicRecovered tests that a panicking task is reported and the Worker keeps running
func TestPanicRecovered(t *testing.T) {
	tasks := []Task{
		{ID: "p", Key: "w1", Run: func(context.Context) error { panic("kaboom") }},
		{ID: "after", Key: "w1", Run: noop},
	}

	results := RunAll(context.Background(), 1, tasks)
	assert.ErrorIs(t, results[0].Error, ErrTaskPanic)
	assert.Contains(t, results[0].Error.Error(), "kaboom")
	assert.True(t, results[1].Success)
}

// TestCancelledParent tests that tasks do not run once the parent context is done
func TestCancelledParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	results := RunAll(ctx, 1, []Task{{ID: "x", Key: "w1", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}}})

	assert.False(t, ran.Load())
	assert.ErrorIs(t, results[0].Error, context.Canceled)
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

// TestGracefulShutdown tests that Stop drains queued tasks and leaks no goroutines
func TestGracefulShutdown(t *testing.T) {
	goroutinesBefore := runtime.NumGoroutine()

	pool := NewPool(50)
	require.NoError(t, pool.Start(context.Background(), 4))

	var done atomic.Int32
	for i := 0; i < 40; i++ {
		require.NoError(t, pool.Submit(Task{
			ID:  fmt.Sprintf("task-%d", i),
			Key: fmt.Sprintf("w%d", i%7),
			Run: func(context.Context) error {
				done.Add(1)
				return nil
			},
		}))
	}

	pool.Stop()
	assert.Equal(t, int32(40), done.Load())

	// resultCh is closed after the buffered results are drained
	for i := 0; i < 40; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
	_, err := pool.ReceiveResult()
	assert.Equal(t, ErrPoolClosed, err)

	time.Sleep(50 * time.Millisecond)
	goroutinesAfter := runtime.NumGoroutine()
	assert.LessOrEqual(t, goroutinesAfter, goroutinesBefore+1)
	t.Logf("Goroutines before: %d, after: %d", goroutinesBefore, goroutinesAfter)
}

// TestStopBeforeStart tests stopping before starting
func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.NotPanics(t, func() {
		pool.Stop()
		pool.Stop()
	})
}

// TestSubmitAfterStop tests submitting tasks after shutdown
func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(context.Background(), 2))
	pool.Stop()

	err := pool.Submit(Task{ID: "task-after-stop", Run: noop})
	assert.Equal(t, ErrPoolClosed, err)
}

// TestSubmitBeforeStart tests submitting tasks before starting
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10)
	err := pool.Submit(Task{ID: "task-before-start", Run: noop})
	assert.Equal(t, ErrPoolNotStarted, err)
}

// TestConcurrentSubmitAndStop tests that Submit racing with Stop never panics
func TestConcurrentSubmitAndStop(t *testing.T) {
	pool := NewPool(1000)
	require.NoError(t, pool.Start(context.Background(), 4))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				err := pool.Submit(Task{ID: fmt.Sprintf("%d-%d", g, i), Key: fmt.Sprint(g), Run: noop})
				if err != nil {
					assert.Equal(t, ErrPoolClosed, err)
					return
				}
			}
		}(g)
	}

	go func() {
		for {
			if _, err := pool.ReceiveResult(); err != nil {
				return
			}
		}
	}()

	time.Sleep(time.Millisecond)
	assert.NotPanics(t, pool.Stop)
	wg.Wait()
}

// ============================================================================
// Benchmarks
// ============================================================================

func BenchmarkRunAll(b *testing.B) {
	tasks := make([]Task, 256)
	for i := range tasks {
		tasks[i] = Task{ID: fmt.Sprint(i), Key: fmt.Sprintf("w%d", i%16), Run: noop}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		RunAll(context.Background(), 8, tasks)
	}
}
