// ============================================================================
// fleetsync Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes tasks of one shard, each Worker runs in an
//           independent goroutine
//
// How it works:
//   Each Worker owns one shard queue and continuously:
//   1. Receives a task from its queue (blocking wait)
//   2. Runs it under a per-task timeout derived from the pool context
//   3. Sends the result to the shared result channel
//   4. Repeats until the queue is closed
//
// Ordering:
//   Tasks sharing a Key always land on the same Worker, so they run serially
//   in submission order.
//
// Error Handling:
//   - Timeout: ctx.Err() returns DeadlineExceeded, only that task fails
//   - Panic: recovered and reported as ErrTaskPanic, the Worker keeps running
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTaskPanic wraps a panic recovered from a task
var ErrTaskPanic = errors.New("worker: task panicked")

// Worker represents a work execution unit bound to one shard queue
type Worker struct {
	id       int             // Worker identifier, used for logging and debugging
	ctx      context.Context // Parent context for every task
	taskCh   <-chan Task     // Shard queue (read-only)
	resultCh chan<- Result   // Result channel (write-only)
}

// newWorker creates a new Worker instance
func newWorker(ctx context.Context, id int, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		ctx:      ctx,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()
		err := w.execute(task)

		w.resultCh <- Result{
			ID:       task.ID,
			Key:      task.Key,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}
	}
}

// execute runs one task with its own timeout and converts panics to errors
func (w *Worker) execute(task Task) (err error) {
	ctx := w.ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("Task panicked", "worker", w.id, "task", task.ID, "panic", r)
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()

	if task.Run == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return task.Run(ctx)
}
