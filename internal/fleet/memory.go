package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/fleetsync/internal/mapping"
	"github.com/ChuLiYu/fleetsync/pkg/types"
)

type memWorker struct {
	taskID     string
	data       map[string]any
	usage      float64
	reportedAt time.Time
	reported   bool
	stopped    bool
	stopReason string
}

// Fleet is an in-memory worker fleet.
//
// Worker state layout: parameters under "parameters", outputs wherever the
// worker reports them, "status" and "priority" at the top level, and
// configuration merged under "config".
type Fleet struct {
	mu      sync.Mutex
	workers map[string]*memWorker
	now     func() time.Time

	listErr  error
	stateErr map[string]error
	setErr   func(workerID, path string) error
	pingErr  error
	calls    int
}

// NewFleet creates an empty Fleet.
func NewFleet() *Fleet {
	return &Fleet{
		workers:  make(map[string]*memWorker),
		stateErr: make(map[string]error),
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (f *Fleet) SetClock(now func() time.Time) {
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
}

// Register adds a worker with no reported state.
func (f *Fleet) Register(workerID, taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workers[workerID]; !ok {
		f.workers[workerID] = &memWorker{taskID: taskID, data: make(map[string]any)}
	}
}

// Report records worker-side state: the data replaces the worker's state
// and the snapshot timestamp advances.
func (f *Fleet) Report(workerID string, data map[string]any, usage float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	w.data = mapping.CloneMap(data)
	if w.data == nil {
		w.data = make(map[string]any)
	}
	w.usage = usage
	w.reportedAt = f.now().UTC()
	w.reported = true
	return nil
}

// Data returns a copy of a worker's state.
func (f *Fleet) Data(workerID string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[workerID]
	if !ok {
		return nil, false
	}
	return mapping.CloneMap(w.data), true
}

// Stopped reports whether Stop was called for the worker, and the reason.
func (f *Fleet) Stopped(workerID string) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[workerID]
	if !ok {
		return false, ""
	}
	return w.stopped, w.stopReason
}

// Calls returns the number of client calls served.
func (f *Fleet) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FailList makes ListWorkers return err until cleared with nil.
func (f *Fleet) FailList(err error) {
	f.mu.Lock()
	f.listErr = err
	f.mu.Unlock()
}

// FailState makes GetState fail for one worker until cleared with nil.
func (f *Fleet) FailState(workerID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.stateErr, workerID)
		return
	}
	f.stateErr[workerID] = err
}

// FailSet installs a hook deciding per SetField whether it fails.
func (f *Fleet) FailSet(fn func(workerID, path string) error) {
	f.mu.Lock()
	f.setErr = fn
	f.mu.Unlock()
}

// FailPing makes Ping return err until cleared with nil.
func (f *Fleet) FailPing(err error) {
	f.mu.Lock()
	f.pingErr = err
	f.mu.Unlock()
}

func (f *Fleet) worker(workerID string) (*memWorker, error) {
	w, ok := f.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	return w, nil
}

// ListWorkers implements Client.
func (f *Fleet) ListWorkers(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.listErr != nil {
		return nil, f.listErr
	}

	ids := make([]string, 0, len(f.workers))
	for id := range f.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetState implements Client.
func (f *Fleet) GetState(ctx context.Context, workerID string) (*types.WorkerSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if err := f.stateErr[workerID]; err != nil {
		return nil, err
	}
	w, err := f.worker(workerID)
	if err != nil {
		return nil, err
	}
	if !w.reported {
		return nil, nil
	}
	return &types.WorkerSnapshot{
		WorkerID:  workerID,
		TaskID:    w.taskID,
		Timestamp: w.reportedAt,
		Usage:     w.usage,
		Data:      mapping.CloneMap(w.data),
	}, nil
}

// SetField implements Client. Engine writes do not advance the snapshot
// timestamp.
func (f *Fleet) SetField(ctx context.Context, workerID, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if f.setErr != nil {
		if err := f.setErr(workerID, path); err != nil {
			return err
		}
	}
	w, err := f.worker(workerID)
	if err != nil {
		return err
	}
	if err := mapping.SetPath(w.data, path, mapping.CloneValue(value)); err != nil {
		return fmt.Errorf("fleet: set %s.%s: %w", workerID, path, err)
	}
	return nil
}

// Stop implements Client.
func (f *Fleet) Stop(ctx context.Context, workerID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	w, err := f.worker(workerID)
	if err != nil {
		return err
	}
	w.stopped = true
	w.stopReason = reason
	return nil
}

// SetPriority implements Client.
func (f *Fleet) SetPriority(ctx context.Context, workerID, priority string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	w, err := f.worker(workerID)
	if err != nil {
		return err
	}
	w.data["priority"] = priority
	return nil
}

// UpdateConfig implements Client.
func (f *Fleet) UpdateConfig(ctx context.Context, workerID string, config map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	w, err := f.worker(workerID)
	if err != nil {
		return err
	}
	current, _ := w.data["config"].(map[string]any)
	if current == nil {
		current = make(map[string]any)
	}
	for k, v := range config {
		current[k] = mapping.CloneValue(v)
	}
	w.data["config"] = current
	return nil
}

// Ping implements Client.
func (f *Fleet) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}
