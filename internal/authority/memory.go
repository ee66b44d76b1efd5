package authority

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/fleetsync/internal/mapping"
	"github.com/ChuLiYu/fleetsync/pkg/types"
)

type memTask struct {
	data      map[string]any
	updatedAt time.Time
}

// Store is an in-memory authority used by the demo and tests.
type Store struct {
	mu    sync.Mutex
	tasks map[string]*memTask
	now   func() time.Time

	fetchErr error
	pushErr  func(taskID, path string) error
	pingErr  error
	fetches  int
	pushes   int
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{tasks: make(map[string]*memTask), now: time.Now}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Put records an authority-side change; it replaces the task data and
// advances updated_at.
func (s *Store) Put(taskID string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		t = &memTask{}
		s.tasks[taskID] = t
	}
	t.data = mapping.CloneMap(data)
	if t.data == nil {
		t.data = make(map[string]any)
	}
	t.updatedAt = s.now().UTC()
}

// Set changes one field as an authority-side change.
func (s *Store) Set(taskID, path string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err := mapping.SetPath(t.data, path, value); err != nil {
		return err
	}
	t.updatedAt = s.now().UTC()
	return nil
}

// Get returns a copy of a task's data.
func (s *Store) Get(taskID string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	return mapping.CloneMap(t.data), true
}

// FailFetch makes FetchUpdates return err until cleared with nil.
func (s *Store) FailFetch(err error) {
	s.mu.Lock()
	s.fetchErr = err
	s.mu.Unlock()
}

// FailPush installs a hook deciding per push whether it fails.
func (s *Store) FailPush(fn func(taskID, path string) error) {
	s.mu.Lock()
	s.pushErr = fn
	s.mu.Unlock()
}

// FailPing makes Ping return err until cleared with nil.
func (s *Store) FailPing(err error) {
	s.mu.Lock()
	s.pingErr = err
	s.mu.Unlock()
}

// Calls returns the number of fetch and push calls served.
func (s *Store) Calls() (fetches, pushes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches, s.pushes
}

// FetchUpdates implements Client.
func (s *Store) FetchUpdates(ctx context.Context, after types.Watermark, limit int) ([]types.TaskUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetches++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}

	var out []types.TaskUpdate
	for id, t := range s.tasks {
		if after.Admits(t.updatedAt, id) {
			out = append(out, types.TaskUpdate{
				TaskID:    id,
				UpdatedAt: t.updatedAt,
				Data:      mapping.CloneMap(t.data),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PushUpdate implements Client.
func (s *Store) PushUpdate(ctx context.Context, taskID, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pushes++
	if s.pushErr != nil {
		if err := s.pushErr(taskID, path); err != nil {
			return err
		}
	}

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err := mapping.SetPath(t.data, path, mapping.CloneValue(value)); err != nil {
		return fmt.Errorf("authority: push %s.%s: %w", taskID, path, err)
	}
	return nil
}

// Ping implements Client.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}
