package authority

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ChuLiYu/fleetsync/internal/mapping"
	"github.com/ChuLiYu/fleetsync/pkg/types"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS fleetsync_tasks (
	task_id    TEXT        PRIMARY KEY,
	data       JSONB       NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	synced_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_fleetsync_tasks_updated_at ON fleetsync_tasks (updated_at, task_id);
`

// PGStore is a Postgres-backed authority. Task data lives in a JSONB column;
// updated_at moves only on authority-side writes (Put), synced_at on pushes.
type PGStore struct {
	pool       *pgxpool.Pool
	maxRetries int
	baseDelay  time.Duration
}

// NewPGStore connects a pool and verifies it with a ping.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("authority: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("authority: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("authority: ping pool: %w", err)
	}

	return &PGStore{pool: pool, maxRetries: 3, baseDelay: 20 * time.Millisecond}, nil
}

// SetRetry overrides the push retry policy. Negative values are ignored.
func (s *PGStore) SetRetry(maxRetries int, baseDelay time.Duration) {
	if maxRetries >= 0 {
		s.maxRetries = maxRetries
	}
	if baseDelay > 0 {
		s.baseDelay = baseDelay
	}
}

// Pool returns the underlying pool (used by the database health check).
func (s *PGStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate creates the task table if needed.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("authority: migrate: %w", err)
	}
	return nil
}

// Put upserts a task as an authority-side change.
func (s *PGStore) Put(ctx context.Context, taskID string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fleetsync_tasks (task_id, data, updated_at) VALUES ($1, $2, clock_timestamp())
		ON CONFLICT (task_id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		taskID, data)
	if err != nil {
		return fmt.Errorf("authority: put %s: %w", taskID, err)
	}
	return nil
}

// FetchUpdates implements Client.
func (s *PGStore) FetchUpdates(ctx context.Context, after types.Watermark, limit int) ([]types.TaskUpdate, error) {
	query := `SELECT task_id, data, updated_at FROM fleetsync_tasks WHERE updated_at > $1 ORDER BY updated_at, task_id`
	args := []any{after.UpdatedAt}
	if after.TaskID != "" {
		query = `SELECT task_id, data, updated_at FROM fleetsync_tasks WHERE (updated_at, task_id) > ($1, $2) ORDER BY updated_at, task_id`
		args = append(args, after.TaskID)
	}
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("authority: fetch updates: %w", err)
	}
	defer rows.Close()

	var out []types.TaskUpdate
	for rows.Next() {
		var u types.TaskUpdate
		if err := rows.Scan(&u.TaskID, &u.Data, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("authority: scan update: %w", err)
		}
		u.UpdatedAt = u.UpdatedAt.UTC()
		if u.Data == nil {
			u.Data = map[string]any{}
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("authority: fetch updates: %w", err)
	}
	return out, nil
}

// PushUpdate implements Client. The read-modify-write runs in one
// transaction with the row locked and is retried on transient errors.
func (s *PGStore) PushUpdate(ctx context.Context, taskID, path string, value any) error {
	return WithRetry(ctx, s.maxRetries, s.baseDelay, func() error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			var data map[string]any
			err := tx.QueryRow(ctx, `SELECT data FROM fleetsync_tasks WHERE task_id = $1 FOR UPDATE`, taskID).Scan(&data)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
			}
			if err != nil {
				return fmt.Errorf("authority: lock %s: %w", taskID, err)
			}
			if data == nil {
				data = map[string]any{}
			}
			if err := mapping.SetPath(data, path, value); err != nil {
				return fmt.Errorf("authority: push %s.%s: %w", taskID, path, err)
			}
			if _, err := tx.Exec(ctx, `UPDATE fleetsync_tasks SET data = $2, synced_at = clock_timestamp() WHERE task_id = $1`, taskID, data); err != nil {
				return fmt.Errorf("authority: push %s.%s: %w", taskID, path, err)
			}
			return nil
		})
	})
}

// Ping implements Client.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PGStore) Close() {
	s.pool.Close()
}
