package audit

// ============================================================================
// SQLite audit table
// Responsibility: queryable copy of the audit trail. Conflicts are also
// indexed in their own table with a uniqueness constraint on
// (worker_id, task_id, field_name, cycle).
// ============================================================================

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/fleetsync/pkg/types"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT    NOT NULL,
	cycle       INTEGER NOT NULL,
	recorded_at INTEGER NOT NULL,
	payload     TEXT    NOT NULL,
	checksum    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_records_kind ON audit_records(kind, cycle);

CREATE TABLE IF NOT EXISTS conflicts (
	conflict_id         TEXT PRIMARY KEY,
	seq                 INTEGER NOT NULL REFERENCES audit_records(seq),
	conflict_type       TEXT    NOT NULL,
	worker_id           TEXT    NOT NULL,
	task_id             TEXT    NOT NULL,
	field_name          TEXT    NOT NULL,
	resolution_strategy TEXT    NOT NULL,
	cycle               INTEGER NOT NULL,
	UNIQUE (worker_id, task_id, field_name, cycle)
);
`

// SQLiteSink stores audit records in a SQLite database
type SQLiteSink struct {
	mu     sync.Mutex
	db     *sql.DB
	now    func() time.Time
	closed bool
}

// OpenSQLite opens (and migrates) the audit database at path
func OpenSQLite(ctx context.Context, path string) (*SQLiteSink, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("audit: create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA journal_mode=WAL;`, `PRAGMA busy_timeout=5000;`, `PRAGMA foreign_keys=ON;`} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init schema: %w", err)
	}

	return &SQLiteSink{db: db, now: time.Now}, nil
}

// Append inserts one record. Conflict payloads are indexed in the same
// transaction; a duplicate conflict key rolls the whole append back.
func (s *SQLiteSink) Append(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("audit: marshal %s payload: %w", entry.Kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: begin: %w", err)
	}
	defer tx.Rollback()

	var next uint64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_records`).Scan(&next); err != nil {
		return fmt.Errorf("audit: next seq: %w", err)
	}

	rec := Record{
		Seq:       next,
		Kind:      entry.Kind,
		Cycle:     entry.Cycle,
		Timestamp: s.now().UTC(),
		Payload:   payload,
	}
	rec.Checksum = CalculateChecksum(rec)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_records (seq, kind, cycle, recorded_at, payload, checksum) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Seq, string(rec.Kind), rec.Cycle, rec.Timestamp.UnixNano(), string(rec.Payload), int64(rec.Checksum),
	); err != nil {
		return fmt.Errorf("audit: insert seq=%d: %w", rec.Seq, err)
	}

	if c, ok := conflictPayload(entry.Payload); ok {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conflicts (conflict_id, seq, conflict_type, worker_id, task_id, field_name, resolution_strategy, cycle)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ConflictID, rec.Seq, string(c.ConflictType), c.WorkerID, c.TaskID, c.FieldName, string(c.ResolutionStrategy), entry.Cycle,
		); err != nil {
			return fmt.Errorf("audit: index conflict %s: %w", c.ConflictID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: commit seq=%d: %w", rec.Seq, err)
	}
	return nil
}

func conflictPayload(v any) (types.Conflict, bool) {
	switch c := v.(type) {
	case types.Conflict:
		return c, true
	case *types.Conflict:
		if c != nil {
			return *c, true
		}
	}
	return types.Conflict{}, false
}

// Records returns all records of a kind in seq order; an empty kind returns everything
func (s *SQLiteSink) Records(ctx context.Context, kind Kind) ([]Record, error) {
	query := `SELECT seq, kind, cycle, recorded_at, payload, checksum FROM audit_records`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec      Record
			k        string
			nanos    int64
			payload  string
			checksum int64
		)
		if err := rows.Scan(&rec.Seq, &k, &rec.Cycle, &nanos, &payload, &checksum); err != nil {
			return nil, fmt.Errorf("audit: scan record: %w", err)
		}
		rec.Kind = Kind(k)
		rec.Timestamp = time.Unix(0, nanos).UTC()
		rec.Payload = json.RawMessage(payload)
		rec.Checksum = uint32(checksum)
		if err := VerifyChecksum(rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ConflictCount returns the number of indexed conflicts for a cycle
func (s *SQLiteSink) ConflictCount(ctx context.Context, cycle int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts WHERE cycle = ?`, cycle).Scan(&n); err != nil {
		return 0, fmt.Errorf("audit: count conflicts: %w", err)
	}
	return n, nil
}

// Close closes the database
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
