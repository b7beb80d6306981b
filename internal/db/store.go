package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the audit trail for control operations. Routing state never
// lives here; the table is history only and is never consulted when
// picking an upstream agent.
type Store struct {
	db   *sql.DB
	path string
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Path is the filesystem location the store was opened with.
func (s *Store) Path() string {
	return s.path
}

type ControlOp struct {
	OpID      string
	ConnID    string
	Op        string
	TTY       string
	Sock      string
	OK        bool
	Detail    string
	CreatedAt time.Time
}

func (s *Store) InsertControlOp(ctx context.Context, op ControlOp) error {
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO control_ops(op_id, conn_id, op, tty, sock, ok, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, op.OpID, op.ConnID, op.Op, op.TTY, op.Sock, boolToInt(op.OK), op.Detail, ts(op.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert control op: %w", err)
	}
	return nil
}

// ListControlOps returns the most recent operations, newest first.
func (s *Store) ListControlOps(ctx context.Context, limit int) ([]ControlOp, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT op_id, conn_id, op, tty, sock, ok, detail, created_at
FROM control_ops
ORDER BY created_at DESC, op_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list control ops: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var ops []ControlOp
	for rows.Next() {
		var op ControlOp
		var ok int
		var createdAt string
		if err := rows.Scan(&op.OpID, &op.ConnID, &op.Op, &op.TTY, &op.Sock, &ok, &op.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan control op: %w", err)
		}
		op.OK = ok != 0
		parsed, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		op.CreatedAt = parsed
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate control ops: %w", err)
	}
	return ops, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
