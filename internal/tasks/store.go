package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a task ID does not exist.
var ErrNotFound = errors.New("task not found")

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    subject_key TEXT NOT NULL,
    state TEXT NOT NULL,
    input TEXT NOT NULL DEFAULT '',
    result TEXT,
    fail_reason TEXT NOT NULL DEFAULT '',
    error_detail TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_state_idx ON tasks (state, updated_at);
`

// OpenSQLite opens the shared SQLite database used by the task store and the
// attendance ledger.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite database: %w", err)
	}
	return db, nil
}

// Store persists tasks in SQLite. State transitions are guarded in SQL so a
// terminal row can never change again, whatever the caller does.
type Store struct {
	db *sql.DB
}

// NewStore creates a task store and ensures its schema exists.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("creating tasks schema: %w", err)
	}
	return &Store{db: db}, nil
}

// formatTime uses a fixed-width layout so lexicographic comparison in SQL
// matches chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

// Create inserts a new queued task.
func (s *Store) Create(ctx context.Context, task *Task) error {
	now := formatTime(task.CreatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, subject_key, state, input, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Kind, task.SubjectKey, StateQueued, string(task.Input), now, now,
	)
	if err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	return nil
}

// MarkProcessing claims a queued task. Returns false when the task was not in
// the queued state, which means another worker already claimed it.
func (s *Store) MarkProcessing(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		StateProcessing, formatTime(time.Now()), id, StateQueued,
	)
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkCompleted records a terminal success result.
func (s *Store) MarkCompleted(ctx context.Context, id string, result []byte) error {
	return s.finish(ctx, id, StateCompleted, "", "", result)
}

// MarkFailed records a terminal failure with a machine-readable reason and
// human-readable detail.
func (s *Store) MarkFailed(ctx context.Context, id, reason, detail string) error {
	if reason == "" {
		reason = ReasonInternalError
	}
	return s.finish(ctx, id, StateFailed, reason, detail, nil)
}

// MarkTimedOut forcibly fails a task whose deadline expired. Client-visible
// effect is identical to failure with reason "timeout".
func (s *Store) MarkTimedOut(ctx context.Context, id, detail string) error {
	return s.finish(ctx, id, StateTimedOut, ReasonTimeout, detail, nil)
}

func (s *Store) finish(ctx context.Context, id string, state State, reason, detail string, result []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, result = ?, fail_reason = ?, error_detail = ?, updated_at = ?
		WHERE id = ? AND state IN (?, ?)`,
		state, nullable(result), reason, detail, formatTime(time.Now()),
		id, StateQueued, StateProcessing,
	)
	if err != nil {
		return fmt.Errorf("finishing task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s is already terminal", id)
	}
	return nil
}

func nullable(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// Get returns a task by ID. Reads have no side effects, so polling a finished
// task is idempotent.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, subject_key, state, input, result, fail_reason, error_detail, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

// ListByState returns tasks in a given state ordered by creation time.
func (s *Store) ListByState(ctx context.Context, state State) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, subject_key, state, input, result, fail_reason, error_detail, created_at, updated_at
		FROM tasks WHERE state = ? ORDER BY created_at`, state)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// FailInterrupted fails every task left in the processing state, used at
// startup after an unclean shutdown. Returns the number of affected rows.
func (s *Store) FailInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, fail_reason = ?, error_detail = ?, updated_at = ?
		WHERE state = ?`,
		StateFailed, ReasonInterrupted, "processing interrupted by restart",
		formatTime(time.Now()), StateProcessing,
	)
	if err != nil {
		return 0, fmt.Errorf("failing interrupted tasks: %w", err)
	}
	return res.RowsAffected()
}

// DeleteTerminalBefore garbage-collects terminal tasks last updated before
// the cutoff. Returns the number of deleted rows.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE state IN (?, ?, ?) AND updated_at < ?`,
		StateCompleted, StateFailed, StateTimedOut, formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting terminal tasks: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var input string
	var result sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&task.ID, &task.Kind, &task.SubjectKey, &task.State,
		&input, &result, &task.FailReason, &task.Error, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if input != "" {
		task.Input = []byte(input)
	}
	if result.Valid {
		task.Result = []byte(result.String)
	}
	if task.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if task.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &task, nil
}
