package polling

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether status represents a finished task.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// Progress is a coarse-grained in-flight status update recorded while a
// task's executor is still running.
type Progress struct {
	Stage                  string   `json:"stage"`
	Message                string   `json:"message"`
	PartialResponsePrefix  string   `json:"partial_response_prefix,omitempty"`
	ToolCalls              []string `json:"tool_calls,omitempty"`
}

// Task is one row of the polling store.
type Task struct {
	TaskID      string
	Status      Status
	RequestJSON string
	CreatedAt   float64
	StartedAt   *float64
	CompletedAt *float64
	ResultJSON  *string
	Error       *string
	ProgressJSON *string
}

// Store persists Task rows in a SQLite database with one writer connection
// (SQLite permits exactly one) and WAL mode for concurrent reads.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) a SQLite-backed polling Store at
// path, which may be ":memory:" for tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("polling: failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("polling: failed to set %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			task_id      TEXT PRIMARY KEY,
			status       TEXT NOT NULL,
			request_json TEXT NOT NULL,
			created_at   REAL NOT NULL,
			started_at   REAL,
			completed_at REAL,
			result_json  TEXT,
			error        TEXT,
			progress_json TEXT
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("polling: failed to create tasks table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)"); err != nil {
		return fmt.Errorf("polling: failed to create idx_tasks_status: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Insert creates the row for a newly submitted task.
func (s *Store) Insert(ctx context.Context, t Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, status, request_json, created_at)
		VALUES (?, ?, ?, ?)
	`, t.TaskID, string(t.Status), t.RequestJSON, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("polling: failed to insert task %s: %w", t.TaskID, err)
	}
	return nil
}

// StatusUpdate carries the fields Update should change on a task's row;
// nil fields are left untouched.
type StatusUpdate struct {
	Status      Status
	StartedAt   *float64
	CompletedAt *float64
	Result      interface{}
	Error       *string
	Progress    *Progress
}

// Update applies a StatusUpdate to the row identified by taskID.
func (s *Store) Update(ctx context.Context, taskID string, u StatusUpdate) error {
	var resultJSON *string
	if u.Result != nil {
		encoded, err := json.Marshal(u.Result)
		if err != nil {
			return fmt.Errorf("polling: failed to marshal result for %s: %w", taskID, err)
		}
		s := string(encoded)
		resultJSON = &s
	}
	var progressJSON *string
	if u.Progress != nil {
		encoded, err := json.Marshal(u.Progress)
		if err != nil {
			return fmt.Errorf("polling: failed to marshal progress for %s: %w", taskID, err)
		}
		s := string(encoded)
		progressJSON = &s
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?,
			started_at = COALESCE(?, started_at),
			completed_at = COALESCE(?, completed_at),
			result_json = COALESCE(?, result_json),
			error = COALESCE(?, error),
			progress_json = COALESCE(?, progress_json)
		WHERE task_id = ?
	`, string(u.Status), u.StartedAt, u.CompletedAt, resultJSON, u.Error, progressJSON, taskID)
	if err != nil {
		return fmt.Errorf("polling: failed to update task %s: %w", taskID, err)
	}
	return nil
}

// Get loads one task by id, returning (Task{}, false, nil) if it doesn't
// exist.
func (s *Store) Get(ctx context.Context, taskID string) (Task, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, status, request_json, created_at, started_at, completed_at, result_json, error, progress_json
		FROM tasks WHERE task_id = ?
	`, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("polling: failed to load task %s: %w", taskID, err)
	}
	return t, true, nil
}

// Active returns every task currently pending or running.
func (s *Store) Active(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, status, request_json, created_at, started_at, completed_at, result_json, error, progress_json
		FROM tasks WHERE status IN (?, ?)
	`, string(StatusPending), string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("polling: failed to query active tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("polling: failed to scan active task row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteOlderThan removes terminal rows whose completed_at predates cutoff,
// returning the number of rows removed.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff float64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE completed_at IS NOT NULL AND completed_at < ?
		  AND status IN (?, ?, ?, ?)
	`, cutoff, string(StatusCompleted), string(StatusFailed), string(StatusTimeout), string(StatusCancelled))
	if err != nil {
		return 0, fmt.Errorf("polling: failed to clean up old tasks: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var status string
	if err := row.Scan(&t.TaskID, &status, &t.RequestJSON, &t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.ResultJSON, &t.Error, &t.ProgressJSON); err != nil {
		return Task{}, err
	}
	t.Status = Status(status)
	return t, nil
}
