package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a task or result id does not exist.
var ErrNotFound = errors.New("not found")

// writeRetries is the number of reopen-and-retry attempts after a
// transient locked/readonly error.
const writeRetries = 2

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	description   TEXT NOT NULL,
	priority      TEXT NOT NULL DEFAULT 'random',
	status        TEXT NOT NULL DEFAULT 'pending',
	task_type     TEXT NOT NULL DEFAULT 'new',
	context       TEXT,
	assigned_to   TEXT,
	project_id    TEXT,
	project_name  TEXT,
	error_message TEXT,
	result_id     INTEGER,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL,
	started_at    DATETIME,
	completed_at  DATETIME,
	deleted_at    DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);

CREATE TABLE IF NOT EXISTS results (
	id                      INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id                 INTEGER NOT NULL REFERENCES tasks(id),
	output                  TEXT NOT NULL DEFAULT '',
	files_modified          TEXT,
	commands_executed       TEXT,
	processing_time_seconds INTEGER NOT NULL DEFAULT 0,
	git_commit_sha          TEXT NOT NULL DEFAULT '',
	git_branch              TEXT NOT NULL DEFAULT '',
	git_pr_url              TEXT NOT NULL DEFAULT '',
	workspace_path          TEXT NOT NULL DEFAULT '',
	created_at              DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_task ON results(task_id);

CREATE TABLE IF NOT EXISTS usage_metrics (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id         INTEGER NOT NULL,
	total_cost_usd  TEXT NOT NULL DEFAULT '0',
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	duration_api_ms INTEGER NOT NULL DEFAULT 0,
	num_turns       INTEGER NOT NULL DEFAULT 0,
	project_id      TEXT,
	created_at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_metrics(created_at);

CREATE TABLE IF NOT EXISTS generation_history (
	id                          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id                     INTEGER NOT NULL REFERENCES tasks(id),
	source                      TEXT NOT NULL,
	usage_percent_at_generation REAL NOT NULL DEFAULT 0,
	source_metadata             TEXT NOT NULL DEFAULT '{}',
	created_at                  DATETIME NOT NULL
);
`

// Store is the SQLite-backed task store. All writes are serialized through a
// single mutex; transient locked/readonly errors close and reopen the pool
// before retrying, so a poisoned connection never loses a write.
type Store struct {
	mu   sync.Mutex
	dsn  string
	db   *sqlx.DB
	now  func() time.Time
	logR *slog.Logger
}

// Open opens (and migrates) the task database at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open task db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate task db: %w", err)
	}
	return &Store{dsn: dsn, db: db, now: time.Now, logR: slog.Default()}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SetClock overrides the store's clock; test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "readonly database") ||
		strings.Contains(msg, "attempt to write a readonly database")
}

// write runs fn under the write lock, reopening the pool and retrying on
// transient errors.
func (s *Store) write(fn func(db *sqlx.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for attempt := 0; attempt <= writeRetries; attempt++ {
		if attempt > 0 {
			s.logR.Warn("queue: transient store error, reopening pool", "attempt", attempt, "error", err)
			s.db.Close()
			db, openErr := sqlx.Open("sqlite", s.dsn)
			if openErr != nil {
				return fmt.Errorf("reopen task db: %w", openErr)
			}
			s.db = db
			time.Sleep(time.Duration(50*attempt) * time.Millisecond)
		}
		err = fn(s.db)
		if err == nil || !isTransient(err) {
			return err
		}
	}
	return err
}

// AddTask creates a task in pending state and returns it with its id set.
func (s *Store) AddTask(description string, priority Priority, opts ...TaskOption) (*Task, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fmt.Errorf("task description is empty")
	}
	if _, err := ParsePriority(string(priority)); err != nil {
		return nil, err
	}

	task := &Task{
		Description: description,
		Priority:    priority,
		Status:      StatusPending,
		TaskType:    TypeNew,
		CreatedAt:   s.now().UTC(),
	}
	for _, opt := range opts {
		opt(task)
	}

	err := s.write(func(db *sqlx.DB) error {
		res, err := db.NamedExec(`
			INSERT INTO tasks (description, priority, status, task_type, context, assigned_to, project_id, project_name, attempt_count, created_at)
			VALUES (:description, :priority, :status, :task_type, :context, :assigned_to, :project_id, :project_name, :attempt_count, :created_at)`,
			task)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		task.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logR.Info("queue: task added", "id", task.ID, "priority", task.Priority, "project", task.Project())
	return task, nil
}

// TaskOption customizes a task at submission time.
type TaskOption func(*Task)

// WithContext attaches a structured context blob (JSON).
func WithContext(ctx map[string]any) TaskOption {
	return func(t *Task) {
		if ctx == nil {
			return
		}
		raw, err := json.Marshal(ctx)
		if err != nil {
			return
		}
		str := string(raw)
		t.Context = &str
	}
}

// WithSubmitter records who submitted the task.
func WithSubmitter(id string) TaskOption {
	return func(t *Task) {
		if id != "" {
			t.AssignedTo = &id
		}
	}
}

// WithProject scopes the task to a project.
func WithProject(id, name string) TaskOption {
	return func(t *Task) {
		if id == "" {
			return
		}
		t.ProjectID = &id
		if name != "" {
			t.ProjectName = &name
		}
	}
}

// WithType sets the task type (new vs refine).
func WithType(tt TaskType) TaskOption {
	return func(t *Task) { t.TaskType = tt }
}

// GetTask returns the task by id, or ErrNotFound.
func (s *Store) GetTask(id int64) (*Task, error) {
	var task Task
	if err := s.db.Get(&task, `SELECT * FROM tasks WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return &task, nil
}

// PendingTasks returns up to limit pending tasks ordered by priority bucket
// (serious, random, generated) then submission time.
func (s *Store) PendingTasks(limit int) ([]*Task, error) {
	var tasks []*Task
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks WHERE status = ?
		ORDER BY CASE priority WHEN 'serious' THEN 0 WHEN 'random' THEN 1 ELSE 2 END, created_at
		LIMIT ?`, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("pending tasks: %w", err)
	}
	return tasks, nil
}

// InProgressTasks returns all running tasks.
func (s *Store) InProgressTasks() ([]*Task, error) {
	var tasks []*Task
	if err := s.db.Select(&tasks, `SELECT * FROM tasks WHERE status = ?`, StatusInProgress); err != nil {
		return nil, fmt.Errorf("in-progress tasks: %w", err)
	}
	return tasks, nil
}

// RecentTasks returns the latest submissions, newest first.
func (s *Store) RecentTasks(limit int) ([]*Task, error) {
	var tasks []*Task
	if err := s.db.Select(&tasks, `SELECT * FROM tasks ORDER BY created_at DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("recent tasks: %w", err)
	}
	return tasks, nil
}

// FailedTasks returns the latest failures, newest first.
func (s *Store) FailedTasks(limit int) ([]*Task, error) {
	var tasks []*Task
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks WHERE status = ?
		ORDER BY completed_at DESC LIMIT ?`, StatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed tasks: %w", err)
	}
	return tasks, nil
}

// TasksFinishedBetween returns tasks whose terminal transition happened
// in [start, end), oldest first. Covers completed, failed, and cancelled.
func (s *Store) TasksFinishedBetween(start, end time.Time) ([]*Task, error) {
	var tasks []*Task
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks
		WHERE completed_at IS NOT NULL AND completed_at >= ? AND completed_at < ?
		ORDER BY completed_at`, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("tasks finished between: %w", err)
	}
	return tasks, nil
}

// MarkInProgress transitions a pending task to in_progress, stamps
// started_at, and increments attempt_count. Calling it on a non-pending
// task is a logged no-op.
func (s *Store) MarkInProgress(id int64) (*Task, error) {
	var task *Task
	err := s.write(func(db *sqlx.DB) error {
		tx, err := db.Beginx()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var cur Task
		if err := tx.Get(&cur, `SELECT * FROM tasks WHERE id = ?`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %d: %w", id, ErrNotFound)
			}
			return err
		}
		if cur.Status != StatusPending {
			s.logR.Warn("queue: mark_in_progress on non-pending task", "id", id, "status", cur.Status)
			task = &cur
			return nil
		}
		now := s.now().UTC()
		if _, err := tx.Exec(`
			UPDATE tasks SET status = ?, started_at = ?, attempt_count = attempt_count + 1
			WHERE id = ?`, StatusInProgress, now, id); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		cur.Status = StatusInProgress
		cur.StartedAt = &now
		cur.AttemptCount++
		task = &cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	if task.Status == StatusInProgress {
		s.logR.Info("queue: task in progress", "id", id, "attempt", task.AttemptCount)
	}
	return task, nil
}

// MarkCompleted finishes a task, stamping completed_at and the result link.
func (s *Store) MarkCompleted(id int64, resultID *int64) (*Task, error) {
	err := s.write(func(db *sqlx.DB) error {
		_, err := db.Exec(`
			UPDATE tasks SET status = ?, completed_at = ?, result_id = ?
			WHERE id = ?`, StatusCompleted, s.now().UTC(), resultID, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("mark completed %d: %w", id, err)
	}
	s.logR.Info("queue: task completed", "id", id)
	return s.GetTask(id)
}

// MarkFailed fails a task with an error message; completed_at is stamped
// only if still unset.
func (s *Store) MarkFailed(id int64, errorMessage string) (*Task, error) {
	err := s.write(func(db *sqlx.DB) error {
		_, err := db.Exec(`
			UPDATE tasks SET status = ?, error_message = ?,
				completed_at = COALESCE(completed_at, ?)
			WHERE id = ?`, StatusFailed, errorMessage, s.now().UTC(), id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("mark failed %d: %w", id, err)
	}
	s.logR.Error("queue: task failed", "id", id, "error", errorMessage)
	return s.GetTask(id)
}

// CancelTask soft-deletes a pending task. Non-pending tasks are left
// untouched and returned as-is so the caller can report the rejection.
func (s *Store) CancelTask(id int64) (*Task, error) {
	var task *Task
	err := s.write(func(db *sqlx.DB) error {
		tx, err := db.Beginx()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var cur Task
		if err := tx.Get(&cur, `SELECT * FROM tasks WHERE id = ?`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %d: %w", id, ErrNotFound)
			}
			return err
		}
		if cur.Status != StatusPending {
			task = &cur
			return nil
		}
		now := s.now().UTC()
		if _, err := tx.Exec(`
			UPDATE tasks SET status = ?, deleted_at = ? WHERE id = ?`,
			StatusCancelled, now, id); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		cur.Status = StatusCancelled
		cur.DeletedAt = &now
		task = &cur
		s.logR.Info("queue: task cancelled", "id", id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdatePriority changes a task's priority bucket.
func (s *Store) UpdatePriority(id int64, priority Priority) (*Task, error) {
	if _, err := ParsePriority(string(priority)); err != nil {
		return nil, err
	}
	err := s.write(func(db *sqlx.DB) error {
		_, err := db.Exec(`UPDATE tasks SET priority = ? WHERE id = ?`, priority, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update priority %d: %w", id, err)
	}
	s.logR.Info("queue: task priority updated", "id", id, "priority", priority)
	return s.GetTask(id)
}

// TimeoutExpiredTasks sweeps in_progress tasks whose started_at is older
// than maxAge to failed and returns them. The sweep is idempotent: a second
// call with no new expirations returns an empty list.
func (s *Store) TimeoutExpiredTasks(maxAge time.Duration) ([]*Task, error) {
	var swept []*Task
	err := s.write(func(db *sqlx.DB) error {
		tx, err := db.Beginx()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		cutoff := s.now().UTC().Add(-maxAge)
		var expired []*Task
		if err := tx.Select(&expired, `
			SELECT * FROM tasks
			WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`,
			StatusInProgress, cutoff); err != nil {
			return err
		}
		if len(expired) == 0 {
			swept = nil
			return tx.Commit()
		}

		now := s.now().UTC()
		msg := fmt.Sprintf("Timed out after %.0f minutes", maxAge.Minutes())
		for _, t := range expired {
			if _, err := tx.Exec(`
				UPDATE tasks SET status = ?, error_message = ?, completed_at = ?
				WHERE id = ?`, StatusFailed, msg, now, t.ID); err != nil {
				return err
			}
			t.Status = StatusFailed
			t.ErrorMessage = &msg
			t.CompletedAt = &now
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		swept = expired
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("timeout sweep: %w", err)
	}
	for _, t := range swept {
		s.logR.Warn("queue: task timed out", "id", t.ID, "started_at", t.StartedAt)
	}
	return swept, nil
}

// Status returns per-status counts.
func (s *Store) Status() (*QueueStatus, error) {
	var st QueueStatus
	err := s.db.Get(&st, `
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END), 0) AS in_progress,
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0) AS completed,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed
		FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("queue status: %w", err)
	}
	return &st, nil
}
