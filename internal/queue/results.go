package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// resultRow mirrors the results table; list columns hold JSON arrays.
type resultRow struct {
	Result
	FilesJSON    sql.NullString `db:"files_modified"`
	CommandsJSON sql.NullString `db:"commands_executed"`
}

func (r *resultRow) decode() (*Result, error) {
	out := r.Result
	if r.FilesJSON.Valid && r.FilesJSON.String != "" {
		if err := json.Unmarshal([]byte(r.FilesJSON.String), &out.FilesModified); err != nil {
			return nil, fmt.Errorf("decode files_modified: %w", err)
		}
	}
	if r.CommandsJSON.Valid && r.CommandsJSON.String != "" {
		if err := json.Unmarshal([]byte(r.CommandsJSON.String), &out.CommandsExecuted); err != nil {
			return nil, fmt.Errorf("decode commands_executed: %w", err)
		}
	}
	return &out, nil
}

// InsertResult persists a Result row and sets its id and created_at.
func (s *Store) InsertResult(r *Result) error {
	files, err := json.Marshal(r.FilesModified)
	if err != nil {
		return fmt.Errorf("encode files_modified: %w", err)
	}
	commands, err := json.Marshal(r.CommandsExecuted)
	if err != nil {
		return fmt.Errorf("encode commands_executed: %w", err)
	}
	r.CreatedAt = s.now().UTC()

	return s.write(func(db *sqlx.DB) error {
		res, err := db.Exec(`
			INSERT INTO results (task_id, output, files_modified, commands_executed,
				processing_time_seconds, git_commit_sha, git_branch, git_pr_url, workspace_path, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.TaskID, r.Output, string(files), string(commands),
			r.ProcessingTimeSeconds, r.GitCommitSHA, r.GitBranch, r.GitPRURL, r.WorkspacePath, r.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
		r.ID, err = res.LastInsertId()
		return err
	})
}

// UpdateResultCommit fills in commit metadata after a post-run commit.
func (s *Store) UpdateResultCommit(resultID int64, sha, branch string) error {
	return s.write(func(db *sqlx.DB) error {
		_, err := db.Exec(`
			UPDATE results SET git_commit_sha = ?, git_branch = ? WHERE id = ?`,
			sha, branch, resultID)
		return err
	})
}

// GetResult returns one result row by id.
func (s *Store) GetResult(id int64) (*Result, error) {
	var row resultRow
	if err := s.db.Get(&row, `SELECT * FROM results WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("result %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get result %d: %w", id, err)
	}
	return row.decode()
}

// ResultsForTask returns all results recorded for a task, oldest first.
func (s *Store) ResultsForTask(taskID int64) ([]*Result, error) {
	var rows []resultRow
	if err := s.db.Select(&rows, `
		SELECT * FROM results WHERE task_id = ? ORDER BY created_at`, taskID); err != nil {
		return nil, fmt.Errorf("results for task %d: %w", taskID, err)
	}
	out := make([]*Result, 0, len(rows))
	for i := range rows {
		r, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// DeleteResultsForTask removes all result rows of a task. The caller owns
// removal of the on-disk result files.
func (s *Store) DeleteResultsForTask(taskID int64) error {
	return s.write(func(db *sqlx.DB) error {
		_, err := db.Exec(`DELETE FROM results WHERE task_id = ?`, taskID)
		return err
	})
}
