package queue

import (
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
)

// Projects returns a summary for every project_id seen in the task table.
func (s *Store) Projects() ([]*ProjectSummary, error) {
	var ids []string
	if err := s.db.Select(&ids, `
		SELECT DISTINCT project_id FROM tasks WHERE project_id IS NOT NULL`); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}

	summaries := make([]*ProjectSummary, 0, len(ids))
	for _, id := range ids {
		summary, err := s.ProjectByID(id)
		if err != nil {
			return nil, err
		}
		if summary != nil {
			summaries = append(summaries, summary)
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ProjectID < summaries[j].ProjectID
	})
	return summaries, nil
}

// ProjectByID returns the derived summary for one project, or nil when the
// project has no tasks.
func (s *Store) ProjectByID(projectID string) (*ProjectSummary, error) {
	tasks, err := s.ProjectTasks(projectID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	summary := &ProjectSummary{
		ProjectID:   projectID,
		ProjectName: projectID,
		TotalTasks:  len(tasks),
	}
	for i, t := range tasks {
		if t.ProjectName != nil && *t.ProjectName != "" {
			summary.ProjectName = *t.ProjectName
		}
		if i == 0 || t.CreatedAt.Before(summary.CreatedAt) {
			summary.CreatedAt = t.CreatedAt
		}
		switch t.Status {
		case StatusPending:
			summary.Pending++
		case StatusInProgress:
			summary.InProgress++
		case StatusCompleted:
			summary.Completed++
		case StatusFailed:
			summary.Failed++
		}
	}
	return summary, nil
}

// ProjectTasks returns all tasks of a project, newest first.
func (s *Store) ProjectTasks(projectID string) ([]*Task, error) {
	var tasks []*Task
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("project tasks %s: %w", projectID, err)
	}
	return tasks, nil
}

// DeleteProject soft-cancels every pending task of a project and returns
// the number of tasks affected.
func (s *Store) DeleteProject(projectID string) (int, error) {
	var count int64
	err := s.write(func(db *sqlx.DB) error {
		res, err := db.Exec(`
			UPDATE tasks SET status = ?, deleted_at = ?
			WHERE project_id = ? AND status = ?`,
			StatusCancelled, s.now().UTC(), projectID, StatusPending)
		if err != nil {
			return err
		}
		count, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete project %s: %w", projectID, err)
	}
	s.logR.Info("queue: project soft-deleted", "project", projectID, "cancelled", count)
	return int(count), nil
}
