// Package queue implements the persistent task store and its state machine.
package queue

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Priority orders tasks in the queue. Serious beats random beats generated.
type Priority string

const (
	PrioritySerious   Priority = "serious"
	PriorityRandom    Priority = "random"
	PriorityGenerated Priority = "generated"
)

// Rank returns the dequeue bucket: lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PrioritySerious:
		return 0
	case PriorityRandom:
		return 1
	default:
		return 2
	}
}

// ParsePriority validates a user-supplied priority string.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PrioritySerious, PriorityRandom, PriorityGenerated:
		return Priority(s), nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// TaskType distinguishes greenfield tasks from refinements of existing work.
type TaskType string

const (
	TypeNew    TaskType = "new"
	TypeRefine TaskType = "refine"
)

// Task is the unit of work.
type Task struct {
	ID           int64      `db:"id" json:"id"`
	Description  string     `db:"description" json:"description"`
	Priority     Priority   `db:"priority" json:"priority"`
	Status       Status     `db:"status" json:"status"`
	TaskType     TaskType   `db:"task_type" json:"task_type"`
	Context      *string    `db:"context" json:"context,omitempty"`
	AssignedTo   *string    `db:"assigned_to" json:"assigned_to,omitempty"`
	ProjectID    *string    `db:"project_id" json:"project_id,omitempty"`
	ProjectName  *string    `db:"project_name" json:"project_name,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	ResultID     *int64     `db:"result_id" json:"result_id,omitempty"`
	AttemptCount int        `db:"attempt_count" json:"attempt_count"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	DeletedAt    *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Terminal reports whether the task reached an end-of-life status.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Project returns the project id or "" when the task is unscoped.
func (t *Task) Project() string {
	if t.ProjectID == nil {
		return ""
	}
	return *t.ProjectID
}

// Result records one completed execution attempt. files_modified and
// commands_executed are persisted as JSON arrays.
type Result struct {
	ID                    int64     `db:"id" json:"result_id"`
	TaskID                int64     `db:"task_id" json:"task_id"`
	Output                string    `db:"output" json:"output"`
	FilesModified         []string  `db:"-" json:"files_modified"`
	CommandsExecuted      []string  `db:"-" json:"commands_executed"`
	ProcessingTimeSeconds int       `db:"processing_time_seconds" json:"processing_time_seconds"`
	GitCommitSHA          string    `db:"git_commit_sha" json:"git_commit_sha,omitempty"`
	GitBranch             string    `db:"git_branch" json:"git_branch,omitempty"`
	GitPRURL              string    `db:"git_pr_url" json:"git_pr_url,omitempty"`
	WorkspacePath         string    `db:"workspace_path" json:"workspace_path,omitempty"`
	CreatedAt             time.Time `db:"created_at" json:"created_at"`
}

// UsageMetric is an append-only cost record for one phase-completion.
// TotalCostUSD is string-encoded to keep decimal precision.
type UsageMetric struct {
	ID            int64     `db:"id" json:"id"`
	TaskID        int64     `db:"task_id" json:"task_id"`
	TotalCostUSD  string    `db:"total_cost_usd" json:"total_cost_usd"`
	DurationMS    int64     `db:"duration_ms" json:"duration_ms"`
	DurationAPIMS int64     `db:"duration_api_ms" json:"duration_api_ms"`
	NumTurns      int       `db:"num_turns" json:"num_turns"`
	ProjectID     *string   `db:"project_id" json:"project_id,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// GenerationRecord is an append-only audit row for one auto-generated task.
type GenerationRecord struct {
	ID                       int64     `db:"id" json:"id"`
	TaskID                   int64     `db:"task_id" json:"task_id"`
	Source                   string    `db:"source" json:"source"`
	UsagePercentAtGeneration float64   `db:"usage_percent_at_generation" json:"usage_percent_at_generation"`
	SourceMetadata           string    `db:"source_metadata" json:"source_metadata"`
	CreatedAt                time.Time `db:"created_at" json:"created_at"`
}

// QueueStatus holds per-status counts for observability.
type QueueStatus struct {
	Total      int `db:"total" json:"total"`
	Pending    int `db:"pending" json:"pending"`
	InProgress int `db:"in_progress" json:"in_progress"`
	Completed  int `db:"completed" json:"completed"`
	Failed     int `db:"failed" json:"failed"`
}

// ProjectSummary is the derived per-project view over tasks.
type ProjectSummary struct {
	ProjectID   string    `json:"project_id"`
	ProjectName string    `json:"project_name"`
	TotalTasks  int       `json:"total_tasks"`
	Pending     int       `json:"pending"`
	InProgress  int       `json:"in_progress"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	CreatedAt   time.Time `json:"created_at"`
}
