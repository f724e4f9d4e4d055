package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sleeplessd/sleepless/internal/queue"
	"github.com/sleeplessd/sleepless/internal/usage"
)

// TaskAdder is the slice of the queue API the refinement hook needs.
type TaskAdder interface {
	AddTask(description string, priority queue.Priority, opts ...queue.TaskOption) (*queue.Task, error)
}

// Refiner turns unfinished evaluations into follow-up tasks when plan
// usage leaves room for more work. MaxPerSession caps how many follow-ups
// one daemon session may create; zero means unlimited.
type Refiner struct {
	Queue               TaskAdder
	Checker             usage.Checker
	LowThresholdPercent float64
	MaxPerSession       int
	Log                 *slog.Logger

	created int
}

// NewRefiner applies the default 60% usage gate.
func NewRefiner(q TaskAdder, checker usage.Checker, log *slog.Logger) *Refiner {
	if log == nil {
		log = slog.Default()
	}
	return &Refiner{Queue: q, Checker: checker, LowThresholdPercent: 60, Log: log}
}

// Consider enqueues one serious follow-up for a task whose evaluation
// came back unfinished. It returns the created task, or nil when no
// follow-up is warranted.
func (r *Refiner) Consider(ctx context.Context, task *queue.Task, out *Outcome) *queue.Task {
	if r.Queue == nil || out == nil {
		return nil
	}
	if r.MaxPerSession > 0 && r.created >= r.MaxPerSession {
		r.Log.Debug("refiner: session cap reached", "created", r.created)
		return nil
	}
	switch out.EvalStatus {
	case StatusPartial, StatusIncomplete, StatusEvalFailed:
	default:
		return nil
	}

	seed := ""
	if len(out.Recommendations) > 0 {
		seed = ItemText(out.Recommendations[0])
	} else if len(out.Outstanding) > 0 {
		seed = ItemText(out.Outstanding[0])
	}
	if seed == "" {
		return nil
	}

	if r.Checker != nil {
		reading, err := r.Checker.Check(ctx)
		if err != nil || reading == nil || reading.UsedPercent >= r.LowThresholdPercent {
			return nil
		}
	}

	subject := task.Project()
	if task.ProjectName != nil && *task.ProjectName != "" {
		subject = *task.ProjectName
	}
	if subject == "" {
		subject = fmt.Sprintf("task %d", task.ID)
	}
	description := fmt.Sprintf("Continue %s: %s", subject, seed)

	opts := []queue.TaskOption{}
	if task.ProjectID != nil {
		name := ""
		if task.ProjectName != nil {
			name = *task.ProjectName
		}
		opts = append(opts, queue.WithProject(*task.ProjectID, name))
	}
	followUp, err := r.Queue.AddTask(description, queue.PrioritySerious, opts...)
	if err != nil {
		r.Log.Warn("refiner: follow-up enqueue failed", "task_id", task.ID, "error", err)
		return nil
	}
	r.created++
	r.Log.Info("refiner: follow-up task created",
		"source_task_id", task.ID, "task_id", followUp.ID, "description", description)
	return followUp
}
