package executor

import (
	"context"
	"testing"

	"github.com/sleeplessd/sleepless/internal/queue"
)

type captureAdder struct {
	added []struct {
		description string
		priority    queue.Priority
	}
}

func (c *captureAdder) AddTask(description string, priority queue.Priority, opts ...queue.TaskOption) (*queue.Task, error) {
	c.added = append(c.added, struct {
		description string
		priority    queue.Priority
	}{description, priority})
	return &queue.Task{ID: int64(len(c.added)), Description: description, Priority: priority}, nil
}

func TestRefinerCreatesFollowUp(t *testing.T) {
	adder := &captureAdder{}
	checker := &pauseOnDemand{percent: 30}
	refiner := NewRefiner(adder, checker, nil)

	project := "blog"
	name := "Blog Engine"
	task := &queue.Task{ID: 10, ProjectID: &project, ProjectName: &name}
	out := &Outcome{
		EvalStatus:      StatusPartial,
		Recommendations: []string{"- add pagination to the index"},
	}

	followUp := refiner.Consider(context.Background(), task, out)
	if followUp == nil {
		t.Fatal("expected follow-up task")
	}
	if followUp.Priority != queue.PrioritySerious {
		t.Errorf("priority: %s", followUp.Priority)
	}
	if followUp.Description != "Continue Blog Engine: add pagination to the index" {
		t.Errorf("description: %q", followUp.Description)
	}
}

func TestRefinerSkipsWhenUsageHigh(t *testing.T) {
	adder := &captureAdder{}
	checker := &pauseOnDemand{percent: 75}
	refiner := NewRefiner(adder, checker, nil)

	task := &queue.Task{ID: 11}
	out := &Outcome{EvalStatus: StatusIncomplete, Outstanding: []string{"- wrap up"}}
	if followUp := refiner.Consider(context.Background(), task, out); followUp != nil {
		t.Errorf("follow-up created at 75%% usage: %+v", followUp)
	}
}

func TestRefinerSessionCap(t *testing.T) {
	adder := &captureAdder{}
	refiner := NewRefiner(adder, &pauseOnDemand{percent: 10}, nil)
	refiner.MaxPerSession = 2

	out := &Outcome{EvalStatus: StatusPartial, Recommendations: []string{"- keep going"}}
	for i := int64(20); i < 25; i++ {
		refiner.Consider(context.Background(), &queue.Task{ID: i}, out)
	}
	if len(adder.added) != 2 {
		t.Errorf("follow-ups created: %d, want 2", len(adder.added))
	}
}

func TestRefinerSkipsCompleteTasks(t *testing.T) {
	adder := &captureAdder{}
	refiner := NewRefiner(adder, &pauseOnDemand{percent: 10}, nil)

	task := &queue.Task{ID: 12}
	out := &Outcome{EvalStatus: StatusComplete, Recommendations: []string{"- polish docs"}}
	if followUp := refiner.Consider(context.Background(), task, out); followUp != nil {
		t.Error("complete task should not spawn follow-up")
	}
	if len(adder.added) != 0 {
		t.Errorf("unexpected adds: %v", adder.added)
	}
}

func TestRefinerFallsBackToOutstanding(t *testing.T) {
	adder := &captureAdder{}
	refiner := NewRefiner(adder, &pauseOnDemand{percent: 10}, nil)

	task := &queue.Task{ID: 13}
	out := &Outcome{EvalStatus: StatusEvalFailed, Outstanding: []string{"[ ] restore the fixture data"}}
	followUp := refiner.Consider(context.Background(), task, out)
	if followUp == nil {
		t.Fatal("expected follow-up from outstanding item")
	}
	if followUp.Description != "Continue task 13: restore the fixture data" {
		t.Errorf("description: %q", followUp.Description)
	}
}
