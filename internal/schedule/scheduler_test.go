package schedule

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sleeplessd/sleepless/internal/queue"
	"github.com/sleeplessd/sleepless/internal/usage"
)

type fakeChecker struct {
	pause bool
	reset time.Time
}

func (f *fakeChecker) ShouldPause(_ context.Context, _ float64) (bool, *time.Time) {
	if !f.pause {
		return false, nil
	}
	r := f.reset
	return true, &r
}

func (f *fakeChecker) Check(_ context.Context) (*usage.Reading, error) {
	return &usage.Reading{}, nil
}

func newTestScheduler(t *testing.T, checker *fakeChecker) (*Scheduler, *queue.Store) {
	t.Helper()
	store, err := queue.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	budget, err := NewBudgetManager(store, BudgetConfig{DailyBudgetUSD: "10.00"})
	if err != nil {
		t.Fatalf("budget: %v", err)
	}

	cfg := Config{
		Store:            store,
		Budget:           budget,
		MaxParallelTasks: 1,
	}
	if checker != nil {
		cfg.Checker = checker
	}
	sched, err := New(cfg)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	return sched, store
}

func TestAdmitsPendingTaskWithinSlots(t *testing.T) {
	sched, store := newTestScheduler(t, &fakeChecker{})

	if _, err := store.AddTask("first", queue.PrioritySerious); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddTask("second", queue.PriorityRandom); err != nil {
		t.Fatal(err)
	}

	tasks, err := sched.NextTasks(context.Background())
	if err != nil {
		t.Fatalf("NextTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1 (single slot)", len(tasks))
	}
	if tasks[0].Priority != queue.PrioritySerious {
		t.Errorf("expected serious task first, got %s", tasks[0].Priority)
	}
}

func TestNoSlotsWhenBusy(t *testing.T) {
	sched, store := newTestScheduler(t, &fakeChecker{})

	running, err := store.AddTask("running", queue.PrioritySerious)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.MarkInProgress(running.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddTask("waiting", queue.PrioritySerious); err != nil {
		t.Fatal(err)
	}

	tasks, err := sched.NextTasks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("got %d tasks with zero free slots", len(tasks))
	}
}

func TestPauseRespect(t *testing.T) {
	checker := &fakeChecker{pause: true, reset: time.Now().Add(30 * time.Minute)}
	sched, store := newTestScheduler(t, checker)

	if _, err := store.AddTask("queued during pause", queue.PrioritySerious); err != nil {
		t.Fatal(err)
	}

	// First tick observes high usage and opens the pause window.
	tasks, err := sched.NextTasks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatal("tasks admitted while usage above threshold")
	}

	remaining, paused := sched.PauseRemaining()
	if !paused {
		t.Fatal("expected active pause window")
	}
	// Window = reset(30m) + 1m grace.
	if remaining < 29*time.Minute || remaining > 32*time.Minute {
		t.Errorf("pause remaining: %v", remaining)
	}

	// Even with the checker now calm, the window must hold.
	checker.pause = false
	tasks, err = sched.NextTasks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Error("tasks admitted during pause window")
	}

	// Jump past the window: gate reopens.
	sched.SetClock(func() time.Time { return time.Now().Add(32 * time.Minute) })
	tasks, err = sched.NextTasks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Errorf("expected task after pause, got %d", len(tasks))
	}
}

func TestPauseUsesDefaultWhenResetSoon(t *testing.T) {
	// Reset already passed: window = now + default(5m) + grace(1m).
	checker := &fakeChecker{pause: true, reset: time.Now().Add(-time.Minute)}
	sched, _ := newTestScheduler(t, checker)

	if _, err := sched.NextTasks(context.Background()); err != nil {
		t.Fatal(err)
	}
	remaining, paused := sched.PauseRemaining()
	if !paused {
		t.Fatal("expected pause")
	}
	if remaining < 5*time.Minute || remaining > 7*time.Minute {
		t.Errorf("default pause remaining: %v", remaining)
	}
}

func TestBudgetFallbackGate(t *testing.T) {
	// No checker configured: the budget decides.
	sched, store := newTestScheduler(t, nil)

	task, err := store.AddTask("pricey work", queue.PrioritySerious)
	if err != nil {
		t.Fatal(err)
	}

	// Burn the whole day's budget.
	if err := store.RecordUsage(&queue.UsageMetric{TaskID: task.ID, TotalCostUSD: "10.00"}); err != nil {
		t.Fatal(err)
	}

	tasks, err := sched.NextTasks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Error("tasks admitted with budget exhausted")
	}
}

func TestPriorityScore(t *testing.T) {
	sched, store := newTestScheduler(t, nil)

	task, err := store.AddTask("score me", queue.PrioritySerious)
	if err != nil {
		t.Fatal(err)
	}
	score := sched.PriorityScore(task)
	if score < 999 || score > 1001 {
		t.Errorf("fresh serious score: %v", score)
	}

	task.AttemptCount = 2
	if got := sched.PriorityScore(task); got >= score {
		t.Errorf("attempts did not lower the score: %v >= %v", got, score)
	}
}

func TestRecordTaskUsage(t *testing.T) {
	sched, store := newTestScheduler(t, nil)

	task, err := store.AddTask("metered", queue.PrioritySerious)
	if err != nil {
		t.Fatal(err)
	}
	if err := sched.RecordTaskUsage(task.ID, "0.42", 1200, 900, 5, "blog"); err != nil {
		t.Fatalf("RecordTaskUsage: %v", err)
	}

	total, err := store.UsageCostInPeriod(time.Now().Add(-time.Minute), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if total.String() != "0.42" {
		t.Errorf("recorded cost: %s", total)
	}
}
