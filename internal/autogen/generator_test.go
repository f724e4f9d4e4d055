package autogen

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sleeplessd/sleepless/internal/agentcli"
	"github.com/sleeplessd/sleepless/internal/queue"
	"github.com/sleeplessd/sleepless/internal/schedule"
)

type scriptedRunner struct {
	text  string
	err   error
	calls int
}

func (r *scriptedRunner) Run(_ context.Context, _ string, _ agentcli.Options, handle func(agentcli.Message)) (*agentcli.FinalResult, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	if handle != nil {
		handle(agentcli.Message{Assistant: &agentcli.AssistantText{Text: r.text}})
	}
	return &agentcli.FinalResult{}, nil
}

func newTestGenerator(t *testing.T, runner PromptRunner, cfg Config) (*Generator, *queue.Store) {
	t.Helper()
	store, err := queue.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	budget, err := schedule.NewBudgetManager(store, schedule.BudgetConfig{DailyBudgetUSD: "10.00"})
	if err != nil {
		t.Fatalf("budget: %v", err)
	}
	cfg.Enabled = true
	if len(cfg.Prompts) == 0 {
		cfg.Prompts = []Prompt{{Name: "ideas", Prompt: "suggest one improvement", Weight: 1}}
	}
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	return New(store, budget, runner, cfg, nil), store
}

// pinClocks places both the store and generator at a fixed daytime
// instant so rate windows and usage periods are deterministic.
func pinClocks(g *Generator, store *queue.Store, at time.Time) {
	g.now = func() time.Time { return at }
	store.SetClock(func() time.Time { return at })
	g.budget.SetClock(func() time.Time { return at })
}

func TestGeneratesTaskWhenGatesOpen(t *testing.T) {
	runner := &scriptedRunner{text: "[NEW] Build a changelog generator"}
	g, store := newTestGenerator(t, runner, Config{})
	pinClocks(g, store, time.Date(2026, 5, 4, 12, 10, 0, 0, time.UTC))
	g.rng = func() float64 { return 0.1 } // below random_ratio: stays generated

	task := g.CheckAndGenerate(context.Background())
	if task == nil {
		t.Fatal("expected generated task")
	}
	if task.Description != "Build a changelog generator" {
		t.Errorf("description: %q", task.Description)
	}
	if task.Priority != queue.PriorityGenerated {
		t.Errorf("priority: %s", task.Priority)
	}
	if task.TaskType != queue.TypeNew {
		t.Errorf("task type: %s", task.TaskType)
	}

	count, err := store.GenerationCountSince(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("generation history count: %d", count)
	}
}

func TestRandomRatioEscalatesToSerious(t *testing.T) {
	runner := &scriptedRunner{text: "Polish the docs"}
	g, store := newTestGenerator(t, runner, Config{})
	pinClocks(g, store, time.Date(2026, 5, 4, 12, 10, 0, 0, time.UTC))
	g.rng = func() float64 { return 0.9 } // above random_ratio: escalate

	task := g.CheckAndGenerate(context.Background())
	if task == nil {
		t.Fatal("expected task")
	}
	if task.Priority != queue.PrioritySerious {
		t.Errorf("priority: %s", task.Priority)
	}
}

func TestHourlyRateLimit(t *testing.T) {
	runner := &scriptedRunner{text: "Another idea"}
	g, store := newTestGenerator(t, runner, Config{RateLimitDay: 1})
	base := time.Date(2026, 5, 4, 12, 5, 0, 0, time.UTC)
	pinClocks(g, store, base)

	// Two ticks in the same hour: one task.
	if g.CheckAndGenerate(context.Background()) == nil {
		t.Fatal("first tick should generate")
	}
	if g.CheckAndGenerate(context.Background()) != nil {
		t.Error("second tick in same hour should be throttled")
	}
	// Third tick, still same hour.
	pinClocks(g, store, base.Add(30*time.Minute))
	if g.CheckAndGenerate(context.Background()) != nil {
		t.Error("third tick in same hour should be throttled")
	}
	// Past the hour boundary the counter resets.
	pinClocks(g, store, base.Add(time.Hour))
	if g.CheckAndGenerate(context.Background()) == nil {
		t.Error("tick after hour boundary should generate")
	}
}

func TestNightRateLimitHigher(t *testing.T) {
	runner := &scriptedRunner{text: "Night idea"}
	g, store := newTestGenerator(t, runner, Config{RateLimitDay: 1, RateLimitNight: 2})
	night := time.Date(2026, 5, 4, 23, 5, 0, 0, time.UTC)
	pinClocks(g, store, night)

	if g.CheckAndGenerate(context.Background()) == nil {
		t.Fatal("first night tick")
	}
	if g.CheckAndGenerate(context.Background()) == nil {
		t.Fatal("second night tick should pass with night limit 2")
	}
	if g.CheckAndGenerate(context.Background()) != nil {
		t.Error("third night tick should be throttled")
	}
}

func TestRateLimitUsesLocalClock(t *testing.T) {
	runner := &scriptedRunner{text: "Late idea"}
	g, store := newTestGenerator(t, runner, Config{RateLimitDay: 1, RateLimitNight: 2})

	// 21:05 local is night even though the UTC hour is daytime.
	zone := time.FixedZone("UTC+9", 9*3600)
	night := time.Date(2026, 5, 4, 21, 5, 0, 0, zone) // 12:05 UTC
	pinClocks(g, store, night)

	if g.CheckAndGenerate(context.Background()) == nil {
		t.Fatal("first tick")
	}
	if g.CheckAndGenerate(context.Background()) == nil {
		t.Fatal("second tick should pass with the night limit")
	}
	if g.CheckAndGenerate(context.Background()) != nil {
		t.Error("third tick should be throttled")
	}
}

func TestUsageGateBlocksGeneration(t *testing.T) {
	runner := &scriptedRunner{text: "idea"}
	g, store := newTestGenerator(t, runner, Config{})
	at := time.Date(2026, 5, 4, 12, 10, 0, 0, time.UTC)
	pinClocks(g, store, at)

	// Day quota is $1 (night keeps 90%); $0.70 is 70% >= threshold 60.
	task, err := store.AddTask("burner", queue.PrioritySerious)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.RecordUsage(&queue.UsageMetric{TaskID: task.ID, TotalCostUSD: "0.70"}); err != nil {
		t.Fatal(err)
	}

	if got := g.CheckAndGenerate(context.Background()); got != nil {
		t.Errorf("generated above usage threshold: %+v", got)
	}
	if runner.calls != 0 {
		t.Errorf("prompt invoked despite closed gate: %d calls", runner.calls)
	}
}

func TestPromptFailureIsSilent(t *testing.T) {
	runner := &scriptedRunner{err: context.DeadlineExceeded}
	g, store := newTestGenerator(t, runner, Config{})
	pinClocks(g, store, time.Date(2026, 5, 4, 12, 10, 0, 0, time.UTC))

	if task := g.CheckAndGenerate(context.Background()); task != nil {
		t.Errorf("task created from failed prompt: %+v", task)
	}
	status, err := store.Status()
	if err != nil {
		t.Fatal(err)
	}
	if status.Total != 0 {
		t.Errorf("tasks present after failure: %d", status.Total)
	}
}

func TestParseTaskType(t *testing.T) {
	cases := []struct {
		in       string
		wantDesc string
		wantType queue.TaskType
	}{
		{"[NEW] build a thing", "build a thing", queue.TypeNew},
		{"[REFINE] improve the parser", "improve the parser", queue.TypeRefine},
		{"[refine] lowercase prefix", "lowercase prefix", queue.TypeRefine},
		{"no prefix at all", "no prefix at all", queue.TypeNew},
	}
	for _, tc := range cases {
		desc, taskType := ParseTaskType(tc.in)
		if desc != tc.wantDesc || taskType != tc.wantType {
			t.Errorf("ParseTaskType(%q) = (%q, %s), want (%q, %s)", tc.in, desc, taskType, tc.wantDesc, tc.wantType)
		}
	}
}

func TestWeightedPromptSelection(t *testing.T) {
	runner := &scriptedRunner{text: "x"}
	g, _ := newTestGenerator(t, runner, Config{Prompts: []Prompt{
		{Name: "small", Prompt: "a", Weight: 0.5},
		{Name: "big", Prompt: "b", Weight: 2},
	}})

	// 0.5 and 2 scale to 5 and 20 copies.
	g.pick = func(n int) int {
		if n != 25 {
			t.Fatalf("weighted pool size: %d", n)
		}
		return 0
	}
	if got := g.selectPrompt(); got.Name != "small" {
		t.Errorf("index 0 prompt: %s", got.Name)
	}
	g.pick = func(n int) int { return 24 }
	if got := g.selectPrompt(); got.Name != "big" {
		t.Errorf("index 24 prompt: %s", got.Name)
	}
}
