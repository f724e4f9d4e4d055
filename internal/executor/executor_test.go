package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sleeplessd/sleepless/internal/agentcli"
	"github.com/sleeplessd/sleepless/internal/queue"
	"github.com/sleeplessd/sleepless/internal/usage"
)

// phaseScript maps a phase (detected from the allowed tools) to the
// messages the fake CLI emits.
type fakeAgent struct {
	planner   []agentcli.Message
	worker    []agentcli.Message
	evaluator []agentcli.Message

	workerDelay time.Duration
	calls       []string
	sideEffect  func(phase, workDir string)
}

func (f *fakeAgent) Run(ctx context.Context, prompt string, opts agentcli.Options, handle func(agentcli.Message)) (*agentcli.FinalResult, error) {
	phase := phaseFor(opts)
	f.calls = append(f.calls, phase)

	if phase == "worker" && f.workerDelay > 0 {
		select {
		case <-time.After(f.workerDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.sideEffect != nil {
		f.sideEffect(phase, opts.WorkDir)
	}

	var script []agentcli.Message
	switch phase {
	case "planner":
		script = f.planner
	case "worker":
		script = f.worker
	case "evaluator":
		script = f.evaluator
	}
	var final *agentcli.FinalResult
	for _, msg := range script {
		if handle != nil {
			handle(msg)
		}
		if msg.Final != nil {
			final = msg.Final
		}
	}
	if final == nil {
		final = &agentcli.FinalResult{}
		handle(agentcli.Message{Final: final})
	}
	return final, nil
}

func phaseFor(opts agentcli.Options) string {
	tools := strings.Join(opts.AllowedTools, ",")
	switch {
	case strings.Contains(tools, "Write"):
		return "worker"
	case strings.Contains(tools, "Grep"):
		return "planner"
	default:
		return "evaluator"
	}
}

func text(s string) agentcli.Message {
	return agentcli.Message{Assistant: &agentcli.AssistantText{Text: s}}
}

func toolUse(name string, input map[string]any) agentcli.Message {
	return agentcli.Message{ToolUse: &agentcli.ToolUse{Name: name, Input: input}}
}

func finalMsg(cost float64, turns int) agentcli.Message {
	return agentcli.Message{Final: &agentcli.FinalResult{
		TotalCostUSD:  cost,
		DurationMS:    1000,
		DurationAPIMS: 700,
		NumTurns:      turns,
	}}
}

type pauseOnDemand struct {
	pause   bool
	percent float64
	reset   time.Time
}

func (p *pauseOnDemand) Check(context.Context) (*usage.Reading, error) {
	return &usage.Reading{UsedPercent: p.percent}, nil
}

func (p *pauseOnDemand) ShouldPause(context.Context, float64) (bool, *time.Time) {
	if !p.pause {
		return false, nil
	}
	r := p.reset
	return true, &r
}

func newTestExecutor(t *testing.T, agent AgentClient, checker usage.Checker) (*Executor, *Workspaces) {
	t.Helper()
	w := newTestWorkspaces(t)
	exec, err := New(Config{
		Client:     agent,
		Workspaces: w,
		Checker:    checker,
		Planner:    PhaseConfig{Enabled: true, MaxTurns: 3, TimeoutSeconds: 300},
		Worker:     PhaseConfig{Enabled: true, MaxTurns: 3, TimeoutSeconds: 1800},
		Evaluator:  PhaseConfig{Enabled: true, MaxTurns: 3, TimeoutSeconds: 300},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return exec, w
}

func sampleTask(id int64) *queue.Task {
	return &queue.Task{
		ID:          id,
		Description: "build a log parser",
		Priority:    queue.PrioritySerious,
		TaskType:    queue.TypeNew,
	}
}

func TestExecuteFullPipeline(t *testing.T) {
	agent := &fakeAgent{
		planner: []agentcli.Message{text("1. write parser\n2. add tests"), finalMsg(0.02, 2)},
		worker: []agentcli.Message{
			text("implementing"),
			toolUse("Write", map[string]any{"file_path": "parser.go"}),
			toolUse("Bash", map[string]any{"command": "go test ./..."}),
			finalMsg(0.30, 8),
		},
		evaluator: []agentcli.Message{
			text("Completion status: COMPLETE\nAll objectives met."),
			finalMsg(0.05, 2),
		},
		sideEffect: func(phase, workDir string) {
			if phase == "worker" {
				os.WriteFile(filepath.Join(workDir, "parser_test.go"), []byte("package main"), 0o644)
			}
		},
	}
	exec, _ := newTestExecutor(t, agent, nil)

	out, err := exec.Execute(context.Background(), sampleTask(1))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.ExitCode != 0 {
		t.Errorf("exit code: %d", out.ExitCode)
	}
	if out.EvalStatus != StatusComplete {
		t.Errorf("eval status: %s", out.EvalStatus)
	}

	// Tool-reported file plus the on-disk delta, sorted.
	if len(out.FilesModified) != 2 || out.FilesModified[0] != "parser.go" || out.FilesModified[1] != "parser_test.go" {
		t.Errorf("files modified: %v", out.FilesModified)
	}
	if len(out.CommandsExecuted) != 1 || out.CommandsExecuted[0] != "go test ./..." {
		t.Errorf("commands: %v", out.CommandsExecuted)
	}

	// Phase ordering inside the combined output.
	planner := strings.Index(out.Output, "## Planner Output")
	worker := strings.Index(out.Output, "## Worker Output")
	evaluator := strings.Index(out.Output, "## Evaluator Output")
	if !(planner >= 0 && planner < worker && worker < evaluator) {
		t.Errorf("section order wrong: %d %d %d", planner, worker, evaluator)
	}

	// Metrics aggregate across phases.
	if out.Metrics.TotalCostUSD < 0.369 || out.Metrics.TotalCostUSD > 0.371 {
		t.Errorf("total cost: %v", out.Metrics.TotalCostUSD)
	}
	if out.Metrics.NumTurns != 12 {
		t.Errorf("turns: %d", out.Metrics.NumTurns)
	}
	// API time sums the per-phase duration_api_ms, wall time is measured
	// here rather than trusting the CLI.
	if out.Metrics.DurationAPIMS != 2100 {
		t.Errorf("api duration: %d", out.Metrics.DurationAPIMS)
	}
	if out.Metrics.Worker.DurationMS != 1000 || out.Metrics.Worker.DurationAPIMS != 700 {
		t.Errorf("worker phase metrics: %+v", out.Metrics.Worker)
	}
	if agent.calls[0] != "planner" || agent.calls[1] != "worker" || agent.calls[2] != "evaluator" {
		t.Errorf("phase call order: %v", agent.calls)
	}
}

func TestWorkerTimeoutMarksPhaseFailed(t *testing.T) {
	agent := &fakeAgent{
		planner:     []agentcli.Message{text("plan"), finalMsg(0.01, 1)},
		workerDelay: 500 * time.Millisecond,
		evaluator:   []agentcli.Message{text("status: FAILED due to error"), finalMsg(0.01, 1)},
	}
	exec, _ := newTestExecutor(t, agent, nil)
	exec.cfg.Worker.TimeoutSeconds = 1
	// Shrink the wait so the test stays fast.
	agent.workerDelay = 1500 * time.Millisecond

	out, err := exec.Execute(context.Background(), sampleTask(2))
	if err != nil {
		t.Fatalf("Execute returned error for phase timeout: %v", err)
	}
	if out.ExitCode == 0 {
		t.Error("exit code should be non-zero after worker timeout")
	}
	if !strings.Contains(out.Output, "[Worker phase failed:") {
		t.Errorf("missing failure marker: %s", out.Output)
	}
}

func TestPlannerFailureSkipsWorker(t *testing.T) {
	agent := &fakeAgent{
		planner: []agentcli.Message{{Final: &agentcli.FinalResult{IsError: true, Result: "boom"}}},
		evaluator: []agentcli.Message{
			text("Completion status: FAILED, planner error"), finalMsg(0, 1),
		},
	}
	exec, _ := newTestExecutor(t, agent, nil)

	out, err := exec.Execute(context.Background(), sampleTask(3))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.ExitCode == 0 {
		t.Error("exit code should reflect planner failure")
	}
	for _, call := range agent.calls {
		if call == "worker" {
			t.Error("worker ran despite planner failure")
		}
	}
	if !strings.Contains(out.Output, "skipped due to planner failure") {
		t.Errorf("output: %s", out.Output)
	}
}

func TestPauseSignalAfterEvaluation(t *testing.T) {
	reset := time.Now().Add(2 * time.Hour)
	checker := &pauseOnDemand{pause: true, percent: 91, reset: reset}
	agent := &fakeAgent{
		planner:   []agentcli.Message{text("plan"), finalMsg(0.01, 1)},
		worker:    []agentcli.Message{text("done"), finalMsg(0.10, 4)},
		evaluator: []agentcli.Message{text("Completion status: COMPLETE"), finalMsg(0.01, 1)},
	}
	exec, _ := newTestExecutor(t, agent, checker)

	out, err := exec.Execute(context.Background(), sampleTask(4))
	var pauseErr *usage.PauseError
	if !errors.As(err, &pauseErr) {
		t.Fatalf("expected PauseError, got %v", err)
	}
	if pauseErr.UsagePercent != 91 {
		t.Errorf("pause percent: %v", pauseErr.UsagePercent)
	}
	if pauseErr.ResetTime == nil || !pauseErr.ResetTime.Equal(reset) {
		t.Errorf("pause reset: %v", pauseErr.ResetTime)
	}
	// The outcome is still usable for a partial result.
	if out == nil || out.EvalStatus != StatusComplete {
		t.Fatalf("outcome alongside pause: %+v", out)
	}
}

func TestReadmeUpdatedAfterEvaluation(t *testing.T) {
	agent := &fakeAgent{
		planner: []agentcli.Message{text("the plan"), finalMsg(0.01, 1)},
		worker:  []agentcli.Message{text("partial work"), finalMsg(0.05, 2)},
		evaluator: []agentcli.Message{
			text("Completion status: PARTIAL\n\nOutstanding items:\n- finish error handling\n\nRecommendations:\n- add retries"),
			finalMsg(0.01, 1),
		},
	}
	exec, w := newTestExecutor(t, agent, nil)

	out, err := exec.Execute(context.Background(), sampleTask(6))
	if err != nil {
		t.Fatal(err)
	}
	if out.EvalStatus != StatusPartial {
		t.Errorf("status: %s", out.EvalStatus)
	}
	if len(out.Outstanding) != 1 || len(out.Recommendations) != 1 {
		t.Errorf("extraction: %v / %v", out.Outstanding, out.Recommendations)
	}

	dir, ok := w.FindTaskWorkspace(6)
	if !ok {
		t.Fatal("workspace missing")
	}
	raw, err := os.ReadFile(filepath.Join(dir, "README.md"))
	if err != nil {
		t.Fatal(err)
	}
	content := string(raw)
	if !strings.Contains(content, "## Status: PARTIAL") {
		t.Error("readme status not updated")
	}
	if !strings.Contains(content, "- finish error handling") {
		t.Error("readme outstanding not updated")
	}
	if !strings.Contains(content, "the plan") {
		t.Error("readme plan not updated")
	}
}
