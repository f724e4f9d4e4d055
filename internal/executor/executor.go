// Package executor runs a single task by driving the agent CLI through
// a planner, worker, and evaluator phase inside the task's workspace.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sleeplessd/sleepless/internal/agentcli"
	"github.com/sleeplessd/sleepless/internal/livestatus"
	"github.com/sleeplessd/sleepless/internal/queue"
	"github.com/sleeplessd/sleepless/internal/usage"
)

// PhaseConfig bounds one pipeline phase.
type PhaseConfig struct {
	Enabled        bool
	MaxTurns       int
	TimeoutSeconds int
}

func (p PhaseConfig) timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// AgentClient is the streaming surface of the agent CLI the executor
// drives. *agentcli.Client satisfies it.
type AgentClient interface {
	Run(ctx context.Context, prompt string, opts agentcli.Options, handle func(agentcli.Message)) (*agentcli.FinalResult, error)
}

// Config wires the executor's collaborators.
type Config struct {
	Client     AgentClient
	Workspaces *Workspaces
	Live       *livestatus.Tracker
	Checker    usage.Checker // post-evaluation pause check; nil disables

	Planner   PhaseConfig
	Worker    PhaseConfig
	Evaluator PhaseConfig

	Model                 string
	PauseThresholdPercent float64
	// RefineSourceRoot, when set, is copied into refine-task workspaces.
	RefineSourceRoot string

	Log *slog.Logger
}

// PhaseMetrics is the usage of one phase. DurationMS is the CLI's wall
// time for the invocation, DurationAPIMS the time spent in API calls.
type PhaseMetrics struct {
	CostUSD       float64
	DurationMS    int64
	DurationAPIMS int64
	Turns         int
}

// Metrics aggregates usage across the pipeline.
type Metrics struct {
	TotalCostUSD  float64
	DurationMS    int64
	DurationAPIMS int64
	NumTurns      int

	Planner   PhaseMetrics
	Worker    PhaseMetrics
	Evaluator PhaseMetrics
}

// Outcome is the combined result of one task execution.
type Outcome struct {
	Output           string
	FilesModified    []string
	CommandsExecuted []string
	ExitCode         int
	Metrics          Metrics
	EvalStatus       string
	Outstanding      []string
	Recommendations  []string
	Workspace        string
}

// Executor orchestrates the three-phase pipeline for one task at a time.
type Executor struct {
	cfg Config
	log *slog.Logger
}

// New validates the wiring and returns an executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Client == nil {
		return nil, errors.New("executor: agent client required")
	}
	if cfg.Workspaces == nil {
		return nil, errors.New("executor: workspaces required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.PauseThresholdPercent <= 0 {
		cfg.PauseThresholdPercent = 85
	}
	if cfg.Planner.MaxTurns <= 0 {
		cfg.Planner = PhaseConfig{Enabled: true, MaxTurns: 3, TimeoutSeconds: 300}
	}
	if cfg.Worker.MaxTurns <= 0 {
		cfg.Worker = PhaseConfig{Enabled: true, MaxTurns: 3, TimeoutSeconds: 1800}
	}
	if cfg.Evaluator.MaxTurns <= 0 {
		cfg.Evaluator = PhaseConfig{Enabled: true, MaxTurns: 3, TimeoutSeconds: 300}
	}
	return &Executor{cfg: cfg, log: cfg.Log}, nil
}

// Execute runs the pipeline for one task. A *usage.PauseError return
// means the work so far is valid but the plan limit was hit.
func (e *Executor) Execute(ctx context.Context, task *queue.Task) (*Outcome, error) {
	log := e.log.With("task_id", task.ID, "priority", task.Priority)
	start := time.Now()

	e.liveUpdate(task, "initializing", "", "", "running")

	workspace, err := e.cfg.Workspaces.Provision(task.ID, task.Description, task.ProjectID)
	if err != nil {
		e.liveUpdate(task, "error", task.Description, err.Error(), "error")
		return nil, err
	}
	if task.TaskType == queue.TypeRefine && e.cfg.RefineSourceRoot != "" {
		e.cfg.Workspaces.CopySourceTree(e.cfg.RefineSourceRoot, workspace, task.ID)
	}
	e.cfg.Workspaces.EnsureReadme(workspace, task.ID, task.Description, string(task.Priority), task.ProjectName)
	defer e.cfg.Workspaces.CleanupCaches(workspace)

	out := &Outcome{Workspace: workspace}
	var sections []string

	// Planner.
	planText := "[Planner phase disabled]"
	if e.cfg.Planner.Enabled {
		text, metrics, err := e.runPlanner(ctx, task, workspace)
		out.Metrics.Planner = metrics
		out.Metrics.accumulate(metrics)
		if err != nil {
			log.Error("executor: planner failed", "error", err)
			planText = fmt.Sprintf("[Planner phase failed: %v]", err)
			out.ExitCode = 1
		} else {
			planText = text
			e.cfg.Workspaces.UpdateReadmePlan(workspace, planText)
		}
	}
	sections = append(sections, "## Planner Output\n"+planText)

	// Worker. Skipped when the planner failed.
	if e.cfg.Worker.Enabled && out.ExitCode == 0 {
		text, files, commands, exitCode, metrics, err := e.runWorker(ctx, task, workspace, planText)
		out.Metrics.Worker = metrics
		out.Metrics.accumulate(metrics)
		if err != nil {
			log.Error("executor: worker failed", "error", err)
			sections = append(sections, fmt.Sprintf("## Worker Output\n[Worker phase failed: %v]", err))
			out.ExitCode = 1
		} else {
			sections = append(sections, "## Worker Output\n"+text)
			out.FilesModified = files
			out.CommandsExecuted = commands
			out.ExitCode = exitCode
		}
	} else {
		sections = append(sections, "## Worker Output\n[Worker phase disabled or skipped due to planner failure]")
	}

	// Evaluator. Always runs so even failed attempts get a verdict.
	var pauseErr *usage.PauseError
	if e.cfg.Evaluator.Enabled {
		eval, metrics, err := e.runEvaluator(ctx, task, workspace, planText, strings.Join(sections, "\n"), out)
		out.Metrics.Evaluator = metrics
		out.Metrics.accumulate(metrics)
		switch {
		case err != nil && errors.As(err, &pauseErr):
			// Evaluation itself succeeded; the post-check tripped.
			e.applyEvaluation(workspace, eval, out, &sections)
		case err != nil:
			log.Error("executor: evaluator failed", "error", err)
			sections = append(sections, fmt.Sprintf("## Evaluator Output\n[Evaluator phase failed: %v]", err))
			out.EvalStatus = StatusEvalFailed
			out.ExitCode = 1
		default:
			e.applyEvaluation(workspace, eval, out, &sections)
		}
	} else {
		sections = append(sections, "## Evaluator Output\n[Evaluator phase disabled]")
	}

	elapsed := time.Since(start)
	out.Metrics.DurationMS = elapsed.Milliseconds()
	out.Output = strings.Join(sections, "\n")

	runStatus := "completed"
	if out.ExitCode != 0 {
		runStatus = "failed"
	}
	e.cfg.Workspaces.AppendExecutionHistory(workspace, runStatus, len(out.FilesModified), "", elapsed)

	last := sections[len(sections)-1]
	e.liveUpdate(task, "completed", task.Description, last, runStatus)

	log.Info("executor: workflow complete",
		"status", firstNonEmpty(out.EvalStatus, runStatus),
		"duration_ms", out.Metrics.DurationMS,
		"files", len(out.FilesModified),
		"commands", len(out.CommandsExecuted))

	if pauseErr != nil {
		return out, pauseErr
	}
	return out, nil
}

func (e *Executor) applyEvaluation(workspace string, eval Evaluation, out *Outcome, sections *[]string) {
	*sections = append(*sections, "## Evaluator Output\n"+eval.Text)
	out.EvalStatus = eval.Status
	out.Outstanding = eval.Outstanding
	out.Recommendations = eval.Recommendations
	e.cfg.Workspaces.UpdateReadmeEvaluation(workspace, eval.Status, eval.Outstanding, eval.Recommendations)
}

func (m *Metrics) accumulate(p PhaseMetrics) {
	m.TotalCostUSD += p.CostUSD
	m.DurationAPIMS += p.DurationAPIMS
	m.NumTurns += p.Turns
}

// runPhase drives one CLI invocation under the phase timeout. A timeout
// produces a marker string instead of the phase output.
func (e *Executor) runPhase(ctx context.Context, task *queue.Task, phase, prompt string, opts agentcli.Options, cfg PhaseConfig, onTool func(*agentcli.ToolUse)) (string, PhaseMetrics, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()

	promptPreview := strings.Join(strings.Fields(prompt), " ")
	e.liveUpdate(task, phase, promptPreview, "", "running")

	var parts []string
	var metrics PhaseMetrics
	final, err := e.cfg.Client.Run(phaseCtx, prompt, opts, func(m agentcli.Message) {
		switch {
		case m.Assistant != nil:
			text := strings.TrimSpace(m.Assistant.Text)
			if text != "" {
				parts = append(parts, text)
				e.liveUpdate(task, phase, promptPreview, text, "running")
			}
		case m.ToolUse != nil && onTool != nil:
			onTool(m.ToolUse)
		case m.Final != nil:
			metrics = PhaseMetrics{
				CostUSD:       m.Final.TotalCostUSD,
				DurationMS:    m.Final.DurationMS,
				DurationAPIMS: m.Final.DurationAPIMS,
				Turns:         m.Final.NumTurns,
			}
		}
	})

	if err != nil {
		if errors.Is(phaseCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			marker := fmt.Sprintf("[Phase failed: timed out after %ds]", int(cfg.timeout().Seconds()))
			e.liveUpdate(task, phase, promptPreview, marker, "error")
			return marker, metrics, fmt.Errorf("%s phase: timed out after %s", phase, cfg.timeout())
		}
		e.liveUpdate(task, phase, promptPreview, err.Error(), "error")
		return strings.Join(parts, "\n"), metrics, fmt.Errorf("%s phase: %w", phase, err)
	}

	output := strings.Join(parts, "\n")
	status := "completed"
	if final != nil && final.IsError {
		status = "error"
		if final.Result != "" {
			output += fmt.Sprintf("\n[Result: %s]", final.Result)
		}
	}
	e.liveUpdate(task, phase, promptPreview, output, status)
	if final != nil && final.IsError {
		return output, metrics, fmt.Errorf("%s phase: agent reported error", phase)
	}
	return output, metrics, nil
}

func (e *Executor) runPlanner(ctx context.Context, task *queue.Task, workspace string) (string, PhaseMetrics, error) {
	prompt := plannerPrompt(task, e.cfg.Workspaces.ReadContext(workspace))
	opts := agentcli.Options{
		WorkDir:        workspace,
		AllowedTools:   []string{"Read", "Glob", "Grep"},
		PermissionMode: "acceptEdits",
		MaxTurns:       e.cfg.Planner.MaxTurns,
		Model:          e.cfg.Model,
	}
	return e.runPhase(ctx, task, "planner", prompt, opts, e.cfg.Planner, nil)
}

func (e *Executor) runWorker(ctx context.Context, task *queue.Task, workspace, planText string) (string, []string, []string, int, PhaseMetrics, error) {
	prompt := workerPrompt(task, planText)
	opts := agentcli.Options{
		WorkDir:        workspace,
		AllowedTools:   []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep", "TodoWrite"},
		PermissionMode: "acceptEdits",
		MaxTurns:       e.cfg.Worker.MaxTurns,
		Model:          e.cfg.Model,
	}

	before := e.cfg.Workspaces.ListFiles(workspace)
	filesModified := map[string]bool{}
	var commands []string

	output, metrics, err := e.runPhase(ctx, task, "worker", prompt, opts, e.cfg.Worker, func(tool *agentcli.ToolUse) {
		switch tool.Name {
		case "Write", "Edit":
			if path, ok := tool.Input["file_path"].(string); ok && path != "" {
				filesModified[path] = true
			}
		case "Bash":
			if command, ok := tool.Input["command"].(string); ok && command != "" {
				commands = append(commands, command)
				e.liveUpdate(task, "worker", "", "[Bash] "+command, "running")
			}
		}
	})

	// Union tool-reported files with files that appeared on disk.
	after := e.cfg.Workspaces.ListFiles(workspace)
	for path := range after {
		if !before[path] {
			filesModified[path] = true
		}
	}
	files := make([]string, 0, len(filesModified))
	for path := range filesModified {
		files = append(files, path)
	}
	sort.Strings(files)

	if err != nil {
		return output, files, commands, 1, metrics, err
	}
	return output, files, commands, 0, metrics, nil
}

func (e *Executor) runEvaluator(ctx context.Context, task *queue.Task, workspace, planText, workerOutput string, out *Outcome) (Evaluation, PhaseMetrics, error) {
	prompt := evaluatorPrompt(task, planText, workerOutput, len(out.FilesModified), len(out.CommandsExecuted))
	opts := agentcli.Options{
		WorkDir:        workspace,
		AllowedTools:   []string{"Read", "Glob"},
		PermissionMode: "acceptEdits",
		MaxTurns:       e.cfg.Evaluator.MaxTurns,
		Model:          e.cfg.Model,
	}

	text, metrics, err := e.runPhase(ctx, task, "evaluator", prompt, opts, e.cfg.Evaluator, nil)
	if err != nil {
		return Evaluation{}, metrics, err
	}
	eval := ParseEvaluation(text)

	// Post-evaluation plan check: crossing the threshold suspends the
	// daemon rather than failing the task.
	if e.cfg.Checker != nil {
		if pause, reset := e.cfg.Checker.ShouldPause(ctx, e.cfg.PauseThresholdPercent); pause {
			percent := e.cfg.PauseThresholdPercent
			if reading, err := e.cfg.Checker.Check(ctx); err == nil && reading != nil {
				percent = reading.UsedPercent
			}
			e.log.Warn("executor: usage threshold reached after evaluation",
				"task_id", task.ID, "usage_percent", percent)
			return eval, metrics, &usage.PauseError{UsagePercent: percent, ResetTime: reset}
		}
	}
	return eval, metrics, nil
}

func (e *Executor) liveUpdate(task *queue.Task, phase, prompt, answer, status string) {
	if e.cfg.Live == nil {
		return
	}
	entry := livestatus.Entry{
		TaskID:        task.ID,
		Description:   task.Description,
		ProjectName:   task.ProjectName,
		Phase:         phase,
		PromptPreview: prompt,
		AnswerPreview: answer,
		Status:        status,
	}
	if err := e.cfg.Live.Update(entry); err != nil {
		e.log.Debug("executor: live status update failed", "task_id", task.ID, "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
