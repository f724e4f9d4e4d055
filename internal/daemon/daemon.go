// Package daemon is the composition root: it wires the store, scheduler,
// executor, generator, git, reports, and gateway together and runs the
// main loop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sleeplessd/sleepless/internal/agentcli"
	"github.com/sleeplessd/sleepless/internal/autogen"
	"github.com/sleeplessd/sleepless/internal/config"
	"github.com/sleeplessd/sleepless/internal/events"
	"github.com/sleeplessd/sleepless/internal/executor"
	"github.com/sleeplessd/sleepless/internal/gateway"
	"github.com/sleeplessd/sleepless/internal/gitops"
	"github.com/sleeplessd/sleepless/internal/heartbeat"
	"github.com/sleeplessd/sleepless/internal/livestatus"
	"github.com/sleeplessd/sleepless/internal/queue"
	"github.com/sleeplessd/sleepless/internal/reports"
	"github.com/sleeplessd/sleepless/internal/results"
	"github.com/sleeplessd/sleepless/internal/schedule"
	"github.com/sleeplessd/sleepless/internal/usage"
)

const (
	defaultTick  = 5 * time.Second
	maxPauseWait = 5 * time.Minute
)

// Daemon owns the long-running agent process.
type Daemon struct {
	cfg *config.Config
	log *slog.Logger

	store      *queue.Store
	bus        *events.Bus
	budget     *schedule.BudgetManager
	sched      *schedule.Scheduler
	checker    usage.Checker
	client     *agentcli.Client
	workspaces *executor.Workspaces
	exec       *executor.Executor
	refiner    *executor.Refiner
	generator  *autogen.Generator
	results    *results.Manager
	git        *gitops.Manager
	live       *livestatus.Tracker
	server     *gateway.Server
	reporter   *reports.Reporter

	reloader *config.Reloader

	now     func() time.Time
	tick    time.Duration
	closers []io.Closer
}

// UseReloader makes runtime limits (task timeout, workspace cleanup)
// follow config reloads triggered by SIGHUP. Structural settings such as
// paths, the gateway address, and git branches still need a restart.
func (d *Daemon) UseReloader(r *config.Reloader) {
	d.reloader = r
}

// conf returns the live config when a reloader is attached.
func (d *Daemon) conf() *config.Config {
	if d.reloader != nil {
		return d.reloader.Current()
	}
	return d.cfg
}

// New builds the daemon from config. Any wiring failure here is fatal.
func New(cfg *config.Config, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}
	d := &Daemon{cfg: cfg, log: log, now: time.Now, tick: defaultTick}

	if err := os.MkdirAll(filepath.Dir(cfg.Agent.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	store, err := queue.Open(cfg.Agent.DBPath)
	if err != nil {
		return nil, err
	}
	d.store = store
	d.closers = append(d.closers, store)

	d.bus = events.NewBus(1024)

	d.budget, err = schedule.NewBudgetManager(store, schedule.BudgetConfig{
		DailyBudgetUSD:    cfg.Budget.DailyBudgetUSD,
		NightQuotaPercent: cfg.Budget.NightQuotaPercent,
		NightStartHour:    cfg.Budget.NightStartHour,
		NightEndHour:      cfg.Budget.NightEndHour,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Monitoring.Enabled {
		d.checker = usage.NewProPlanChecker(cfg.Monitoring.UsageCommand)
	}

	d.sched, err = schedule.New(schedule.Config{
		Store:                 store,
		Budget:                d.budget,
		Checker:               d.checker,
		Bus:                   d.bus,
		MaxParallelTasks:      cfg.Agent.MaxParallelTasks,
		PauseThresholdPercent: cfg.Monitoring.PauseThresholdPercent,
		EstimatedTaskCostUSD:  cfg.Budget.EstimatedTaskCostUSD,
		Log:                   log,
	})
	if err != nil {
		return nil, err
	}

	d.client = agentcli.New(cfg.AgentCLI.BinaryPath)
	d.client.Log = log

	d.workspaces, err = executor.NewWorkspaces(cfg.Agent.WorkspaceRoot, log)
	if err != nil {
		return nil, err
	}
	d.live, err = livestatus.NewTracker(filepath.Join(cfg.Agent.WorkspaceRoot, "data", "live_status.json"), log)
	if err != nil {
		return nil, err
	}

	d.exec, err = executor.New(executor.Config{
		Client:                d.client,
		Workspaces:            d.workspaces,
		Live:                  d.live,
		Checker:               d.checker,
		Planner:               phase(cfg.Phases.Planner),
		Worker:                phase(cfg.Phases.Worker),
		Evaluator:             phase(cfg.Phases.Evaluator),
		Model:                 cfg.AgentCLI.Model,
		PauseThresholdPercent: cfg.Monitoring.PauseThresholdPercent,
		RefineSourceRoot:      cfg.Agent.SharedWorkspace,
		Log:                   log,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Monitoring.AutoGenerateRefinements {
		d.refiner = executor.NewRefiner(store, d.checker, log)
		d.refiner.LowThresholdPercent = cfg.Monitoring.LowUsageThresholdPercent
		d.refiner.MaxPerSession = cfg.Monitoring.MaxAutoTasksPerSession
	}

	d.generator = autogen.New(store, d.budget, d.client, autogenConfig(cfg.AutoGeneration), log)

	d.results, err = results.NewManager(store, cfg.Agent.ResultsPath, log)
	if err != nil {
		return nil, err
	}

	if cfg.Git.Enabled {
		d.git = gitops.NewManager(cfg.Agent.WorkspaceRoot, log)
		if cfg.Git.MainBranch != "" {
			d.git.MainBranch = cfg.Git.MainBranch
		}
		if cfg.Git.TaskBranch != "" {
			d.git.DefaultTaskBranch = cfg.Git.TaskBranch
		}
	}

	reportsDir := filepath.Join(cfg.Agent.WorkspaceRoot, "reports")
	d.reporter, err = reports.New(store, reportsDir, log)
	if err != nil {
		return nil, err
	}

	if cfg.Gateway.Enabled {
		d.server = gateway.NewServer(gateway.Config{
			Store:     store,
			Scheduler: d.sched,
			Budget:    d.budget,
			Checker:   d.checker,
			Live:      d.live,
			Bus:       d.bus,
			Host:      cfg.Gateway.Host,
			Port:      cfg.Gateway.Port,
			Log:       log,
		})
	}

	return d, nil
}

func phase(p config.PhaseConfig) executor.PhaseConfig {
	return executor.PhaseConfig{Enabled: p.Enabled, MaxTurns: p.MaxTurns, TimeoutSeconds: p.TimeoutSeconds}
}

func autogenConfig(c config.AutoGenerationConfig) autogen.Config {
	out := autogen.Config{
		Enabled:               c.Enabled,
		UsageThresholdPercent: c.UsageThresholdPercent,
		BudgetCeilingPercent:  c.BudgetCeilingPercent,
		RateLimitDay:          c.RateLimitDay,
		RateLimitNight:        c.RateLimitNight,
		RandomRatio:           c.RandomRatio,
		Model:                 c.Model,
	}
	for _, p := range c.Prompts {
		out.Prompts = append(out.Prompts, autogen.Prompt{
			Name:        p.Name,
			Prompt:      p.Prompt,
			Weight:      p.Weight,
			Model:       p.Model,
			LogSeverity: p.LogSeverity,
		})
	}
	return out
}

// Run starts the daemon and blocks until ctx is cancelled. A nil return
// is a clean shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.close()

	if err := d.client.Probe(ctx); err != nil {
		return fmt.Errorf("agent CLI unavailable: %w", err)
	}
	if d.git != nil {
		if err := d.git.InitRepo(); err != nil {
			return fmt.Errorf("workspace repo: %w", err)
		}
		if d.cfg.Git.RemoteURL != "" {
			if err := d.git.ConfigureRemote("origin", d.cfg.Git.RemoteURL); err != nil {
				d.log.Warn("daemon: remote configuration failed", "error", err)
			}
		}
	}
	d.live.ClearAll()

	hb := heartbeat.NewWriter(filepath.Join(d.cfg.Agent.WorkspaceRoot, "data", "heartbeat.json"))
	hb.Start()
	defer hb.Stop()

	if d.reloader != nil {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					if err := d.reloader.Reload(); err != nil {
						d.log.Error("daemon: config reload failed", "error", err)
					}
				}
			}
		}()
	}

	if d.cfg.Reports.Enabled {
		if err := d.reporter.Start(d.cfg.Reports.Schedule); err != nil {
			return err
		}
		defer d.reporter.Stop()
	}
	if d.server != nil {
		go func() {
			if err := d.server.Start(); err != nil {
				d.log.Error("daemon: gateway stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			d.server.Shutdown(shutdownCtx)
		}()
	}

	d.log.Info("daemon: started",
		"workspace", d.cfg.Agent.WorkspaceRoot,
		"max_parallel", d.cfg.Agent.MaxParallelTasks)

	for {
		d.runTick(ctx)

		select {
		case <-ctx.Done():
			d.log.Info("daemon: shutting down")
			d.live.ClearAll()
			return nil
		case <-time.After(d.sleepFor()):
		}
	}
}

// sleepFor returns the loop delay: the base tick normally, or up to five
// minutes of the remaining pause window while paused.
func (d *Daemon) sleepFor() time.Duration {
	remaining, paused := d.sched.PauseRemaining()
	if !paused {
		return d.tick
	}
	if remaining < d.tick {
		remaining = d.tick
	}
	if remaining > maxPauseWait {
		remaining = maxPauseWait
	}
	return remaining
}

// runTick performs one scheduling pass.
func (d *Daemon) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	timeout := time.Duration(d.conf().Agent.TaskTimeoutSeconds) * time.Second
	if expired, err := d.store.TimeoutExpiredTasks(timeout); err != nil {
		d.log.Error("daemon: timeout sweep failed", "error", err)
	} else {
		for _, t := range expired {
			d.bus.Publish(events.NewTaskEvent(events.EventTaskTimedOut, events.SourceDaemon, t.ID, nil))
			d.live.Clear(t.ID)
		}
	}

	tasks, err := d.sched.NextTasks(ctx)
	if err != nil {
		d.log.Error("daemon: scheduling failed", "error", err)
		return
	}
	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		d.processTask(ctx, t)
	}

	if _, paused := d.sched.PauseRemaining(); !paused {
		if task := d.generator.CheckAndGenerate(ctx); task != nil {
			d.bus.Publish(events.NewTaskEvent(events.EventTaskGenerated, events.SourceGenerator, task.ID, map[string]any{
				"priority": string(task.Priority),
			}))
		}
	}
}

// processTask runs one task end to end: execute, persist, commit, account.
func (d *Daemon) processTask(ctx context.Context, t *queue.Task) {
	task, err := d.store.MarkInProgress(t.ID)
	if err != nil {
		d.log.Error("daemon: claim failed", "task_id", t.ID, "error", err)
		return
	}
	if task.Status != queue.StatusInProgress {
		return
	}
	d.bus.Publish(events.NewTaskEvent(events.EventTaskStarted, events.SourceDaemon, task.ID, nil))

	taskCtx, cancel := context.WithTimeout(ctx, time.Duration(d.conf().Agent.TaskTimeoutSeconds)*time.Second)
	defer cancel()

	started := d.now()
	out, execErr := d.exec.Execute(taskCtx, task)

	var pauseErr *usage.PauseError
	if execErr != nil && !errors.As(execErr, &pauseErr) {
		d.failTask(task, execErr)
		return
	}

	result := &queue.Result{
		TaskID:                task.ID,
		Output:                out.Output,
		FilesModified:         out.FilesModified,
		CommandsExecuted:      out.CommandsExecuted,
		ProcessingTimeSeconds: int(d.now().Sub(started).Seconds()),
		WorkspacePath:         out.Workspace,
	}
	if err := d.results.Save(result); err != nil {
		d.failTask(task, fmt.Errorf("persist result: %w", err))
		return
	}

	gitInfo := d.commitOutcome(task, out, result)

	cost := strconv.FormatFloat(out.Metrics.TotalCostUSD, 'f', -1, 64)
	if err := d.sched.RecordTaskUsage(task.ID, cost,
		out.Metrics.DurationMS, out.Metrics.DurationAPIMS, out.Metrics.NumTurns, task.Project()); err != nil {
		d.log.Warn("daemon: usage record failed", "task_id", task.ID, "error", err)
	}

	if _, err := d.store.MarkCompleted(task.ID, &result.ID); err != nil {
		d.log.Error("daemon: completion update failed", "task_id", task.ID, "error", err)
		return
	}
	d.bus.Publish(events.NewTaskEvent(events.EventTaskCompleted, events.SourceDaemon, task.ID, map[string]any{
		"eval_status": out.EvalStatus,
		"git":         gitInfo,
	}))
	d.live.Clear(task.ID)

	d.cleanupWorkspace(task)

	if pauseErr != nil {
		d.log.Warn("daemon: usage limit reached, pausing",
			"task_id", task.ID, "percent", pauseErr.UsagePercent)
		d.sched.Pause(pauseErr.ResetTime)
		return
	}

	if d.refiner != nil {
		if follow := d.refiner.Consider(ctx, task, out); follow != nil {
			d.bus.Publish(events.NewTaskEvent(events.EventTaskAdded, events.SourceDaemon, follow.ID, map[string]any{
				"refines": task.ID,
			}))
		}
	}
}

func (d *Daemon) failTask(task *queue.Task, cause error) {
	d.log.Error("daemon: task failed", "task_id", task.ID, "error", cause)
	if _, err := d.store.MarkFailed(task.ID, cause.Error()); err != nil {
		d.log.Error("daemon: failure update failed", "task_id", task.ID, "error", err)
	}
	d.bus.Publish(events.NewTaskEvent(events.EventTaskFailed, events.SourceDaemon, task.ID, map[string]any{
		"error": cause.Error(),
	}))
	d.live.Clear(task.ID)
}

// commitOutcome pushes the task's work into the workspace repository and
// attaches the commit to the result. Returns a short description for the
// completion event; git failures never fail the task.
func (d *Daemon) commitOutcome(task *queue.Task, out *executor.Outcome, result *queue.Result) string {
	if d.git == nil {
		return ""
	}

	files := out.FilesModified
	if len(files) == 0 {
		if name := d.git.WriteSummaryFile(out.Workspace, task.ID, string(task.Priority), task.Description, out.Output); name != "" {
			files = []string{name}
		}
	}
	if len(files) == 0 {
		return ""
	}

	if ok, reason := d.git.ValidateChanges(out.Workspace, files); !ok {
		d.log.Warn("daemon: commit skipped by validation", "task_id", task.ID, "reason", reason)
		return "skipped: " + reason
	}

	branch := d.git.DetermineBranch(task.ProjectID)
	message := fmt.Sprintf("Task #%d: %s", task.ID, commitSubject(task.Description))
	sha, err := d.git.CommitWorkspaceChanges(branch, out.Workspace, files, message)
	if err != nil {
		d.log.Warn("daemon: commit failed", "task_id", task.ID, "error", err)
		return ""
	}
	if sha == "" {
		return ""
	}
	if err := d.results.AttachCommit(result, sha, branch); err != nil {
		d.log.Warn("daemon: commit attach failed", "task_id", task.ID, "error", err)
	}
	d.bus.Publish(events.NewTaskEvent(events.EventCommitCreated, events.SourceDaemon, task.ID, map[string]any{
		"sha": sha, "branch": branch,
	}))
	return fmt.Sprintf("committed %s on %s", shortSHA(sha), branch)
}

// cleanupWorkspace trims throwaway workspaces after completion. Serious
// and project-scoped work is always preserved.
func (d *Daemon) cleanupWorkspace(task *queue.Task) {
	cfg := d.conf()
	if !cfg.AgentCLI.CleanupRandomWorkspaces {
		return
	}
	if task.ProjectID != nil {
		return
	}
	if task.Priority == queue.PrioritySerious && cfg.AgentCLI.PreserveSeriousWorkspace {
		return
	}
	d.workspaces.Cleanup(task.ID, true)
}

func (d *Daemon) close() {
	d.bus.Close()
	for _, c := range d.closers {
		c.Close()
	}
}

func commitSubject(description string) string {
	s := strings.TrimSpace(description)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 72 {
		s = s[:72]
	}
	return s
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
