package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("WORKSPACE_REMOTE", "git@example.com:me/workspace.git")

	path := writeConfig(t, `{
	// This is a JSONC comment
	"agent": {
		"workspace_root": "/srv/agent",
		"task_timeout_seconds": 900
	},
	"agent_cli": {
		"binary_path": "/usr/local/bin/claude",
		"cleanup_random_workspaces": false
	},
	"phases": {
		"worker": {"enabled": true, "max_turns": 5, "timeout_seconds": 2400}
	},
	"git": {
		"enabled": true,
		"remote_url": "${{ .Env.WORKSPACE_REMOTE }}"
	}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Agent.WorkspaceRoot != "/srv/agent" {
		t.Errorf("workspace_root: %s", cfg.Agent.WorkspaceRoot)
	}
	if cfg.Agent.TaskTimeoutSeconds != 900 {
		t.Errorf("task_timeout_seconds: %d", cfg.Agent.TaskTimeoutSeconds)
	}
	if cfg.AgentCLI.BinaryPath != "/usr/local/bin/claude" {
		t.Errorf("binary_path: %s", cfg.AgentCLI.BinaryPath)
	}
	if cfg.AgentCLI.CleanupRandomWorkspaces {
		t.Error("cleanup_random_workspaces should be disabled")
	}
	if cfg.Phases.Worker.MaxTurns != 5 || cfg.Phases.Worker.TimeoutSeconds != 2400 {
		t.Errorf("worker phase: %+v", cfg.Phases.Worker)
	}
	if cfg.Git.RemoteURL != "git@example.com:me/workspace.git" {
		t.Errorf("remote_url template not expanded: %s", cfg.Git.RemoteURL)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Agent.WorkspaceRoot != "./workspace" {
		t.Errorf("workspace_root: %s", cfg.Agent.WorkspaceRoot)
	}
	if cfg.Agent.DBPath != "./workspace/data/tasks.db" {
		t.Errorf("db_path: %s", cfg.Agent.DBPath)
	}
	if cfg.Agent.MaxParallelTasks != 1 {
		t.Errorf("max_parallel_tasks: %d", cfg.Agent.MaxParallelTasks)
	}
	if cfg.AgentCLI.BinaryPath != "claude" {
		t.Errorf("binary_path: %s", cfg.AgentCLI.BinaryPath)
	}
	if !cfg.Phases.Planner.Enabled || cfg.Phases.Planner.MaxTurns != 3 || cfg.Phases.Planner.TimeoutSeconds != 300 {
		t.Errorf("planner phase: %+v", cfg.Phases.Planner)
	}
	if cfg.Phases.Worker.TimeoutSeconds != 1800 {
		t.Errorf("worker timeout: %d", cfg.Phases.Worker.TimeoutSeconds)
	}
	if cfg.Monitoring.PauseThresholdPercent != 85.0 {
		t.Errorf("pause_threshold: %f", cfg.Monitoring.PauseThresholdPercent)
	}
	if cfg.Monitoring.UsageCommand != "claude /usage" {
		t.Errorf("usage_command: %s", cfg.Monitoring.UsageCommand)
	}
	if cfg.AutoGeneration.RateLimitDay != 1 || cfg.AutoGeneration.RateLimitNight != 2 {
		t.Errorf("autogen rate limits: %+v", cfg.AutoGeneration)
	}
	if cfg.AutoGeneration.RandomRatio != 0.6 {
		t.Errorf("random_ratio: %f", cfg.AutoGeneration.RandomRatio)
	}
	if len(cfg.AutoGeneration.Prompts) == 0 {
		t.Error("default prompt missing")
	}
	if cfg.Budget.DailyBudgetUSD != "10.00" || cfg.Budget.NightQuotaPercent != 90 {
		t.Errorf("budget: %+v", cfg.Budget)
	}
	// Night runs 20:00-08:00, matching schedule.DefaultNightStartHour.
	if cfg.Budget.NightStartHour != 20 || cfg.Budget.NightEndHour != 8 {
		t.Errorf("night window: %d-%d", cfg.Budget.NightStartHour, cfg.Budget.NightEndHour)
	}
	if cfg.Gateway.Host != "127.0.0.1" || cfg.Gateway.Port != 18420 {
		t.Errorf("gateway: %+v", cfg.Gateway)
	}
	if cfg.Git.MainBranch != "main" || cfg.Git.TaskBranch != "tasks" {
		t.Errorf("git branches: %+v", cfg.Git)
	}
	if cfg.Reports.Schedule != "5 0 * * *" {
		t.Errorf("report schedule: %s", cfg.Reports.Schedule)
	}
	if cfg.Logging.Dir != filepath.Join("./workspace", ".logs") {
		t.Errorf("log dir: %s", cfg.Logging.Dir)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.jsonc"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.WorkspaceRoot != "./workspace" {
		t.Errorf("workspace_root: %s", cfg.Agent.WorkspaceRoot)
	}
}

func TestLoadDerivesPathsFromWorkspaceRoot(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"agent": {"workspace_root": "/data/ws", "db_path": "", "results_path": ""}}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.DBPath != "/data/ws/data/tasks.db" {
		t.Errorf("db_path: %s", cfg.Agent.DBPath)
	}
	if cfg.Agent.ResultsPath != "/data/ws/data/results" {
		t.Errorf("results_path: %s", cfg.Agent.ResultsPath)
	}
	if cfg.Agent.SharedWorkspace != "/data/ws/shared" {
		t.Errorf("shared_workspace: %s", cfg.Agent.SharedWorkspace)
	}
}

func TestLoadRejectsMalformedConfig(t *testing.T) {
	if _, err := Load(writeConfig(t, `{"agent": `)); err == nil {
		t.Fatal("malformed config accepted")
	}
}

func TestExpandEnvTemplates(t *testing.T) {
	t.Setenv("TEST_KEY", "my-secret")
	result := expandEnvTemplates(`{"key": "${{ .Env.TEST_KEY }}"}`)
	expected := `{"key": "my-secret"}`
	if result != expected {
		t.Errorf("expected %s, got %s", expected, result)
	}
}
