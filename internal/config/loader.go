package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Default returns the configuration the daemon runs with when no config
// file overrides anything.
func Default() *Config {
	cfg := &Config{
		Agent: AgentConfig{
			WorkspaceRoot:      "./workspace",
			SharedWorkspace:    "./workspace/shared",
			DBPath:             "./workspace/data/tasks.db",
			ResultsPath:        "./workspace/data/results",
			MaxParallelTasks:   1,
			TaskTimeoutSeconds: 1800,
		},
		AgentCLI: AgentCLIConfig{
			BinaryPath:               "claude",
			DefaultTimeout:           1800,
			CleanupRandomWorkspaces:  true,
			PreserveSeriousWorkspace: true,
		},
		Phases: PhasesConfig{
			Planner:   PhaseConfig{Enabled: true, MaxTurns: 3, TimeoutSeconds: 300},
			Worker:    PhaseConfig{Enabled: true, MaxTurns: 3, TimeoutSeconds: 1800},
			Evaluator: PhaseConfig{Enabled: true, MaxTurns: 3, TimeoutSeconds: 300},
		},
		Monitoring: MonitoringConfig{
			Enabled:                  true,
			PauseThresholdPercent:    85.0,
			UsageCommand:             "claude /usage",
			LowUsageThresholdPercent: 60.0,
			AutoGenerateRefinements:  true,
			MaxAutoTasksPerSession:   3,
		},
		AutoGeneration: AutoGenerationConfig{
			Enabled:               true,
			UsageThresholdPercent: 60,
			BudgetCeilingPercent:  85,
			RateLimitNight:        2,
			RateLimitDay:          1,
			RandomRatio:           0.6,
			DefaultPrompt:         "default_improvement",
		},
		Budget: BudgetConfig{
			DailyBudgetUSD:       "10.00",
			NightQuotaPercent:    90,
			NightStartHour:       20,
			NightEndHour:         8,
			EstimatedTaskCostUSD: "0.50",
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    18420,
		},
		Git: GitConfig{
			Enabled:    true,
			MainBranch: "main",
			TaskBranch: "tasks",
		},
		Reports: ReportsConfig{
			Enabled:  true,
			Schedule: "5 0 * * *",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
	applyDefaults(cfg)
	return cfg
}

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// strips comments, and unmarshals it over the defaults. A missing file
// yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variable templates before stripping comments,
	// since templates live inside string values.
	expanded := expandEnvTemplates(string(data))

	standard, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := json.Unmarshal(standard, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.AutoGeneration.PromptsFile != "" {
		prompts, err := LoadPrompts(cfg.AutoGeneration.PromptsFile)
		if err != nil {
			return nil, err
		}
		if len(prompts) > 0 {
			cfg.AutoGeneration.Prompts = prompts
		}
	}

	applyDefaults(cfg)
	return cfg, nil
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills derived fields the file may leave empty.
func applyDefaults(cfg *Config) {
	root := cfg.Agent.WorkspaceRoot
	if root == "" {
		root = "./workspace"
		cfg.Agent.WorkspaceRoot = root
	}
	if cfg.Agent.SharedWorkspace == "" {
		cfg.Agent.SharedWorkspace = filepath.Join(root, "shared")
	}
	if cfg.Agent.DBPath == "" {
		cfg.Agent.DBPath = filepath.Join(root, "data", "tasks.db")
	}
	if cfg.Agent.ResultsPath == "" {
		cfg.Agent.ResultsPath = filepath.Join(root, "data", "results")
	}
	if cfg.Agent.MaxParallelTasks <= 0 {
		cfg.Agent.MaxParallelTasks = 1
	}
	if cfg.Agent.TaskTimeoutSeconds <= 0 {
		cfg.Agent.TaskTimeoutSeconds = 1800
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = filepath.Join(root, ".logs")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if len(cfg.AutoGeneration.Prompts) == 0 {
		cfg.AutoGeneration.Prompts = []AutoGenPrompt{{
			Name:   "default_improvement",
			Prompt: "Review the current workspace and propose one concrete, self-contained improvement task. Reply with a single task description.",
			Weight: 1.0,
		}}
	}
}
