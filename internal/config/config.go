package config

// Config is the root configuration for the sleepless daemon.
type Config struct {
	Agent          AgentConfig          `json:"agent"`
	AgentCLI       AgentCLIConfig       `json:"agent_cli"`
	Phases         PhasesConfig         `json:"phases"`
	Monitoring     MonitoringConfig     `json:"pro_plan_monitoring"`
	AutoGeneration AutoGenerationConfig `json:"auto_generation"`
	Budget         BudgetConfig         `json:"budget"`
	Gateway        GatewayConfig        `json:"gateway"`
	Git            GitConfig            `json:"git"`
	Reports        ReportsConfig        `json:"reports"`
	Logging        LoggingConfig        `json:"logging"`
}

// AgentConfig holds the daemon's workspace layout and task execution limits.
type AgentConfig struct {
	WorkspaceRoot      string `json:"workspace_root"`
	SharedWorkspace    string `json:"shared_workspace"`
	DBPath             string `json:"db_path"`
	ResultsPath        string `json:"results_path"`
	MaxParallelTasks   int    `json:"max_parallel_tasks"`
	TaskTimeoutSeconds int    `json:"task_timeout_seconds"`
}

// AgentCLIConfig configures the external coding CLI the executor drives.
type AgentCLIConfig struct {
	BinaryPath               string `json:"binary_path"`
	DefaultTimeout           int    `json:"default_timeout"`
	Model                    string `json:"model,omitempty"`
	CleanupRandomWorkspaces  bool   `json:"cleanup_random_workspaces"`
	PreserveSeriousWorkspace bool   `json:"preserve_serious_workspaces"`
}

// PhaseConfig tunes one pipeline phase.
type PhaseConfig struct {
	Enabled        bool `json:"enabled"`
	MaxTurns       int  `json:"max_turns"`
	TimeoutSeconds int  `json:"timeout_seconds"`
}

// PhasesConfig covers the three-phase pipeline.
type PhasesConfig struct {
	Planner   PhaseConfig `json:"planner"`
	Worker    PhaseConfig `json:"worker"`
	Evaluator PhaseConfig `json:"evaluator"`
}

// MonitoringConfig controls plan-usage checks and the pause behavior.
type MonitoringConfig struct {
	Enabled                  bool    `json:"enabled"`
	PauseThresholdPercent    float64 `json:"pause_threshold"`
	UsageCommand             string  `json:"usage_command"`
	LowUsageThresholdPercent float64 `json:"low_usage_threshold"`
	AutoGenerateRefinements  bool    `json:"auto_generate_refinements"`
	MaxAutoTasksPerSession   int     `json:"max_auto_tasks_per_session"`
}

// AutoGenPrompt is one configured generation archetype.
type AutoGenPrompt struct {
	Name        string  `json:"name"`
	Prompt      string  `json:"prompt"`
	Weight      float64 `json:"weight"`
	Model       string  `json:"model,omitempty"`
	LogSeverity string  `json:"log_severity,omitempty"`
}

// AutoGenerationConfig gates idle-time task generation.
type AutoGenerationConfig struct {
	Enabled               bool            `json:"enabled"`
	UsageThresholdPercent int             `json:"usage_threshold_percent"`
	BudgetCeilingPercent  int             `json:"budget_ceiling_percent"`
	RateLimitNight        int             `json:"rate_limit_night"`
	RateLimitDay          int             `json:"rate_limit_day"`
	RandomRatio           float64         `json:"random_ratio"`
	Model                 string          `json:"ai_model,omitempty"`
	Prompts               []AutoGenPrompt `json:"prompts,omitempty"`
	PromptsFile           string          `json:"prompts_file,omitempty"` // optional YAML catalog; overrides Prompts
	DefaultPrompt         string          `json:"default_prompt,omitempty"`
}

// BudgetConfig splits the daily spend between night and day windows.
type BudgetConfig struct {
	DailyBudgetUSD       string `json:"daily_budget_usd"`
	NightQuotaPercent    int    `json:"night_quota_percent"`
	NightStartHour       int    `json:"night_start_hour"`
	NightEndHour         int    `json:"night_end_hour"`
	EstimatedTaskCostUSD string `json:"estimated_task_cost_usd"`
}

// GatewayConfig holds the HTTP API settings.
type GatewayConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// GitConfig controls workspace version control.
type GitConfig struct {
	Enabled    bool   `json:"enabled"`
	RemoteURL  string `json:"remote_url,omitempty"` // supports ${{ .Env.VAR }} templates
	MainBranch string `json:"main_branch"`
	TaskBranch string `json:"task_branch"`
}

// ReportsConfig schedules daily report generation.
type ReportsConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"` // cron expression
}

// LoggingConfig controls the slog output.
type LoggingConfig struct {
	Level string `json:"level"`
	Dir   string `json:"dir,omitempty"` // daily log files; default <workspace>/.logs
}
