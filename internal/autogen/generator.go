// Package autogen manufactures tasks when plan usage is low, keeping the
// daemon busy during quiet hours without exceeding rate limits.
package autogen

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/sleeplessd/sleepless/internal/agentcli"
	"github.com/sleeplessd/sleepless/internal/queue"
	"github.com/sleeplessd/sleepless/internal/schedule"
)

// Prompt is one configured generation archetype.
type Prompt struct {
	Name        string
	Prompt      string
	Weight      float64
	Model       string // overrides Config.Model when set
	LogSeverity string // "error" (default) or "warn"/"debug"
}

// Config controls the generation gates.
type Config struct {
	Enabled               bool
	UsageThresholdPercent int // generate only below this
	BudgetCeilingPercent  int // never generate at or above this
	RateLimitDay          int // tasks per calendar hour, daytime
	RateLimitNight        int
	RandomRatio           float64 // chance a generated task stays low priority
	Model                 string
	Prompts               []Prompt
}

func (c Config) withDefaults() Config {
	if c.UsageThresholdPercent == 0 {
		c.UsageThresholdPercent = 60
	}
	if c.BudgetCeilingPercent == 0 {
		c.BudgetCeilingPercent = 85
	}
	if c.RateLimitDay == 0 {
		c.RateLimitDay = 1
	}
	if c.RateLimitNight == 0 {
		c.RateLimitNight = 2
	}
	if c.RandomRatio == 0 {
		c.RandomRatio = 0.6
	}
	return c
}

// PromptRunner is the model-only invocation surface of the agent CLI.
// *agentcli.Client satisfies it.
type PromptRunner interface {
	Run(ctx context.Context, prompt string, opts agentcli.Options, handle func(agentcli.Message)) (*agentcli.FinalResult, error)
}

// Generator ticks alongside the daemon loop. It never returns an error:
// generation failures only cost us a backfill task.
type Generator struct {
	store  *queue.Store
	budget *schedule.BudgetManager
	runner PromptRunner
	cfg    Config
	log    *slog.Logger

	now  func() time.Time
	rng  func() float64
	pick func(n int) int

	hourStart     time.Time
	countThisHour int
}

// New wires a generator; budget gates usage, runner produces the task text.
func New(store *queue.Store, budget *schedule.BudgetManager, runner PromptRunner, cfg Config, log *slog.Logger) *Generator {
	if log == nil {
		log = slog.Default()
	}
	return &Generator{
		store:  store,
		budget: budget,
		runner: runner,
		cfg:    cfg.withDefaults(),
		log:    log,
		now:    time.Now,
		rng:    rand.Float64,
		pick:   rand.Intn,
	}
}

// CheckAndGenerate runs the gate chain and, when everything is open,
// creates one task. Returns the new task or nil.
func (g *Generator) CheckAndGenerate(ctx context.Context) *queue.Task {
	if !g.cfg.Enabled {
		return nil
	}
	usagePercent, ok := g.usageGateOpen()
	if !ok {
		return nil
	}
	if !g.rateGateOpen() {
		return nil
	}

	prompt := g.selectPrompt()
	if prompt == nil {
		g.log.Warn("autogen: no prompt available")
		return nil
	}

	text := g.runPrompt(ctx, prompt)
	if text == "" {
		return nil
	}
	description, taskType := ParseTaskType(text)

	// Most generated work stays low priority; some escalates.
	priority := queue.PrioritySerious
	if g.rng() < g.cfg.RandomRatio {
		priority = queue.PriorityGenerated
	}

	task, err := g.store.AddTask(description, priority, queue.WithType(taskType))
	if err != nil {
		g.log.Error("autogen: task insert failed", "error", err)
		return nil
	}

	metadata, _ := json.Marshal(map[string]string{
		"priority":    string(priority),
		"task_type":   string(taskType),
		"prompt_name": prompt.Name,
	})
	record := &queue.GenerationRecord{
		TaskID:                   task.ID,
		Source:                   prompt.Name,
		UsagePercentAtGeneration: usagePercent,
		SourceMetadata:           string(metadata),
	}
	if err := g.store.AddGenerationRecord(record); err != nil {
		g.log.Warn("autogen: generation record failed", "task_id", task.ID, "error", err)
	}

	g.log.Info("autogen: task created",
		"task_id", task.ID, "source", prompt.Name, "priority", priority,
		"preview", preview(description, 80))
	return task
}

// usageGateOpen reports the current usage percent and whether generation
// is allowed at that level.
func (g *Generator) usageGateOpen() (float64, bool) {
	percent, err := g.budget.UsagePercent()
	if err != nil {
		g.log.Warn("autogen: usage percent unavailable", "error", err)
		return 0, false
	}
	p := float64(percent)
	if percent >= g.cfg.BudgetCeilingPercent {
		return p, false
	}
	return p, percent < g.cfg.UsageThresholdPercent
}

// rateGateOpen enforces the per-calendar-hour limit, resetting the
// counter at each local hour boundary. Local time keeps the day/night
// allowance in step with the budget night window. Passing the gate
// consumes a slot.
func (g *Generator) rateGateOpen() bool {
	now := g.now()
	hour := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	if !g.hourStart.Equal(hour) {
		g.hourStart = hour
		g.countThisHour = 0
	}

	limit := schedule.RateLimitForTime(g.cfg.RateLimitDay, g.cfg.RateLimitNight, now,
		schedule.DefaultNightStartHour, schedule.DefaultNightEndHour)
	if g.countThisHour >= limit {
		return false
	}
	g.countThisHour++
	return true
}

// selectPrompt picks by weight. Weights scale x10 so fractional weights
// like 0.5 still participate.
func (g *Generator) selectPrompt() *Prompt {
	var weighted []*Prompt
	for i := range g.cfg.Prompts {
		p := &g.cfg.Prompts[i]
		copies := int(p.Weight * 10)
		for n := 0; n < copies; n++ {
			weighted = append(weighted, p)
		}
	}
	if len(weighted) == 0 {
		return nil
	}
	return weighted[g.pick(len(weighted))]
}

// runPrompt invokes the CLI with the bare prompt and no tools,
// concatenating text output. All failures log and return "".
func (g *Generator) runPrompt(ctx context.Context, prompt *Prompt) string {
	text := strings.TrimSpace(prompt.Prompt)
	if text == "" {
		g.log.Debug("autogen: empty prompt", "prompt", prompt.Name)
		return ""
	}
	model := prompt.Model
	if model == "" {
		model = g.cfg.Model
	}
	if model == "" {
		g.log.Error("autogen: no model configured", "prompt", prompt.Name)
		return ""
	}

	var segments []string
	final, err := g.runner.Run(ctx, text, agentcli.Options{Model: model, MaxTurns: 1}, func(m agentcli.Message) {
		if m.Assistant != nil {
			segments = append(segments, m.Assistant.Text)
		}
	})
	if err != nil {
		g.logPromptFailure(prompt, err)
		return ""
	}
	if final != nil && final.Result != "" {
		segments = append(segments, final.Result)
	}
	return strings.TrimSpace(strings.Join(segments, ""))
}

func (g *Generator) logPromptFailure(prompt *Prompt, err error) {
	attrs := []any{"prompt", prompt.Name, "error", err}
	switch prompt.LogSeverity {
	case "debug":
		g.log.Debug("autogen: prompt failed", attrs...)
	case "warn", "warning":
		g.log.Warn("autogen: prompt failed", attrs...)
	default:
		g.log.Error("autogen: prompt failed", attrs...)
	}
}

// ParseTaskType strips an optional [NEW]/[REFINE] prefix from generated
// task text. No prefix means a new task.
func ParseTaskType(description string) (string, queue.TaskType) {
	s := strings.TrimSpace(description)
	upper := strings.ToUpper(s)
	switch {
	case strings.HasPrefix(upper, "[NEW]"):
		return strings.TrimSpace(s[5:]), queue.TypeNew
	case strings.HasPrefix(upper, "[REFINE]"):
		return strings.TrimSpace(s[8:]), queue.TypeRefine
	default:
		return s, queue.TypeNew
	}
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
