package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sleeplessd/sleepless/internal/events"
	"github.com/sleeplessd/sleepless/internal/queue"
	"github.com/sleeplessd/sleepless/internal/usage"
)

// Priority score bases for the display-only tie-break formula.
const (
	scoreBaseSerious   = 1000
	scoreBaseRandom    = 100
	scoreBaseGenerated = 10
)

// Config wires the scheduler's collaborators and tuning knobs.
type Config struct {
	Store   *queue.Store
	Budget  *BudgetManager
	Checker usage.Checker // optional; nil disables the live gate
	Bus     *events.Bus   // optional

	MaxParallelTasks      int
	PauseThresholdPercent float64
	DefaultPause          time.Duration
	PauseGrace            time.Duration
	EstimatedTaskCostUSD  string
	Log                   *slog.Logger
}

// Scheduler is the admission controller: it decides what runs next and
// whether anything may run at all. It never executes tasks itself.
type Scheduler struct {
	store   *queue.Store
	budget  *BudgetManager
	checker usage.Checker
	bus     *events.Bus
	log     *slog.Logger

	maxParallel    int
	pauseThreshold float64
	defaultPause   time.Duration
	pauseGrace     time.Duration
	estimatedCost  decimal.Decimal

	mu            sync.Mutex
	pauseUntil    *time.Time
	lastDenialLog map[string]time.Time
	now           func() time.Time
}

// New builds a scheduler from cfg.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("scheduler: store is required")
	}
	if cfg.Budget == nil {
		return nil, fmt.Errorf("scheduler: budget manager is required")
	}
	if cfg.MaxParallelTasks <= 0 {
		cfg.MaxParallelTasks = 1
	}
	if cfg.PauseThresholdPercent == 0 {
		cfg.PauseThresholdPercent = 85
	}
	if cfg.DefaultPause == 0 {
		cfg.DefaultPause = 5 * time.Minute
	}
	if cfg.PauseGrace == 0 {
		cfg.PauseGrace = time.Minute
	}
	if cfg.EstimatedTaskCostUSD == "" {
		cfg.EstimatedTaskCostUSD = "0.50"
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	estimated, err := decimal.NewFromString(cfg.EstimatedTaskCostUSD)
	if err != nil {
		return nil, fmt.Errorf("invalid estimated task cost %q: %w", cfg.EstimatedTaskCostUSD, err)
	}

	return &Scheduler{
		store:          cfg.Store,
		budget:         cfg.Budget,
		checker:        cfg.Checker,
		bus:            cfg.Bus,
		log:            cfg.Log,
		maxParallel:    cfg.MaxParallelTasks,
		pauseThreshold: cfg.PauseThresholdPercent,
		defaultPause:   cfg.DefaultPause,
		pauseGrace:     cfg.PauseGrace,
		estimatedCost:  estimated,
		lastDenialLog:  make(map[string]time.Time),
		now:            time.Now,
	}, nil
}

// SetClock overrides the scheduler's clock; test hook.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// NextTasks returns the tasks eligible to start on this tick. An empty
// list means the gate is closed (paused, over budget, or no free slots).
func (s *Scheduler) NextTasks(ctx context.Context) ([]*queue.Task, error) {
	if s.paused() {
		return nil, nil
	}

	if s.checker != nil {
		if pause, reset := s.checker.ShouldPause(ctx, s.pauseThreshold); pause {
			s.beginPause(reset)
			return nil, nil
		}
	} else {
		ok, err := s.budget.BudgetAvailable(s.estimatedCost)
		if err != nil {
			return nil, fmt.Errorf("budget check: %w", err)
		}
		if !ok {
			s.denied("budget", "scheduler: budget exhausted for current period")
			return nil, nil
		}
	}

	running, err := s.store.InProgressTasks()
	if err != nil {
		return nil, fmt.Errorf("count running tasks: %w", err)
	}
	slots := s.maxParallel - len(running)
	if slots <= 0 {
		return nil, nil
	}

	return s.store.PendingTasks(slots)
}

// paused reports whether a pause window is active, clearing it once expired.
func (s *Scheduler) paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pauseUntil == nil {
		return false
	}
	if s.now().Before(*s.pauseUntil) {
		return true
	}
	s.pauseUntil = nil
	s.log.Info("scheduler: pause window ended, resuming")
	if s.bus != nil {
		s.bus.Publish(events.NewEvent(events.EventPauseEnded, events.SourceScheduler, nil))
	}
	return false
}

// beginPause opens a pause window pegged to the reset time (or the default
// pause) plus a small grace.
func (s *Scheduler) beginPause(reset *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	until := now.Add(s.defaultPause)
	if reset != nil && reset.After(until) {
		until = *reset
	}
	until = until.Add(s.pauseGrace)
	s.pauseUntil = &until

	s.log.Warn("scheduler: usage above threshold, pausing",
		"threshold_percent", s.pauseThreshold,
		"until", until.Format(time.RFC3339))
	if s.bus != nil {
		s.bus.Publish(events.NewEvent(events.EventPauseStarted, events.SourceScheduler, map[string]any{
			"until": until,
		}))
	}
}

// Pause opens a pause window explicitly; used by the daemon when the
// executor surfaces a usage-pause signal.
func (s *Scheduler) Pause(reset *time.Time) {
	s.beginPause(reset)
}

// PauseRemaining returns how long the current pause window still has to
// run, and whether one is active.
func (s *Scheduler) PauseRemaining() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pauseUntil == nil {
		return 0, false
	}
	remaining := s.pauseUntil.Sub(s.now())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// denied logs an admission denial, deduped to once per minute per reason.
func (s *Scheduler) denied(reason, msg string) {
	s.mu.Lock()
	last, seen := s.lastDenialLog[reason]
	now := s.now()
	if seen && now.Sub(last) < time.Minute {
		s.mu.Unlock()
		return
	}
	s.lastDenialLog[reason] = now
	s.mu.Unlock()

	s.log.Warn(msg, "reason", reason)
	if s.bus != nil {
		s.bus.Publish(events.NewEvent(events.EventAdmissionDenied, events.SourceScheduler, map[string]any{
			"reason": reason,
		}))
	}
}

// RecordTaskUsage persists a usage metric for a finished phase or task.
func (s *Scheduler) RecordTaskUsage(taskID int64, costUSD string, durationMS, durationAPIMS int64, turns int, projectID string) error {
	metric := &queue.UsageMetric{
		TaskID:        taskID,
		TotalCostUSD:  costUSD,
		DurationMS:    durationMS,
		DurationAPIMS: durationAPIMS,
		NumTurns:      turns,
	}
	if projectID != "" {
		metric.ProjectID = &projectID
	}
	if err := s.store.RecordUsage(metric); err != nil {
		return fmt.Errorf("record task usage: %w", err)
	}
	return nil
}

// PriorityScore computes the display tie-break score:
// base + 0.1*age_minutes - 50*attempts. Dequeue ordering does not use it.
func (s *Scheduler) PriorityScore(t *queue.Task) float64 {
	base := scoreBaseGenerated
	switch t.Priority {
	case queue.PrioritySerious:
		base = scoreBaseSerious
	case queue.PriorityRandom:
		base = scoreBaseRandom
	}
	ageMinutes := s.now().UTC().Sub(t.CreatedAt).Minutes()
	return float64(base) + 0.1*ageMinutes - 50*float64(t.AttemptCount)
}
