// Package reports renders daily activity and per-project markdown reports
// under <workspace>/reports.
package reports

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/sleeplessd/sleepless/internal/queue"
)

// Reporter writes reports from the task store.
type Reporter struct {
	store *queue.Store
	dir   string // <workspace>/reports
	log   *slog.Logger
	now   func() time.Time

	cron *cron.Cron
}

// New creates the reports/daily and reports/projects directories.
func New(store *queue.Store, dir string, log *slog.Logger) (*Reporter, error) {
	if log == nil {
		log = slog.Default()
	}
	for _, sub := range []string{"daily", "projects"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("reports dir: %w", err)
		}
	}
	return &Reporter{store: store, dir: dir, log: log, now: time.Now}, nil
}

// Start schedules report generation with the given cron expression.
// Each run covers the previous calendar day.
func (r *Reporter) Start(schedule string) error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(schedule, func() {
		day := r.now().UTC().AddDate(0, 0, -1)
		if _, err := r.WriteDailyReport(day); err != nil {
			r.log.Error("reports: daily report failed", "error", err)
		}
		if err := r.WriteProjectReports(); err != nil {
			r.log.Error("reports: project reports failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("report schedule %q: %w", schedule, err)
	}
	r.cron.Start()
	r.log.Info("reports: scheduled", "schedule", schedule)
	return nil
}

// Stop halts the scheduler, waiting for a running job to finish.
func (r *Reporter) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// WriteDailyReport renders the report for the calendar day containing t
// and returns the file path.
func (r *Reporter) WriteDailyReport(t time.Time) (string, error) {
	day := t.UTC().Truncate(24 * time.Hour)
	next := day.AddDate(0, 0, 1)

	tasks, err := r.store.TasksFinishedBetween(day, next)
	if err != nil {
		return "", err
	}
	cost, err := r.store.UsageCostInPeriod(day, next)
	if err != nil {
		return "", err
	}

	path := filepath.Join(r.dir, "daily", day.Format("2006-01-02")+".md")
	if err := os.WriteFile(path, []byte(r.renderDaily(day, tasks, cost)), 0o644); err != nil {
		return "", fmt.Errorf("write daily report: %w", err)
	}
	r.log.Info("reports: daily report written", "path", path, "tasks", len(tasks))
	return path, nil
}

func (r *Reporter) renderDaily(day time.Time, tasks []*queue.Task, cost decimal.Decimal) string {
	var completed, failed, cancelled int
	for _, t := range tasks {
		switch t.Status {
		case queue.StatusCompleted:
			completed++
		case queue.StatusFailed:
			failed++
		case queue.StatusCancelled:
			cancelled++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Daily Report — %s\n\n", day.Format("2006-01-02"))
	fmt.Fprintf(&b, "- Tasks finished: %d (%d completed, %d failed, %d cancelled)\n",
		len(tasks), completed, failed, cancelled)
	fmt.Fprintf(&b, "- Cost: $%s\n\n", cost.StringFixed(2))

	if len(tasks) == 0 {
		b.WriteString("No task activity.\n")
		return b.String()
	}

	b.WriteString("## Tasks\n\n")
	for _, t := range tasks {
		line := fmt.Sprintf("- [#%d] %s (%s, %s)", t.ID, firstLine(t.Description), t.Priority, t.Status)
		if t.ProjectName != nil && *t.ProjectName != "" {
			line += " — " + *t.ProjectName
		}
		if t.Status == queue.StatusFailed && t.ErrorMessage != nil {
			line += fmt.Sprintf("\n  - error: %s", firstLine(*t.ErrorMessage))
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// WriteProjectReports renders one report per known project.
func (r *Reporter) WriteProjectReports() error {
	projects, err := r.store.Projects()
	if err != nil {
		return err
	}
	for _, p := range projects {
		if err := r.writeProjectReport(p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reporter) writeProjectReport(p *queue.ProjectSummary) error {
	tasks, err := r.store.ProjectTasks(p.ProjectID)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Project: %s\n\n", p.ProjectName)
	fmt.Fprintf(&b, "- ID: %s\n- Since: %s\n", p.ProjectID, p.CreatedAt.UTC().Format("2006-01-02"))
	fmt.Fprintf(&b, "- Tasks: %d total, %d completed, %d failed, %d pending, %d in progress\n\n",
		p.TotalTasks, p.Completed, p.Failed, p.Pending, p.InProgress)

	b.WriteString("## History\n\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "- [#%d] %s (%s)\n", t.ID, firstLine(t.Description), t.Status)
	}

	path := filepath.Join(r.dir, "projects", p.ProjectID+".md")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write project report: %w", err)
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
