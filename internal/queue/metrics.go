package queue

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// RecordUsage appends a usage metric row.
func (s *Store) RecordUsage(m *UsageMetric) error {
	if m.TotalCostUSD == "" {
		m.TotalCostUSD = "0"
	}
	if _, err := decimal.NewFromString(m.TotalCostUSD); err != nil {
		return fmt.Errorf("invalid cost %q: %w", m.TotalCostUSD, err)
	}
	m.CreatedAt = s.now().UTC()

	return s.write(func(db *sqlx.DB) error {
		res, err := db.Exec(`
			INSERT INTO usage_metrics (task_id, total_cost_usd, duration_ms, duration_api_ms, num_turns, project_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.TaskID, m.TotalCostUSD, m.DurationMS, m.DurationAPIMS, m.NumTurns, m.ProjectID, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert usage metric: %w", err)
		}
		m.ID, err = res.LastInsertId()
		return err
	})
}

// UsageCostInPeriod sums total_cost_usd over [start, end) with exact decimal
// arithmetic. A zero end means "now".
func (s *Store) UsageCostInPeriod(start, end time.Time) (decimal.Decimal, error) {
	if end.IsZero() {
		end = s.now().UTC()
	}
	var costs []string
	err := s.db.Select(&costs, `
		SELECT total_cost_usd FROM usage_metrics
		WHERE created_at >= ? AND created_at < ?`, start.UTC(), end.UTC())
	if err != nil {
		return decimal.Zero, fmt.Errorf("usage in period: %w", err)
	}

	total := decimal.Zero
	for _, c := range costs {
		d, err := decimal.NewFromString(c)
		if err != nil {
			s.logR.Warn("queue: skipping unparsable cost", "value", c, "error", err)
			continue
		}
		total = total.Add(d)
	}
	return total, nil
}

// AddGenerationRecord appends an auto-generation audit row.
func (s *Store) AddGenerationRecord(g *GenerationRecord) error {
	g.CreatedAt = s.now().UTC()
	return s.write(func(db *sqlx.DB) error {
		res, err := db.Exec(`
			INSERT INTO generation_history (task_id, source, usage_percent_at_generation, source_metadata, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			g.TaskID, g.Source, g.UsagePercentAtGeneration, g.SourceMetadata, g.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert generation record: %w", err)
		}
		g.ID, err = res.LastInsertId()
		return err
	})
}

// GenerationCountSince counts auto-generated tasks recorded at or after t.
func (s *Store) GenerationCountSince(t time.Time) (int, error) {
	var n int
	err := s.db.Get(&n, `
		SELECT COUNT(*) FROM generation_history WHERE created_at >= ?`, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("generation count: %w", err)
	}
	return n, nil
}
