package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/sleeplessd/sleepless/internal/reports"
)

// NewReportCommand returns the report subcommand.
func NewReportCommand() *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "Generate activity reports now",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "date", Usage: "Day to report on (YYYY-MM-DD), default yesterday"},
		},
		Action: runReport,
	}
}

func runReport(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	day := time.Now().UTC().AddDate(0, 0, -1)
	if raw := cmd.String("date"); raw != "" {
		day, err = time.Parse("2006-01-02", raw)
		if err != nil {
			return fmt.Errorf("invalid date %q: %w", raw, err)
		}
	}

	reporter, err := reports.New(store, filepath.Join(cfg.Agent.WorkspaceRoot, "reports"), nil)
	if err != nil {
		return err
	}
	path, err := reporter.WriteDailyReport(day)
	if err != nil {
		return err
	}
	fmt.Printf("Daily report: %s\n", path)

	if err := reporter.WriteProjectReports(); err != nil {
		return err
	}
	fmt.Println("Project reports updated.")
	return nil
}
