package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/sleeplessd/sleepless/internal/schedule"
	"github.com/sleeplessd/sleepless/internal/usage"
)

// NewUsageCommand returns the usage subcommand.
func NewUsageCommand() *cli.Command {
	return &cli.Command{
		Name:  "usage",
		Usage: "Show budget and plan usage",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "plan", Usage: "Also query the CLI plan usage"},
		},
		Action: runUsage,
	}
}

func runUsage(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	budget, err := schedule.NewBudgetManager(store, schedule.BudgetConfig{
		DailyBudgetUSD:    cfg.Budget.DailyBudgetUSD,
		NightQuotaPercent: cfg.Budget.NightQuotaPercent,
		NightStartHour:    cfg.Budget.NightStartHour,
		NightEndHour:      cfg.Budget.NightEndHour,
	})
	if err != nil {
		return err
	}

	percent, err := budget.UsagePercent()
	if err != nil {
		return err
	}
	spent, err := budget.CurrentPeriodUsage()
	if err != nil {
		return err
	}
	remaining, err := budget.RemainingBudget()
	if err != nil {
		return err
	}
	fmt.Printf("Current window: $%s spent of $%s quota (%d%%), $%s remaining\n",
		spent.StringFixed(2), budget.CurrentQuota().StringFixed(2), percent, remaining.StringFixed(2))

	if cmd.Bool("plan") && cfg.Monitoring.Enabled {
		checker := usage.NewProPlanChecker(cfg.Monitoring.UsageCommand)
		reading, err := checker.Check(ctx)
		if err != nil {
			return fmt.Errorf("plan usage: %w", err)
		}
		fmt.Printf("Plan usage: %.0f%%, resets %s\n",
			reading.UsedPercent, reading.ResetTime.Local().Format("15:04"))
	}
	return nil
}
