package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/sleeplessd/sleepless/internal/heartbeat"
	"github.com/sleeplessd/sleepless/internal/livestatus"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show queue counts and active work",
		Action: runStatus,
	}
}

func runStatus(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	hbPath := filepath.Join(cfg.Agent.WorkspaceRoot, "data", "heartbeat.json")
	status, hb, err := heartbeat.Check(hbPath, 2*time.Minute)
	if err != nil {
		return fmt.Errorf("check heartbeat: %w", err)
	}
	switch status {
	case heartbeat.StatusAlive:
		fmt.Printf("Daemon: ALIVE (PID %d, uptime %s)\n", hb.PID, hb.Uptime)
	case heartbeat.StatusStale:
		fmt.Printf("Daemon: STALE (PID %d, last heartbeat %s ago)\n",
			hb.PID, time.Since(hb.Timestamp).Truncate(time.Second))
	case heartbeat.StatusDead:
		fmt.Println("Daemon: NOT RUNNING")
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Status()
	if err != nil {
		return err
	}
	fmt.Printf("Queue: %d total — %d pending, %d running, %d completed, %d failed\n",
		st.Total, st.Pending, st.InProgress, st.Completed, st.Failed)

	tracker, err := livestatus.NewTracker(filepath.Join(cfg.Agent.WorkspaceRoot, "data", "live_status.json"), nil)
	if err != nil {
		return err
	}
	entries := tracker.Entries()
	if len(entries) == 0 {
		fmt.Println("No active work.")
		return nil
	}
	fmt.Println("\nActive:")
	for _, e := range entries {
		fmt.Printf("  #%d [%s] %s — %s\n", e.TaskID, e.Phase, truncate(e.Description, 50), e.Status)
	}
	return nil
}
