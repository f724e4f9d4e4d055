package commands

import (
	"context"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/sleeplessd/sleepless/internal/config"
	"github.com/sleeplessd/sleepless/internal/daemon"
	"github.com/sleeplessd/sleepless/internal/logging"
)

// NewDaemonCommand returns the daemon subcommand.
func NewDaemonCommand() *cli.Command {
	return &cli.Command{
		Name:   "daemon",
		Usage:  "Run the agent daemon",
		Action: runDaemon,
	}
}

func runDaemon(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if cmd.Bool("debug") {
		level = "debug"
	}
	closer, err := logging.Setup(logging.Options{Level: level, Dir: cfg.Logging.Dir})
	if err != nil {
		return err
	}
	defer closer.Close()

	d, err := daemon.New(cfg, slog.Default())
	if err != nil {
		return err
	}
	d.UseReloader(config.NewReloader(cmd.String("config"), config.DotenvPath(), cfg))
	return d.Run(ctx)
}
