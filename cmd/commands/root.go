// Package commands defines the sleepless CLI.
package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/sleeplessd/sleepless/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "sleepless",
		Usage: "An around-the-clock autonomous coding agent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewInitCommand(),
			NewDaemonCommand(),
			NewTasksCommand(),
			NewProjectsCommand(),
			NewStatusCommand(),
			NewUsageCommand(),
			NewReportCommand(),
		},
	}
}

// loadConfig reads the config named by the root --config flag.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	return config.Load(cmd.String("config"))
}
