package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/sleeplessd/sleepless/internal/config"
)

// NewInitCommand returns the onboarding subcommand.
func NewInitCommand() *cli.Command {
	return &cli.Command{
		Name:   "init",
		Usage:  "Initialize the sleepless home directory (~/.sleepless)",
		Action: runInit,
	}
}

func runInit(_ context.Context, _ *cli.Command) error {
	root := config.BasePath()
	created := false

	for _, d := range []string{root, filepath.Join(root, "workspace")} {
		if _, err := os.Stat(d); err != nil {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", d, err)
			}
			fmt.Printf("  Created %s\n", d)
			created = true
		}
	}

	configPath := config.ConfigPath()
	if _, err := os.Stat(configPath); err != nil {
		if err := os.WriteFile(configPath, []byte(defaultConfigFile), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("  Created %s\n", configPath)
		created = true
	}

	dotenvPath := config.DotenvPath()
	if _, err := os.Stat(dotenvPath); err != nil {
		if err := os.WriteFile(dotenvPath, []byte(defaultDotenv), 0o600); err != nil {
			return fmt.Errorf("write .env: %w", err)
		}
		fmt.Printf("  Created %s\n", dotenvPath)
		created = true
	}

	if !created {
		fmt.Println("Already initialized.")
		return nil
	}
	fmt.Println("\nDone. Edit the config, then start with: sleepless daemon")
	return nil
}

const defaultConfigFile = `{
	// Sleepless configuration. Comments are allowed.
	"agent": {
		"workspace_root": "./workspace",
		"max_parallel_tasks": 1,
		"task_timeout_seconds": 1800
	},
	"agent_cli": {
		"binary_path": "claude"
	},
	"budget": {
		"daily_budget_usd": "10.00",
		"night_quota_percent": 90
	},
	"git": {
		"enabled": true,
		// Set to push task branches somewhere.
		"remote_url": "${{ .Env.WORKSPACE_REMOTE_URL }}"
	},
	"gateway": {
		"host": "127.0.0.1",
		"port": 18420
	}
}
`

const defaultDotenv = `# Environment for sleepless. Referenced from config.jsonc
# via ${{ .Env.VAR }} templates.
WORKSPACE_REMOTE_URL=
`
