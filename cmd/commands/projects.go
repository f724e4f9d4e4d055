package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/sleeplessd/sleepless/internal/executor"
	"github.com/sleeplessd/sleepless/internal/queue"
)

// NewProjectsCommand returns the projects subcommand.
func NewProjectsCommand() *cli.Command {
	return &cli.Command{
		Name:  "projects",
		Usage: "Inspect project-scoped work",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List all projects",
				Action: runProjectsList,
			},
			{
				Name:      "show",
				Usage:     "Show a project's tasks",
				ArgsUsage: "<project_id>",
				Action:    runProjectsShow,
			},
			{
				Name:      "delete",
				Usage:     "Delete a project's tasks from the queue",
				ArgsUsage: "<project_id>",
				Action:    runProjectsDelete,
			},
		},
		DefaultCommand: "list",
	}
}

func runProjectsList(_ context.Context, cmd *cli.Command) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	projects, err := store.Projects()
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Println("No projects found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTASKS\tDONE\tFAILED\tPENDING")
	for _, p := range projects {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n",
			p.ProjectID, p.ProjectName, p.TotalTasks, p.Completed, p.Failed, p.Pending)
	}
	return w.Flush()
}

func runProjectsShow(_ context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("project id required")
	}
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	summary, err := store.ProjectByID(id)
	if err != nil {
		return err
	}
	if summary == nil {
		return fmt.Errorf("unknown project %q", id)
	}
	fmt.Printf("Project: %s (%s)\n", summary.ProjectName, summary.ProjectID)
	fmt.Printf("  Tasks: %d total, %d completed, %d failed, %d pending, %d running\n\n",
		summary.TotalTasks, summary.Completed, summary.Failed, summary.Pending, summary.InProgress)

	tasks, err := store.ProjectTasks(id)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tDESCRIPTION")
	for _, t := range tasks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", t.ID, t.Status, t.Priority, truncate(t.Description, 60))
	}
	return w.Flush()
}

func runProjectsDelete(_ context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("project id required")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := queue.Open(cfg.Agent.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.DeleteProject(id)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d tasks from project %s\n", n, id)

	workspaces, err := executor.NewWorkspaces(cfg.Agent.WorkspaceRoot, nil)
	if err != nil {
		return err
	}
	trashed, err := workspaces.TrashProject(id)
	if err != nil {
		return err
	}
	if trashed != "" {
		fmt.Printf("Workspace moved to %s\n", trashed)
	}
	return nil
}
