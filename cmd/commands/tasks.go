package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/sleeplessd/sleepless/internal/queue"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Manage the task queue",
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Queue a new task",
				ArgsUsage: "<description>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "priority", Aliases: []string{"p"}, Value: "random", Usage: "serious, random, or generated"},
					&cli.StringFlag{Name: "project", Usage: "Project id to scope the task to"},
					&cli.StringFlag{Name: "project-name", Usage: "Human-readable project name"},
					&cli.BoolFlag{Name: "refine", Usage: "Mark the task as a refinement of existing work"},
				},
				Action: runTasksAdd,
			},
			{
				Name:  "list",
				Usage: "List recent tasks",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20},
				},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details and results",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a pending task",
				ArgsUsage: "<task_id>",
				Action:    runTasksCancel,
			},
			{
				Name:      "priority",
				Usage:     "Change a task's priority bucket",
				ArgsUsage: "<task_id> <serious|random|generated>",
				Action:    runTasksPriority,
			},
		},
		DefaultCommand: "list",
	}
}

func openStore(cmd *cli.Command) (*queue.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return queue.Open(cfg.Agent.DBPath)
}

func argTaskID(cmd *cli.Command) (int64, error) {
	raw := cmd.Args().First()
	if raw == "" {
		return 0, fmt.Errorf("task id required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", raw)
	}
	return id, nil
}

func runTasksAdd(_ context.Context, cmd *cli.Command) error {
	description := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if description == "" {
		return fmt.Errorf("task description required")
	}
	priority, err := queue.ParsePriority(cmd.String("priority"))
	if err != nil {
		return err
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	var opts []queue.TaskOption
	if project := cmd.String("project"); project != "" {
		opts = append(opts, queue.WithProject(project, cmd.String("project-name")))
	}
	if cmd.Bool("refine") {
		opts = append(opts, queue.WithType(queue.TypeRefine))
	}

	task, err := store.AddTask(description, priority, opts...)
	if err != nil {
		return err
	}
	fmt.Printf("Queued task #%d (%s)\n", task.ID, task.Priority)
	return nil
}

func runTasksPriority(_ context.Context, cmd *cli.Command) error {
	id, err := argTaskID(cmd)
	if err != nil {
		return err
	}
	priority, err := queue.ParsePriority(cmd.Args().Get(1))
	if err != nil {
		return err
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	task, err := store.UpdatePriority(id, priority)
	if err != nil {
		return err
	}
	fmt.Printf("Task #%d priority set to %s\n", task.ID, task.Priority)
	return nil
}

func runTasksList(_ context.Context, cmd *cli.Command) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := store.RecentTasks(int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tPROJECT\tDESCRIPTION")
	for _, t := range tasks {
		project := "-"
		if t.ProjectName != nil && *t.ProjectName != "" {
			project = *t.ProjectName
		} else if t.Project() != "" {
			project = t.Project()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Priority, project, truncate(t.Description, 60))
	}
	return w.Flush()
}

func runTasksShow(_ context.Context, cmd *cli.Command) error {
	id, err := argTaskID(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	task, err := store.GetTask(id)
	if err != nil {
		return err
	}

	fmt.Printf("Task #%d\n", task.ID)
	fmt.Printf("  Status:      %s\n", task.Status)
	fmt.Printf("  Priority:    %s\n", task.Priority)
	fmt.Printf("  Type:        %s\n", task.TaskType)
	if task.Project() != "" {
		fmt.Printf("  Project:     %s\n", task.Project())
	}
	fmt.Printf("  Created:     %s\n", task.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if task.ErrorMessage != nil {
		fmt.Printf("  Error:       %s\n", *task.ErrorMessage)
	}
	fmt.Printf("  Description: %s\n", task.Description)

	results, err := store.ResultsForTask(id)
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Printf("\nResult #%d (%s)\n", r.ID, r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		if r.GitCommitSHA != "" {
			fmt.Printf("  Commit: %s on %s\n", r.GitCommitSHA, r.GitBranch)
		}
		fmt.Printf("  Files:  %d  Commands: %d  Took: %ds\n",
			len(r.FilesModified), len(r.CommandsExecuted), r.ProcessingTimeSeconds)
		fmt.Printf("  Output:\n%s\n", indent(clip(r.Output, 2000), "    "))
	}
	return nil
}

func runTasksCancel(_ context.Context, cmd *cli.Command) error {
	id, err := argTaskID(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	task, err := store.CancelTask(id)
	if err != nil {
		return err
	}
	if task.Status != queue.StatusCancelled {
		return fmt.Errorf("task #%d is %s and cannot be cancelled", id, task.Status)
	}
	fmt.Printf("Cancelled task #%d\n", id)
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// clip truncates without flattening newlines.
func clip(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
