package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/aristath/taskcore/internal/persistence"
	"github.com/aristath/taskcore/internal/scheduler"
)

func newStatusCmd(g *globalOptions) *cobra.Command {
	var statuses []string
	var taskID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show persisted workflows and tasks",
		Long:  `Read the state database and list workflows, task counts per status and the tasks themselves.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Persistence.Path == "" {
				return errors.New("persistence is disabled (persistence.path is empty)")
			}

			filter := make([]scheduler.TaskStatus, 0, len(statuses))
			for _, name := range statuses {
				st, ok := scheduler.ParseTaskStatus(strings.ToLower(name))
				if !ok {
					return fmt.Errorf("unknown task status %q", name)
				}
				filter = append(filter, st)
			}

			ctx := cmd.Context()
			store, err := persistence.NewSQLiteStore(ctx, cfg.Persistence.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			if taskID != "" {
				return printTask(cmd, store, taskID)
			}
			if err := printWorkflows(cmd, store); err != nil {
				return err
			}
			counts, err := store.CountByStatus(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printCounts(out, counts)

			tasks, err := store.ListTasks(ctx, filter...)
			if err != nil {
				return err
			}
			printTaskTable(out, tasks)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "only list tasks in these states")
	cmd.Flags().StringVar(&taskID, "task", "", "show the full record of one task")
	return cmd
}

func printWorkflows(cmd *cobra.Command, store *persistence.SQLiteStore) error {
	ctx := cmd.Context()
	keys, err := store.Keys(ctx, scheduler.WorkflowKeyPrefix)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		fmt.Fprintln(out, "No workflows")
		return nil
	}
	for _, key := range keys {
		var wf scheduler.Workflow
		if err := store.Load(ctx, key, &wf); err != nil {
			return err
		}
		fmt.Fprintf(out, "Workflow %s (%s) v%s: %s, %d tasks\n", wf.Name, wf.ID, wf.Version, wf.State, len(wf.TaskIDs))
		if wf.Halted {
			fmt.Fprintf(out, "  halted: %s\n", wf.HaltReason)
		}
	}
	fmt.Fprintln(out)
	return nil
}

func printCounts(out io.Writer, counts map[string]int) {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, counts[name]))
	}
	fmt.Fprintf(out, "Tasks: %s\n", strings.Join(parts, " "))
}

func printTaskTable(out io.Writer, tasks []persistence.TaskSummary) {
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No tasks")
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "TYPE", "STATUS", "PRIORITY", "WORKFLOW", "ATTEMPTS", "UPDATED")
	for _, ts := range tasks {
		t.Row(ts.ID, ts.Type, ts.Status.String(), strconv.Itoa(ts.Priority), ts.WorkflowID,
			strconv.Itoa(ts.Attempts), ts.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintln(out, t.Render())
}

func printTask(cmd *cobra.Command, store *persistence.SQLiteStore, taskID string) error {
	task, err := store.LoadTask(cmd.Context(), taskID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Task %s (%s)\n", task.ID, task.Type)
	fmt.Fprintf(out, "  status:    %s\n", task.Status)
	fmt.Fprintf(out, "  priority:  %d\n", task.Priority)
	fmt.Fprintf(out, "  attempts:  %d\n", task.Attempts)
	fmt.Fprintf(out, "  progress:  %d%%\n", task.Progress)
	if task.Metadata.WorkflowID != "" {
		fmt.Fprintf(out, "  workflow:  %s\n", task.Metadata.WorkflowID)
	}
	for _, d := range task.Deps {
		fmt.Fprintf(out, "  depends on %s (%s)\n", d.TaskID, d.Type)
	}
	if task.Metadata.Error != "" {
		fmt.Fprintf(out, "  error:     %s (%s)\n", task.Metadata.Error, task.Metadata.ErrorKind)
	}
	if task.Metadata.CancelReason != "" {
		fmt.Fprintf(out, "  cancelled: %s\n", task.Metadata.CancelReason)
	}
	fmt.Fprintf(out, "  checkpoints: %d\n", len(task.Checkpoints))
	return nil
}
