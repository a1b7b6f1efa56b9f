package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/taskcore/internal/executor"
	"github.com/aristath/taskcore/internal/logging"
	"github.com/aristath/taskcore/internal/manifest"
	"github.com/aristath/taskcore/internal/scheduler"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <manifest.yaml>",
		Short: "Check a workflow manifest without running it",
		Long: `Parse the manifest and build its workflow on a throwaway engine, which
catches unknown fields, undeclared dependencies, bad strategies and cycles.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.LoadFile(args[0])
			if err != nil {
				return err
			}

			engine, err := scheduler.New(scheduler.Config{
				Executor: &executor.Simulated{},
				Logger:   logging.NopLogger(),
			})
			if err != nil {
				return err
			}
			defer func() { _ = engine.Stop() }()

			wf, err := engine.CreateWorkflow(cmd.Context(), m.WorkflowSpec())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: workflow %q v%s is valid\n", args[0], wf.Name, wf.Version)
			fmt.Fprintf(out, "  tasks: %d, resources: %d\n", len(wf.TaskIDs), len(m.Resources))
			fmt.Fprintf(out, "  ordering: %s, on error: %s\n", wf.Parallelism.Strategy, wf.ErrorHandling.Strategy)
			return nil
		},
	}
}
