package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/taskcore/internal/config"
	"github.com/aristath/taskcore/internal/events"
	"github.com/aristath/taskcore/internal/manifest"
	"github.com/aristath/taskcore/internal/scheduler"
	"github.com/aristath/taskcore/internal/tui"
)

const drainTimeout = 2 * time.Second

type runOptions struct {
	resume         bool
	useTUI         bool
	verbose        bool
	noPersist      bool
	simulatedDelay time.Duration
}

func newRunCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <manifest.yaml>",
		Short: "Run a workflow manifest to completion",
		Long: `Load a workflow manifest, register its tasks with the engine and wait
until every task has completed, failed or been cancelled. Tasks of type
"shell" run their command as a subprocess; other types are simulated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			return runManifest(cmd.Context(), cfg, args[0], o, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&o.resume, "resume", false, "restore persisted state and continue the workflow")
	flags.BoolVar(&o.useTUI, "tui", false, "show the interactive monitor")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "print task output and progress")
	flags.BoolVar(&o.noPersist, "no-persist", false, "do not write state to the database")
	flags.DurationVar(&o.simulatedDelay, "simulated-step", 100*time.Millisecond, "step delay of simulated tasks")
	return cmd
}

func runManifest(ctx context.Context, cfg *config.EngineConfig, path string, o *runOptions, out io.Writer) error {
	m, err := manifest.LoadFile(path)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, cfg, runtimeOptions{
		simulatedDelay: o.simulatedDelay,
		persist:        !o.noPersist,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil && !errors.Is(cerr, context.Canceled) {
			rt.log.Warn("shutdown incomplete", "error", cerr.Error())
		}
	}()

	for _, r := range m.Resources {
		if err := rt.engine.RegisterResource(r.ID, r.Capacity); err != nil {
			return err
		}
	}

	wf, err := openWorkflow(ctx, rt, m, o.resume, out)
	if err != nil {
		return err
	}

	// Subscribe before anything starts so no event is missed.
	sub := rt.bus.SubscribeAll(1024)

	if err := rt.engine.Start(ctx); err != nil {
		return err
	}
	if wf.State == scheduler.WorkflowCreated {
		if err := rt.engine.ExecuteWorkflow(ctx, wf.ID); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "Running workflow %s (%s), %d tasks\n", wf.Name, wf.ID, len(wf.TaskIDs))

	var st *scheduler.WorkflowStatus
	if o.useTUI {
		st, err = monitor(ctx, rt, wf.ID, sub)
	} else {
		st, err = follow(ctx, rt, wf.ID, sub, o.verbose, out)
	}
	if err != nil {
		return err
	}

	printWorkflowStatus(out, st)
	if st.State != scheduler.WorkflowCompleted {
		return fmt.Errorf("workflow %s %s", st.ID, st.State)
	}
	return nil
}

// openWorkflow creates the manifest's workflow, or picks up its persisted
// copy when resuming.
func openWorkflow(ctx context.Context, rt *runtime, m *manifest.Manifest, resume bool, out io.Writer) (*scheduler.Workflow, error) {
	if resume {
		if rt.store == nil {
			return nil, errors.New("--resume needs a state database")
		}
		n, err := rt.engine.Restore(ctx)
		if err != nil {
			return nil, fmt.Errorf("restoring state: %w", err)
		}
		fmt.Fprintf(out, "Restored %d tasks\n", n)
		if m.ID != "" {
			if wf, err := rt.engine.GetWorkflow(m.ID); err == nil {
				return wf, nil
			}
		}
	}
	return rt.engine.CreateWorkflow(ctx, m.WorkflowSpec())
}

// follow prints events until the workflow reaches a terminal state. An
// interrupt cancels the workflow.
func follow(ctx context.Context, rt *runtime, workflowID string, sub <-chan events.Event, verbose bool, out io.Writer) (*scheduler.WorkflowStatus, error) {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		printEvents(out, sub, workflowID, stop, verbose)
	}()

	st, err := rt.engine.WaitWorkflow(ctx, workflowID)
	if err != nil && ctx.Err() != nil {
		rt.log.Warn("interrupted, cancelling workflow", "workflow_id", workflowID)
		if cerr := rt.engine.CancelWorkflow(context.Background(), workflowID, "interrupted", false); cerr != nil {
			rt.log.Error("cancel failed", "error", cerr.Error())
		}
		st, err = rt.engine.GetWorkflowStatus(workflowID)
	}

	// The terminal progress event trails the status change slightly.
	select {
	case <-done:
	case <-time.After(drainTimeout):
		close(stop)
		<-done
	}
	return st, err
}

// monitor runs the TUI until the user quits. Quitting before the workflow
// finishes cancels it.
func monitor(ctx context.Context, rt *runtime, workflowID string, sub <-chan events.Event) (*scheduler.WorkflowStatus, error) {
	p := tea.NewProgram(tui.NewFromChannel(sub, rt.engine), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return nil, fmt.Errorf("monitor: %w", err)
	}

	st, err := rt.engine.GetWorkflowStatus(workflowID)
	if err != nil {
		return nil, err
	}
	if !st.State.IsTerminal() {
		if err := rt.engine.CancelWorkflow(context.Background(), workflowID, "monitor closed", false); err != nil {
			return nil, err
		}
		return rt.engine.GetWorkflowStatus(workflowID)
	}
	return st, nil
}

// printEvents prints until it has seen the terminal progress event of
// workflowID, the subscription closes or stop is closed.
func printEvents(out io.Writer, sub <-chan events.Event, workflowID string, stop <-chan struct{}, verbose bool) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			printEvent(out, ev, verbose)
			if p, ok := ev.(events.WorkflowProgressEvent); ok && p.WorkflowID == workflowID &&
				scheduler.WorkflowState(p.Status).IsTerminal() {
				return
			}
		case <-stop:
			return
		}
	}
}

func printEvent(out io.Writer, ev events.Event, verbose bool) {
	var line string
	switch ev := ev.(type) {
	case events.TaskStartedEvent:
		line = fmt.Sprintf("%s started (attempt %d)", ev.ID, ev.Attempt)
	case events.TaskCompletedEvent:
		line = fmt.Sprintf("%s completed in %s", ev.ID, ev.Duration.Round(time.Millisecond))
	case events.TaskFailedEvent:
		line = fmt.Sprintf("%s failed (%s): %v", ev.ID, ev.Kind, ev.Err)
	case events.TaskRetryingEvent:
		line = fmt.Sprintf("%s retry %d in %s", ev.ID, ev.Attempt, ev.Delay)
	case events.TaskCancelledEvent:
		line = fmt.Sprintf("%s cancelled: %s", ev.ID, ev.Reason)
	case events.TaskCheckpointEvent:
		line = fmt.Sprintf("%s checkpoint %s", ev.ID, ev.Description)
	case events.WorkflowProgressEvent:
		line = fmt.Sprintf("workflow %s %s: %d/%d completed", ev.WorkflowID, ev.Status, ev.Completed, ev.Total)
	case events.TaskOutputEvent:
		if verbose {
			line = fmt.Sprintf("%s | %s", ev.ID, ev.Line)
		}
	case events.TaskProgressEvent:
		if verbose {
			line = fmt.Sprintf("%s %d%%", ev.ID, ev.Progress)
		}
	}
	if line != "" {
		fmt.Fprintln(out, line)
	}
}

func printWorkflowStatus(out io.Writer, st *scheduler.WorkflowStatus) {
	fmt.Fprintf(out, "\nWorkflow %s: %s\n", st.Name, st.State)
	fmt.Fprintf(out, "  completed %d, failed %d, cancelled %d of %d\n", st.Completed, st.Failed, st.Cancelled, st.Total)
	if st.Halted {
		fmt.Fprintf(out, "  halted: %s\n", st.HaltReason)
	}
	for _, t := range st.Tasks {
		fmt.Fprintf(out, "  %-24s %-10s attempts=%d\n", t.ID, t.Status, t.Attempts)
	}
}
