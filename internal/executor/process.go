package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// progressPrefix marks a stdout line as a progress report, e.g. "PROGRESS 40".
const progressPrefix = "PROGRESS "

// maxLineSize bounds a single output line. Longer lines end line scanning
// and the rest of the stream is discarded.
const maxLineSize = 1024 * 1024

// newCommand creates an exec.Cmd with process group isolation.
// Cancelling ctx kills the whole group, not just the immediate child.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	return cmd
}

// killProcessGroup kills the entire process group associated with the command.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}

	// Negative PID targets the group
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}

	return nil
}

// ProcessManager tracks all running subprocesses and can terminate them all on shutdown.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess after cmd.Wait() returned.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates all tracked subprocesses.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors killing processes: %v", errs)
	}

	return nil
}

// Count returns the number of currently tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}

// ProcessExecutor runs the job's command (Job.Extra["command"]) as a subprocess.
//
// Stdout lines are appended to the execution log, except lines of the form
// "PROGRESS <n>" which are reported as progress. Stderr lines are logged at
// warn level and quoted in the error if the command fails.
type ProcessExecutor struct {
	pm      *ProcessManager
	WorkDir string
}

// NewProcessExecutor creates a ProcessExecutor that registers its children with pm.
func NewProcessExecutor(pm *ProcessManager) *ProcessExecutor {
	return &ProcessExecutor{pm: pm}
}

// Execute implements Executor.
func (p *ProcessExecutor) Execute(ctx context.Context, job Job, r Reporter) (Result, error) {
	argv, err := commandFromJob(job)
	if err != nil {
		return Result{}, err
	}

	cmd := newCommand(ctx, argv[0], argv[1:]...)
	cmd.Dir = p.WorkDir
	cmd.Env = append(os.Environ(), jobEnv(job)...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start command: %w", err)
	}
	if p.pm != nil {
		p.pm.Track(cmd)
		defer p.pm.Untrack(cmd)
	}

	// Both pipes must be drained before cmd.Wait()
	var wg sync.WaitGroup
	var lines int
	var stderrTail []string

	wg.Add(2)
	go func() {
		defer wg.Done()
		lines = scanStdout(stdoutPipe, r)
	}()
	go func() {
		defer wg.Done()
		stderrTail = scanStderr(stderrPipe, r)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("command aborted: %w", ctx.Err())
	}
	if waitErr != nil {
		if len(stderrTail) > 0 {
			return Result{}, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, strings.Join(stderrTail, "\n"))
		}
		return Result{}, fmt.Errorf("command failed: %w", waitErr)
	}

	return Result{
		Output: map[string]any{
			"exit_code":    0,
			"stdout_lines": lines,
		},
	}, nil
}

func newLineScanner(rd io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return sc
}

// drain reports a scan error and consumes what is left of the pipe so the
// child never blocks on a full pipe buffer.
func drain(sc *bufio.Scanner, rd io.Reader, stream string, r Reporter) {
	if err := sc.Err(); err != nil {
		r.Log(LevelWarn, fmt.Sprintf("%s: %v, discarding remaining output", stream, err))
	}
	_, _ = io.Copy(io.Discard, rd)
}

func scanStdout(rd io.Reader, r Reporter) int {
	n := 0
	sc := newLineScanner(rd)
	for sc.Scan() {
		line := sc.Text()
		n++
		if rest, ok := strings.CutPrefix(line, progressPrefix); ok {
			if pct, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
				r.Progress(pct, nil)
				continue
			}
		}
		r.Log(LevelInfo, line)
	}
	drain(sc, rd, "stdout", r)
	return n
}

// scanStderr logs every stderr line and returns the last few.
func scanStderr(rd io.Reader, r Reporter) []string {
	const keep = 5
	var tail []string
	sc := newLineScanner(rd)
	for sc.Scan() {
		line := sc.Text()
		r.Log(LevelWarn, line)
		tail = append(tail, line)
		if len(tail) > keep {
			tail = tail[1:]
		}
	}
	drain(sc, rd, "stderr", r)
	return tail
}

func commandFromJob(job Job) ([]string, error) {
	raw, ok := job.Extra["command"]
	if !ok {
		return nil, fmt.Errorf("task %q has no command", job.TaskID)
	}

	var argv []string
	switch v := raw.(type) {
	case []string:
		argv = v
	case []any:
		for _, part := range v {
			argv = append(argv, fmt.Sprint(part))
		}
	case string:
		argv = []string{"sh", "-c", v}
	default:
		return nil, fmt.Errorf("task %q has invalid command type %T", job.TaskID, raw)
	}

	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("task %q has empty command", job.TaskID)
	}
	return argv, nil
}

func jobEnv(job Job) []string {
	env := []string{
		"TASKCORE_TASK_ID=" + job.TaskID,
		"TASKCORE_EXECUTION_ID=" + job.ExecutionID,
		"TASKCORE_ATTEMPT=" + strconv.Itoa(job.Attempt),
	}
	for k, v := range job.Variables {
		env = append(env, "TASKCORE_VAR_"+strings.ToUpper(k)+"="+v)
	}
	return env
}
