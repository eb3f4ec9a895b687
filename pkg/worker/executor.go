package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cuemby/spark/pkg/config"
	"github.com/cuemby/spark/pkg/log"
)

// Executor runs one job to completion. The returned error is logged and
// reported as the job result; a *RejectedError marks a job that never ran.
type Executor interface {
	Execute(ctx context.Context, job *Job) error
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(ctx context.Context, job *Job) error

func (f ExecutorFunc) Execute(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// ExecError reports a runner that exited unsuccessfully
type ExecError struct {
	JobID string
	Err   error
	// Output is the tail of the runner's combined output
	Output string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("runner for job %s failed: %v", e.JobID, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// RejectedError reports a job that could not be set up, so the runner never
// ran it
type RejectedError struct {
	JobID string
	Err   error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("job %s rejected: %v", e.JobID, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

const outputTailSize = 4096

// CommandExecutor hands each job to an external runner process. The payload
// is written to the runner's stdin; its output goes to a per-job log file.
type CommandExecutor struct {
	Command      []string
	WorkspaceDir string
	LogDir       string
}

// NewCommandExecutor creates an executor for the configured runner
func NewCommandExecutor(cfg *config.Config) *CommandExecutor {
	return &CommandExecutor{
		Command:      cfg.RunnerCommand,
		WorkspaceDir: cfg.WorkspaceDir(),
		LogDir:       cfg.JobLogDir(),
	}
}

// Execute runs the runner in <WorkspaceDir>/<job-id> and appends its output
// to <LogDir>/<job-id>.log
func (e *CommandExecutor) Execute(ctx context.Context, job *Job) error {
	if len(e.Command) == 0 {
		return &RejectedError{JobID: job.ID, Err: fmt.Errorf("no runner command configured")}
	}

	workdir := filepath.Join(e.WorkspaceDir, job.ID)
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return &RejectedError{JobID: job.ID, Err: fmt.Errorf("failed to create workspace: %w", err)}
	}
	if err := os.MkdirAll(e.LogDir, 0755); err != nil {
		return &RejectedError{JobID: job.ID, Err: fmt.Errorf("failed to create log directory: %w", err)}
	}

	logPath := filepath.Join(e.LogDir, job.ID+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return &RejectedError{JobID: job.ID, Err: fmt.Errorf("failed to open job log: %w", err)}
	}
	defer logFile.Close()

	tail := &tailBuffer{max: outputTailSize}
	writers := []io.Writer{logFile, tail}
	if job.Output != nil {
		writers = append(writers, job.Output)
	}
	output := io.MultiWriter(writers...)

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Dir = workdir
	cmd.Stdin = strings.NewReader(string(job.Payload))
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.Env = append(os.Environ(),
		"SPARK_JOB_ID="+job.ID,
		"SPARK_WORKSPACE="+workdir,
	)
	setProcessGroup(cmd)

	logger := log.WithJobID(job.ID)
	logger.Debug().
		Str("command", strings.Join(cmd.Args, " ")).
		Str("workdir", workdir).
		Str("log", logPath).
		Msg("Running")

	if err := cmd.Start(); err != nil {
		return &RejectedError{JobID: job.ID, Err: err}
	}
	if err := cmd.Wait(); err != nil {
		return &ExecError{JobID: job.ID, Err: err, Output: tail.String()}
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
