package worker

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/spark/pkg/config"
)

func newTestExecutor(t *testing.T, command ...string) *CommandExecutor {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("runner tests need a POSIX shell")
	}

	cfg := &config.Config{
		WorkspaceRoot: t.TempDir(),
		RunnerCommand: command,
	}
	return NewCommandExecutor(cfg)
}

func TestCommandExecutorRunsInWorkspace(t *testing.T) {
	e := newTestExecutor(t, "sh", "-c", `cat > payload.json; echo "running $SPARK_JOB_ID"`)

	job := NewJob(`{"uuid":"0b6d7c1e-3f0a-4b9e-a0d4-7a8f5e2c9b11","kind":"package-build"}`)
	require.NoError(t, e.Execute(context.Background(), job))

	data, err := os.ReadFile(filepath.Join(e.WorkspaceDir, job.ID, "payload.json"))
	require.NoError(t, err)
	assert.Equal(t, string(job.Payload), string(data))

	logData, err := os.ReadFile(filepath.Join(e.LogDir, job.ID+".log"))
	require.NoError(t, err)
	assert.Equal(t, "running "+job.ID+"\n", string(logData))
}

func TestCommandExecutorAppendsToLog(t *testing.T) {
	e := newTestExecutor(t, "sh", "-c", "echo attempt")
	job := NewJob(`{}`)

	require.NoError(t, e.Execute(context.Background(), job))
	require.NoError(t, e.Execute(context.Background(), job))

	logData, err := os.ReadFile(filepath.Join(e.LogDir, job.ID+".log"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(logData), "attempt"))
}

func TestCommandExecutorFailure(t *testing.T) {
	e := newTestExecutor(t, "sh", "-c", "echo boom >&2; exit 3")
	job := NewJob(`{}`)

	err := e.Execute(context.Background(), job)
	require.Error(t, err)

	var execErr *ExecError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, job.ID, execErr.JobID)
	assert.Contains(t, execErr.Output, "boom")

	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode())
}

func TestCommandExecutorMissingRunner(t *testing.T) {
	e := newTestExecutor(t, "spark-runner-that-does-not-exist")

	err := e.Execute(context.Background(), NewJob(`{}`))
	var rejected *RejectedError
	assert.True(t, errors.As(err, &rejected))

	e.Command = nil
	err = e.Execute(context.Background(), NewJob(`{}`))
	assert.True(t, errors.As(err, &rejected))
}

func TestCommandExecutorStreamsOutput(t *testing.T) {
	e := newTestExecutor(t, "sh", "-c", "echo one; echo two >&2")

	var out strings.Builder
	job := NewJob(`{}`)
	job.Output = &out

	require.NoError(t, e.Execute(context.Background(), job))
	assert.Equal(t, "one\ntwo\n", out.String())
}

func TestTailBuffer(t *testing.T) {
	tail := &tailBuffer{max: 8}

	_, _ = tail.Write([]byte("0123"))
	assert.Equal(t, "0123", tail.String())

	n, err := tail.Write([]byte("456789abc"))
	assert.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, "56789abc", tail.String())
}
