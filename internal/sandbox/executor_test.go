package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDeniesUnlistedBinary(t *testing.T) {
	e := NewExecutor(t.TempDir(), []string{"echo"})
	_, err := e.Run(context.Background(), "rm", []string{"-rf", "/"}, Limits{})
	assert.ErrorIs(t, err, ErrExecutionDenied)
}

func TestRunCapturesOutput(t *testing.T) {
	e := NewExecutor(t.TempDir(), []string{"sh"})
	res, err := e.Run(context.Background(), "sh",
		[]string{"-c", "echo out; echo err >&2"}, Limits{})
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Zero(t, res.ExitCode)
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	e := NewExecutor(t.TempDir(), []string{"sh"})
	res, err := e.Run(context.Background(), "sh", []string{"-c", "exit 3"}, Limits{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunTimeout(t *testing.T) {
	e := NewExecutor(t.TempDir(), []string{"sleep"})
	_, err := e.Run(context.Background(), "sleep", []string{"5"},
		Limits{Timeout: 100 * time.Millisecond})
	assert.ErrorIs(t, err, ErrExecutionTimeout)
}

func TestRunRunsInWorkDir(t *testing.T) {
	dir := t.TempDir()
	e := NewExecutor(dir, []string{"pwd"})
	res, err := e.Run(context.Background(), "pwd", nil, Limits{})
	require.NoError(t, err)
	assert.Equal(t, dir, strings.TrimSpace(res.Stdout))
}

func TestRunCapsOutput(t *testing.T) {
	e := NewExecutor(t.TempDir(), []string{"sh"})
	res, err := e.Run(context.Background(), "sh",
		[]string{"-c", "yes | head -c 100000"},
		Limits{MaxOutputBytes: 1024})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Stdout), 1024)
}
