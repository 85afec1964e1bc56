// Package sandbox runs subprocesses with explicit limits on behalf of the
// assistant (capturing a git diff for scribe, reproducing a failing
// command for diagnose). Commands are checked against an allowlist and
// bounded in runtime and output size.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"hermit/internal/logging"
)

var (
	// ErrExecutionTimeout means the command exceeded its time limit.
	ErrExecutionTimeout = errors.New("sandbox: execution timeout")
	// ErrExecutionDenied means the command's binary is not allowlisted.
	ErrExecutionDenied = errors.New("sandbox: execution denied")
)

// Limits bounds one execution. Zero values fall back to the executor
// defaults.
type Limits struct {
	Timeout        time.Duration
	MaxOutputBytes int64
}

// Result captures a finished execution. A nonzero exit code is a result,
// not an error.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs allowlisted commands in a working directory.
type Executor struct {
	workDir        string
	allowed        map[string]bool
	defaultTimeout time.Duration
	maxOutputBytes int64
	logger         *zap.Logger
}

// NewExecutor creates an executor restricted to the given binaries.
func NewExecutor(workDir string, allowedBinaries []string) *Executor {
	allowed := make(map[string]bool, len(allowedBinaries))
	for _, b := range allowedBinaries {
		allowed[b] = true
	}
	return &Executor{
		workDir:        workDir,
		allowed:        allowed,
		defaultTimeout: 30 * time.Second,
		maxOutputBytes: 1 << 20,
		logger:         logging.Named("sandbox"),
	}
}

// Run executes binary with args under limits.
func (e *Executor) Run(ctx context.Context, binary string, args []string, limits Limits) (*Result, error) {
	if !e.allowed[binary] {
		return nil, fmt.Errorf("%w: %s", ErrExecutionDenied, binary)
	}

	timeout := limits.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	maxOut := limits.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = e.maxOutputBytes
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = e.workDir

	var stdout, stderr cappedBuffer
	stdout.limit = maxOut
	stderr.limit = maxOut
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		e.logger.Warn("command timed out",
			zap.String("binary", binary), zap.Duration("elapsed", elapsed))
		return nil, fmt.Errorf("%w: %s after %s", ErrExecutionTimeout, binary, timeout)
	}

	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("sandbox: run %s: %w", binary, err)
		}
	}

	e.logger.Debug("command finished",
		zap.String("binary", binary),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("elapsed", elapsed))
	return result, nil
}

// cappedBuffer discards output beyond limit rather than growing without
// bound under a chatty subprocess.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int64
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - int64(b.buf.Len())
	if remaining <= 0 {
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string { return b.buf.String() }

var _ io.Writer = (*cappedBuffer)(nil)
