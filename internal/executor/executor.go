// Package executor spawns one interpreter process per invocation, feeds
// it the assembled script on stdin, and captures the outcome. Each run is
// a fresh process: nothing is reused across invocations except the slot
// identity used for accounting.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/bascule/internal/log"
	"github.com/mattjoyce/bascule/internal/pool"
)

// truncationMarker is appended to captured output that hit the cap.
const truncationMarker = "\n...[output truncated]"

// Result captures one interpreter invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Success reports whether the invocation completed cleanly.
func (r Result) Success() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// Config defines the interpreter command line and output limits.
type Config struct {
	Binary           string
	Args             []string
	MaxOutputBytes   int
	TerminationGrace time.Duration
}

// Executor runs scripts through the configured interpreter.
type Executor struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("executor: interpreter binary is required")
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 64 * 1024
	}
	if cfg.TerminationGrace <= 0 {
		cfg.TerminationGrace = 5 * time.Second
	}
	return &Executor{
		cfg:    cfg,
		logger: log.WithComponent("executor"),
	}, nil
}

// Run spawns exactly one interpreter invocation bound to slot and blocks
// until it finishes, the attempt timeout fires, or ctx is done. Timeout
// and cancellation both force termination: SIGTERM, a grace period, then
// SIGKILL. A timed-out run returns TimedOut with no error; err is
// reserved for spawn and plumbing failures and for ctx cancellation.
func (e *Executor) Run(ctx context.Context, slot *pool.Slot, source string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		return Result{}, fmt.Errorf("executor: attempt timeout must be positive")
	}

	start := time.Now()
	logger := e.logger.With("slot_id", slot.ID(), "binary", e.cfg.Binary)

	// Termination is managed here, so plain Command instead of
	// CommandContext.
	cmd := exec.Command(e.cfg.Binary, e.cfg.Args...)
	cmd.Stdin = strings.NewReader(source)

	stdout := &cappedBuffer{max: e.cfg.MaxOutputBytes}
	stderr := &cappedBuffer{max: e.cfg.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Debug("spawning interpreter", "timeout", timeout, "script_bytes", len(source))

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start interpreter: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		logger.Warn("invocation exceeded attempt timeout, terminating", "timeout", timeout)
		e.terminate(cmd, waitErr, logger)
		return Result{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			TimedOut: true,
			Duration: time.Since(start),
		}, nil

	case <-ctx.Done():
		logger.Warn("invocation cancelled, terminating", "cause", ctx.Err())
		e.terminate(cmd, waitErr, logger)
		return Result{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}, ctx.Err()

	case err := <-waitErr:
		res := Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitCode()
				logger.Debug("interpreter exited non-zero", "exit_code", res.ExitCode)
			} else {
				return res, fmt.Errorf("wait for interpreter: %w", err)
			}
		}
		return res, nil
	}
}

// terminate enforces the kill sequence: SIGTERM, grace period, SIGKILL.
// It returns once the process is gone.
func (e *Executor) terminate(cmd *exec.Cmd, waitErr chan error, logger *slog.Logger) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(e.cfg.TerminationGrace)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("interpreter exited after SIGTERM")
	case <-grace.C:
		logger.Warn("interpreter did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}

// NewProbe adapts the executor into a pool probe: it runs source through
// the interpreter and requires a clean exit.
func NewProbe(e *Executor, source string, timeout time.Duration) pool.ProbeFunc {
	return func(ctx context.Context, slot *pool.Slot) error {
		res, err := e.Run(ctx, slot, source, timeout)
		if err != nil {
			return err
		}
		if res.TimedOut {
			return fmt.Errorf("probe timed out after %s", timeout)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("probe exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		return nil
	}
}

// cappedBuffer captures at most max bytes and discards the rest, so a
// runaway process cannot grow memory without bound. Writes always report
// success to keep the child from blocking on a dead pipe.
type cappedBuffer struct {
	max       int
	buf       bytes.Buffer
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - b.buf.Len()
	switch {
	case remaining <= 0:
		b.truncated = true
	case len(p) <= remaining:
		b.buf.Write(p)
	default:
		b.buf.Write(p[:remaining])
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + truncationMarker
	}
	return b.buf.String()
}
