package workflow

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// CommandSpec describes one subprocess invocation.
type CommandSpec struct {
	Name string
	Args []string
	Dir  string

	// Env entries are appended to the parent environment.
	Env []string
}

// CommandResult is the terminal outcome of a subprocess.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int

	// Cancelled is set when the process was killed because the context
	// ended rather than exiting on its own.
	Cancelled bool
}

// Executor runs a command to completion. It exists as a function type so
// tests can substitute a fake without spawning processes.
type Executor func(ctx context.Context, spec CommandSpec) (CommandResult, error)

// NewExecutor returns the real subprocess executor. Commands run in their
// own process group; when ctx ends the whole group receives SIGTERM, then
// SIGKILL after the grace period.
func NewExecutor(grace time.Duration) Executor {
	return func(ctx context.Context, spec CommandSpec) (CommandResult, error) {
		cmd := exec.Command(spec.Name, spec.Args...)
		cmd.Dir = spec.Dir
		cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, spec.Env...)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Start(); err != nil {
			return CommandResult{ExitCode: -1}, err
		}

		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		var waitErr error
		cancelled := false
		select {
		case waitErr = <-done:
		case <-ctx.Done():
			cancelled = true
			killGroup(cmd.Process.Pid, syscall.SIGTERM)
			select {
			case waitErr = <-done:
			case <-time.After(grace):
				killGroup(cmd.Process.Pid, syscall.SIGKILL)
				waitErr = <-done
			}
		}

		res := CommandResult{
			Stdout:    stdout.String(),
			Stderr:    stderr.String(),
			ExitCode:  exitCode(waitErr),
			Cancelled: cancelled,
		}
		if cancelled {
			return res, ctx.Err()
		}
		if waitErr != nil && res.ExitCode < 0 {
			return res, waitErr
		}
		return res, nil
	}
}

// killGroup signals the process group; the process itself is the fallback
// when the group is already gone.
func killGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}

// exitCode extracts the exit status from a Wait error. Returns 0 on nil,
// -1 when the process did not exit normally.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if status, ok := ee.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return ee.ExitCode()
	}
	return -1
}
