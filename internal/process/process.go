// Package process runs host subprocesses for the hypervisor driver.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Result is the captured outcome of a finished process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError is returned by Run when the process exits non-zero.
type ExitError struct {
	Command []string
	Result  Result
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Result.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Result.Stdout)
	}
	return fmt.Sprintf("%s exited with code %d: %s", strings.Join(e.Command, " "), e.Result.ExitCode, msg)
}

// Runner starts host processes.
type Runner interface {
	// Run executes the command and waits for it.  A non-zero exit is
	// reported as *ExitError.
	Run(ctx context.Context, name string, args ...string) (Result, error)

	// Start launches the command without waiting for it.
	Start(name string, args ...string) (Process, error)
}

// Process is a started host process.
type Process interface {
	Done() <-chan struct{}
	Wait(ctx context.Context) (Result, error)
	Terminate(grace time.Duration)
}

// Exec is the os/exec backed Runner.
type Exec struct{}

// Compile-time check.
var _ Runner = Exec{}

// Run implements Runner.
func (Exec) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{Command: append([]string{name}, args...), Result: res}
	default:
		return res, fmt.Errorf("run %s: %w", name, err)
	}
}

// Start implements Runner.  The process is detached from any context so
// it outlives the call that started it; use Handle.Terminate to stop it.
func (Exec) Start(name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	h := &Handle{cmd: cmd, done: make(chan struct{})}
	cmd.Stdout = &h.stdout
	cmd.Stderr = &h.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	}()

	return h, nil
}

// Handle is a running host process.
type Handle struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the process exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	res := Result{Stdout: h.stdout.String(), Stderr: h.stderr.String()}
	var exitErr *exec.ExitError
	if errors.As(h.err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{Command: h.cmd.Args, Result: res}
	}
	return res, h.err
}

// Terminate sends SIGTERM and escalates to SIGKILL if the process has not
// exited within grace.  It is a no-op once the process is gone.
func (h *Handle) Terminate(grace time.Duration) {
	select {
	case <-h.done:
		return
	default:
	}
	_ = h.cmd.Process.Signal(syscall.SIGTERM)

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-h.done:
	case <-t.C:
		_ = h.cmd.Process.Kill()
	}
}
