// Package remote runs commands inside a guest VM.
//
// Every command is executed through a login bash shell on the guest.  A
// guest command that runs and exits non-zero is not an error at this
// layer: the exit code is part of Result.  Only failures of the transport
// itself (dial, handshake, lost session) are reported as errors, wrapped
// in *TransportError so callers can tell the two apart.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrTransport matches every *TransportError via errors.Is.
var ErrTransport = errors.New("remote transport failure")

// TransportError reports an SSH-layer failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransport) true for any *TransportError.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Result is the outcome of a guest command that ran to completion.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError is returned by Result.Err when the command exited non-zero.
type ExitError struct {
	Command string
	Result  Result
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Result.Stderr)
	if msg == "" {
		msg = lastLine(e.Result.Stdout)
	}
	if msg == "" {
		return fmt.Sprintf("command %q exited with code %d", firstLine(e.Command), e.Result.ExitCode)
	}
	return fmt.Sprintf("command %q exited with code %d: %s", firstLine(e.Command), e.Result.ExitCode, msg)
}

// Err converts a non-zero exit code into an *ExitError.
func (r Result) Err(command string) error {
	if r.ExitCode == 0 {
		return nil
	}
	return &ExitError{Command: command, Result: r}
}

// Handle is an in-flight guest command started with Executor.Start.
// The component that started it owns it; others may hold a reference
// only to call Terminate.
type Handle interface {
	// Done is closed when the command finished or was terminated.
	Done() <-chan struct{}
	// Result returns the outcome.  It is only meaningful after Done.
	Result() (Result, error)
	// Terminate kills the command.  It is safe to call more than once and
	// after the command already exited.
	Terminate()
}

// Executor runs commands on one guest.
type Executor interface {
	Exec(ctx context.Context, command string) (Result, error)
	Start(ctx context.Context, command string) (Handle, error)
	CheckConnection(ctx context.Context) error
}

// Factory builds an Executor for the guest reachable at host.
type Factory func(host string) Executor

// WrapCommand turns command into the argument passed to the remote
// shell: a bash login shell running the single-quoted script.
func WrapCommand(command string) string {
	escaped := strings.ReplaceAll(command, "'", `'"'"'`)
	return "/bin/bash -lc '" + escaped + "'"
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
