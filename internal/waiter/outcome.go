package waiter

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ship-commander/procwatch/internal/capture"
)

// Kind classifies how a wait ended.
type Kind string

const (
	// Found means a captured line contained the needle.
	Found Kind = "found"
	// TimedOut means the deadline passed without a match.
	TimedOut Kind = "timed_out"
	// ProcessExited means the child exited before the needle appeared.
	ProcessExited Kind = "process_exited"
)

var (
	// ErrWaitTimeout matches every *WaitTimeoutError.
	ErrWaitTimeout = errors.New("wait for output timed out")
	// ErrProcessExited matches every *ProcessExitedError.
	ErrProcessExited = errors.New("process terminated unexpectedly")
)

// Outcome is the single result of one wait.
type Outcome struct {
	Kind   Kind
	Needle string
	// Line is the matching line when Kind is Found.
	Line capture.Line
	// ExitCode is set when Kind is ProcessExited.
	ExitCode int
	Output   capture.Snapshot
	Timeout  time.Duration
	Elapsed  time.Duration
}

// Err converts a non-Found outcome into its typed error.
func (o Outcome) Err() error {
	switch o.Kind {
	case Found:
		return nil
	case TimedOut:
		return &WaitTimeoutError{Needle: o.Needle, Timeout: o.Timeout, Output: o.Output}
	case ProcessExited:
		return &ProcessExitedError{Needle: o.Needle, ExitCode: o.ExitCode, Output: o.Output}
	default:
		return fmt.Errorf("unknown wait outcome %q", o.Kind)
	}
}

// WaitTimeoutError reports a deadline that elapsed with no matching line.
type WaitTimeoutError struct {
	Needle  string
	Timeout time.Duration
	Output  capture.Snapshot
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("no output containing %q within %s", e.Needle, e.Timeout)
}

// Is enables errors.Is(err, ErrWaitTimeout).
func (e *WaitTimeoutError) Is(target error) bool {
	return target == ErrWaitTimeout
}

// Diagnostic renders the error followed by the captured output.
func (e *WaitTimeoutError) Diagnostic() string {
	return e.Error() + "\n" + FormatOutput(e.Output)
}

// ProcessExitedError reports a child that exited while a wait was in progress.
type ProcessExitedError struct {
	Needle   string
	ExitCode int
	Output   capture.Snapshot
}

func (e *ProcessExitedError) Error() string {
	return fmt.Sprintf("process exited with code %d before output containing %q", e.ExitCode, e.Needle)
}

// Is enables errors.Is(err, ErrProcessExited).
func (e *ProcessExitedError) Is(target error) bool {
	return target == ErrProcessExited
}

// Diagnostic renders the error followed by the captured output.
func (e *ProcessExitedError) Diagnostic() string {
	return e.Error() + "\n" + FormatOutput(e.Output)
}

// FormatOutput renders captured stdout and stderr as labelled blocks.
func FormatOutput(output capture.Snapshot) string {
	return strings.Join([]string{
		"> stdout:",
		strings.TrimSpace(output.Stdout()),
		"",
		"> stderr:",
		strings.TrimSpace(output.Stderr()),
	}, "\n")
}
