package supervisor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ship-commander/procwatch/internal/state"
)

var (
	// ErrConflict matches every *ConflictError.
	ErrConflict = errors.New("background process already active")
	// ErrNoActiveProcess matches every *NoActiveProcessError.
	ErrNoActiveProcess = errors.New("no active background process")
)

// ConflictError is returned by Start when the session slot is not idle.
type ConflictError struct {
	State         state.State
	ActivePID     int
	ActiveCommand string
	Requested     []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"start %q: session is %s with pid %d (%s)",
		strings.Join(e.Requested, " "),
		e.State,
		e.ActivePID,
		e.ActiveCommand,
	)
}

// Is enables errors.Is(err, ErrConflict).
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// NoActiveProcessError is returned when an operation needs a running child and there is none.
type NoActiveProcessError struct {
	Operation string
}

func (e *NoActiveProcessError) Error() string {
	if e.Operation == "" {
		return ErrNoActiveProcess.Error()
	}
	return fmt.Sprintf("%s: %s", e.Operation, ErrNoActiveProcess)
}

// Is enables errors.Is(err, ErrNoActiveProcess).
func (e *NoActiveProcessError) Is(target error) bool {
	return target == ErrNoActiveProcess
}
