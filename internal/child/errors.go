package child

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSpawn matches every *SpawnError via errors.Is.
var ErrSpawn = errors.New("spawn child process")

// SpawnError is returned when the child could not be created.
type SpawnError struct {
	Argv []string
	Err  error
}

func (e *SpawnError) Error() string {
	command := strings.Join(e.Argv, " ")
	if command == "" {
		command = "<empty>"
	}
	return fmt.Sprintf("spawn %q: %v", command, e.Err)
}

// Unwrap exposes the underlying OS or lookup error.
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Is enables errors.Is(err, ErrSpawn).
func (e *SpawnError) Is(target error) bool {
	return target == ErrSpawn
}
