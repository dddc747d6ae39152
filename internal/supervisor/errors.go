package supervisor

import (
	"errors"
	"fmt"
)

var ErrShutdown = errors.New("supervisor is shut down")

// SpawnError is returned when the worker process could not be created, e.g.
// the interpreter is missing, not executable, or the working directory does
// not exist.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn '%s': %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// TerminateError is returned when a signal could not be delivered to the
// worker, or the worker survived forced termination.
type TerminateError struct {
	PID    int
	Signal string
	Err    error
}

func (e *TerminateError) Error() string {
	return fmt.Sprintf("terminate pid %d with %s: %v", e.PID, e.Signal, e.Err)
}

func (e *TerminateError) Unwrap() error {
	return e.Err
}
