package supervisor

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

type State int

const (
	// StateIdle indicates no worker is active. It is the zero value.
	StateIdle State = iota

	// StateStarting indicates the worker process is being created and the OS
	// has not yet confirmed it is running.
	StateStarting

	// StateRunning indicates the worker process is live.
	StateRunning

	// StateStopping indicates termination was requested but the process has
	// not exited yet.
	StateStopping

	// StateExited indicates the worker process terminated, by request or on
	// its own, and its exit code is known.
	StateExited
)

// NOTE: Keep in sync with the State values.
var states = []string{
	"Idle",
	"Starting",
	"Running",
	"Stopping",
	"Exited",
}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(states) {
		return fmt.Sprintf("Unknown(%d)", int(s))
	}

	return states[s]
}

// ParseState returns the State named by s, ignoring case.
func ParseState(s string) (State, error) {
	for i, name := range states {
		if strings.EqualFold(name, s) {
			return State(i), nil
		}
	}

	return StateIdle, fmt.Errorf("unknown state '%s'", s)
}

// AtomicState wraps an atomic.Int32 to provide atomic operations on a State,
// so Worker transitions can be validated with CompareAndSwap.
type AtomicState struct {
	v atomic.Int32
}

func (a *AtomicState) Load() State {
	return State(a.v.Load())
}

func (a *AtomicState) Store(s State) {
	a.v.Store(int32(s))
}

func (a *AtomicState) CompareAndSwap(o, n State) bool {
	return a.v.CompareAndSwap(int32(o), int32(n))
}

// Snapshot is a point-in-time summary of Supervisor or Worker state.
//
// When the Supervisor is Idle after a previous run, ExitCode and Signal
// describe the worker that exited last.
type Snapshot struct {
	State     State
	ExitCode  *int
	Signal    string
	WorkerID  string
	PID       int
	Timestamp time.Time
}
