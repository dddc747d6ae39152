package supervisor

import (
	"fmt"
	"time"
)

type Kind int

const (
	// KindLog is a line the worker wrote to stdout.
	KindLog Kind = iota + 1

	// KindError is a line the worker wrote to stderr.
	KindError

	// KindStatusChange reports a worker lifecycle transition.
	KindStatusChange
)

func (k Kind) String() string {
	switch k {
	case KindLog:
		return "log"
	case KindError:
		return "error"
	case KindStatusChange:
		return "status"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindLog, KindError, KindStatusChange} {
		if k.String() == s {
			return k, nil
		}
	}

	return 0, fmt.Errorf("unknown event kind '%s'", s)
}

// Event is published by a Supervisor. Sequence increases by one for every
// event a Supervisor publishes, in publish order.
//
// Text and Level are set for KindLog and KindError. Level is the log level
// prefix of the line, if any, as written by the agent's logger. Status is
// set for KindStatusChange.
type Event struct {
	Sequence uint64
	Kind     Kind
	Time     time.Time
	WorkerID string

	Text  string
	Level string

	Status *Snapshot
}
