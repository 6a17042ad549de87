package invocation

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of an invocation.
//
// Transitions are PENDING → RUNNING → COMPLETED | CANCELLED | ERROR.
// Terminal states are final.
type Status int

const (
	// StatusPending indicates the invocation has been created but has not started running.
	StatusPending Status = iota
	// StatusRunning indicates the action is executing.
	StatusRunning
	// StatusCompleted indicates the action returned normally.
	StatusCompleted
	// StatusCancelled indicates the action exited after a stop was requested.
	StatusCancelled
	// StatusError indicates the action failed.
	StatusError
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusError
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus converts a status name to a Status.
func ParseStatus(name string) (Status, error) {
	for s := StatusPending; s <= StatusError; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return StatusPending, fmt.Errorf("unknown invocation status %q", name)
}

// canTransition reports whether from → to is an edge of the state machine.
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		return to.IsTerminal()
	default:
		return false
	}
}
