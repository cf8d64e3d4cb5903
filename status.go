package memgate

import "fmt"

// Status represents the lifecycle state of an outbox entry.
// Transitions are one-directional: pending to sent, or pending to dead.
type Status int16

const (
	// StatusPending indicates the entry awaits delivery.
	StatusPending Status = 0
	// StatusSent indicates the entry was delivered downstream.
	StatusSent Status = 1
	// StatusDead indicates the entry exhausted its retries or was rejected.
	StatusDead Status = -1
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDead:
		return "dead"
	default:
		return fmt.Sprintf("status(%d)", int16(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusDead
}
