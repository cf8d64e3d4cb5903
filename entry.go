package memgate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/velmie/memgate/audit"
	"github.com/velmie/memgate/correlation"
)

// PendingWrite is the serialized write an outbox entry carries so the worker
// can replay it and audit the replay against the original subject.
type PendingWrite struct {
	CorrelationID correlation.ID  `json:"correlation_id"`
	ActorUserID   string          `json:"actor_user_id"`
	Space         string          `json:"space"`
	Operation     audit.Operation `json:"operation"`
	Content       string          `json:"content"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// Subject returns the audit subject of the write.
func (w PendingWrite) Subject() audit.Subject {
	return audit.Subject{
		ActorUserID: w.ActorUserID,
		Space:       w.Space,
		Operation:   w.Operation,
		Content:     w.Content,
	}
}

// Encode serializes w for storage.
func (w PendingWrite) Encode() (json.RawMessage, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encoding pending write: %w", err)
	}

	return data, nil
}

// DecodePendingWrite parses an outbox payload.
func DecodePendingWrite(payload json.RawMessage) (PendingWrite, error) {
	var w PendingWrite
	if err := json.Unmarshal(payload, &w); err != nil {
		return PendingWrite{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	return w, nil
}

// NewEntry describes an outbox entry to be inserted.
type NewEntry struct {
	CorrelationID correlation.ID
	// Payload is the encoded PendingWrite.
	Payload json.RawMessage
	// MaxRetries is the retry ceiling stored with the entry.
	MaxRetries int
	// NextAttemptAt is the earliest delivery time; zero means "now".
	NextAttemptAt time.Time
}

// Validate checks required fields and JSON validity.
func (e NewEntry) Validate() error {
	if e.CorrelationID.IsZero() {
		return ErrCorrelationIDRequired
	}
	if len(e.Payload) == 0 {
		return ErrPayloadRequired
	}
	if !json.Valid(e.Payload) {
		return ErrInvalidPayload
	}
	if e.MaxRetries <= 0 {
		return ErrInvalidMaxRetries
	}

	return nil
}

// Entry is a stored outbox entry.
type Entry struct {
	ID            int64
	CorrelationID correlation.ID
	Payload       json.RawMessage
	Status        Status
	RetryCount    int
	MaxRetries    int
	NextAttemptAt time.Time
	LastError     string
	// LeaseToken and LeasedUntil are set while a worker holds the entry.
	LeaseToken  string
	LeasedUntil time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Leased reports whether e is held under a lease that has not expired at now.
func (e Entry) Leased(now time.Time) bool {
	return e.LeaseToken != "" && e.LeasedUntil.After(now)
}

// Due reports whether e may be leased at now.
func (e Entry) Due(now time.Time) bool {
	return e.Status == StatusPending && !e.NextAttemptAt.After(now) && !e.Leased(now)
}
