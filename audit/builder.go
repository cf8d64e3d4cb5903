package audit

import (
	"errors"
	"fmt"
	"time"

	"github.com/velmie/memgate/correlation"
)

var (
	// ErrInvalidRequest is returned when a mandatory subject field is absent.
	ErrInvalidRequest = errors.New("audit request is invalid")
	// ErrCorrelationIDRequired is returned when no correlation id is supplied.
	ErrCorrelationIDRequired = errors.New("audit correlation id is required")
	// ErrInvalidReason is returned for a reason outside the closed set.
	ErrInvalidReason = errors.New("audit reason is invalid")
	// ErrInvalidOperation is returned for an unknown operation.
	ErrInvalidOperation = errors.New("audit operation is invalid")
)

// Subject is the part of a request an audit record describes.
type Subject struct {
	ActorUserID string
	Space       string
	Operation   Operation
	Content     string
}

// Builder assembles audit records. It never generates a correlation id of its
// own: the caller's id is copied verbatim into every record. The zero value
// stamps records with UTC system time.
type Builder struct {
	now func() time.Time
}

// NewBuilder creates a Builder using now as its time source (UTC system time if nil).
func NewBuilder(now func() time.Time) Builder {
	return Builder{now: now}
}

func (b Builder) timestamp() time.Time {
	if b.now == nil {
		return time.Now().UTC()
	}

	return b.now()
}

// Build returns a record for subject with the supplied correlation id, reason
// and evidence. It has no side effects; persistence belongs to the caller.
func (b Builder) Build(subject Subject, id correlation.ID, reason Reason, refs EvidenceRefs) (Record, error) {
	if subject.ActorUserID == "" {
		return Record{}, fmt.Errorf("%w: actor_user_id is required", ErrInvalidRequest)
	}
	if subject.Space == "" {
		return Record{}, fmt.Errorf("%w: space is required", ErrInvalidRequest)
	}
	if id.IsZero() {
		return Record{}, ErrCorrelationIDRequired
	}
	if !reason.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	if !subject.Operation.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidOperation, subject.Operation)
	}

	return Record{
		CorrelationID: id,
		ActorUserID:   subject.ActorUserID,
		Space:         subject.Space,
		Operation:     subject.Operation,
		Reason:        reason,
		EvidenceRefs:  refs.Clone(),
		PayloadDigest: Digest(subject.Content),
		CreatedAt:     b.timestamp(),
	}, nil
}
