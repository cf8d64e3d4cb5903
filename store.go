package memgate

import (
	"context"
	"time"

	"github.com/velmie/memgate/audit"
)

// Ledger is the transactional fact store holding audit rows and the outbox.
type Ledger interface {
	// WithinTx runs fn in one transaction, committing if fn returns nil.
	WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// LedgerTx is the write surface available inside a ledger transaction.
type LedgerTx interface {
	// InsertAudit appends an audit record and returns its id.
	InsertAudit(ctx context.Context, record audit.Record) (int64, error)
	// InsertOutbox inserts a pending outbox entry and returns its id.
	InsertOutbox(ctx context.Context, entry NewEntry) (int64, error)
}

// LeaseOptions controls how pending entries are leased.
type LeaseOptions struct {
	Limit    int
	Duration time.Duration
}

// Validate checks lease bounds.
func (o LeaseOptions) Validate() error {
	if o.Limit <= 0 {
		return ErrInvalidLimit
	}
	if o.Duration <= 0 {
		return ErrInvalidLeaseDuration
	}

	return nil
}

// AuditFunc builds the audit record committed together with a transition.
// It receives the entry as it will be after the transition.
type AuditFunc func(entry Entry) (audit.Record, error)

// Transition identifies a leased entry and the evidence for its next state.
type Transition struct {
	ID         int64
	LeaseToken string
	// Cause is recorded as last_error for retry and dead transitions.
	Cause error
	// Audit is optional.
	Audit AuditFunc
}

// TransitionResult is the state committed by a transition.
type TransitionResult struct {
	Entry Entry
	// Audit is the inserted record, zero when the transition had no AuditFunc.
	Audit audit.Record
}

// OutboxStore is the durable outbox with lease based mutual exclusion.
// Every Mark method is a single atomic update conditioned on the entry still
// being pending under the caller's lease token; otherwise it returns ErrLeaseLost.
type OutboxStore interface {
	// Insert stores a new pending entry with retry_count zero.
	Insert(ctx context.Context, entry NewEntry) (int64, error)
	// LeasePending leases up to opts.Limit due entries for opts.Duration.
	// It returns ErrNoEntries when nothing is due.
	LeasePending(ctx context.Context, opts LeaseOptions) ([]Entry, error)
	// MarkSent finalizes a delivered entry.
	MarkSent(ctx context.Context, t Transition) (TransitionResult, error)
	// MarkRetry records a failed attempt and reschedules the entry, promoting
	// it to dead when the retry ceiling is reached.
	MarkRetry(ctx context.Context, t Transition) (TransitionResult, error)
	// MarkDead finalizes an entry that must not be retried.
	MarkDead(ctx context.Context, t Transition) (TransitionResult, error)
}

// PendingCounter provides a total count of pending entries.
type PendingCounter interface {
	// PendingCount returns the current number of pending entries.
	PendingCount(ctx context.Context) (int, error)
}

// OutboxStats are aggregate outbox figures.
type OutboxStats struct {
	Pending int64
	Dead    int64
	// SentSince counts entries sent at or after the requested instant.
	SentSince int64
	// OldestPendingAt is the creation time of the oldest pending entry, zero if none.
	OldestPendingAt time.Time
}

// ReportSource is the read-only aggregate surface used by the Reporter.
type ReportSource interface {
	OutboxStats(ctx context.Context, sentSince time.Time) (OutboxStats, error)
	AuditCounts(ctx context.Context, since time.Time) (map[audit.Reason]int64, error)
}
