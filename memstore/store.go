// Package memstore is an in-process Ledger and OutboxStore. It honors the same
// lease and compare-and-swap contract as the SQL stores and is meant for tests
// and local development.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/memgate"
	"github.com/velmie/memgate/audit"
)

// Store keeps audit rows and outbox entries in memory.
type Store struct {
	mu      sync.Mutex
	clock   memgate.Clock
	backoff memgate.Backoff

	audits      []audit.Record
	entries     map[int64]*memgate.Entry
	sentAt      map[int64]time.Time
	nextEntryID int64
	nextAuditID int64

	// FailAudit, when set, is returned by every audit insert.
	FailAudit error
}

var (
	_ memgate.Ledger         = (*Store)(nil)
	_ memgate.OutboxStore    = (*Store)(nil)
	_ memgate.ReportSource   = (*Store)(nil)
	_ memgate.PendingCounter = (*Store)(nil)
)

// Option configures the store.
type Option func(*Store)

// WithClock sets the time source.
func WithClock(clock memgate.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithBackoff sets the retry schedule.
func WithBackoff(b memgate.Backoff) Option {
	return func(s *Store) {
		s.backoff = b
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:   memgate.SystemClock{},
		backoff: memgate.DefaultBackoff(),
		entries: make(map[int64]*memgate.Entry),
		sentAt:  make(map[int64]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// tx buffers writes until the surrounding WithinTx commits.
type tx struct {
	store   *Store
	audits  []audit.Record
	entries []*memgate.Entry
}

func (t *tx) InsertAudit(_ context.Context, record audit.Record) (int64, error) {
	if t.store.FailAudit != nil {
		return 0, t.store.FailAudit
	}
	t.store.nextAuditID++
	record.ID = t.store.nextAuditID
	record.EvidenceRefs = record.EvidenceRefs.Clone()
	t.audits = append(t.audits, record)

	return record.ID, nil
}

func (t *tx) InsertOutbox(_ context.Context, entry memgate.NewEntry) (int64, error) {
	e, err := t.store.newEntry(entry)
	if err != nil {
		return 0, err
	}
	t.entries = append(t.entries, e)

	return e.ID, nil
}

// WithinTx implements memgate.Ledger. Writes become visible only if fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(memgate.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	auditSeq, entrySeq := s.nextAuditID, s.nextEntryID
	t := &tx{store: s}
	if err := fn(t); err != nil {
		s.nextAuditID, s.nextEntryID = auditSeq, entrySeq

		return err
	}
	s.audits = append(s.audits, t.audits...)
	for _, e := range t.entries {
		s.entries[e.ID] = e
	}

	return nil
}

// Insert implements memgate.OutboxStore.
func (s *Store) Insert(ctx context.Context, entry memgate.NewEntry) (int64, error) {
	var id int64
	err := s.WithinTx(ctx, func(tx memgate.LedgerTx) error {
		var err error
		id, err = tx.InsertOutbox(ctx, entry)

		return err
	})

	return id, err
}

func (s *Store) newEntry(entry memgate.NewEntry) (*memgate.Entry, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	next := entry.NextAttemptAt
	if next.IsZero() {
		next = now
	}
	s.nextEntryID++

	return &memgate.Entry{
		ID:            s.nextEntryID,
		CorrelationID: entry.CorrelationID,
		Payload:       append([]byte(nil), entry.Payload...),
		Status:        memgate.StatusPending,
		MaxRetries:    entry.MaxRetries,
		NextAttemptAt: next,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// LeasePending implements memgate.OutboxStore. Due entries are leased in id order.
func (s *Store) LeasePending(ctx context.Context, opts memgate.LeaseOptions) ([]memgate.Entry, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	ids := make([]int64, 0, len(s.entries))
	for id, e := range s.entries {
		if e.Due(now) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, memgate.ErrNoEntries
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > opts.Limit {
		ids = ids[:opts.Limit]
	}

	leased := make([]memgate.Entry, 0, len(ids))
	for _, id := range ids {
		e := s.entries[id]
		e.LeaseToken = uuid.NewString()
		e.LeasedUntil = now.Add(opts.Duration)
		e.UpdatedAt = now
		leased = append(leased, clone(*e))
	}

	return leased, nil
}

// MarkSent implements memgate.OutboxStore.
func (s *Store) MarkSent(ctx context.Context, t memgate.Transition) (memgate.TransitionResult, error) {
	return s.apply(ctx, t, func(e *memgate.Entry, _ time.Time) {
		e.Status = memgate.StatusSent
		e.LastError = ""
	})
}

// MarkRetry implements memgate.OutboxStore.
func (s *Store) MarkRetry(ctx context.Context, t memgate.Transition) (memgate.TransitionResult, error) {
	return s.apply(ctx, t, func(e *memgate.Entry, now time.Time) {
		plan := memgate.PlanRetry(*e, now, s.backoff)
		e.RetryCount = plan.RetryCount
		e.NextAttemptAt = plan.NextAttemptAt
		e.LastError = memgate.ErrorText(t.Cause)
		if plan.Dead {
			e.Status = memgate.StatusDead
		}
	})
}

// MarkDead implements memgate.OutboxStore.
func (s *Store) MarkDead(ctx context.Context, t memgate.Transition) (memgate.TransitionResult, error) {
	return s.apply(ctx, t, func(e *memgate.Entry, _ time.Time) {
		e.Status = memgate.StatusDead
		e.LastError = memgate.ErrorText(t.Cause)
	})
}

func (s *Store) apply(
	ctx context.Context,
	t memgate.Transition,
	mutate func(e *memgate.Entry, now time.Time),
) (memgate.TransitionResult, error) {
	if err := ctx.Err(); err != nil {
		return memgate.TransitionResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[t.ID]
	if !ok {
		return memgate.TransitionResult{}, memgate.ErrEntryNotFound
	}
	if current.Status != memgate.StatusPending || t.LeaseToken == "" || current.LeaseToken != t.LeaseToken {
		return memgate.TransitionResult{}, memgate.ErrLeaseLost
	}

	now := s.clock.Now()
	next := clone(*current)
	mutate(&next, now)
	next.LeaseToken = ""
	next.LeasedUntil = time.Time{}
	next.UpdatedAt = now

	var result memgate.TransitionResult
	if t.Audit != nil {
		record, err := t.Audit(clone(next))
		if err != nil {
			return memgate.TransitionResult{}, err
		}
		if s.FailAudit != nil {
			return memgate.TransitionResult{}, s.FailAudit
		}
		s.nextAuditID++
		record.ID = s.nextAuditID
		s.audits = append(s.audits, record)
		result.Audit = record
	}

	*current = next
	if next.Status == memgate.StatusSent {
		s.sentAt[t.ID] = now
	}
	result.Entry = clone(next)

	return result, nil
}

// PendingCount implements memgate.PendingCounter.
func (s *Store) PendingCount(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, e := range s.entries {
		if e.Status == memgate.StatusPending {
			count++
		}
	}

	return count, nil
}

// OutboxStats implements memgate.ReportSource.
func (s *Store) OutboxStats(_ context.Context, sentSince time.Time) (memgate.OutboxStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats memgate.OutboxStats
	for id, e := range s.entries {
		switch e.Status {
		case memgate.StatusPending:
			stats.Pending++
			if stats.OldestPendingAt.IsZero() || e.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = e.CreatedAt
			}
		case memgate.StatusDead:
			stats.Dead++
		case memgate.StatusSent:
			if !s.sentAt[id].Before(sentSince) {
				stats.SentSince++
			}
		}
	}

	return stats, nil
}

// AuditCounts implements memgate.ReportSource.
func (s *Store) AuditCounts(_ context.Context, since time.Time) (map[audit.Reason]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[audit.Reason]int64)
	for _, r := range s.audits {
		if !r.CreatedAt.Before(since) {
			counts[r.Reason]++
		}
	}

	return counts, nil
}

// Audits returns a copy of every committed audit record in insertion order.
func (s *Store) Audits() []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]audit.Record, len(s.audits))
	for i, r := range s.audits {
		r.EvidenceRefs = r.EvidenceRefs.Clone()
		out[i] = r
	}

	return out
}

// Entry returns a copy of one outbox entry.
func (s *Store) Entry(id int64) (memgate.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return memgate.Entry{}, memgate.ErrEntryNotFound
	}

	return clone(*e), nil
}

// Entries returns copies of all entries ordered by id.
func (s *Store) Entries() []memgate.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]memgate.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, clone(*e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Update applies fn to a stored entry. It exists so tests can stage states
// such as an expired lease or a retry count near the ceiling.
func (s *Store) Update(id int64, fn func(e *memgate.Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return memgate.ErrEntryNotFound
	}
	fn(e)

	return nil
}

func clone(e memgate.Entry) memgate.Entry {
	e.Payload = append([]byte(nil), e.Payload...)

	return e
}
