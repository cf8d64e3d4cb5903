package postgres

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velmie/memgate"
	"github.com/velmie/memgate/audit"
	"github.com/velmie/memgate/correlation"
)

// DB is the subset of *pgxpool.Pool used by the store.
type DB interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ DB = (*pgxpool.Pool)(nil)

// Option configures the store.
type Option func(*Store)

// WithClock sets the time source used by the store.
func WithClock(clock memgate.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithBackoff sets the retry schedule applied by MarkRetry.
func WithBackoff(b memgate.Backoff) Option {
	return func(s *Store) {
		s.backoff = b
	}
}

// Store implements the ledger and outbox contracts on PostgreSQL.
type Store struct {
	db      DB
	clock   memgate.Clock
	backoff memgate.Backoff
}

var (
	_ memgate.Ledger         = (*Store)(nil)
	_ memgate.OutboxStore    = (*Store)(nil)
	_ memgate.PendingCounter = (*Store)(nil)
	_ memgate.ReportSource   = (*Store)(nil)
)

// NewStore wraps db, normally a *pgxpool.Pool.
func NewStore(db DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrPoolRequired
	}

	s := &Store{
		db:      db,
		clock:   memgate.SystemClock{},
		backoff: memgate.DefaultBackoff(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Connect opens a pool for connString and verifies it with a ping.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("memgate postgres: parse config: %w", err)
	}
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("memgate postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()

		return nil, fmt.Errorf("memgate postgres: ping: %w", err)
	}

	return pool, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type ledgerTx struct {
	store *Store
	tx    pgx.Tx
}

func (t ledgerTx) InsertAudit(ctx context.Context, record audit.Record) (int64, error) {
	return insertAudit(ctx, t.tx, record)
}

func (t ledgerTx) InsertOutbox(ctx context.Context, entry memgate.NewEntry) (int64, error) {
	return t.store.insertOutbox(ctx, t.tx, entry)
}

// WithinTx runs fn in one transaction, committing only if fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(memgate.LedgerTx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("memgate postgres: begin tx failed: %w", err)
	}
	if err := fn(ledgerTx{store: s, tx: tx}); err != nil {
		return errors.Join(err, tx.Rollback(ctx))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("memgate postgres: commit failed: %w", err)
	}

	return nil
}

// Insert adds a pending entry outside any caller transaction.
func (s *Store) Insert(ctx context.Context, entry memgate.NewEntry) (int64, error) {
	return s.insertOutbox(ctx, s.db, entry)
}

func (s *Store) insertOutbox(ctx context.Context, q querier, entry memgate.NewEntry) (int64, error) {
	if err := entry.Validate(); err != nil {
		return 0, err
	}

	now := s.clock.Now().UTC()
	next := entry.NextAttemptAt
	if next.IsZero() {
		next = now
	}

	var id int64
	err := q.QueryRow(
		ctx,
		insertOutboxQuery,
		entry.CorrelationID.String(),
		string(entry.Payload),
		memgate.StatusPending,
		entry.MaxRetries,
		next.UTC(),
		now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("memgate postgres: insert outbox failed: %w", err)
	}

	return id, nil
}

func insertAudit(ctx context.Context, q querier, record audit.Record) (int64, error) {
	refs, err := json.Marshal(record.EvidenceRefs.Clone())
	if err != nil {
		return 0, fmt.Errorf("memgate postgres: encode evidence refs: %w", err)
	}

	var id int64
	err = q.QueryRow(
		ctx,
		insertAuditQuery,
		record.CorrelationID.String(),
		record.ActorUserID,
		record.Space,
		string(record.Operation),
		string(record.Reason),
		string(refs),
		record.PayloadDigest,
		record.CreatedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("memgate postgres: insert audit failed: %w", err)
	}

	return id, nil
}

// LeasePending leases up to opts.Limit due entries in one statement.
func (s *Store) LeasePending(ctx context.Context, opts memgate.LeaseOptions) ([]memgate.Entry, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	rows, err := s.db.Query(ctx, leaseQuery, memgate.StatusPending, now, opts.Limit, now.Add(opts.Duration))
	if err != nil {
		return nil, fmt.Errorf("memgate postgres: lease failed: %w", err)
	}
	defer rows.Close()

	entries := make([]memgate.Entry, 0, opts.Limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memgate postgres: lease rows failed: %w", err)
	}
	if len(entries) == 0 {
		return nil, memgate.ErrNoEntries
	}
	// RETURNING has no defined order.
	slices.SortFunc(entries, func(a, b memgate.Entry) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return entries, nil
}

// MarkSent moves a leased entry to sent.
func (s *Store) MarkSent(ctx context.Context, t memgate.Transition) (memgate.TransitionResult, error) {
	return s.apply(ctx, t, func(e *memgate.Entry, _ time.Time) {
		e.Status = memgate.StatusSent
		e.LastError = ""
	})
}

// MarkRetry records a failed attempt, promoting the entry to dead once the
// retry ceiling is reached.
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

// MarkDead moves a leased entry to dead without another attempt.
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
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return memgate.TransitionResult{}, fmt.Errorf("memgate postgres: begin tx failed: %w", err)
	}

	result, err := s.applyTx(ctx, tx, t, mutate)
	if err != nil {
		return memgate.TransitionResult{}, errors.Join(err, tx.Rollback(ctx))
	}
	if err := tx.Commit(ctx); err != nil {
		return memgate.TransitionResult{}, fmt.Errorf("memgate postgres: commit transition failed: %w", err)
	}

	return result, nil
}

func (s *Store) applyTx(
	ctx context.Context,
	tx pgx.Tx,
	t memgate.Transition,
	mutate func(e *memgate.Entry, now time.Time),
) (memgate.TransitionResult, error) {
	current, err := scanEntry(tx.QueryRow(ctx, selectForUpdateQuery, t.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return memgate.TransitionResult{}, memgate.ErrEntryNotFound
	}
	if err != nil {
		return memgate.TransitionResult{}, err
	}
	if current.Status != memgate.StatusPending || t.LeaseToken == "" || current.LeaseToken != t.LeaseToken {
		return memgate.TransitionResult{}, memgate.ErrLeaseLost
	}

	now := s.clock.Now().UTC()
	next := current
	mutate(&next, now)
	next.LeaseToken = ""
	next.LeasedUntil = time.Time{}
	next.UpdatedAt = now

	var sentAt *time.Time
	if next.Status == memgate.StatusSent {
		sentAt = &now
	}
	var lastError *string
	if next.LastError != "" {
		lastError = &next.LastError
	}

	tag, err := tx.Exec(
		ctx,
		transitionQuery,
		next.Status,
		next.RetryCount,
		next.NextAttemptAt.UTC(),
		lastError,
		sentAt,
		now,
		t.ID,
		memgate.StatusPending,
		t.LeaseToken,
	)
	if err != nil {
		return memgate.TransitionResult{}, fmt.Errorf("memgate postgres: transition update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memgate.TransitionResult{}, memgate.ErrLeaseLost
	}

	result := memgate.TransitionResult{Entry: next}
	if t.Audit != nil {
		record, err := t.Audit(next)
		if err != nil {
			return memgate.TransitionResult{}, err
		}
		record.ID, err = insertAudit(ctx, tx, record)
		if err != nil {
			return memgate.TransitionResult{}, err
		}
		result.Audit = record
	}

	return result, nil
}

// PendingCount returns the number of pending outbox rows.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRow(ctx, countPendingQuery, memgate.StatusPending).Scan(&count); err != nil {
		return 0, fmt.Errorf("memgate postgres: pending count failed: %w", err)
	}

	return count, nil
}

// OutboxStats aggregates outbox state for the reliability report.
func (s *Store) OutboxStats(ctx context.Context, sentSince time.Time) (memgate.OutboxStats, error) {
	var (
		stats  memgate.OutboxStats
		oldest *time.Time
	)
	err := s.db.QueryRow(
		ctx,
		outboxStatsQuery,
		memgate.StatusPending,
		memgate.StatusDead,
		memgate.StatusSent,
		sentSince.UTC(),
	).Scan(&stats.Pending, &stats.Dead, &stats.SentSince, &oldest)
	if err != nil {
		return memgate.OutboxStats{}, fmt.Errorf("memgate postgres: outbox stats failed: %w", err)
	}
	if oldest != nil {
		stats.OldestPendingAt = oldest.UTC()
	}

	return stats, nil
}

// AuditCounts counts audit rows per reason created at or after since.
func (s *Store) AuditCounts(ctx context.Context, since time.Time) (map[audit.Reason]int64, error) {
	rows, err := s.db.Query(ctx, auditCountsQuery, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("memgate postgres: audit counts failed: %w", err)
	}
	defer rows.Close()

	counts := make(map[audit.Reason]int64)
	for rows.Next() {
		var (
			reason string
			count  int64
		)
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, fmt.Errorf("memgate postgres: scan audit count failed: %w", err)
		}
		counts[audit.Reason(reason)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memgate postgres: audit count rows failed: %w", err)
	}

	return counts, nil
}

func scanEntry(row pgx.Row) (memgate.Entry, error) {
	var (
		e           memgate.Entry
		cid         string
		payload     []byte
		lastError   *string
		leaseToken  *string
		leasedUntil *time.Time
	)
	err := row.Scan(
		&e.ID,
		&cid,
		&payload,
		&e.Status,
		&e.RetryCount,
		&e.MaxRetries,
		&e.NextAttemptAt,
		&lastError,
		&leaseToken,
		&leasedUntil,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return memgate.Entry{}, err
	}
	if err != nil {
		return memgate.Entry{}, fmt.Errorf("memgate postgres: scan outbox failed: %w", err)
	}

	e.CorrelationID = correlation.ID(cid)
	e.Payload = payload
	e.NextAttemptAt = e.NextAttemptAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if lastError != nil {
		e.LastError = *lastError
	}
	if leaseToken != nil {
		e.LeaseToken = *leaseToken
	}
	if leasedUntil != nil {
		e.LeasedUntil = leasedUntil.UTC()
	}

	return e, nil
}
