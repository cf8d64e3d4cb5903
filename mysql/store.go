package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/memgate"
	"github.com/velmie/memgate/audit"
	"github.com/velmie/memgate/correlation"
)

// Executor allows enqueuing within an existing transaction.
type Executor interface {
	// ExecContext executes a statement with the provided context.
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store implements the ledger and outbox contracts on MySQL.
type Store struct {
	db      *sql.DB
	cfg     Config
	queries queries
}

var (
	_ memgate.Ledger         = (*Store)(nil)
	_ memgate.OutboxStore    = (*Store)(nil)
	_ memgate.PendingCounter = (*Store)(nil)
	_ memgate.ReportSource   = (*Store)(nil)
)

// NewStore constructs a MySQL store with validated configuration.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	outbox, err := quoteTableName(cfg.OutboxTable)
	if err != nil {
		return nil, err
	}
	auditTable, err := quoteTableName(cfg.AuditTable)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:      db,
		cfg:     cfg,
		queries: newQueries(outbox, auditTable),
	}, nil
}

// MustNewStore constructs a MySQL store or panics on error.
func MustNewStore(db *sql.DB, opts ...Option) *Store {
	store, err := NewStore(db, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

type ledgerTx struct {
	store *Store
	tx    *sql.Tx
}

func (t ledgerTx) InsertAudit(ctx context.Context, record audit.Record) (int64, error) {
	return t.store.insertAudit(ctx, t.tx, record)
}

func (t ledgerTx) InsertOutbox(ctx context.Context, entry memgate.NewEntry) (int64, error) {
	return t.store.Enqueue(ctx, t.tx, entry)
}

// WithinTx runs fn in one database transaction, committing only if fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(memgate.LedgerTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memgate mysql: begin tx failed: %w", err)
	}
	if err := fn(ledgerTx{store: s, tx: tx}); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("memgate mysql: commit failed: %w", err)
	}

	return nil
}

// Insert adds a pending entry in its own transaction.
func (s *Store) Insert(ctx context.Context, entry memgate.NewEntry) (int64, error) {
	return s.Enqueue(ctx, s.db, entry)
}

// Enqueue inserts an outbox entry using the provided executor (transaction preferred).
func (s *Store) Enqueue(ctx context.Context, exec Executor, entry memgate.NewEntry) (int64, error) {
	if exec == nil {
		return 0, ErrExecutorRequired
	}
	if err := entry.Validate(); err != nil {
		return 0, err
	}

	now := s.cfg.Clock.Now().UTC()
	next := entry.NextAttemptAt
	if next.IsZero() {
		next = now
	}

	res, err := exec.ExecContext(
		ctx,
		s.queries.insertOutbox,
		entry.CorrelationID.String(),
		string(entry.Payload),
		memgate.StatusPending,
		entry.MaxRetries,
		next.UTC(),
		now,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("memgate mysql: insert outbox failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("memgate mysql: outbox id unavailable: %w", err)
	}

	return id, nil
}

func (s *Store) insertAudit(ctx context.Context, exec Executor, record audit.Record) (int64, error) {
	refs, err := json.Marshal(record.EvidenceRefs.Clone())
	if err != nil {
		return 0, fmt.Errorf("memgate mysql: encode evidence refs: %w", err)
	}

	res, err := exec.ExecContext(
		ctx,
		s.queries.insertAudit,
		record.CorrelationID.String(),
		record.ActorUserID,
		record.Space,
		string(record.Operation),
		string(record.Reason),
		string(refs),
		record.PayloadDigest,
		record.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("memgate mysql: insert audit failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("memgate mysql: audit id unavailable: %w", err)
	}

	return id, nil
}

// LeasePending locks due, unleased rows with READ COMMITTED + SKIP LOCKED and
// stamps each with a fresh lease token before committing.
func (s *Store) LeasePending(ctx context.Context, opts memgate.LeaseOptions) ([]memgate.Entry, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("memgate mysql: begin tx failed: %w", err)
	}

	now := s.cfg.Clock.Now().UTC()
	entries, err := s.selectDue(ctx, tx, now, opts.Limit)
	if err != nil {
		return nil, errors.Join(err, tx.Rollback())
	}
	if len(entries) == 0 {
		_ = tx.Rollback()

		return nil, memgate.ErrNoEntries
	}

	until := now.Add(opts.Duration)
	for i := range entries {
		token := uuid.NewString()
		if _, err := tx.ExecContext(ctx, s.queries.lease, token, until, now, entries[i].ID); err != nil {
			return nil, errors.Join(fmt.Errorf("memgate mysql: lease update failed: %w", err), tx.Rollback())
		}
		entries[i].LeaseToken = token
		entries[i].LeasedUntil = until
		entries[i].UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("memgate mysql: commit lease failed: %w", err)
	}

	return entries, nil
}

func (s *Store) selectDue(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]memgate.Entry, error) {
	rows, err := tx.QueryContext(ctx, s.queries.selectDue, memgate.StatusPending, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("memgate mysql: select due failed: %w", err)
	}
	defer rows.Close()

	entries := make([]memgate.Entry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memgate mysql: rows failed: %w", err)
	}

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
		plan := memgate.PlanRetry(*e, now, s.cfg.Backoff)
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
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return memgate.TransitionResult{}, fmt.Errorf("memgate mysql: begin tx failed: %w", err)
	}

	result, err := s.applyTx(ctx, tx, t, mutate)
	if err != nil {
		return memgate.TransitionResult{}, errors.Join(err, tx.Rollback())
	}
	if err := tx.Commit(); err != nil {
		return memgate.TransitionResult{}, fmt.Errorf("memgate mysql: commit transition failed: %w", err)
	}

	return result, nil
}

func (s *Store) applyTx(
	ctx context.Context,
	tx *sql.Tx,
	t memgate.Transition,
	mutate func(e *memgate.Entry, now time.Time),
) (memgate.TransitionResult, error) {
	current, err := scanEntry(tx.QueryRowContext(ctx, s.queries.selectForUpd, t.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return memgate.TransitionResult{}, memgate.ErrEntryNotFound
	}
	if err != nil {
		return memgate.TransitionResult{}, err
	}
	if current.Status != memgate.StatusPending || t.LeaseToken == "" || current.LeaseToken != t.LeaseToken {
		return memgate.TransitionResult{}, memgate.ErrLeaseLost
	}

	now := s.cfg.Clock.Now().UTC()
	next := current
	mutate(&next, now)
	next.LeaseToken = ""
	next.LeasedUntil = time.Time{}
	next.UpdatedAt = now

	var sentAt any
	if next.Status == memgate.StatusSent {
		sentAt = now
	}
	res, err := tx.ExecContext(
		ctx,
		s.queries.transition,
		next.Status,
		next.RetryCount,
		next.NextAttemptAt.UTC(),
		nullString(next.LastError),
		sentAt,
		now,
		t.ID,
		memgate.StatusPending,
		t.LeaseToken,
	)
	if err != nil {
		return memgate.TransitionResult{}, fmt.Errorf("memgate mysql: transition update failed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return memgate.TransitionResult{}, memgate.ErrLeaseLost
	}

	result := memgate.TransitionResult{Entry: next}
	if t.Audit != nil {
		record, err := t.Audit(next)
		if err != nil {
			return memgate.TransitionResult{}, err
		}
		record.ID, err = s.insertAudit(ctx, tx, record)
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
	if err := s.db.QueryRowContext(ctx, s.queries.countPending, memgate.StatusPending).Scan(&count); err != nil {
		return 0, fmt.Errorf("memgate mysql: pending count failed: %w", err)
	}

	return count, nil
}

// OutboxStats aggregates outbox state for the reliability report.
func (s *Store) OutboxStats(ctx context.Context, sentSince time.Time) (memgate.OutboxStats, error) {
	var (
		stats  memgate.OutboxStats
		oldest sql.NullTime
	)
	err := s.db.QueryRowContext(
		ctx,
		s.queries.outboxStats,
		memgate.StatusPending,
		memgate.StatusDead,
		memgate.StatusSent,
		sentSince.UTC(),
		memgate.StatusPending,
	).Scan(&stats.Pending, &stats.Dead, &stats.SentSince, &oldest)
	if err != nil {
		return memgate.OutboxStats{}, fmt.Errorf("memgate mysql: outbox stats failed: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time
	}

	return stats, nil
}

// AuditCounts counts audit rows per reason created at or after since.
func (s *Store) AuditCounts(ctx context.Context, since time.Time) (map[audit.Reason]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.queries.auditCounts, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("memgate mysql: audit counts failed: %w", err)
	}
	defer rows.Close()

	counts := make(map[audit.Reason]int64)
	for rows.Next() {
		var (
			reason string
			count  int64
		)
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, fmt.Errorf("memgate mysql: scan audit count failed: %w", err)
		}
		counts[audit.Reason(reason)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memgate mysql: rows failed: %w", err)
	}

	return counts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (memgate.Entry, error) {
	var (
		e           memgate.Entry
		cid         string
		payload     []byte
		lastError   sql.NullString
		leaseToken  sql.NullString
		leasedUntil sql.NullTime
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
	if errors.Is(err, sql.ErrNoRows) {
		return memgate.Entry{}, err
	}
	if err != nil {
		return memgate.Entry{}, fmt.Errorf("memgate mysql: scan outbox failed: %w", err)
	}

	e.CorrelationID = correlation.ID(cid)
	e.Payload = payload
	e.LastError = lastError.String
	e.LeaseToken = leaseToken.String
	if leasedUntil.Valid {
		e.LeasedUntil = leasedUntil.Time
	}

	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
