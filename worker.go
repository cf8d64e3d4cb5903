package memgate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/velmie/memgate/audit"
	"github.com/velmie/memgate/correlation"
	"github.com/velmie/memgate/downstream"
)

// FailureHandler is called when a delivery attempt returns an error.
type FailureHandler func(ctx context.Context, entry Entry, err error)

// Worker leases pending outbox entries and drives each one to sent or dead.
type Worker struct {
	store   OutboxStore
	client  downstream.Client
	builder audit.Builder
	cfg     WorkerConfig

	pendingMu sync.Mutex
	pendingAt time.Time
}

// CycleResult summarizes one RunCycle.
type CycleResult struct {
	Leased    int
	Delivered int
	Retried   int
	Dead      int
	// Skipped entries were not attempted: not yet due, lease too short to
	// cover a delivery, or the cycle was canceled.
	Skipped   int
	LeaseLost int
	Errors    int
}

type deliveryOutcome int

const (
	outcomeSkipped deliveryOutcome = iota
	outcomeDelivered
	outcomeRetried
	outcomeDead
	outcomeLeaseLost
	outcomeError
)

func (r *CycleResult) add(o deliveryOutcome) {
	switch o {
	case outcomeDelivered:
		r.Delivered++
	case outcomeRetried:
		r.Retried++
	case outcomeDead:
		r.Dead++
	case outcomeLeaseLost:
		r.LeaseLost++
	case outcomeError:
		r.Errors++
	default:
		r.Skipped++
	}
}

// NewWorker constructs a Worker with defaults and optional settings. It fails
// with ErrLeaseTooShort unless the lease outlives one delivery timeout.
func NewWorker(store OutboxStore, client downstream.Client, opts ...WorkerOption) (*Worker, error) {
	if store == nil {
		panic("memgate: nil OutboxStore")
	}
	if client == nil {
		panic("memgate: nil downstream Client")
	}

	var cfg WorkerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()
	if cfg.LeaseDuration <= cfg.DeliveryTimeout {
		return nil, fmt.Errorf("%w: lease %s, delivery timeout %s", ErrLeaseTooShort, cfg.LeaseDuration, cfg.DeliveryTimeout)
	}

	return &Worker{
		store:   store,
		client:  client,
		builder: audit.NewBuilder(cfg.Clock.Now),
		cfg:     cfg,
	}, nil
}

// Run starts the configured number of polling loops and blocks until ctx is
// done or a loop panics.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, w.cfg.Workers)
	var wg sync.WaitGroup

	for i := 0; i < w.cfg.Workers; i++ {
		wg.Add(1)
		loopID := i
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					err := fmt.Errorf("%w: %v", ErrWorkerPanic, rec)
					w.cfg.Logger.Error("outbox worker panic", "worker", loopID, "panic", rec)
					errCh <- err
					cancel()
				}
			}()

			if err := w.loop(ctx, loopID); err != nil && !errors.Is(err, context.Canceled) {
				w.cfg.Logger.Error("outbox worker error", "worker", loopID, "err", err)
				errCh <- err
				cancel()
			}
		}()
	}

	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		return err
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (w *Worker) loop(ctx context.Context, loopID int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := w.RunCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A failing store must not stop the worker; the lease makes retrying safe.
			w.cfg.Logger.Warn("outbox cycle failed", "worker", loopID, "err", err)
		}
		if err != nil || result.Leased == 0 {
			w.maybeRecordPending(ctx)
			if sleepErr := w.sleep(ctx, w.cfg.PollInterval); sleepErr != nil {
				return sleepErr
			}
		}
	}
}

// RunCycle leases one batch and attempts every due entry in it. Entries are
// independent: a failure or panic on one never stops the others. The error is
// non-nil only when leasing fails.
func (w *Worker) RunCycle(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	defer func() {
		w.cfg.Metrics.ObserveCycleDuration(time.Since(start))
	}()

	entries, err := w.store.LeasePending(ctx, LeaseOptions{
		Limit:    w.cfg.BatchSize,
		Duration: w.cfg.LeaseDuration,
	})
	if err != nil {
		if errors.Is(err, ErrNoEntries) {
			return CycleResult{}, nil
		}

		return CycleResult{}, fmt.Errorf("lease pending: %w", err)
	}

	result := CycleResult{Leased: len(entries)}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)

	for _, entry := range entries {
		g.Go(func() error {
			outcome := w.processSafely(ctx, entry)
			mu.Lock()
			result.add(outcome)
			mu.Unlock()

			return nil
		})
	}
	_ = g.Wait()

	w.cfg.Metrics.AddDelivered(result.Delivered)
	w.cfg.Metrics.AddRetries(result.Retried)
	w.cfg.Metrics.AddDead(result.Dead)
	w.cfg.Metrics.AddLeaseLost(result.LeaseLost)
	w.cfg.Metrics.AddErrors(result.Errors)

	return result, nil
}

// processSafely contains a panic outside the downstream call to its entry.
// The lease expires and the entry is retried on a later cycle.
func (w *Worker) processSafely(ctx context.Context, entry Entry) (outcome deliveryOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			w.cfg.Logger.Error("outbox entry panic", "outbox_id", entry.ID, "panic", rec)
			outcome = outcomeError
		}
	}()

	return w.process(ctx, entry)
}

func (w *Worker) process(ctx context.Context, entry Entry) deliveryOutcome {
	if ctx.Err() != nil {
		return outcomeSkipped
	}
	now := w.cfg.Clock.Now()
	if entry.NextAttemptAt.After(now) {
		return outcomeSkipped
	}
	// Another worker may take over once the lease expires, so never start an
	// attempt the lease cannot cover.
	if entry.LeasedUntil.Before(now.Add(w.cfg.DeliveryTimeout)) {
		w.cfg.Logger.Debug("outbox lease too short for delivery", "outbox_id", entry.ID)

		return outcomeSkipped
	}

	write, err := DecodePendingWrite(entry.Payload)
	if err != nil {
		w.cfg.Logger.Error("outbox payload unreadable, dead-lettering", "outbox_id", entry.ID, "err", err)

		return w.transition(ctx, w.store.MarkDead, Transition{
			ID:         entry.ID,
			LeaseToken: entry.LeaseToken,
			Cause:      err,
		})
	}

	ctx = correlation.WithID(ctx, entry.CorrelationID)
	deliverCtx, cancel := context.WithTimeout(ctx, w.cfg.DeliveryTimeout)
	stored, err := w.deliver(deliverCtx, entry, write)
	cancel()

	if err == nil {
		return w.transition(ctx, w.store.MarkSent, Transition{
			ID:         entry.ID,
			LeaseToken: entry.LeaseToken,
			Audit: w.auditFor(write, func(Entry) (audit.Reason, audit.EvidenceRefs) {
				return audit.ReasonOutboxFlushSuccess, audit.EvidenceRefs{audit.RefMemoryID: stored.ID}
			}),
		})
	}

	if ctx.Err() != nil {
		// Shutting down; the lease expires and another cycle retries.
		return outcomeSkipped
	}
	if w.cfg.ErrorHandler != nil {
		w.cfg.ErrorHandler(ctx, entry, err)
	}

	if w.cfg.Classifier.Classify(err) == downstream.ClassRejected {
		w.cfg.Logger.Warn("outbox delivery rejected, dead-lettering", logArgs(ctx, "outbox_id", entry.ID, "err", err)...)

		return w.transition(ctx, w.store.MarkDead, Transition{
			ID:         entry.ID,
			LeaseToken: entry.LeaseToken,
			Cause:      err,
			Audit: w.auditFor(write, func(Entry) (audit.Reason, audit.EvidenceRefs) {
				return audit.ReasonOutboxFlushDead, audit.EvidenceRefs{audit.RefLastError: ErrorText(err)}
			}),
		})
	}

	w.cfg.Logger.Info("outbox delivery failed, retrying", logArgs(ctx, "outbox_id", entry.ID, "err", err)...)

	return w.transition(ctx, w.store.MarkRetry, Transition{
		ID:         entry.ID,
		LeaseToken: entry.LeaseToken,
		Cause:      err,
		Audit: w.auditFor(write, func(next Entry) (audit.Reason, audit.EvidenceRefs) {
			refs := audit.EvidenceRefs{audit.RefLastError: ErrorText(err)}
			if next.Status == StatusDead {
				refs[audit.RefDetail] = ErrOutboxExhausted.Error()

				return audit.ReasonOutboxFlushDead, refs
			}

			return audit.ReasonOutboxFlushRetry, refs
		}),
	})
}

// deliver calls the downstream client. A panic is reported as a transient
// failure wrapping ErrDeliveryPanic and counts against the retry ceiling.
func (w *Worker) deliver(ctx context.Context, entry Entry, write PendingWrite) (stored downstream.StoreResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			w.cfg.Logger.Error("outbox delivery panic", logArgs(ctx, "outbox_id", entry.ID, "panic", rec)...)
			err = downstream.Unavailable(fmt.Errorf("%w: %v", ErrDeliveryPanic, rec))
		}
	}()

	return w.client.Store(ctx, write.Content, write.Metadata)
}

// auditFor builds the record committed with a transition. The reason may
// depend on the post-transition entry because the store owns the retry ceiling.
func (w *Worker) auditFor(write PendingWrite, decide func(Entry) (audit.Reason, audit.EvidenceRefs)) AuditFunc {
	return func(next Entry) (audit.Record, error) {
		reason, refs := decide(next)
		refs[audit.RefOutboxID] = strconv.FormatInt(next.ID, 10)
		refs[audit.RefAttempt] = strconv.Itoa(next.RetryCount)

		return w.builder.Build(write.Subject(), next.CorrelationID, reason, refs)
	}
}

type markFunc func(ctx context.Context, t Transition) (TransitionResult, error)

func (w *Worker) transition(ctx context.Context, mark markFunc, t Transition) deliveryOutcome {
	res, err := mark(ctx, t)
	if err != nil {
		if errors.Is(err, ErrLeaseLost) {
			w.cfg.Logger.Warn("outbox lease lost before transition", logArgs(ctx, "outbox_id", t.ID)...)

			return outcomeLeaseLost
		}
		w.cfg.Logger.Error("outbox transition failed", logArgs(ctx, "outbox_id", t.ID, "err", err)...)

		return outcomeError
	}

	if t.Audit != nil {
		notify(ctx, w.cfg.Notifier, w.cfg.Logger, res.Audit)
	}

	switch res.Entry.Status {
	case StatusSent:
		return outcomeDelivered
	case StatusDead:
		return outcomeDead
	default:
		return outcomeRetried
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (w *Worker) maybeRecordPending(ctx context.Context) {
	counter, ok := w.store.(PendingCounter)
	if !ok {
		return
	}
	if w.cfg.PendingInterval <= 0 {
		return
	}
	if ctx.Err() != nil {
		return
	}

	now := w.cfg.Clock.Now()
	w.pendingMu.Lock()
	nextAllowed := w.pendingAt.Add(w.cfg.PendingInterval)
	if !w.pendingAt.IsZero() && now.Before(nextAllowed) {
		w.pendingMu.Unlock()

		return
	}
	w.pendingAt = now
	w.pendingMu.Unlock()

	count, err := counter.PendingCount(ctx)
	if err != nil {
		w.cfg.Logger.Warn("outbox pending count failed", "err", err)

		return
	}

	w.cfg.Metrics.SetPending(count)
}
