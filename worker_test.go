package memgate_test

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/memgate"
	"github.com/velmie/memgate/audit"
	"github.com/velmie/memgate/correlation"
	"github.com/velmie/memgate/downstream"
	"github.com/velmie/memgate/memstore"
)

func seedEntry(t *testing.T, store *memstore.Store, id correlation.ID, content string, maxRetries int) int64 {
	t.Helper()
	payload, err := memgate.PendingWrite{
		CorrelationID: id,
		ActorUserID:   "u1",
		Space:         "team:proj",
		Operation:     audit.OperationMemoryStore,
		Content:       content,
	}.Encode()
	require.NoError(t, err)

	outboxID, err := store.Insert(context.Background(), memgate.NewEntry{
		CorrelationID: id,
		Payload:       payload,
		MaxRetries:    maxRetries,
	})
	require.NoError(t, err)
	return outboxID
}

func newTestWorker(t *testing.T, store memgate.OutboxStore, client downstream.Client, clock *fakeClock, opts ...memgate.WorkerOption) *memgate.Worker {
	t.Helper()
	base := []memgate.WorkerOption{
		memgate.WithClock(clock),
		memgate.WithBatchSize(10),
		memgate.WithDeliveryTimeout(time.Second),
		memgate.WithLeaseDuration(time.Minute),
		memgate.WithPollInterval(5 * time.Millisecond),
	}
	worker, err := memgate.NewWorker(store, client, append(base, opts...)...)
	require.NoError(t, err)
	return worker
}

func TestWorkerDeliversEntry(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore(t, clock)
	id := seedEntry(t, store, "cid-1", "fact A", 3)
	client := okClient("mem-9")
	notifier := &recordingNotifier{}
	worker := newTestWorker(t, store, client, clock, memgate.WithNotifier(notifier))

	result, err := worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, memgate.CycleResult{Leased: 1, Delivered: 1}, result)

	entry, err := store.Entry(id)
	require.NoError(t, err)
	assert.Equal(t, memgate.StatusSent, entry.Status)
	assert.Equal(t, []string{"cid-1"}, client.ids)

	audits := store.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, audit.ReasonOutboxFlushSuccess, audits[0].Reason)
	assert.Equal(t, correlation.ID("cid-1"), audits[0].CorrelationID)
	assert.Equal(t, strconv.FormatInt(id, 10), audits[0].EvidenceRefs[audit.RefOutboxID])
	assert.Equal(t, "mem-9", audits[0].EvidenceRefs[audit.RefMemoryID])
	assert.Equal(t, []audit.Reason{audit.ReasonOutboxFlushSuccess}, notifier.Reasons())

	result, err = worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Leased)
	assert.Equal(t, 1, client.Calls())
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore(t, clock)
	id := seedEntry(t, store, "cid-1", "fact A", 3)
	client := failingClient(&downstream.StoreError{Transient: true, StatusCode: 503})
	worker := newTestWorker(t, store, client, clock)

	result, err := worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)

	entry, err := store.Entry(id)
	require.NoError(t, err)
	assert.Equal(t, memgate.StatusPending, entry.Status)
	assert.Equal(t, 1, entry.RetryCount)
	assert.True(t, entry.NextAttemptAt.After(clock.Now()))
	assert.NotEmpty(t, entry.LastError)

	audits := store.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, audit.ReasonOutboxFlushRetry, audits[0].Reason)
	assert.Equal(t, "1", audits[0].EvidenceRefs[audit.RefAttempt])

	// Not due yet.
	result, err = worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Leased)
	assert.Equal(t, 1, client.Calls())
}

func TestWorkerDeadLettersWhenRetriesExhausted(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore(t, clock)
	id := seedEntry(t, store, "cid-1", "fact A", 3)
	require.NoError(t, store.Update(id, func(e *memgate.Entry) { e.RetryCount = 2 }))

	client := failingClient(downstream.Unavailable(errors.New("timeout")))
	worker := newTestWorker(t, store, client, clock)

	result, err := worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Dead)

	entry, err := store.Entry(id)
	require.NoError(t, err)
	assert.Equal(t, memgate.StatusDead, entry.Status)
	assert.Equal(t, 3, entry.RetryCount)

	audits := store.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, audit.ReasonOutboxFlushDead, audits[0].Reason)
	assert.Equal(t, memgate.ErrOutboxExhausted.Error(), audits[0].EvidenceRefs[audit.RefDetail])

	clock.Advance(24 * time.Hour)
	result, err = worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Leased)
	assert.Equal(t, 1, client.Calls())
}

func TestWorkerRetryCeilingAcrossCycles(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore(t, clock)
	id := seedEntry(t, store, "cid-1", "fact A", 4)
	client := failingClient(errors.New("unexpected"))
	worker := newTestWorker(t, store, client, clock)

	for i := 0; i < 10; i++ {
		_, err := worker.RunCycle(context.Background())
		require.NoError(t, err)

		entry, err := store.Entry(id)
		require.NoError(t, err)
		if entry.Status == memgate.StatusPending {
			assert.Less(t, entry.RetryCount, entry.MaxRetries)
		}
		clock.Advance(time.Hour)
	}

	entry, err := store.Entry(id)
	require.NoError(t, err)
	assert.Equal(t, memgate.StatusDead, entry.Status)
	assert.Equal(t, 4, client.Calls())
	assert.Equal(t, []audit.Reason{
		audit.ReasonOutboxFlushRetry,
		audit.ReasonOutboxFlushRetry,
		audit.ReasonOutboxFlushRetry,
		audit.ReasonOutboxFlushDead,
	}, reasonsOf(store.Audits()))
}

func TestWorkerDeadLettersRejectedDelivery(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore(t, clock)
	id := seedEntry(t, store, "cid-1", "fact A", 5)
	worker := newTestWorker(t, store, failingClient(downstream.Rejected(errors.New("schema"))), clock)

	result, err := worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Dead)

	entry, err := store.Entry(id)
	require.NoError(t, err)
	assert.Equal(t, memgate.StatusDead, entry.Status)
	assert.Equal(t, 0, entry.RetryCount)
	assert.Equal(t, []audit.Reason{audit.ReasonOutboxFlushDead}, reasonsOf(store.Audits()))
}

func TestWorkerBadEntryDoesNotHaltBatch(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore(t, clock)
	good1 := seedEntry(t, store, "cid-1", "good 1", 3)
	bad := seedEntry(t, store, "cid-2", "bad", 3)
	good2 := seedEntry(t, store, "cid-3", "good 2", 3)

	client := downstream.ClientFunc(func(_ context.Context, content string, _ map[string]any) (downstream.StoreResult, error) {
		if content == "bad" {
			return downstream.StoreResult{}, errors.New("weird failure")
		}
		return downstream.StoreResult{ID: "mem-" + content}, nil
	})
	worker := newTestWorker(t, store, client, clock, memgate.WithConcurrency(2))

	result, err := worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Leased)
	assert.Equal(t, 2, result.Delivered)
	assert.Equal(t, 1, result.Retried)

	for _, id := range []int64{good1, good2} {
		entry, err := store.Entry(id)
		require.NoError(t, err)
		assert.Equal(t, memgate.StatusSent, entry.Status)
	}
	entry, err := store.Entry(bad)
	require.NoError(t, err)
	assert.Equal(t, memgate.StatusPending, entry.Status)
}

func TestWorkerLeaseLost(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore(t, clock)
	id := seedEntry(t, store, "cid-1", "fact A", 3)

	client := downstream.ClientFunc(func(context.Context, string, map[string]any) (downstream.StoreResult, error) {
		// Another worker re-leased the entry while this delivery was in flight.
		assert.NoError(t, store.Update(id, func(e *memgate.Entry) { e.LeaseToken = "someone-else" }))
		return downstream.StoreResult{ID: "mem-1"}, nil
	})
	worker := newTestWorker(t, store, client, clock)

	result, err := worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.LeaseLost)

	entry, err := store.Entry(id)
	require.NoError(t, err)
	assert.Equal(t, memgate.StatusPending, entry.Status)
	assert.Empty(t, store.Audits())
}

func TestWorkerRecoversExpiredLease(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore(t, clock)
	id := seedEntry(t, store, "cid-1", "fact A", 3)

	// A crashed worker leased the entry and never finalized it.
	_, err := store.LeasePending(context.Background(), memgate.LeaseOptions{Limit: 1, Duration: time.Minute})
	require.NoError(t, err)

	client := okClient("mem-1")
	worker := newTestWorker(t, store, client, clock)

	result, err := worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Leased)

	clock.Advance(2 * time.Minute)
	result, err = worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)

	entry, err := store.Entry(id)
	require.NoError(t, err)
	assert.Equal(t, memgate.StatusSent, entry.Status)
}

func TestWorkerRequiresLeaseLongerThanDelivery(t *testing.T) {
	store := memstore.New()
	_, err := memgate.NewWorker(store, okClient("x"),
		memgate.WithDeliveryTimeout(time.Minute),
		memgate.WithLeaseDuration(time.Minute),
	)
	require.ErrorIs(t, err, memgate.ErrLeaseTooShort)
}

func TestWorkerErrorHandler(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore(t, clock)
	seedEntry(t, store, "cid-1", "fact A", 3)

	var calls atomic.Int32
	worker := newTestWorker(t, store, failingClient(errors.New("down")), clock,
		memgate.WithErrorHandler(func(_ context.Context, entry memgate.Entry, err error) {
			calls.Add(1)
			assert.Equal(t, correlation.ID("cid-1"), entry.CorrelationID)
		}),
	)

	_, err := worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorkerRunDrainsAndStops(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore(t, clock)
	ids := []int64{
		seedEntry(t, store, "cid-1", "a", 3),
		seedEntry(t, store, "cid-2", "b", 3),
	}
	worker := newTestWorker(t, store, okClient("mem"), clock, memgate.WithWorkers(2))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			entry, err := store.Entry(id)
			if err != nil || entry.Status != memgate.StatusSent {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerPanickingDeliveryIsRetried(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore(t, clock)
	bad := seedEntry(t, store, "cid-bad", "bad", 2)
	good := seedEntry(t, store, "cid-good", "good", 2)

	client := downstream.ClientFunc(func(_ context.Context, content string, _ map[string]any) (downstream.StoreResult, error) {
		if content == "bad" {
			panic("client bug")
		}
		return downstream.StoreResult{ID: "mem-" + content}, nil
	})
	// a rejecting fallback must not turn the panic into an immediate dead letter
	worker := newTestWorker(t, store, client, clock,
		memgate.WithClassifier(downstream.Classifier{Fallback: downstream.ClassRejected}))

	result, err := worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 1, result.Retried)

	entry, err := store.Entry(bad)
	require.NoError(t, err)
	assert.Equal(t, memgate.StatusPending, entry.Status)
	assert.Equal(t, 1, entry.RetryCount)
	assert.Contains(t, entry.LastError, memgate.ErrDeliveryPanic.Error())

	sent, err := store.Entry(good)
	require.NoError(t, err)
	assert.Equal(t, memgate.StatusSent, sent.Status)

	clock.Advance(10 * time.Minute)
	result, err = worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Dead)

	entry, err = store.Entry(bad)
	require.NoError(t, err)
	assert.Equal(t, memgate.StatusDead, entry.Status)
	assert.Equal(t, 2, entry.RetryCount)
	assert.ElementsMatch(t, []audit.Reason{
		audit.ReasonOutboxFlushRetry,
		audit.ReasonOutboxFlushSuccess,
		audit.ReasonOutboxFlushDead,
	}, reasonsOf(store.Audits()))
}

func TestWorkerRunSurvivesPanickingDelivery(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore(t, clock)
	id := seedEntry(t, store, "cid-1", "a", 3)

	client := downstream.ClientFunc(func(context.Context, string, map[string]any) (downstream.StoreResult, error) {
		panic("boom")
	})
	worker := newTestWorker(t, store, client, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		entry, err := store.Entry(id)
		return err == nil && entry.RetryCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
