package memgate_test

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/memgate"
	"github.com/velmie/memgate/audit"
	"github.com/velmie/memgate/correlation"
	"github.com/velmie/memgate/downstream"
	"github.com/velmie/memgate/policy"
)

func baseRequest() memgate.WriteRequest {
	return memgate.WriteRequest{
		CorrelationID: "req-X",
		ActorUserID:   "u1",
		Space:         "team:proj",
		Content:       "fact A",
		Metadata:      map[string]any{"source": "chat"},
	}
}

func newCoordinator(t *testing.T, client downstream.Client, checker policy.Checker) (*memgate.Coordinator, *recordingNotifier, *fakeClock, storeUnderTest) {
	t.Helper()
	clock := newFakeClock()
	store := newMemStore(t, clock)
	notifier := &recordingNotifier{}
	if checker == nil {
		checker = policy.OwnSpaces()
	}
	coord := memgate.NewCoordinator(store, client, checker, memgate.CoordinatorConfig{
		WriteTimeout: 50 * time.Millisecond,
		MaxRetries:   3,
		Clock:        clock,
		Notifier:     notifier,
	})
	return coord, notifier, clock, store
}

type storeUnderTest interface {
	memgate.Ledger
	memgate.OutboxStore
	Audits() []audit.Record
	Entries() []memgate.Entry
}

func TestHandleWriteHappyPath(t *testing.T) {
	client := okClient("mem-1")
	coord, notifier, _, store := newCoordinator(t, client, nil)

	result, err := coord.HandleWrite(context.Background(), baseRequest())
	require.NoError(t, err)

	assert.Equal(t, memgate.OutcomeSuccess, result.Outcome)
	assert.Equal(t, correlation.ID("req-X"), result.CorrelationID)
	assert.Equal(t, "mem-1", result.MemoryID)
	assert.NoError(t, result.Err)

	audits := store.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, audit.ReasonSuccess, audits[0].Reason)
	assert.Equal(t, correlation.ID("req-X"), audits[0].CorrelationID)
	assert.Equal(t, "mem-1", audits[0].EvidenceRefs[audit.RefMemoryID])
	assert.Equal(t, audit.Digest("fact A"), audits[0].PayloadDigest)
	assert.Equal(t, audits[0].ID, result.AuditID)
	assert.Empty(t, store.Entries())

	assert.Equal(t, []string{"req-X"}, client.ids)
	assert.Equal(t, []audit.Reason{audit.ReasonSuccess}, notifier.Reasons())
}

func TestHandleWriteGeneratesCorrelationID(t *testing.T) {
	coord, _, _, store := newCoordinator(t, okClient("mem-1"), nil)

	req := baseRequest()
	req.CorrelationID = ""
	result, err := coord.HandleWrite(context.Background(), req)
	require.NoError(t, err)

	require.False(t, result.CorrelationID.IsZero())
	assert.True(t, correlation.Validate(result.CorrelationID))
	audits := store.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, result.CorrelationID, audits[0].CorrelationID)
}

func TestHandleWriteDownstreamTimeoutRedirects(t *testing.T) {
	blocking := downstream.ClientFunc(func(ctx context.Context, _ string, _ map[string]any) (downstream.StoreResult, error) {
		<-ctx.Done()
		return downstream.StoreResult{}, downstream.Unavailable(ctx.Err())
	})
	coord, notifier, _, store := newCoordinator(t, blocking, nil)

	result, err := coord.HandleWrite(context.Background(), baseRequest())
	require.NoError(t, err)

	assert.Equal(t, memgate.OutcomeDeferred, result.Outcome)
	assert.Equal(t, correlation.ID("req-X"), result.CorrelationID)
	assert.ErrorIs(t, result.Err, memgate.ErrDownstreamUnavailable)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)

	audits := store.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, audit.ReasonRedirected, audits[0].Reason)
	assert.Equal(t, correlation.ID("req-X"), audits[0].CorrelationID)

	entries := store.Entries()
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, strconv.FormatInt(entry.ID, 10), audits[0].EvidenceRefs[audit.RefOutboxID])
	assert.Equal(t, entry.ID, result.OutboxID)
	assert.Equal(t, memgate.StatusPending, entry.Status)
	assert.Equal(t, 0, entry.RetryCount)
	assert.Equal(t, 3, entry.MaxRetries)
	assert.Equal(t, correlation.ID("req-X"), entry.CorrelationID)

	write, err := memgate.DecodePendingWrite(entry.Payload)
	require.NoError(t, err)
	assert.Equal(t, correlation.ID("req-X"), write.CorrelationID)
	assert.Equal(t, "fact A", write.Content)
	assert.Equal(t, "chat", write.Metadata["source"])

	assert.Equal(t, []audit.Reason{audit.ReasonRedirected}, notifier.Reasons())
}

func TestHandleWriteClassification(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		outcome    memgate.Outcome
		reason     audit.Reason
		entries    int
		classified error
	}{
		{
			name:       "503 is transient",
			err:        &downstream.StoreError{Transient: true, StatusCode: 503},
			outcome:    memgate.OutcomeDeferred,
			reason:     audit.ReasonRedirected,
			entries:    1,
			classified: memgate.ErrDownstreamUnavailable,
		},
		{
			name:       "unclassified error is transient",
			err:        errors.New("connection reset"),
			outcome:    memgate.OutcomeDeferred,
			reason:     audit.ReasonRedirected,
			entries:    1,
			classified: memgate.ErrDownstreamUnavailable,
		},
		{
			name:       "rejected payload is terminal",
			err:        downstream.Rejected(errors.New("malformed payload")),
			outcome:    memgate.OutcomeError,
			reason:     audit.ReasonError,
			entries:    0,
			classified: memgate.ErrDownstreamRejected,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			coord, _, _, store := newCoordinator(t, failingClient(tc.err), nil)

			result, err := coord.HandleWrite(context.Background(), baseRequest())
			require.NoError(t, err)
			assert.Equal(t, tc.outcome, result.Outcome)
			assert.ErrorIs(t, result.Err, tc.classified)
			assert.Equal(t, correlation.ID("req-X"), result.CorrelationID)

			audits := store.Audits()
			require.Len(t, audits, 1)
			assert.Equal(t, tc.reason, audits[0].Reason)
			assert.Len(t, store.Entries(), tc.entries)
		})
	}
}

func TestHandleWriteCustomClassifier(t *testing.T) {
	classifier := downstream.Classifier{
		Rules:    []downstream.StatusRule{{From: 503, To: 503, Class: downstream.ClassRejected}},
		Fallback: downstream.ClassRejected,
	}

	for _, downErr := range []error{
		&downstream.StoreError{Transient: true, StatusCode: 503},
		errors.New("weird"),
	} {
		clock := newFakeClock()
		store := newMemStore(t, clock)
		coord := memgate.NewCoordinator(store, failingClient(downErr), policy.OwnSpaces(), memgate.CoordinatorConfig{
			Clock:      clock,
			MaxRetries: 3,
			Classifier: &classifier,
		})

		result, err := coord.HandleWrite(context.Background(), baseRequest())
		require.NoError(t, err)
		assert.Equal(t, memgate.OutcomeError, result.Outcome, "error %v", downErr)
		assert.ErrorIs(t, result.Err, memgate.ErrDownstreamRejected)
		assert.Empty(t, store.Entries())
		require.Len(t, store.Audits(), 1)
		assert.Equal(t, audit.ReasonError, store.Audits()[0].Reason)
	}
}

func TestHandleWritePolicyRejection(t *testing.T) {
	client := okClient("mem-1")
	checker := policy.CheckerFunc(func(context.Context, string, string, audit.Operation) (policy.Decision, error) {
		return policy.Reject("space frozen"), nil
	})
	coord, _, _, store := newCoordinator(t, client, checker)

	result, err := coord.HandleWrite(context.Background(), baseRequest())
	require.NoError(t, err)

	assert.Equal(t, memgate.OutcomeRejected, result.Outcome)
	assert.Equal(t, correlation.ID("req-X"), result.CorrelationID)
	assert.Equal(t, "space frozen", result.Detail)
	assert.ErrorIs(t, result.Err, memgate.ErrPolicyRejected)

	audits := store.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, audit.ReasonPolicyReject, audits[0].Reason)
	assert.Empty(t, store.Entries())
	assert.Zero(t, client.Calls())
}

func TestHandleWritePolicyErrorFailsClosed(t *testing.T) {
	client := okClient("mem-1")
	checker := policy.CheckerFunc(func(context.Context, string, string, audit.Operation) (policy.Decision, error) {
		return policy.Decision{}, errors.New("governance unreachable")
	})
	coord, _, _, store := newCoordinator(t, client, checker)

	result, err := coord.HandleWrite(context.Background(), baseRequest())
	require.NoError(t, err)

	assert.Equal(t, memgate.OutcomeRejected, result.Outcome)
	require.Len(t, store.Audits(), 1)
	assert.Equal(t, audit.ReasonPolicyReject, store.Audits()[0].Reason)
	assert.Zero(t, client.Calls())
}

func TestHandleWriteValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(r *memgate.WriteRequest)
	}{
		{name: "missing content", mutate: func(r *memgate.WriteRequest) { r.Content = "" }},
		{name: "missing actor", mutate: func(r *memgate.WriteRequest) { r.ActorUserID = "" }},
		{name: "missing space", mutate: func(r *memgate.WriteRequest) { r.Space = "" }},
		{name: "malformed space", mutate: func(r *memgate.WriteRequest) { r.Space = "proj" }},
		{name: "empty team name", mutate: func(r *memgate.WriteRequest) { r.Space = "team:" }},
		{name: "query is not a write", mutate: func(r *memgate.WriteRequest) { r.Operation = audit.OperationMemoryQuery }},
		{name: "invalid correlation id", mutate: func(r *memgate.WriteRequest) { r.CorrelationID = "has space" }},
		{name: "unencodable metadata", mutate: func(r *memgate.WriteRequest) { r.Metadata = map[string]any{"fn": func() {}} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := okClient("mem-1")
			coord, _, _, store := newCoordinator(t, client, nil)

			req := baseRequest()
			tc.mutate(&req)
			_, err := coord.HandleWrite(context.Background(), req)
			require.ErrorIs(t, err, memgate.ErrMissingRequiredParameter)

			assert.Empty(t, store.Audits())
			assert.Empty(t, store.Entries())
			assert.Zero(t, client.Calls())
		})
	}
}

func TestHandleWriteValidationKeepsCorrelationID(t *testing.T) {
	coord, _, _, _ := newCoordinator(t, okClient("mem-1"), nil)

	req := baseRequest()
	req.Content = ""
	result, err := coord.HandleWrite(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, correlation.ID("req-X"), result.CorrelationID)
}

func TestHandleWriteAuditPersistenceFailure(t *testing.T) {
	cases := []struct {
		name   string
		client downstream.Client
	}{
		{name: "success path", client: okClient("mem-1")},
		{name: "redirect path", client: failingClient(downstream.Unavailable(errors.New("down")))},
		{name: "error path", client: failingClient(downstream.Rejected(errors.New("bad")))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := newFakeClock()
			store := newMemStore(t, clock)
			store.FailAudit = errors.New("disk full")
			notifier := &recordingNotifier{}
			coord := memgate.NewCoordinator(store, tc.client, policy.OwnSpaces(), memgate.CoordinatorConfig{
				Clock:    clock,
				Notifier: notifier,
			})

			result, err := coord.HandleWrite(context.Background(), baseRequest())
			require.ErrorIs(t, err, memgate.ErrAuditPersistence)
			assert.Equal(t, correlation.ID("req-X"), result.CorrelationID)
			assert.Empty(t, result.Outcome)
			assert.Empty(t, store.Entries())
			assert.Empty(t, notifier.Reasons())
		})
	}
}

func TestHandleWriteDefaultsOperation(t *testing.T) {
	var seen audit.Operation
	checker := policy.CheckerFunc(func(_ context.Context, _ string, _ string, op audit.Operation) (policy.Decision, error) {
		seen = op
		return policy.Allow(), nil
	})
	coord, _, _, store := newCoordinator(t, okClient("mem-1"), checker)

	_, err := coord.HandleWrite(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, audit.OperationMemoryStore, seen)
	assert.Equal(t, audit.OperationMemoryStore, store.Audits()[0].Operation)
}

func TestRedirectedWriteDrainsWithSuppliedCorrelationID(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore(t, clock)
	coord := memgate.NewCoordinator(store, failingClient(downstream.Unavailable(errors.New("down"))), policy.OwnSpaces(), memgate.CoordinatorConfig{
		Clock:      clock,
		MaxRetries: 3,
	})

	result, err := coord.HandleWrite(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Equal(t, memgate.OutcomeDeferred, result.Outcome)

	entries := store.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, correlation.ID("req-X"), entries[0].CorrelationID)

	client := okClient("mem-9")
	worker := newTestWorker(t, store, client, clock)
	cycle, err := worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, cycle.Delivered)

	entry, err := store.Entry(entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, memgate.StatusSent, entry.Status)
	assert.Equal(t, correlation.ID("req-X"), entry.CorrelationID)
	assert.Equal(t, []string{"req-X"}, client.ids)

	audits := store.Audits()
	require.Len(t, audits, 2)
	assert.Equal(t, audit.ReasonRedirected, audits[0].Reason)
	assert.Equal(t, strconv.FormatInt(entry.ID, 10), audits[0].EvidenceRefs[audit.RefOutboxID])
	assert.Equal(t, audit.ReasonOutboxFlushSuccess, audits[1].Reason)
	assert.Equal(t, "mem-9", audits[1].EvidenceRefs[audit.RefMemoryID])
	for _, record := range audits {
		assert.Equal(t, correlation.ID("req-X"), record.CorrelationID)
	}
}
