package audit

// Reason is the closed set of outcomes an audit record may carry.
type Reason string

const (
	// ReasonPolicyReject records a write refused by the governance layer.
	ReasonPolicyReject Reason = "policy_reject"
	// ReasonSuccess records a direct downstream write that succeeded.
	ReasonSuccess Reason = "success"
	// ReasonError records a downstream rejection that will not be retried.
	ReasonError Reason = "error"
	// ReasonRedirected records a write handed to the outbox after a transient failure.
	ReasonRedirected Reason = "redirected"
	// ReasonOutboxFlushSuccess records an outbox entry delivered by the worker.
	ReasonOutboxFlushSuccess Reason = "outbox_flush_success"
	// ReasonOutboxFlushRetry records a failed outbox delivery scheduled for retry.
	ReasonOutboxFlushRetry Reason = "outbox_flush_retry"
	// ReasonOutboxFlushDead records an outbox entry that exhausted its retries.
	ReasonOutboxFlushDead Reason = "outbox_flush_dead"
)

var reasons = []Reason{
	ReasonPolicyReject,
	ReasonSuccess,
	ReasonError,
	ReasonRedirected,
	ReasonOutboxFlushSuccess,
	ReasonOutboxFlushRetry,
	ReasonOutboxFlushDead,
}

// Reasons returns every valid reason in a stable order.
func Reasons() []Reason {
	out := make([]Reason, len(reasons))
	copy(out, reasons)

	return out
}

// Valid reports whether r is a member of the closed set.
func (r Reason) Valid() bool {
	for _, known := range reasons {
		if r == known {
			return true
		}
	}

	return false
}

// Terminal reports whether no further audit record follows r for the same
// correlation id.
func (r Reason) Terminal() bool {
	switch r {
	case ReasonRedirected, ReasonOutboxFlushRetry:
		return false
	default:
		return r.Valid()
	}
}

// Operation names the kind of request being audited.
type Operation string

const (
	OperationMemoryStore      Operation = "memory_store"
	OperationMemoryQuery      Operation = "memory_query"
	OperationGovernanceUpdate Operation = "governance_update"
	OperationEvidenceUpload   Operation = "evidence_upload"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	switch o {
	case OperationMemoryStore, OperationMemoryQuery, OperationGovernanceUpdate, OperationEvidenceUpload:
		return true
	default:
		return false
	}
}

// Writes reports whether the operation persists data downstream.
func (o Operation) Writes() bool {
	return o.Valid() && o != OperationMemoryQuery
}
