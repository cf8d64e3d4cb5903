package memgate

import "errors"

// Write path taxonomy. Only ErrMissingRequiredParameter and ErrAuditPersistence
// are ever returned as errors from Coordinator.HandleWrite; the rest describe
// an Outcome and are carried in Result.Err.
var (
	// ErrMissingRequiredParameter indicates a malformed request; nothing is audited.
	ErrMissingRequiredParameter = errors.New("missing required parameter")
	// ErrPolicyRejected indicates the governance layer refused the write.
	ErrPolicyRejected = errors.New("write rejected by policy")
	// ErrDownstreamRejected indicates the memory store refused the write permanently.
	ErrDownstreamRejected = errors.New("write rejected by downstream")
	// ErrDownstreamUnavailable indicates a transient downstream failure.
	ErrDownstreamUnavailable = errors.New("downstream unavailable")
	// ErrOutboxExhausted indicates an outbox entry ran out of retries.
	ErrOutboxExhausted = errors.New("outbox retries exhausted")
	// ErrAuditPersistence indicates the audit row could not be made durable.
	ErrAuditPersistence = errors.New("audit record could not be persisted")
)

// Store errors.
var (
	// ErrNoEntries signals that no outbox entries are due for delivery.
	ErrNoEntries = errors.New("outbox has no due entries")
	// ErrEntryNotFound is returned when an outbox entry does not exist.
	ErrEntryNotFound = errors.New("outbox entry not found")
	// ErrLeaseLost is returned when a transition finds the entry no longer
	// pending under the caller's lease token.
	ErrLeaseLost = errors.New("outbox lease lost")
	// ErrCorrelationIDRequired is returned when an entry has no correlation id.
	ErrCorrelationIDRequired = errors.New("outbox correlation id is required")
	// ErrPayloadRequired is returned when an entry has no payload.
	ErrPayloadRequired = errors.New("outbox payload is required")
	// ErrInvalidPayload is returned when an entry payload is not valid JSON.
	ErrInvalidPayload = errors.New("outbox payload must be valid JSON")
	// ErrInvalidMaxRetries is returned when an entry has no positive retry ceiling.
	ErrInvalidMaxRetries = errors.New("outbox max retries must be positive")
	// ErrInvalidLimit indicates that the requested lease limit is not positive.
	ErrInvalidLimit = errors.New("outbox lease limit must be positive")
	// ErrInvalidLeaseDuration indicates that the requested lease duration is not positive.
	ErrInvalidLeaseDuration = errors.New("outbox lease duration must be positive")
)

// Worker errors.
var (
	// ErrWorkerPanic indicates a worker loop panic.
	ErrWorkerPanic = errors.New("outbox worker panic")
	// ErrDeliveryPanic marks a retry caused by a panicking downstream client.
	ErrDeliveryPanic = errors.New("outbox delivery panicked")
	// ErrLeaseTooShort is returned when the lease cannot outlive one delivery attempt.
	ErrLeaseTooShort = errors.New("outbox lease duration must exceed delivery timeout")
)
