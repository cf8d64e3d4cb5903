package memgate

import (
	"fmt"
	"strings"

	"github.com/velmie/memgate/audit"
	"github.com/velmie/memgate/correlation"
)

// WriteRequest is one inbound memory write.
type WriteRequest struct {
	// CorrelationID is honored verbatim when supplied and generated otherwise.
	CorrelationID correlation.ID `json:"correlation_id,omitempty"`
	ActorUserID   string         `json:"actor_user_id"`
	// Space is "team:<project>" or "private:<user>".
	Space string `json:"space"`
	// Operation defaults to memory_store.
	Operation audit.Operation `json:"operation,omitempty"`
	Content   string          `json:"content"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

func (r WriteRequest) validate() error {
	if strings.TrimSpace(r.ActorUserID) == "" {
		return fmt.Errorf("%w: actor_user_id", ErrMissingRequiredParameter)
	}
	if strings.TrimSpace(r.Space) == "" {
		return fmt.Errorf("%w: space", ErrMissingRequiredParameter)
	}
	if !ValidSpace(r.Space) {
		return fmt.Errorf("%w: space %q must be team:<project> or private:<user>", ErrMissingRequiredParameter, r.Space)
	}
	if r.Content == "" {
		return fmt.Errorf("%w: content", ErrMissingRequiredParameter)
	}
	if !r.Operation.Writes() {
		return fmt.Errorf("%w: operation %q is not a write", ErrMissingRequiredParameter, r.Operation)
	}

	return nil
}

// ValidSpace reports whether space names a team or private space.
func ValidSpace(space string) bool {
	for _, prefix := range []string{"team:", "private:"} {
		if name, ok := strings.CutPrefix(space, prefix); ok {
			return strings.TrimSpace(name) != ""
		}
	}

	return false
}

// Outcome is the closed set of results a caller can observe.
type Outcome string

const (
	// OutcomeSuccess means the downstream store accepted the write.
	OutcomeSuccess Outcome = "success"
	// OutcomeDeferred means the write was accepted for eventual delivery.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeRejected means the policy layer refused the write.
	OutcomeRejected Outcome = "rejected"
	// OutcomeError means the downstream store refused the write permanently.
	OutcomeError Outcome = "error"
)

// Result is returned for every audited write.
type Result struct {
	CorrelationID correlation.ID `json:"correlation_id"`
	Outcome       Outcome        `json:"outcome,omitempty"`
	// MemoryID is the downstream id on success.
	MemoryID string `json:"memory_id,omitempty"`
	// OutboxID is the outbox entry id when deferred.
	OutboxID int64 `json:"outbox_id,omitempty"`
	// AuditID is the id of the audit row recording the outcome.
	AuditID int64 `json:"audit_id,omitempty"`
	// Detail is a human readable rejection or error reason.
	Detail string `json:"detail,omitempty"`
	// Err classifies non-success outcomes (ErrPolicyRejected, ErrDownstreamRejected,
	// ErrDownstreamUnavailable).
	Err error `json:"-"`
}
