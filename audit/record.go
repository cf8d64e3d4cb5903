// Package audit builds the immutable records describing what the write path
// decided or did. Records are append-only: storage inserts them and nothing
// ever updates or deletes them.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/velmie/memgate/correlation"
)

// Evidence reference names used across the write path.
const (
	RefOutboxID  = "outbox_id"
	RefMemoryID  = "memory_id"
	RefAttempt   = "attempt"
	RefLastError = "last_error"
	RefDetail    = "detail"
)

const digestPrefix = "sha256:"

// EvidenceRefs maps a reference name to an opaque locator.
type EvidenceRefs map[string]string

// Clone returns an independent copy. A nil map clones to an empty one.
func (r EvidenceRefs) Clone() EvidenceRefs {
	out := make(EvidenceRefs, len(r))
	for k, v := range r {
		out[k] = v
	}

	return out
}

// Record is one immutable, timestamped audit fact.
type Record struct {
	// ID is assigned by storage on insert and is zero before that.
	ID            int64          `json:"id,omitempty" yaml:"id,omitempty"`
	CorrelationID correlation.ID `json:"correlation_id" yaml:"correlation_id"`
	ActorUserID   string         `json:"actor_user_id" yaml:"actor_user_id"`
	Space         string         `json:"space" yaml:"space"`
	Operation     Operation      `json:"operation" yaml:"operation"`
	Reason        Reason         `json:"reason" yaml:"reason"`
	EvidenceRefs  EvidenceRefs   `json:"evidence_refs" yaml:"evidence_refs"`
	PayloadDigest string         `json:"payload_digest" yaml:"payload_digest"`
	CreatedAt     time.Time      `json:"created_at" yaml:"created_at"`
}

// Digest returns the content hash stored instead of the raw payload.
func Digest(content string) string {
	sum := sha256.Sum256([]byte(content))

	return digestPrefix + hex.EncodeToString(sum[:])
}
