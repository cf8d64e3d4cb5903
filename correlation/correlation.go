// Package correlation generates and validates the identifier threaded through
// every record produced while servicing one write request.
//
// An ID is created once at request entry (or supplied by the caller) and is
// never regenerated downstream: audit records, outbox entries, downstream
// calls and the response all carry the same value.
package correlation

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

const maxLength = 128

// HeaderName is the HTTP header used to propagate the ID to collaborators.
const HeaderName = "X-Correlation-ID"

var (
	// ErrInvalidID indicates a value that does not satisfy the ID format.
	ErrInvalidID = errors.New("correlation id is invalid")
)

// ID is an opaque, globally unique request identifier.
type ID string

// String returns the raw identifier.
func (id ID) String() string {
	return string(id)
}

// IsZero reports whether the ID is empty.
func (id ID) IsZero() bool {
	return id == ""
}

// New returns a fresh UUID v7 based ID. UUID v7 carries a millisecond
// timestamp plus random bits, so concurrent callers never collide in practice.
func New() ID {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source fails; fall back to v4.
		return ID(uuid.NewString())
	}

	return ID(u.String())
}

// Validate checks format only: 1..128 characters from [A-Za-z0-9._:-].
// It does not look the ID up anywhere.
func Validate(id ID) bool {
	if len(id) == 0 || len(id) > maxLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}

	return true
}

// Resolve honors a caller supplied ID verbatim when present, otherwise it
// generates one. A supplied ID with an invalid format returns ErrInvalidID.
func Resolve(supplied ID) (ID, error) {
	if supplied.IsZero() {
		return New(), nil
	}
	if !Validate(supplied) {
		return "", ErrInvalidID
	}

	return supplied, nil
}

type contextKey struct{}

// WithID stores the ID in ctx.
func WithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext extracts the ID stored by WithID. Returns "" when absent.
func FromContext(ctx context.Context) ID {
	if id, ok := ctx.Value(contextKey{}).(ID); ok {
		return id
	}

	return ""
}
