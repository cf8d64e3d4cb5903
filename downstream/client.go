// Package downstream defines the contract of the semantic memory store the
// write path delivers to, plus the error classification that decides whether
// a failed delivery is retried through the outbox.
package downstream

import (
	"context"
	"errors"
	"fmt"
)

// Client stores content in the downstream semantic memory.
type Client interface {
	// Store persists content with metadata and returns the downstream id.
	// Failures should be reported as *StoreError.
	Store(ctx context.Context, content string, metadata map[string]any) (StoreResult, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, content string, metadata map[string]any) (StoreResult, error)

// Store implements Client.
func (fn ClientFunc) Store(ctx context.Context, content string, metadata map[string]any) (StoreResult, error) {
	return fn(ctx, content, metadata)
}

// StoreResult is the downstream response to a successful Store.
type StoreResult struct {
	ID string `json:"id"`
}

// StoreError is a typed downstream failure carrying an explicit retry
// discriminator so callers never infer retryability from error types.
type StoreError struct {
	Transient  bool
	StatusCode int
	Message    string
	Err        error
}

// Error implements error.
func (e *StoreError) Error() string {
	kind := "rejected"
	if e.Transient {
		kind = "unavailable"
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("downstream %s (status %d): %s", kind, e.StatusCode, msg)
	}

	return fmt.Sprintf("downstream %s: %s", kind, msg)
}

// Unwrap returns the underlying cause.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err as a transient StoreError.
func Unavailable(err error) *StoreError {
	return &StoreError{Transient: true, Err: err}
}

// Rejected wraps err as a non-transient StoreError.
func Rejected(err error) *StoreError {
	return &StoreError{Transient: false, Err: err}
}

// AsStoreError extracts a *StoreError from err's chain.
func AsStoreError(err error) (*StoreError, bool) {
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr, true
	}

	return nil, false
}
