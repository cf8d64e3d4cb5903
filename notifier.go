package memgate

import (
	"context"

	"github.com/velmie/memgate/audit"
)

// Notifier receives audit records after they are committed. Delivery is best
// effort: a failing notifier is logged and never changes a write's outcome.
type Notifier interface {
	Notify(ctx context.Context, record audit.Record) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, record audit.Record) error

// Notify implements Notifier.
func (fn NotifierFunc) Notify(ctx context.Context, record audit.Record) error {
	return fn(ctx, record)
}

// NopNotifier drops every record.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, audit.Record) error { return nil }

func notify(ctx context.Context, n Notifier, logger Logger, record audit.Record) {
	if err := n.Notify(ctx, record); err != nil {
		logger.Warn("audit notify failed",
			"correlation_id", record.CorrelationID,
			"reason", record.Reason,
			"err", err,
		)
	}
}
