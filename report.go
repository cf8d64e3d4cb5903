package memgate

import (
	"context"
	"fmt"
	"time"

	"github.com/velmie/memgate/audit"
)

// Report is the read-only reliability snapshot.
type Report struct {
	PendingCount int64 `json:"pending_count" yaml:"pending_count"`
	DeadCount    int64 `json:"dead_count" yaml:"dead_count"`
	// OldestPendingAge is zero when nothing is pending.
	OldestPendingAge Duration `json:"oldest_pending_age" yaml:"oldest_pending_age"`
	SentLast24h      int64    `json:"sent_last_24h" yaml:"sent_last_24h"`
	// AuditLast24h counts audit rows per reason; every reason is present.
	AuditLast24h map[audit.Reason]int64 `json:"audit_last_24h" yaml:"audit_last_24h"`
	GeneratedAt  time.Time              `json:"generated_at" yaml:"generated_at"`
}

// Duration renders as a Go duration string in reports.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)

	return nil
}

// Reporter aggregates outbox and audit state. It never writes.
type Reporter struct {
	source ReportSource
	clock  Clock
	window time.Duration
}

// NewReporter constructs a Reporter over source. A nil clock uses SystemClock.
func NewReporter(source ReportSource, clock Clock) *Reporter {
	if source == nil {
		panic("memgate: nil ReportSource")
	}
	if clock == nil {
		clock = SystemClock{}
	}

	return &Reporter{source: source, clock: clock, window: defaultReportWindow}
}

// Report computes the current snapshot.
func (r *Reporter) Report(ctx context.Context) (Report, error) {
	now := r.clock.Now()
	since := now.Add(-r.window)

	stats, err := r.source.OutboxStats(ctx, since)
	if err != nil {
		return Report{}, fmt.Errorf("outbox stats: %w", err)
	}
	counts, err := r.source.AuditCounts(ctx, since)
	if err != nil {
		return Report{}, fmt.Errorf("audit counts: %w", err)
	}

	perReason := make(map[audit.Reason]int64, len(audit.Reasons()))
	for _, reason := range audit.Reasons() {
		perReason[reason] = counts[reason]
	}

	var age time.Duration
	if !stats.OldestPendingAt.IsZero() && stats.Pending > 0 {
		age = now.Sub(stats.OldestPendingAt)
		if age < 0 {
			age = 0
		}
	}

	return Report{
		PendingCount:     stats.Pending,
		DeadCount:        stats.Dead,
		OldestPendingAge: Duration(age),
		SentLast24h:      stats.SentSince,
		AuditLast24h:     perReason,
		GeneratedAt:      now,
	}, nil
}
