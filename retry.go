package memgate

import (
	"math"
	"time"
	"unicode/utf8"
)

const (
	defaultBackoffBase   = time.Second
	defaultBackoffMax    = 10 * time.Minute
	defaultBackoffFactor = 2.0
	maxErrorLen          = 1024
)

// Backoff is an exponential retry schedule.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// DefaultBackoff starts at one second and doubles up to ten minutes.
func DefaultBackoff() Backoff {
	return Backoff{Base: defaultBackoffBase, Max: defaultBackoffMax, Factor: defaultBackoffFactor}
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = defaultBackoffBase
	}
	if b.Max <= 0 {
		b.Max = defaultBackoffMax
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Factor < 1 {
		b.Factor = defaultBackoffFactor
	}

	return b
}

// Delay returns the wait before the attempt following the retryCount-th failure.
func (b Backoff) Delay(retryCount int) time.Duration {
	b = b.withDefaults()
	if retryCount < 1 {
		retryCount = 1
	}

	delay := float64(b.Base) * math.Pow(b.Factor, float64(retryCount-1))
	if delay >= float64(b.Max) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return b.Max
	}

	return time.Duration(delay)
}

// RetryPlan is the bookkeeping a failed attempt produces.
type RetryPlan struct {
	RetryCount    int
	Dead          bool
	NextAttemptAt time.Time
}

// PlanRetry computes the state after one more failed attempt on entry. The
// entry is promoted to dead once the incremented count reaches MaxRetries, so
// retry_count never exceeds the ceiling while pending. NextAttemptAt never
// moves backwards.
func PlanRetry(entry Entry, now time.Time, backoff Backoff) RetryPlan {
	next := entry.RetryCount + 1
	if next >= entry.MaxRetries {
		return RetryPlan{RetryCount: next, Dead: true, NextAttemptAt: entry.NextAttemptAt}
	}

	at := now.Add(backoff.Delay(next))
	if at.Before(entry.NextAttemptAt) {
		at = entry.NextAttemptAt
	}

	return RetryPlan{RetryCount: next, NextAttemptAt: at}
}

// ErrorText renders cause for the last_error column, truncated to maxErrorLen runes.
func ErrorText(cause error) string {
	if cause == nil {
		return ""
	}
	msg := cause.Error()
	if utf8.RuneCountInString(msg) <= maxErrorLen {
		return msg
	}

	return string([]rune(msg)[:maxErrorLen])
}
