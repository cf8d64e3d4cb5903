package memgate

import "time"

// Metrics captures write path and worker telemetry.
type Metrics interface {
	// IncWriteOutcome counts one Coordinator result.
	IncWriteOutcome(outcome Outcome)
	// ObserveCycleDuration records the time to process one worker cycle.
	ObserveCycleDuration(duration time.Duration)
	// AddDelivered increments the count of entries delivered by the worker.
	AddDelivered(count int)
	// AddRetries increments the count of rescheduled entries.
	AddRetries(count int)
	// AddDead increments the count of dead-lettered entries.
	AddDead(count int)
	// AddErrors increments the count of entries whose transition failed.
	AddErrors(count int)
	// AddLeaseLost increments the count of transitions rejected for a lost lease.
	AddLeaseLost(count int)
	// SetPending updates the current pending entry count.
	SetPending(count int)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// IncWriteOutcome implements Metrics.
func (NopMetrics) IncWriteOutcome(Outcome) {}

// ObserveCycleDuration implements Metrics.
func (NopMetrics) ObserveCycleDuration(time.Duration) {}

// AddDelivered implements Metrics.
func (NopMetrics) AddDelivered(int) {}

// AddRetries implements Metrics.
func (NopMetrics) AddRetries(int) {}

// AddDead implements Metrics.
func (NopMetrics) AddDead(int) {}

// AddErrors implements Metrics.
func (NopMetrics) AddErrors(int) {}

// AddLeaseLost implements Metrics.
func (NopMetrics) AddLeaseLost(int) {}

// SetPending implements Metrics.
func (NopMetrics) SetPending(int) {}
