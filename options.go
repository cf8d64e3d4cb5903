package memgate

import (
	"time"

	"github.com/velmie/memgate/downstream"
)

const (
	defaultWriteTimeout    = 2 * time.Second
	defaultMaxRetries      = 5
	defaultBatchSize       = 50
	defaultPollInterval    = time.Second
	defaultWorkers         = 1
	defaultConcurrency     = 8
	defaultDeliveryTimeout = 30 * time.Second
	defaultLeaseDuration   = 2 * time.Minute
	defaultPendingCheck    = 0
	defaultReportWindow    = 24 * time.Hour
)

// CoordinatorConfig is the explicit configuration of a Coordinator.
type CoordinatorConfig struct {
	// WriteTimeout bounds the single direct downstream attempt.
	WriteTimeout time.Duration
	// MaxRetries is the retry ceiling stored on redirected entries.
	MaxRetries int
	// Classifier decides whether a downstream failure is transient.
	Classifier *downstream.Classifier
	Clock      Clock
	Logger     Logger
	Metrics    Metrics
	Notifier   Notifier
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Classifier == nil {
		classifier := downstream.DefaultClassifier()
		c.Classifier = &classifier
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.Notifier == nil {
		c.Notifier = NopNotifier{}
	}

	return c
}

// WorkerConfig defines how the Worker leases and delivers entries.
type WorkerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// Workers is the number of independent polling loops.
	Workers int
	// Concurrency bounds parallel deliveries inside one cycle.
	Concurrency     int
	DeliveryTimeout time.Duration
	// LeaseDuration must exceed DeliveryTimeout.
	LeaseDuration   time.Duration
	Classifier      *downstream.Classifier
	Clock           Clock
	ErrorHandler    FailureHandler
	Logger          Logger
	Metrics         Metrics
	Notifier        Notifier
	PendingInterval time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = defaultDeliveryTimeout
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = defaultLeaseDuration
	}
	if c.Classifier == nil {
		classifier := downstream.DefaultClassifier()
		c.Classifier = &classifier
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.Notifier == nil {
		c.Notifier = NopNotifier{}
	}
	if c.PendingInterval <= 0 {
		c.PendingInterval = defaultPendingCheck
	}

	return c
}

// WorkerOption configures Worker behavior.
type WorkerOption func(*WorkerConfig)

// WithBatchSize sets the number of entries leased per cycle.
func WithBatchSize(size int) WorkerOption {
	return func(c *WorkerConfig) {
		c.BatchSize = size
	}
}

// WithPollInterval sets the delay between empty polls.
func WithPollInterval(interval time.Duration) WorkerOption {
	return func(c *WorkerConfig) {
		c.PollInterval = interval
	}
}

// WithWorkers sets the number of concurrent polling loops.
func WithWorkers(count int) WorkerOption {
	return func(c *WorkerConfig) {
		c.Workers = count
	}
}

// WithConcurrency sets the number of parallel deliveries per cycle.
func WithConcurrency(n int) WorkerOption {
	return func(c *WorkerConfig) {
		c.Concurrency = n
	}
}

// WithDeliveryTimeout sets the per-entry downstream timeout.
func WithDeliveryTimeout(timeout time.Duration) WorkerOption {
	return func(c *WorkerConfig) {
		c.DeliveryTimeout = timeout
	}
}

// WithLeaseDuration sets how long a leased entry stays exclusive.
func WithLeaseDuration(d time.Duration) WorkerOption {
	return func(c *WorkerConfig) {
		c.LeaseDuration = d
	}
}

// WithClassifier sets the downstream failure classifier.
func WithClassifier(classifier downstream.Classifier) WorkerOption {
	return func(c *WorkerConfig) {
		c.Classifier = &classifier
	}
}

// WithClock sets the worker clock.
func WithClock(clock Clock) WorkerOption {
	return func(c *WorkerConfig) {
		c.Clock = clock
	}
}

// WithErrorHandler registers a callback for delivery failures.
func WithErrorHandler(handler FailureHandler) WorkerOption {
	return func(c *WorkerConfig) {
		c.ErrorHandler = handler
	}
}

// WithLogger sets the worker logger.
func WithLogger(logger Logger) WorkerOption {
	return func(c *WorkerConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the worker metrics recorder.
func WithMetrics(metrics Metrics) WorkerOption {
	return func(c *WorkerConfig) {
		c.Metrics = metrics
	}
}

// WithNotifier sets the audit notifier.
func WithNotifier(n Notifier) WorkerOption {
	return func(c *WorkerConfig) {
		c.Notifier = n
	}
}

// WithPendingInterval sets the minimum interval between pending count samples.
// Use a positive value to enable sampling or zero to keep it disabled.
// The default is disabled.
func WithPendingInterval(interval time.Duration) WorkerOption {
	return func(c *WorkerConfig) {
		c.PendingInterval = interval
	}
}
