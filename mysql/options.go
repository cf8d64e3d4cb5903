package mysql

import "github.com/velmie/memgate"

const (
	defaultOutboxTable = "memgate_outbox"
	defaultAuditTable  = "memgate_audit"
)

// Config defines MySQL store behavior.
type Config struct {
	OutboxTable string
	AuditTable  string
	Clock       memgate.Clock
	Backoff     memgate.Backoff
}

func (c Config) withDefaults() Config {
	if c.OutboxTable == "" {
		c.OutboxTable = defaultOutboxTable
	}
	if c.AuditTable == "" {
		c.AuditTable = defaultAuditTable
	}
	if c.Clock == nil {
		c.Clock = memgate.SystemClock{}
	}
	if c.Backoff == (memgate.Backoff{}) {
		c.Backoff = memgate.DefaultBackoff()
	}

	return c
}

// Option configures the MySQL store.
type Option func(*Config)

// WithOutboxTable sets the outbox table name.
func WithOutboxTable(name string) Option {
	return func(c *Config) {
		c.OutboxTable = name
	}
}

// WithAuditTable sets the audit table name.
func WithAuditTable(name string) Option {
	return func(c *Config) {
		c.AuditTable = name
	}
}

// WithClock sets the time source used by the store.
func WithClock(clock memgate.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithBackoff sets the retry schedule applied by MarkRetry.
func WithBackoff(b memgate.Backoff) Option {
	return func(c *Config) {
		c.Backoff = b
	}
}
