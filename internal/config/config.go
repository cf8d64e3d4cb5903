// Package config loads memgate binary settings from a YAML file and
// MEMGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/velmie/memgate/policy"
)

// Supported database dialects.
const (
	DialectMySQL    = "mysql"
	DialectPostgres = "postgres"
	DialectMemory   = "memory"
)

var (
	// ErrUnknownDialect is returned for a database dialect outside the supported set.
	ErrUnknownDialect = errors.New("unknown database dialect")
	// ErrDSNRequired is returned when a SQL dialect has no DSN.
	ErrDSNRequired = errors.New("database dsn is required")
	// ErrLeaseTooShort mirrors the worker invariant so bad files fail at load time.
	ErrLeaseTooShort = errors.New("worker lease_duration must exceed delivery_timeout")
)

type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Write      WriteConfig      `mapstructure:"write"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Downstream DownstreamConfig `mapstructure:"downstream"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	AuditNATS  NATSConfig       `mapstructure:"audit_nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Ops        OpsConfig        `mapstructure:"ops"`
}

type DatabaseConfig struct {
	Dialect     string `mapstructure:"dialect"`
	DSN         string `mapstructure:"dsn"`
	OutboxTable string `mapstructure:"outbox_table"`
	AuditTable  string `mapstructure:"audit_table"`
}

type WriteConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type WorkerConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Workers         int           `mapstructure:"workers"`
	Concurrency     int           `mapstructure:"concurrency"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	LeaseDuration   time.Duration `mapstructure:"lease_duration"`
	PendingInterval time.Duration `mapstructure:"pending_interval"`
}

type RetryConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
}

type DownstreamConfig struct {
	URL       string        `mapstructure:"url"`
	StorePath string        `mapstructure:"store_path"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// TransientStatuses and RejectedStatuses override the default status
	// classification; rejected wins when a status is listed in both.
	TransientStatuses []int `mapstructure:"transient_statuses"`
	RejectedStatuses  []int `mapstructure:"rejected_statuses"`
}

type PolicyConfig struct {
	// Rules are evaluated in order; with none, actors may write to team
	// spaces and their own private space.
	Rules []policy.Rule     `mapstructure:"rules"`
	Cache PolicyCacheConfig `mapstructure:"cache"`
}

type PolicyCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Prefix   string        `mapstructure:"prefix"`
}

type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	Token         string        `mapstructure:"token"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type OpsConfig struct {
	Addr             string `mapstructure:"addr"`
	MetricsNamespace string `mapstructure:"metrics_namespace"`
}

// Load reads configPath (or ./memgate.yaml, /etc/memgate/memgate.yaml when
// empty), applies MEMGATE_* overrides such as MEMGATE_DATABASE_DSN and
// validates the result. A missing default file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("memgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/memgate")
	}

	v.SetEnvPrefix("MEMGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.dialect", DialectMySQL)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.outbox_table", "memgate_outbox")
	v.SetDefault("database.audit_table", "memgate_audit")

	v.SetDefault("write.timeout", "2s")

	v.SetDefault("worker.batch_size", 50)
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.workers", 1)
	v.SetDefault("worker.concurrency", 8)
	v.SetDefault("worker.delivery_timeout", "30s")
	v.SetDefault("worker.lease_duration", "2m")
	v.SetDefault("worker.pending_interval", "30s")

	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.backoff_base", "1s")
	v.SetDefault("retry.backoff_max", "10m")
	v.SetDefault("retry.backoff_factor", 2.0)

	v.SetDefault("downstream.url", "http://localhost:8080")
	v.SetDefault("downstream.store_path", "/v1/memories")
	v.SetDefault("downstream.api_key", "")
	v.SetDefault("downstream.timeout", "10s")
	v.SetDefault("downstream.transient_statuses", []int{})
	v.SetDefault("downstream.rejected_statuses", []int{})

	v.SetDefault("policy.cache.enabled", false)
	v.SetDefault("policy.cache.addr", "localhost:6379")
	v.SetDefault("policy.cache.password", "")
	v.SetDefault("policy.cache.db", 0)
	v.SetDefault("policy.cache.ttl", "30s")
	v.SetDefault("policy.cache.prefix", "memgate:policy:")

	v.SetDefault("audit_nats.enabled", false)
	v.SetDefault("audit_nats.url", "nats://localhost:4222")
	v.SetDefault("audit_nats.name", "memgate")
	v.SetDefault("audit_nats.subject_prefix", "memgate.audit")
	v.SetDefault("audit_nats.token", "")
	v.SetDefault("audit_nats.max_reconnects", 10)
	v.SetDefault("audit_nats.reconnect_wait", "2s")
	v.SetDefault("audit_nats.timeout", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("ops.addr", ":9090")
	v.SetDefault("ops.metrics_namespace", "memgate")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Database.Dialect {
	case DialectMySQL, DialectPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("%w for dialect %s", ErrDSNRequired, c.Database.Dialect)
		}
	case DialectMemory:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDialect, c.Database.Dialect)
	}
	if c.Worker.LeaseDuration <= c.Worker.DeliveryTimeout {
		return fmt.Errorf("%w: %s <= %s", ErrLeaseTooShort, c.Worker.LeaseDuration, c.Worker.DeliveryTimeout)
	}

	return nil
}
