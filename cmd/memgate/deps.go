package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"github.com/velmie/memgate"
	"github.com/velmie/memgate/auditstream"
	"github.com/velmie/memgate/downstream"
	"github.com/velmie/memgate/internal/config"
	"github.com/velmie/memgate/memstore"
	"github.com/velmie/memgate/mysql"
	"github.com/velmie/memgate/policy"
	"github.com/velmie/memgate/postgres"
)

// backend is the storage for one dialect. The SQL stores satisfy every contract.
type backend interface {
	memgate.Ledger
	memgate.OutboxStore
	memgate.ReportSource
}

func retryBackoff(cfg config.RetryConfig) memgate.Backoff {
	return memgate.Backoff{
		Base:   cfg.BackoffBase,
		Max:    cfg.BackoffMax,
		Factor: cfg.BackoffFactor,
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend, func(), error) {
	backoff := retryBackoff(cfg.Retry)

	switch cfg.Database.Dialect {
	case config.DialectMySQL:
		db, err := sql.Open("mysql", cfg.Database.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()

			return nil, nil, fmt.Errorf("ping mysql: %w", err)
		}
		store, err := mysql.NewStore(db,
			mysql.WithOutboxTable(cfg.Database.OutboxTable),
			mysql.WithAuditTable(cfg.Database.AuditTable),
			mysql.WithBackoff(backoff),
		)
		if err != nil {
			_ = db.Close()

			return nil, nil, err
		}

		return store, func() { _ = db.Close() }, nil
	case config.DialectPostgres:
		pool, err := postgres.Connect(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		store, err := postgres.NewStore(pool, postgres.WithBackoff(backoff))
		if err != nil {
			pool.Close()

			return nil, nil, err
		}

		return store, pool.Close, nil
	case config.DialectMemory:
		logger.Warn("using in-memory store; outbox entries do not survive a restart")

		return memstore.New(memstore.WithBackoff(backoff)), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrUnknownDialect, cfg.Database.Dialect)
	}
}

// newClassifier applies the configured status overrides to the default table.
func newClassifier(cfg config.DownstreamConfig) downstream.Classifier {
	return downstream.DefaultClassifier().
		WithStatuses(downstream.ClassTransient, cfg.TransientStatuses...).
		WithStatuses(downstream.ClassRejected, cfg.RejectedStatuses...)
}

func newDownstream(cfg config.DownstreamConfig, classifier downstream.Classifier) (*downstream.HTTPClient, error) {
	return downstream.NewHTTPClient(downstream.HTTPConfig{
		BaseURL:    cfg.URL,
		StorePath:  cfg.StorePath,
		APIKey:     cfg.APIKey,
		Timeout:    cfg.Timeout,
		Classifier: &classifier,
	})
}

// newPolicy builds the rule checker and, when enabled, wraps it in the Redis
// decision cache.
func newPolicy(ctx context.Context, cfg config.PolicyConfig, logger *slog.Logger) (policy.Checker, func(), error) {
	var checker policy.Checker = policy.OwnSpaces()
	if len(cfg.Rules) > 0 {
		rules, err := policy.NewRules(cfg.Rules...)
		if err != nil {
			return nil, nil, err
		}
		checker = rules
	}
	if !cfg.Cache.Enabled {
		return checker, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		// The cache falls through to the inner checker, so a down Redis is not fatal.
		logger.Warn("policy cache unreachable", "addr", cfg.Cache.Addr, "err", err)
	}
	cached, err := policy.NewRedisCache(checker, client, policy.RedisCacheConfig{
		TTL:    cfg.Cache.TTL,
		Prefix: cfg.Cache.Prefix,
		OnError: func(err error) {
			logger.Debug("policy cache error", "err", err)
		},
	})
	if err != nil {
		_ = client.Close()

		return nil, nil, err
	}

	return cached, func() { _ = client.Close() }, nil
}

func newNotifier(cfg config.NATSConfig, logger *slog.Logger) (memgate.Notifier, func(), error) {
	if !cfg.Enabled {
		return memgate.NopNotifier{}, func() {}, nil
	}

	conn, err := auditstream.Connect(auditstream.Config{
		URL:           cfg.URL,
		Name:          cfg.Name,
		MaxReconnects: cfg.MaxReconnects,
		ReconnectWait: cfg.ReconnectWait,
		Timeout:       cfg.Timeout,
		Token:         cfg.Token,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	publisher, err := auditstream.NewPublisher(conn, cfg.SubjectPrefix)
	if err != nil {
		conn.Close()

		return nil, nil, err
	}

	return publisher, func() {
		if err := conn.Drain(); err != nil {
			logger.Warn("nats drain failed", "err", err)
		}
	}, nil
}
