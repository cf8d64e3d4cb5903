// Package auditstream fans committed audit records out to NATS.
package auditstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/velmie/memgate"
	"github.com/velmie/memgate/audit"
	"github.com/velmie/memgate/correlation"
)

// DefaultSubjectPrefix is prepended to the record reason.
const DefaultSubjectPrefix = "memgate.audit"

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher implements memgate.Notifier over NATS core publish.
type Publisher struct {
	conn   Conn
	prefix string
}

var _ memgate.Notifier = (*Publisher)(nil)

// NewPublisher returns a publisher on conn. An empty prefix uses DefaultSubjectPrefix.
func NewPublisher(conn Conn, prefix string) (*Publisher, error) {
	if conn == nil {
		return nil, errors.New("auditstream: connection is required")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	return &Publisher{conn: conn, prefix: prefix}, nil
}

// Subject returns the subject a record with reason is published on.
func (p *Publisher) Subject(reason audit.Reason) string {
	return p.prefix + "." + string(reason)
}

// Notify publishes record as JSON with the correlation id in a header.
func (p *Publisher) Notify(ctx context.Context, record audit.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	msg := nats.NewMsg(p.Subject(record.Reason))
	msg.Data = data
	msg.Header.Set(correlation.HeaderName, record.CorrelationID.String())

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}

	return nil
}

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	Token         string
}

// Connect dials NATS with reconnect settings suited to a long running worker.
func Connect(cfg Config, logger memgate.Logger) (*nats.Conn, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "memgate"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = memgate.NopLogger{}
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return conn, nil
}
