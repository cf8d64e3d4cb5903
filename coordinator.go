package memgate

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/velmie/memgate/audit"
	"github.com/velmie/memgate/correlation"
	"github.com/velmie/memgate/downstream"
	"github.com/velmie/memgate/policy"
)

// Coordinator runs the audit-first write path for one request at a time.
// It is safe for concurrent use.
type Coordinator struct {
	ledger  Ledger
	client  downstream.Client
	checker policy.Checker
	builder audit.Builder
	cfg     CoordinatorConfig
}

// NewCoordinator constructs a Coordinator. Zero config fields take defaults.
func NewCoordinator(ledger Ledger, client downstream.Client, checker policy.Checker, cfg CoordinatorConfig) *Coordinator {
	if ledger == nil {
		panic("memgate: nil Ledger")
	}
	if client == nil {
		panic("memgate: nil downstream Client")
	}
	if checker == nil {
		panic("memgate: nil policy Checker")
	}
	cfg = cfg.withDefaults()

	return &Coordinator{
		ledger:  ledger,
		client:  client,
		checker: checker,
		builder: audit.NewBuilder(cfg.Clock.Now),
		cfg:     cfg,
	}
}

// HandleWrite validates req, checks policy, attempts the downstream write and
// records exactly one audit row describing what happened. The returned Result
// always carries the correlation id. An error is returned only for malformed
// requests (ErrMissingRequiredParameter, nothing audited) and when the audit
// row cannot be persisted (ErrAuditPersistence).
func (c *Coordinator) HandleWrite(ctx context.Context, req WriteRequest) (Result, error) {
	id, err := correlation.Resolve(req.CorrelationID)
	if err != nil {
		return Result{CorrelationID: req.CorrelationID}, fmt.Errorf("%w: %w", ErrMissingRequiredParameter, err)
	}
	req.CorrelationID = id
	if req.Operation == "" {
		req.Operation = audit.OperationMemoryStore
	}
	ctx = correlation.WithID(ctx, id)

	if err := req.validate(); err != nil {
		return Result{CorrelationID: id}, err
	}
	pending := PendingWrite{
		CorrelationID: id,
		ActorUserID:   req.ActorUserID,
		Space:         req.Space,
		Operation:     req.Operation,
		Content:       req.Content,
		Metadata:      req.Metadata,
	}
	payload, err := pending.Encode()
	if err != nil {
		return Result{CorrelationID: id}, fmt.Errorf("%w: metadata: %w", ErrMissingRequiredParameter, err)
	}

	// The audit record must be buildable before anything leaves the process.
	subject := pending.Subject()
	if _, err := c.builder.Build(subject, id, audit.ReasonSuccess, nil); err != nil {
		return Result{CorrelationID: id}, fmt.Errorf("%w: %w", ErrMissingRequiredParameter, err)
	}

	if detail, allowed := c.checkPolicy(ctx, req); !allowed {
		return c.finish(ctx, subject, Result{
			CorrelationID: id,
			Outcome:       OutcomeRejected,
			Detail:        detail,
			Err:           ErrPolicyRejected,
		}, audit.ReasonPolicyReject, audit.EvidenceRefs{audit.RefDetail: detail})
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	stored, err := c.client.Store(callCtx, req.Content, req.Metadata)
	cancel()

	switch {
	case err == nil:
		return c.finish(ctx, subject, Result{
			CorrelationID: id,
			Outcome:       OutcomeSuccess,
			MemoryID:      stored.ID,
		}, audit.ReasonSuccess, audit.EvidenceRefs{audit.RefMemoryID: stored.ID})
	case c.cfg.Classifier.Classify(err) == downstream.ClassRejected:
		detail := ErrorText(err)
		c.cfg.Logger.Info("downstream rejected write", logArgs(ctx, "err", err)...)

		return c.finish(ctx, subject, Result{
			CorrelationID: id,
			Outcome:       OutcomeError,
			Detail:        detail,
			Err:           fmt.Errorf("%w: %w", ErrDownstreamRejected, err),
		}, audit.ReasonError, audit.EvidenceRefs{audit.RefDetail: detail})
	default:
		c.cfg.Logger.Warn("downstream unavailable, redirecting to outbox", logArgs(ctx, "err", err)...)

		return c.redirect(ctx, subject, id, payload, err)
	}
}

// checkPolicy fails closed: a checker error is a rejection.
func (c *Coordinator) checkPolicy(ctx context.Context, req WriteRequest) (string, bool) {
	decision, err := c.checker.Check(ctx, req.ActorUserID, req.Space, req.Operation)
	if err != nil {
		c.cfg.Logger.Warn("policy check failed, rejecting", logArgs(ctx, "err", err)...)

		return "policy check failed: " + ErrorText(err), false
	}
	if !decision.Allowed {
		reason := decision.Reason
		if reason == "" {
			reason = "rejected by policy"
		}

		return reason, false
	}

	return "", true
}

// finish persists the single audit row for a terminal outcome.
func (c *Coordinator) finish(
	ctx context.Context,
	subject audit.Subject,
	result Result,
	reason audit.Reason,
	refs audit.EvidenceRefs,
) (Result, error) {
	record, err := c.builder.Build(subject, result.CorrelationID, reason, refs)
	if err != nil {
		return c.auditFailed(result, err)
	}

	err = c.ledger.WithinTx(ctx, func(tx LedgerTx) error {
		auditID, err := tx.InsertAudit(ctx, record)
		if err != nil {
			return err
		}
		record.ID = auditID

		return nil
	})
	if err != nil {
		return c.auditFailed(result, err)
	}

	result.AuditID = record.ID
	c.committed(ctx, result, record)

	return result, nil
}

// redirect commits the outbox entry and its redirected audit row together.
func (c *Coordinator) redirect(
	ctx context.Context,
	subject audit.Subject,
	id correlation.ID,
	payload []byte,
	cause error,
) (Result, error) {
	result := Result{
		CorrelationID: id,
		Outcome:       OutcomeDeferred,
		Detail:        ErrorText(cause),
		Err:           fmt.Errorf("%w: %w", ErrDownstreamUnavailable, cause),
	}

	var record audit.Record
	err := c.ledger.WithinTx(ctx, func(tx LedgerTx) error {
		outboxID, err := tx.InsertOutbox(ctx, NewEntry{
			CorrelationID: id,
			Payload:       payload,
			MaxRetries:    c.cfg.MaxRetries,
			NextAttemptAt: c.cfg.Clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("insert outbox entry: %w", err)
		}

		record, err = c.builder.Build(subject, id, audit.ReasonRedirected, audit.EvidenceRefs{
			audit.RefOutboxID:  strconv.FormatInt(outboxID, 10),
			audit.RefLastError: result.Detail,
		})
		if err != nil {
			return err
		}
		auditID, err := tx.InsertAudit(ctx, record)
		if err != nil {
			return err
		}
		record.ID = auditID
		result.OutboxID = outboxID

		return nil
	})
	if err != nil {
		result.OutboxID = 0

		return c.auditFailed(result, err)
	}

	result.AuditID = record.ID
	c.committed(ctx, result, record)

	return result, nil
}

func (c *Coordinator) auditFailed(result Result, err error) (Result, error) {
	c.cfg.Logger.Error("audit persistence failed",
		"correlation_id", result.CorrelationID,
		"outcome", result.Outcome,
		"err", err,
	)

	return Result{CorrelationID: result.CorrelationID}, errors.Join(ErrAuditPersistence, err)
}

func (c *Coordinator) committed(ctx context.Context, result Result, record audit.Record) {
	c.cfg.Metrics.IncWriteOutcome(result.Outcome)
	c.cfg.Logger.Debug("write audited",
		"correlation_id", result.CorrelationID,
		"outcome", result.Outcome,
		"audit_id", record.ID,
	)
	notify(ctx, c.cfg.Notifier, c.cfg.Logger, record)
}
