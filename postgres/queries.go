package postgres

const (
	outboxCols = "id, correlation_id, payload, status, retry_count, max_retries, next_attempt_at, " +
		"last_error, lease_token, leased_until, created_at, updated_at"
)

const (
	insertOutboxQuery = `INSERT INTO memgate_outbox
	(correlation_id, payload, status, retry_count, max_retries, next_attempt_at, created_at, updated_at)
	VALUES ($1, $2, $3, 0, $4, $5, $6, $6)
	RETURNING id`

	insertAuditQuery = `INSERT INTO memgate_audit
	(correlation_id, actor_user_id, space, operation, reason, evidence_refs, payload_digest, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING id`

	leaseQuery = `WITH due AS (
		SELECT id FROM memgate_outbox
		WHERE status = $1 AND next_attempt_at <= $2 AND (leased_until IS NULL OR leased_until < $2)
		ORDER BY id
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	)
	UPDATE memgate_outbox AS o
	SET lease_token = gen_random_uuid()::text, leased_until = $4, updated_at = $2
	FROM due
	WHERE o.id = due.id
	RETURNING o.id, o.correlation_id, o.payload, o.status, o.retry_count, o.max_retries, o.next_attempt_at,
		o.last_error, o.lease_token, o.leased_until, o.created_at, o.updated_at`

	selectForUpdateQuery = "SELECT " + outboxCols + " FROM memgate_outbox WHERE id = $1 FOR UPDATE"

	transitionQuery = `UPDATE memgate_outbox
	SET status = $1, retry_count = $2, next_attempt_at = $3, last_error = $4,
		lease_token = NULL, leased_until = NULL, sent_at = $5, updated_at = $6
	WHERE id = $7 AND status = $8 AND lease_token = $9`

	countPendingQuery = "SELECT count(*) FROM memgate_outbox WHERE status = $1"

	outboxStatsQuery = `SELECT
		count(*) FILTER (WHERE status = $1),
		count(*) FILTER (WHERE status = $2),
		count(*) FILTER (WHERE status = $3 AND sent_at >= $4),
		min(created_at) FILTER (WHERE status = $1)
	FROM memgate_outbox`

	auditCountsQuery = "SELECT reason, count(*) FROM memgate_audit WHERE created_at >= $1 GROUP BY reason"
)
