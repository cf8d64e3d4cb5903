package mysql

import "fmt"

const outboxCols = "id, correlation_id, payload, status, retry_count, max_retries, next_attempt_at, " +
	"last_error, lease_token, leased_until, created_at, updated_at"

type queries struct {
	insertOutbox string
	insertAudit  string
	selectDue    string
	lease        string
	selectForUpd string
	transition   string
	countPending string
	outboxStats  string
	auditCounts  string
}

func newQueries(outbox, audit string) queries {
	return queries{
		insertOutbox: fmt.Sprintf(
			"INSERT INTO %s (correlation_id, payload, status, retry_count, max_retries, next_attempt_at, created_at, updated_at) "+
				"VALUES (?, ?, ?, 0, ?, ?, ?, ?)",
			outbox,
		),
		insertAudit: fmt.Sprintf(
			"INSERT INTO %s (correlation_id, actor_user_id, space, operation, reason, evidence_refs, payload_digest, created_at) "+
				"VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			audit,
		),
		selectDue: fmt.Sprintf(
			"SELECT %s FROM %s WHERE status = ? AND next_attempt_at <= ? AND (leased_until IS NULL OR leased_until < ?) "+
				"ORDER BY id ASC LIMIT ? FOR UPDATE SKIP LOCKED",
			outboxCols,
			outbox,
		),
		lease: fmt.Sprintf(
			"UPDATE %s SET lease_token = ?, leased_until = ?, updated_at = ? WHERE id = ?",
			outbox,
		),
		selectForUpd: fmt.Sprintf("SELECT %s FROM %s WHERE id = ? FOR UPDATE", outboxCols, outbox),
		transition: fmt.Sprintf(
			"UPDATE %s SET status = ?, retry_count = ?, next_attempt_at = ?, last_error = ?, "+
				"lease_token = NULL, leased_until = NULL, sent_at = ?, updated_at = ? "+
				"WHERE id = ? AND status = ? AND lease_token = ?",
			outbox,
		),
		countPending: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = ?", outbox),
		outboxStats: fmt.Sprintf(
			"SELECT "+
				"COALESCE(SUM(status = ?), 0), "+
				"COALESCE(SUM(status = ?), 0), "+
				"COALESCE(SUM(status = ? AND sent_at >= ?), 0), "+
				"MIN(CASE WHEN status = ? THEN created_at END) "+
				"FROM %s",
			outbox,
		),
		auditCounts: fmt.Sprintf("SELECT reason, COUNT(*) FROM %s WHERE created_at >= ? GROUP BY reason", audit),
	}
}
