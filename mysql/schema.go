package mysql

import "fmt"

const outboxSchemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id BIGINT NOT NULL AUTO_INCREMENT,
	correlation_id VARCHAR(128) NOT NULL,
	payload JSON NOT NULL,
	status SMALLINT NOT NULL DEFAULT 0,
	retry_count INT NOT NULL DEFAULT 0,
	max_retries INT NOT NULL,
	next_attempt_at TIMESTAMP(6) NOT NULL,
	last_error VARCHAR(1024) NULL,
	lease_token CHAR(36) NULL,
	leased_until TIMESTAMP(6) NULL,
	sent_at TIMESTAMP(6) NULL,
	created_at TIMESTAMP(6) NOT NULL,
	updated_at TIMESTAMP(6) NOT NULL,
	PRIMARY KEY (id),
	INDEX idx_status_next_attempt (status, next_attempt_at, id),
	INDEX idx_correlation_id (correlation_id)
);`

const auditSchemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id BIGINT NOT NULL AUTO_INCREMENT,
	correlation_id VARCHAR(128) NOT NULL,
	actor_user_id VARCHAR(255) NOT NULL,
	space VARCHAR(255) NOT NULL,
	operation VARCHAR(32) NOT NULL,
	reason VARCHAR(32) NOT NULL,
	evidence_refs JSON NOT NULL,
	payload_digest VARCHAR(80) NOT NULL,
	created_at TIMESTAMP(6) NOT NULL,
	PRIMARY KEY (id),
	INDEX idx_correlation_id (correlation_id),
	INDEX idx_created_reason (created_at, reason)
);`

// Schema returns the DDL for the outbox and audit tables, separated by a blank line.
// The audit table is append-only; nothing in this package updates or deletes it.
func Schema(outboxTable, auditTable string) (string, error) {
	outbox, err := quoteTableName(outboxTable)
	if err != nil {
		return "", err
	}
	audit, err := quoteTableName(auditTable)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(outboxSchemaTemplate, outbox) + "\n\n" + fmt.Sprintf(auditSchemaTemplate, audit), nil
}

// DefaultSchema returns Schema for the default table names.
func DefaultSchema() string {
	schema, _ := Schema(defaultOutboxTable, defaultAuditTable)

	return schema
}
