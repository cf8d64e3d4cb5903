// Package postgres provides the PostgreSQL ledger and outbox store on pgx.
//
// Leasing is a single statement: an UPDATE over the ids picked by
// SELECT ... FOR UPDATE SKIP LOCKED, RETURNING the leased rows. Transitions
// lock the row, compare status and lease token, and commit the change with its
// audit row. The schema ships as embedded golang-migrate migrations; see Migrate.
package postgres
