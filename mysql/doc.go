// Package mysql provides the MySQL 8.0+ ledger and outbox store.
//
// Leasing uses:
//   - READ COMMITTED isolation (to avoid gap locks)
//   - SELECT ... FOR UPDATE SKIP LOCKED over due, unleased rows
//   - a fresh lease token per row, checked by every later transition
//
// Transitions lock the row, re-check status and token, and commit the state
// change together with its audit row. See Schema for the DDL. The DSN must
// set parseTime=true.
package mysql
