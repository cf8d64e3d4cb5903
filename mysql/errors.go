package mysql

import "errors"

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("memgate mysql: db is required")
	// ErrExecutorRequired is returned when enqueue is called with a nil executor.
	ErrExecutorRequired = errors.New("memgate mysql: executor is required")
	// ErrTableNameRequired is returned when a table name is empty.
	ErrTableNameRequired = errors.New("memgate mysql: table name is required")
	// ErrInvalidTableName is returned when a table name has disallowed characters.
	ErrInvalidTableName = errors.New("memgate mysql: invalid table name")
)
