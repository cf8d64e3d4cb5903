package postgres

import "errors"

// ErrPoolRequired is returned when a nil pool is provided.
var ErrPoolRequired = errors.New("memgate postgres: pool is required")
