package mysql

import (
	"fmt"
	"strings"
)

// maxIdentifierLen is the MySQL limit for a database or table name.
const maxIdentifierLen = 64

// quoteTableName validates name (optionally schema-qualified) and returns it
// with each part backtick-quoted, ready to be spliced into SQL.
func quoteTableName(name string) (string, error) {
	if name == "" {
		return "", ErrTableNameRequired
	}
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
	}

	quoted := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" || len(part) > maxIdentifierLen {
			return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
		for _, r := range part {
			if r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				continue
			}

			return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
		quoted = append(quoted, "`"+part+"`")
	}

	return strings.Join(quoted, "."), nil
}
