package sqlite

import "strings"

// isUniqueViolation matches modernc.org/sqlite's error text for a UNIQUE
// constraint failure; unlike pgx it does not expose a typed error code.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
