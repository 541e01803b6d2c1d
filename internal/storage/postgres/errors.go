package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// postgres unique_violation: https://www.postgresql.org/docs/current/errcodes-appendix.html
const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}
