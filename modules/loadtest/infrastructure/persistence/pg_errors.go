package persistence

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/loadtest"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// classifyInsertError maps constraint violations onto domain errors so
// callers can absorb duplicates and drop orphans.
func classifyInsertError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return loadtest.ErrDuplicateEvent.Wrap(err)
		case pgForeignKeyViolation:
			return loadtest.ErrTestNotFound.Wrap(err)
		}
	}
	return loadtest.ErrPersistence.Wrap(err)
}
