package sqlstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"pharmabill/backend/internal/store"
)

// classify maps driver errors onto the store sentinels. The driver error
// stays in the chain for logging.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %w", store.ErrConflict, err)
		case "23503":
			return fmt.Errorf("%w: %w", store.ErrNotFound, err)
		case "23514":
			return fmt.Errorf("%w: %w", store.ErrInvalidTransaction, err)
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %w", store.ErrTransient, err)
		}
		return err
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		switch code {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %w", store.ErrConflict, err)
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("%w: %w", store.ErrNotFound, err)
		case sqlite3.SQLITE_CONSTRAINT_CHECK:
			return fmt.Errorf("%w: %w", store.ErrInvalidTransaction, err)
		}
		switch code & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %w", store.ErrTransient, err)
		case sqlite3.SQLITE_CONSTRAINT:
			// Primary code only: extended result codes were not reported.
			msg := liteErr.Error()
			switch {
			case strings.Contains(msg, "UNIQUE"):
				return fmt.Errorf("%w: %w", store.ErrConflict, err)
			case strings.Contains(msg, "FOREIGN KEY"):
				return fmt.Errorf("%w: %w", store.ErrNotFound, err)
			default:
				return fmt.Errorf("%w: %w", store.ErrInvalidTransaction, err)
			}
		}
	}
	return err
}
