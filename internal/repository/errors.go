package repository

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a keyed lookup matches nothing.
	ErrNotFound = errors.New("record not found")
	// ErrRunStatusConflict indicates that a run cannot transition to the requested state.
	ErrRunStatusConflict = errors.New("upload run status conflict")
	// ErrDuplicateKey indicates a natural-key uniqueness violation raised by storage.
	ErrDuplicateKey = errors.New("duplicate natural key")
)

const uniqueViolation = "23505"

// classifyWriteError maps Postgres constraint failures onto the package sentinels.
func classifyWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		detail := pgErr.Detail
		if detail == "" {
			detail = pgErr.Message
		}
		return fmt.Errorf("%s: %w: %s", op, ErrDuplicateKey, detail)
	}
	return fmt.Errorf("%s: %w", op, err)
}
