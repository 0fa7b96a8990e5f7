package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/uds3-core/internal/domain"
)

// Translate maps pgx driver errors onto the domain taxonomy; shared with the
// event store, which rides the same pool.
func Translate(err error) error { return translate(err) }

// translate maps pgx driver errors onto the domain taxonomy. Unique and
// exclusion violations are conflicts; schema and permission classes are
// permanent; connection-level failures are transient.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505", pgErr.Code == "23P01": // unique / exclusion
			return fmt.Errorf("%w: %v", domain.ErrConflict, err)
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization / deadlock
			return fmt.Errorf("%w: %v", domain.ErrTransient, err)
		case len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "42" || pgErr.Code[:2] == "28" || pgErr.Code[:2] == "23"):
			// syntax/undefined object, authorization, remaining integrity
			return fmt.Errorf("%w: %v", domain.ErrPermanent, err)
		case len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "53" || pgErr.Code[:2] == "57"):
			// connection exception, insufficient resources, operator intervention
			return fmt.Errorf("%w: %v", domain.ErrTransient, err)
		}
	}
	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrPermanent, err)
}
