package errors

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MapDBError maps database errors onto the application taxonomy:
//   - pgx.ErrNoRows -> NotFound
//   - serialization/deadlock/connection failures -> Transient (retried)
//   - constraint violations -> Integrity (run fails, alerted, not retried)
//   - context deadline/cancel -> Timeout/Canceled
//
// Unrecognised errors pass through unchanged, which the retry policy treats
// as transient.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &AppError{Code: ErrCodeTimeout, Message: "database operation timed out", Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &AppError{Code: ErrCodeCanceled, Message: "database operation canceled", Cause: err}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &AppError{Code: ErrCodeNotFound, Message: "row not found", Cause: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}

	return err
}

func mapPgError(pgErr *pgconn.PgError) error {
	switch pgErr.Code {
	case pgerrcode.SerializationFailure,
		pgerrcode.DeadlockDetected,
		pgerrcode.LockNotAvailable:
		return &AppError{
			Code:    ErrCodeTransient,
			Message: "database contention, safe to retry",
			Cause:   pgErr,
		}
	case pgerrcode.UniqueViolation,
		pgerrcode.ForeignKeyViolation,
		pgerrcode.CheckViolation,
		pgerrcode.NotNullViolation:
		return &AppError{
			Code:    ErrCodeIntegrity,
			Message: "data integrity violation: " + pgErr.ConstraintName,
			Cause:   pgErr,
		}
	case pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown,
		pgerrcode.CannotConnectNow,
		pgerrcode.ConnectionException,
		pgerrcode.ConnectionFailure,
		pgerrcode.TooManyConnections:
		return &AppError{
			Code:    ErrCodeTransient,
			Message: "database unavailable",
			Cause:   pgErr,
		}
	default:
		return &AppError{
			Code:    ErrCodeInternal,
			Message: "database error",
			Cause:   pgErr,
		}
	}
}

// IsUniqueViolation reports a unique-constraint conflict, used by idempotent
// inserts that treat duplicates as no-ops.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
