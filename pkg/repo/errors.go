package repo

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/forestplot/censuscore/pkg/serrors"
)

var (
	ErrPoolExhausted = serrors.NewError("POOL_EXHAUSTED", "no database connection became available in time", "raise DB_MAX_CONNS or DB_ACQUIRE_WAIT")
	ErrUnknownTx     = serrors.NewError("TX_UNKNOWN_TOKEN", "unknown or already finalized transaction token", "")
	ErrInvalidIdent  = serrors.NewError("INVALID_IDENTIFIER", "identifier failed validation", "schema and table names must match [a-z_][a-z0-9_]*")
)

// Postgres SQLSTATE codes the ingestion pipeline cares about.
const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateLockNotAvailable     = "55P03"
	sqlstateUniqueViolation      = "23505"
)

// QueryError wraps a driver failure with its SQLSTATE so callers can decide
// on a retry policy without importing pgconn.
type QueryError struct {
	SQLState string
	Err      error
}

func (e *QueryError) Error() string {
	if e.SQLState == "" {
		return fmt.Sprintf("query failed: %v", e.Err)
	}
	return fmt.Sprintf("query failed (sqlstate %s): %v", e.SQLState, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// Classify wraps driver errors into *QueryError. nil stays nil; errors that
// already carry a classification pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &QueryError{SQLState: pgErr.Code, Err: err}
	}
	return &QueryError{Err: err}
}

// SQLState extracts the SQLSTATE from a classified or raw driver error.
func SQLState(err error) string {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.SQLState
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsRetryable reports whether the failure is transient write contention:
// deadlock, serialization failure, or lock-not-available. Only these are
// retried by the batch orchestrator; everything else propagates.
func IsRetryable(err error) bool {
	switch SQLState(err) {
	case sqlstateSerializationFailure, sqlstateDeadlockDetected, sqlstateLockNotAvailable:
		return true
	}
	return false
}

// IsDuplicateKey reports a unique-constraint violation.
func IsDuplicateKey(err error) bool {
	return SQLState(err) == sqlstateUniqueViolation
}
