package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gamedata-sync/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error codes the repository reacts to
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeCheckViolation      = "23514"
	codeSerialization       = "40001"
	codeDeadlock            = "40P01"
	codeQueryCanceled       = "57014"
	codeCannotConnectNow    = "57P03"
	codeTooManyConnections  = "53300"
)

// classify wraps err with op and marks retryable failures as transient
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return &domain.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerialization, codeDeadlock, codeQueryCanceled, codeCannotConnectNow, codeTooManyConnections:
			return true
		}
		// Class 08: connection exceptions
		return strings.HasPrefix(pgErr.Code, "08")
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// constraintError returns the PostgreSQL error when it carries code
func constraintError(err error, code string) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == code {
		return pgErr, true
	}
	return nil, false
}
