package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	if hasPGCode(err, "23505") {
		return true
	}

	msg := err.Error()
	// PostgreSQL (23505)
	if strings.Contains(msg, "duplicate key value violates unique constraint") {
		return true
	}
	// MySQL (1062)
	if strings.Contains(msg, "Error 1062") {
		return true
	}
	// SQL Server (2627, 2601)
	if strings.Contains(msg, "Violation of PRIMARY KEY constraint") || strings.Contains(msg, "Cannot insert duplicate key") {
		return true
	}
	// SQLite (2067)
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsConstraintErr reports integrity violations: unique, foreign key, not
// null and check constraints on any supported engine.
func IsConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	if IsDuplicateKeyErr(err) || errors.Is(err, gorm.ErrForeignKeyViolated) || errors.Is(err, gorm.ErrCheckConstraintViolated) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 23: integrity_constraint_violation
		return strings.HasPrefix(pgErr.Code, "23")
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"constraint failed",
		"violates foreign key constraint",
		"violates not-null constraint",
		"violates check constraint",
		"error 1451",
		"error 1452",
		"error 1048",
		"conflicted with the foreign key constraint",
		"cannot insert the value null",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsTransient reports connectivity and timeout failures that are worth
// retrying on the next poll cycle. Data errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if IsConstraintErr(err) {
		return false
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08: connection_exception, 40001: serialization_failure,
		// 40P01: deadlock_detected, 55P03: lock_not_available,
		// 57P01: admin_shutdown
		switch {
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == "40001",
			pgErr.Code == "40P01",
			pgErr.Code == "55P03",
			pgErr.Code == "57P01":
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"bad connection",
		"database is locked",
		"server closed the connection",
		"deadlock",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
