package utils

import (
	"context"
	"errors"
	"fmt"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	ErrorRecordNotFound = errors.New("record not found")
	// ErrorConflict is transient: the identical call may be retried.
	ErrorConflict     = errors.New("write conflict")
	ErrorInvariant    = errors.New("allocation invariant violated")
	ErrorInvalidInput = errors.New("invalid input")
	ErrorInternal     = errors.New("internal error")
)

const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
	mysqlErrDuplicateKey    = 1062
)

// ClassifyDBError maps store errors onto the error taxonomy, keeping the original in the chain.
func ClassifyDBError(err error) error {
	if err == nil {
		return nil
	}
	if IsClassified(err) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", ErrorRecordNotFound, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrorConflict, err)
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrLockWaitTimeout, mysqlErrDeadlock:
			return fmt.Errorf("%w: %w", ErrorConflict, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrorInternal, err)
}

func IsClassified(err error) bool {
	return errors.Is(err, ErrorRecordNotFound) ||
		errors.Is(err, ErrorConflict) ||
		errors.Is(err, ErrorInvariant) ||
		errors.Is(err, ErrorInvalidInput) ||
		errors.Is(err, ErrorInternal)
}

func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlErrDuplicateKey
	}
	return false
}
