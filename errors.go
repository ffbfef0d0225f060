package txmanager

import (
	"database/sql"
	stderrors "errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/goliatone/go-errors"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

const (
	CategoryDatabase              = errors.Category("database")
	CategoryDatabaseNotFound      = errors.Category("database_not_found")
	CategoryDatabaseConstraint    = errors.Category("database_constraint")
	CategoryDatabaseDuplicate     = errors.Category("database_duplicate")
	CategoryDatabaseConnection    = errors.Category("database_connection")
	CategoryDatabasePermission    = errors.Category("database_permission")
	CategoryDatabaseSyntax        = errors.Category("database_syntax")
	CategoryDatabaseExpectedCount = errors.Category("database_expected_count")

	CategoryTransaction         = errors.Category("transaction")
	CategoryTransactionCreate   = errors.Category("transaction_create")
	CategoryTransactionCommit   = errors.Category("transaction_commit")
	CategoryTransactionRollback = errors.Category("transaction_rollback")
	CategoryTransactionProtocol = errors.Category("transaction_protocol")
	CategoryTransactionState    = errors.Category("transaction_state")
)

var (
	// ErrBindingConflict is the source of errors raised when a registry key is already bound.
	ErrBindingConflict = stderrors.New("txmanager: resource already bound")
	// ErrNoBinding is the source of errors raised when a registry key is not bound.
	ErrNoBinding = stderrors.New("txmanager: resource not bound")
	// ErrNoRegistry is the source of errors raised when the context carries no registry.
	ErrNoRegistry = stderrors.New("txmanager: no resource registry in context")
)

// wrapTransactionError keeps the given category even when cause is
// already an *errors.Error, which errors.Wrap would clone instead.
func wrapTransactionError(cause error, category errors.Category, textCode, message string) *errors.Error {
	err := errors.New(message, category).
		WithCode(errors.CodeInternal).
		WithTextCode(textCode)
	err.Source = cause
	return err
}

func newCannotCreateTransaction(cause error) error {
	return wrapTransactionError(cause, CategoryTransactionCreate,
		"CANNOT_CREATE_TRANSACTION", "Could not open connections for transaction")
}

func newCommitFailed(cause error, index int, resource ManagedResource) error {
	return wrapTransactionError(cause, CategoryTransactionCommit,
		"COMMIT_FAILED", "Could not commit transaction").
		WithMetadata(map[string]any{
			"index":    index,
			"resource": resourceName(resource),
		})
}

func newRollbackFailed(cause error, failures int) error {
	return wrapTransactionError(cause, CategoryTransactionRollback,
		"ROLLBACK_FAILED", "Could not roll back transaction").
		WithMetadata(map[string]any{
			"failures": failures,
		})
}

func newProtocolError(sentinel error, message string, key any) error {
	err := wrapTransactionError(sentinel, CategoryTransactionProtocol, "TRANSACTION_PROTOCOL", message)
	if key != nil {
		err = err.WithMetadata(map[string]any{"key": keyName(key)})
	}
	return err
}

func newIllegalTransactionState(message string) error {
	return errors.New(message, CategoryTransactionState).
		WithCode(errors.CodeConflict).
		WithTextCode("ILLEGAL_TRANSACTION_STATE")
}

func newUnexpectedRollback() error {
	return errors.New("Transaction rolled back because it has been marked as rollback-only", CategoryTransactionState).
		WithCode(errors.CodeConflict).
		WithTextCode("UNEXPECTED_ROLLBACK")
}

func IsCannotCreateTransaction(err error) bool {
	return hasCategory(err, CategoryTransactionCreate)
}

func IsCommitFailed(err error) bool {
	return hasCategory(err, CategoryTransactionCommit)
}

func IsRollbackFailed(err error) bool {
	return hasCategory(err, CategoryTransactionRollback)
}

// IsProtocolViolation reports bind/unbind calls made out of sequence.
func IsProtocolViolation(err error) bool {
	return hasCategory(err, CategoryTransactionProtocol)
}

func IsIllegalTransactionState(err error) bool {
	return hasTextCode(err, "ILLEGAL_TRANSACTION_STATE")
}

func IsUnexpectedRollback(err error) bool {
	return hasTextCode(err, "UNEXPECTED_ROLLBACK")
}

// outermostError returns the first *errors.Error in the chain. A
// RetryableError counts as its embedded error, which errors.As skips.
func outermostError(err error) *errors.Error {
	for err != nil {
		switch e := err.(type) {
		case *errors.Error:
			return e
		case *errors.RetryableError:
			if e.BaseError != nil {
				return e.BaseError
			}
		}
		err = stderrors.Unwrap(err)
	}
	return nil
}

func hasCategory(err error, category errors.Category) bool {
	e := outermostError(err)
	return e != nil && e.Category == category
}

func hasTextCode(err error, code string) bool {
	e := outermostError(err)
	return e != nil && e.TextCode == code
}

// DatabaseErrorMapper maps database specific errors to standardized errors
type DatabaseErrorMapper func(error) error

func GetDatabaseErrorMappers(driver string) []DatabaseErrorMapper {
	switch driver {
	case "postgres", "pgx", "pg":
		return []DatabaseErrorMapper{MapPostgresErrors, MapCommonDatabaseErrors}
	case "sqlite3", "sqlite":
		return []DatabaseErrorMapper{MapSQLiteErrors, MapCommonDatabaseErrors}
	case "sqlserver", "mssql":
		return []DatabaseErrorMapper{MapMSSQLErrors, MapCommonDatabaseErrors}
	default:
		return []DatabaseErrorMapper{MapCommonDatabaseErrors}
	}
}

// MapDatabaseError converts a driver error into a categorized error. The
// original error stays reachable for errors.Is only on the fallback path.
func MapDatabaseError(err error, driver string) error {
	if err == nil {
		return nil
	}

	for _, mapper := range GetDatabaseErrorMappers(driver) {
		if mappedErr := mapper(err); mappedErr != nil {
			return mappedErr
		}
	}

	return errors.WrapRetryable(err, CategoryDatabase, "Database operation failed").
		WithCode(errors.CodeInternal).
		WithTextCode("DATABASE_ERROR")
}

func MapPostgresErrors(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return nil
	}

	switch pqErr.Code {
	case "23505":
		return errors.NewNonRetryable("Duplicate key value violates unique constraint", CategoryDatabaseDuplicate).
			WithCode(errors.CodeConflict).
			WithTextCode("DUPLICATE_KEY").
			WithMetadata(map[string]any{
				"constraint": pqErr.Constraint,
				"detail":     pqErr.Detail,
			})

	case "23503":
		return errors.NewNonRetryable("Foreign key constraint violation", CategoryDatabaseConstraint).
			WithCode(errors.CodeBadRequest).
			WithTextCode("FOREIGN_KEY_VIOLATION").
			WithMetadata(map[string]any{
				"constraint": pqErr.Constraint,
			})

	case "23502", "23514":
		return errors.NewNonRetryable("Constraint violation", CategoryDatabaseConstraint).
			WithCode(errors.CodeBadRequest).
			WithTextCode("CONSTRAINT_VIOLATION")

	case "25P02": // in_failed_sql_transaction
		return errors.NewNonRetryable("Current transaction is aborted", CategoryTransaction).
			WithCode(errors.CodeConflict).
			WithTextCode("TRANSACTION_ABORTED")

	case "40001":
		return errors.NewRetryableOperation("Serialization failure, retry transaction", 1000).
			WithCode(errors.CodeConflict).
			WithTextCode("SERIALIZATION_FAILURE")

	case "40P01":
		return errors.NewRetryableOperation("Deadlock detected", 500).
			WithCode(errors.CodeConflict).
			WithTextCode("DEADLOCK_DETECTED")

	case "08000", "08003", "08006":
		return errors.NewRetryableExternal("Database connection error").
			WithTextCode("CONNECTION_ERROR")

	case "42501":
		return errors.NewNonRetryable("Insufficient privilege", CategoryDatabasePermission).
			WithCode(errors.CodeForbidden).
			WithTextCode("INSUFFICIENT_PRIVILEGE")

	case "42601":
		return errors.NewNonRetryable("SQL syntax error", CategoryDatabaseSyntax).
			WithCode(errors.CodeBadRequest).
			WithTextCode("SYNTAX_ERROR")
	}

	return nil
}

func MapCommonDatabaseErrors(err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return errors.NewNonRetryable("Record not found", CategoryDatabaseNotFound).
			WithCode(errors.CodeNotFound).
			WithTextCode("RECORD_NOT_FOUND")
	case errors.Is(err, sql.ErrTxDone):
		return errors.NewNonRetryable("Transaction has already been committed or rolled back", CategoryTransaction).
			WithCode(errors.CodeBadRequest).
			WithTextCode("TRANSACTION_DONE")
	case errors.Is(err, sql.ErrConnDone):
		return errors.NewRetryableExternal("Database connection is closed").
			WithTextCode("CONNECTION_CLOSED")
	case strings.Contains(err.Error(), "connection refused"):
		return errors.NewRetryableExternal("Database connection refused").
			WithTextCode("CONNECTION_REFUSED")
	case strings.Contains(err.Error(), "timeout"):
		return errors.NewRetryableOperation("Database operation timeout", 2000).
			WithCode(errors.CodeRequestTimeout).
			WithTextCode("DATABASE_TIMEOUT")
	}
	return nil
}

func MapSQLiteErrors(err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return nil
	}

	switch sqliteErr.Code {
	case sqlite3.ErrConstraint:
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			strings.Contains(sqliteErr.Error(), "UNIQUE") {
			return errors.NewNonRetryable("Duplicate key value violates unique constraint", CategoryDatabaseDuplicate).
				WithCode(errors.CodeConflict).
				WithTextCode("DUPLICATE_KEY")
		}
		return errors.NewNonRetryable("Constraint violation", CategoryDatabaseConstraint).
			WithCode(errors.CodeBadRequest).
			WithTextCode("CONSTRAINT_VIOLATION")

	case sqlite3.ErrBusy:
		return errors.NewRetryableOperation("Database is locked", 100).
			WithCode(errors.CodeConflict).
			WithTextCode("DATABASE_LOCKED")

	case sqlite3.ErrLocked:
		return errors.NewRetryableOperation("Database table is locked", 100).
			WithCode(errors.CodeConflict).
			WithTextCode("TABLE_LOCKED")
	}

	return nil
}

var mssqlPatterns = []struct {
	pattern *regexp.Regexp
	build   func() error
}{
	{regexp.MustCompile(`(?i)duplicate key|unique.*constraint`), func() error {
		return errors.NewNonRetryable("Duplicate key violation", CategoryDatabaseDuplicate).
			WithCode(http.StatusConflict).
			WithTextCode("DUPLICATE_KEY")
	}},
	{regexp.MustCompile(`(?i)deadlock|was deadlocked`), func() error {
		return errors.NewRetryableOperation("Deadlock detected", 500).
			WithCode(http.StatusConflict).
			WithTextCode("DEADLOCK_DETECTED")
	}},
	{regexp.MustCompile(`(?i)permission denied|access denied`), func() error {
		return errors.NewNonRetryable("Permission denied", CategoryDatabasePermission).
			WithCode(http.StatusForbidden).
			WithTextCode("PERMISSION_DENIED")
	}},
}

func MapMSSQLErrors(err error) error {
	msg := err.Error()
	for _, p := range mssqlPatterns {
		if p.pattern.MatchString(msg) {
			return p.build()
		}
	}
	return nil
}

func IsDuplicatedKey(err error) bool {
	return hasCategory(err, CategoryDatabaseDuplicate)
}

func IsConnectionError(err error) bool {
	var retryableErr *errors.RetryableError
	if errors.As(err, &retryableErr) && retryableErr.BaseError != nil {
		return retryableErr.BaseError.Category == errors.CategoryExternal ||
			retryableErr.BaseError.Category == CategoryDatabaseConnection
	}
	return hasCategory(err, CategoryDatabaseConnection)
}

func IsRetryableDatabase(err error) bool {
	return errors.IsRetryableError(err)
}
