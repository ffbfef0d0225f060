package txmanager

import (
	"database/sql"
	stderrors "errors"
	"fmt"
	"reflect"

	"github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// ErrRecordNotFound is a sentinel error that enables errors.Is(err, ErrRecordNotFound) checks.
var ErrRecordNotFound = stderrors.New("txmanager: record not found")

func SQLExpectedCount(res sql.Result, expected int64) error {
	total, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, CategoryDatabase, "Failed to get rows affected count")
	}

	if total != expected {
		return errors.NewNonRetryable(
			fmt.Sprintf("Expected %d affected rows, got %d", expected, total),
			CategoryDatabaseExpectedCount,
		).WithCode(errors.CodeInternal).
			WithTextCode("SQL_EXPECTED_COUNT_VIOLATION").
			WithMetadata(map[string]any{
				"expected": expected,
				"actual":   total,
			})
	}
	return nil
}

func IsSQLExpectedCountViolation(err error) bool {
	return hasCategory(err, CategoryDatabaseExpectedCount)
}

func IsRecordNotFound(err error) bool {
	if err == nil {
		return false
	}

	if stderrors.Is(err, ErrRecordNotFound) || stderrors.Is(err, sql.ErrNoRows) {
		return true
	}

	return hasCategory(err, CategoryDatabaseNotFound)
}

// wrapNotFound turns a missing row into ErrRecordNotFound. The driver error
// stays in the chain.
func wrapNotFound(err error) error {
	if err == nil || !stderrors.Is(err, sql.ErrNoRows) {
		return err
	}
	return errors.Wrap(fmt.Errorf("%w: %w", ErrRecordNotFound, err), CategoryDatabaseNotFound, "Record not found").
		WithCode(errors.CodeNotFound).
		WithTextCode("RECORD_NOT_FOUND")
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// resourceName gives a log friendly name for a resource.
func resourceName(resource ManagedResource) string {
	if resource == nil {
		return "<nil>"
	}
	if named, ok := resource.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", resource)
}

func keyName(key any) string {
	if resource, ok := key.(ManagedResource); ok {
		return resourceName(resource)
	}
	if s, ok := key.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", key)
}

func isComparable(v any) bool {
	if v == nil {
		return false
	}
	return reflect.TypeOf(v).Comparable()
}
