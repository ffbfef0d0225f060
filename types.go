package txmanager

import (
	"context"
	"database/sql"
)

// ManagedResource is a connection pooled backend that takes part in a
// coordinated transaction. Implementations are compared by identity, so
// they must be comparable (usually a pointer).
type ManagedResource interface {
	AcquireConnection(ctx context.Context) (Connection, error)
	ReleaseConnection(conn Connection)
}

// Connection is a resource specific handle that ends in commit or rollback.
type Connection interface {
	SetAutoCommit(ctx context.Context, autoCommit bool) error
	AutoCommit() bool
	// SetIsolationLevel applies level and returns the level that was in
	// effect before the call.
	SetIsolationLevel(ctx context.Context, level sql.IsolationLevel) (sql.IsolationLevel, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close() error
}

// ReadOnlyConnection is implemented by connections that accept the
// read-only hint of a Definition.
type ReadOnlyConnection interface {
	SetReadOnly(readOnly bool) error
	ReadOnly() bool
}

// TimeoutConnection is implemented by connections that accept an advisory
// transaction timeout.
type TimeoutConnection interface {
	SetTimeout(seconds int)
}

// TransactionManager runs callbacks inside coordinated transactions
type TransactionManager interface {
	Execute(ctx context.Context, def Definition, fn func(ctx context.Context) error) error
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Validator enables everything is properly
// configured
type Validator interface {
	Validate() error
	MustValidate()
}
