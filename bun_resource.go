package txmanager

import (
	"context"
	"database/sql"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"go.uber.org/zap"
)

// BunResource is a ManagedResource backed by a bun.DB connection pool.
type BunResource struct {
	name   string
	db     *bun.DB
	driver string
	logger *zap.Logger

	hookErrorHandler QueryHookErrorHandler
	queryHooks       []bun.QueryHook
}

var _ ManagedResource = (*BunResource)(nil)

func NewBunResource(name string, db *bun.DB, opts ...ResourceOption) *BunResource {
	r := &BunResource{
		name:             name,
		db:               db,
		driver:           driverForDialect(db),
		logger:           zap.NewNop(),
		hookErrorHandler: PanicQueryHookErrorHandler,
	}
	for _, opt := range opts {
		opt(r)
	}
	registerQueryHooks(r, r.queryHooks...)
	return r
}

func (r *BunResource) Name() string { return r.name }

// DB returns the pool for work outside a coordinated transaction.
func (r *BunResource) DB() *bun.DB { return r.db }

func (r *BunResource) Driver() string { return r.driver }

// AcquireConnection takes a dedicated connection from the pool.
func (r *BunResource) AcquireConnection(ctx context.Context) (Connection, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, MapDatabaseError(err, r.driver)
	}
	return &BunConnection{
		conn:       conn,
		driver:     r.driver,
		autoCommit: true,
	}, nil
}

// ReleaseConnection returns conn to the pool. An unfinished transaction on
// conn is rolled back first.
func (r *BunResource) ReleaseConnection(conn Connection) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		r.logger.Warn("Could not release connection",
			zap.String("resource", r.name),
			zap.Error(err),
		)
	}
}

func driverForDialect(db *bun.DB) string {
	if db == nil {
		return ""
	}
	switch db.Dialect().Name() {
	case dialect.PG:
		return "postgres"
	case dialect.SQLite:
		return "sqlite3"
	case dialect.MSSQL:
		return "mssql"
	case dialect.MySQL:
		return "mysql"
	default:
		return ""
	}
}

// BunConnection models auto-commit on top of a bun.Conn. In manual mode a
// bun.Tx is opened lazily, on the first IDB call, with the recorded
// isolation level and read-only flag.
type BunConnection struct {
	conn   bun.Conn
	driver string

	autoCommit bool
	isolation  sql.IsolationLevel
	readOnly   bool
	timeout    time.Duration

	tx     bun.Tx
	inTx   bool
	closed bool
}

var (
	_ Connection         = (*BunConnection)(nil)
	_ ReadOnlyConnection = (*BunConnection)(nil)
	_ TimeoutConnection  = (*BunConnection)(nil)
)

func (c *BunConnection) AutoCommit() bool { return c.autoCommit }

// SetAutoCommit(false) starts a transaction. SetAutoCommit(true) rolls back
// any work that was not committed explicitly.
func (c *BunConnection) SetAutoCommit(ctx context.Context, autoCommit bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if autoCommit == c.autoCommit {
		return nil
	}
	if autoCommit {
		if err := c.endTx(false); err != nil {
			return err
		}
		c.autoCommit = true
		return nil
	}
	c.autoCommit = false
	return c.beginTx(ctx)
}

// SetIsolationLevel records level for the next transaction opened on the
// connection.
func (c *BunConnection) SetIsolationLevel(ctx context.Context, level sql.IsolationLevel) (sql.IsolationLevel, error) {
	if err := c.checkOpen(); err != nil {
		return c.isolation, err
	}
	previous := c.isolation
	c.isolation = level
	return previous, nil
}

func (c *BunConnection) IsolationLevel() sql.IsolationLevel { return c.isolation }

func (c *BunConnection) SetReadOnly(readOnly bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.readOnly = readOnly
	return nil
}

func (c *BunConnection) ReadOnly() bool { return c.readOnly }

func (c *BunConnection) SetTimeout(seconds int) {
	c.timeout = time.Duration(seconds) * time.Second
}

// Timeout is the advisory timeout pushed by the coordinator, zero if none.
func (c *BunConnection) Timeout() time.Duration { return c.timeout }

func (c *BunConnection) Commit(ctx context.Context) error {
	if err := c.checkManual("commit"); err != nil {
		return err
	}
	return c.endTx(true)
}

func (c *BunConnection) Rollback(ctx context.Context) error {
	if err := c.checkManual("rollback"); err != nil {
		return err
	}
	return c.endTx(false)
}

func (c *BunConnection) Close() error {
	if c.closed {
		return nil
	}
	rbErr := c.endTx(false)
	c.closed = true
	if err := c.conn.Close(); err != nil {
		return MapDatabaseError(err, c.driver)
	}
	return rbErr
}

// IDB returns the handle queries must run on: the open transaction in
// manual mode, the plain connection otherwise.
func (c *BunConnection) IDB(ctx context.Context) (bun.IDB, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if c.autoCommit {
		return c.conn, nil
	}
	if !c.inTx {
		if err := c.beginTx(ctx); err != nil {
			return nil, err
		}
	}
	return c.tx, nil
}

// InTransaction reports whether a bun.Tx is currently open.
func (c *BunConnection) InTransaction() bool { return c.inTx }

func (c *BunConnection) beginTx(ctx context.Context) error {
	if c.inTx {
		return nil
	}
	tx, err := c.conn.BeginTx(ctx, &sql.TxOptions{
		Isolation: c.isolation,
		ReadOnly:  c.readOnly,
	})
	if err != nil {
		return MapDatabaseError(err, c.driver)
	}
	c.tx = tx
	c.inTx = true
	return nil
}

func (c *BunConnection) endTx(commit bool) error {
	if !c.inTx {
		return nil
	}
	tx := c.tx
	c.tx = bun.Tx{}
	c.inTx = false

	var err error
	if commit {
		err = tx.Commit()
	} else {
		err = tx.Rollback()
	}
	if err != nil {
		return MapDatabaseError(err, c.driver)
	}
	return nil
}

func (c *BunConnection) checkOpen() error {
	if c.closed {
		return errors.New("Connection already released", CategoryDatabaseConnection).
			WithTextCode("CONNECTION_RELEASED")
	}
	return nil
}

func (c *BunConnection) checkManual(op string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.autoCommit {
		return errors.New("Cannot "+op+" while auto-commit is enabled", CategoryTransactionState).
			WithCode(errors.CodeConflict).
			WithTextCode("ILLEGAL_TRANSACTION_STATE")
	}
	return nil
}
