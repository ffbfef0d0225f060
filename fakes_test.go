package txmanager

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type callLog struct {
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

// with returns the calls starting with prefix, in order.
func (l *callLog) with(prefix string) []string {
	var out []string
	for _, c := range l.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

type fakeResource struct {
	name string
	log  *callLog

	acquired int
	released int
	conns    []*fakeConnection

	acquireErr   error
	isolationErr error
	commitErr    error
	rollbackErr  error
	restoreErr   error
}

func (r *fakeResource) Name() string { return r.name }

func (r *fakeResource) AcquireConnection(ctx context.Context) (Connection, error) {
	r.log.add("acquire:%s", r.name)
	if r.acquireErr != nil {
		return nil, r.acquireErr
	}
	r.acquired++
	conn := &fakeConnection{
		resource:   r,
		autoCommit: true,
		isolation:  sql.LevelReadCommitted,
	}
	r.conns = append(r.conns, conn)
	return conn, nil
}

func (r *fakeResource) ReleaseConnection(conn Connection) {
	r.log.add("release:%s", r.name)
	r.released++
	if fc, ok := conn.(*fakeConnection); ok {
		fc.released++
	}
}

type fakeConnection struct {
	resource *fakeResource

	autoCommit bool
	isolation  sql.IsolationLevel
	readOnly   bool
	timeout    int

	commits   int
	rollbacks int
	released  int
}

func (c *fakeConnection) SetAutoCommit(ctx context.Context, autoCommit bool) error {
	c.resource.log.add("autocommit:%s:%t", c.resource.name, autoCommit)
	if autoCommit && c.resource.restoreErr != nil {
		return c.resource.restoreErr
	}
	c.autoCommit = autoCommit
	return nil
}

func (c *fakeConnection) AutoCommit() bool { return c.autoCommit }

func (c *fakeConnection) SetIsolationLevel(ctx context.Context, level sql.IsolationLevel) (sql.IsolationLevel, error) {
	if c.resource.isolationErr != nil {
		return c.isolation, c.resource.isolationErr
	}
	previous := c.isolation
	c.isolation = level
	return previous, nil
}

func (c *fakeConnection) Commit(ctx context.Context) error {
	c.resource.log.add("commit:%s", c.resource.name)
	c.commits++
	return c.resource.commitErr
}

func (c *fakeConnection) Rollback(ctx context.Context) error {
	c.resource.log.add("rollback:%s", c.resource.name)
	c.rollbacks++
	return c.resource.rollbackErr
}

func (c *fakeConnection) Close() error { return nil }

func (c *fakeConnection) SetReadOnly(readOnly bool) error {
	c.readOnly = readOnly
	return nil
}

func (c *fakeConnection) ReadOnly() bool { return c.readOnly }

func (c *fakeConnection) SetTimeout(seconds int) { c.timeout = seconds }

func newFakeResources(n int) ([]*fakeResource, []ManagedResource, *callLog) {
	log := &callLog{}
	fakes := make([]*fakeResource, n)
	resources := make([]ManagedResource, n)
	for i := range fakes {
		fakes[i] = &fakeResource{name: fmt.Sprintf("r%d", i+1), log: log}
		resources[i] = fakes[i]
	}
	return fakes, resources, log
}

func newTestCoordinator(t *testing.T, resources []ManagedResource, opts ...Option) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(resources, opts...)
	require.NoError(t, err)
	return c
}

// beginNew starts a fresh transaction on a new execution context.
func beginNew(t *testing.T, c *Coordinator, def Definition) (context.Context, *TransactionContext) {
	t.Helper()
	ctx := WithRegistry(context.Background())
	tx, err := c.GetOrCreateContext(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Begin(ctx, tx, def))
	return ctx, tx
}
