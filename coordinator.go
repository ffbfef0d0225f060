package txmanager

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goliatone/go-errors"
	"go.uber.org/zap"
)

// Coordinator drives begin, commit, rollback, suspend, resume and cleanup
// over a fixed, ordered set of resources so that they behave as one
// logical transaction. Commit is sequential and not atomic across
// resources: when a commit fails, resources committed before it stay
// committed.
type Coordinator struct {
	name      string
	resources []ManagedResource
	key       *aggregateKey
	logger    *zap.Logger
}

// aggregateKey binds the whole holder list for one coordinator.
type aggregateKey struct {
	coordinator *Coordinator
}

func (k *aggregateKey) String() string {
	return "coordinator:" + k.coordinator.name
}

// SuspendedResources is the opaque token returned by Suspend.
type SuspendedResources struct {
	holders []*ConnectionHolder
}

func (s SuspendedResources) Len() int { return len(s.holders) }

func NewCoordinator(resources []ManagedResource, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		name:      "default",
		resources: append([]ManagedResource(nil), resources...),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.key = &aggregateKey{coordinator: c}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func MustNewCoordinator(resources []ManagedResource, opts ...Option) *Coordinator {
	c, err := NewCoordinator(resources, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Coordinator) Validate() error {
	var fieldErrors []errors.FieldError
	if len(c.resources) == 0 {
		fieldErrors = append(fieldErrors, errors.FieldError{
			Field:   "resources",
			Message: "at least one resource is required",
		})
	}

	seen := make(map[any]int, len(c.resources))
	for i, resource := range c.resources {
		field := fmt.Sprintf("resources[%d]", i)
		switch {
		case resource == nil:
			fieldErrors = append(fieldErrors, errors.FieldError{Field: field, Message: "resource is nil"})
		case !isComparable(resource):
			fieldErrors = append(fieldErrors, errors.FieldError{
				Field:   field,
				Message: fmt.Sprintf("resource type %T is not comparable", resource),
			})
		default:
			if j, dup := seen[resource]; dup {
				fieldErrors = append(fieldErrors, errors.FieldError{
					Field:   field,
					Message: fmt.Sprintf("duplicate of resources[%d]", j),
				})
				continue
			}
			seen[resource] = i
		}
	}

	if len(fieldErrors) > 0 {
		return errors.NewValidation("Invalid transaction coordinator configuration", fieldErrors...)
	}
	return nil
}

func (c *Coordinator) MustValidate() {
	if err := c.Validate(); err != nil {
		panic(err)
	}
}

func (c *Coordinator) Name() string { return c.name }

// Resources returns the configured resources in order.
func (c *Coordinator) Resources() []ManagedResource {
	return append([]ManagedResource(nil), c.resources...)
}

// GetOrCreateContext wraps the holder list bound to ctx, or starts an empty
// context when nothing is bound.
func (c *Coordinator) GetOrCreateContext(ctx context.Context) (*TransactionContext, error) {
	reg, err := registryFor(ctx)
	if err != nil {
		return nil, err
	}
	if value, ok := reg.Lookup(c.key); ok {
		holders, _ := value.([]*ConnectionHolder)
		return newTransactionContext(holders, false), nil
	}
	return newTransactionContext(nil, false), nil
}

// IsExistingTransaction reports whether a holder list is bound to ctx and
// its first holder is active.
func (c *Coordinator) IsExistingTransaction(ctx context.Context) bool {
	reg := RegistryFromContext(ctx)
	if reg == nil {
		return false
	}
	value, ok := reg.Lookup(c.key)
	if !ok {
		return false
	}
	holders, _ := value.([]*ConnectionHolder)
	return len(holders) > 0 && holders[0].active
}

func (c *Coordinator) Begin(ctx context.Context, tx *TransactionContext, def Definition) error {
	reg, err := registryFor(ctx)
	if err != nil {
		return err
	}

	fresh := false
	if tx.needsReset() {
		holders := make([]*ConnectionHolder, 0, len(c.resources))
		for i, resource := range c.resources {
			conn, err := resource.AcquireConnection(ctx)
			if err != nil {
				c.releaseHolders(holders)
				return newCannotCreateTransaction(err)
			}
			c.logger.Debug("Acquired connection for transaction",
				zap.String("coordinator", c.name),
				zap.String("resource", resourceName(resource)),
				zap.Int("index", i),
			)
			holders = append(holders, newConnectionHolder(conn, resource))
		}
		tx.setHolders(holders, true)
		fresh = true
	}

	tx.startAttempt()
	if !fresh {
		for _, h := range tx.holders {
			h.synchronized = true
		}
	}

	for i, h := range tx.holders {
		if err := c.prepareHolder(ctx, h, &tx.restores[i], def); err != nil {
			c.abortBegin(ctx, tx, fresh)
			return newCannotCreateTransaction(err)
		}
	}

	if tx.newHolders {
		entries := make([]binding, 0, len(tx.holders)+1)
		entries = append(entries, binding{key: c.key, value: tx.holders})
		for _, h := range tx.holders {
			entries = append(entries, binding{key: h.resource, value: h})
		}
		if err := reg.bindAll(entries); err != nil {
			c.abortBegin(ctx, tx, fresh)
			return err
		}
	}
	return nil
}

// prepareHolder configures one connection for the attempt and records in r
// what cleanup has to undo.
func (c *Coordinator) prepareHolder(ctx context.Context, h *ConnectionHolder, r *connectionRestore, def Definition) error {
	conn := h.conn

	if def.ReadOnly {
		if ro, ok := conn.(ReadOnlyConnection); ok && !ro.ReadOnly() {
			if err := ro.SetReadOnly(true); err != nil {
				c.logger.Debug("Could not set connection read-only",
					zap.String("resource", resourceName(h.resource)),
					zap.Error(err),
				)
			} else {
				r.mustResetReadOnly = true
			}
		}
	}

	if def.Isolation != sql.LevelDefault {
		previous, err := conn.SetIsolationLevel(ctx, def.Isolation)
		if err != nil {
			return err
		}
		if previous != def.Isolation && r.previousIsolation == nil {
			r.previousIsolation = &previous
		}
	}

	if conn.AutoCommit() {
		r.mustRestoreAutoCommit = true
		c.logger.Debug("Switching connection to manual commit",
			zap.String("resource", resourceName(h.resource)),
		)
		if err := conn.SetAutoCommit(ctx, false); err != nil {
			return err
		}
	}

	h.active = true
	if secs, ok := def.timeoutSeconds(); ok {
		h.setTimeout(secs)
	}
	return nil
}

// abortBegin undoes a partially prepared begin. Connections acquired by
// the failed call are released in acquisition order.
func (c *Coordinator) abortBegin(ctx context.Context, tx *TransactionContext, fresh bool) {
	for i, h := range tx.holders {
		c.resetConnection(ctx, h, tx.restores[i])
	}
	tx.finishAttempt()
	if fresh {
		c.releaseHolders(tx.holders)
		tx.setHolders(nil, false)
	}
}

func (c *Coordinator) releaseHolders(holders []*ConnectionHolder) {
	for _, h := range holders {
		c.logger.Debug("Releasing connection",
			zap.String("resource", resourceName(h.resource)),
		)
		h.resource.ReleaseConnection(h.conn)
	}
}

// Commit commits each connection in resource order and stops at the first
// failure. Earlier commits are not undone.
func (c *Coordinator) Commit(ctx context.Context, tx *TransactionContext) error {
	for i, h := range tx.holders {
		c.logger.Debug("Committing transaction on connection",
			zap.String("resource", resourceName(h.resource)),
			zap.Int("index", i),
		)
		if err := h.conn.Commit(ctx); err != nil {
			return newCommitFailed(err, i, h.resource)
		}
	}
	return nil
}

// Rollback rolls back every connection, even after a failure, and reports
// the first failure.
func (c *Coordinator) Rollback(ctx context.Context, tx *TransactionContext) error {
	var first error
	failures := 0
	for i, h := range tx.holders {
		c.logger.Debug("Rolling back transaction on connection",
			zap.String("resource", resourceName(h.resource)),
			zap.Int("index", i),
		)
		if err := h.conn.Rollback(ctx); err != nil {
			failures++
			if first == nil {
				first = err
				continue
			}
			c.logger.Warn("Additional rollback failure",
				zap.String("resource", resourceName(h.resource)),
				zap.Int("index", i),
				zap.Error(err),
			)
		}
	}
	if first != nil {
		return newRollbackFailed(first, failures)
	}
	return nil
}

func (c *Coordinator) SetRollbackOnly(tx *TransactionContext) {
	tx.setRollbackOnly()
}

func (c *Coordinator) IsRollbackOnly(tx *TransactionContext) bool {
	return tx.isRollbackOnly()
}

// Suspend removes the aggregate binding and every per resource binding
// from ctx. Holders and connections are left as they are.
func (c *Coordinator) Suspend(ctx context.Context) (SuspendedResources, error) {
	reg, err := registryFor(ctx)
	if err != nil {
		return SuspendedResources{}, err
	}
	value, ok := reg.Lookup(c.key)
	if !ok {
		return SuspendedResources{}, newProtocolError(ErrNoBinding, "No transaction bound to suspend", c.key)
	}
	holders, _ := value.([]*ConnectionHolder)
	if _, err := reg.unbindAll(c.bindingKeys(holders)...); err != nil {
		return SuspendedResources{}, err
	}
	c.logger.Debug("Suspended transaction", zap.String("coordinator", c.name))
	return SuspendedResources{holders: holders}, nil
}

// Resume restores bindings removed by Suspend. Suspend and Resume must be
// strictly nested on the same call chain.
func (c *Coordinator) Resume(ctx context.Context, suspended SuspendedResources) error {
	reg, err := registryFor(ctx)
	if err != nil {
		return err
	}
	entries := make([]binding, 0, len(suspended.holders)+1)
	entries = append(entries, binding{key: c.key, value: suspended.holders})
	for _, h := range suspended.holders {
		entries = append(entries, binding{key: h.resource, value: h})
	}
	if err := reg.bindAll(entries); err != nil {
		return err
	}
	c.logger.Debug("Resumed transaction", zap.String("coordinator", c.name))
	return nil
}

// Cleanup unbinds and releases what this attempt acquired and undoes the
// connection settings it changed. Holders reused from an enclosing attempt
// get their prior flags back. Failures are logged and never returned.
func (c *Coordinator) Cleanup(ctx context.Context, tx *TransactionContext) {
	if tx.newHolders {
		reg := RegistryFromContext(ctx)
		if reg == nil {
			c.logger.Error("Cannot unbind transaction resources", zap.Error(ErrNoRegistry))
		} else if _, err := reg.unbindAll(c.bindingKeys(tx.holders)...); err != nil {
			c.logger.Error("Cannot unbind transaction resources",
				zap.String("coordinator", c.name),
				zap.Error(err),
			)
		}
	}

	for i, h := range tx.holders {
		if i < len(tx.restores) {
			c.resetConnection(ctx, h, tx.restores[i])
		}
		if tx.newHolders {
			c.logger.Debug("Releasing connection after transaction",
				zap.String("resource", resourceName(h.resource)),
			)
			h.resource.ReleaseConnection(h.conn)
		}
	}
	tx.finishAttempt()
}

func (c *Coordinator) resetConnection(ctx context.Context, h *ConnectionHolder, r connectionRestore) {
	conn := h.conn
	if r.mustRestoreAutoCommit {
		if err := conn.SetAutoCommit(ctx, true); err != nil {
			c.logger.Warn("Could not restore auto-commit after transaction",
				zap.String("resource", resourceName(h.resource)),
				zap.Error(err),
			)
		}
	}
	if r.previousIsolation != nil {
		if _, err := conn.SetIsolationLevel(ctx, *r.previousIsolation); err != nil {
			c.logger.Warn("Could not reset isolation level after transaction",
				zap.String("resource", resourceName(h.resource)),
				zap.Error(err),
			)
		}
	}
	if r.mustResetReadOnly {
		if ro, ok := conn.(ReadOnlyConnection); ok {
			if err := ro.SetReadOnly(false); err != nil {
				c.logger.Warn("Could not reset read-only flag after transaction",
					zap.String("resource", resourceName(h.resource)),
					zap.Error(err),
				)
			}
		}
	}
}

func (c *Coordinator) bindingKeys(holders []*ConnectionHolder) []any {
	keys := make([]any, 0, len(holders)+1)
	keys = append(keys, c.key)
	for _, h := range holders {
		keys = append(keys, h.resource)
	}
	return keys
}

// ConnectionForResource returns the connection bound to ctx for resource
// while its transaction is active.
func ConnectionForResource(ctx context.Context, resource ManagedResource) (Connection, bool) {
	reg := RegistryFromContext(ctx)
	if reg == nil || !isComparable(resource) {
		return nil, false
	}
	value, ok := reg.Lookup(resource)
	if !ok {
		return nil, false
	}
	h, ok := value.(*ConnectionHolder)
	if !ok || !h.active {
		return nil, false
	}
	return h.conn, true
}

// WithConnection runs fn with the connection bound to ctx for resource. When
// no transaction is active, fn gets an untracked connection that is released
// once fn returns.
func WithConnection(ctx context.Context, resource ManagedResource, fn func(conn Connection) error) error {
	if conn, ok := ConnectionForResource(ctx, resource); ok {
		return fn(conn)
	}
	conn, err := resource.AcquireConnection(ctx)
	if err != nil {
		return err
	}
	defer resource.ReleaseConnection(conn)
	return fn(conn)
}
