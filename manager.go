package txmanager

import (
	"context"

	"github.com/goliatone/go-errors"
	"go.uber.org/zap"
)

// Manager runs callbacks inside coordinated transactions and applies the
// propagation rules of their Definition.
type Manager struct {
	coordinator *Coordinator
	defaults    Definition
	logger      *zap.Logger
}

var _ TransactionManager = (*Manager)(nil)

func NewManager(coordinator *Coordinator, opts ...ManagerOption) *Manager {
	m := &Manager{
		coordinator: coordinator,
		defaults:    DefaultDefinition(),
		logger:      coordinator.logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Coordinator() *Coordinator { return m.coordinator }

// Status describes the transaction seen by a callback.
type Status struct {
	name           string
	tx             *TransactionContext
	coordinator    *Coordinator
	newTransaction bool
	rollbackOnly   bool
}

func (s *Status) Name() string { return s.name }

// HasTransaction is false for callbacks that run without a transaction.
func (s *Status) HasTransaction() bool { return s.tx != nil }

func (s *Status) IsNewTransaction() bool { return s.newTransaction }

// SetRollbackOnly makes the outermost transaction roll back instead of
// committing.
func (s *Status) SetRollbackOnly() {
	s.rollbackOnly = true
	if s.tx != nil {
		s.coordinator.SetRollbackOnly(s.tx)
	}
}

func (s *Status) IsRollbackOnly() bool {
	if s.rollbackOnly {
		return true
	}
	return s.tx != nil && s.coordinator.IsRollbackOnly(s.tx)
}

type statusContextKey struct{}

// StatusFromContext returns the status of the innermost Execute call.
func StatusFromContext(ctx context.Context) *Status {
	if ctx == nil {
		return nil
	}
	if s, ok := ctx.Value(statusContextKey{}).(*Status); ok {
		return s
	}
	return nil
}

func (m *Manager) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.Execute(ctx, m.defaults, fn)
}

func (m *Manager) Execute(ctx context.Context, def Definition, fn func(ctx context.Context) error) error {
	ctx = WithRegistry(ctx)
	c := m.coordinator

	tx, err := c.GetOrCreateContext(ctx)
	if err != nil {
		return err
	}

	if c.IsExistingTransaction(ctx) {
		return m.handleExisting(ctx, def, tx, fn)
	}

	switch def.Propagation {
	case PropagationMandatory:
		return newIllegalTransactionState("No existing transaction found for propagation 'mandatory'")
	case PropagationRequired, PropagationRequiresNew:
		m.logger.Debug("Creating new transaction",
			zap.String("name", def.Name),
			zap.Stringer("propagation", def.Propagation),
		)
		return m.runNew(ctx, def, tx, fn)
	default:
		return m.runWithout(ctx, def, fn)
	}
}

func (m *Manager) handleExisting(ctx context.Context, def Definition, tx *TransactionContext, fn func(ctx context.Context) error) error {
	c := m.coordinator

	switch def.Propagation {
	case PropagationNever:
		return newIllegalTransactionState("Existing transaction found for propagation 'never'")

	case PropagationNotSupported:
		return m.whileSuspended(ctx, def, func() error {
			return m.runWithout(ctx, def, fn)
		})

	case PropagationRequiresNew:
		return m.whileSuspended(ctx, def, func() error {
			inner, err := c.GetOrCreateContext(ctx)
			if err != nil {
				return err
			}
			return m.runNew(ctx, def, inner, fn)
		})

	default:
		m.logger.Debug("Participating in existing transaction", zap.String("name", def.Name))
		return m.participate(ctx, def, tx, fn)
	}
}

// whileSuspended suspends the current transaction around run and resumes
// it afterwards, including when run panics.
func (m *Manager) whileSuspended(ctx context.Context, def Definition, run func() error) (err error) {
	c := m.coordinator
	m.logger.Debug("Suspending current transaction", zap.String("name", def.Name))

	suspended, err := c.Suspend(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if resumeErr := c.Resume(ctx, suspended); resumeErr != nil {
			m.logger.Error("Could not resume suspended transaction", zap.Error(resumeErr))
			err = errors.Join(err, resumeErr)
		}
	}()
	return run()
}

func (m *Manager) runNew(ctx context.Context, def Definition, tx *TransactionContext, fn func(ctx context.Context) error) error {
	c := m.coordinator
	if err := c.Begin(ctx, tx, def); err != nil {
		return err
	}
	defer c.Cleanup(ctx, tx)

	status := &Status{name: def.Name, tx: tx, coordinator: c, newTransaction: true}
	fnCtx, cancel := m.callbackContext(ctx, def, status)
	defer cancel()

	completed := false
	defer func() {
		if completed {
			return
		}
		if rbErr := c.Rollback(ctx, tx); rbErr != nil {
			m.logger.Error("Rollback after panic failed", zap.Error(rbErr))
		}
	}()

	cbErr := fn(fnCtx)
	completed = true

	if cbErr != nil {
		m.logger.Debug("Rolling back transaction after callback error",
			zap.String("name", def.Name),
			zap.Error(cbErr),
		)
		if rbErr := c.Rollback(ctx, tx); rbErr != nil {
			m.logger.Error("Rollback after callback error failed", zap.Error(rbErr))
			return errors.Join(cbErr, rbErr)
		}
		return cbErr
	}

	if status.IsRollbackOnly() {
		m.logger.Debug("Transactional code has requested rollback", zap.String("name", def.Name))
		if rbErr := c.Rollback(ctx, tx); rbErr != nil {
			return rbErr
		}
		return newUnexpectedRollback()
	}

	return c.Commit(ctx, tx)
}

// participate runs fn in the transaction already bound to ctx. A failure
// marks the whole transaction rollback-only; the outermost caller decides.
func (m *Manager) participate(ctx context.Context, def Definition, tx *TransactionContext, fn func(ctx context.Context) error) error {
	c := m.coordinator
	status := &Status{name: def.Name, tx: tx, coordinator: c}

	completed := false
	defer func() {
		if !completed {
			c.SetRollbackOnly(tx)
		}
	}()

	err := fn(context.WithValue(ctx, statusContextKey{}, status))
	completed = true
	if err != nil {
		m.logger.Debug("Participating transaction failed, marking rollback-only",
			zap.String("name", def.Name),
			zap.Error(err),
		)
		c.SetRollbackOnly(tx)
	}
	return err
}

func (m *Manager) runWithout(ctx context.Context, def Definition, fn func(ctx context.Context) error) error {
	status := &Status{name: def.Name, coordinator: m.coordinator}
	fnCtx, cancel := m.callbackContext(ctx, def, status)
	defer cancel()
	return fn(fnCtx)
}

func (m *Manager) callbackContext(ctx context.Context, def Definition, status *Status) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, statusContextKey{}, status)
	if def.Timeout > 0 {
		return context.WithTimeout(ctx, def.Timeout)
	}
	return ctx, func() {}
}
