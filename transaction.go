package txmanager

import "database/sql"

// TransactionContext is the set of holders for one transaction attempt,
// one per configured resource and in configuration order. Connection
// restore state belongs to the attempt, because reused holders are shared
// with the enclosing attempt.
type TransactionContext struct {
	holders    []*ConnectionHolder
	newHolders bool

	restores []connectionRestore
	prior    []holderState
}

// connectionRestore is what this attempt changed on one connection.
type connectionRestore struct {
	mustRestoreAutoCommit bool
	mustResetReadOnly     bool
	previousIsolation     *sql.IsolationLevel
}

// holderState is a shared holder's flags before a reused begin touched them.
type holderState struct {
	active         bool
	rollbackOnly   bool
	synchronized   bool
	timeoutSeconds *int
}

func newTransactionContext(holders []*ConnectionHolder, fresh bool) *TransactionContext {
	return &TransactionContext{holders: holders, newHolders: fresh}
}

// Holders returns the holders in resource order.
func (t *TransactionContext) Holders() []*ConnectionHolder {
	out := make([]*ConnectionHolder, len(t.holders))
	copy(out, t.holders)
	return out
}

func (t *TransactionContext) Len() int { return len(t.holders) }

// IsNewHolders reports whether the holders were acquired by this attempt
// rather than reused from the registry.
func (t *TransactionContext) IsNewHolders() bool { return t.newHolders }

// MustRestoreAutoCommit reports whether this attempt switched the i-th
// connection to manual commit.
func (t *TransactionContext) MustRestoreAutoCommit(i int) bool {
	if i < 0 || i >= len(t.restores) {
		return false
	}
	return t.restores[i].mustRestoreAutoCommit
}

// PreviousIsolationLevel is the level this attempt replaced on the i-th
// connection, if it changed one.
func (t *TransactionContext) PreviousIsolationLevel(i int) (sql.IsolationLevel, bool) {
	if i < 0 || i >= len(t.restores) || t.restores[i].previousIsolation == nil {
		return sql.LevelDefault, false
	}
	return *t.restores[i].previousIsolation, true
}

func (t *TransactionContext) setHolders(holders []*ConnectionHolder, fresh bool) {
	t.holders = holders
	t.newHolders = fresh
}

// startAttempt resets restore state for a begin. Reused holders are
// snapshotted so completion can hand them back unchanged.
func (t *TransactionContext) startAttempt() {
	t.restores = make([]connectionRestore, len(t.holders))
	t.prior = nil
	if t.newHolders {
		return
	}
	t.prior = make([]holderState, len(t.holders))
	for i, h := range t.holders {
		t.prior[i] = holderState{
			active:         h.active,
			rollbackOnly:   h.rollbackOnly,
			synchronized:   h.synchronized,
			timeoutSeconds: h.timeoutSeconds,
		}
	}
}

// finishAttempt clears holders this attempt owns and restores shared ones
// to their state before the attempt began.
func (t *TransactionContext) finishAttempt() {
	for i, h := range t.holders {
		switch {
		case t.newHolders:
			h.clear()
		case i < len(t.prior):
			s := t.prior[i]
			h.active = s.active
			h.rollbackOnly = s.rollbackOnly
			h.synchronized = s.synchronized
			h.timeoutSeconds = nil
			if s.timeoutSeconds != nil {
				h.setTimeout(*s.timeoutSeconds)
			}
		}
	}
	t.restores = nil
	t.prior = nil
}

// setRollbackOnly marks every holder. The holder list is fixed for the
// attempt, so reading the first holder is representative.
func (t *TransactionContext) setRollbackOnly() {
	for _, h := range t.holders {
		h.rollbackOnly = true
	}
}

func (t *TransactionContext) isRollbackOnly() bool {
	if len(t.holders) == 0 {
		return false
	}
	return t.holders[0].rollbackOnly
}

func (t *TransactionContext) needsReset() bool {
	if len(t.holders) == 0 {
		return true
	}
	for _, h := range t.holders {
		if !h.synchronized {
			return true
		}
	}
	return false
}
