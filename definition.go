package txmanager

import (
	"database/sql"
	"time"
)

// Propagation decides how a call relates to a transaction that is already
// bound to the execution context.
type Propagation int

const (
	// PropagationRequired joins the current transaction or starts one.
	PropagationRequired Propagation = iota
	// PropagationSupports joins the current transaction or runs without one.
	PropagationSupports
	// PropagationMandatory joins the current transaction and fails without one.
	PropagationMandatory
	// PropagationRequiresNew suspends the current transaction and starts a new one.
	PropagationRequiresNew
	// PropagationNotSupported suspends the current transaction and runs without one.
	PropagationNotSupported
	// PropagationNever fails when a transaction is active.
	PropagationNever
)

func (p Propagation) String() string {
	switch p {
	case PropagationRequired:
		return "required"
	case PropagationSupports:
		return "supports"
	case PropagationMandatory:
		return "mandatory"
	case PropagationRequiresNew:
		return "requires_new"
	case PropagationNotSupported:
		return "not_supported"
	case PropagationNever:
		return "never"
	default:
		return "unknown"
	}
}

// Definition describes a transaction attempt. Isolation, ReadOnly and
// Timeout are passed through to the connections as given.
type Definition struct {
	Name        string
	Propagation Propagation
	// Isolation is left untouched when sql.LevelDefault.
	Isolation sql.IsolationLevel
	ReadOnly  bool
	// Timeout is advisory. Zero means no timeout.
	Timeout time.Duration
}

func DefaultDefinition() Definition {
	return Definition{Propagation: PropagationRequired}
}

func ReadOnlyDefinition() Definition {
	def := DefaultDefinition()
	def.ReadOnly = true
	return def
}

// timeoutSeconds rounds up so a sub-second timeout is not dropped.
func (d Definition) timeoutSeconds() (int, bool) {
	if d.Timeout <= 0 {
		return 0, false
	}
	secs := int(d.Timeout / time.Second)
	if d.Timeout%time.Second != 0 {
		secs++
	}
	return secs, true
}
