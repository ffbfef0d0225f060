package txmanager

// ConnectionHolder tracks one connection to one resource. Attempts that
// reuse a bound holder share it with the attempt that acquired it. The
// Coordinator drives every flag transition.
type ConnectionHolder struct {
	conn     Connection
	resource ManagedResource

	active       bool
	rollbackOnly bool
	synchronized bool

	timeoutSeconds *int
}

func newConnectionHolder(conn Connection, resource ManagedResource) *ConnectionHolder {
	return &ConnectionHolder{
		conn:         conn,
		resource:     resource,
		synchronized: true,
	}
}

func (h *ConnectionHolder) Connection() Connection { return h.conn }

func (h *ConnectionHolder) Resource() ManagedResource { return h.resource }

// IsActive reports whether the connection may be used for transactional work.
func (h *ConnectionHolder) IsActive() bool { return h.active }

func (h *ConnectionHolder) IsRollbackOnly() bool { return h.rollbackOnly }

func (h *ConnectionHolder) IsSynchronizedWithTransaction() bool { return h.synchronized }

func (h *ConnectionHolder) Timeout() (int, bool) {
	if h.timeoutSeconds == nil {
		return 0, false
	}
	return *h.timeoutSeconds, true
}

func (h *ConnectionHolder) setTimeout(seconds int) {
	h.timeoutSeconds = &seconds
	if tc, ok := h.conn.(TimeoutConnection); ok {
		tc.SetTimeout(seconds)
	}
}

// clear resets every flag. The connection and resource references stay so
// a reused holder list can be begun again.
func (h *ConnectionHolder) clear() {
	h.active = false
	h.rollbackOnly = false
	h.synchronized = false
	h.timeoutSeconds = nil
}
