package txmanager

import "go.uber.org/zap"

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used for connection lifecycle and cleanup
// diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithName labels the coordinator in log output.
func WithName(name string) Option {
	return func(c *Coordinator) {
		c.name = name
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithDefaultDefinition replaces the definition used by RunInTx.
func WithDefaultDefinition(def Definition) ManagerOption {
	return func(m *Manager) {
		m.defaults = def
	}
}
