package txmanager

import "context"

// Registry binds transaction resources for one execution context. A
// registry travels on a context.Context and is not safe for use from more
// than one goroutine.
type Registry struct {
	bindings map[any]any
}

func NewRegistry() *Registry {
	return &Registry{bindings: make(map[any]any)}
}

// Bind associates value with key. It fails when key is already bound.
func (r *Registry) Bind(key, value any) error {
	if _, ok := r.bindings[key]; ok {
		return newProtocolError(ErrBindingConflict, "Resource already bound to execution context", key)
	}
	r.bindings[key] = value
	return nil
}

// Unbind removes key and returns the value it was bound to.
func (r *Registry) Unbind(key any) (any, error) {
	value, ok := r.bindings[key]
	if !ok {
		return nil, newProtocolError(ErrNoBinding, "No resource bound to execution context", key)
	}
	delete(r.bindings, key)
	return value, nil
}

func (r *Registry) Lookup(key any) (any, bool) {
	value, ok := r.bindings[key]
	return value, ok
}

func (r *Registry) Len() int {
	return len(r.bindings)
}

// bindAll binds every entry or none of them.
func (r *Registry) bindAll(entries []binding) error {
	for i, e := range entries {
		if _, ok := r.bindings[e.key]; ok {
			return newProtocolError(ErrBindingConflict, "Resource already bound to execution context", e.key)
		}
		for _, prev := range entries[:i] {
			if prev.key == e.key {
				return newProtocolError(ErrBindingConflict, "Resource listed twice", e.key)
			}
		}
	}
	for _, e := range entries {
		r.bindings[e.key] = e.value
	}
	return nil
}

// unbindAll removes every key or none of them. Values are returned in key
// order.
func (r *Registry) unbindAll(keys ...any) ([]any, error) {
	for _, key := range keys {
		if _, ok := r.bindings[key]; !ok {
			return nil, newProtocolError(ErrNoBinding, "No resource bound to execution context", key)
		}
	}
	values := make([]any, len(keys))
	for i, key := range keys {
		values[i] = r.bindings[key]
		delete(r.bindings, key)
	}
	return values, nil
}

type binding struct {
	key   any
	value any
}

type registryContextKey struct{}

// WithRegistry returns a context carrying a registry. An existing registry
// is kept, so nested calls share the one installed by the outermost caller.
func WithRegistry(ctx context.Context) context.Context {
	if RegistryFromContext(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, registryContextKey{}, NewRegistry())
}

func RegistryFromContext(ctx context.Context) *Registry {
	if ctx == nil {
		return nil
	}
	if r, ok := ctx.Value(registryContextKey{}).(*Registry); ok {
		return r
	}
	return nil
}

func registryFor(ctx context.Context) (*Registry, error) {
	r := RegistryFromContext(ctx)
	if r == nil {
		return nil, newProtocolError(ErrNoRegistry, "Context carries no resource registry", nil)
	}
	return r, nil
}
