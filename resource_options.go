package txmanager

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// ResourceOption configures a BunResource.
type ResourceOption func(*BunResource)

// WithResourceDriver overrides the driver name used for error mapping.
func WithResourceDriver(driver string) ResourceOption {
	return func(r *BunResource) {
		r.driver = driver
	}
}

func WithResourceLogger(logger *zap.Logger) ResourceOption {
	return func(r *BunResource) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// QueryHookKeyer allows hooks to provide a stable identity for deduplication.
type QueryHookKeyer interface {
	QueryHookKey() string
}

// QueryHookErrorHandler is called for hooks that cannot be registered.
type QueryHookErrorHandler func(resource string, err error)

// PanicQueryHookErrorHandler panics on invalid hooks.
func PanicQueryHookErrorHandler(resource string, err error) {
	panic(err)
}

// LogQueryHookErrorHandler returns a handler that logs and skips invalid hooks.
func LogQueryHookErrorHandler(logger *zap.Logger) QueryHookErrorHandler {
	return func(resource string, err error) {
		logger.Warn("Skipping query hook", zap.String("resource", resource), zap.Error(err))
	}
}

func WithQueryHookErrorHandler(handler QueryHookErrorHandler) ResourceOption {
	return func(r *BunResource) {
		if handler != nil {
			r.hookErrorHandler = handler
		}
	}
}

// WithResourceQueryHooks registers query hooks on the resource bun.DB,
// skipping hooks that are already registered on it. Hooks are registered
// after every option is applied.
func WithResourceQueryHooks(hooks ...bun.QueryHook) ResourceOption {
	return func(r *BunResource) {
		r.queryHooks = append(r.queryHooks, hooks...)
	}
}

type hookRegistryEntry struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// hookRegistry is keyed by *bun.DB since several resources may share a pool.
var hookRegistry sync.Map

func registerQueryHooks(r *BunResource, hooks ...bun.QueryHook) {
	if r.db == nil || len(hooks) == 0 {
		return
	}

	entry := getHookRegistryEntry(r.db)
	localKeys := make(map[string]struct{}, len(hooks))

	entry.mu.Lock()
	defer entry.mu.Unlock()

	for i, hook := range hooks {
		if isNilHook(hook) {
			r.hookErrorHandler(r.name, errors.New(
				fmt.Sprintf("query hook at position %d is nil", i),
				errors.CategoryValidation,
			).WithTextCode("NIL_QUERY_HOOK"))
			continue
		}

		if key, ok := queryHookKey(hook); ok {
			if _, seen := localKeys[key]; seen {
				continue
			}
			if _, exists := entry.keys[key]; exists {
				continue
			}
			localKeys[key] = struct{}{}
			entry.keys[key] = struct{}{}
		}

		r.db.AddQueryHook(hook)
	}
}

func getHookRegistryEntry(db *bun.DB) *hookRegistryEntry {
	if entry, ok := hookRegistry.Load(db); ok {
		return entry.(*hookRegistryEntry)
	}
	actual, _ := hookRegistry.LoadOrStore(db, &hookRegistryEntry{
		keys: make(map[string]struct{}),
	})
	return actual.(*hookRegistryEntry)
}

func isNilHook(hook bun.QueryHook) bool {
	if hook == nil {
		return true
	}
	value := reflect.ValueOf(hook)
	switch value.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Func, reflect.Interface, reflect.Slice:
		return value.IsNil()
	}
	return false
}

func queryHookKey(hook bun.QueryHook) (string, bool) {
	if keyer, ok := hook.(QueryHookKeyer); ok {
		if key := strings.TrimSpace(keyer.QueryHookKey()); key != "" {
			return fmt.Sprintf("%T:%s", hook, key), true
		}
	}

	value := reflect.ValueOf(hook)
	if value.Kind() == reflect.Ptr {
		return fmt.Sprintf("%T:%x", hook, value.Pointer()), true
	}
	return "", false
}
