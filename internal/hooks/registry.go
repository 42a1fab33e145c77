// Package hooks defines the capabilities a billing adapter host dispatches to
// and the registry that orders the implementations providing them.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/csp-billing-adapter/csp-billing-adapter-local/internal/config"
	"github.com/csp-billing-adapter/csp-billing-adapter-local/internal/store"
	"github.com/csp-billing-adapter/csp-billing-adapter-local/internal/usage"
)

var (
	// ErrNoImplementation is returned when no registered implementation
	// provides the requested capability.
	ErrNoImplementation = errors.New("no implementation registered")
	// ErrDuplicateImplementation is returned when a name is registered twice.
	ErrDuplicateImplementation = errors.New("implementation already registered")
)

// CacheHooks reads and writes the adapter cache.
type CacheHooks interface {
	GetCache(ctx context.Context, cfg *config.Config) (store.Document, error)
	// UpdateCache merges doc into the cache, or replaces it when replace is true.
	UpdateCache(ctx context.Context, cfg *config.Config, doc store.Document, replace bool) error
	SaveCache(ctx context.Context, cfg *config.Config, doc store.Document) error
}

// CSPConfigHooks reads and writes the CSP configuration snapshot.
type CSPConfigHooks interface {
	GetCSPConfig(ctx context.Context, cfg *config.Config) (store.Document, error)
	// UpdateCSPConfig merges doc into the snapshot, or replaces it when replace is true.
	UpdateCSPConfig(ctx context.Context, cfg *config.Config, doc store.Document, replace bool) error
	SaveCSPConfig(ctx context.Context, cfg *config.Config, doc store.Document) error
}

// UsageHooks collects the current usage of the application.
type UsageHooks interface {
	GetUsageData(ctx context.Context, cfg *config.Config) (usage.Snapshot, error)
}

// Order places a registration within the dispatch order.
type Order int

const (
	// OrderTryFirst runs before every normal registration.
	OrderTryFirst Order = iota
	// OrderNormal is the default.
	OrderNormal
	// OrderTryLast runs after every other registration.
	OrderTryLast
)

func (o Order) String() string {
	switch o {
	case OrderTryFirst:
		return "tryfirst"
	case OrderNormal:
		return "normal"
	case OrderTryLast:
		return "trylast"
	default:
		return "unknown"
	}
}

// Option configures a registration.
type Option func(*registration)

// TryFirst dispatches to the implementation before normal registrations.
func TryFirst() Option {
	return func(r *registration) { r.order = OrderTryFirst }
}

// TryLast dispatches to the implementation only after every other one.
func TryLast() Option {
	return func(r *registration) { r.order = OrderTryLast }
}

type registration struct {
	name  string
	impl  any
	order Order
}

// Registry holds the registered implementations. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	regs   []registration
	logger *logrus.Entry
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *logrus.Entry) *Registry {
	return &Registry{
		logger: logger.WithField("component", "hooks"),
	}
}

// Register adds impl under name. impl should implement at least one of
// CacheHooks, CSPConfigHooks or UsageHooks.
func (r *Registry) Register(name string, impl any, opts ...Option) error {
	reg := registration{name: name, impl: impl, order: OrderNormal}
	for _, opt := range opts {
		opt(&reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.regs {
		if existing.name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateImplementation, name)
		}
	}
	r.regs = append(r.regs, reg)

	r.logger.WithFields(logrus.Fields{
		"implementation": name,
		"order":          reg.order.String(),
		"capabilities":   capabilities(impl),
	}).Info("registered hook implementation")
	return nil
}

// Names returns the registered names in dispatch order.
func (r *Registry) Names() []string {
	ordered := r.ordered()
	out := make([]string, len(ordered))
	for i, reg := range ordered {
		out[i] = reg.name
	}
	return out
}

// Cache returns the first implementation providing CacheHooks.
func (r *Registry) Cache() (CacheHooks, error) {
	return first[CacheHooks](r, "cache")
}

// CSPConfig returns the first implementation providing CSPConfigHooks.
func (r *Registry) CSPConfig() (CSPConfigHooks, error) {
	return first[CSPConfigHooks](r, "csp_config")
}

// Usage returns the first implementation providing UsageHooks.
func (r *Registry) Usage() (UsageHooks, error) {
	return first[UsageHooks](r, "usage")
}

// ordered returns a snapshot sorted by order. Within an order group the most
// recently registered implementation comes first.
func (r *Registry) ordered() []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]registration, 0, len(r.regs))
	for _, order := range []Order{OrderTryFirst, OrderNormal, OrderTryLast} {
		for i := len(r.regs) - 1; i >= 0; i-- {
			if r.regs[i].order == order {
				out = append(out, r.regs[i])
			}
		}
	}
	return out
}

func first[T any](r *Registry, capability string) (T, error) {
	for _, reg := range r.ordered() {
		if impl, ok := reg.impl.(T); ok {
			r.logger.WithFields(logrus.Fields{
				"capability":     capability,
				"implementation": reg.name,
			}).Debug("dispatching hook")
			return impl, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: %s", ErrNoImplementation, capability)
}

func capabilities(impl any) []string {
	var out []string
	if _, ok := impl.(CacheHooks); ok {
		out = append(out, "cache")
	}
	if _, ok := impl.(CSPConfigHooks); ok {
		out = append(out, "csp_config")
	}
	if _, ok := impl.(UsageHooks); ok {
		out = append(out, "usage")
	}
	return out
}
