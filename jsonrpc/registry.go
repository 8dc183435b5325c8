package jsonrpc

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Registry holds the namespaces of a process. Each namespace belongs to one
// kind of consumer, so independently defined consumers never share methods.
type Registry struct {
	mu         sync.Mutex
	namespaces map[string]*Namespace
	logger     *zap.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used to report registration problems.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		namespaces: make(map[string]*Namespace),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Namespace returns the namespace with the given name, creating it if needed.
func (r *Registry) Namespace(name string) *Namespace {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, ok := r.namespaces[name]
	if !ok {
		ns = &Namespace{
			name:    name,
			methods: make(map[string]*method),
			logger:  r.logger.Named("registry").With(zap.String("namespace", name)),
		}
		r.namespaces[name] = ns
	}
	return ns
}

// Namespaces lists the namespace names, sorted.
func (r *Registry) Namespaces() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.namespaces))
	for name := range r.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Namespace binds method names to handlers.
//
// Registration happens before serving. Seal freezes the namespace; after
// that, lookups take no lock and further registration fails with ErrSealed.
type Namespace struct {
	name    string
	mu      sync.Mutex
	methods map[string]*method
	sealed  atomic.Bool
	logger  *zap.Logger
}

// Name returns the namespace name.
func (ns *Namespace) Name() string {
	return ns.name
}

// ExposeOption configures Expose.
type ExposeOption func(*exposeConfig)

type exposeConfig struct {
	name string
}

// Name exposes the handler under an explicit method name.
func Name(name string) ExposeOption {
	return func(c *exposeConfig) {
		c.name = name
	}
}

// Expose binds fn to a method name. The name defaults to the function's own
// identifier; use Name to choose another.
func (ns *Namespace) Expose(fn any, opts ...ExposeOption) error {
	var cfg exposeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.name == "" {
		name, ok := funcName(fn)
		if !ok {
			return fmt.Errorf("%w: anonymous function needs an explicit name", ErrInvalidHandler)
		}
		cfg.name = name
	}
	return ns.Register(cfg.name, fn)
}

// MustExpose is like Expose but panics on error. It suits package-level
// registration:
//
//	var _ = chat.MustExpose(ping)
func (ns *Namespace) MustExpose(fn any, opts ...ExposeOption) struct{} {
	if err := ns.Expose(fn, opts...); err != nil {
		panic(err)
	}
	return struct{}{}
}

// Register binds fn to name.
func (ns *Namespace) Register(name string, fn any) error {
	if name == "" {
		return fmt.Errorf("%w: empty method name", ErrInvalidHandler)
	}
	m, err := newMethod(fn)
	if err != nil {
		return fmt.Errorf("register %q: %w", name, err)
	}
	m.name = name
	return ns.add(m)
}

// Handle binds a raw handler to name.
func (ns *Namespace) Handle(name string, h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrInvalidHandler, name)
	}
	return ns.Register(name, h)
}

// RegisterReceiver exposes the exported methods of receiver that have a
// supported signature. A non-empty prefix yields names like "prefix.Method".
// A params struct may rename its method with a `_ struct{} \`jsonrpc:"name"\`` field.
func (ns *Namespace) RegisterReceiver(prefix string, receiver any) error {
	val := reflect.ValueOf(receiver)
	if !val.IsValid() {
		return fmt.Errorf("%w: nil receiver", ErrInvalidHandler)
	}
	typ := val.Type()

	registered := 0
	for i := 0; i < typ.NumMethod(); i++ {
		sm := typ.Method(i)
		if !sm.IsExported() {
			continue
		}
		m, err := newMethodValue(val.Method(i))
		if err != nil {
			continue
		}
		methodName := sm.Name
		if m.name != "" {
			methodName = m.name
		}
		if prefix != "" {
			methodName = prefix + "." + methodName
		}
		m.name = methodName
		if err := ns.add(m); err != nil {
			return err
		}
		registered++
	}
	if registered == 0 {
		return fmt.Errorf("%w: %T has no exported methods of suitable type", ErrInvalidHandler, receiver)
	}
	return nil
}

func (ns *Namespace) add(m *method) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.sealed.Load() {
		return fmt.Errorf("register %q: %w", m.name, ErrSealed)
	}
	if _, exists := ns.methods[m.name]; exists {
		ns.logger.Warn("method re-registered, previous handler replaced", zap.String("method", m.name))
	}
	ns.methods[m.name] = m
	return nil
}

// Seal freezes the namespace. It is called by NewDispatcher.
func (ns *Namespace) Seal() {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.sealed.Store(true)
}

// Sealed reports whether the namespace is frozen.
func (ns *Namespace) Sealed() bool {
	return ns.sealed.Load()
}

// Methods lists the registered method names, sorted.
func (ns *Namespace) Methods() []string {
	if !ns.sealed.Load() {
		ns.mu.Lock()
		defer ns.mu.Unlock()
	}
	names := make([]string, 0, len(ns.methods))
	for name := range ns.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolve finds the method bound to name. Names starting with "_" are private
// and never resolve.
func (ns *Namespace) resolve(name string) (*method, bool) {
	if strings.HasPrefix(name, "_") {
		return nil, false
	}
	if !ns.sealed.Load() {
		ns.mu.Lock()
		defer ns.mu.Unlock()
	}
	m, ok := ns.methods[name]
	return m, ok
}
