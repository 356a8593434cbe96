package messagebus

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// HandlerFunc is the untyped shape every registered handler is reduced to.
// Event handlers return a nil result.
type HandlerFunc func(ctx context.Context, msg cbus.Message, uow cbus.UnitOfWork) (any, error)

type handlerEntry struct {
	name string
	call HandlerFunc
}

// Registry maps message types to their handlers. It is immutable once built and
// safe to share between buses and goroutines.
type Registry struct {
	cmd map[reflect.Type]handlerEntry
	evt map[reflect.Type][]handlerEntry
}

func (r *Registry) commandHandler(t reflect.Type) (handlerEntry, bool) {
	h, ok := r.cmd[t]
	return h, ok
}

func (r *Registry) eventHandlers(t reflect.Type) ([]handlerEntry, bool) {
	hs, ok := r.evt[t]
	return hs, ok
}

// CommandHandlerName returns the name of the handler bound to the command type of sample.
func (r *Registry) CommandHandlerName(sample cbus.Command) (string, bool) {
	h, ok := r.cmd[reflect.TypeOf(sample)]
	return h.name, ok
}

// EventHandlerNames returns the names of the handlers subscribed to the event type of
// sample, in invocation order. The boolean reports whether the type is known at all.
func (r *Registry) EventHandlerNames(sample cbus.Event) ([]string, bool) {
	hs, ok := r.evt[reflect.TypeOf(sample)]
	names := make([]string, 0, len(hs))

	for _, h := range hs {
		names = append(names, h.name)
	}

	return names, ok
}

// RegistryBuilder collects handler bindings at startup. Build freezes them into a Registry.
type RegistryBuilder struct {
	mu  sync.Mutex
	cmd map[reflect.Type]handlerEntry
	evt map[reflect.Type][]handlerEntry
}

// NewRegistryBuilder returns an empty builder.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{
		cmd: make(map[reflect.Type]handlerEntry),
		evt: make(map[reflect.Type][]handlerEntry),
	}
}

// HandlerOption configures a single binding.
type HandlerOption func(*handlerEntry)

// Named sets the handler identity used in logs, errors and metrics.
// Without it the name is derived from the handler function.
func Named(name string) HandlerOption {
	return func(e *handlerEntry) { e.name = name }
}

// CommandOf registers the single handler for the command type of sample.
// Duplicate bindings are rejected.
func (b *RegistryBuilder) CommandOf(sample cbus.Command, h HandlerFunc, opts ...HandlerOption) error {
	t := reflect.TypeOf(sample)
	if t == nil || h == nil {
		return fmt.Errorf("bind command %v: %w", t, berr.ErrHandlerInvalid)
	}

	entry := newEntry(h, h, opts)

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.cmd[t]; exists {
		return fmt.Errorf("bind command %s: %w", t.String(), berr.ErrHandlerExists)
	}

	b.cmd[t] = entry

	return nil
}

// EventOf appends a handler for the event type of sample. Handlers run in registration order.
func (b *RegistryBuilder) EventOf(
	sample cbus.Event,
	h func(ctx context.Context, evt cbus.Message, uow cbus.UnitOfWork) error,
	opts ...HandlerOption,
) error {
	t := reflect.TypeOf(sample)
	if t == nil || h == nil {
		return fmt.Errorf("bind event %v: %w", t, berr.ErrHandlerInvalid)
	}

	call := func(ctx context.Context, m cbus.Message, uow cbus.UnitOfWork) (any, error) {
		return nil, h(ctx, m, uow)
	}

	entry := newEntry(call, h, opts)

	b.mu.Lock()
	b.evt[t] = append(b.evt[t], entry)
	b.mu.Unlock()

	return nil
}

// DeclareEvent makes event types known without subscribing a handler.
// Declared events with no handlers are processed as a no-op even under StrictEvents.
func (b *RegistryBuilder) DeclareEvent(samples ...cbus.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range samples {
		t := reflect.TypeOf(s)
		if _, ok := b.evt[t]; !ok {
			b.evt[t] = nil
		}
	}
}

// Build returns an immutable snapshot of the bindings. The builder stays usable.
func (b *RegistryBuilder) Build() *Registry {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := &Registry{
		cmd: make(map[reflect.Type]handlerEntry, len(b.cmd)),
		evt: make(map[reflect.Type][]handlerEntry, len(b.evt)),
	}

	for t, h := range b.cmd {
		r.cmd[t] = h
	}

	for t, hs := range b.evt {
		r.evt[t] = append([]handlerEntry(nil), hs...)
	}

	return r
}

// RegisterCommand registers a typed handler for command type C. Duplicate bindings are rejected.
func RegisterCommand[C cbus.Command, U cbus.UnitOfWork, R any](
	b *RegistryBuilder,
	h func(ctx context.Context, cmd C, uow U) (R, error),
	opts ...HandlerOption,
) error {
	var zero C

	if h == nil {
		return fmt.Errorf("bind command %s: %w", reflect.TypeOf(zero), berr.ErrHandlerInvalid)
	}

	call := func(ctx context.Context, v cbus.Message, w cbus.UnitOfWork) (any, error) {
		c, ok := v.(C)
		if !ok {
			return nil, fmt.Errorf("dispatch %s: %w", cbus.TypeName(v), berr.ErrHandlerTypeMismatch)
		}

		u, ok := w.(U)
		if !ok {
			return nil, fmt.Errorf("dispatch %s with %T: %w", cbus.TypeName(v), w, berr.ErrHandlerTypeMismatch)
		}

		return h(ctx, c, u)
	}

	return b.CommandOf(zero, call, withDerivedName(h, opts)...)
}

// RegisterEvent appends a typed handler for event type E.
func RegisterEvent[E cbus.Event, U cbus.UnitOfWork](
	b *RegistryBuilder,
	h func(ctx context.Context, evt E, uow U) error,
	opts ...HandlerOption,
) error {
	var zero E

	if h == nil {
		return fmt.Errorf("bind event %s: %w", reflect.TypeOf(zero), berr.ErrHandlerInvalid)
	}

	call := func(ctx context.Context, v cbus.Message, w cbus.UnitOfWork) error {
		e, ok := v.(E)
		if !ok {
			return fmt.Errorf("dispatch %s: %w", cbus.TypeName(v), berr.ErrHandlerTypeMismatch)
		}

		u, ok := w.(U)
		if !ok {
			return fmt.Errorf("dispatch %s with %T: %w", cbus.TypeName(v), w, berr.ErrHandlerTypeMismatch)
		}

		return h(ctx, e, u)
	}

	return b.EventOf(zero, call, withDerivedName(h, opts)...)
}

func newEntry(call HandlerFunc, raw any, opts []HandlerOption) handlerEntry {
	e := handlerEntry{name: funcName(raw), call: call}
	for _, o := range opts {
		o(&e)
	}

	return e
}

// withDerivedName puts the typed handler's own name ahead of the caller's options so
// the closure wrapping it is never what shows up in logs.
func withDerivedName(h any, opts []HandlerOption) []HandlerOption {
	return append([]HandlerOption{Named(funcName(h))}, opts...)
}

func funcName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return fmt.Sprintf("%T", fn)
	}

	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return fmt.Sprintf("%T", fn)
	}

	name := f.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	return strings.TrimSuffix(name, "-fm")
}
