package messagebus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// EventPolicy decides what happens to an event whose type the registry has never seen.
type EventPolicy int

const (
	// StrictEvents treats an unknown event type as a configuration error that aborts Handle.
	StrictEvents EventPolicy = iota
	// IgnoreUnregisteredEvents drops unknown event types with a debug log.
	IgnoreUnregisteredEvents
)

// Bus dispatches commands and events through a Registry.
//
// Bus holds no per-call state and is safe for concurrent use; the work unit passed to
// Handle is not, and callers must not share one between concurrent calls.
type Bus struct {
	reg    *Registry
	logger *slog.Logger

	// global middleware executed in registration order
	mw []Middleware

	events     EventPolicy
	onEventErr func(ctx context.Context, err *HandlerError)
}

var _ cbus.Dispatcher[cbus.UnitOfWork] = (*Bus)(nil)

// Option configures a Bus instance.
type Option func(*Bus)

// Middleware wraps every handler invocation. Middlewares are executed in registration order.
type Middleware func(next HandlerFunc) HandlerFunc

// WithMiddleware registers global middleware.
func WithMiddleware(mw ...Middleware) Option {
	return func(b *Bus) { b.mw = append(b.mw, mw...) }
}

// WithEventPolicy sets the policy for unregistered event types. The default is StrictEvents.
func WithEventPolicy(p EventPolicy) Option {
	return func(b *Bus) { b.events = p }
}

// WithEventErrorHandler is called for every swallowed event handler failure, after it is logged.
func WithEventErrorHandler(fn func(ctx context.Context, err *HandlerError)) Option {
	return func(b *Bus) { b.onEventErr = fn }
}

// New constructs a Bus over reg. A nil logger discards log output.
func New(reg *Registry, logger *slog.Logger, opts ...Option) *Bus {
	if reg == nil {
		reg = NewRegistryBuilder().Build()
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	b := &Bus{reg: reg, logger: logger}
	for _, o := range opts {
		o(b)
	}

	return b
}

// Handle processes msg and everything it cascades into, breadth-first, and returns
// the results of every command processed in processing order.
//
// A failing command handler aborts the call and no results are returned. A failing
// event handler is logged and skipped.
func (b *Bus) Handle(ctx context.Context, msg cbus.Message, uow cbus.UnitOfWork) ([]any, error) {
	if cbus.Classify(msg) == cbus.KindUnknown {
		return nil, b.unrecognized(ctx, msg)
	}

	var results []any

	q := newQueue(msg)
	for q.len() > 0 {
		m := q.pop()

		switch cbus.Classify(m) {
		case cbus.KindCommand:
			res, err := b.handleCommand(ctx, m, q, uow)
			if err != nil {
				return nil, err
			}

			results = append(results, res)
		case cbus.KindEvent:
			if err := b.handleEvent(ctx, m, q, uow); err != nil {
				return nil, err
			}
		default:
			return nil, b.unrecognized(ctx, m)
		}
	}

	return results, nil
}

func (b *Bus) unrecognized(ctx context.Context, m cbus.Message) error {
	b.logger.ErrorContext(ctx, "message is neither a command nor an event", "message_type", fmt.Sprintf("%T", m))
	return fmt.Errorf("handle %s: %w", cbus.TypeName(m), berr.ErrUnrecognizedMessage)
}

func (b *Bus) handleEvent(ctx context.Context, evt cbus.Message, q *queue, uow cbus.UnitOfWork) error {
	handlers, ok := b.reg.eventHandlers(cbus.TypeOf(evt))
	if !ok {
		if b.events == IgnoreUnregisteredEvents {
			b.logger.DebugContext(ctx, "no handlers for event", "message_type", cbus.TypeName(evt))
			return nil
		}

		b.logger.ErrorContext(ctx, "event type not registered", "message_type", cbus.TypeName(evt))

		return fmt.Errorf("handle event %s: %w", cbus.TypeName(evt), berr.ErrUnregisteredEventType)
	}

	for _, h := range handlers {
		b.logger.DebugContext(ctx, "handling event", "message_type", cbus.TypeName(evt), "handler", h.name)

		if _, err := b.invoke(ctx, h, evt, q, uow); err != nil {
			herr := &HandlerError{Kind: cbus.KindEvent, Handler: h.name, Message: evt, Err: err}
			b.logger.ErrorContext(ctx, "event handler failed",
				"message_type", cbus.TypeName(evt),
				"message", fmt.Sprintf("%+v", evt),
				"handler", h.name,
				"err", err,
			)

			if b.onEventErr != nil {
				b.onEventErr(ctx, herr)
			}

			continue
		}
	}

	return nil
}

func (b *Bus) handleCommand(ctx context.Context, cmd cbus.Message, q *queue, uow cbus.UnitOfWork) (any, error) {
	h, ok := b.reg.commandHandler(cbus.TypeOf(cmd))
	if !ok {
		b.logger.ErrorContext(ctx, "command type not registered", "message_type", cbus.TypeName(cmd))
		return nil, fmt.Errorf("handle command %s: %w", cbus.TypeName(cmd), berr.ErrUnregisteredCommandType)
	}

	b.logger.DebugContext(ctx, "handling command", "message_type", cbus.TypeName(cmd), "handler", h.name)

	res, err := b.invoke(ctx, h, cmd, q, uow)
	if err != nil {
		b.logger.ErrorContext(ctx, "command handler failed",
			"message_type", cbus.TypeName(cmd),
			"message", fmt.Sprintf("%+v", cmd),
			"handler", h.name,
			"err", err,
		)

		return nil, &HandlerError{Kind: cbus.KindCommand, Handler: h.name, Message: cmd, Err: err}
	}

	return res, nil
}

// invoke runs h and, when it succeeds, drains the messages it emitted into q. A
// failure or panic in either step counts as the handler's failure.
func (b *Bus) invoke(ctx context.Context, h handlerEntry, m cbus.Message, q *queue, uow cbus.UnitOfWork) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()

	// Build chain so the first registered middleware runs first
	final := h.call
	for i := len(b.mw) - 1; i >= 0; i-- {
		final = b.mw[i](final)
	}

	res, err = final(withHandlerName(ctx, h.name), m, uow)
	if err != nil {
		return nil, err
	}

	collect(q, uow)

	return res, nil
}

func collect(q *queue, uow cbus.UnitOfWork) {
	if uow == nil {
		return
	}

	for m := range uow.CollectNewMessages() {
		q.push(m)
	}
}
