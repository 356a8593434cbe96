package bus

import "context"

// CorrelationHeader is the header key carrying the correlation id across process boundaries.
const CorrelationHeader = "x-correlation-id"

type correlationKey struct{}

// WithCorrelationID returns a context carrying id. Handlers publishing integration
// events propagate it into broker headers.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id carried by ctx, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// HeaderPropagator abstracts injecting request context into headers.
// Implementations may bridge to OpenTelemetry or any other propagation standard.
// Implementors mutate the provided headers map. Implementations must be safe for concurrent use.
type HeaderPropagator interface {
	Inject(ctx context.Context, headers map[string]string)
}

// NopHeaderPropagator is a no-op implementation useful for tests or when tracing is disabled.
type NopHeaderPropagator struct{}

func (NopHeaderPropagator) Inject(context.Context, map[string]string) {}

// CorrelationPropagator copies the correlation id of ctx into CorrelationHeader.
// Existing header values win.
type CorrelationPropagator struct{}

func (CorrelationPropagator) Inject(ctx context.Context, headers map[string]string) {
	id := CorrelationID(ctx)
	if id == "" {
		return
	}

	if _, ok := headers[CorrelationHeader]; !ok {
		headers[CorrelationHeader] = id
	}
}
