package messagebus

import "context"

type handlerNameKey struct{}

func withHandlerName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, handlerNameKey{}, name)
}

// HandlerName returns the identity of the handler currently being invoked.
// It is available to middleware and handlers; outside an invocation it returns "".
func HandlerName(ctx context.Context) string {
	name, _ := ctx.Value(handlerNameKey{}).(string)
	return name
}
