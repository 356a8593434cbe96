package bus

import "context"

// Dispatcher is the tech-agnostic view of the message bus for consumers that only
// want to depend on contracts.
type Dispatcher[U UnitOfWork] interface {
	// Handle processes msg and every message it cascades into, returning the
	// results of all commands processed, in processing order.
	Handle(ctx context.Context, msg Message, uow U) ([]any, error)
}
