package bus

import "context"

// CommandHandler handles commands of type C within the work unit U and returns a result.
// The result is surfaced to the caller of the bus in processing order.
type CommandHandler[C Command, U UnitOfWork, R any] func(ctx context.Context, cmd C, uow U) (R, error)

// EventHandler handles events of type E within the work unit U.
// Handlers subscribed to the same event run one after another in registration order.
type EventHandler[E Event, U UnitOfWork] func(ctx context.Context, evt E, uow U) error
