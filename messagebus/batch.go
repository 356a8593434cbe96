package messagebus

import (
	"context"
	"errors"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
)

// Chain handles messages in order against the same work unit and stops on the first error.
// Results of all calls are concatenated; on error none are returned.
func (b *Bus) Chain(ctx context.Context, uow cbus.UnitOfWork, msgs ...cbus.Message) ([]any, error) {
	var results []any

	for _, m := range msgs {
		res, err := b.Handle(ctx, m, uow)
		if err != nil {
			return nil, err
		}

		results = append(results, res...)
	}

	return results, nil
}

// BatchOptions controls Batch execution behavior.
// OnProgress is called after each message completes (success or failure) with done and total.
// OnError is called when a message fails with its index, the message, and the error.
// OnResult is called with the command results of each message that succeeds.
type BatchOptions struct {
	OnProgress func(done, total int)
	OnError    func(index int, msg cbus.Message, err error)
	OnResult   func(index int, msg cbus.Message, results []any)
}

// BatchOpt configures BatchOptions.
type BatchOpt func(*BatchOptions)

// WithBatchProgress sets the progress callback.
func WithBatchProgress(fn func(done, total int)) BatchOpt {
	return func(o *BatchOptions) { o.OnProgress = fn }
}

// WithBatchOnError sets the error callback.
func WithBatchOnError(fn func(index int, msg cbus.Message, err error)) BatchOpt {
	return func(o *BatchOptions) { o.OnError = fn }
}

// WithBatchOnResult sets the result callback.
func WithBatchOnResult(fn func(index int, msg cbus.Message, results []any)) BatchOpt {
	return func(o *BatchOptions) { o.OnResult = fn }
}

// Batch handles the provided messages sequentially, each in its own Handle call.
// Unlike Chain it keeps going after a failure. It respects context cancellation
// between messages, reports progress, and aggregates errors.
func (b *Bus) Batch(ctx context.Context, uow cbus.UnitOfWork, msgs []cbus.Message, opts ...BatchOpt) error {
	var o BatchOptions
	for _, f := range opts {
		f(&o)
	}

	total := len(msgs)

	var errs []error

	for i, m := range msgs {
		if err := ctx.Err(); err != nil { // canceled or deadline exceeded
			return errors.Join(append(errs, err)...)
		}

		res, err := b.Handle(ctx, m, uow)
		if err != nil {
			if o.OnError != nil {
				o.OnError(i, m, err)
			}

			errs = append(errs, err)
		} else if o.OnResult != nil {
			o.OnResult(i, m, res)
		}

		if o.OnProgress != nil {
			o.OnProgress(i+1, total)
		}
	}

	return errors.Join(errs...)
}
