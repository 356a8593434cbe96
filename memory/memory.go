// Package memory provides an in-memory work unit: a message buffer that handlers
// append to and the bus drains.
package memory

import (
	"iter"
	"log/slog"
	"sync"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	"github.com/next-trace/scg-message-bus/messagebus"
)

// Buffer is a thread-safe cbus.UnitOfWork that hands out emitted messages exactly once.
type Buffer struct {
	mu      sync.Mutex
	pending []cbus.Message
}

var _ cbus.UnitOfWork = (*Buffer)(nil)

// Emit appends messages to the buffer in order.
func (b *Buffer) Emit(msgs ...cbus.Message) {
	b.mu.Lock()
	b.pending = append(b.pending, msgs...)
	b.mu.Unlock()
}

// Pending reports how many messages wait to be collected.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending)
}

// CollectNewMessages drains the buffer. The snapshot is taken on the first pull,
// so messages emitted while iterating are left for the next call.
func (b *Buffer) CollectNewMessages() iter.Seq[cbus.Message] {
	return func(yield func(cbus.Message) bool) {
		b.mu.Lock()
		msgs := b.pending
		b.pending = nil
		b.mu.Unlock()

		for i, m := range msgs {
			if !yield(m) {
				// hand back what the consumer did not take
				b.mu.Lock()
				b.pending = append(append([]cbus.Message(nil), msgs[i+1:]...), b.pending...)
				b.mu.Unlock()

				return
			}
		}
	}
}

// New constructs a bus over reg together with a fresh Buffer to pass as its work unit.
func New(reg *messagebus.Registry, logger *slog.Logger, opts ...messagebus.Option) (*messagebus.Bus, *Buffer) {
	return messagebus.New(reg, logger, opts...), &Buffer{}
}
