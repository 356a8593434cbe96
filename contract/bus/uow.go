package bus

import "iter"

// UnitOfWork is the collaborator the bus drains after every successful handler
// invocation. The bus never creates, commits or disposes it.
//
// CollectNewMessages yields the messages emitted by domain operations since the
// previous call (or since the work unit was created), in emission order per aggregate.
// Draining an empty buffer yields nothing.
type UnitOfWork interface {
	CollectNewMessages() iter.Seq[Message]
}
