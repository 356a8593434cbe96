// Package inmemory provides a recording cbus.EventPublisher for tests, examples and
// single-process deployments that have no broker.
package inmemory

import (
	"context"
	"slices"
	"sync"

	"github.com/next-trace/scg-message-bus/adapters/envelope"
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
)

// Published is one recorded publication: the sealed envelope and the event it came from.
type Published struct {
	envelope.Envelope
	Event cbus.IntegrationEvent
}

// Publisher records every event it is asked to publish. It is safe for concurrent use;
// read Events only once publishing has stopped, or use Snapshot.
type Publisher struct {
	mu         sync.Mutex
	Events     []Published
	Propagator cbus.HeaderPropagator
}

var _ cbus.EventPublisher = (*Publisher)(nil)

// New creates a publisher that propagates correlation ids into headers.
func New() *Publisher { return &Publisher{Propagator: cbus.CorrelationPropagator{}} }

func (p *Publisher) PublishIntegration(ctx context.Context, e cbus.IntegrationEvent, opts cbus.PublishOptions) error {
	env, err := envelope.Seal(ctx, e, opts, p.Propagator)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.Events = append(p.Events, Published{Envelope: env, Event: e})
	p.mu.Unlock()

	return nil
}

// Snapshot copies the recordings made so far.
func (p *Publisher) Snapshot() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()

	return slices.Clone(p.Events)
}

// Topic returns the events published to topic, in publish order.
func (p *Publisher) Topic(topic string) []cbus.IntegrationEvent {
	var out []cbus.IntegrationEvent

	for _, ev := range p.Snapshot() {
		if ev.Topic == topic {
			out = append(out, ev.Event)
		}
	}

	return out
}

// Reset forgets every recording.
func (p *Publisher) Reset() {
	p.mu.Lock()
	p.Events = nil
	p.mu.Unlock()
}
