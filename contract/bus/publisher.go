package bus

import "context"

// EventPublisher publishes integration events to a broker.
// Handlers use it to notify the outside world; the bus itself never publishes.
// Adapters for Kafka, NATS, RabbitMQ and an in-memory recorder live under adapters/.
type EventPublisher interface {
	PublishIntegration(ctx context.Context, evt IntegrationEvent, opts PublishOptions) error
}
