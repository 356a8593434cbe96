/*
Package rabbitmq publishes integration events to a RabbitMQ topic exchange.

Events are sealed into an envelope and sent with a fresh message id, the
correlation id from the context and the event type as AMQP properties. The
connection-backed publisher reconnects with backoff and can wait for broker
confirms when Config.Confirm is set.
*/
package rabbitmq
