package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/next-trace/scg-message-bus/adapters/envelope"
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// PubMsg is one AMQP publishing, decoupled from the amqp091 types.
type PubMsg struct {
	Exchange      string
	RoutingKey    string
	MessageID     string
	CorrelationID string
	Type          string
	Body          []byte
	Headers       map[string]string
}

// Publisher sends a PubMsg to the broker.
type Publisher interface {
	Publish(ctx context.Context, m PubMsg) error
}

// Adapter implements cbus.EventPublisher. Topics become routing keys on Exchange.
type Adapter struct {
	Publisher  Publisher
	Exchange   string
	Propagator cbus.HeaderPropagator // optional
}

var _ cbus.EventPublisher = (*Adapter)(nil)

// New creates an adapter publishing to the default integration exchange.
func New(p Publisher) *Adapter {
	return &Adapter{Publisher: p, Exchange: DefaultExchange, Propagator: cbus.CorrelationPropagator{}}
}

// NewWithPropagator replaces the correlation propagator with hp.
func NewWithPropagator(p Publisher, hp cbus.HeaderPropagator) *Adapter {
	ad := New(p)
	ad.Propagator = hp

	return ad
}

func (a *Adapter) PublishIntegration(ctx context.Context, e cbus.IntegrationEvent, opts cbus.PublishOptions) error {
	if a.Publisher == nil {
		return fmt.Errorf("rabbitmq publish: %w", berr.ErrPublisherNotConfigured)
	}

	env, err := envelope.Seal(ctx, e, opts, a.Propagator)
	if err != nil {
		return err
	}

	msg := PubMsg{
		Exchange:      a.Exchange,
		RoutingKey:    env.Topic,
		MessageID:     uuid.NewString(),
		CorrelationID: env.Headers[cbus.CorrelationHeader],
		Type:          env.Type,
		Body:          env.Body,
		Headers:       env.HeadersWithKey(),
	}

	if err := a.Publisher.Publish(ctx, msg); err != nil {
		return envelope.Failed("rabbitmq publish "+msg.RoutingKey, err)
	}

	return nil
}

func publishing(m PubMsg) amqp.Publishing {
	var headers amqp.Table

	if len(m.Headers) > 0 {
		headers = make(amqp.Table, len(m.Headers))
		for k, v := range m.Headers {
			headers[k] = v
		}
	}

	return amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		Headers:       headers,
		ContentType:   envelope.ContentTypeJSON,
		MessageId:     m.MessageID,
		CorrelationId: m.CorrelationID,
		Type:          m.Type,
		Timestamp:     time.Now().UTC(),
		Body:          m.Body,
	}
}

type amqpChannelPublisher struct{ ch *amqp.Channel }

func (p amqpChannelPublisher) Publish(ctx context.Context, m PubMsg) error {
	return p.ch.PublishWithContext(ctx, m.Exchange, m.RoutingKey, false, false, publishing(m))
}

// NewWithAMQPChannel publishes on a caller-managed channel. The exchange must already exist.
func NewWithAMQPChannel(ch *amqp.Channel, exchange string) *Adapter {
	ad := New(amqpChannelPublisher{ch: ch})
	ad.Exchange = exchange

	return ad
}
