// Package nats publishes integration events to NATS subjects.
package nats

import (
	"context"
	"fmt"

	"github.com/next-trace/scg-message-bus/adapters/envelope"
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// Client publishes one message. The NATS connection is adapted to it in nats_conn.go;
// tests inject fakes.
type Client interface {
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
}

// Adapter implements cbus.EventPublisher. Topics map to subjects, optionally under
// SubjectPrefix ("allocation." turns line_allocated into allocation.line_allocated).
type Adapter struct {
	Client        Client
	SubjectPrefix string
	Propagator    cbus.HeaderPropagator // optional
}

var _ cbus.EventPublisher = (*Adapter)(nil)

func New(c Client) *Adapter { return &Adapter{Client: c, Propagator: cbus.CorrelationPropagator{}} }

func (a *Adapter) PublishIntegration(ctx context.Context, e cbus.IntegrationEvent, opts cbus.PublishOptions) error {
	if a.Client == nil {
		return fmt.Errorf("nats publish: %w", berr.ErrPublisherNotConfigured)
	}

	env, err := envelope.Seal(ctx, e, opts, a.Propagator)
	if err != nil {
		return err
	}

	subject := a.SubjectPrefix + env.Topic
	if err := a.Client.Publish(ctx, subject, env.Body, env.HeadersWithKey()); err != nil {
		return envelope.Failed("nats publish "+subject, err)
	}

	return nil
}
