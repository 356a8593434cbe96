// Package kafka publishes integration events to Kafka topics with franz-go.
package kafka

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/next-trace/scg-message-bus/adapters/envelope"
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// Producer is the slice of *kgo.Client the adapter uses; tests inject fakes.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Adapter implements cbus.EventPublisher. The publish key becomes the record key, so
// every event of one order lands on one partition.
type Adapter struct {
	Producer   Producer
	Propagator cbus.HeaderPropagator // optional
}

var _ cbus.EventPublisher = (*Adapter)(nil)

func New(p Producer) *Adapter { return &Adapter{Producer: p, Propagator: cbus.CorrelationPropagator{}} }

func (a *Adapter) PublishIntegration(ctx context.Context, e cbus.IntegrationEvent, opts cbus.PublishOptions) error {
	if a.Producer == nil {
		return fmt.Errorf("kafka publish: %w", berr.ErrPublisherNotConfigured)
	}

	env, err := envelope.Seal(ctx, e, opts, a.Propagator)
	if err != nil {
		return err
	}

	if err := a.Producer.ProduceSync(ctx, toRecord(env)).FirstErr(); err != nil {
		return envelope.Failed("kafka produce "+env.Topic, err)
	}

	return nil
}

// toRecord maps env onto a record. Headers are sorted by key so records are stable.
func toRecord(env envelope.Envelope) *kgo.Record {
	rec := &kgo.Record{Topic: env.Topic, Value: env.Body}
	if env.Key != "" {
		rec.Key = []byte(env.Key)
	}

	keys := make([]string, 0, len(env.Headers))
	for k := range env.Headers {
		keys = append(keys, k)
	}

	slices.SortFunc(keys, strings.Compare)

	for _, k := range keys {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(env.Headers[k])})
	}

	return rec
}
