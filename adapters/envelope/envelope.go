// Package envelope turns integration events into broker-neutral messages. Every
// adapter seals events the same way, so consumers see one wire format whatever the
// transport.
package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

const (
	// KeyHeader carries the partition key on transports without native keys.
	KeyHeader = "key"
	// TypeHeader names the Go type of the published event.
	TypeHeader = "x-message-type"

	ContentTypeJSON = "application/json"
)

// Envelope is a sealed integration event.
type Envelope struct {
	Topic   string
	Key     string
	Type    string
	Body    []byte
	Headers map[string]string
}

// Seal serializes e as JSON and resolves its topic, key and headers. Caller headers
// are copied, never mutated. A nil p propagates nothing.
func Seal(ctx context.Context, e cbus.IntegrationEvent, opts cbus.PublishOptions, p cbus.HeaderPropagator) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}

	if e == nil {
		return Envelope{}, fmt.Errorf("seal: %w", errors.Join(berr.ErrSerializationFailed, errors.New("nil event")))
	}

	body, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, fmt.Errorf("seal %s: %w", cbus.TypeName(e), errors.Join(berr.ErrSerializationFailed, err))
	}

	env := Envelope{
		Topic:   e.Topic(),
		Key:     opts.Key,
		Type:    cbus.TypeName(e),
		Body:    body,
		Headers: make(map[string]string, len(opts.Headers)+2),
	}

	if opts.TopicOverride != "" {
		env.Topic = opts.TopicOverride
	}

	if env.Topic == "" {
		return Envelope{}, fmt.Errorf("seal %s: empty topic: %w", env.Type, berr.ErrPublishFailed)
	}

	maps.Copy(env.Headers, opts.Headers)

	if _, ok := env.Headers[TypeHeader]; !ok {
		env.Headers[TypeHeader] = env.Type
	}

	if p == nil {
		p = cbus.NopHeaderPropagator{}
	}

	p.Inject(ctx, env.Headers)

	return env, nil
}

// HeadersWithKey returns a copy of the headers including KeyHeader when a key is set.
func (e Envelope) HeadersWithKey() map[string]string {
	h := maps.Clone(e.Headers)
	if h == nil {
		h = map[string]string{}
	}

	if e.Key != "" {
		h[KeyHeader] = e.Key
	}

	return h
}

// Failed wraps a transport error for op. Context errors pass through unchanged so
// callers can tell cancellation from broker failure.
func Failed(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("%s: %w", op, errors.Join(berr.ErrPublishFailed, err))
}
