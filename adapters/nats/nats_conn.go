package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/next-trace/scg-message-bus/adapters/envelope"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

const defaultFlushTimeout = 2 * time.Second

type Config struct {
	URL           string
	Name          string
	SubjectPrefix string
	ConnTimeout   time.Duration
	MaxReconnects int
	// FlushTimeout bounds the server round trip when the publish context has no deadline.
	FlushTimeout time.Duration
}

type natsClient struct {
	nc           *nats.Conn
	flushTimeout time.Duration
}

// Publish waits for the server to acknowledge the flush, so a returned nil means
// the message left the client buffer.
func (c natsClient) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set("Content-Type", envelope.ContentTypeJSON)

	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	if err := c.nc.PublishMsg(msg); err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); ok {
		return c.nc.FlushWithContext(ctx)
	}

	return c.nc.FlushTimeout(c.flushTimeout)
}

// NewWithNATS connects to cfg.URL and returns an Adapter and a cleanup that drains
// the connection.
func NewWithNATS(cfg Config) (*Adapter, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: nats url required", berr.ErrInvalidConfig)
	}

	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}

	opts := []nats.Option{}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: nats connect: %w", berr.ErrPublishFailed, err)
	}

	ad := New(natsClient{nc: nc, flushTimeout: cfg.FlushTimeout})
	ad.SubjectPrefix = cfg.SubjectPrefix

	cleanup := func() {
		if !nc.IsClosed() {
			_ = nc.Drain()
			nc.Close()
		}
	}

	return ad, cleanup, nil
}
