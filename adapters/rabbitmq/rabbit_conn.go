package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

const (
	// DefaultExchange receives integration events when no exchange is configured.
	DefaultExchange = "integration"
	exchangeKind    = "topic"

	maxBackoff = 30 * time.Second
)

type Config struct {
	URL         string
	Exchange    string
	ConnTimeout time.Duration
	// Confirm puts the channel in confirm mode; Publish then waits for the broker ack.
	Confirm bool
	Logger  *slog.Logger
}

type reconnectingPublisher struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.RWMutex
	conn *amqp.Connection
	ch   *amqp.Channel

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{} // closed when run returns

	readyOnce sync.Once
	ready     chan struct{} // closed after the first successful connect
}

func newReconnectingPublisher(cfg Config) (*reconnectingPublisher, func()) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	rp := &reconnectingPublisher{
		cfg:    cfg,
		logger: logger,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
	}

	go rp.run()

	return rp, rp.close
}

func (rp *reconnectingPublisher) channel() *amqp.Channel {
	rp.mu.RLock()
	defer rp.mu.RUnlock()

	return rp.ch
}

func (rp *reconnectingPublisher) Publish(ctx context.Context, m PubMsg) error {
	ch := rp.channel()
	if ch == nil {
		// Wait for the first connection or context cancellation
		select {
		case <-rp.ready:
		case <-rp.closed:
			return fmt.Errorf("%w: rabbitmq publisher closed", berr.ErrPublishFailed)
		case <-ctx.Done():
			return ctx.Err()
		}

		if ch = rp.channel(); ch == nil {
			return fmt.Errorf("%w: rabbitmq not connected", berr.ErrPublishFailed)
		}
	}

	if !rp.cfg.Confirm {
		return ch.PublishWithContext(ctx, m.Exchange, m.RoutingKey, false, false, publishing(m))
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, m.Exchange, m.RoutingKey, false, false, publishing(m))
	if err != nil {
		return err
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}

	if !acked {
		return fmt.Errorf("rabbitmq nacked message %s", m.MessageID)
	}

	return nil
}

func (rp *reconnectingPublisher) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(rp.cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": "scg-message-bus"},
		Dial:       amqp.DefaultDial(rp.cfg.ConnTimeout),
	})
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	if err := ch.ExchangeDeclare(rp.cfg.Exchange, exchangeKind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return nil, nil, err
	}

	if rp.cfg.Confirm {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			_ = conn.Close()

			return nil, nil, err
		}
	}

	return conn, ch, nil
}

func (rp *reconnectingPublisher) run() {
	defer close(rp.done)

	backoff := time.Second
	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // backoff jitter

	for {
		select {
		case <-rp.closed:
			return
		default:
		}

		conn, ch, err := rp.dial()
		if err != nil {
			// exponential backoff with jitter
			sleep := min(backoff+time.Duration(rng.Int63n(int64(backoff/2))), maxBackoff)
			rp.logger.Warn("rabbitmq connect failed", "err", err, "retry_in", sleep)

			t := time.NewTimer(sleep)
			select {
			case <-rp.closed:
				t.Stop()
				return
			case <-t.C:
			}

			backoff = min(backoff*2, maxBackoff)

			continue
		}

		backoff = time.Second

		rp.mu.Lock()
		rp.conn, rp.ch = conn, ch
		rp.mu.Unlock()
		rp.readyOnce.Do(func() { close(rp.ready) })
		rp.logger.Info("rabbitmq connected", "exchange", rp.cfg.Exchange)

		// Block on connection close notifications to trigger reconnect
		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-rp.closed:
			rp.drop()
			return
		case amqpErr := <-notify:
			rp.logger.Warn("rabbitmq connection lost", "err", amqpErr)
			rp.drop()
		}
	}
}

func (rp *reconnectingPublisher) drop() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.ch != nil {
		_ = rp.ch.Close()
		rp.ch = nil
	}

	if rp.conn != nil {
		_ = rp.conn.Close()
		rp.conn = nil
	}
}

func (rp *reconnectingPublisher) close() {
	rp.closeOnce.Do(func() { close(rp.closed) })
	<-rp.done
	rp.drop()
}

// NewWithAMQPConn dials RabbitMQ with auto-reconnect, ensures the exchange, and returns Adapter and cleanup.
// The cleanup blocks until the reconnect loop has exited.
func NewWithAMQPConn(cfg Config) (*Adapter, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrInvalidConfig)
	}

	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}

	pub, cleanup := newReconnectingPublisher(cfg)
	ad := New(pub)
	ad.Exchange = cfg.Exchange

	return ad, cleanup, nil
}
