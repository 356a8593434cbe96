package kafka

import (
	"crypto/tls"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

type Config struct {
	Brokers     []string
	TLS         *tls.Config
	Acks        kgo.Acks
	Idempotent  bool
	ClientID    string
	Compression kgo.CompressionCodec
}

// clientOptions translates cfg into franz-go options.
func clientOptions(cfg Config) ([]kgo.Opt, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers required", berr.ErrInvalidConfig)
	}

	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}

	if cfg.Idempotent {
		if cfg.Acks != (kgo.Acks{}) && cfg.Acks != kgo.AllISRAcks() {
			return nil, fmt.Errorf("%w: idempotent producer requires all-ISR acks", berr.ErrInvalidConfig)
		}
	} else {
		opts = append(opts, kgo.DisableIdempotentWrite())
		if cfg.Acks != (kgo.Acks{}) {
			opts = append(opts, kgo.RequiredAcks(cfg.Acks))
		}
	}

	if cfg.Compression != (kgo.CompressionCodec{}) {
		opts = append(opts, kgo.ProducerBatchCompression(cfg.Compression))
	}

	return opts, nil
}

// NewWithKgo builds a franz-go client and an Adapter over it. The client connects
// lazily; the returned cleanup closes it.
func NewWithKgo(cfg Config) (*Adapter, func(), error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, nil, err
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: kafka client init: %w", berr.ErrPublishFailed, err)
	}

	return New(cl), cl.Close, nil
}
