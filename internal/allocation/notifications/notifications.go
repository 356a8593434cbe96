// Package notifications delivers human-facing alerts such as out-of-stock notices.
package notifications

import (
	"context"
	"log/slog"
)

// Notifier sends message to destination.
type Notifier interface {
	Send(ctx context.Context, destination, message string) error
}

// Log writes notifications to a structured logger instead of delivering them.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Log{logger: logger}
}

func (n *Log) Send(ctx context.Context, destination, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.logger.InfoContext(ctx, "notification", "to", destination, "message", message)

	return nil
}
