// Package bootstrap assembles the allocation service from its configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/next-trace/scg-message-bus/adapters/inmemory"
	"github.com/next-trace/scg-message-bus/adapters/kafka"
	"github.com/next-trace/scg-message-bus/adapters/nats"
	"github.com/next-trace/scg-message-bus/adapters/rabbitmq"
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
	"github.com/next-trace/scg-message-bus/internal/allocation/handlers"
	"github.com/next-trace/scg-message-bus/internal/allocation/notifications"
	"github.com/next-trace/scg-message-bus/internal/allocation/readmodel"
	"github.com/next-trace/scg-message-bus/internal/allocation/unitofwork"
	"github.com/next-trace/scg-message-bus/internal/config"
	"github.com/next-trace/scg-message-bus/messagebus"
	"github.com/next-trace/scg-message-bus/messagebus/metrics"
)

// App is a wired allocation service.
type App struct {
	Bus       *messagebus.Bus
	Units     unitofwork.Factory
	View      *readmodel.View
	Publisher cbus.EventPublisher
	Metrics   *prometheus.Registry
	Logger    *slog.Logger

	closers []func() error
}

// NewLogger builds the process logger from cfg.
func NewLogger(cfg config.Log, w io.Writer) (*slog.Logger, error) {
	lvl, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("%w: log format %q", berr.ErrInvalidConfig, cfg.Format)
	}
}

// New opens every collaborator named by cfg. On error, whatever was already opened
// is closed again.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	app := &App{Logger: logger, Metrics: prometheus.NewRegistry()}
	if err := app.open(ctx, cfg); err != nil {
		_ = app.Close()
		return nil, err
	}

	logger.Debug("allocation service ready", "db", cfg.Database.Path, "broker", cfg.Broker.Kind)

	return app, nil
}

func (a *App) open(ctx context.Context, cfg config.Config) error {
	store, err := unitofwork.OpenSQLite(ctx, cfg.Database.Path, unitofwork.DefaultSQLiteConfig())
	if err != nil {
		return err
	}

	a.Units = store
	a.closers = append(a.closers, store.Close)

	view, err := readmodel.Dial(ctx, readmodel.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return err
	}

	a.View = view
	a.closers = append(a.closers, view.Close)

	pub, cleanup, err := NewPublisher(cfg.Broker, a.Logger)
	if err != nil {
		return err
	}

	a.Publisher = pub
	a.closers = append(a.closers, func() error { cleanup(); return nil })

	reg, err := handlers.NewRegistry(handlers.New(handlers.Deps{
		Publisher:      pub,
		ReadModel:      view,
		Notifier:       notifications.NewLog(a.Logger),
		StockRecipient: cfg.Notifications.StockRecipient,
		Logger:         a.Logger,
	}))
	if err != nil {
		return err
	}

	policy := messagebus.StrictEvents
	if cfg.Bus.EventPolicy == config.EventPolicyIgnore {
		policy = messagebus.IgnoreUnregisteredEvents
	}

	a.Bus = messagebus.New(reg, a.Logger,
		messagebus.WithMiddleware(metrics.New(a.Metrics).Middleware()),
		messagebus.WithEventPolicy(policy),
	)

	return nil
}

// NewPublisher connects the integration event publisher selected by cfg.Kind.
func NewPublisher(cfg config.Broker, logger *slog.Logger) (cbus.EventPublisher, func(), error) {
	switch cfg.Kind {
	case config.BrokerMemory, "":
		return inmemory.New(), func() {}, nil
	case config.BrokerNATS:
		return nats.NewWithNATS(nats.Config{URL: cfg.URL, Name: cfg.ClientID, SubjectPrefix: cfg.SubjectPrefix})
	case config.BrokerKafka:
		return kafka.NewWithKgo(kafka.Config{Brokers: cfg.Brokers, ClientID: cfg.ClientID})
	case config.BrokerRabbitMQ:
		return rabbitmq.NewWithAMQPConn(rabbitmq.Config{
			URL:      cfg.URL,
			Exchange: cfg.Exchange,
			Confirm:  cfg.Confirm,
			Logger:   logger,
		})
	default:
		return nil, nil, fmt.Errorf("%w: broker kind %q", berr.ErrInvalidConfig, cfg.Kind)
	}
}

// Handle dispatches msg in a fresh unit of work. A correlation id is attached to ctx
// unless one is already present.
func (a *App) Handle(ctx context.Context, msg cbus.Message) ([]any, error) {
	if cbus.CorrelationID(ctx) == "" {
		ctx = cbus.WithCorrelationID(ctx, uuid.NewString())
	}

	return a.Bus.Handle(ctx, msg, a.Units.Begin())
}

// Close releases collaborators in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error

	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}

	a.closers = nil

	return errors.Join(errs...)
}
