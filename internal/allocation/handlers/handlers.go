// Package handlers holds the allocation service layer: one function per command and
// event, plus the table binding them to the message bus.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
	"github.com/next-trace/scg-message-bus/internal/allocation/domain"
	"github.com/next-trace/scg-message-bus/internal/allocation/notifications"
	"github.com/next-trace/scg-message-bus/internal/allocation/unitofwork"
)

// DefaultStockRecipient receives out-of-stock notices unless configured otherwise.
const DefaultStockRecipient = "stock@made.com"

// ReadModel is the write side of the allocations view.
type ReadModel interface {
	Add(ctx context.Context, orderID, sku, batchRef string) error
	Remove(ctx context.Context, orderID, sku string) error
}

// Deps are the collaborators handlers reach outside the unit of work.
type Deps struct {
	Publisher      cbus.EventPublisher
	ReadModel      ReadModel
	Notifier       notifications.Notifier
	StockRecipient string
	Logger         *slog.Logger
}

type Handlers struct {
	publisher cbus.EventPublisher
	readModel ReadModel
	notifier  notifications.Notifier
	recipient string
	logger    *slog.Logger
}

func New(deps Deps) *Handlers {
	h := &Handlers{
		publisher: deps.Publisher,
		readModel: deps.ReadModel,
		notifier:  deps.Notifier,
		recipient: deps.StockRecipient,
		logger:    deps.Logger,
	}

	if h.logger == nil {
		h.logger = slog.New(slog.DiscardHandler)
	}

	if h.notifier == nil {
		h.notifier = notifications.NewLog(h.logger)
	}

	if h.recipient == "" {
		h.recipient = DefaultStockRecipient
	}

	return h
}

// atomically commits the unit when fn succeeds and rolls it back otherwise.
func atomically(ctx context.Context, uow unitofwork.UnitOfWork, fn func(unitofwork.Repository) error) error {
	if err := fn(uow.Products()); err != nil {
		_ = uow.Rollback(ctx)
		return err
	}

	return uow.Commit(ctx)
}

// AddBatch creates the batch, creating its product on first sight.
func (h *Handlers) AddBatch(ctx context.Context, c domain.CreateBatch, uow unitofwork.UnitOfWork) (string, error) {
	err := atomically(ctx, uow, func(products unitofwork.Repository) error {
		p, err := products.Get(ctx, c.SKU)

		switch {
		case errors.Is(err, unitofwork.ErrProductNotFound):
			p = domain.NewProduct(c.SKU)
			if err := products.Add(ctx, p); err != nil {
				return err
			}
		case err != nil:
			return err
		}

		return p.AddBatch(domain.NewBatch(c.Ref, c.SKU, c.Qty, c.ETA))
	})
	if err != nil {
		return "", fmt.Errorf("add batch %s: %w", c.Ref, err)
	}

	return c.Ref, nil
}

// Allocate returns the reference of the batch the line went to, or "" when the
// product is out of stock.
func (h *Handlers) Allocate(ctx context.Context, c domain.Allocate, uow unitofwork.UnitOfWork) (string, error) {
	line := domain.OrderLine{OrderID: c.OrderID, SKU: c.SKU, Qty: c.Qty}

	var ref string

	err := atomically(ctx, uow, func(products unitofwork.Repository) error {
		p, err := products.Get(ctx, line.SKU)
		if errors.Is(err, unitofwork.ErrProductNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrInvalidSKU, line.SKU)
		}

		if err != nil {
			return err
		}

		ref, err = p.Allocate(line)

		return err
	})
	if err != nil {
		return "", fmt.Errorf("allocate %s: %w", line.OrderID, err)
	}

	return ref, nil
}

func (h *Handlers) ChangeBatchQuantity(ctx context.Context, c domain.ChangeBatchQuantity, uow unitofwork.UnitOfWork) (int, error) {
	err := atomically(ctx, uow, func(products unitofwork.Repository) error {
		p, err := products.GetByBatchRef(ctx, c.Ref)
		if errors.Is(err, unitofwork.ErrProductNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrBatchNotFound, c.Ref)
		}

		if err != nil {
			return err
		}

		return p.ChangeBatchQuantity(c.Ref, c.Qty)
	})
	if err != nil {
		return 0, fmt.Errorf("change batch quantity %s: %w", c.Ref, err)
	}

	return c.Qty, nil
}

func (h *Handlers) SendOutOfStockNotification(ctx context.Context, e domain.OutOfStock, _ unitofwork.UnitOfWork) error {
	return h.notifier.Send(ctx, h.recipient, "Out of stock for "+e.SKU)
}

// PublishAllocatedEvent forwards Allocated to the broker, keyed by order id. The
// correlation id of ctx is reused when present.
func (h *Handlers) PublishAllocatedEvent(ctx context.Context, e domain.Allocated, _ unitofwork.UnitOfWork) error {
	if h.publisher == nil {
		return fmt.Errorf("publish %s: %w", e.Topic(), berr.ErrPublisherNotConfigured)
	}

	id := cbus.CorrelationID(ctx)
	if id == "" {
		id = uuid.NewString()
	}

	h.logger.DebugContext(ctx, "publishing integration event", "topic", e.Topic(), "correlation_id", id)

	return h.publisher.PublishIntegration(ctx, e, cbus.PublishOptions{
		Key:     e.OrderID,
		Headers: map[string]string{cbus.CorrelationHeader: id},
	})
}

func (h *Handlers) AddAllocationToReadModel(ctx context.Context, e domain.Allocated, _ unitofwork.UnitOfWork) error {
	if h.readModel == nil {
		return fmt.Errorf("read model: %w", berr.ErrInvalidConfig)
	}

	return h.readModel.Add(ctx, e.OrderID, e.SKU, e.BatchRef)
}

func (h *Handlers) RemoveAllocationFromReadModel(ctx context.Context, e domain.Deallocated, _ unitofwork.UnitOfWork) error {
	if h.readModel == nil {
		return fmt.Errorf("read model: %w", berr.ErrInvalidConfig)
	}

	return h.readModel.Remove(ctx, e.OrderID, e.SKU)
}

// Reallocate turns a deallocated line back into an Allocate command for the bus to pick up.
func (h *Handlers) Reallocate(ctx context.Context, e domain.Deallocated, uow unitofwork.UnitOfWork) error {
	return atomically(ctx, uow, func(products unitofwork.Repository) error {
		p, err := products.Get(ctx, e.SKU)
		if err != nil {
			return err
		}

		p.Record(domain.Allocate{OrderID: e.OrderID, SKU: e.SKU, Qty: e.Qty})

		return nil
	})
}
