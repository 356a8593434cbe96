package handlers

import (
	"errors"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	"github.com/next-trace/scg-message-bus/internal/allocation/domain"
	"github.com/next-trace/scg-message-bus/internal/allocation/unitofwork"
	"github.com/next-trace/scg-message-bus/messagebus"
)

var (
	_ cbus.CommandHandler[domain.CreateBatch, unitofwork.UnitOfWork, string]      = (*Handlers)(nil).AddBatch
	_ cbus.CommandHandler[domain.Allocate, unitofwork.UnitOfWork, string]         = (*Handlers)(nil).Allocate
	_ cbus.CommandHandler[domain.ChangeBatchQuantity, unitofwork.UnitOfWork, int] = (*Handlers)(nil).ChangeBatchQuantity
	_ cbus.EventHandler[domain.OutOfStock, unitofwork.UnitOfWork]                 = (*Handlers)(nil).SendOutOfStockNotification
	_ cbus.EventHandler[domain.Allocated, unitofwork.UnitOfWork]                  = (*Handlers)(nil).PublishAllocatedEvent
	_ cbus.EventHandler[domain.Deallocated, unitofwork.UnitOfWork]                = (*Handlers)(nil).Reallocate
)

// NewRegistry binds every allocation message to its handlers. Event handlers run in
// the order listed here.
func NewRegistry(h *Handlers) (*messagebus.Registry, error) {
	b := messagebus.NewRegistryBuilder()

	err := errors.Join(
		messagebus.RegisterEvent(b, h.SendOutOfStockNotification, messagebus.Named("send_out_of_stock_notification")),

		messagebus.RegisterEvent(b, h.PublishAllocatedEvent, messagebus.Named("publish_allocated_event")),
		messagebus.RegisterEvent(b, h.AddAllocationToReadModel, messagebus.Named("add_allocation_to_read_model")),

		messagebus.RegisterEvent(b, h.RemoveAllocationFromReadModel, messagebus.Named("remove_allocation_from_read_model")),
		messagebus.RegisterEvent(b, h.Reallocate, messagebus.Named("reallocate")),

		messagebus.RegisterCommand(b, h.AddBatch, messagebus.Named("add_batch")),
		messagebus.RegisterCommand(b, h.ChangeBatchQuantity, messagebus.Named("change_batch_quantity")),
		messagebus.RegisterCommand(b, h.Allocate, messagebus.Named("allocate")),
	)
	if err != nil {
		return nil, err
	}

	return b.Build(), nil
}
