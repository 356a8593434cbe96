package domain

import (
	"time"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
)

// Commands

type CreateBatch struct {
	cbus.CommandBase
	Ref string
	SKU string
	Qty int
	ETA *time.Time
}

type ChangeBatchQuantity struct {
	cbus.CommandBase
	Ref string
	Qty int
}

type Allocate struct {
	cbus.CommandBase
	OrderID string
	SKU     string
	Qty     int
}

// Events

type Allocated struct {
	cbus.EventBase
	OrderID  string `json:"orderid"`
	SKU      string `json:"sku"`
	Qty      int    `json:"qty"`
	BatchRef string `json:"batchref"`
}

// Topic routes Allocated to the external "line_allocated" channel.
func (Allocated) Topic() string { return "line_allocated" }

type Deallocated struct {
	cbus.EventBase
	OrderID string
	SKU     string
	Qty     int
}

type OutOfStock struct {
	cbus.EventBase
	SKU string
}
