// Package domain holds the allocation model: batches of stock, order lines and the
// Product aggregate that records the messages its operations emit.
package domain

import (
	"errors"
	"slices"
	"time"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
)

var (
	ErrInvalidSKU     = errors.New("allocation: invalid sku")
	ErrBatchNotFound  = errors.New("allocation: batch not found")
	ErrInvalidQty     = errors.New("allocation: invalid quantity")
	ErrSKUMismatch    = errors.New("allocation: batch sku does not match product")
	ErrDuplicateBatch = errors.New("allocation: batch reference already exists")
)

type OrderLine struct {
	OrderID string
	SKU     string
	Qty     int
}

// Batch is a quantity of one SKU, either in the warehouse (nil ETA) or shipping.
type Batch struct {
	Ref               string
	SKU               string
	ETA               *time.Time
	PurchasedQuantity int
	allocations       []OrderLine
}

func NewBatch(ref, sku string, qty int, eta *time.Time) *Batch {
	return &Batch{Ref: ref, SKU: sku, ETA: eta, PurchasedQuantity: qty}
}

func (b *Batch) Allocations() []OrderLine { return slices.Clone(b.allocations) }

func (b *Batch) AllocatedQuantity() int {
	n := 0
	for _, l := range b.allocations {
		n += l.Qty
	}

	return n
}

func (b *Batch) AvailableQuantity() int { return b.PurchasedQuantity - b.AllocatedQuantity() }

func (b *Batch) CanAllocate(l OrderLine) bool {
	return l.Qty > 0 && b.SKU == l.SKU && b.AvailableQuantity() >= l.Qty
}

// Allocate is idempotent per order line.
func (b *Batch) Allocate(l OrderLine) {
	if b.CanAllocate(l) && !slices.Contains(b.allocations, l) {
		b.allocations = append(b.allocations, l)
	}
}

func (b *Batch) Deallocate(l OrderLine) {
	if i := slices.Index(b.allocations, l); i >= 0 {
		b.allocations = slices.Delete(b.allocations, i, i+1)
	}
}

// DeallocateOne removes and returns the most recently allocated line.
func (b *Batch) DeallocateOne() (OrderLine, bool) {
	if len(b.allocations) == 0 {
		return OrderLine{}, false
	}

	last := b.allocations[len(b.allocations)-1]
	b.allocations = b.allocations[:len(b.allocations)-1]

	return last, true
}

// RestoreAllocations is used by repositories rehydrating a batch.
func (b *Batch) RestoreAllocations(lines ...OrderLine) {
	b.allocations = append(b.allocations, lines...)
}

// allocatesBefore orders warehouse stock first, then by earliest ETA.
func (b *Batch) allocatesBefore(o *Batch) bool {
	switch {
	case b.ETA == nil:
		return o.ETA != nil
	case o.ETA == nil:
		return false
	default:
		return b.ETA.Before(*o.ETA)
	}
}

// Product is the aggregate: every change to its batches goes through it.
type Product struct {
	SKU           string
	Batches       []*Batch
	VersionNumber int

	messages []cbus.Message
}

func NewProduct(sku string, batches ...*Batch) *Product {
	return &Product{SKU: sku, Batches: batches}
}

// Record appends a message for the work unit to collect.
func (p *Product) Record(msgs ...cbus.Message) { p.messages = append(p.messages, msgs...) }

// PullMessages drains the recorded messages in emission order.
func (p *Product) PullMessages() []cbus.Message {
	msgs := p.messages
	p.messages = nil

	return msgs
}

func (p *Product) Batch(ref string) (*Batch, bool) {
	for _, b := range p.Batches {
		if b.Ref == ref {
			return b, true
		}
	}

	return nil, false
}

// AddBatch appends b and bumps the version.
func (p *Product) AddBatch(b *Batch) error {
	if b.SKU != p.SKU {
		return ErrSKUMismatch
	}

	if b.PurchasedQuantity <= 0 {
		return ErrInvalidQty
	}

	if _, ok := p.Batch(b.Ref); ok {
		return ErrDuplicateBatch
	}

	p.Batches = append(p.Batches, b)
	p.VersionNumber++

	return nil
}

// Allocate places l in the preferred batch and returns its reference. When no batch
// can take the line it records OutOfStock and returns "". Lines must order a
// positive quantity.
func (p *Product) Allocate(l OrderLine) (string, error) {
	if l.Qty <= 0 {
		return "", ErrInvalidQty
	}
	candidates := slices.Clone(p.Batches)
	slices.SortStableFunc(candidates, func(a, b *Batch) int {
		switch {
		case a.allocatesBefore(b):
			return -1
		case b.allocatesBefore(a):
			return 1
		default:
			return 0
		}
	})

	for _, b := range candidates {
		if b.CanAllocate(l) {
			b.Allocate(l)
			p.VersionNumber++
			p.Record(Allocated{OrderID: l.OrderID, SKU: l.SKU, Qty: l.Qty, BatchRef: b.Ref})

			return b.Ref, nil
		}
	}

	p.Record(OutOfStock{SKU: l.SKU})

	return "", nil
}

// ChangeBatchQuantity sets the purchased quantity of ref and deallocates lines,
// most recent first, until the batch is no longer overcommitted. Every removed
// line is recorded as Deallocated.
func (p *Product) ChangeBatchQuantity(ref string, qty int) error {
	if qty < 0 {
		return ErrInvalidQty
	}

	b, ok := p.Batch(ref)
	if !ok {
		return ErrBatchNotFound
	}

	b.PurchasedQuantity = qty
	for b.AvailableQuantity() < 0 {
		l, _ := b.DeallocateOne()
		p.Record(Deallocated{OrderID: l.OrderID, SKU: l.SKU, Qty: l.Qty})
	}

	p.VersionNumber++

	return nil
}
