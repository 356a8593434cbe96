// Package unitofwork persists Product aggregates and hands the messages they record
// back to the bus.
//
// A unit of work tracks every product it loads or adds. Changes become visible to
// other units only on Commit, which fails with ErrConcurrentUpdate when another unit
// committed the same product first. Messages recorded by tracked products are drained
// by CollectNewMessages in the order the products were first seen.
package unitofwork

import (
	"context"
	"errors"
	"iter"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	"github.com/next-trace/scg-message-bus/internal/allocation/domain"
)

var (
	ErrProductNotFound  = errors.New("unitofwork: product not found")
	ErrConcurrentUpdate = errors.New("unitofwork: product was modified concurrently")
	ErrDuplicateProduct = errors.New("unitofwork: product already tracked")
)

// Repository loads and stores products inside a unit of work.
type Repository interface {
	Add(ctx context.Context, p *domain.Product) error
	Get(ctx context.Context, sku string) (*domain.Product, error)
	GetByBatchRef(ctx context.Context, ref string) (*domain.Product, error)
}

// UnitOfWork is the work unit the allocation handlers run against.
type UnitOfWork interface {
	cbus.UnitOfWork
	Products() Repository
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Factory opens a fresh unit of work, one per bus call.
type Factory interface {
	Begin() UnitOfWork
}

type loaded struct {
	product *domain.Product
	existed bool
	version int
}

// session is the bookkeeping shared by every implementation.
type session struct {
	seen    []*domain.Product
	seenSet map[*domain.Product]struct{}

	// products loaded or added since the last Commit or Rollback
	pending map[string]*loaded
}

func newSession() session {
	return session{
		seenSet: make(map[*domain.Product]struct{}),
		pending: make(map[string]*loaded),
	}
}

func (s *session) track(p *domain.Product, existed bool) {
	s.pending[p.SKU] = &loaded{product: p, existed: existed, version: p.VersionNumber}

	if _, ok := s.seenSet[p]; !ok {
		s.seenSet[p] = struct{}{}
		s.seen = append(s.seen, p)
	}
}

func (s *session) lookup(sku string) (*domain.Product, bool) {
	l, ok := s.pending[sku]
	if !ok {
		return nil, false
	}

	return l.product, true
}

func (s *session) lookupBatch(ref string) (*domain.Product, bool) {
	for _, l := range s.pending {
		if _, ok := l.product.Batch(ref); ok {
			return l.product, true
		}
	}

	return nil, false
}

func (s *session) reset() { clear(s.pending) }

// discard drops pending products together with the messages they recorded.
func (s *session) discard() {
	for _, l := range s.pending {
		l.product.PullMessages()
	}

	s.reset()
}

func (s *session) CollectNewMessages() iter.Seq[cbus.Message] {
	return func(yield func(cbus.Message) bool) {
		for _, p := range s.seen {
			msgs := p.PullMessages()
			for i, m := range msgs {
				if !yield(m) {
					p.Record(msgs[i+1:]...)
					return
				}
			}
		}
	}
}

func cloneProduct(p *domain.Product) *domain.Product {
	out := domain.NewProduct(p.SKU)
	out.VersionNumber = p.VersionNumber

	for _, b := range p.Batches {
		nb := domain.NewBatch(b.Ref, b.SKU, b.PurchasedQuantity, b.ETA)
		nb.RestoreAllocations(b.Allocations()...)
		out.Batches = append(out.Batches, nb)
	}

	return out
}
