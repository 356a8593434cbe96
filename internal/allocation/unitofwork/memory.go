package unitofwork

import (
	"context"
	"fmt"
	"sync"

	"github.com/next-trace/scg-message-bus/internal/allocation/domain"
)

// MemoryStore keeps committed products in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	products map[string]*domain.Product
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{products: make(map[string]*domain.Product)}
}

// Begin opens a unit of work over the store.
func (s *MemoryStore) Begin() UnitOfWork {
	return &Memory{store: s, session: newSession()}
}

// Snapshot returns a copy of the committed product, if any.
func (s *MemoryStore) Snapshot(sku string) (*domain.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[sku]
	if !ok {
		return nil, false
	}

	return cloneProduct(p), true
}

// Memory is a unit of work backed by a MemoryStore. Loaded products are private
// copies until Commit.
type Memory struct {
	store *MemoryStore
	session
}

var _ UnitOfWork = (*Memory)(nil)

func (u *Memory) Products() Repository { return memoryRepo{u} }

func (u *Memory) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	u.store.mu.Lock()
	defer u.store.mu.Unlock()

	for sku, l := range u.pending {
		cur, ok := u.store.products[sku]
		if ok != l.existed || (ok && cur.VersionNumber != l.version) {
			u.discard()
			return fmt.Errorf("commit %s: %w", sku, ErrConcurrentUpdate)
		}
	}

	for sku, l := range u.pending {
		u.store.products[sku] = cloneProduct(l.product)
	}

	u.reset()

	return nil
}

func (u *Memory) Rollback(context.Context) error {
	u.discard()
	return nil
}

type memoryRepo struct{ u *Memory }

func (r memoryRepo) Add(_ context.Context, p *domain.Product) error {
	if _, ok := r.u.lookup(p.SKU); ok {
		return fmt.Errorf("add %s: %w", p.SKU, ErrDuplicateProduct)
	}

	r.u.track(p, false)

	return nil
}

func (r memoryRepo) Get(_ context.Context, sku string) (*domain.Product, error) {
	if p, ok := r.u.lookup(sku); ok {
		return p, nil
	}

	p, ok := r.u.store.Snapshot(sku)
	if !ok {
		return nil, fmt.Errorf("get %s: %w", sku, ErrProductNotFound)
	}

	r.u.track(p, true)

	return p, nil
}

func (r memoryRepo) GetByBatchRef(ctx context.Context, ref string) (*domain.Product, error) {
	if p, ok := r.u.lookupBatch(ref); ok {
		return p, nil
	}

	sku, ok := r.u.store.skuForBatch(ref)
	if !ok {
		return nil, fmt.Errorf("get batch %s: %w", ref, ErrProductNotFound)
	}

	return r.Get(ctx, sku)
}

func (s *MemoryStore) skuForBatch(ref string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sku, p := range s.products {
		if _, ok := p.Batch(ref); ok {
			return sku, true
		}
	}

	return "", false
}
