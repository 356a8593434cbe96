package unitofwork

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver

	"github.com/next-trace/scg-message-bus/internal/allocation/domain"
)

const schemaVersion = 1

// SQLiteConfig holds connection pool parameters.
type SQLiteConfig struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 4,
	}
}

// SQLiteStore persists products in a SQLite database.
type SQLiteStore struct {
	DB *sql.DB
}

// OpenSQLite opens (and migrates) the database at path. The pragmas are part of the
// DSN so they apply to every pooled connection. Write transactions take the lock
// immediately.
func OpenSQLite(ctx context.Context, path string, cfg SQLiteConfig) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_txlock=immediate",
		path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	s := &SQLiteStore{DB: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migration failed: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) Close() error { return s.DB.Close() }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	var current int
	if err := s.DB.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return err
	}

	if current >= schemaVersion {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS products (
		sku TEXT PRIMARY KEY,
		version_number INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS batches (
		reference TEXT PRIMARY KEY,
		sku TEXT NOT NULL REFERENCES products(sku),
		purchased_quantity INTEGER NOT NULL,
		eta TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_batches_sku ON batches(sku);

	CREATE TABLE IF NOT EXISTS allocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_ref TEXT NOT NULL REFERENCES batches(reference) ON DELETE CASCADE,
		orderid TEXT NOT NULL,
		sku TEXT NOT NULL,
		qty INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_batch ON allocations(batch_ref);
	`

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}

	return tx.Commit()
}

// Begin opens a unit of work. Products are read outside a transaction; Commit writes
// them in one transaction guarded by their version numbers.
func (s *SQLiteStore) Begin() UnitOfWork {
	return &SQLite{db: s.DB, session: newSession()}
}

// SQLite is a unit of work backed by a SQLiteStore.
type SQLite struct {
	db *sql.DB
	session
}

var _ UnitOfWork = (*SQLite)(nil)

func (u *SQLite) Products() Repository { return sqliteRepo{u} }

func (u *SQLite) Commit(ctx context.Context) error {
	if len(u.pending) == 0 {
		return nil
	}

	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, l := range u.pending {
		if err := saveProduct(ctx, tx, l); err != nil {
			u.discard()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		u.discard()
		return fmt.Errorf("sqlite: commit: %w", err)
	}

	u.reset()

	return nil
}

func (u *SQLite) Rollback(context.Context) error {
	u.discard()
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func saveProduct(ctx context.Context, tx *sql.Tx, l *loaded) error {
	p := l.product

	if l.existed {
		res, err := tx.ExecContext(ctx,
			"UPDATE products SET version_number = ? WHERE sku = ? AND version_number = ?",
			p.VersionNumber, p.SKU, l.version)
		if err != nil {
			return fmt.Errorf("save %s: %w", p.SKU, err)
		}

		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("commit %s: %w", p.SKU, ErrConcurrentUpdate)
		}
	} else {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO products (sku, version_number) VALUES (?, ?) ON CONFLICT(sku) DO NOTHING",
			p.SKU, p.VersionNumber)
		if err != nil {
			return fmt.Errorf("save %s: %w", p.SKU, err)
		}

		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("commit %s: %w", p.SKU, ErrConcurrentUpdate)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM batches WHERE sku = ?", p.SKU); err != nil {
		return fmt.Errorf("save %s batches: %w", p.SKU, err)
	}

	for _, b := range p.Batches {
		var eta sql.NullString
		if b.ETA != nil {
			eta = sql.NullString{String: b.ETA.UTC().Format(time.RFC3339Nano), Valid: true}
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO batches (reference, sku, purchased_quantity, eta) VALUES (?, ?, ?, ?)",
			b.Ref, b.SKU, b.PurchasedQuantity, eta); err != nil {
			return fmt.Errorf("save batch %s: %w", b.Ref, err)
		}

		for _, line := range b.Allocations() {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO allocations (batch_ref, orderid, sku, qty) VALUES (?, ?, ?, ?)",
				b.Ref, line.OrderID, line.SKU, line.Qty); err != nil {
				return fmt.Errorf("save allocation %s/%s: %w", b.Ref, line.OrderID, err)
			}
		}
	}

	return nil
}

type sqliteRepo struct{ u *SQLite }

func (r sqliteRepo) Add(_ context.Context, p *domain.Product) error {
	if _, ok := r.u.lookup(p.SKU); ok {
		return fmt.Errorf("add %s: %w", p.SKU, ErrDuplicateProduct)
	}

	r.u.track(p, false)

	return nil
}

func (r sqliteRepo) Get(ctx context.Context, sku string) (*domain.Product, error) {
	if p, ok := r.u.lookup(sku); ok {
		return p, nil
	}

	p, err := loadProduct(ctx, r.u.db, sku)
	if err != nil {
		return nil, err
	}

	r.u.track(p, true)

	return p, nil
}

func (r sqliteRepo) GetByBatchRef(ctx context.Context, ref string) (*domain.Product, error) {
	if p, ok := r.u.lookupBatch(ref); ok {
		return p, nil
	}

	var sku string

	err := r.u.db.QueryRowContext(ctx, "SELECT sku FROM batches WHERE reference = ?", ref).Scan(&sku)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get batch %s: %w", ref, ErrProductNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", ref, err)
	}

	return r.Get(ctx, sku)
}

func loadProduct(ctx context.Context, q queryer, sku string) (*domain.Product, error) {
	p := domain.NewProduct(sku)

	err := q.QueryRowContext(ctx, "SELECT version_number FROM products WHERE sku = ?", sku).Scan(&p.VersionNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", sku, ErrProductNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("get %s: %w", sku, err)
	}

	if p.Batches, err = loadBatches(ctx, q, sku); err != nil {
		return nil, err
	}

	for _, b := range p.Batches {
		lines, err := loadAllocations(ctx, q, b.Ref)
		if err != nil {
			return nil, err
		}

		b.RestoreAllocations(lines...)
	}

	return p, nil
}

func loadBatches(ctx context.Context, q queryer, sku string) ([]*domain.Batch, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT reference, purchased_quantity, eta FROM batches WHERE sku = ? ORDER BY rowid", sku)
	if err != nil {
		return nil, fmt.Errorf("get %s batches: %w", sku, err)
	}
	defer func() { _ = rows.Close() }()

	var batches []*domain.Batch

	for rows.Next() {
		var (
			ref string
			qty int
			eta sql.NullString
		)

		if err := rows.Scan(&ref, &qty, &eta); err != nil {
			return nil, fmt.Errorf("get %s batches: %w", sku, err)
		}

		var at *time.Time

		if eta.Valid {
			t, err := time.Parse(time.RFC3339Nano, eta.String)
			if err != nil {
				return nil, fmt.Errorf("batch %s eta: %w", ref, err)
			}

			at = &t
		}

		batches = append(batches, domain.NewBatch(ref, sku, qty, at))
	}

	return batches, rows.Err()
}

func loadAllocations(ctx context.Context, q queryer, ref string) ([]domain.OrderLine, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT orderid, sku, qty FROM allocations WHERE batch_ref = ? ORDER BY id", ref)
	if err != nil {
		return nil, fmt.Errorf("get %s allocations: %w", ref, err)
	}
	defer func() { _ = rows.Close() }()

	var lines []domain.OrderLine

	for rows.Next() {
		var l domain.OrderLine
		if err := rows.Scan(&l.OrderID, &l.SKU, &l.Qty); err != nil {
			return nil, fmt.Errorf("get %s allocations: %w", ref, err)
		}

		lines = append(lines, l)
	}

	return lines, rows.Err()
}
