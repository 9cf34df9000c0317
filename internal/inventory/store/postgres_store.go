package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/fjod/storefront/internal/inventory/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	selectStockQuery = `SELECT product_id, quantity, revision, updated_at FROM stock WHERE product_id = $1`

	insertMovementQuery = `INSERT INTO stock_movements (ref, product_id, kind, quantity)
	          VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`

	decrementQuery = `UPDATE stock SET quantity = quantity - $2, revision = revision + 1, updated_at = NOW()
	          WHERE product_id = $1 AND quantity >= $2
	          RETURNING product_id, quantity, revision, updated_at`

	restoreQuery = `UPDATE stock SET quantity = quantity + $2, revision = revision + 1, updated_at = NOW()
	          WHERE product_id = $1
	          RETURNING product_id, quantity, revision, updated_at`

	upsertStockQuery = `INSERT INTO stock (product_id, quantity, revision, updated_at)
	          VALUES ($1, $2, 1, NOW())
	          ON CONFLICT (product_id) DO UPDATE
	          SET quantity = EXCLUDED.quantity, revision = stock.revision + 1, updated_at = NOW()
	          RETURNING product_id, quantity, revision, updated_at`
)

// PostgresStore implements Ledger on PostgreSQL. The conditional UPDATE is
// the compare-and-subtract; the movement journal row shares its transaction.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with lib/pq and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	return db, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) RunMigrations() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("could not open migrations: %w", err)
	}
	driver, err := postgres.WithInstance(s.db, &postgres.Config{
		MigrationsTable: "stock_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, productID int64) (domain.StockRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectStockQuery, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockRecord{}, notFound(productID)
	}
	if err != nil {
		return domain.StockRecord{}, persistence("query stock", err)
	}
	return rec, nil
}

func (s *PostgresStore) Decrement(ctx context.Context, productID int64, quantity int, ref string) (domain.StockRecord, error) {
	if err := validateDecrement(quantity); err != nil {
		return domain.StockRecord{}, err
	}
	return s.move(ctx, productID, quantity, ref, domain.MovementDecrement, decrementQuery)
}

func (s *PostgresStore) Restore(ctx context.Context, productID int64, quantity int, ref string) (domain.StockRecord, error) {
	if err := validateRestore(quantity); err != nil {
		return domain.StockRecord{}, err
	}
	return s.move(ctx, productID, quantity, ref, domain.MovementRestore, restoreQuery)
}

func (s *PostgresStore) move(ctx context.Context, productID int64, quantity int, ref string, kind domain.MovementKind, query string) (domain.StockRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.StockRecord{}, persistence("begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if ref != "" {
		res, err := tx.ExecContext(ctx, insertMovementQuery, ref, productID, string(kind), quantity)
		if err != nil {
			return domain.StockRecord{}, classify(productID, "record movement", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// replay of an applied movement
			rec, err := scanRecord(tx.QueryRowContext(ctx, selectStockQuery, productID))
			if err != nil {
				return domain.StockRecord{}, persistence("query stock", err)
			}
			if err := tx.Commit(); err != nil {
				return domain.StockRecord{}, persistence("commit", err)
			}
			return rec, nil
		}
	}

	rec, err := scanRecord(tx.QueryRowContext(ctx, query, productID, quantity))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockRecord{}, s.missOrShort(ctx, tx, productID)
	}
	if err != nil {
		return domain.StockRecord{}, persistence("update stock", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.StockRecord{}, persistence("commit", err)
	}
	return rec, nil
}

// missOrShort tells an unknown product from one without enough stock after
// the conditional update matched no row.
func (s *PostgresStore) missOrShort(ctx context.Context, tx *sql.Tx, productID int64) error {
	var exists bool
	err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM stock WHERE product_id = $1)`, productID).Scan(&exists)
	if err != nil {
		return persistence("query stock", err)
	}
	if !exists {
		return notFound(productID)
	}
	return insufficient(productID)
}

// classify maps a foreign key violation on the journal to an unknown product.
func classify(productID int64, op string, err error) error {
	if isForeignKeyViolation(err) {
		return notFound(productID)
	}
	return persistence(op, err)
}

func (s *PostgresStore) SetStock(ctx context.Context, productID int64, quantity int) (domain.StockRecord, error) {
	if quantity < 0 {
		return domain.StockRecord{}, invalidQuantity(quantity)
	}
	rec, err := scanRecord(s.db.QueryRowContext(ctx, upsertStockQuery, productID, quantity))
	if err != nil {
		return domain.StockRecord{}, persistence("upsert stock", err)
	}
	return rec, nil
}

const foreignKeyViolation = "23503"

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.StockRecord, error) {
	var rec domain.StockRecord
	err := row.Scan(&rec.ProductID, &rec.Quantity, &rec.Revision, &rec.UpdatedAt)
	return rec, err
}
