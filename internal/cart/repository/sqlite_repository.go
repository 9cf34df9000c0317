// Package repository keeps cart entry sequences durable, keyed by session.
package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/storefront/internal/cart/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteRepository stores carts in a local SQLite file so that a cart
// survives restarts of the process that owns it.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// one writer; also keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) RunMigrations() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("could not open migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(r.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	return nil
}

func (r *SQLiteRepository) Load(ctx context.Context, sessionID string) ([]domain.Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT product_id, unit_price, added_at FROM cart_entries WHERE session_id = ? ORDER BY position`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cart entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.Entry
	for rows.Next() {
		var (
			e       domain.Entry
			price   string
			addedAt int64
		)
		if err := rows.Scan(&e.ProductID, &price, &addedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cart entry: %w", err)
		}
		if e.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("invalid unit price %q: %w", price, err)
		}
		e.AddedAt = time.Unix(0, addedAt).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return entries, nil
}

// Save replaces the session's entries in one transaction.
func (r *SQLiteRepository) Save(ctx context.Context, sessionID string, entries []domain.Entry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM cart_entries WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete cart entries: %w", err)
	}

	if len(entries) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO cart_entries (session_id, position, product_id, unit_price, added_at) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for i, e := range entries {
			if _, err := stmt.ExecContext(ctx, sessionID, i, e.ProductID, e.UnitPrice.String(), e.AddedAt.UnixNano()); err != nil {
				return fmt.Errorf("failed to insert cart entry: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cart: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
