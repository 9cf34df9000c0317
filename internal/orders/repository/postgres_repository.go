package repository

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fjod/storefront/internal/orders/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const orderColumns = `id, user_id, customer_name, customer_phone, customer_address, items, status,
	          total_price, idempotency_key, created_at, updated_at`

const (
	insertOrderQuery = `INSERT INTO orders (id, user_id, customer_name, customer_phone, customer_address,
	          items, status, total_price, idempotency_key, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`

	selectOrderByIDQuery = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	selectOrderByKeyQuery = `SELECT ` + orderColumns + ` FROM orders
	          WHERE user_id = $1 AND idempotency_key = $2`

	listOrdersByUserQuery = `SELECT ` + orderColumns + ` FROM orders
	          WHERE user_id = $1 ORDER BY created_at DESC`

	listOrdersByStatusQuery = `SELECT ` + orderColumns + ` FROM orders
	          WHERE status = $1 ORDER BY created_at DESC`

	listCompensationQuery = `SELECT ` + orderColumns + ` FROM orders
	          WHERE status = 'cancelled'
	          AND EXISTS (SELECT 1 FROM jsonb_array_elements(items) AS e
	                      WHERE NOT COALESCE((e->>'restored')::boolean, false))
	          ORDER BY created_at DESC`

	transitionStatusQuery = `UPDATE orders SET status = $2, updated_at = NOW()
	          WHERE id = $1 AND status = ANY($3)
	          RETURNING ` + orderColumns

	markRestoredQuery = `UPDATE orders SET items = (
	              SELECT jsonb_agg(CASE WHEN (e->>'product_id')::bigint = $2
	                                    THEN e || '{"restored": true}'::jsonb ELSE e END ORDER BY ord)
	              FROM jsonb_array_elements(items) WITH ORDINALITY AS t(e, ord)),
	          updated_at = NOW()
	          WHERE id = $1`

	deleteOrderQuery = `DELETE FROM orders WHERE id = $1`

	insertSettlementQuery = `INSERT INTO stock_settlements (order_id, product_id, quantity, created_at)
	          VALUES ($1, $2, $3, $4)
	          ON CONFLICT (order_id, product_id) DO NOTHING`

	listSettlementsQuery = `SELECT order_id, product_id, quantity, created_at
	          FROM stock_settlements ORDER BY created_at`

	deleteSettlementQuery = `DELETE FROM stock_settlements WHERE order_id = $1 AND product_id = $2`
)

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) RunMigrations() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("could not open migrations: %w", err)
	}
	driver, err := postgres.WithInstance(r.db, &postgres.Config{
		MigrationsTable: "orders_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}
	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}
	return nil
}

func (r *PostgresRepository) CreateOrder(ctx context.Context, order *domain.Order) error {
	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal order items: %w", err)
	}

	_, insertErr := r.db.ExecContext(ctx, insertOrderQuery,
		order.ID,
		order.UserID,
		order.Customer.Name,
		order.Customer.Phone,
		order.Customer.Address,
		itemsJSON,
		string(order.Status),
		order.TotalPrice,
		nullable(order.IdempotencyKey),
		order.CreatedAt,
	)
	if insertErr != nil {
		var pqErr *pq.Error
		if errors.As(insertErr, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("insert order: %w", insertErr)
	}
	return nil
}

func (r *PostgresRepository) GetOrderByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, selectOrderByIDQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by id: %w", err)
	}
	return order, nil
}

func (r *PostgresRepository) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, selectOrderByKeyQuery, userID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by idempotency key: %w", err)
	}
	return order, nil
}

func (r *PostgresRepository) ListOrdersByUserID(ctx context.Context, userID string) ([]*domain.Order, error) {
	return r.list(ctx, listOrdersByUserQuery, userID)
}

func (r *PostgresRepository) ListOrdersByStatus(ctx context.Context, status domain.OrderStatus) ([]*domain.Order, error) {
	return r.list(ctx, listOrdersByStatusQuery, string(status))
}

func (r *PostgresRepository) ListOrdersNeedingCompensation(ctx context.Context) ([]*domain.Order, error) {
	return r.list(ctx, listCompensationQuery)
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return orders, nil
}

func (r *PostgresRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from []domain.OrderStatus, to domain.OrderStatus) (*domain.Order, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	order, err := scanOrder(r.db.QueryRowContext(ctx, transitionStatusQuery, id, string(to), pq.Array(states)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}
	return order, nil
}

func (r *PostgresRepository) MarkItemRestored(ctx context.Context, id uuid.UUID, productID int64) error {
	res, err := r.db.ExecContext(ctx, markRestoredQuery, id, productID)
	if err != nil {
		return fmt.Errorf("mark item restored: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (r *PostgresRepository) DeleteOrder(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, deleteOrderQuery, id)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (r *PostgresRepository) AddSettlement(ctx context.Context, s domain.Settlement) error {
	if _, err := r.db.ExecContext(ctx, insertSettlementQuery, s.OrderID, s.ProductID, s.Quantity, s.CreatedAt); err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListSettlements(ctx context.Context) ([]domain.Settlement, error) {
	rows, err := r.db.QueryContext(ctx, listSettlementsQuery)
	if err != nil {
		return nil, fmt.Errorf("query settlements: %w", err)
	}
	defer rows.Close()

	var out []domain.Settlement
	for rows.Next() {
		var s domain.Settlement
		if err := rows.Scan(&s.OrderID, &s.ProductID, &s.Quantity, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan settlement row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) DeleteSettlement(ctx context.Context, orderID uuid.UUID, productID int64) error {
	if _, err := r.db.ExecContext(ctx, deleteSettlementQuery, orderID, productID); err != nil {
		return fmt.Errorf("delete settlement: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		order     domain.Order
		status    string
		itemsJSON []byte
		key       sql.NullString
	)
	if err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.Customer.Name,
		&order.Customer.Phone,
		&order.Customer.Address,
		&itemsJSON,
		&status,
		&order.TotalPrice,
		&key,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(itemsJSON, &order.Items); err != nil {
		return nil, fmt.Errorf("unmarshal order items: %w", err)
	}
	order.Status = domain.OrderStatus(status)
	order.IdempotencyKey = key.String
	return &order, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
