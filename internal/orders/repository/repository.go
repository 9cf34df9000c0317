package repository

import (
	"context"
	"errors"

	"github.com/fjod/storefront/internal/orders/domain"
	"github.com/google/uuid"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrDuplicateOrder = errors.New("order for this idempotency key already exists")
)

type OrderRepository interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrderByID(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	// GetOrderByIdempotencyKey returns ErrOrderNotFound when the key is unused.
	GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Order, error)
	ListOrdersByUserID(ctx context.Context, userID string) ([]*domain.Order, error)
	ListOrdersByStatus(ctx context.Context, status domain.OrderStatus) ([]*domain.Order, error)
	// ListOrdersNeedingCompensation returns cancelled orders with unrestored items.
	ListOrdersNeedingCompensation(ctx context.Context) ([]*domain.Order, error)
	// TransitionStatus moves the order to status `to` only if its current status
	// is one of from. ErrOrderNotFound covers both a missing order and a lost race.
	TransitionStatus(ctx context.Context, id uuid.UUID, from []domain.OrderStatus, to domain.OrderStatus) (*domain.Order, error)
	MarkItemRestored(ctx context.Context, id uuid.UUID, productID int64) error
	DeleteOrder(ctx context.Context, id uuid.UUID) error
	// AddSettlement records a decrement with an unknown outcome. Adding the
	// same order and product again is a no-op.
	AddSettlement(ctx context.Context, s domain.Settlement) error
	ListSettlements(ctx context.Context) ([]domain.Settlement, error)
	DeleteSettlement(ctx context.Context, orderID uuid.UUID, productID int64) error
	Close() error
}
