package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/fjod/storefront/internal/orders/domain"
	"github.com/google/uuid"
)

// MemoryRepository keeps orders in process memory.
type MemoryRepository struct {
	mu          sync.RWMutex
	orders      map[uuid.UUID]*domain.Order
	settlements map[settlementKey]domain.Settlement
	now         func() time.Time
}

type settlementKey struct {
	orderID   uuid.UUID
	productID int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:      make(map[uuid.UUID]*domain.Order),
		settlements: make(map[settlementKey]domain.Settlement),
		now:         time.Now,
	}
}

func (r *MemoryRepository) CreateOrder(_ context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if order.IdempotencyKey != "" {
		for _, o := range r.orders {
			if o.UserID == order.UserID && o.IdempotencyKey == order.IdempotencyKey {
				return ErrDuplicateOrder
			}
		}
	}
	r.orders[order.ID] = order.Clone()
	return nil
}

func (r *MemoryRepository) GetOrderByID(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (r *MemoryRepository) GetOrderByIdempotencyKey(_ context.Context, userID, key string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, o := range r.orders {
		if o.UserID == userID && o.IdempotencyKey == key {
			return o.Clone(), nil
		}
	}
	return nil, ErrOrderNotFound
}

func (r *MemoryRepository) ListOrdersByUserID(_ context.Context, userID string) ([]*domain.Order, error) {
	return r.list(func(o *domain.Order) bool { return o.UserID == userID }), nil
}

func (r *MemoryRepository) ListOrdersByStatus(_ context.Context, status domain.OrderStatus) ([]*domain.Order, error) {
	return r.list(func(o *domain.Order) bool { return o.Status == status }), nil
}

func (r *MemoryRepository) ListOrdersNeedingCompensation(_ context.Context) ([]*domain.Order, error) {
	return r.list((*domain.Order).NeedsCompensation), nil
}

// list returns matching orders newest first.
func (r *MemoryRepository) list(match func(*domain.Order) bool) []*domain.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Order
	for _, o := range r.orders {
		if match(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (r *MemoryRepository) TransitionStatus(_ context.Context, id uuid.UUID, from []domain.OrderStatus, to domain.OrderStatus) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok || !slices.Contains(from, o.Status) {
		return nil, ErrOrderNotFound
	}
	o.Status = to
	o.UpdatedAt = r.now()
	return o.Clone(), nil
}

func (r *MemoryRepository) MarkItemRestored(_ context.Context, id uuid.UUID, productID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	for i := range o.Items {
		if o.Items[i].ProductID == productID {
			o.Items[i].Restored = true
		}
	}
	o.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) DeleteOrder(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[id]; !ok {
		return ErrOrderNotFound
	}
	delete(r.orders, id)
	return nil
}

func (r *MemoryRepository) AddSettlement(_ context.Context, s domain.Settlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := settlementKey{orderID: s.OrderID, productID: s.ProductID}
	if _, ok := r.settlements[key]; !ok {
		r.settlements[key] = s
	}
	return nil
}

// ListSettlements returns recorded settlements oldest first.
func (r *MemoryRepository) ListSettlements(_ context.Context) ([]domain.Settlement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Settlement, 0, len(r.settlements))
	for _, s := range r.settlements {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) DeleteSettlement(_ context.Context, orderID uuid.UUID, productID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.settlements, settlementKey{orderID: orderID, productID: productID})
	return nil
}

func (r *MemoryRepository) Close() error { return nil }
