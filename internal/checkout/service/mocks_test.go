package service

import (
	"context"
	"sync"
	"time"

	cartdomain "github.com/fjod/storefront/internal/cart/domain"
	invdomain "github.com/fjod/storefront/internal/inventory/domain"
	"github.com/fjod/storefront/internal/inventory/store"
	"github.com/fjod/storefront/internal/orders/domain"
	"github.com/fjod/storefront/internal/orders/repository"
)

// MockCart implements CartSource for testing
type MockCart struct {
	checkoutMu sync.Mutex // serializes Checkout like the session lock

	mu       sync.Mutex
	Carts    map[string][]cartdomain.Line
	LinesErr error
	ClearErr error
	Cleared  []string
	Expected []int64
}

func (m *MockCart) Checkout(_ context.Context, userID string, place func([]cartdomain.Line) error) error {
	m.checkoutMu.Lock()
	defer m.checkoutMu.Unlock()

	m.mu.Lock()
	if m.LinesErr != nil {
		m.mu.Unlock()
		return m.LinesErr
	}
	lines := append([]cartdomain.Line(nil), m.Carts[userID]...)
	m.mu.Unlock()

	if err := place(lines); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ClearErr != nil {
		return m.ClearErr
	}
	m.Cleared = append(m.Cleared, userID)
	delete(m.Carts, userID)
	return nil
}

func (m *MockCart) ExpectWrite(_ string, productID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Expected = append(m.Expected, productID)
}

// MockStock wraps a real in-memory ledger and injects failures
type MockStock struct {
	*store.MemoryStore

	mu               sync.Mutex
	DecrementErrs    map[int64][]error // consumed one per call
	RestoreErr       error
	DecrementCalls   []int64
	DecrementRefs    []string
	RestoreRefs      []string
	DecrementApplies bool // apply the decrement before returning the injected error
	DecrementDelay   time.Duration
}

func newMockStock(stock map[int64]int) *MockStock {
	mem := store.NewMemoryStore()
	for pid, qty := range stock {
		_, _ = mem.SetStock(context.Background(), pid, qty)
	}
	return &MockStock{MemoryStore: mem, DecrementErrs: make(map[int64][]error)}
}

func (m *MockStock) Decrement(ctx context.Context, productID int64, quantity int, ref string) (invdomain.StockRecord, error) {
	m.mu.Lock()
	m.DecrementCalls = append(m.DecrementCalls, productID)
	m.DecrementRefs = append(m.DecrementRefs, ref)
	var injected error
	if errs := m.DecrementErrs[productID]; len(errs) > 0 {
		injected = errs[0]
		m.DecrementErrs[productID] = errs[1:]
	}
	applies := m.DecrementApplies
	delay := m.DecrementDelay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	if injected != nil {
		if applies {
			_, _ = m.MemoryStore.Decrement(ctx, productID, quantity, ref)
		}
		return invdomain.StockRecord{}, injected
	}
	return m.MemoryStore.Decrement(ctx, productID, quantity, ref)
}

func (m *MockStock) Restore(ctx context.Context, productID int64, quantity int, ref string) (invdomain.StockRecord, error) {
	m.mu.Lock()
	m.RestoreRefs = append(m.RestoreRefs, ref)
	err := m.RestoreErr
	m.mu.Unlock()
	if err != nil {
		return invdomain.StockRecord{}, err
	}
	return m.MemoryStore.Restore(ctx, productID, quantity, ref)
}

func (m *MockStock) decrementCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.DecrementCalls)
}

// MockOrders wraps the memory repository and can fail writes
type MockOrders struct {
	*repository.MemoryRepository
	CreateErr     error
	SettlementErr error
}

func (m *MockOrders) AddSettlement(ctx context.Context, s domain.Settlement) error {
	if m.SettlementErr != nil {
		return m.SettlementErr
	}
	return m.MemoryRepository.AddSettlement(ctx, s)
}

func (m *MockOrders) CreateOrder(ctx context.Context, order *domain.Order) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	return m.MemoryRepository.CreateOrder(ctx, order)
}

type alert struct {
	Ref        string
	ProductIDs []int64
}

// MockNotifier records notifications
type MockNotifier struct {
	mu     sync.Mutex
	Placed []*domain.Order
	Alerts []alert
}

func (m *MockNotifier) OrderPlaced(_ context.Context, order *domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Placed = append(m.Placed, order)
}

func (m *MockNotifier) CompensationFailed(_ context.Context, ref string, productIDs []int64, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Alerts = append(m.Alerts, alert{Ref: ref, ProductIDs: productIDs})
}

// memCartStore is an in-memory cart ledger store
type memCartStore struct {
	mu    sync.Mutex
	carts map[string][]cartdomain.Entry
}

func newMemCartStore() *memCartStore {
	return &memCartStore{carts: make(map[string][]cartdomain.Entry)}
}

func (m *memCartStore) Load(_ context.Context, sessionID string) ([]cartdomain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]cartdomain.Entry(nil), m.carts[sessionID]...), nil
}

func (m *memCartStore) Save(_ context.Context, sessionID string, entries []cartdomain.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carts[sessionID] = append([]cartdomain.Entry(nil), entries...)
	return nil
}
