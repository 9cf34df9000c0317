package http

import (
	"context"
	"time"

	cartdomain "github.com/fjod/storefront/internal/cart/domain"
	"github.com/fjod/storefront/internal/checkout/service"
	"github.com/fjod/storefront/internal/feed"
	invdomain "github.com/fjod/storefront/internal/inventory/domain"
	"github.com/fjod/storefront/internal/orders/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// --- Mocks ---

type CartServiceMock struct {
	view      *cartdomain.View
	err       error
	userID    string
	added     decimal.Decimal
	refreshed bool
}

func (m *CartServiceMock) GetCart(_ context.Context, userID string) (*cartdomain.View, error) {
	m.userID = userID
	return m.view, m.err
}

func (m *CartServiceMock) AddItem(_ context.Context, userID string, _ int64, unitPrice decimal.Decimal) (*cartdomain.View, error) {
	m.userID = userID
	m.added = unitPrice
	return m.view, m.err
}

func (m *CartServiceMock) RemoveOne(_ context.Context, userID string, _ int64) (*cartdomain.View, error) {
	m.userID = userID
	return m.view, m.err
}

func (m *CartServiceMock) RemoveAll(_ context.Context, userID string, _ int64) (*cartdomain.View, error) {
	m.userID = userID
	return m.view, m.err
}

func (m *CartServiceMock) ClearCart(_ context.Context, userID string) error {
	m.userID = userID
	return m.err
}

func (m *CartServiceMock) RefreshStock(context.Context, string) (map[int64]int, error) {
	m.refreshed = true
	return nil, nil
}

type CheckoutMock struct {
	order *domain.Order
	err   error
	req   service.CheckoutRequest
}

func (m *CheckoutMock) Submit(_ context.Context, req service.CheckoutRequest) (*domain.Order, error) {
	m.req = req
	return m.order, m.err
}

type OrdersMock struct {
	order  *domain.Order
	orders []*domain.Order
	err    error
	status domain.OrderStatus
}

func (m *OrdersMock) Get(context.Context, uuid.UUID) (*domain.Order, error) {
	return m.order, m.err
}

func (m *OrdersMock) ListByUser(context.Context, string) ([]*domain.Order, error) {
	return m.orders, m.err
}

func (m *OrdersMock) ListByStatus(_ context.Context, status domain.OrderStatus) ([]*domain.Order, error) {
	m.status = status
	return m.orders, m.err
}

func (m *OrdersMock) UpdateStatus(_ context.Context, _ uuid.UUID, next domain.OrderStatus) (*domain.Order, error) {
	m.status = next
	return m.order, m.err
}

func (m *OrdersMock) CancelAndRestore(context.Context, uuid.UUID) (*domain.Order, error) {
	return m.order, m.err
}

func (m *OrdersMock) Delete(context.Context, uuid.UUID) error {
	return m.err
}

type StockMock struct {
	rec   invdomain.StockRecord
	err   error
	actor string
	set   int
}

func (m *StockMock) Get(context.Context, int64) (invdomain.StockRecord, error) {
	return m.rec, m.err
}

func (m *StockMock) SetStock(ctx context.Context, productID int64, quantity int) (invdomain.StockRecord, error) {
	m.actor = feed.ActorFromContext(ctx)
	m.set = quantity
	if m.err != nil {
		return invdomain.StockRecord{}, m.err
	}
	return invdomain.StockRecord{ProductID: productID, Quantity: quantity, Revision: m.rec.Revision + 1}, nil
}

type FeedSourceMock struct {
	sub *feed.Subscriber
}

func (m FeedSourceMock) Subscribe(_ string, productID int64, fn feed.Callback) (func(), bool) {
	if m.sub == nil {
		return nil, false
	}
	return m.sub.Subscribe(productID, fn), true
}

// --- helpers ---

func testOrder(userID string) *domain.Order {
	return domain.NewOrder(uuid.New(), userID,
		domain.Customer{Name: "Ann", Phone: "+1", Address: "Main st"},
		[]domain.OrderItem{{ProductID: 1, Quantity: 2, UnitPrice: decimal.RequireFromString("3.5")}},
		"", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
}

func testView() *cartdomain.View {
	stock := 1
	return &cartdomain.View{
		SessionID: "user-1",
		Lines: []cartdomain.LineView{
			{
				Line:    cartdomain.Line{ProductID: 1, Quantity: 2, UnitPrice: decimal.RequireFromString("9.99")},
				Stock:   &stock,
				Excess:  1,
				Flagged: true,
			},
		},
		Total: decimal.RequireFromString("19.98"),
	}
}
