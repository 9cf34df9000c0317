package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// fulfilment order of the forward-only statuses
var statusRank = map[OrderStatus]int{
	OrderStatusPending:   1,
	OrderStatusConfirmed: 2,
	OrderStatusShipped:   3,
	OrderStatusDelivered: 4,
}

func ParseStatus(s string) (OrderStatus, error) {
	st := OrderStatus(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := statusRank[st]; ok || st == OrderStatusCancelled {
		return st, nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

// Active reports whether the order can still be cancelled.
func (s OrderStatus) Active() bool {
	return s == OrderStatusPending || s == OrderStatusConfirmed
}

// CanAdvanceTo reports whether next is strictly further along the fulfilment
// path. Cancellation is not an advance.
func (s OrderStatus) CanAdvanceTo(next OrderStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	return ok && to > from
}

// Customer is the contact snapshot taken at checkout.
type Customer struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

func (c Customer) Complete() bool {
	return strings.TrimSpace(c.Name) != "" &&
		strings.TrimSpace(c.Phone) != "" &&
		strings.TrimSpace(c.Address) != ""
}

type OrderItem struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Restored  bool            `json:"restored,omitempty"`
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Order struct {
	ID             uuid.UUID
	UserID         string
	Customer       Customer
	Items          []OrderItem
	Status         OrderStatus
	TotalPrice     decimal.Decimal
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewOrder builds a pending order. The total is fixed here and never
// recomputed.
func NewOrder(id uuid.UUID, userID string, customer Customer, items []OrderItem, idempotencyKey string, now time.Time) *Order {
	return &Order{
		ID:             id,
		UserID:         userID,
		Customer:       customer,
		Items:          items,
		Status:         OrderStatusPending,
		TotalPrice:     Total(items),
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func Total(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}
	return total
}

// Unrestored returns the items whose stock has not been given back yet.
func (o *Order) Unrestored() []OrderItem {
	var out []OrderItem
	for _, it := range o.Items {
		if !it.Restored {
			out = append(out, it)
		}
	}
	return out
}

// NeedsCompensation reports a cancelled order with stock still held.
func (o *Order) NeedsCompensation() bool {
	return o.Status == OrderStatusCancelled && len(o.Unrestored()) > 0
}

func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	return &c
}

// CheckoutRef is the stock movement reference of the order's decrements.
func CheckoutRef(id uuid.UUID) string { return id.String() }

// RollbackRef references restores undoing a failed checkout.
func RollbackRef(id uuid.UUID) string { return "rollback:" + id.String() }

// CancelRef references restores of a cancelled order.
func CancelRef(id uuid.UUID) string { return "cancel:" + id.String() }
