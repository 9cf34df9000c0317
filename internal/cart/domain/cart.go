package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entry is one unit of a product in a cart. A product's quantity is the
// number of entries carrying its id.
type Entry struct {
	ProductID int64           `json:"product_id"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	AddedAt   time.Time       `json:"added_at"`
}

// Line groups the entries of one product for checkout. UnitPrice is the
// price captured by the earliest entry of that product.
type Line struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Subtotal returns Quantity x UnitPrice.
func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// View is the read model of a cart returned to shoppers.
type View struct {
	SessionID string          `json:"session_id"`
	Lines     []LineView      `json:"lines"`
	Total     decimal.Decimal `json:"total"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LineView adds stock reconciliation state to a line. Excess is the number
// of units above the last known stock; such lines are flagged, never dropped.
type LineView struct {
	Line
	Stock   *int `json:"stock,omitempty"`
	Excess  int  `json:"excess,omitempty"`
	Flagged bool `json:"flagged"`
}
