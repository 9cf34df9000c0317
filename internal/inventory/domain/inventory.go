package domain

import "time"

// LowStockThreshold is the quantity at or below which a product is shown as
// running low.
const LowStockThreshold = 10

// StockRecord is the authoritative available quantity of a product.
type StockRecord struct {
	ProductID int64     `json:"product_id"`
	Quantity  int       `json:"quantity"`
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SoldOut reports whether nothing is left to sell.
func (s StockRecord) SoldOut() bool {
	return s.Quantity <= 0
}

// LowStock reports whether the product is available but close to selling out.
func (s StockRecord) LowStock() bool {
	return s.Quantity > 0 && s.Quantity <= LowStockThreshold
}

// MovementKind distinguishes the two ledger mutations recorded in the
// movement journal.
type MovementKind string

const (
	MovementDecrement MovementKind = "decrement"
	MovementRestore   MovementKind = "restore"
)
