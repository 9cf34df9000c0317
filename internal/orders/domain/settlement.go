package domain

import (
	"time"

	"github.com/google/uuid"
)

// Settlement is a checkout decrement whose outcome the stock ledger never
// confirmed. It stays recorded until the decrement is either found to be
// rejected or given back under the checkout's rollback ref.
type Settlement struct {
	OrderID   uuid.UUID
	ProductID int64
	Quantity  int
	CreatedAt time.Time
}
