package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/storefront/internal/inventory/domain"
	"github.com/fjod/storefront/pkg/apperr"
)

// Common errors returned by the store. They are always wrapped in an
// *apperr.Error carrying the matching kind.
var (
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("invalid quantity")
)

// Ledger is the authoritative stock store.
//
// A non-empty ref makes Decrement and Restore idempotent: the movement is
// applied at most once per (ref, product, kind) and a replay returns the
// current record without changing it.
type Ledger interface {
	// Get returns the current stock of a product.
	Get(ctx context.Context, productID int64) (domain.StockRecord, error)

	// Decrement subtracts quantity if at least quantity is available.
	// Fails with a conflict and leaves the stock unchanged otherwise.
	Decrement(ctx context.Context, productID int64, quantity int, ref string) (domain.StockRecord, error)

	// Restore adds quantity back. Only compensation paths call it.
	Restore(ctx context.Context, productID int64, quantity int, ref string) (domain.StockRecord, error)

	// SetStock overwrites the quantity of a product, creating it if needed.
	SetStock(ctx context.Context, productID int64, quantity int) (domain.StockRecord, error)

	// Close releases the resources held by the store
	Close() error
}

func notFound(productID int64) error {
	return &apperr.Error{Kind: apperr.ErrNotFound, ProductIDs: []int64{productID}, Err: ErrProductNotFound}
}

func insufficient(productID int64) error {
	return &apperr.Error{Kind: apperr.ErrConflict, ProductIDs: []int64{productID}, Err: ErrInsufficientStock}
}

func invalidQuantity(quantity int) error {
	return &apperr.Error{Kind: apperr.ErrValidation, Message: fmt.Sprintf("quantity %d", quantity), Err: ErrInvalidQuantity}
}

func persistence(op string, err error) error {
	return apperr.Persistence(op, err)
}

func validateDecrement(quantity int) error {
	if quantity <= 0 {
		return invalidQuantity(quantity)
	}
	return nil
}

func validateRestore(quantity int) error {
	if quantity < 0 {
		return invalidQuantity(quantity)
	}
	return nil
}

type movementKey struct {
	ref       string
	productID int64
	kind      domain.MovementKind
}
