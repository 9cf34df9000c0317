// Package ledger holds the shopper-owned cart: an ordered multiset of one
// unit entries persisted on every change.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/fjod/storefront/internal/cart/domain"
	"github.com/fjod/storefront/pkg/apperr"
	"github.com/shopspring/decimal"
)

// Store persists the entry sequence of a session.
type Store interface {
	// Load returns the saved entries in insertion order, empty when none.
	Load(ctx context.Context, sessionID string) ([]domain.Entry, error)
	// Save replaces the saved entries of the session.
	Save(ctx context.Context, sessionID string, entries []domain.Entry) error
}

// Ledger is the cart of one session. Every mutation is saved before it
// returns; a failed save leaves the ledger as it was.
type Ledger struct {
	mu        sync.Mutex
	sessionID string
	store     Store
	entries   []domain.Entry
	stock     map[int64]int // productID -> last known stock
	updatedAt time.Time
	now       func() time.Time
}

// Open loads the saved cart of sessionID.
func Open(ctx context.Context, sessionID string, store Store) (*Ledger, error) {
	entries, err := store.Load(ctx, sessionID)
	if err != nil {
		return nil, apperr.Persistence("load cart", err)
	}
	l := &Ledger{
		sessionID: sessionID,
		store:     store,
		entries:   entries,
		stock:     make(map[int64]int),
		now:       time.Now,
	}
	if n := len(entries); n > 0 {
		l.updatedAt = entries[n-1].AddedAt
	}
	return l, nil
}

func (l *Ledger) SessionID() string { return l.sessionID }

// Add appends one unit of productID priced at unitPrice. It fails with a
// conflict when the cart already holds as many units as the last known stock.
func (l *Ledger) Add(ctx context.Context, productID int64, unitPrice decimal.Decimal) (domain.Entry, error) {
	if unitPrice.IsNegative() {
		return domain.Entry{}, apperr.Validation("unit price must not be negative")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	limit, known := l.stock[productID]
	if !known {
		return domain.Entry{}, apperr.Validation("no stock snapshot for product %d", productID)
	}
	if l.countLocked(productID) >= limit {
		return domain.Entry{}, apperr.Conflict("cart already holds all available stock", productID)
	}

	entry := domain.Entry{ProductID: productID, UnitPrice: unitPrice, AddedAt: l.now()}
	next := append(l.cloneLocked(), entry)
	if err := l.commitLocked(ctx, next); err != nil {
		return domain.Entry{}, err
	}
	return entry, nil
}

// RemoveOne deletes the most recently added entry of productID.
func (l *Ledger) RemoveOne(ctx context.Context, productID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := -1
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].ProductID == productID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return apperr.NotFound("product %d is not in the cart", productID)
	}

	next := make([]domain.Entry, 0, len(l.entries)-1)
	next = append(next, l.entries[:idx]...)
	next = append(next, l.entries[idx+1:]...)
	return l.commitLocked(ctx, next)
}

// RemoveAll deletes every entry of productID. Removing an absent product is
// a no-op.
func (l *Ledger) RemoveAll(ctx context.Context, productID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := make([]domain.Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.ProductID != productID {
			next = append(next, e)
		}
	}
	if len(next) == len(l.entries) {
		return nil
	}
	return l.commitLocked(ctx, next)
}

// Clear empties the cart.
func (l *Ledger) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == 0 {
		return nil
	}
	return l.commitLocked(ctx, nil)
}

// SnapshotGrouped returns the number of units per product.
func (l *Ledger) SnapshotGrouped() map[int64]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[int64]int)
	for _, e := range l.entries {
		counts[e.ProductID]++
	}
	return counts
}

// Lines groups the entries per product in first-added order.
func (l *Ledger) Lines() []domain.Line {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.linesLocked()
}

func (l *Ledger) linesLocked() []domain.Line {
	index := make(map[int64]int)
	var lines []domain.Line
	for _, e := range l.entries {
		i, ok := index[e.ProductID]
		if !ok {
			index[e.ProductID] = len(lines)
			lines = append(lines, domain.Line{ProductID: e.ProductID, UnitPrice: e.UnitPrice})
			i = len(lines) - 1
		}
		lines[i].Quantity++
	}
	return lines
}

// Entries returns a copy of the entry sequence.
func (l *Ledger) Entries() []domain.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cloneLocked()
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// ApplyStock records the latest known stock of productID and returns how
// many units in the cart exceed it. Entries are never dropped here.
func (l *Ledger) ApplyStock(productID int64, quantity int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stock[productID] = quantity
	if excess := l.countLocked(productID) - quantity; excess > 0 {
		return excess
	}
	return 0
}

// Tracks reports whether the ledger cares about stock changes of productID.
func (l *Ledger) Tracks(productID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.stock[productID]; ok {
		return true
	}
	return l.countLocked(productID) > 0
}

// StockSnapshot returns the last known stock of productID.
func (l *Ledger) StockSnapshot(productID int64) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.stock[productID]
	return q, ok
}

// Flags returns the excess units per product whose cart quantity is above
// the last known stock.
func (l *Ledger) Flags() map[int64]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	flags := make(map[int64]int)
	for _, line := range l.linesLocked() {
		if limit, ok := l.stock[line.ProductID]; ok && line.Quantity > limit {
			flags[line.ProductID] = line.Quantity - limit
		}
	}
	return flags
}

// View renders the cart with its reconciliation state.
func (l *Ledger) View() domain.View {
	l.mu.Lock()
	defer l.mu.Unlock()

	view := domain.View{SessionID: l.sessionID, Total: decimal.Zero, UpdatedAt: l.updatedAt}
	for _, line := range l.linesLocked() {
		lv := domain.LineView{Line: line}
		if limit, ok := l.stock[line.ProductID]; ok {
			stock := limit
			lv.Stock = &stock
			if line.Quantity > limit {
				lv.Excess = line.Quantity - limit
				lv.Flagged = true
			}
		}
		view.Lines = append(view.Lines, lv)
		view.Total = view.Total.Add(line.Subtotal())
	}
	return view
}

func (l *Ledger) countLocked(productID int64) int {
	n := 0
	for _, e := range l.entries {
		if e.ProductID == productID {
			n++
		}
	}
	return n
}

func (l *Ledger) cloneLocked() []domain.Entry {
	out := make([]domain.Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// commitLocked saves next and only then makes it the current state.
func (l *Ledger) commitLocked(ctx context.Context, next []domain.Entry) error {
	if err := l.store.Save(ctx, l.sessionID, next); err != nil {
		return apperr.Persistence("save cart", err)
	}
	l.entries = next
	l.updatedAt = l.now()
	return nil
}
