package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fjod/storefront/internal/cart/domain"
	"github.com/fjod/storefront/pkg/apperr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore keeps saved carts in memory and can be told to fail
type fakeStore struct {
	saved   map[string][]domain.Entry
	saveErr error
	loadErr error
	saves   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string][]domain.Entry)}
}

func (f *fakeStore) Load(_ context.Context, sessionID string) ([]domain.Entry, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return append([]domain.Entry(nil), f.saved[sessionID]...), nil
}

func (f *fakeStore) Save(_ context.Context, sessionID string, entries []domain.Entry) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves++
	f.saved[sessionID] = append([]domain.Entry(nil), entries...)
	return nil
}

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func openLedger(t *testing.T, store *fakeStore) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), "session-1", store)
	require.NoError(t, err)
	tick := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	return l
}

func TestLedger_AddRespectsStockSnapshot(t *testing.T) {
	store := newFakeStore()
	l := openLedger(t, store)
	ctx := context.Background()

	l.ApplyStock(3, 2)
	_, err := l.Add(ctx, 3, price("10"))
	require.NoError(t, err)
	_, err = l.Add(ctx, 3, price("10"))
	require.NoError(t, err)

	_, err = l.Add(ctx, 3, price("10"))
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, []int64{3}, apperr.ProductIDs(err))
	assert.Equal(t, map[int64]int{3: 2}, l.SnapshotGrouped())
	assert.Len(t, store.saved["session-1"], 2)
}

func TestLedger_AddWithoutSnapshot(t *testing.T) {
	l := openLedger(t, newFakeStore())

	_, err := l.Add(context.Background(), 3, price("1"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestLedger_AddRejectsNegativePrice(t *testing.T) {
	l := openLedger(t, newFakeStore())
	l.ApplyStock(3, 5)

	_, err := l.Add(context.Background(), 3, price("-1"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestLedger_RemoveOneTakesMostRecentEntry(t *testing.T) {
	store := newFakeStore()
	l := openLedger(t, store)
	ctx := context.Background()
	l.ApplyStock(1, 10)
	l.ApplyStock(2, 10)

	_, _ = l.Add(ctx, 1, price("5.00"))
	_, _ = l.Add(ctx, 2, price("7.00"))
	_, _ = l.Add(ctx, 1, price("6.00"))

	require.NoError(t, l.RemoveOne(ctx, 1))

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].ProductID)
	assert.True(t, entries[0].UnitPrice.Equal(price("5.00")))
	assert.Equal(t, int64(2), entries[1].ProductID)

	err := l.RemoveOne(ctx, 9)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLedger_RemoveAllAndClear(t *testing.T) {
	store := newFakeStore()
	l := openLedger(t, store)
	ctx := context.Background()
	l.ApplyStock(1, 10)
	l.ApplyStock(2, 10)

	_, _ = l.Add(ctx, 1, price("5"))
	_, _ = l.Add(ctx, 1, price("5"))
	_, _ = l.Add(ctx, 2, price("3"))

	require.NoError(t, l.RemoveAll(ctx, 1))
	assert.Equal(t, map[int64]int{2: 1}, l.SnapshotGrouped())

	saves := store.saves
	require.NoError(t, l.RemoveAll(ctx, 1))
	assert.Equal(t, saves, store.saves, "removing an absent product does not write")

	require.NoError(t, l.Clear(ctx))
	assert.Empty(t, l.SnapshotGrouped())
	assert.Empty(t, store.saved["session-1"])
}

func TestLedger_FailedSaveLeavesStateUnchanged(t *testing.T) {
	store := newFakeStore()
	l := openLedger(t, store)
	ctx := context.Background()
	l.ApplyStock(1, 10)
	_, _ = l.Add(ctx, 1, price("5"))

	store.saveErr = errors.New("disk full")

	_, err := l.Add(ctx, 1, price("5"))
	assert.ErrorIs(t, err, apperr.ErrPersistence)
	assert.ErrorIs(t, l.RemoveOne(ctx, 1), apperr.ErrPersistence)
	assert.ErrorIs(t, l.Clear(ctx), apperr.ErrPersistence)

	assert.Equal(t, map[int64]int{1: 1}, l.SnapshotGrouped())
}

func TestLedger_SurvivesReopen(t *testing.T) {
	store := newFakeStore()
	l := openLedger(t, store)
	ctx := context.Background()
	l.ApplyStock(1, 10)
	_, _ = l.Add(ctx, 1, price("2.50"))
	_, _ = l.Add(ctx, 1, price("2.50"))

	reopened, err := Open(ctx, "session-1", store)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{1: 2}, reopened.SnapshotGrouped())
}

func TestLedger_OpenLoadFailure(t *testing.T) {
	store := newFakeStore()
	store.loadErr = errors.New("locked")

	_, err := Open(context.Background(), "session-1", store)
	assert.ErrorIs(t, err, apperr.ErrPersistence)
}

func TestLedger_LinesUseEarliestPrice(t *testing.T) {
	l := openLedger(t, newFakeStore())
	ctx := context.Background()
	l.ApplyStock(1, 10)
	l.ApplyStock(2, 10)

	_, _ = l.Add(ctx, 2, price("3.00"))
	_, _ = l.Add(ctx, 1, price("5.00"))
	_, _ = l.Add(ctx, 2, price("3.50"))

	lines := l.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, int64(2), lines[0].ProductID)
	assert.Equal(t, 2, lines[0].Quantity)
	assert.True(t, lines[0].UnitPrice.Equal(price("3.00")))
	assert.Equal(t, int64(1), lines[1].ProductID)
}

func TestLedger_ApplyStockFlagsWithoutDropping(t *testing.T) {
	l := openLedger(t, newFakeStore())
	ctx := context.Background()
	l.ApplyStock(1, 5)
	for i := 0; i < 3; i++ {
		_, err := l.Add(ctx, 1, price("4"))
		require.NoError(t, err)
	}

	excess := l.ApplyStock(1, 1)

	assert.Equal(t, 2, excess)
	assert.Equal(t, map[int64]int{1: 2}, l.Flags())
	assert.Equal(t, 3, l.SnapshotGrouped()[1])

	view := l.View()
	require.Len(t, view.Lines, 1)
	assert.True(t, view.Lines[0].Flagged)
	assert.Equal(t, 2, view.Lines[0].Excess)
	assert.Equal(t, 1, *view.Lines[0].Stock)
	assert.True(t, view.Total.Equal(price("12")))

	// applying the same stock twice is idempotent
	assert.Equal(t, 2, l.ApplyStock(1, 1))

	// restock clears the flag
	assert.Equal(t, 0, l.ApplyStock(1, 3))
	assert.Empty(t, l.Flags())
}

func TestLedger_Tracks(t *testing.T) {
	l := openLedger(t, newFakeStore())
	assert.False(t, l.Tracks(1))
	l.ApplyStock(1, 0)
	assert.True(t, l.Tracks(1))
}
