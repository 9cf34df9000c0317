package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fjod/storefront/internal/inventory/compensation"
	invdomain "github.com/fjod/storefront/internal/inventory/domain"
	"github.com/fjod/storefront/internal/inventory/store"
	"github.com/fjod/storefront/internal/orders/domain"
	"github.com/fjod/storefront/internal/orders/repository"
	"github.com/fjod/storefront/pkg/apperr"
	"github.com/fjod/storefront/pkg/logger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStock fails restores of selected products until healed
type flakyStock struct {
	*store.MemoryStore
	mu      sync.Mutex
	failing map[int64]bool
	calls   atomic.Int32
}

func (f *flakyStock) Restore(ctx context.Context, productID int64, quantity int, ref string) (invdomain.StockRecord, error) {
	f.calls.Add(1)
	f.mu.Lock()
	fail := f.failing[productID]
	f.mu.Unlock()
	if fail {
		return invdomain.StockRecord{}, apperr.Persistence("restore", errors.New("stock backend unavailable"))
	}
	return f.MemoryStore.Restore(ctx, productID, quantity, ref)
}

func (f *flakyStock) heal() {
	f.mu.Lock()
	f.failing = nil
	f.mu.Unlock()
}

type recordingAlerter struct {
	mu     sync.Mutex
	refs   []string
	failed [][]int64
}

func (r *recordingAlerter) CompensationFailed(_ context.Context, ref string, productIDs []int64, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = append(r.refs, ref)
	r.failed = append(r.failed, productIDs)
}

var testPolicy = compensation.Policy{MaxTries: 2, MaxElapsed: time.Second, InitialInterval: time.Millisecond}

type fixture struct {
	lc     *Lifecycle
	repo   *repository.MemoryRepository
	stock  *flakyStock
	alerts *recordingAlerter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	t.Cleanup(func() { mem.Close() })

	f := &fixture{
		repo:   repository.NewMemoryRepository(),
		stock:  &flakyStock{MemoryStore: mem},
		alerts: &recordingAlerter{},
	}
	f.lc = New(f.repo, f.stock, f.alerts, logger.Discard(), Config{Restore: testPolicy, SweepInterval: 10 * time.Millisecond})
	return f
}

// placeOrder mimics a completed checkout: stock decremented under the order
// ref and the order persisted as pending.
func (f *fixture) placeOrder(t *testing.T, items map[int64]int) *domain.Order {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()

	var lines []domain.OrderItem
	for pid, qty := range items {
		_, err := f.stock.Decrement(ctx, pid, qty, domain.CheckoutRef(id))
		require.NoError(t, err)
		lines = append(lines, domain.OrderItem{ProductID: pid, Quantity: qty, UnitPrice: decimal.NewFromInt(10)})
	}
	order := domain.NewOrder(id, "user-1", domain.Customer{Name: "A", Phone: "1", Address: "X"}, lines, "", time.Now())
	require.NoError(t, f.repo.CreateOrder(ctx, order))
	return order
}

func (f *fixture) quantity(t *testing.T, pid int64) int {
	t.Helper()
	rec, err := f.stock.Get(context.Background(), pid)
	require.NoError(t, err)
	return rec.Quantity
}

func (f *fixture) seed(t *testing.T, stock map[int64]int) {
	t.Helper()
	for pid, qty := range stock {
		_, err := f.stock.SetStock(context.Background(), pid, qty)
		require.NoError(t, err)
	}
}

func TestCancelAndRestore_RestoresExactly(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[int64]int{1: 5, 2: 3})
	order := f.placeOrder(t, map[int64]int{1: 2, 2: 3})
	require.Equal(t, 3, f.quantity(t, 1))
	require.Equal(t, 0, f.quantity(t, 2))

	cancelled, err := f.lc.CancelAndRestore(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 5, f.quantity(t, 1))
	assert.Equal(t, 3, f.quantity(t, 2))

	got, err := f.lc.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status, "cancelled orders stay readable")
	assert.Empty(t, got.Unrestored())
}

func TestCancelAndRestore_SecondCancelIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[int64]int{1: 5})
	order := f.placeOrder(t, map[int64]int{1: 2})

	_, err := f.lc.CancelAndRestore(context.Background(), order.ID)
	require.NoError(t, err)

	_, err = f.lc.CancelAndRestore(context.Background(), order.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, 5, f.quantity(t, 1), "stock restored once")
}

func TestCancelAndRestore_ConcurrentCallersRestoreOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[int64]int{1: 10})
	order := f.placeOrder(t, map[int64]int{1: 4})

	var wins, notFound atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.lc.CancelAndRestore(context.Background(), order.ID)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, apperr.ErrNotFound):
				notFound.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), notFound.Load())
	assert.Equal(t, 10, f.quantity(t, 1))
}

func TestCancelAndRestore_UnknownOrder(t *testing.T) {
	f := newFixture(t)

	_, err := f.lc.CancelAndRestore(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCancelAndRestore_ShippedOrderCannotBeCancelled(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[int64]int{1: 5})
	order := f.placeOrder(t, map[int64]int{1: 1})

	_, err := f.lc.UpdateStatus(context.Background(), order.ID, domain.OrderStatusShipped)
	require.NoError(t, err)

	_, err = f.lc.CancelAndRestore(context.Background(), order.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, 4, f.quantity(t, 1))
}

func TestCancelAndRestore_PartialCompensationThenSweep(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[int64]int{1: 5, 2: 5})
	order := f.placeOrder(t, map[int64]int{1: 1, 2: 2})
	f.stock.failing = map[int64]bool{2: true}

	cancelled, err := f.lc.CancelAndRestore(context.Background(), order.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrPartialCompensation)
	assert.Equal(t, []int64{2}, apperr.ProductIDs(err))
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 5, f.quantity(t, 1))
	assert.Equal(t, 3, f.quantity(t, 2))

	require.Len(t, f.alerts.refs, 1)
	assert.Equal(t, domain.CancelRef(order.ID), f.alerts.refs[0])

	f.stock.heal()
	done, err := f.lc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Equal(t, 5, f.quantity(t, 1), "restored items are not restored again")
	assert.Equal(t, 5, f.quantity(t, 2))

	done, err = f.lc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, done)
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[int64]int{1: 5})
	order := f.placeOrder(t, map[int64]int{1: 2})
	f.stock.failing = map[int64]bool{1: true}

	_, err := f.lc.CancelAndRestore(context.Background(), order.ID)
	require.ErrorIs(t, err, apperr.ErrPartialCompensation)
	f.stock.heal()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.lc.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		rec, err := f.stock.Get(context.Background(), 1)
		return err == nil && rec.Quantity == 5
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestUpdateStatus_ForwardOnly(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[int64]int{1: 5})
	order := f.placeOrder(t, map[int64]int{1: 1})
	ctx := context.Background()

	updated, err := f.lc.UpdateStatus(ctx, order.ID, domain.OrderStatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, updated.Status)

	_, err = f.lc.UpdateStatus(ctx, order.ID, domain.OrderStatusDelivered)
	require.NoError(t, err)

	_, err = f.lc.UpdateStatus(ctx, order.ID, domain.OrderStatusShipped)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.lc.UpdateStatus(ctx, uuid.New(), domain.OrderStatusShipped)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdateStatus_CancelledRoutesThroughRestore(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[int64]int{1: 5})
	order := f.placeOrder(t, map[int64]int{1: 3})

	updated, err := f.lc.UpdateStatus(context.Background(), order.ID, domain.OrderStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, updated.Status)
	assert.Equal(t, 5, f.quantity(t, 1))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("active order is restored then removed", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, map[int64]int{1: 5})
		order := f.placeOrder(t, map[int64]int{1: 2})

		require.NoError(t, f.lc.Delete(ctx, order.ID))
		assert.Equal(t, 5, f.quantity(t, 1))
		_, err := f.lc.Get(ctx, order.ID)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("delivered order is removed without restoring", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, map[int64]int{1: 5})
		order := f.placeOrder(t, map[int64]int{1: 2})
		_, err := f.lc.UpdateStatus(ctx, order.ID, domain.OrderStatusDelivered)
		require.NoError(t, err)

		require.NoError(t, f.lc.Delete(ctx, order.ID))
		assert.Equal(t, 3, f.quantity(t, 1))
	})

	t.Run("record kept when restoration fails", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, map[int64]int{1: 5})
		order := f.placeOrder(t, map[int64]int{1: 2})
		f.stock.failing = map[int64]bool{1: true}

		err := f.lc.Delete(ctx, order.ID)
		assert.ErrorIs(t, err, apperr.ErrPartialCompensation)
		_, err = f.lc.Get(ctx, order.ID)
		assert.NoError(t, err)
	})
}

func TestListByUserNewestFirst(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[int64]int{1: 10})
	first := f.placeOrder(t, map[int64]int{1: 1})
	time.Sleep(time.Millisecond)
	second := f.placeOrder(t, map[int64]int{1: 1})

	orders, err := f.lc.ListByUser(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, second.ID, orders[0].ID)
	assert.Equal(t, first.ID, orders[1].ID)

	pending, err := f.lc.ListByStatus(context.Background(), domain.OrderStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestUpdateStatus_CancelAfterShippingIsInvalid(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[int64]int{1: 5})
	order := f.placeOrder(t, map[int64]int{1: 2})
	ctx := context.Background()

	_, err := f.lc.UpdateStatus(ctx, order.ID, domain.OrderStatusShipped)
	require.NoError(t, err)

	_, err = f.lc.UpdateStatus(ctx, order.ID, domain.OrderStatusCancelled)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, 3, f.quantity(t, 1), "shipped stock stays taken")

	got, err := f.lc.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusShipped, got.Status)
}

func TestCancelAndRestore_RestoresAfterCallerLeaves(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[int64]int{1: 5})
	order := f.placeOrder(t, map[int64]int{1: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cancelled, err := f.lc.CancelAndRestore(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 5, f.quantity(t, 1))
}

func TestSweep_SettlesUnknownCheckoutDecrements(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[int64]int{1: 5, 2: 5, 3: 1})
	ctx := context.Background()

	// the ledger took product 1 but the reply was lost
	taken := uuid.New()
	_, err := f.stock.Decrement(ctx, 1, 2, domain.CheckoutRef(taken))
	require.NoError(t, err)
	require.NoError(t, f.repo.AddSettlement(ctx, domain.Settlement{OrderID: taken, ProductID: 1, Quantity: 2, CreatedAt: time.Now()}))

	// never reached the ledger
	missed := uuid.New()
	require.NoError(t, f.repo.AddSettlement(ctx, domain.Settlement{OrderID: missed, ProductID: 2, Quantity: 3, CreatedAt: time.Now()}))

	// would be rejected now
	short := uuid.New()
	require.NoError(t, f.repo.AddSettlement(ctx, domain.Settlement{OrderID: short, ProductID: 3, Quantity: 4, CreatedAt: time.Now()}))

	done, err := f.lc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, done)
	assert.Equal(t, 5, f.quantity(t, 1))
	assert.Equal(t, 5, f.quantity(t, 2))
	assert.Equal(t, 1, f.quantity(t, 3))

	left, err := f.repo.ListSettlements(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)

	done, err = f.lc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, done)
	assert.Equal(t, 5, f.quantity(t, 1), "settling is not repeated")
}

func TestSweep_KeepsSettlementWhileStockUnreachable(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[int64]int{1: 5})
	ctx := context.Background()

	id := uuid.New()
	_, err := f.stock.Decrement(ctx, 1, 2, domain.CheckoutRef(id))
	require.NoError(t, err)
	require.NoError(t, f.repo.AddSettlement(ctx, domain.Settlement{OrderID: id, ProductID: 1, Quantity: 2, CreatedAt: time.Now()}))
	f.stock.failing = map[int64]bool{1: true}

	done, err := f.lc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, done)
	left, err := f.repo.ListSettlements(ctx)
	require.NoError(t, err)
	assert.Len(t, left, 1)

	f.stock.heal()
	done, err = f.lc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Equal(t, 5, f.quantity(t, 1))
}
