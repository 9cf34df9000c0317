package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fjod/storefront/internal/cart/domain"
	"github.com/fjod/storefront/internal/feed"
	invdomain "github.com/fjod/storefront/internal/inventory/domain"
	"github.com/fjod/storefront/pkg/apperr"
	"github.com/fjod/storefront/pkg/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	carts map[string][]domain.Entry
	loads atomic.Int32
}

func newMemStore() *memStore {
	return &memStore{carts: make(map[string][]domain.Entry)}
}

func (m *memStore) Load(_ context.Context, sessionID string) ([]domain.Entry, error) {
	m.loads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Entry(nil), m.carts[sessionID]...), nil
}

func (m *memStore) Save(_ context.Context, sessionID string, entries []domain.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carts[sessionID] = append([]domain.Entry(nil), entries...)
	return nil
}

type fakeStock struct {
	mu    sync.Mutex
	stock map[int64]int
	err   error
	reads int
}

func (f *fakeStock) Get(_ context.Context, productID int64) (invdomain.StockRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return invdomain.StockRecord{}, f.err
	}
	qty, ok := f.stock[productID]
	if !ok {
		return invdomain.StockRecord{}, apperr.NotFound("product %d not found", productID)
	}
	return invdomain.StockRecord{ProductID: productID, Quantity: qty, Revision: 1}, nil
}

var price = decimal.RequireFromString("9.99")

func TestCartService_AddItemPrimesStock(t *testing.T) {
	ctx := context.Background()
	stock := &fakeStock{stock: map[int64]int{1: 2}}
	svc := NewCartService(newMemStore(), stock, nil, logger.Discard())

	view, err := svc.AddItem(ctx, "user-1", 1, price)
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)
	assert.Equal(t, 1, view.Lines[0].Quantity)

	_, err = svc.AddItem(ctx, "user-1", 1, price)
	require.NoError(t, err)
	assert.Equal(t, 1, stock.reads, "snapshot should be read once")

	_, err = svc.AddItem(ctx, "user-1", 1, price)
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestCartService_AddItemUnknownProduct(t *testing.T) {
	svc := NewCartService(newMemStore(), &fakeStock{stock: map[int64]int{}}, nil, logger.Discard())

	_, err := svc.AddItem(context.Background(), "user-1", 42, price)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = svc.AddItem(context.Background(), "user-1", 0, price)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestCartService_RemoveAndClear(t *testing.T) {
	ctx := context.Background()
	svc := NewCartService(newMemStore(), &fakeStock{stock: map[int64]int{1: 5, 2: 5}}, nil, logger.Discard())

	for _, pid := range []int64{1, 1, 2} {
		_, err := svc.AddItem(ctx, "user-1", pid, price)
		require.NoError(t, err)
	}

	view, err := svc.RemoveOne(ctx, "user-1", 1)
	require.NoError(t, err)
	assert.Len(t, view.Lines, 2)

	view, err = svc.RemoveAll(ctx, "user-1", 2)
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)
	assert.Equal(t, int64(1), view.Lines[0].ProductID)

	_, err = svc.RemoveOne(ctx, "user-1", 2)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	require.NoError(t, svc.ClearCart(ctx, "user-1"))
	lines, err := svc.Lines(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestCartService_SessionLoadedOnce(t *testing.T) {
	store := newMemStore()
	svc := NewCartService(store, &fakeStock{stock: map[int64]int{}}, nil, logger.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.GetCart(context.Background(), "user-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), store.loads.Load())
}

func TestCartService_EvictReloadsFromStore(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := NewCartService(store, &fakeStock{stock: map[int64]int{1: 5}}, nil, logger.Discard())

	_, err := svc.AddItem(ctx, "user-1", 1, price)
	require.NoError(t, err)
	svc.Evict("user-1")

	lines, err := svc.Lines(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, 2, int(store.loads.Load()))
}

func TestCartService_ForeignStockChangeFlagsCart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := feed.NewMemoryBus()
	hub := feed.NewHub(bus, time.Second, logger.Discard())
	require.NoError(t, hub.Start(ctx))

	svc := NewCartService(newMemStore(), &fakeStock{stock: map[int64]int{1: 5}}, hub, logger.Discard())
	for i := 0; i < 3; i++ {
		_, err := svc.AddItem(ctx, "user-1", 1, price)
		require.NoError(t, err)
	}

	require.NoError(t, bus.Publish(ctx, feed.Event{ProductID: 1, Quantity: 1, Revision: 7, ActorID: "user-2"}))

	assert.Eventually(t, func() bool {
		view, err := svc.GetCart(ctx, "user-1")
		return err == nil && len(view.Lines) == 1 && view.Lines[0].Flagged
	}, time.Second, 10*time.Millisecond)

	view, err := svc.GetCart(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, view.Lines[0].Quantity, "flagged lines are kept")
	assert.Equal(t, 2, view.Lines[0].Excess)
}

func TestCartService_OwnEchoIsSuppressed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := feed.NewMemoryBus()
	hub := feed.NewHub(bus, time.Second, logger.Discard())
	require.NoError(t, hub.Start(ctx))

	svc := NewCartService(newMemStore(), &fakeStock{stock: map[int64]int{1: 5}}, hub, logger.Discard())
	_, err := svc.AddItem(ctx, "user-1", 1, price)
	require.NoError(t, err)

	var calls atomic.Int32
	unsub, ok := svc.Subscribe("user-1", 1, func(feed.Event) { calls.Add(1) })
	require.True(t, ok)
	defer unsub()

	svc.ExpectWrite("user-1", 1)
	require.NoError(t, bus.Publish(ctx, feed.Event{ProductID: 1, Quantity: 0, Revision: 2, ActorID: "user-1"}))
	require.NoError(t, bus.Publish(ctx, feed.Event{ProductID: 1, Quantity: 4, Revision: 3, ActorID: "user-2"}))

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 10*time.Millisecond)

	view, err := svc.GetCart(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, view.Lines[0].Stock)
	assert.Equal(t, 4, *view.Lines[0].Stock)
}

func TestCartService_RefreshStockReportsFlags(t *testing.T) {
	ctx := context.Background()
	stock := &fakeStock{stock: map[int64]int{1: 3}}
	svc := NewCartService(newMemStore(), stock, nil, logger.Discard())

	for i := 0; i < 3; i++ {
		_, err := svc.AddItem(ctx, "user-1", 1, price)
		require.NoError(t, err)
	}

	stock.mu.Lock()
	stock.stock[1] = 1
	stock.mu.Unlock()

	flags, err := svc.RefreshStock(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{1: 2}, flags)
}

func TestCartService_EvictIdle(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := NewCartService(store, &fakeStock{stock: map[int64]int{1: 5}}, nil, logger.Discard())
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	_, err := svc.AddItem(ctx, "idle", 1, price)
	require.NoError(t, err)
	now = now.Add(20 * time.Minute)
	_, err = svc.AddItem(ctx, "active", 1, price)
	require.NoError(t, err)

	assert.Equal(t, 1, svc.EvictIdle(10*time.Minute))
	assert.Equal(t, int32(2), store.loads.Load())

	// the evicted cart comes back from the store
	view, err := svc.GetCart(ctx, "idle")
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)
	assert.Equal(t, int32(3), store.loads.Load())

	_, err = svc.GetCart(ctx, "active")
	require.NoError(t, err)
	assert.Equal(t, int32(3), store.loads.Load())
}

func TestCartService_CheckoutClearsOnlyAfterPlace(t *testing.T) {
	ctx := context.Background()
	svc := NewCartService(newMemStore(), &fakeStock{stock: map[int64]int{1: 5, 2: 5}}, nil, logger.Discard())
	_, err := svc.AddItem(ctx, "user-1", 1, price)
	require.NoError(t, err)

	rejected := apperr.Conflict("insufficient stock", 1)
	err = svc.Checkout(ctx, "user-1", func([]domain.Line) error { return rejected })
	assert.ErrorIs(t, err, rejected)
	lines, err := svc.Lines(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, lines, 1, "failed checkout keeps the cart")

	var placed []domain.Line
	require.NoError(t, svc.Checkout(ctx, "user-1", func(lines []domain.Line) error {
		placed = lines
		return nil
	}))
	assert.Len(t, placed, 1)
	lines, err = svc.Lines(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestCartService_CheckoutHoldsSessionLock(t *testing.T) {
	ctx := context.Background()
	svc := NewCartService(newMemStore(), &fakeStock{stock: map[int64]int{1: 5, 2: 5}}, nil, logger.Discard())
	_, err := svc.AddItem(ctx, "user-1", 1, price)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- svc.Checkout(ctx, "user-1", func([]domain.Line) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	added := make(chan error, 1)
	go func() {
		_, err := svc.AddItem(ctx, "user-1", 2, price)
		added <- err
	}()

	select {
	case <-added:
		t.Fatal("item added while checkout held the cart")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-added)

	lines, err := svc.Lines(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, lines, 1, "item added during checkout survives the clear")
	assert.Equal(t, int64(2), lines[0].ProductID)
}

func TestCartService_EvictKeepsOpenStreams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := feed.NewMemoryBus()
	hub := feed.NewHub(bus, time.Second, logger.Discard())
	require.NoError(t, hub.Start(ctx))

	svc := NewCartService(newMemStore(), &fakeStock{stock: map[int64]int{1: 5}}, hub, logger.Discard())
	_, err := svc.AddItem(ctx, "user-1", 1, price)
	require.NoError(t, err)

	got := make(chan feed.Event, 1)
	unsub, ok := svc.Subscribe("user-1", 1, func(ev feed.Event) { got <- ev })
	require.True(t, ok)
	defer unsub()

	svc.Evict("user-1")
	require.NoError(t, bus.Publish(ctx, feed.Event{ProductID: 1, Quantity: 2, Revision: 4, ActorID: "user-2"}))

	select {
	case ev := <-got:
		assert.Equal(t, 2, ev.Quantity)
	case <-time.After(time.Second):
		t.Fatal("open stream stopped receiving after the session was evicted")
	}
}
