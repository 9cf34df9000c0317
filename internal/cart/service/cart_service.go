package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fjod/storefront/internal/cart/domain"
	"github.com/fjod/storefront/internal/cart/ledger"
	"github.com/fjod/storefront/internal/feed"
	invdomain "github.com/fjod/storefront/internal/inventory/domain"
	"github.com/fjod/storefront/pkg/apperr"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// StockReader is the read side of the stock ledger used to prime cart stock
// snapshots.
type StockReader interface {
	Get(ctx context.Context, productID int64) (invdomain.StockRecord, error)
}

// CartService hosts the ledgers of active shopper sessions. Each session is
// loaded once, serialized by its own lock and kept in sync with the stock
// feed.
type CartService struct {
	store ledger.Store
	stock StockReader
	hub   *feed.Hub
	log   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	loads    singleflight.Group // Prevents concurrent loads of one session
	reads    singleflight.Group // Collapses concurrent stock reads per product
	now      func() time.Time
}

type session struct {
	mu       sync.Mutex
	ledger   *ledger.Ledger
	unsub    func()
	lastSeen atomic.Int64 // unix nanos
}

// NewCartService creates the service. hub may be nil, in which case carts
// are not re-validated on stock changes.
func NewCartService(store ledger.Store, stock StockReader, hub *feed.Hub, log *slog.Logger) *CartService {
	return &CartService{
		store:    store,
		stock:    stock,
		hub:      hub,
		log:      log,
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

func (s *CartService) session(ctx context.Context, userID string) (*session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	s.mu.Unlock()
	if ok {
		sess.lastSeen.Store(s.now().UnixNano())
		return sess, nil
	}

	v, err, _ := s.loads.Do(userID, func() (interface{}, error) {
		s.mu.Lock()
		if sess, ok := s.sessions[userID]; ok {
			s.mu.Unlock()
			return sess, nil
		}
		s.mu.Unlock()

		l, err := ledger.Open(ctx, userID, s.store)
		if err != nil {
			return nil, err
		}
		sess := &session{ledger: l}
		sess.lastSeen.Store(s.now().UnixNano())
		for productID := range l.SnapshotGrouped() {
			if err := s.refreshStock(ctx, l, productID); err != nil {
				s.log.WarnContext(ctx, "failed to prime stock snapshot",
					slog.String("user_id", userID),
					slog.Int64("product_id", productID),
					slog.String("error", err.Error()))
			}
		}
		if s.hub != nil {
			sess.unsub = s.hub.SubscribeAll(userID, s.revalidate(userID, l))
		}

		s.mu.Lock()
		s.sessions[userID] = sess
		s.mu.Unlock()
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session), nil
}

// revalidate applies foreign stock changes to the session's cart.
func (s *CartService) revalidate(userID string, l *ledger.Ledger) feed.Callback {
	return func(ev feed.Event) {
		if !l.Tracks(ev.ProductID) {
			return
		}
		if excess := l.ApplyStock(ev.ProductID, ev.Quantity); excess > 0 {
			s.log.Info("cart exceeds available stock",
				slog.String("user_id", userID),
				slog.Int64("product_id", ev.ProductID),
				slog.Int("available", ev.Quantity),
				slog.Int("excess", excess))
		}
	}
}

func (s *CartService) refreshStock(ctx context.Context, l *ledger.Ledger, productID int64) error {
	v, err, _ := s.reads.Do(strconv.FormatInt(productID, 10), func() (interface{}, error) {
		return s.stock.Get(ctx, productID)
	})
	if err != nil {
		return err
	}
	l.ApplyStock(productID, v.(invdomain.StockRecord).Quantity)
	return nil
}

func (s *CartService) GetCart(ctx context.Context, userID string) (*domain.View, error) {
	sess, err := s.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	view := sess.ledger.View()
	return &view, nil
}

// AddItem adds one unit of productID at the price the shopper was shown.
func (s *CartService) AddItem(ctx context.Context, userID string, productID int64, unitPrice decimal.Decimal) (*domain.View, error) {
	if productID <= 0 {
		return nil, apperr.Validation("product_id must be positive")
	}
	sess, err := s.session(ctx, userID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if _, known := sess.ledger.StockSnapshot(productID); !known {
		if err := s.refreshStock(ctx, sess.ledger, productID); err != nil {
			return nil, fmt.Errorf("read stock: %w", err)
		}
	}
	if _, err := sess.ledger.Add(ctx, productID, unitPrice); err != nil {
		return nil, err
	}
	view := sess.ledger.View()
	return &view, nil
}

func (s *CartService) RemoveOne(ctx context.Context, userID string, productID int64) (*domain.View, error) {
	return s.mutate(ctx, userID, func(l *ledger.Ledger) error {
		return l.RemoveOne(ctx, productID)
	})
}

func (s *CartService) RemoveAll(ctx context.Context, userID string, productID int64) (*domain.View, error) {
	return s.mutate(ctx, userID, func(l *ledger.Ledger) error {
		return l.RemoveAll(ctx, productID)
	})
}

func (s *CartService) ClearCart(ctx context.Context, userID string) error {
	_, err := s.mutate(ctx, userID, func(l *ledger.Ledger) error {
		return l.Clear(ctx)
	})
	return err
}

func (s *CartService) mutate(ctx context.Context, userID string, fn func(*ledger.Ledger) error) (*domain.View, error) {
	sess, err := s.session(ctx, userID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := fn(sess.ledger); err != nil {
		return nil, err
	}
	view := sess.ledger.View()
	return &view, nil
}

// Lines returns the grouped cart of userID.
func (s *CartService) Lines(ctx context.Context, userID string) ([]domain.Line, error) {
	sess, err := s.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.ledger.Lines(), nil
}

// Checkout hands the grouped cart of userID to place and clears the cart
// once place succeeds. The session lock is held throughout, so concurrent
// checkouts of one cart run one after the other and no item can be added
// between the snapshot and the clear. An error from place is returned as is
// and leaves the cart untouched.
func (s *CartService) Checkout(ctx context.Context, userID string, place func(lines []domain.Line) error) error {
	sess, err := s.session(ctx, userID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := place(sess.ledger.Lines()); err != nil {
		return err
	}
	if err := sess.ledger.Clear(ctx); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

// ExpectWrite registers a pending stock write of userID so its echo on the
// feed is suppressed.
func (s *CartService) ExpectWrite(userID string, productID int64) {
	if s.hub != nil {
		s.hub.Expect(userID, productID)
	}
}

// Subscribe registers fn for foreign stock changes of productID as seen by
// userID. ok is false when the service runs without a feed.
func (s *CartService) Subscribe(userID string, productID int64, fn feed.Callback) (unsubscribe func(), ok bool) {
	if s.hub == nil {
		return nil, false
	}
	return s.hub.Subscribe(userID, productID, fn), true
}

// Evict drops the in-memory session of userID. The cart stays in the store.
// The feed subscriber of userID is kept while streams or pending writes
// still use it.
func (s *CartService) Evict(userID string) {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	s.mu.Unlock()

	if ok {
		// waits for an in-flight checkout of the session
		sess.mu.Lock()
		s.mu.Lock()
		if s.sessions[userID] == sess {
			delete(s.sessions, userID)
		}
		s.mu.Unlock()
		if sess.unsub != nil {
			sess.unsub()
		}
		sess.mu.Unlock()
	}
	if s.hub != nil {
		s.hub.Release(userID)
	}
}

// EvictIdle drops every session not used for longer than idle and returns
// how many were dropped.
func (s *CartService) EvictIdle(idle time.Duration) int {
	cutoff := s.now().Add(-idle).UnixNano()

	s.mu.Lock()
	var idleUsers []string
	for userID, sess := range s.sessions {
		if sess.lastSeen.Load() < cutoff {
			idleUsers = append(idleUsers, userID)
		}
	}
	s.mu.Unlock()

	for _, userID := range idleUsers {
		s.Evict(userID)
	}
	if s.hub != nil {
		// subscribers whose pending writes outlived their session
		s.hub.ReleaseIdle()
	}
	return len(idleUsers)
}

// Run evicts idle sessions every interval until ctx is done.
func (s *CartService) Run(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.EvictIdle(idle); n > 0 {
				s.log.Debug("evicted idle cart sessions", slog.Int("count", n))
			}
		}
	}
}

// RefreshStock re-reads the stock of every product in the cart and returns
// the flagged lines. Used before checkout to surface stale carts early.
func (s *CartService) RefreshStock(ctx context.Context, userID string) (map[int64]int, error) {
	sess, err := s.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	var errs []error
	for productID := range sess.ledger.SnapshotGrouped() {
		if err := s.refreshStock(ctx, sess.ledger, productID); err != nil {
			errs = append(errs, err)
		}
	}
	return sess.ledger.Flags(), errors.Join(errs...)
}
