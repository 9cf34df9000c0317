package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	cartdomain "github.com/fjod/storefront/internal/cart/domain"
	"github.com/fjod/storefront/internal/checkout/profile"
	"github.com/fjod/storefront/internal/feed"
	"github.com/fjod/storefront/internal/inventory/compensation"
	invdomain "github.com/fjod/storefront/internal/inventory/domain"
	"github.com/fjod/storefront/internal/orders/domain"
	"github.com/fjod/storefront/internal/orders/repository"
	"github.com/fjod/storefront/pkg/apperr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type CheckoutRequest struct {
	UserID         string
	IdempotencyKey string
}

// CartSource is the shopper's cart as seen by checkout.
type CartSource interface {
	// Checkout hands the grouped cart to place and clears it once place
	// succeeds. The cart cannot change in between, and concurrent checkouts
	// of one cart run one after the other.
	Checkout(ctx context.Context, userID string, place func(lines []cartdomain.Line) error) error
	// ExpectWrite marks the next stock event of productID as the shopper's own.
	ExpectWrite(userID string, productID int64)
}

type StockLedger interface {
	compensation.Ledger
	Get(ctx context.Context, productID int64) (invdomain.StockRecord, error)
}

type OrderStore interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Order, error)
	AddSettlement(ctx context.Context, s domain.Settlement) error
}

// errReplayed stops a checkout that found an existing order for its
// idempotency key, so the cart is left as it is.
var errReplayed = errors.New("order already placed for idempotency key")

type Notifier interface {
	OrderPlaced(ctx context.Context, order *domain.Order)
	CompensationFailed(ctx context.Context, ref string, productIDs []int64, cause error)
}

type Config struct {
	// StockTimeout bounds each stock call.
	StockTimeout time.Duration
	// DecrementTries is how often a transient decrement failure is attempted.
	DecrementTries uint
	Rollback       compensation.Policy
}

func DefaultConfig() Config {
	return Config{
		StockTimeout:   3 * time.Second,
		DecrementTries: 3,
		Rollback:       compensation.DefaultPolicy(),
	}
}

// Coordinator turns a cart into an order. Stock for every line is taken
// under the order id before the order exists; any failure gives all of it
// back, so partial orders are never visible.
type Coordinator struct {
	cart     CartSource
	stock    StockLedger
	orders   OrderStore
	profiles profile.Resolver
	notifier Notifier
	log      *slog.Logger
	cfg      Config
	now      func() time.Time
	newID    func() uuid.UUID
}

func NewCoordinator(cart CartSource, stock StockLedger, orders OrderStore, profiles profile.Resolver, notifier Notifier, log *slog.Logger, cfg Config) *Coordinator {
	if cfg.DecrementTries == 0 {
		cfg.DecrementTries = 1
	}
	return &Coordinator{
		cart:     cart,
		stock:    stock,
		orders:   orders,
		profiles: profiles,
		notifier: notifier,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.New,
	}
}

func (c *Coordinator) Submit(ctx context.Context, req CheckoutRequest) (*domain.Order, error) {
	ctx, span := otel.Tracer("checkout-coordinator").Start(ctx, "Submit")
	defer span.End()
	span.SetAttributes(attribute.String("checkout.user_id", req.UserID))

	order, err := c.submit(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", order.ID.String()))
	return order, nil
}

func (c *Coordinator) submit(ctx context.Context, req CheckoutRequest) (*domain.Order, error) {
	if req.UserID == "" {
		return nil, apperr.Validation("user id is required")
	}

	var order *domain.Order
	err := c.cart.Checkout(ctx, req.UserID, func(lines []cartdomain.Line) error {
		placed, err := c.place(ctx, req, lines)
		order = placed
		return err
	})
	switch {
	case errors.Is(err, errReplayed):
		return order, nil
	case order == nil:
		return nil, err
	case err != nil:
		c.log.WarnContext(ctx, "failed to clear cart after checkout",
			slog.String("order_id", order.ID.String()),
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()))
	}

	c.notifier.OrderPlaced(ctx, order)
	c.log.InfoContext(ctx, "order placed",
		slog.String("order_id", order.ID.String()),
		slog.String("user_id", req.UserID),
		slog.Int("lines", len(order.Items)),
		slog.String("total", order.TotalPrice.StringFixed(2)))
	return order, nil
}

// place takes stock for every line and persists the order. It runs while the
// cart is held. A non-nil order with errReplayed is an earlier order for the
// same idempotency key.
func (c *Coordinator) place(ctx context.Context, req CheckoutRequest, lines []cartdomain.Line) (*domain.Order, error) {
	if req.IdempotencyKey != "" {
		existing, err := c.orders.GetOrderByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		if err == nil {
			c.log.InfoContext(ctx, "duplicate checkout request",
				slog.String("idempotency_key", req.IdempotencyKey),
				slog.String("order_id", existing.ID.String()))
			return existing, errReplayed
		}
		if !errors.Is(err, repository.ErrOrderNotFound) {
			return nil, apperr.Persistence("check idempotency key", err)
		}
	}

	if len(lines) == 0 {
		return nil, apperr.Validation("cart is empty, nothing to checkout")
	}

	customer, err := c.profiles.Resolve(ctx, req.UserID)
	if err != nil && !errors.Is(err, profile.ErrProfileNotFound) {
		return nil, apperr.Persistence("resolve profile", err)
	}
	if !customer.Complete() {
		return nil, apperr.Validation("profile is incomplete: name, phone and address are required")
	}

	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })

	orderID := c.newID()
	ctx = feed.WithActor(ctx, req.UserID)

	items := make([]domain.OrderItem, 0, len(lines))
	for _, line := range lines {
		c.cart.ExpectWrite(req.UserID, line.ProductID)
		if err := c.decrement(ctx, line.ProductID, line.Quantity, domain.CheckoutRef(orderID)); err != nil {
			if !compensation.Rejected(err) {
				c.settle(ctx, orderID, line)
			}
			c.rollback(ctx, orderID, items)
			return nil, c.decrementFailure(ctx, orderID, lines, line, err)
		}
		items = append(items, domain.OrderItem{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}

	order := domain.NewOrder(orderID, req.UserID, customer, items, req.IdempotencyKey, c.now())
	if err := c.orders.CreateOrder(ctx, order); err != nil {
		c.rollback(ctx, orderID, items)
		if errors.Is(err, repository.ErrDuplicateOrder) {
			// a concurrent request with the same key won
			if existing, getErr := c.orders.GetOrderByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey); getErr == nil {
				return existing, errReplayed
			}
		}
		c.log.ErrorContext(ctx, "failed to persist order",
			slog.String("order_id", orderID.String()),
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()))
		return nil, apperr.Persistence("persist order", err)
	}
	return order, nil
}

// decrement retries transient failures under the same ref, so a retry of a
// decrement that already landed is a replay.
func (c *Coordinator) decrement(ctx context.Context, productID int64, quantity int, ref string) error {
	_, err := backoff.Retry(ctx, func() (invdomain.StockRecord, error) {
		callCtx, cancel := c.stockContext(ctx)
		defer cancel()

		rec, err := c.stock.Decrement(callCtx, productID, quantity, ref)
		if err != nil && compensation.Rejected(err) {
			return rec, backoff.Permanent(err)
		}
		return rec, err
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.cfg.DecrementTries),
	)
	return err
}

func (c *Coordinator) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.cfg.Rollback.InitialInterval > 0 {
		b.InitialInterval = c.cfg.Rollback.InitialInterval
	}
	return b
}

func (c *Coordinator) stockContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.StockTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.StockTimeout)
}

// decrementFailure builds the error for a failed line. Stock shortages name
// every line the current stock cannot cover.
func (c *Coordinator) decrementFailure(ctx context.Context, orderID uuid.UUID, lines []cartdomain.Line, failed cartdomain.Line, err error) error {
	if !compensation.Rejected(err) {
		return apperr.Persistence("decrement stock", err)
	}
	if errors.Is(err, apperr.ErrValidation) {
		return err
	}

	var short []int64
	for _, line := range lines {
		callCtx, cancel := c.stockContext(ctx)
		rec, getErr := c.stock.Get(callCtx, line.ProductID)
		cancel()
		switch {
		case errors.Is(getErr, apperr.ErrNotFound):
			short = append(short, line.ProductID)
		case getErr == nil && line.Quantity > rec.Quantity:
			short = append(short, line.ProductID)
		}
	}
	if len(short) == 0 {
		short = []int64{failed.ProductID}
	}

	c.log.InfoContext(ctx, "checkout rejected for insufficient stock",
		slog.String("order_id", orderID.String()),
		slog.Any("product_ids", short))
	return apperr.Conflict("insufficient stock", short...)
}

// settle resolves a decrement whose outcome stayed unknown after retries. The
// decrement is replayed under the checkout ref and, if the ledger took it,
// given back under the rollback ref. When the ledger stays unreachable the
// line is recorded for the compensation sweeper.
func (c *Coordinator) settle(ctx context.Context, orderID uuid.UUID, line cartdomain.Line) {
	ctx = context.WithoutCancel(ctx)
	err := compensation.Settle(ctx, c.stock, c.cfg.Rollback, line.ProductID, line.Quantity,
		domain.CheckoutRef(orderID), domain.RollbackRef(orderID))
	if err == nil {
		c.log.InfoContext(ctx, "unconfirmed stock decrement settled",
			slog.String("order_id", orderID.String()),
			slog.Int64("product_id", line.ProductID))
		return
	}

	pending := domain.Settlement{
		OrderID:   orderID,
		ProductID: line.ProductID,
		Quantity:  line.Quantity,
		CreatedAt: c.now(),
	}
	if recErr := c.orders.AddSettlement(ctx, pending); recErr != nil {
		c.log.ErrorContext(ctx, "stock decrement outcome unknown",
			slog.String("order_id", orderID.String()),
			slog.Int64("product_id", line.ProductID),
			slog.String("error", err.Error()),
			slog.String("record_error", recErr.Error()))
		c.notifier.CompensationFailed(ctx, domain.CheckoutRef(orderID), []int64{line.ProductID}, err)
		return
	}
	c.log.WarnContext(ctx, "stock decrement left to the compensation sweeper",
		slog.String("order_id", orderID.String()),
		slog.Int64("product_id", line.ProductID),
		slog.String("error", err.Error()))
}

// rollback restores every applied line. Restores that stay failing after
// retries are escalated; the caller still returns its original error.
func (c *Coordinator) rollback(ctx context.Context, orderID uuid.UUID, applied []domain.OrderItem) {
	if len(applied) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	ref := domain.RollbackRef(orderID)

	var failed []int64
	var lastErr error
	for i := len(applied) - 1; i >= 0; i-- {
		it := applied[i]
		if err := compensation.Restore(ctx, c.stock, c.cfg.Rollback, it.ProductID, it.Quantity, ref); err != nil {
			failed = append(failed, it.ProductID)
			lastErr = err
		}
	}
	if len(failed) == 0 {
		c.log.InfoContext(ctx, "checkout rolled back",
			slog.String("order_id", orderID.String()),
			slog.Int("lines", len(applied)))
		return
	}

	perr := apperr.PartialCompensation("checkout rollback incomplete", failed, lastErr)
	c.log.ErrorContext(ctx, "checkout rollback incomplete",
		slog.String("order_id", orderID.String()),
		slog.Any("product_ids", failed),
		slog.String("error", perr.Error()))
	c.notifier.CompensationFailed(ctx, ref, failed, lastErr)
}

