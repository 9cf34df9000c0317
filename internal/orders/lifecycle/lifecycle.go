package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/storefront/internal/inventory/compensation"
	"github.com/fjod/storefront/internal/orders/domain"
	"github.com/fjod/storefront/internal/orders/repository"
	"github.com/fjod/storefront/pkg/apperr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Alerter is notified when held stock could not be given back.
type Alerter interface {
	CompensationFailed(ctx context.Context, ref string, productIDs []int64, cause error)
}

type Config struct {
	Restore       compensation.Policy
	SweepInterval time.Duration
}

// Lifecycle drives orders through their statuses. Every cancellation gives
// the order's stock back.
type Lifecycle struct {
	repo   repository.OrderRepository
	stock  compensation.Ledger
	alerts Alerter
	log    *slog.Logger
	cfg    Config
}

func New(repo repository.OrderRepository, stock compensation.Ledger, alerts Alerter, log *slog.Logger, cfg Config) *Lifecycle {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Lifecycle{repo: repo, stock: stock, alerts: alerts, log: log, cfg: cfg}
}

func (l *Lifecycle) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	order, err := l.repo.GetOrderByID(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, id)
	}
	return order, nil
}

func (l *Lifecycle) ListByUser(ctx context.Context, userID string) ([]*domain.Order, error) {
	orders, err := l.repo.ListOrdersByUserID(ctx, userID)
	if err != nil {
		return nil, apperr.Persistence("list orders", err)
	}
	return orders, nil
}

func (l *Lifecycle) ListByStatus(ctx context.Context, status domain.OrderStatus) ([]*domain.Order, error) {
	orders, err := l.repo.ListOrdersByStatus(ctx, status)
	if err != nil {
		return nil, apperr.Persistence("list orders", err)
	}
	return orders, nil
}

// UpdateStatus advances the order. Moving to cancelled goes through
// CancelAndRestore.
func (l *Lifecycle) UpdateStatus(ctx context.Context, id uuid.UUID, next domain.OrderStatus) (*domain.Order, error) {
	order, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if next == domain.OrderStatusCancelled && order.Status.Active() {
		return l.CancelAndRestore(ctx, id)
	}
	if !order.Status.CanAdvanceTo(next) {
		return nil, apperr.Validation("order %s cannot move from %s to %s", id, order.Status, next)
	}

	updated, err := l.repo.TransitionStatus(ctx, id, []domain.OrderStatus{order.Status}, next)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, apperr.Conflict(fmt.Sprintf("order %s changed concurrently", id))
	}
	if err != nil {
		return nil, apperr.Persistence("update order status", err)
	}

	l.log.InfoContext(ctx, "order status updated",
		slog.String("order_id", id.String()),
		slog.String("from", string(order.Status)),
		slog.String("to", string(next)))
	return updated, nil
}

// CancelAndRestore cancels a pending or confirmed order and restores its
// stock. Of two concurrent callers only one cancels; the other gets
// NotFound, as does a caller for a missing or already cancelled order.
func (l *Lifecycle) CancelAndRestore(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	ctx, span := otel.Tracer("orders-lifecycle").Start(ctx, "CancelAndRestore")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", id.String()))

	order, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !order.Status.Active() {
		return nil, apperr.NotFound("no active order %s", id)
	}

	cancelled, err := l.repo.TransitionStatus(ctx, id,
		[]domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusConfirmed},
		domain.OrderStatusCancelled)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, apperr.NotFound("no active order %s", id)
	}
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Persistence("cancel order", err)
	}

	l.log.InfoContext(ctx, "order cancelled",
		slog.String("order_id", id.String()),
		slog.String("previous_status", string(order.Status)))

	// the order is cancelled now; its stock goes back even if the caller leaves
	if err := l.restore(context.WithoutCancel(ctx), cancelled, true); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stock restoration incomplete")
		return cancelled, err
	}
	return cancelled, nil
}

// Delete removes an order. An active order is cancelled first so its stock
// is not leaked; the record is kept if that restoration is incomplete.
func (l *Lifecycle) Delete(ctx context.Context, id uuid.UUID) error {
	order, err := l.Get(ctx, id)
	if err != nil {
		return err
	}

	switch {
	case order.Status.Active():
		if _, err := l.CancelAndRestore(ctx, id); err != nil {
			return err
		}
	case order.NeedsCompensation():
		if err := l.restore(ctx, order, true); err != nil {
			return err
		}
	}

	if err := l.repo.DeleteOrder(ctx, id); err != nil {
		return mapRepoError(err, id)
	}
	l.log.InfoContext(ctx, "order deleted", slog.String("order_id", id.String()))
	return nil
}

// restore gives back every unrestored item of a cancelled order, marking
// items as it goes. order.Items is updated in place.
func (l *Lifecycle) restore(ctx context.Context, order *domain.Order, alert bool) error {
	ref := domain.CancelRef(order.ID)

	var failed []int64
	var lastErr error
	for i := range order.Items {
		item := &order.Items[i]
		if item.Restored {
			continue
		}
		if err := compensation.Restore(ctx, l.stock, l.cfg.Restore, item.ProductID, item.Quantity, ref); err != nil {
			failed = append(failed, item.ProductID)
			lastErr = err
			continue
		}
		item.Restored = true
		if err := l.repo.MarkItemRestored(ctx, order.ID, item.ProductID); err != nil {
			// the ref makes the sweeper's next attempt a replay
			l.log.WarnContext(ctx, "failed to mark item restored",
				slog.String("order_id", order.ID.String()),
				slog.Int64("product_id", item.ProductID),
				slog.String("error", err.Error()))
		}
	}

	if len(failed) == 0 {
		return nil
	}

	if alert {
		l.log.ErrorContext(ctx, "stock restoration incomplete",
			slog.String("order_id", order.ID.String()),
			slog.Any("product_ids", failed),
			slog.String("error", lastErr.Error()))
		if l.alerts != nil {
			l.alerts.CompensationFailed(ctx, ref, failed, lastErr)
		}
	}
	return apperr.PartialCompensation(fmt.Sprintf("order %s: stock not restored", order.ID), failed, lastErr)
}

// Sweep retries restoration for cancelled orders that still hold stock,
// settles checkout decrements with an unknown outcome, and returns how many
// orders and settlements were completed.
func (l *Lifecycle) Sweep(ctx context.Context) (int, error) {
	settled, err := l.settle(ctx)
	if err != nil {
		return settled, err
	}

	orders, err := l.repo.ListOrdersNeedingCompensation(ctx)
	if err != nil {
		return 0, apperr.Persistence("list orders needing compensation", err)
	}

	done := settled
	for _, order := range orders {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := l.restore(ctx, order, false); err != nil {
			l.log.WarnContext(ctx, "compensation still incomplete",
				slog.String("order_id", order.ID.String()),
				slog.Any("product_ids", apperr.ProductIDs(err)))
			continue
		}
		done++
		l.log.InfoContext(ctx, "order compensation completed", slog.String("order_id", order.ID.String()))
	}
	return done, nil
}

// settle resolves recorded checkout decrements: each is replayed under its
// checkout ref and given back under the rollback ref if the ledger took it.
func (l *Lifecycle) settle(ctx context.Context) (int, error) {
	settlements, err := l.repo.ListSettlements(ctx)
	if err != nil {
		return 0, apperr.Persistence("list settlements", err)
	}

	done := 0
	for _, s := range settlements {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		err := compensation.Settle(ctx, l.stock, l.cfg.Restore, s.ProductID, s.Quantity,
			domain.CheckoutRef(s.OrderID), domain.RollbackRef(s.OrderID))
		if err != nil {
			l.log.WarnContext(ctx, "checkout decrement still unsettled",
				slog.String("order_id", s.OrderID.String()),
				slog.Int64("product_id", s.ProductID),
				slog.String("error", err.Error()))
			continue
		}
		if err := l.repo.DeleteSettlement(ctx, s.OrderID, s.ProductID); err != nil {
			// settling again is a replay
			l.log.WarnContext(ctx, "failed to delete settlement",
				slog.String("order_id", s.OrderID.String()),
				slog.Int64("product_id", s.ProductID),
				slog.String("error", err.Error()))
			continue
		}
		done++
		l.log.InfoContext(ctx, "checkout decrement settled",
			slog.String("order_id", s.OrderID.String()),
			slog.Int64("product_id", s.ProductID))
	}
	return done, nil
}

// Run sweeps on every tick until ctx is done.
func (l *Lifecycle) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	l.log.Info("compensation sweeper started", slog.Duration("interval", l.cfg.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			l.log.Info("compensation sweeper stopped")
			return
		case <-ticker.C:
			if _, err := l.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				l.log.Error("compensation sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

func mapRepoError(err error, id uuid.UUID) error {
	if errors.Is(err, repository.ErrOrderNotFound) {
		return apperr.NotFound("order %s not found", id)
	}
	return apperr.Persistence("load order", err)
}
