package store

import (
	"context"
	"log/slog"

	"github.com/fjod/storefront/internal/feed"
	"github.com/fjod/storefront/internal/inventory/domain"
)

// Publisher is the part of the change feed the ledger writes to.
type Publisher interface {
	Publish(ctx context.Context, ev feed.Event) error
}

// Observed decorates a Ledger and publishes a feed event after every
// successful mutation. The actor is taken from the context.
type Observed struct {
	Ledger
	pub Publisher
	log *slog.Logger
}

func NewObserved(inner Ledger, pub Publisher, log *slog.Logger) *Observed {
	return &Observed{Ledger: inner, pub: pub, log: log}
}

func (o *Observed) Decrement(ctx context.Context, productID int64, quantity int, ref string) (domain.StockRecord, error) {
	rec, err := o.Ledger.Decrement(ctx, productID, quantity, ref)
	if err == nil {
		o.publish(ctx, rec)
	}
	return rec, err
}

func (o *Observed) Restore(ctx context.Context, productID int64, quantity int, ref string) (domain.StockRecord, error) {
	rec, err := o.Ledger.Restore(ctx, productID, quantity, ref)
	if err == nil {
		o.publish(ctx, rec)
	}
	return rec, err
}

func (o *Observed) SetStock(ctx context.Context, productID int64, quantity int) (domain.StockRecord, error) {
	rec, err := o.Ledger.SetStock(ctx, productID, quantity)
	if err == nil {
		o.publish(ctx, rec)
	}
	return rec, err
}

// publish never fails the mutation; subscribers reconcile on the next event.
func (o *Observed) publish(ctx context.Context, rec domain.StockRecord) {
	ev := feed.Event{
		ProductID: rec.ProductID,
		Quantity:  rec.Quantity,
		Revision:  rec.Revision,
		ActorID:   feed.ActorFromContext(ctx),
		At:        rec.UpdatedAt,
	}
	if err := o.pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		o.log.WarnContext(ctx, "failed to publish stock event",
			slog.Int64("product_id", rec.ProductID),
			slog.Int64("revision", rec.Revision),
			slog.String("error", err.Error()))
	}
}
