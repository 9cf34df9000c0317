// Package compensation gives held stock back with bounded retries.
package compensation

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fjod/storefront/internal/inventory/domain"
	"github.com/fjod/storefront/pkg/apperr"
)

type Restorer interface {
	Restore(ctx context.Context, productID int64, quantity int, ref string) (domain.StockRecord, error)
}

// Ledger takes and gives back stock under refs.
type Ledger interface {
	Restorer
	Decrement(ctx context.Context, productID int64, quantity int, ref string) (domain.StockRecord, error)
}

type Policy struct {
	MaxTries        uint
	MaxElapsed      time.Duration
	InitialInterval time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxTries:        5,
		MaxElapsed:      10 * time.Second,
		InitialInterval: 100 * time.Millisecond,
	}
}

// Restore returns quantity units of productID to stock under ref. The ref
// makes retries safe: a restore that already landed is replayed, not applied
// twice. Validation and not-found errors are not retried.
func Restore(ctx context.Context, r Restorer, p Policy, productID int64, quantity int, ref string) error {
	_, err := backoff.Retry(ctx, func() (domain.StockRecord, error) {
		rec, err := r.Restore(ctx, productID, quantity, ref)
		if err != nil && (errors.Is(err, apperr.ErrValidation) || errors.Is(err, apperr.ErrNotFound)) {
			return rec, backoff.Permanent(err)
		}
		return rec, err
	}, p.retryOptions()...)
	return err
}

// Settle resolves a decrement under takeRef whose outcome is unknown. The
// decrement is replayed under the same ref until the ledger answers. If it
// was applied, now or before, the stock is given back under giveRef; if the
// ledger rejects it, nothing was held. An error means the outcome is still
// unknown.
func Settle(ctx context.Context, l Ledger, p Policy, productID int64, quantity int, takeRef, giveRef string) error {
	_, err := backoff.Retry(ctx, func() (domain.StockRecord, error) {
		rec, err := l.Decrement(ctx, productID, quantity, takeRef)
		if err != nil && Rejected(err) {
			return rec, backoff.Permanent(err)
		}
		return rec, err
	}, p.retryOptions()...)
	switch {
	case err == nil:
		return Restore(ctx, l, p, productID, quantity, giveRef)
	case Rejected(err):
		return nil
	default:
		return err
	}
}

// Rejected reports errors by which the ledger definitely refused a movement.
func Rejected(err error) bool {
	return errors.Is(err, apperr.ErrConflict) ||
		errors.Is(err, apperr.ErrNotFound) ||
		errors.Is(err, apperr.ErrValidation)
}

func (p Policy) retryOptions() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}

	opts := []backoff.RetryOption{backoff.WithBackOff(b)}
	if p.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(p.MaxTries))
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}
	return opts
}
