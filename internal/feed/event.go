// Package feed carries stock change notifications from the stock ledger to
// every cart session and suppresses a session's reaction to its own writes.
package feed

import (
	"context"
	"time"
)

// Event reports the quantity of a product after a stock mutation.
// Delivery is at-least-once; consumers dedupe on Revision.
type Event struct {
	ProductID int64     `json:"product_id"`
	Quantity  int       `json:"quantity"`
	Revision  int64     `json:"revision"`
	ActorID   string    `json:"actor_id,omitempty"`
	At        time.Time `json:"at"`
}

// Bus moves events between the publishing ledger and subscribers.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe returns a channel of events that is closed once ctx is done.
	Subscribe(ctx context.Context) (<-chan Event, error)
}

type actorKey struct{}

// WithActor tags ctx with the id of the session performing a mutation.
func WithActor(ctx context.Context, actorID string) context.Context {
	if actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actorID)
}

func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}
