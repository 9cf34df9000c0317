package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Callback receives events that survived echo suppression and dedupe.
type Callback func(Event)

// Subscriber is the feed endpoint of one actor (a shopper session).
type Subscriber struct {
	actorID string
	pending *PendingWrites
	log     *slog.Logger

	mu        sync.Mutex
	nextID    int
	callbacks map[int]subscription
	revisions map[int64]int64 // productID -> last applied revision
}

type subscription struct {
	productID int64 // 0 means every product
	fn        Callback
}

func NewSubscriber(actorID string, pendingTTL time.Duration, log *slog.Logger) *Subscriber {
	return &Subscriber{
		actorID:   actorID,
		pending:   NewPendingWrites(pendingTTL),
		log:       log,
		callbacks: make(map[int]subscription),
		revisions: make(map[int64]int64),
	}
}

func (s *Subscriber) ActorID() string { return s.actorID }

// Expect registers a write this actor is about to submit for productID so
// that its echo is not treated as a foreign change.
func (s *Subscriber) Expect(productID int64) {
	s.pending.Add(productID)
}

// Subscribe registers fn for events about productID. The returned func
// removes the registration.
func (s *Subscriber) Subscribe(productID int64, fn Callback) func() {
	return s.register(subscription{productID: productID, fn: fn})
}

// SubscribeAll registers fn for events about any product.
func (s *Subscriber) SubscribeAll(fn Callback) func() {
	return s.register(subscription{fn: fn})
}

func (s *Subscriber) register(sub subscription) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.callbacks[id] = sub
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.callbacks, id)
		s.mu.Unlock()
	}
}

// Idle reports whether the subscriber has no callbacks and no live pending
// writes.
func (s *Subscriber) Idle() bool {
	s.mu.Lock()
	n := len(s.callbacks)
	s.mu.Unlock()
	return n == 0 && s.pending.Empty()
}

// Handle processes one event and reports whether callbacks were invoked.
func (s *Subscriber) Handle(ev Event) bool {
	if ev.ActorID == s.actorID && s.pending.Consume(ev.ProductID) {
		s.mu.Lock()
		s.markApplied(ev)
		s.mu.Unlock()
		s.log.Debug("suppressed own stock echo",
			slog.String("actor_id", s.actorID),
			slog.Int64("product_id", ev.ProductID),
			slog.Int64("revision", ev.Revision))
		return false
	}

	s.mu.Lock()
	if ev.Revision != 0 && ev.Revision <= s.revisions[ev.ProductID] {
		s.mu.Unlock()
		return false
	}
	s.markApplied(ev)
	targets := make([]Callback, 0, len(s.callbacks))
	for _, sub := range s.callbacks {
		if sub.productID == 0 || sub.productID == ev.ProductID {
			targets = append(targets, sub.fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range targets {
		fn(ev)
	}
	return true
}

// markApplied records the revision; callers hold mu.
func (s *Subscriber) markApplied(ev Event) {
	if ev.Revision > s.revisions[ev.ProductID] {
		s.revisions[ev.ProductID] = ev.Revision
	}
}

// Run handles events until the channel closes or ctx ends.
func (s *Subscriber) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Handle(ev)
		case <-ctx.Done():
			return
		}
	}
}
