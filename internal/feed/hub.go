package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Hub owns a single bus subscription and dispatches every event to the
// subscriber of each registered actor.
type Hub struct {
	bus        Bus
	pendingTTL time.Duration
	log        *slog.Logger

	mu   sync.RWMutex
	subs map[string]*Subscriber
	wg   sync.WaitGroup
}

func NewHub(bus Bus, pendingTTL time.Duration, log *slog.Logger) *Hub {
	return &Hub{
		bus:        bus,
		pendingTTL: pendingTTL,
		log:        log,
		subs:       make(map[string]*Subscriber),
	}
}

// Subscriber returns the subscriber for actorID, creating it on first use.
// Registrations made on it directly may race with Release; use Subscribe,
// SubscribeAll and Expect for actors that can be released.
func (h *Hub) Subscriber(actorID string) *Subscriber {
	h.mu.RLock()
	sub, ok := h.subs[actorID]
	h.mu.RUnlock()
	if ok {
		return sub
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscriber(actorID)
}

// subscriber gets or creates the subscriber of actorID; callers hold mu.
func (h *Hub) subscriber(actorID string) *Subscriber {
	if sub, ok := h.subs[actorID]; ok {
		return sub
	}
	sub := NewSubscriber(actorID, h.pendingTTL, h.log)
	h.subs[actorID] = sub
	return sub
}

// Subscribe registers fn for productID events on the subscriber of actorID.
func (h *Hub) Subscribe(actorID string, productID int64, fn Callback) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscriber(actorID).Subscribe(productID, fn)
}

// SubscribeAll registers fn for every event on the subscriber of actorID.
func (h *Hub) SubscribeAll(actorID string, fn Callback) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscriber(actorID).SubscribeAll(fn)
}

// Expect registers a pending write of actorID for productID.
func (h *Hub) Expect(actorID string, productID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscriber(actorID).Expect(productID)
}

// Release drops the subscriber of actorID unless it still has callbacks or
// writes awaiting their echo, and reports whether it was dropped.
func (h *Hub) Release(actorID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[actorID]
	if !ok || !sub.Idle() {
		return false
	}
	delete(h.subs, actorID)
	return true
}

// ReleaseIdle drops every idle subscriber and returns how many were dropped.
func (h *Hub) ReleaseIdle() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id, sub := range h.subs {
		if sub.Idle() {
			delete(h.subs, id)
			n++
		}
	}
	return n
}

// Start subscribes to the bus and dispatches events in the background until
// ctx is done. Events published after Start returns are not missed.
func (h *Hub) Start(ctx context.Context) error {
	events, err := h.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to stock feed: %w", err)
	}
	h.log.Info("stock feed hub started")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				h.dispatch(ev)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Wait blocks until the dispatch loop started by Start has exited.
func (h *Hub) Wait() {
	h.wg.Wait()
}

func (h *Hub) dispatch(ev Event) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		s.Handle(ev)
	}
}
