package feed

import (
	"context"
	"sync"
)

const subscriberBuffer = 64

// MemoryBus fans events out to in-process subscribers.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]*memorySub
	nextID int
}

type memorySub struct {
	ch   chan Event
	done <-chan struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]*memorySub)}
}

// Publish blocks until every live subscriber accepted the event or ctx ends.
func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	subs := make([]*memorySub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	in := make(chan Event, subscriberBuffer)
	out := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &memorySub{ch: in, done: ctx.Done()}
	b.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		}()
		for {
			select {
			case ev := <-in:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
