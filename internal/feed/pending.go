package feed

import (
	"sync"
	"time"
)

// PendingWrites remembers stock writes a session has issued but whose echo
// has not come back yet. Entries expire after ttl so a lost echo never mutes
// the product for good.
type PendingWrites struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[int64][]time.Time // productID -> expiry of each in-flight write
}

func NewPendingWrites(ttl time.Duration) *PendingWrites {
	return &PendingWrites{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[int64][]time.Time),
	}
}

// Add registers one in-flight write for productID.
func (p *PendingWrites) Add(productID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[productID] = append(p.prune(productID), p.now().Add(p.ttl))
}

// Consume removes the oldest live entry for productID and reports whether
// one existed.
func (p *PendingWrites) Consume(productID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := p.prune(productID)
	if len(live) == 0 {
		return false
	}
	if len(live) == 1 {
		delete(p.entries, productID)
	} else {
		p.entries[productID] = live[1:]
	}
	return true
}

// Len returns the number of live entries for productID.
func (p *PendingWrites) Len(productID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prune(productID))
}

// Empty reports whether no product has a live entry.
func (p *PendingWrites) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for productID := range p.entries {
		if len(p.prune(productID)) > 0 {
			return false
		}
	}
	return true
}

// prune drops expired entries; callers hold mu.
func (p *PendingWrites) prune(productID int64) []time.Time {
	now := p.now()
	expiries := p.entries[productID]
	i := 0
	for i < len(expiries) && !expiries[i].After(now) {
		i++
	}
	live := expiries[i:]
	if len(live) == 0 {
		delete(p.entries, productID)
		return nil
	}
	p.entries[productID] = live
	return live
}
