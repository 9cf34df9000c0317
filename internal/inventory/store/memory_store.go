package store

import (
	"context"
	"sync"
	"time"

	"github.com/fjod/storefront/internal/inventory/domain"
)

const (
	// JournalRetention is how long an idempotency ref is remembered
	JournalRetention = 24 * time.Hour

	// CleanupInterval is how often the background cleanup runs
	CleanupInterval = 10 * time.Minute
)

// MemoryStore implements Ledger with in-memory storage
type MemoryStore struct {
	mu        sync.RWMutex
	stocks    map[int64]*domain.StockRecord // productID -> stock
	movements map[movementKey]time.Time     // applied refs -> applied at
	now       func() time.Time

	stopCleanup chan struct{}
	wg          sync.WaitGroup
}

// NewMemoryStore creates a new in-memory stock ledger
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		stocks:      make(map[int64]*domain.StockRecord),
		movements:   make(map[movementKey]time.Time),
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.cleanupLoop()

	return s
}

// cleanupLoop periodically forgets old idempotency refs
func (s *MemoryStore) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.pruneMovements()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) pruneMovements() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-JournalRetention)
	for key, at := range s.movements {
		if at.Before(cutoff) {
			delete(s.movements, key)
		}
	}
}

func (s *MemoryStore) Get(_ context.Context, productID int64) (domain.StockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stock, exists := s.stocks[productID]
	if !exists {
		return domain.StockRecord{}, notFound(productID)
	}
	return *stock, nil
}

func (s *MemoryStore) Decrement(_ context.Context, productID int64, quantity int, ref string) (domain.StockRecord, error) {
	if err := validateDecrement(quantity); err != nil {
		return domain.StockRecord{}, err
	}
	return s.apply(productID, -quantity, ref, domain.MovementDecrement)
}

func (s *MemoryStore) Restore(_ context.Context, productID int64, quantity int, ref string) (domain.StockRecord, error) {
	if err := validateRestore(quantity); err != nil {
		return domain.StockRecord{}, err
	}
	return s.apply(productID, quantity, ref, domain.MovementRestore)
}

// apply adds delta under the write lock so check and update are one step.
func (s *MemoryStore) apply(productID int64, delta int, ref string, kind domain.MovementKind) (domain.StockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stock, exists := s.stocks[productID]
	if !exists {
		return domain.StockRecord{}, notFound(productID)
	}

	key := movementKey{ref: ref, productID: productID, kind: kind}
	if ref != "" {
		if _, seen := s.movements[key]; seen {
			return *stock, nil
		}
	}

	if stock.Quantity+delta < 0 {
		return domain.StockRecord{}, insufficient(productID)
	}

	now := s.now()
	stock.Quantity += delta
	stock.Revision++
	stock.UpdatedAt = now
	if ref != "" {
		s.movements[key] = now
	}
	return *stock, nil
}

func (s *MemoryStore) SetStock(_ context.Context, productID int64, quantity int) (domain.StockRecord, error) {
	if quantity < 0 {
		return domain.StockRecord{}, invalidQuantity(quantity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stock, exists := s.stocks[productID]
	if !exists {
		stock = &domain.StockRecord{ProductID: productID}
		s.stocks[productID] = stock
	}
	stock.Quantity = quantity
	stock.Revision++
	stock.UpdatedAt = s.now()
	return *stock, nil
}

// Close stops the background cleanup and waits for it to finish
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	s.wg.Wait()
	return nil
}
