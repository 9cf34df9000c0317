// Package cache keeps saved carts in Redis in front of the durable cart store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/fjod/storefront/internal/cart/domain"
	"github.com/fjod/storefront/internal/cart/ledger"
	"github.com/redis/go-redis/v9"
)

var ErrCacheMiss = errors.New("cache miss")

type RedisCache struct {
	client  *redis.Client
	baseTTL time.Duration
}

func NewRedisCache(client *redis.Client, baseTTL time.Duration) *RedisCache {
	if baseTTL <= 0 {
		baseTTL = 15 * time.Minute
	}
	return &RedisCache{
		client:  client,
		baseTTL: baseTTL,
	}
}

func (r *RedisCache) Get(ctx context.Context, sessionID string) ([]domain.Entry, error) {
	data, err := r.client.Get(ctx, cacheKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var entries []domain.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal cart failed: %w", err)
	}
	return entries, nil
}

func (r *RedisCache) Set(ctx context.Context, sessionID string, entries []domain.Entry) error {
	if entries == nil {
		entries = []domain.Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal cart failed: %w", err)
	}

	// jitter spreads expiry of carts written together
	ttl := r.baseTTL + time.Duration(rand.IntN(5))*time.Minute
	if err := r.client.Set(ctx, cacheKey(sessionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, cacheKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func cacheKey(sessionID string) string {
	return fmt.Sprintf("cart:%s", sessionID)
}

// CachedStore is a cache-aside ledger.Store. The inner store stays the source
// of truth: cache failures are logged and never fail a load or a save.
// A session whose cached copy could be neither refreshed nor dropped is
// marked dirty and read from the inner store until a fill succeeds.
type CachedStore struct {
	inner ledger.Store
	cache *RedisCache
	log   *slog.Logger

	mu    sync.Mutex
	dirty map[string]struct{}
}

var _ ledger.Store = (*CachedStore)(nil)

func NewCachedStore(inner ledger.Store, cache *RedisCache, log *slog.Logger) *CachedStore {
	return &CachedStore{inner: inner, cache: cache, log: log, dirty: make(map[string]struct{})}
}

func (s *CachedStore) Load(ctx context.Context, sessionID string) ([]domain.Entry, error) {
	if !s.isDirty(sessionID) {
		entries, err := s.cache.Get(ctx, sessionID)
		if err == nil {
			return entries, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			s.log.WarnContext(ctx, "cart cache read failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	}

	entries, err := s.inner.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, sessionID, entries); err != nil {
		s.log.WarnContext(ctx, "cart cache fill failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return entries, nil
	}
	s.setDirty(sessionID, false)
	return entries, nil
}

func (s *CachedStore) Save(ctx context.Context, sessionID string, entries []domain.Entry) error {
	if err := s.inner.Save(ctx, sessionID, entries); err != nil {
		return err
	}
	if err := s.cache.Set(ctx, sessionID, entries); err != nil {
		// a stale copy must not outlive the write
		if delErr := s.cache.Delete(ctx, sessionID); delErr != nil {
			s.setDirty(sessionID, true)
			s.log.ErrorContext(ctx, "cart cache invalidation failed",
				slog.String("session_id", sessionID),
				slog.String("error", delErr.Error()))
		}
		return nil
	}
	s.setDirty(sessionID, false)
	return nil
}

func (s *CachedStore) isDirty(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dirty[sessionID]
	return ok
}

func (s *CachedStore) setDirty(sessionID string, dirty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dirty {
		s.dirty[sessionID] = struct{}{}
		return
	}
	delete(s.dirty, sessionID)
}
