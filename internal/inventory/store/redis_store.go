package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fjod/storefront/internal/inventory/domain"
	"github.com/redis/go-redis/v9"
)

// Script results
const (
	resultApplied      = 0
	resultReplayed     = 1
	resultNotFound     = -1
	resultInsufficient = -2
)

// moveScript applies a signed delta to a stock hash.
// KEYS[1] stock hash, KEYS[2] movement marker
// ARGV[1] delta, ARGV[2] marker ttl seconds, ARGV[3] "1" when a ref is set,
// ARGV[4] update time in unix millis
var moveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1, 0, 0}
end
if ARGV[3] == '1' and redis.call('EXISTS', KEYS[2]) == 1 then
  return {1, tonumber(redis.call('HGET', KEYS[1], 'qty')), tonumber(redis.call('HGET', KEYS[1], 'rev'))}
end
local delta = tonumber(ARGV[1])
local qty = tonumber(redis.call('HGET', KEYS[1], 'qty'))
if qty + delta < 0 then
  return {-2, qty, tonumber(redis.call('HGET', KEYS[1], 'rev'))}
end
qty = redis.call('HINCRBY', KEYS[1], 'qty', delta)
local rev = redis.call('HINCRBY', KEYS[1], 'rev', 1)
redis.call('HSET', KEYS[1], 'ts', ARGV[4])
if ARGV[3] == '1' then
  redis.call('SET', KEYS[2], '1', 'EX', tonumber(ARGV[2]))
end
return {0, qty, rev}
`)

var setScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'qty', ARGV[1], 'ts', ARGV[2])
local rev = redis.call('HINCRBY', KEYS[1], 'rev', 1)
return rev
`)

// RedisStore implements Ledger on Redis hashes. Lua scripts make each
// check-and-update a single atomic step on the server.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:    client,
		retention: JournalRetention,
		now:       time.Now,
	}
}

func (s *RedisStore) Get(ctx context.Context, productID int64) (domain.StockRecord, error) {
	vals, err := s.client.HMGet(ctx, stockKey(productID), "qty", "rev", "ts").Result()
	if err != nil {
		return domain.StockRecord{}, persistence("redis hmget", err)
	}
	if vals[0] == nil {
		return domain.StockRecord{}, notFound(productID)
	}

	rec := domain.StockRecord{ProductID: productID}
	if rec.Quantity, err = strconv.Atoi(fmt.Sprint(vals[0])); err != nil {
		return domain.StockRecord{}, persistence("parse quantity", err)
	}
	if vals[1] != nil {
		if rec.Revision, err = strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64); err != nil {
			return domain.StockRecord{}, persistence("parse revision", err)
		}
	}
	if vals[2] != nil {
		if ms, err := strconv.ParseInt(fmt.Sprint(vals[2]), 10, 64); err == nil {
			rec.UpdatedAt = time.UnixMilli(ms).UTC()
		}
	}
	return rec, nil
}

func (s *RedisStore) Decrement(ctx context.Context, productID int64, quantity int, ref string) (domain.StockRecord, error) {
	if err := validateDecrement(quantity); err != nil {
		return domain.StockRecord{}, err
	}
	return s.move(ctx, productID, -quantity, ref, domain.MovementDecrement)
}

func (s *RedisStore) Restore(ctx context.Context, productID int64, quantity int, ref string) (domain.StockRecord, error) {
	if err := validateRestore(quantity); err != nil {
		return domain.StockRecord{}, err
	}
	return s.move(ctx, productID, quantity, ref, domain.MovementRestore)
}

func (s *RedisStore) move(ctx context.Context, productID int64, delta int, ref string, kind domain.MovementKind) (domain.StockRecord, error) {
	hasRef := "0"
	if ref != "" {
		hasRef = "1"
	}
	now := s.now()
	keys := []string{stockKey(productID), movementMarker(ref, productID, kind)}
	res, err := moveScript.Run(ctx, s.client, keys,
		delta, int64(s.retention/time.Second), hasRef, now.UnixMilli()).Int64Slice()
	if err != nil {
		return domain.StockRecord{}, persistence("redis move script", err)
	}
	if len(res) != 3 {
		return domain.StockRecord{}, persistence("redis move script", errors.New("unexpected reply"))
	}

	switch res[0] {
	case resultNotFound:
		return domain.StockRecord{}, notFound(productID)
	case resultInsufficient:
		return domain.StockRecord{}, insufficient(productID)
	case resultReplayed:
		return s.Get(ctx, productID)
	}
	return domain.StockRecord{
		ProductID: productID,
		Quantity:  int(res[1]),
		Revision:  res[2],
		UpdatedAt: time.UnixMilli(now.UnixMilli()).UTC(),
	}, nil
}

func (s *RedisStore) SetStock(ctx context.Context, productID int64, quantity int) (domain.StockRecord, error) {
	if quantity < 0 {
		return domain.StockRecord{}, invalidQuantity(quantity)
	}
	now := s.now()
	rev, err := setScript.Run(ctx, s.client, []string{stockKey(productID)}, quantity, now.UnixMilli()).Int64()
	if err != nil {
		return domain.StockRecord{}, persistence("redis set script", err)
	}
	return domain.StockRecord{
		ProductID: productID,
		Quantity:  quantity,
		Revision:  rev,
		UpdatedAt: time.UnixMilli(now.UnixMilli()).UTC(),
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func stockKey(productID int64) string {
	return fmt.Sprintf("stock:%d", productID)
}

func movementMarker(ref string, productID int64, kind domain.MovementKind) string {
	return fmt.Sprintf("stock:movement:%s:%d:%s", kind, productID, ref)
}
