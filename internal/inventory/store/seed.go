package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
)

// DefaultSeed holds the initial stock levels used when no seed file is given.
var DefaultSeed = map[int64]int{
	1: 100, // Laptop
	2: 500, // Mouse
	3: 300, // Keyboard
	4: 150, // Monitor
	5: 200, // Headphones
}

// LoadSeed reads a JSON object mapping product id to quantity, for example
// {"1": 100, "2": 5}.
func LoadSeed(path string) (map[int64]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var raw map[string]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	seed := make(map[int64]int, len(raw))
	for key, quantity := range raw {
		productID, err := strconv.ParseInt(key, 10, 64)
		if err != nil || productID <= 0 {
			return nil, fmt.Errorf("seed file: invalid product id %q", key)
		}
		if quantity < 0 {
			return nil, fmt.Errorf("seed file: negative quantity for product %d", productID)
		}
		seed[productID] = quantity
	}
	return seed, nil
}

// Seed sets the stock of every product in seed, in product id order.
func Seed(ctx context.Context, ledger Ledger, seed map[int64]int) error {
	ids := make([]int64, 0, len(seed))
	for id := range seed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if _, err := ledger.SetStock(ctx, id, seed[id]); err != nil {
			return fmt.Errorf("seed product %d: %w", id, err)
		}
	}
	return nil
}
