//go:build integration

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fjod/storefront/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) *PostgresStore {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	store := NewPostgresStore(db)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.RunMigrations())
	return store
}

func TestPostgresStore_Integration_ConcurrentDecrements(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	_, err := store.SetStock(ctx, 1, 20)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Decrement(ctx, 1, 1, ""); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, apperr.ErrConflict)
			}
		}()
	}
	wg.Wait()

	rec, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 20, succeeded)
	assert.Equal(t, 0, rec.Quantity)
}

func TestPostgresStore_Integration_IdempotentRestore(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	_, err := store.SetStock(ctx, 2, 5)
	require.NoError(t, err)

	_, err = store.Decrement(ctx, 2, 3, "order-1")
	require.NoError(t, err)
	_, err = store.Restore(ctx, 2, 3, "cancel:order-1")
	require.NoError(t, err)
	rec, err := store.Restore(ctx, 2, 3, "cancel:order-1")
	require.NoError(t, err)

	assert.Equal(t, 5, rec.Quantity)

	_, err = store.Decrement(ctx, 404, 1, "order-2")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
