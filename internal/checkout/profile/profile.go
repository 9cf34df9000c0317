// Package profile resolves the contact details a shopper checks out with.
package profile

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fjod/storefront/internal/orders/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

var ErrProfileNotFound = errors.New("profile not found")

type Resolver interface {
	Resolve(ctx context.Context, userID string) (domain.Customer, error)
}

// Static serves profiles from a fixed map.
type Static map[string]domain.Customer

func (s Static) Resolve(_ context.Context, userID string) (domain.Customer, error) {
	c, ok := s[userID]
	if !ok {
		return domain.Customer{}, ErrProfileNotFound
	}
	return c, nil
}

// LoadStatic reads a JSON object of user id to profile. An empty path gives
// an empty resolver.
func LoadStatic(path string) (Static, error) {
	if path == "" {
		return Static{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var s Static
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	return s, nil
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

const selectProfileQuery = `SELECT name, phone, address FROM user_profiles WHERE user_id = $1`

// Postgres reads profiles from the user_profiles table.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) RunMigrations() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("could not open migrations: %w", err)
	}
	driver, err := postgres.WithInstance(p.db, &postgres.Config{
		MigrationsTable: "profiles_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	return nil
}

func (p *Postgres) Resolve(ctx context.Context, userID string) (domain.Customer, error) {
	var (
		c                    domain.Customer
		name, phone, address sql.NullString
	)
	err := p.db.QueryRowContext(ctx, selectProfileQuery, userID).Scan(&name, &phone, &address)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrProfileNotFound
	}
	if err != nil {
		return c, fmt.Errorf("query profile: %w", err)
	}
	c.Name, c.Phone, c.Address = name.String, phone.String, address.String
	return c, nil
}
