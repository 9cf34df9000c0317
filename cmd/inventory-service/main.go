package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/fjod/storefront/internal/feed"
	inventorygrpc "github.com/fjod/storefront/internal/inventory/grpc"
	"github.com/fjod/storefront/internal/inventory/stockrpc"
	"github.com/fjod/storefront/internal/inventory/store"
	"github.com/fjod/storefront/pkg/config"
	"github.com/fjod/storefront/pkg/logger"
	"github.com/fjod/storefront/pkg/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

func main() {
	cfg := config.MustLoad()
	log := logger.New("inventory-service", cfg.Log.Level)
	ctx := context.Background()

	tp, err := telemetry.InitTracer(ctx, "inventory-service", cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		fatal(log, "failed to init tracer", err)
	}
	defer tp.Shutdown(context.Background())

	var local store.Ledger
	var redisClient *redis.Client
	if cfg.Stock.Backend == "redis" || cfg.Feed.Bus == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			fatal(log, "redis connection failed", err)
		}
	}

	switch cfg.Stock.Backend {
	case "postgres":
		db, err := store.OpenPostgres(ctx, cfg.Postgres.DSN())
		if err != nil {
			fatal(log, "failed to connect to postgres", err)
		}
		pgStore := store.NewPostgresStore(db)
		if err := pgStore.RunMigrations(); err != nil {
			fatal(log, "failed to run migrations", err)
		}
		local = pgStore
	case "redis":
		local = store.NewRedisStore(redisClient)
	default:
		local = store.NewMemoryStore()
	}

	// Without a shared bus the events stay in this process.
	var bus feed.Bus = feed.NewMemoryBus()
	if cfg.Feed.Bus == "redis" {
		bus = feed.NewRedisBus(redisClient, cfg.Feed.Channel, log)
	}
	ledger := store.NewObserved(local, bus, log)

	seed := store.DefaultSeed
	if cfg.Stock.SeedFile != "" {
		if seed, err = store.LoadSeed(cfg.Stock.SeedFile); err != nil {
			fatal(log, "failed to load stock seed", err)
		}
	}
	if cfg.Stock.Backend == "memory" || cfg.Stock.SeedFile != "" {
		if err := store.Seed(ctx, ledger, seed); err != nil {
			fatal(log, "failed to seed stock", err)
		}
		log.Info("initialized stock", slog.Int("products", len(seed)))
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.Server.GRPCPort))
	if err != nil {
		fatal(log, "failed to listen", err)
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	stockrpc.RegisterStockServiceServer(grpcServer, inventorygrpc.NewStockServiceServer(ledger, log))

	// Enable reflection for grpcurl/grpcui
	reflection.Register(grpcServer)

	go func() {
		log.Info("inventory service listening", slog.String("port", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			fatal(log, "failed to serve", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down inventory service...")
	grpcServer.GracefulStop()
	if err := local.Close(); err != nil {
		log.Error("failed to close stock store", slog.String("error", err.Error()))
	}
	log.Info("inventory service stopped")
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}
