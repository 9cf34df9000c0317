package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fjod/storefront/internal/cart/cache"
	"github.com/fjod/storefront/internal/cart/ledger"
	cartrepo "github.com/fjod/storefront/internal/cart/repository"
	cartservice "github.com/fjod/storefront/internal/cart/service"
	"github.com/fjod/storefront/internal/checkout/profile"
	"github.com/fjod/storefront/internal/checkout/publisher"
	"github.com/fjod/storefront/internal/checkout/service"
	"github.com/fjod/storefront/internal/feed"
	h "github.com/fjod/storefront/internal/gateway/http"
	"github.com/fjod/storefront/internal/inventory/compensation"
	"github.com/fjod/storefront/internal/inventory/stockrpc"
	"github.com/fjod/storefront/internal/inventory/store"
	"github.com/fjod/storefront/internal/orders/lifecycle"
	"github.com/fjod/storefront/internal/orders/repository"
	"github.com/fjod/storefront/pkg/circuitbreaker"
	"github.com/fjod/storefront/pkg/config"
	"github.com/fjod/storefront/pkg/logger"
	"github.com/fjod/storefront/pkg/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// notifier is what both the Kafka and the log notifier provide.
type notifier interface {
	service.Notifier
	lifecycle.Alerter
}

func main() {
	cfg := config.MustLoad()
	log := logger.New("storefront", cfg.Log.Level)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.InitTracer(ctx, "storefront", cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		fatal(log, "failed to init tracer", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	var redisClient *redis.Client
	if cfg.Feed.Bus == "redis" || cfg.Stock.Backend == "redis" || cfg.Cart.Cache {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			fatal(log, "redis connection failed", err)
		}
		log.Info("redis ping succeeded", slog.String("addr", cfg.Redis.Addr))
	}

	var pg *sql.DB
	if cfg.Stock.Backend == "postgres" || cfg.Orders.Store == "postgres" || cfg.Checkout.ProfileSource == "postgres" {
		pg, err = store.OpenPostgres(ctx, cfg.Postgres.DSN())
		if err != nil {
			fatal(log, "failed to connect to postgres", err)
		}
		defer pg.Close()
	}

	// Change feed
	var bus feed.Bus
	switch cfg.Feed.Bus {
	case "redis":
		bus = feed.NewRedisBus(redisClient, cfg.Feed.Channel, log)
	default:
		bus = feed.NewMemoryBus()
	}
	hub := feed.NewHub(bus, cfg.Feed.PendingTTL, log)
	if err := hub.Start(ctx); err != nil {
		fatal(log, "failed to start change feed", err)
	}

	// Stock ledger
	stock, closeStock := openStock(ctx, cfg, pg, redisClient, bus, log)
	defer closeStock()

	// Carts
	cartStore, closeCarts := openCartStore(ctx, cfg, log)
	defer closeCarts()
	if cfg.Cart.Cache {
		cartStore = cache.NewCachedStore(cartStore, cache.NewRedisCache(redisClient, cfg.Cart.CacheTTL), log)
	}
	carts := cartservice.NewCartService(cartStore, stock, hub, log)
	go carts.Run(ctx, cfg.Cart.SessionSweep, cfg.Cart.SessionIdle)

	// Orders
	orders := openOrders(cfg, pg, log)
	defer orders.Close()

	profiles := openProfiles(cfg, pg, log)

	notify, closeNotify := openNotifier(cfg, log)
	defer closeNotify()

	restorePolicy := compensation.DefaultPolicy()
	restorePolicy.MaxTries = cfg.Orders.RestoreRetries
	restorePolicy.MaxElapsed = cfg.Orders.RestoreMaxElapsed
	orderLifecycle := lifecycle.New(orders, stock, notify, log, lifecycle.Config{
		Restore:       restorePolicy,
		SweepInterval: cfg.Orders.SweepInterval,
	})
	go orderLifecycle.Run(ctx)

	checkoutCfg := service.DefaultConfig()
	checkoutCfg.StockTimeout = cfg.Checkout.StockTimeout
	checkoutCfg.Rollback.MaxTries = cfg.Checkout.RollbackRetries
	coordinator := service.NewCoordinator(carts, stock, orders, profiles, notify, log, checkoutCfg)

	router := h.NewRouter(h.RouterConfig{
		Cart:       h.NewCartHandler(carts, cfg.Server.RequestTimeout, log),
		Checkout:   h.NewCheckoutHandler(coordinator, cfg.Server.RequestTimeout, log),
		Orders:     h.NewOrdersHandler(orderLifecycle, cfg.Server.RequestTimeout, log),
		Stock:      h.NewStockHandler(stock, carts, cfg.Server.RequestTimeout, log),
		Limiter:    h.NewUserRateLimiter(cfg.Checkout.RateLimit, cfg.Checkout.RateBurst),
		Timeout:    cfg.Server.RequestTimeout,
		MaxBody:    cfg.Server.MaxBodyBytes,
		Instrument: true,
	})

	srv := &http.Server{
		Addr:        ":" + cfg.Server.HTTPPort,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// no WriteTimeout: stock events are streamed
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("storefront starting", slog.String("port", cfg.Server.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(log, "server error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", slog.String("error", err.Error()))
	}
	hub.Wait()
	log.Info("server exited")
}

// openStock returns the stock ledger for the configured backend. Local
// ledgers publish their changes to the feed; a remote inventory service
// publishes on its own side.
func openStock(ctx context.Context, cfg *config.Config, pg *sql.DB, rdb *redis.Client, bus feed.Bus, log *slog.Logger) (store.Ledger, func()) {
	var local store.Ledger
	switch cfg.Stock.Backend {
	case "grpc":
		conn, err := grpc.NewClient(cfg.Stock.GRPCAddr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		)
		if err != nil {
			fatal(log, "failed to connect to inventory service", err)
		}
		log.Info("using remote stock ledger", slog.String("addr", cfg.Stock.GRPCAddr))
		return stockrpc.NewClient(conn, cfg.Stock.GRPCTimeout), func() { conn.Close() }
	case "postgres":
		pgStore := store.NewPostgresStore(pg)
		if err := pgStore.RunMigrations(); err != nil {
			fatal(log, "failed to run stock migrations", err)
		}
		local = pgStore
	case "redis":
		local = store.NewRedisStore(rdb)
	default:
		local = store.NewMemoryStore()
	}

	observed := store.NewObserved(local, bus, log)
	seedStock(ctx, cfg, observed, log)
	return observed, func() { _ = local.Close() }
}

func seedStock(ctx context.Context, cfg *config.Config, stock store.Ledger, log *slog.Logger) {
	seed := store.DefaultSeed
	if cfg.Stock.SeedFile != "" {
		loaded, err := store.LoadSeed(cfg.Stock.SeedFile)
		if err != nil {
			fatal(log, "failed to load stock seed", err)
		}
		seed = loaded
	} else if cfg.Stock.Backend != "memory" {
		return
	}
	if err := store.Seed(ctx, stock, seed); err != nil {
		fatal(log, "failed to seed stock", err)
	}
	log.Info("initialized stock", slog.Int("products", len(seed)))
}

func openCartStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (ledger.Store, func()) {
	switch cfg.Cart.Store {
	case "mongo":
		db, err := cartrepo.ConnectMongoDB(ctx, cfg.Cart.MongoURI, cfg.Cart.MongoDatabase)
		if err != nil {
			fatal(log, "failed to connect to mongodb", err)
		}
		repo := cartrepo.NewMongoRepository(db)
		if err := repo.CreateIndexes(ctx); err != nil {
			fatal(log, "failed to create cart indexes", err)
		}
		log.Info("connected to mongodb", slog.String("database", cfg.Cart.MongoDatabase))
		return repo, func() { _ = db.Client().Disconnect(context.Background()) }
	default:
		if dir := filepath.Dir(cfg.Cart.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				fatal(log, "failed to create cart data directory", err)
			}
		}
		repo, err := cartrepo.NewSQLiteRepository(cfg.Cart.SQLitePath)
		if err != nil {
			fatal(log, "failed to open cart database", err)
		}
		if err := repo.RunMigrations(); err != nil {
			fatal(log, "failed to run cart migrations", err)
		}
		return repo, func() { _ = repo.Close() }
	}
}

func openOrders(cfg *config.Config, pg *sql.DB, log *slog.Logger) repository.OrderRepository {
	if cfg.Orders.Store != "postgres" {
		return repository.NewMemoryRepository()
	}
	repo := repository.NewPostgresRepository(pg)
	if err := repo.RunMigrations(); err != nil {
		fatal(log, "failed to run order migrations", err)
	}
	log.Info("order migrations completed")
	return repo
}

func openProfiles(cfg *config.Config, pg *sql.DB, log *slog.Logger) profile.Resolver {
	if cfg.Checkout.ProfileSource == "postgres" {
		p := profile.NewPostgres(pg)
		if err := p.RunMigrations(); err != nil {
			fatal(log, "failed to run profile migrations", err)
		}
		return p
	}
	if cfg.Checkout.ProfileFile == "" {
		log.Warn("no profile file configured; every checkout will fail profile validation")
		return profile.Static{}
	}
	static, err := profile.LoadStatic(cfg.Checkout.ProfileFile)
	if err != nil {
		fatal(log, "failed to load profiles", err)
	}
	return static
}

func openNotifier(cfg *config.Config, log *slog.Logger) (notifier, func()) {
	if len(cfg.Kafka.Brokers) == 0 {
		return publisher.LogNotifier{Log: log}, func() {}
	}
	breaker := circuitbreaker.New("kafka-notifier", circuitbreaker.DefaultSettings(), log)
	n := publisher.NewNotifier(publisher.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), breaker, log)
	n.Start()
	log.Info("kafka notifier started", slog.String("topic", cfg.Kafka.Topic))
	return n, func() {
		if err := n.Close(); err != nil {
			log.Error("failed to close notifier", slog.String("error", err.Error()))
		}
	}
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}
