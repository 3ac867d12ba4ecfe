package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/broadcast"
	"github.com/ariefcatur/go-storefront-orders/internal/config"
	"github.com/ariefcatur/go-storefront-orders/internal/confirm"
	"github.com/ariefcatur/go-storefront-orders/internal/critical"
	"github.com/ariefcatur/go-storefront-orders/internal/drafts"
	"github.com/ariefcatur/go-storefront-orders/internal/financials"
	"github.com/ariefcatur/go-storefront-orders/internal/httpx"
	"github.com/ariefcatur/go-storefront-orders/internal/images"
	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/logging"
	"github.com/ariefcatur/go-storefront-orders/internal/memstore"
	"github.com/ariefcatur/go-storefront-orders/internal/observability"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payment"
	"github.com/ariefcatur/go-storefront-orders/internal/postgres"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
	"github.com/ariefcatur/go-storefront-orders/internal/status"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.ServiceName, cfg.OtelEndpoint)
	if err != nil {
		logger.Fatal("tracing", zap.Error(err))
	}
	shutdownLogs, err := observability.SetupLogs(ctx, cfg.ServiceName, cfg.OtelEndpoint)
	if err != nil {
		logger.Fatal("otel logs", zap.Error(err))
	}
	if cfg.OtelEndpoint != "" {
		logger = logging.WithOTel(logger, cfg.ServiceName)
	}

	// Store
	var (
		store orders.Store
		sink  critical.Sink
		ping  httpx.Pinger
	)
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store; data is lost on restart")
		store = memstore.New()
	default:
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("db connect", zap.Error(err))
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			logger.Fatal("db migrate", zap.Error(err))
		}
		pg := postgres.NewStore(db, logger)
		store, sink, ping = pg, pg, db.Ping
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	statusCache := redisx.NewStatusCache(rdb)

	// Kafka producer, one writer for every topic. It outlives the server so
	// in-flight requests can still publish while shutting down.
	prod := kafkax.NewProducer(cfg.KafkaBrokers, cfg.ServiceName, 1024, logger)
	pctx, stopProducer := context.WithCancel(context.Background())
	prod.Start(pctx)

	notify := orders.Notifier{Broadcaster: broadcast.NewRedis(rdb), Publisher: prod, Log: logger}
	rec := critical.New(logger, sink)
	inv := inventory.New(store, logger)
	providers := payment.NewRegistry(payment.NewSandbox(cfg.WebhookSecret, "http://"+cfg.HTTPAddr))

	draftMgr := drafts.NewManager(store, inv, drafts.Config{
		MinOrderAmount: cfg.MinOrderAmount,
		TTL:            cfg.DraftTTL,
		BatchSize:      cfg.ReserveBatchSize,
		Backoff:        drafts.FixedBackoff(cfg.ReserveRetryDelay, cfg.ReserveMaxAttempts),
	}, logger)
	pipeline := confirm.New(store, inv, images.NewFS(cfg.ImageRoot), notify, rec, cfg.MinOrderAmount, logger)
	machine := status.New(store, inv, notify, rec, logger)
	machine.Cache = statusCache
	ledger := financials.New(store, providers, notify, rec, logger)
	ledger.Dedup = redisx.NewWebhookDedup(rdb)
	sweeper := drafts.NewSweeper(store, inv, cfg.SweepBatchSize, logger)

	// Routes
	router := httpx.NewRouter(cfg.RequestTimeout, logger, ping)
	wh := &httpx.WebhookHandler{Providers: providers, Ledger: ledger, Log: logger}
	if cfg.WebhookAsync {
		wh.Queue = prod
	}
	wh.Register(router)
	router.Group(func(r chi.Router) {
		r.Use(httpx.Identify)
		(&httpx.DraftsHandler{Drafts: draftMgr, Confirm: pipeline, Log: logger}).Register(r)
		(&httpx.OrdersHandler{Status: machine, Cache: statusCache, Log: logger}).Register(r)
		(&httpx.FinancialsHandler{Ledger: ledger, Log: logger}).Register(r)
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx, drafts.Every(gctx, cfg.SweepInterval))
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server exited", zap.Error(err))
	}

	stopProducer()
	prod.WaitClosed()

	tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(tctx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	if err := shutdownLogs(tctx); err != nil {
		log.Printf("otel logs shutdown: %v", err)
	}
}
