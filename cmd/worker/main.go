package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/broadcast"
	"github.com/ariefcatur/go-storefront-orders/internal/config"
	"github.com/ariefcatur/go-storefront-orders/internal/critical"
	"github.com/ariefcatur/go-storefront-orders/internal/drafts"
	"github.com/ariefcatur/go-storefront-orders/internal/financials"
	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/logging"
	"github.com/ariefcatur/go-storefront-orders/internal/observability"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payment"
	"github.com/ariefcatur/go-storefront-orders/internal/postgres"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// The worker applies queued payment callbacks and sweeps expired drafts. It
// always runs against Postgres; the in-memory store is process local.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel, cfg.ServiceName+"-worker")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.ServiceName+"-worker", cfg.OtelEndpoint)
	if err != nil {
		logger.Fatal("tracing", zap.Error(err))
	}
	shutdownLogs, err := observability.SetupLogs(ctx, cfg.ServiceName+"-worker", cfg.OtelEndpoint)
	if err != nil {
		logger.Fatal("otel logs", zap.Error(err))
	}
	if cfg.OtelEndpoint != "" {
		logger = logging.WithOTel(logger, cfg.ServiceName+"-worker")
	}

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	store := postgres.NewStore(db, logger)

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, cfg.ServiceName+"-worker", 1024, logger)
	pctx, stopProducer := context.WithCancel(context.Background())
	prod.Start(pctx)

	notify := orders.Notifier{Broadcaster: broadcast.NewRedis(rdb), Publisher: prod, Log: logger}
	inv := inventory.New(store, logger)
	providers := payment.NewRegistry(payment.NewSandbox(cfg.WebhookSecret, ""))
	ledger := financials.New(store, providers, notify, critical.New(logger, store), logger)
	ledger.Dedup = redisx.NewWebhookDedup(rdb)
	sweeper := drafts.NewSweeper(store, inv, cfg.SweepBatchSize, logger)

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.WorkerGroup, orders.TopicWebhookReceived, cfg.WorkerCount, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("webhook consumer started",
			zap.String("group", cfg.WorkerGroup),
			zap.String("topic", orders.TopicWebhookReceived),
			zap.Int("workers", cfg.WorkerCount),
		)
		return cons.Start(gctx, ledger.HandleWebhookReceived)
	})
	g.Go(func() error {
		return sweeper.Run(gctx, drafts.Every(gctx, cfg.SweepInterval))
	})
	if err := g.Wait(); err != nil {
		logger.Error("worker exited", zap.Error(err))
	}
	logger.Info("shutting down worker")

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
