// Package main provides the sweep worker entry point.
// Consumes sweep requests and reconciles every unmapped archive
// patient against the registry.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medbridge/go-pix/internal/archive"
	"github.com/medbridge/go-pix/internal/config"
	"github.com/medbridge/go-pix/internal/domain/mapping"
	"github.com/medbridge/go-pix/internal/infrastructure/streaming"
	"github.com/medbridge/go-pix/internal/observability/metrics"
	"github.com/medbridge/go-pix/internal/reconcile"
	"github.com/medbridge/go-pix/internal/registry"
	"github.com/medbridge/go-pix/pkg/circuitbreaker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	cbManager := circuitbreaker.NewManager(logger)
	registryCB, err := cbManager.GetOrCreate("registry", circuitbreaker.DefaultConfig("registry"))
	if err != nil {
		logger.Fatal("breaker creation failed", zap.Error(err))
	}
	archiveCB, err := cbManager.GetOrCreate("archive", circuitbreaker.DefaultConfig("archive"))
	if err != nil {
		logger.Fatal("breaker creation failed", zap.Error(err))
	}

	registryClient := registry.NewClient(registry.Config{
		BaseURL:            cfg.RegistryURL,
		Username:           cfg.RegistryUsername,
		Password:           cfg.RegistryPassword,
		CallTimeout:        cfg.ExternalCallTimeout(),
		IdentifierTypeUUID: cfg.RegistryIdentifierTypeUUID,
		LocationUUID:       cfg.RegistryLocationUUID,
	}, registryCB, logger)

	archiveClient := archive.NewClient(archive.Config{
		BaseURL:     cfg.ArchiveURL,
		Username:    cfg.ArchiveUsername,
		Password:    cfg.ArchivePassword,
		CallTimeout: cfg.ExternalCallTimeout(),
	}, archiveCB, logger)

	m := metrics.New()
	store := mapping.NewStore(pool, logger)
	engine := reconcile.NewEngine(store, registryClient, archiveClient, m, logger)

	brokers := strings.Split(cfg.KafkaBrokers, ",")

	producerCfg := streaming.DefaultProducerConfig()
	producerCfg.Brokers = brokers
	producer, err := streaming.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	worker := &sweepWorker{engine: engine, producer: producer, logger: logger}

	consumerCfg := streaming.DefaultConsumerConfig()
	consumerCfg.Brokers = brokers
	consumerCfg.Topics = []string{streaming.TopicSweepRequests}

	consumer, err := streaming.NewConsumer(consumerCfg, worker.handle, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("sweep worker started", zap.Strings("brokers", brokers))

	// Optional periodic sweep alongside on-demand requests.
	rootCtx, cancel := context.WithCancel(context.Background())
	if interval := cfg.SweepInterval(); interval > 0 {
		go worker.runPeriodic(rootCtx, interval)
		logger.Info("periodic sweep enabled", zap.Duration("interval", interval))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()
	consumer.Stop()
	logger.Info("sweep worker stopped")
}

type sweepWorker struct {
	engine   *reconcile.Engine
	producer *streaming.Producer
	logger   *zap.Logger
}

// handle runs one sweep per request. Errors are returned so the
// message is redelivered; a completed sweep with per-patient failures
// is still a completed sweep.
func (w *sweepWorker) handle(ctx context.Context, msg *streaming.ConsumedMessage) error {
	w.logger.Info("sweep requested",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset))
	return w.sweep(ctx)
}

func (w *sweepWorker) runPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.sweep(ctx); err != nil {
				w.logger.Error("periodic sweep failed", zap.Error(err))
			}
		}
	}
}

func (w *sweepWorker) sweep(ctx context.Context) error {
	report, err := w.engine.BatchReconcile(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	w.logger.Info("sweep finished",
		zap.Int("processed", report.TotalProcessed),
		zap.Int("successful", report.SuccessfulCount),
		zap.Int("failed", report.FailedCount))

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := w.producer.Publish(ctx, streaming.TopicSweepReports, report.StartedAt, payload); err != nil {
		// The sweep itself succeeded; losing the report is not worth a
		// redelivery that would rerun it.
		w.logger.Error("publish sweep report failed", zap.Error(err))
	}
	return nil
}
