// Package main provides the outbox relay service entry point.
// Implements the Transactional Outbox pattern relay.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medbridge/go-pix/internal/config"
	"github.com/medbridge/go-pix/internal/infrastructure/postgres"
	"github.com/medbridge/go-pix/internal/infrastructure/streaming"
	"github.com/medbridge/go-pix/internal/observability/metrics"
)

// housekeepingInterval paces exhausted-entry diversion, cleanup of
// processed entries, and the backlog gauge.
const housekeepingInterval = time.Minute

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

	logger.Info("connected to database")

	brokers := strings.Split(cfg.KafkaBrokers, ",")

	producerCfg := streaming.DefaultProducerConfig()
	producerCfg.Brokers = brokers

	producer, err := streaming.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to brokers", zap.Strings("brokers", brokers))

	// Make sure the topics exist before relaying into them.
	admin, err := streaming.NewAdmin(brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(context.Background()); err != nil {
		logger.Fatal("topic creation failed", zap.Error(err))
	}
	admin.Close()

	m := metrics.New()

	relayCfg := postgres.DefaultRelayConfig()
	relay := postgres.NewRelay(pool, producer, relayCfg, logger)
	relay.Start()
	logger.Info("outbox relay started")

	// Housekeeping: divert exhausted entries to the dead letter topic,
	// purge old processed entries, report the backlog.
	stopHousekeeping := make(chan struct{})
	go func() {
		ticker := time.NewTicker(housekeepingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopHousekeeping:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if n, err := relay.DivertExhausted(ctx); err != nil {
					logger.Error("divert exhausted failed", zap.Error(err))
				} else if n > 0 {
					logger.Warn("diverted exhausted outbox entries", zap.Int64("count", n))
				}
				if _, err := relay.CleanupProcessed(ctx, 24*time.Hour); err != nil {
					logger.Error("cleanup failed", zap.Error(err))
				}
				if pending, err := relay.Pending(ctx); err == nil {
					m.OutboxPending.Set(float64(pending))
				}
				cancel()
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	close(stopHousekeeping)
	relay.Stop()
	logger.Info("outbox relay stopped")
}
