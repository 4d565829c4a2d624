// Package main provides the reconciliation API service entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medbridge/go-pix/internal/api/handlers"
	"github.com/medbridge/go-pix/internal/api/middleware"
	"github.com/medbridge/go-pix/internal/archive"
	"github.com/medbridge/go-pix/internal/config"
	"github.com/medbridge/go-pix/internal/domain/mapping"
	"github.com/medbridge/go-pix/internal/infrastructure/streaming"
	"github.com/medbridge/go-pix/internal/observability/metrics"
	"github.com/medbridge/go-pix/internal/observability/tracing"
	"github.com/medbridge/go-pix/internal/reconcile"
	"github.com/medbridge/go-pix/internal/registry"
	"github.com/medbridge/go-pix/pkg/circuitbreaker"
	"github.com/medbridge/go-pix/pkg/idempotency"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	ctx := context.Background()

	// Tracing
	traceCfg := tracing.DefaultConfig("pix-api")
	if cfg.OTLPEndpoint != "" {
		traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Warn("tracing init failed, continuing without export", zap.Error(err))
	} else {
		defer tp.Shutdown(context.Background())
	}

	m := metrics.New()

	// Database
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("invalid database url", zap.Error(err))
	}
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MinConns = cfg.DBMinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	logger.Info("connected to database")

	// External endpoint clients, each behind its own breaker
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

	// Core services
	store := mapping.NewStore(pool, logger)
	engine := reconcile.NewEngine(store, registryClient, archiveClient, m, logger)
	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	// Sweep requests go through Kafka when brokers are configured.
	var sweepPublisher handlers.SweepPublisher
	var producer *streaming.Producer
	if cfg.KafkaBrokers != "" {
		producerCfg := streaming.DefaultProducerConfig()
		producerCfg.Brokers = strings.Split(cfg.KafkaBrokers, ",")
		producer, err = streaming.NewProducer(producerCfg, logger)
		if err != nil {
			logger.Warn("producer creation failed, sweeps will run inline", zap.Error(err))
		} else {
			sweepPublisher = producer
			defer producer.Close()
		}
	}

	// Handlers
	mappingHandler := handlers.NewMappingHandler(engine, store, registryClient, archiveClient, sweepPublisher, cfg.RevalidateWorkers, logger)
	patientHandler := handlers.NewPatientHandler(registryClient, archiveClient, store, logger)
	uploadHandler := handlers.NewUploadHandler(engine, inbox, m, logger)

	// Router
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing("pix-api"))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(middleware.APIKeyAuth(map[string]string{cfg.APIKey: "api-client"}))
		}
		r.Get("/connections", patientHandler.Connections)
		r.Mount("/registry", patientHandler.RegistryRoutes())
		r.Mount("/archive", patientHandler.ArchiveRoutes())
		r.Mount("/mappings", mappingHandler.Routes())
		r.Mount("/reconcile", mappingHandler.ReconcileRoutes())
		r.Mount("/dicom", uploadHandler.Routes())
	})

	// Metrics server on its own port
	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metrics.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting reconciliation API",
		zap.String("port", cfg.Port),
		zap.String("registry", cfg.RegistryURL),
		zap.String("archive", cfg.ArchiveURL))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func newLogger(cfg *config.Config) *zap.Logger {
	if cfg.IsDev() {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"pix-api","version":"1.0.0"}`)
}
