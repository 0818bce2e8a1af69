package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"topic-chat/backend/internal/grpcapi"
	"topic-chat/backend/internal/models"
	"topic-chat/backend/pkg/config"
	"topic-chat/backend/pkg/di"
	"topic-chat/backend/pkg/logger"
	"topic-chat/backend/pkg/router"
	"topic-chat/backend/shared/observability"
)

func main() {
	// loads .env when present
	cfg := config.New()

	logConfig := logger.DefaultConfig()
	logConfig.Level = cfg.Logging.Level
	logConfig.JSON = cfg.Logging.Format != "text"
	log := logger.New(logConfig)
	logger.SetGlobal(log)

	log.Info("Starting application", "version", os.Getenv("APP_VERSION"), "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := func(context.Context) error { return nil }
	if cfg.Observability.TracingEnabled {
		var err error
		shutdownTracing, err = observability.SetupTracing(cfg.Observability.ServiceName, os.Stdout)
		if err != nil {
			log.LogError(err, "Failed to initialize tracing")
			os.Exit(1)
		}
	}

	metrics, err := observability.SetupPrometheusMetrics(cfg.Observability.ServiceName)
	if err != nil {
		log.LogError(err, "Failed to initialize metrics")
		os.Exit(1)
	}

	db, err := config.NewDB(cfg, log)
	if err != nil {
		log.LogError(err, "Failed to initialize database")
		os.Exit(1)
	}
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		log.LogError(err, "Failed to migrate database")
		os.Exit(1)
	}

	container, err := di.New(cfg, db, log, di.Options{Metrics: metrics})
	if err != nil {
		log.LogError(err, "Failed to initialize dependency container")
		os.Exit(1)
	}

	var grpcServer *grpcapi.Server
	if cfg.GRPC.Port != "" {
		grpcServer = grpcapi.NewServer(log)
		container.Health.OnChange(grpcServer.SetHealthy)
		go func() {
			if err := grpcServer.ListenAndServe(cfg.GRPC.Port); err != nil {
				log.LogError(err, "gRPC server failed")
				stop()
			}
		}()
	}

	container.Start(ctx)

	r := router.New(ctx, container)
	r.SetupRoutes()

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.LogError(err, "Server failed to start")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.Timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.LogError(err, "Server forced to shutdown")
	}
	if grpcServer != nil {
		grpcServer.Stop()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.LogError(err, "Failed to flush traces")
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		log.LogError(err, "Failed to shut down metrics")
	}
	if err := container.Close(); err != nil {
		log.LogError(err, "Failed to release resources")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	log.Info("Server exited gracefully")
}
