package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cargodesk/intake-be/internal/config"
	"github.com/cargodesk/intake-be/internal/domain"
	"github.com/cargodesk/intake-be/internal/handler"
	"github.com/cargodesk/intake-be/internal/jobqueue"
	"github.com/cargodesk/intake-be/internal/server"
	"github.com/cargodesk/intake-be/internal/service"
	"github.com/cargodesk/intake-be/internal/storage"
	"github.com/cargodesk/intake-be/pkg/logger"
)

func main() {
	cfg := config.Load()

	log := logger.New(cfg.Logging.Level)
	defer log.Sync()

	ctx := context.Background()
	log.Info(ctx, "Starting application")

	jobs, entities, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatal(ctx, "Failed to open store",
			"driver", cfg.Storage.Driver,
			"error", err,
		)
	}
	defer closeStore()
	log.Info(ctx, "Store initialized",
		"driver", cfg.Storage.Driver,
	)

	workerCfg := jobqueue.Config{
		PoolSize:        cfg.Worker.PoolSize,
		PollInterval:    cfg.Worker.PollInterval,
		MaxRetries:      cfg.Worker.MaxRetries,
		JanitorInterval: cfg.Worker.JanitorInterval,
	}
	worker := jobqueue.New(jobs, entities, log, workerCfg, func(kind domain.Kind) jobqueue.KindTuning {
		limits := cfg.Imports.Limits(kind)
		return jobqueue.KindTuning{
			ChunkSize: limits.ChunkSize,
			Retention: time.Duration(limits.JobRetentionDays) * 24 * time.Hour,
		}
	})

	if err := worker.Start(ctx); err != nil {
		log.Fatal(ctx, "Failed to start worker",
			"error", err,
		)
	}
	log.Info(ctx, "Worker started",
		"pool_size", cfg.Worker.PoolSize,
	)

	importService := service.NewImportService(jobs, entities, cfg.Imports, worker, log)
	log.Info(ctx, "Services initialized")

	importHandler := handler.NewImportHandler(importService, log)
	healthHandler := handler.NewHealthHandler()
	log.Info(ctx, "Handlers initialized")

	srv := server.New(cfg, log, importHandler, healthHandler)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal(ctx, "Failed to start HTTP server",
				"error", err,
			)
		}
	}()

	log.Info(ctx, "Application started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info(ctx, "Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	// Graceful shutdown in order:
	// 1. Stop accepting new HTTP requests
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "HTTP server shutdown error",
			"error", err,
		)
	}

	// 2. Let in-flight jobs reach a chunk boundary and persist progress
	if err := worker.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "Worker shutdown error",
			"error", err,
		)
	}

	log.Info(ctx, "Application stopped gracefully")
}

func openStore(cfg *config.Config) (domain.JobStore, domain.EntityStore, func(), error) {
	if cfg.Storage.Driver == "memory" {
		store := storage.NewMemoryStore()
		return store, store, func() {}, nil
	}

	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	return store, store, func() { store.Close() }, nil
}
