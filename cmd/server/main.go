package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rpattn/pricing/internal/config"
	"github.com/rpattn/pricing/internal/db"
	"github.com/rpattn/pricing/internal/ingestion"
	"github.com/rpattn/pricing/internal/middleware"
	"github.com/rpattn/pricing/internal/repository"

	"github.com/rs/cors"
)

func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath, logger)
	if err != nil {
		return err
	}

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.RunMigrations(cfg.Database, logger); err != nil {
		return err
	}

	service := ingestion.NewService(
		repository.NewUploadRunRepository(conn.Pool),
		repository.NewRowErrorRepository(conn.Pool),
		repository.NewPricingRepository(conn.Pool),
		ingestion.WithBatchSize(cfg.Ingestion.BatchSize),
		ingestion.WithErrorBatchSize(cfg.Ingestion.ErrorBatchSize),
		ingestion.WithJobTimeout(cfg.Ingestion.JobTimeout),
		ingestion.WithReferenceCache(cfg.Ingestion.ReferenceCache),
		ingestion.WithLogger(logger),
	)
	uploads := ingestion.NewHTTPHandler(service,
		ingestion.WithMaxUploadBytes(cfg.Ingestion.MaxUploadBytes),
		ingestion.WithSpoolDir(cfg.Ingestion.SpoolDir),
		ingestion.WithHandlerLogger(logger),
	)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	mux := http.NewServeMux()
	handler := corsHandler.Handler(middleware.LoggingMiddleware(logger)(uploads))
	mux.Handle(ingestion.UploadPath, handler)
	mux.Handle(ingestion.UploadPath+"/", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := conn.Pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// Uploads are read inside the request, so the write timeout is generous.
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting pricing server", "addr", cfg.Server.Addr, "upload_path", ingestion.UploadPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	// Background runs still in flight stay in Processing.
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error("background uploads did not stop in time", "error", err)
	}

	logger.Info("server exited")
	return nil
}
