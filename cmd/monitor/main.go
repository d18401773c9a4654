package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dvloznov/risk-monitor/internal/api/handlers"
	"github.com/dvloznov/risk-monitor/internal/api/middleware"
	"github.com/dvloznov/risk-monitor/internal/backend"
	"github.com/dvloznov/risk-monitor/internal/config"
	"github.com/dvloznov/risk-monitor/internal/export"
	"github.com/dvloznov/risk-monitor/internal/logger"
	"github.com/dvloznov/risk-monitor/internal/metrics"
	"github.com/dvloznov/risk-monitor/internal/poller"
	"github.com/dvloznov/risk-monitor/internal/sink"
	"github.com/dvloznov/risk-monitor/internal/store"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", os.Getenv("RISKMON_CONFIG"), "Path to YAML config (or set RISKMON_CONFIG env)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		l := logger.New(zerolog.InfoLevel)
		l.Fatal().Err(err).Msg("Failed to load config")
	}

	level, _ := logger.ParseLevel(cfg.Log.Level)
	log := logger.New(level)

	ctx := context.Background()

	// Initialize metrics
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	// Initialize export sink
	exportSink, err := sink.New(ctx, cfg.Export)
	if err != nil {
		log.Fatal().Err(err).Str("sink", cfg.Export.Sink).Msg("Failed to create export sink")
	}
	defer exportSink.Close()

	// Initialize polling
	client := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.APIKey, cfg.Backend.Timeout)
	st := store.New()
	p, err := poller.New(client, st, poller.Options{
		Params:      cfg.Params(),
		AutoRefresh: cfg.Poll.AutoRefresh,
		Interval:    cfg.Poll.Interval,
		Metrics:     m,
		Logger:      log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create poller")
	}
	p.Start()

	exporter := export.NewExporter(exportSink, m, log)
	monitorHandler := handlers.NewMonitorHandler(st, p, exporter, cfg.Views, logger.Component(log, "api"))

	// Create router
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Logger(log), middleware.Recovery(log), middleware.CORS)
	r.Handle("/metrics", m.Handler())
	r.Mount("/", monitorHandler.Routes())

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.HTTP.ListenAddr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().
			Str("addr", cfg.HTTP.ListenAddr).
			Str("backend", cfg.Backend.BaseURL).
			Str("sink", cfg.Export.Sink).
			Msg("Starting risk monitor")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop the poller and wait for the in-flight cycle
	if err := p.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping poller")
	}

	log.Info().Msg("Server exited")
}
