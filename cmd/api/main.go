package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vandispatch/internal/api"
	"vandispatch/internal/buildinfo"
	"vandispatch/internal/config"
	"vandispatch/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	metrics.RegisterDefault()

	srv, err := api.NewServer(cfg, logger)
	if err != nil {
		logger.Error("failed to init server", "err", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()

	// Rides
	mux.HandleFunc("/v1/rides", srv.RidesHandler)
	mux.HandleFunc("/v1/rides/", srv.RideByIDHandler) // includes /eta, /unassign

	// Vehicles
	mux.HandleFunc("/v1/vehicles", srv.VehiclesHandler)
	mux.HandleFunc("/v1/vehicles/", srv.VehicleByIDHandler) // includes /plan

	// Tasks
	mux.HandleFunc("/v1/tasks/", srv.TaskByIDHandler) // includes /complete

	// Dispatch
	mux.HandleFunc("/v1/dispatch/run", srv.DispatchRunHandler)
	mux.HandleFunc("/v1/optimizer/config", srv.OptimizerConfigHandler)

	// Subscriptions and live feeds
	mux.HandleFunc("/v1/subscriptions", srv.SubscriptionsHandler)
	mux.HandleFunc("/v1/events/stream", srv.EventsStreamHandler)
	mux.HandleFunc("/v1/events/ws", srv.EventsWSHandler)

	// Health
	mux.HandleFunc("/healthz", srv.HealthHandler)
	mux.HandleFunc("/readyz", srv.ReadyHandler)
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":"` + buildinfo.Version + `"}`))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	handler := api.Instrument(logger, api.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst, mux))

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		// No WriteTimeout: the SSE and WebSocket feeds hold their
		// connections open indefinitely.
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
	}

	worker := srv.NewWebhookWorker()
	worker.Start()

	go func() {
		logger.Info("api listening", "addr", cfg.HTTPAddr, "version", buildinfo.Version)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	worker.Close()
	srv.Debounce.Close()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("shutdown", "err", err)
	}
}
