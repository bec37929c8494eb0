package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Cypherspark/wa-gate/internal/app"
	"github.com/Cypherspark/wa-gate/internal/config"
	"github.com/Cypherspark/wa-gate/internal/log"
	"github.com/Cypherspark/wa-gate/internal/metrics"
	wpkg "github.com/Cypherspark/wa-gate/internal/worker"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg := config.Load()
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "wa-gate-worker"})
	logger := log.WithComponent("worker")
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		exitCode = 1
		return
	}

	opts := wpkg.WorkerOptions{
		BatchSize:     cfg.Worker.BatchSize,
		Concurrency:   cfg.Worker.Concurrency,
		PollInterval:  cfg.Worker.PollInterval,
		IdleSleep:     cfg.Worker.IdleSleep,
		DBBackoffMin:  cfg.Worker.DBBackoffMin,
		DBBackoffMax:  cfg.Worker.DBBackoffMax,
		ProviderQPS:   cfg.Worker.ProviderQPS,
		ProviderBurst: cfg.Worker.ProviderBurst,
		MaxAttempts:   cfg.Worker.MaxAttempts,
		JobTimeout:    2*cfg.ProviderSendTimeout + cfg.ProviderRetryDelay + 5*time.Second,
		Logger:        logger,
	}

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c, err := app.Build(rootCtx, cfg, app.Overrides{})
	if err != nil {
		logger.Error().Err(err).Msg("startup")
		exitCode = 1
		return
	}
	defer c.Close()

	metrics.MustRegister()
	go metrics.NewPGXPoolStats(c.DB.Pool, nil).Start(5*time.Second, rootCtx.Done())

	// ---- Healthz + metrics ----
	go serveHealthz(cfg.HealthAddr, c.DB.Ping)

	// ---- Worker ----
	logger.Info().Int("concurrency", opts.Concurrency).Float64("provider_qps", opts.ProviderQPS).Msg("worker started")
	if err := wpkg.RunWorker(rootCtx, c.Outbox, c.Gate, opts); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker exited")
		exitCode = 1
		return
	}
	logger.Info().Msg("worker stopped")
}

func serveHealthz(addr string, ping func(context.Context) error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	_ = http.ListenAndServe(addr, mux)
}
