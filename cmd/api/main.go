package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Cypherspark/wa-gate/internal/app"
	"github.com/Cypherspark/wa-gate/internal/config"
	httpapi "github.com/Cypherspark/wa-gate/internal/http"
	"github.com/Cypherspark/wa-gate/internal/log"
	"github.com/Cypherspark/wa-gate/internal/metrics"
)

func main() {
	cfg := config.Load()
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "wa-gate-api"})
	logger := log.WithComponent("api")
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := app.Build(rootCtx, cfg, app.Overrides{})
	if err != nil {
		logger.Fatal().Err(err).Msg("startup")
	}
	defer c.Close()

	metrics.MustRegister()
	stop := make(chan struct{})
	defer close(stop)
	go metrics.NewPGXPoolStats(c.DB.Pool, nil).Start(5*time.Second, stop)

	// ---- HTTP server ----
	srv := httpapi.NewServer(httpapi.Deps{
		Outbox:           c.Outbox,
		Sessions:         c.Sessions,
		Tenants:          c.Resolver,
		Gate:             c.Gate,
		Ready:            c.DB.Ping,
		WebhookRateLimit: cfg.WebhookRateLimit,
		Logger:           log.WithComponent("http"),
	})
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		// Synchronous dispatch can take a full provider send plus its retry.
		WriteTimeout: 2*cfg.ProviderSendTimeout + cfg.ProviderRetryDelay + 5*time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Bool("messaging_enabled", cfg.MessagingEnabled).
			Bool("debug_mode", cfg.DebugMode).
			Msg("HTTP listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server")
		}
	}()

	// ---- Graceful shutdown ----
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("shutdown")
	}
}
