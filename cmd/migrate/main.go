package main

import (
	"flag"
	"os"

	"github.com/Cypherspark/wa-gate/internal/config"
	"github.com/Cypherspark/wa-gate/internal/db"
	"github.com/Cypherspark/wa-gate/internal/log"
)

func main() {
	force := flag.Int("force", -1, "force the schema version (clears a dirty state) instead of migrating up")
	flag.Parse()

	cfg := config.Load()
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "wa-gate-migrate"})
	logger := log.WithComponent("migrate")
	if cfg.DatabaseURL == "" {
		logger.Error().Msg("DATABASE_URL is required")
		os.Exit(1)
	}

	if *force >= 0 {
		if err := db.Force(cfg.DatabaseURL, *force); err != nil {
			logger.Error().Err(err).Int("version", *force).Msg("force failed")
			os.Exit(1)
		}
		logger.Info().Int("version", *force).Msg("version forced")
		return
	}
	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		logger.Error().Err(err).Msg("migrate failed")
		os.Exit(1)
	}
	logger.Info().Msg("migrations applied")
}
