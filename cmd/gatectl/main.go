// Command gatectl is the internal diagnostic CLI for the WhatsApp gate. It
// is the only binary that can construct a gate with the session check
// bypassed.
package main

import (
	"context"
	"os"

	"github.com/Cypherspark/wa-gate/internal/app"
	"github.com/Cypherspark/wa-gate/internal/config"
	"github.com/Cypherspark/wa-gate/internal/log"
)

func main() {
	cfg := config.Load()
	log.Configure(log.Config{Level: cfg.LogLevel, Output: os.Stderr, Service: "gatectl"})

	root := newRootCmd(func(ctx context.Context, ov app.Overrides) (*env, func(), error) {
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
		c, err := app.Build(ctx, cfg, ov)
		if err != nil {
			return nil, nil, err
		}
		return &env{
			Sessions: c.Sessions,
			Tenants:  c.Tenants,
			Resolver: c.Resolver,
			Gate:     c.Gate,
		}, c.Close, nil
	})
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
