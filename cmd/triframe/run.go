package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/triframe/triframe/internal/app"
	"github.com/triframe/triframe/internal/debt"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the trading engine",
		Long:  "Runs the startup gate, wires the engine and serves until SIGINT or SIGTERM.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return startupErr(err)
			}
			if err := confirmLive(cfg); err != nil {
				return startupErr(err)
			}
			if err := debt.Check(cfg, log.Logger); err != nil {
				return startupErr(err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			engine, err := app.New(ctx, cfg, log.Logger)
			if err != nil {
				return startupErr(err)
			}
			if err := engine.Run(ctx); err != nil {
				return runtimeErr(err)
			}
			log.Info().Msg("clean shutdown")
			return nil
		},
	}
}
