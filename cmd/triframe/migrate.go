package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/triframe/triframe/internal/persistence/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Long:  "Applies the embedded schema DDL. Statements are idempotent, so running on every deploy is safe.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return startupErr(err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			db, err := postgres.Open(ctx, postgres.Config{
				DSN:          cfg.Database.DSN,
				MaxOpenConns: 1,
				MaxIdleConns: 1,
				QueryTimeout: cfg.DatabaseTimeout(),
			})
			if err != nil {
				return startupErr(err)
			}
			defer db.Close()

			if err := postgres.Migrate(ctx, db); err != nil {
				return runtimeErr(err)
			}
			log.Info().Msg("schema applied")
			return nil
		},
	}
}
