package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/triframe/triframe/internal/persistence/postgres"
)

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "One-shot dependency probe",
		Long:  "Checks database and Redis reachability and broker configuration, then exits.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return startupErr(err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			failed := false
			report := func(name string, err error) {
				if err != nil {
					failed = true
					fmt.Printf("%-10s FAIL  %v\n", name, err)
					return
				}
				fmt.Printf("%-10s ok\n", name)
			}

			db, err := postgres.Open(ctx, postgres.Config{
				DSN:          cfg.Database.DSN,
				MaxOpenConns: 1,
				MaxIdleConns: 1,
				QueryTimeout: cfg.DatabaseTimeout(),
			})
			report("database", err)
			if err == nil {
				defer db.Close()
			}

			if cfg.Redis.Enabled {
				rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
				report("redis", rdb.Ping(ctx).Err())
				rdb.Close()
			} else {
				fmt.Printf("%-10s skipped (disabled)\n", "redis")
			}

			if len(cfg.Brokers) == 0 {
				report("brokers", fmt.Errorf("no brokers configured"))
			} else {
				report("brokers", nil)
			}

			if failed {
				return startupErr(fmt.Errorf("health check failed"))
			}
			return nil
		},
	}
}
