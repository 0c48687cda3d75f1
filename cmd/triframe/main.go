package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/triframe/triframe/internal/config"
)

const version = "v0.4.0"

// Exit codes: 0 clean shutdown, 1 startup refused (config, gate, live
// confirmation), 2 unrecoverable runtime failure.
const (
	exitStartup = 1
	exitRuntime = 2
)

// exitError carries the process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func startupErr(err error) error { return &exitError{code: exitStartup, err: err} }
func runtimeErr(err error) error { return &exitError{code: exitRuntime, err: err} }

var (
	flagConfig      string
	flagMode        string
	flagConfirmLive bool
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stdin.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	root := &cobra.Command{
		Use:           "triframe",
		Short:         "Three-timeframe long-only equities trading engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "config/triframe.yaml", "Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&flagMode, "mode", "", "Override the configured mode (PRODUCTION or BETA)")
	root.PersistentFlags().BoolVar(&flagConfirmLive, "confirm-live", false, "First half of the production confirmation pair")

	root.AddCommand(newRunCmd(), newHealthCmd(), newDebtsCmd(), newMigrateCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("triframe failed")
		var xe *exitError
		if errors.As(err, &xe) {
			os.Exit(xe.code)
		}
		os.Exit(exitStartup)
	}
}

// loadConfig builds the effective configuration: file, env overrides, then
// the --mode flag, re-validated after the override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagMode != "" {
		cfg.Mode = config.Mode(flagMode)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	return cfg, nil
}

// confirmLive enforces the two-man rule for production: the --confirm-live
// flag and TRIFRAME_LIVE_CONFIRMED=true must both be present.
func confirmLive(cfg *config.Config) error {
	if cfg.Mode != config.ModeProduction {
		return nil
	}
	var missing []string
	if !flagConfirmLive {
		missing = append(missing, "--confirm-live flag")
	}
	if os.Getenv("TRIFRAME_LIVE_CONFIRMED") != "true" {
		missing = append(missing, "TRIFRAME_LIVE_CONFIRMED=true")
	}
	if len(missing) > 0 {
		return fmt.Errorf("production mode requires explicit confirmation, missing: %v", missing)
	}
	return nil
}
