package debt

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/triframe/triframe/internal/config"
	"github.com/triframe/triframe/internal/domain"
)

// Check is the startup gate. In PRODUCTION mode every safety must hold and
// every registered debt must be resolved; any failure aborts startup with an
// error naming each failed gate. In BETA the same findings are logged as
// warnings and startup proceeds.
func Check(cfg *config.Config, log zerolog.Logger) error {
	return check(cfg, Resolved, log)
}

func check(cfg *config.Config, resolved func(Gate) bool, log zerolog.Logger) error {
	var failed []string

	if !cfg.OrderExecution.Enabled {
		failed = append(failed, "order_execution.enabled is false")
	}
	for code, b := range cfg.Brokers {
		if b.Env != domain.EnvProduction {
			failed = append(failed, fmt.Sprintf("broker %s env is %s, not PRODUCTION", code, b.Env))
		}
	}
	if cfg.Persist.TickEvents && !cfg.Persist.AsyncEventWriter {
		failed = append(failed, "persist.tick_events without persist.async_event_writer")
	}
	for _, g := range Gates() {
		if !resolved(g) {
			failed = append(failed, fmt.Sprintf("unresolved debt gate %s", g))
		}
	}

	if cfg.Mode != config.ModeProduction {
		for _, f := range failed {
			log.Warn().Str("gate", f).Msg("safety disabled outside production")
		}
		return nil
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: startup gate failed: %s", domain.ErrConfig, strings.Join(failed, "; "))
	}
	log.Info().Int("gates", len(Gates())).Msg("startup gate passed")
	return nil
}
