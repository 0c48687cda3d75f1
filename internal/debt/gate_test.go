package debt

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triframe/triframe/internal/config"
	"github.com/triframe/triframe/internal/domain"
)

func productionConfig() *config.Config {
	cfg := config.Default()
	cfg.Mode = config.ModeProduction
	cfg.OrderExecution.Enabled = true
	cfg.Brokers = map[string]config.BrokerConfig{
		"zerodha": {Env: domain.EnvProduction},
	}
	return &cfg
}

func TestProductionPassesWithAllGatesResolved(t *testing.T) {
	err := check(productionConfig(), Resolved, zerolog.Nop())
	assert.NoError(t, err)
}

func TestProductionRefusesUnresolvedDebtByName(t *testing.T) {
	resolved := func(g Gate) bool { return g != BrokerReconciliationRunning }

	err := check(productionConfig(), resolved, zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfig)
	assert.Contains(t, err.Error(), "BROKER_RECONCILIATION_RUNNING")
}

func TestProductionRefusesDisabledExecution(t *testing.T) {
	cfg := productionConfig()
	cfg.OrderExecution.Enabled = false

	err := check(cfg, Resolved, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order_execution.enabled")
}

func TestProductionRefusesNonProductionBroker(t *testing.T) {
	cfg := productionConfig()
	cfg.Brokers["uatbroker"] = config.BrokerConfig{Env: domain.EnvUAT}

	err := check(cfg, Resolved, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uatbroker")
}

func TestProductionRefusesSyncTickPersistence(t *testing.T) {
	cfg := productionConfig()
	cfg.Persist.TickEvents = true
	cfg.Persist.AsyncEventWriter = false

	err := check(cfg, Resolved, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "async_event_writer")
}

func TestBetaWarnsInsteadOfFailing(t *testing.T) {
	cfg := productionConfig()
	cfg.Mode = config.ModeBeta
	cfg.OrderExecution.Enabled = false
	cfg.Brokers["sandbox"] = config.BrokerConfig{Env: domain.EnvSandbox}

	err := check(cfg, func(Gate) bool { return false }, zerolog.Nop())
	assert.NoError(t, err)
}

func TestRegistryShipsFullyResolved(t *testing.T) {
	assert.Empty(t, Unresolved())
	assert.Len(t, Gates(), 7)
	assert.True(t, Resolved(TickDeduplicationActive))
	assert.False(t, Resolved(Gate("NOT_A_GATE")))
}
