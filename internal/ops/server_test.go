package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triframe/triframe/internal/metrics"
)

func newTestServer() *Server {
	return NewServer(":0", metrics.NewRegistry(), zerolog.Nop())
}

func TestHealthzAllChecksPass(t *testing.T) {
	s := newTestServer()
	s.RegisterCheck("database", func(ctx context.Context) error { return nil })
	s.RegisterCheck("redis", func(ctx context.Context) error { return nil })

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Checks["database"])
	assert.Equal(t, "ok", resp.Checks["redis"])
}

func TestHealthzFailingCheckDegrades(t *testing.T) {
	s := newTestServer()
	s.RegisterCheck("database", func(ctx context.Context) error { return nil })
	s.RegisterCheck("feed", func(ctx context.Context) error { return errors.New("disconnected") })

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "disconnected", resp.Checks["feed"])
	assert.Equal(t, "ok", resp.Checks["database"])
}

func TestDebtsListsRegistry(t *testing.T) {
	s := newTestServer()

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debts", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var rows []debtRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 7)
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		assert.True(t, r.Resolved)
		names = append(names, r.Gate)
	}
	assert.Contains(t, names, "TICK_DEDUPLICATION_ACTIVE")
}

func TestMetricsExposition(t *testing.T) {
	m := metrics.NewRegistry()
	m.TicksProcessed.Inc()
	s := NewServer(":0", m, zerolog.Nop())

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "triframe_ticks_processed_total 1"))
}
