package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triframe/triframe/internal/broker"
	"github.com/triframe/triframe/internal/metrics"
)

type stubOrderBroker struct {
	mu     sync.Mutex
	calls  int
	err    error
	resp   broker.OrderResponse
	status broker.OrderStatus
}

func (s *stubOrderBroker) Authenticate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *stubOrderBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.resp, s.err
}

func (s *stubOrderBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *stubOrderBroker) ModifyOrder(ctx context.Context, brokerOrderID string, price float64, qty int64) (broker.OrderResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.resp, s.err
}

func (s *stubOrderBroker) OrderStatus(ctx context.Context, brokerOrderID, clientOrderID string) (broker.OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.status, s.err
}

func (s *stubOrderBroker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newGuard(t *testing.T, stub *stubOrderBroker, cfg Config) (*Guard, *metrics.Registry) {
	t.Helper()
	m := metrics.NewRegistry()
	return New("paper", stub, cfg, m, zerolog.Nop()), m
}

func TestGuardPassesThroughHealthyCalls(t *testing.T) {
	stub := &stubOrderBroker{resp: broker.OrderResponse{BrokerOrderID: "B-1", Status: broker.StateOpen}}
	g, m := newGuard(t, stub, Config{RPS: 1000, Burst: 10})

	resp, err := g.PlaceOrder(context.Background(), broker.OrderRequest{ClientOrderID: "i-1"})
	require.NoError(t, err)
	assert.Equal(t, "B-1", resp.BrokerOrderID)
	assert.Equal(t, 1, stub.callCount())
	assert.True(t, g.Healthy())
	assert.Equal(t, 1.0, metrics.GaugeValue(m.BrokerHealth.WithLabelValues("paper")))
}

func TestGuardTripsAfterConsecutiveFailures(t *testing.T) {
	stub := &stubOrderBroker{err: errors.New("gateway timeout")}
	g, m := newGuard(t, stub, Config{ConsecutiveFailures: 3, RPS: 1000, Burst: 10})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.PlaceOrder(ctx, broker.OrderRequest{ClientOrderID: "i-1"})
		require.Error(t, err)
	}
	assert.Equal(t, 3, stub.callCount())
	assert.False(t, g.Healthy())
	assert.Equal(t, 0.0, metrics.GaugeValue(m.BrokerHealth.WithLabelValues("paper")))

	// The open breaker refuses without touching the broker.
	_, err := g.PlaceOrder(ctx, broker.OrderRequest{ClientOrderID: "i-2"})
	assert.ErrorIs(t, err, broker.ErrCircuitOpen)
	assert.Equal(t, 3, stub.callCount())
}

func TestGuardRecoversThroughHalfOpen(t *testing.T) {
	stub := &stubOrderBroker{err: errors.New("gateway timeout")}
	g, m := newGuard(t, stub, Config{ConsecutiveFailures: 2, OpenTimeout: 50 * time.Millisecond, RPS: 1000, Burst: 10})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		g.PlaceOrder(ctx, broker.OrderRequest{ClientOrderID: "i-1"})
	}
	require.False(t, g.Healthy())

	// After the open timeout the half-open probe goes through and the
	// breaker closes on success.
	stub.mu.Lock()
	stub.err = nil
	stub.resp = broker.OrderResponse{BrokerOrderID: "B-9", Status: broker.StateOpen}
	stub.mu.Unlock()
	time.Sleep(70 * time.Millisecond)

	resp, err := g.PlaceOrder(ctx, broker.OrderRequest{ClientOrderID: "i-2"})
	require.NoError(t, err)
	assert.Equal(t, "B-9", resp.BrokerOrderID)
	assert.True(t, g.Healthy())
	assert.Equal(t, 1.0, metrics.GaugeValue(m.BrokerHealth.WithLabelValues("paper")))
}

func TestGuardStatusPollFailsFastWhenRateLimited(t *testing.T) {
	stub := &stubOrderBroker{status: broker.OrderStatus{Status: broker.StateOpen}}
	g, m := newGuard(t, stub, Config{RPS: 0.1, Burst: 1})
	ctx := context.Background()

	st, err := g.OrderStatus(ctx, "B-1", "")
	require.NoError(t, err)
	assert.Equal(t, broker.StateOpen, st.Status)

	// The bucket is empty; status polls never wait for a token.
	_, err = g.OrderStatus(ctx, "B-1", "")
	assert.ErrorIs(t, err, broker.ErrRateLimited)
	assert.Equal(t, 1, stub.callCount())
	assert.Greater(t, metrics.GaugeValue(m.RateUtilization.WithLabelValues("paper")), 0.5)
}

func TestGuardPlaceOrderHonorsDeadlineWhileWaiting(t *testing.T) {
	stub := &stubOrderBroker{resp: broker.OrderResponse{BrokerOrderID: "B-1", Status: broker.StateOpen}}
	g, _ := newGuard(t, stub, Config{RPS: 0.1, Burst: 1})

	_, err := g.PlaceOrder(context.Background(), broker.OrderRequest{ClientOrderID: "i-1"})
	require.NoError(t, err)

	// Next token is ~10s away; a 20ms deadline cannot cover it.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.PlaceOrder(ctx, broker.OrderRequest{ClientOrderID: "i-2"})
	assert.ErrorIs(t, err, broker.ErrRateLimited)
	assert.Equal(t, 1, stub.callCount())
}

func TestGuardSyncRejectionDoesNotTrip(t *testing.T) {
	stub := &stubOrderBroker{resp: broker.OrderResponse{Status: broker.StateRejected, RejectReason: "insufficient funds"}}
	g, _ := newGuard(t, stub, Config{ConsecutiveFailures: 2, RPS: 1000, Burst: 10})
	ctx := context.Background()

	// A broker that answers is healthy even when the answer is no.
	for i := 0; i < 5; i++ {
		resp, err := g.PlaceOrder(ctx, broker.OrderRequest{ClientOrderID: "i-1"})
		require.NoError(t, err)
		assert.False(t, resp.Accepted())
	}
	assert.True(t, g.Healthy())
	assert.Equal(t, 5, stub.callCount())
}
