// Package guard wraps an OrderBroker with a circuit breaker and a token
// bucket so a sick broker cannot absorb the engine's call budget. Every
// execution-path broker call goes through a guard.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/triframe/triframe/internal/broker"
	"github.com/triframe/triframe/internal/metrics"
)

// Config tunes one broker's guard. Zero values fall back to defaults.
type Config struct {
	ConsecutiveFailures uint32        // breaker trips at this count, default 5
	OpenTimeout         time.Duration // open -> half-open probe delay, default 30s
	RPS                 float64       // sustained call rate, default 3
	Burst               int           // bucket depth, default 3
}

func (c Config) withDefaults() Config {
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = 5
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.RPS == 0 {
		c.RPS = 3
	}
	if c.Burst == 0 {
		c.Burst = 3
	}
	return c
}

// Guard is an OrderBroker decorator. Placement and modification calls wait
// on the limiter up to the caller's deadline; status polls never wait, they
// fail fast with ErrRateLimited so poll loops can skip and move on.
type Guard struct {
	next    broker.OrderBroker
	code    string
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	burst   int
	metrics *metrics.Registry
	log     zerolog.Logger
}

func New(code string, next broker.OrderBroker, cfg Config, m *metrics.Registry, log zerolog.Logger) *Guard {
	cfg = cfg.withDefaults()
	g := &Guard{
		next:    next,
		code:    code,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		burst:   cfg.Burst,
		metrics: m,
		log:     log.With().Str("component", "broker_guard").Str("broker", code).Logger(),
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    code,
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: g.onStateChange,
	})
	m.BrokerHealth.WithLabelValues(code).Set(healthValue(gobreaker.StateClosed))
	return g
}

// Healthy reports whether the breaker admits calls.
func (g *Guard) Healthy() bool {
	return g.breaker.State() != gobreaker.StateOpen
}

// State exposes the breaker state for the health endpoint.
func (g *Guard) State() string {
	return g.breaker.State().String()
}

func (g *Guard) Authenticate(ctx context.Context) error {
	_, err := g.execute(func() (interface{}, error) {
		return nil, g.next.Authenticate(ctx)
	})
	return err
}

func (g *Guard) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResponse, error) {
	if err := g.waitTurn(ctx); err != nil {
		return broker.OrderResponse{}, err
	}
	v, err := g.execute(func() (interface{}, error) {
		return g.next.PlaceOrder(ctx, req)
	})
	if err != nil {
		return broker.OrderResponse{}, err
	}
	return v.(broker.OrderResponse), nil
}

func (g *Guard) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := g.waitTurn(ctx); err != nil {
		return err
	}
	_, err := g.execute(func() (interface{}, error) {
		return nil, g.next.CancelOrder(ctx, brokerOrderID)
	})
	return err
}

func (g *Guard) ModifyOrder(ctx context.Context, brokerOrderID string, price float64, qty int64) (broker.OrderResponse, error) {
	if err := g.waitTurn(ctx); err != nil {
		return broker.OrderResponse{}, err
	}
	v, err := g.execute(func() (interface{}, error) {
		return g.next.ModifyOrder(ctx, brokerOrderID, price, qty)
	})
	if err != nil {
		return broker.OrderResponse{}, err
	}
	return v.(broker.OrderResponse), nil
}

func (g *Guard) OrderStatus(ctx context.Context, brokerOrderID, clientOrderID string) (broker.OrderStatus, error) {
	if !g.limiter.Allow() {
		g.observeUtilization()
		return broker.OrderStatus{}, broker.ErrRateLimited
	}
	g.observeUtilization()
	v, err := g.execute(func() (interface{}, error) {
		return g.next.OrderStatus(ctx, brokerOrderID, clientOrderID)
	})
	if err != nil {
		return broker.OrderStatus{}, err
	}
	return v.(broker.OrderStatus), nil
}

func (g *Guard) waitTurn(ctx context.Context) error {
	defer g.observeUtilization()
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", broker.ErrRateLimited, err)
	}
	return nil
}

func (g *Guard) execute(fn func() (interface{}, error)) (interface{}, error) {
	v, err := g.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", broker.ErrCircuitOpen, g.code)
	}
	return v, err
}

func (g *Guard) observeUtilization() {
	// Utilization is the consumed share of the burst bucket.
	used := 1 - g.limiter.Tokens()/float64(g.burst)
	if used < 0 {
		used = 0
	}
	g.metrics.RateUtilization.WithLabelValues(g.code).Set(used)
}

func (g *Guard) onStateChange(name string, from, to gobreaker.State) {
	g.metrics.BrokerHealth.WithLabelValues(g.code).Set(healthValue(to))
	evt := g.log.Warn()
	if to == gobreaker.StateClosed {
		evt = g.log.Info()
	}
	evt.Str("from", from.String()).Str("to", to.String()).Msg("broker circuit state changed")
}

func healthValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}
