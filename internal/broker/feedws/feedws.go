// Package feedws is the websocket DataBroker adapter. It speaks JSON tick
// frames, resubscribes after every reconnect, and backs off exponentially
// between attempts with a long pause once a broker looks properly down.
package feedws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/triframe/triframe/internal/broker"
	"github.com/triframe/triframe/internal/clockwork"
	"github.com/triframe/triframe/internal/domain"
	"github.com/triframe/triframe/internal/metrics"
)

// HistoryFunc serves candle history for the account, usually an HTTP call
// owned by the concrete broker integration. The feed itself only streams.
type HistoryFunc func(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error)

// Config for one feed connection.
type Config struct {
	URL              string
	AuthToken        string
	HandshakeTimeout time.Duration // default 10s
	PingInterval     time.Duration // default 30s
	ReconnectMin     time.Duration // first retry delay, default 1s
	ReconnectMax     time.Duration // retry delay ceiling, default 60s
	PauseAfter       int           // consecutive dial failures before the long pause, default 10
	PauseFor         time.Duration // default 5m
	History          HistoryFunc
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReconnectMin == 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = 60 * time.Second
	}
	if c.PauseAfter == 0 {
		c.PauseAfter = 10
	}
	if c.PauseFor == 0 {
		c.PauseFor = 5 * time.Minute
	}
	return c
}

// tickFrame is the wire shape of one trade print.
type tickFrame struct {
	Type       string  `json:"type"`
	Symbol     string  `json:"symbol"`
	LastPrice  float64 `json:"ltp"`
	LastQty    int64   `json:"ltq"`
	Volume     int64   `json:"volume"`
	ExchangeTS int64   `json:"exchange_ts"` // epoch millis, 0 when the broker omits it
}

type subscribeFrame struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// Feed implements broker.DataBroker over one websocket.
type Feed struct {
	cfg     Config
	dialer  *websocket.Dialer
	clock   clockwork.Clock
	metrics *metrics.Registry
	log     zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	handler   broker.TickHandler
	symbols   []string
	closed    bool
	connected bool
}

func New(cfg Config, clock clockwork.Clock, m *metrics.Registry, log zerolog.Logger) *Feed {
	cfg = cfg.withDefaults()
	return &Feed{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		clock:   clock,
		metrics: m,
		log:     log.With().Str("component", "feedws").Logger(),
	}
}

// Authenticate verifies the token is present; the token itself rides the
// dial headers.
func (f *Feed) Authenticate(ctx context.Context) error {
	if f.cfg.AuthToken == "" {
		return fmt.Errorf("%w: empty feed token", broker.ErrNoSession)
	}
	return nil
}

// Connect dials once synchronously so startup failures surface, then hands
// the connection to the supervisor goroutine which owns reconnects.
func (f *Feed) Connect(ctx context.Context) error {
	conn, err := f.dial(ctx)
	if err != nil {
		return domain.TransientBrokerError("feed connect", err)
	}
	f.setConn(conn)
	go f.supervise(ctx)
	return nil
}

func (f *Feed) Subscribe(ctx context.Context, symbols []string) error {
	f.mu.Lock()
	f.symbols = append([]string(nil), symbols...)
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return broker.ErrNotConnected
	}
	return f.sendSubscribe(conn, symbols)
}

func (f *Feed) OnTick(handler broker.TickHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *Feed) HistoricalCandles(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error) {
	if f.cfg.History == nil {
		return nil, fmt.Errorf("%w: feed has no history source", broker.ErrNotSupported)
	}
	return f.cfg.History(ctx, symbol, tf, from, to)
}

func (f *Feed) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected = false
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	return nil
}

// Connected reports whether a live socket is up, for the health endpoint.
func (f *Feed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if f.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+f.cfg.AuthToken)
	}
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, header)
	return conn, err
}

func (f *Feed) setConn(conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.conn = conn
	f.connected = true
}

func (f *Feed) markDown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *Feed) isClosed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.closed
}

// supervise runs read loops until Disconnect, reconnecting with exponential
// backoff. PauseAfter consecutive dial failures trigger the PauseFor sleep
// before the cycle restarts.
func (f *Feed) supervise(ctx context.Context) {
	bo := &backoff.Backoff{Min: f.cfg.ReconnectMin, Max: f.cfg.ReconnectMax, Factor: 2, Jitter: true}
	for {
		err := f.readLoop(ctx)
		f.markDown()
		if ctx.Err() != nil || f.isClosed() {
			return
		}
		f.metrics.Degrade.WithLabelValues("feed_disconnect").Inc()
		f.log.Warn().Err(err).Msg("feed connection lost")

		if !f.reconnect(ctx, bo) {
			return
		}
	}
}

func (f *Feed) reconnect(ctx context.Context, bo *backoff.Backoff) bool {
	failures := 0
	for {
		if ctx.Err() != nil || f.isClosed() {
			return false
		}
		wait := bo.Duration()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return false
		}

		conn, err := f.dial(ctx)
		if err != nil {
			failures++
			f.log.Warn().Err(err).Int("failures", failures).Dur("waited", wait).
				Msg("feed reconnect failed")
			if failures >= f.cfg.PauseAfter {
				f.log.Error().Int("failures", failures).Dur("pause", f.cfg.PauseFor).
					Msg("feed looks down, pausing reconnect attempts")
				f.metrics.Degrade.WithLabelValues("feed_reconnect_paused").Inc()
				select {
				case <-time.After(f.cfg.PauseFor):
				case <-ctx.Done():
					return false
				}
				failures = 0
				bo.Reset()
			}
			continue
		}

		f.setConn(conn)
		f.mu.RLock()
		symbols := f.symbols
		f.mu.RUnlock()
		if len(symbols) > 0 {
			if err := f.sendSubscribe(conn, symbols); err != nil {
				f.log.Warn().Err(err).Msg("resubscribe failed, retrying connection")
				conn.Close()
				continue
			}
		}
		bo.Reset()
		f.log.Info().Int("symbols", len(symbols)).Msg("feed reconnected")
		return true
	}
}

func (f *Feed) sendSubscribe(conn *websocket.Conn, symbols []string) error {
	return conn.WriteJSON(subscribeFrame{Action: "subscribe", Symbols: symbols})
}

// readLoop pumps one connection until it dies. A side goroutine keeps the
// socket warm with pings; both exit together.
func (f *Feed) readLoop(ctx context.Context) error {
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()
	if conn == nil {
		return broker.ErrNotConnected
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go f.pingLoop(conn, pingDone)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.dispatch(payload)
	}
}

func (f *Feed) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (f *Feed) dispatch(payload []byte) {
	var frame tickFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		f.log.Debug().Err(err).Int("bytes", len(payload)).Msg("unparseable feed frame")
		return
	}
	if frame.Type != "tick" || frame.Symbol == "" {
		return
	}

	f.mu.RLock()
	handler := f.handler
	f.mu.RUnlock()
	if handler == nil {
		return
	}

	tick := domain.Tick{
		Symbol:     frame.Symbol,
		ReceivedAt: f.clock.Now(),
		LastPrice:  frame.LastPrice,
		LastQty:    frame.LastQty,
		Volume:     frame.Volume,
	}
	if frame.ExchangeTS > 0 {
		tick.ExchangeTimestamp = time.UnixMilli(frame.ExchangeTS).UTC()
	}
	handler(tick)
}
