package paper

import (
	"context"
	"sync"
	"time"

	"github.com/triframe/triframe/internal/broker"
	"github.com/triframe/triframe/internal/clockwork"
	"github.com/triframe/triframe/internal/domain"
)

type histKey struct {
	symbol string
	tf     domain.Timeframe
}

// Feed implements broker.DataBroker with a scripted tick source and seeded
// history, so warmup and the full tick path run without a live feed.
type Feed struct {
	mu         sync.RWMutex
	connected  bool
	subscribed map[string]bool
	handler    broker.TickHandler
	history    map[histKey][]domain.Candle
}

func NewFeed() *Feed {
	return &Feed{
		subscribed: make(map[string]bool),
		history:    make(map[histKey][]domain.Candle),
	}
}

func (f *Feed) Authenticate(ctx context.Context) error { return nil }

func (f *Feed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *Feed) Subscribe(ctx context.Context, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return broker.ErrNotConnected
	}
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	return nil
}

func (f *Feed) OnTick(handler broker.TickHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *Feed) HistoricalCandles(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []domain.Candle
	for _, c := range f.history[histKey{symbol: symbol, tf: tf}] {
		if c.BucketStart.Before(from) || !c.BucketStart.Before(to) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *Feed) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

// SeedHistory installs scripted candles served by HistoricalCandles.
func (f *Feed) SeedHistory(symbol string, tf domain.Timeframe, candles []domain.Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[histKey{symbol: symbol, tf: tf}] = candles
}

// Push delivers one tick to the registered handler, mirroring a broker read
// goroutine. Ticks for unsubscribed symbols are dropped like a real feed
// would never send them.
func (f *Feed) Push(t domain.Tick) {
	f.mu.RLock()
	handler := f.handler
	ok := f.connected && f.subscribed[t.Symbol]
	f.mu.RUnlock()
	if ok && handler != nil {
		handler(t)
	}
}

// NewPair builds a feed/broker pair for one account, in the shape the
// factory's Builder expects.
func NewPair(clock clockwork.Clock) (*Feed, *Broker) {
	return NewFeed(), NewBroker(clock)
}
