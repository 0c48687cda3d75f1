// Package app assembles the engine: one constructor wires every component
// over the shared clock, bus, metrics and repositories, and one Run owns the
// goroutine lifecycle from feed connect to graceful drain.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/triframe/triframe/internal/broker"
	"github.com/triframe/triframe/internal/broker/feedws"
	"github.com/triframe/triframe/internal/broker/guard"
	"github.com/triframe/triframe/internal/broker/paper"
	"github.com/triframe/triframe/internal/cache"
	"github.com/triframe/triframe/internal/candles"
	"github.com/triframe/triframe/internal/clockwork"
	"github.com/triframe/triframe/internal/config"
	"github.com/triframe/triframe/internal/confluence"
	"github.com/triframe/triframe/internal/domain"
	"github.com/triframe/triframe/internal/events"
	"github.com/triframe/triframe/internal/executor"
	"github.com/triframe/triframe/internal/exits"
	"github.com/triframe/triframe/internal/fanout"
	"github.com/triframe/triframe/internal/metrics"
	"github.com/triframe/triframe/internal/ops"
	"github.com/triframe/triframe/internal/persistence"
	"github.com/triframe/triframe/internal/persistence/postgres"
	"github.com/triframe/triframe/internal/reconcile"
	"github.com/triframe/triframe/internal/stream"
)

// Engine is the assembled trading process. Everything hangs off the four
// shared spines: clock, bus, metrics and the repository bundle.
type Engine struct {
	cfg *config.Config
	log zerolog.Logger

	clock clockwork.Clock
	cal   *clockwork.SessionCalendar

	db    *sqlx.DB
	repo  *persistence.Repository
	redis *redis.Client

	metrics  *metrics.Registry
	watchdog *metrics.Watchdog

	writer *events.AsyncWriter
	bus    *events.MemoryBus

	factory *broker.Factory
	stream  *stream.TickStream
	windows *candles.WindowCache
	candles *candles.Pipeline
	eval    *confluence.Evaluator
	exec    *executor.Executor
	fan     *fanout.FanOut
	recon   *reconcile.Reconciler
	monitor *exits.Monitor
	ltp     *cache.LTPCache
	ops     *ops.Server

	guardMu sync.Mutex
	guards  map[string]*guard.Guard

	feedMu sync.RWMutex
	feed   broker.DataBroker
}

// New wires an engine from validated configuration. It connects to the
// database and, when enabled, Redis; the broker feed is not touched until
// Run.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		log:    log,
		clock:  clockwork.WallClock{},
		cal:    clockwork.NewSessionCalendar(cfg.Calendar),
		guards: make(map[string]*guard.Guard),
	}
	e.metrics = metrics.NewRegistry()
	e.watchdog = metrics.NewWatchdog(e.metrics, log, 30*time.Second, 0)

	db, err := postgres.Open(ctx, postgres.Config{
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		QueryTimeout: cfg.DatabaseTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	e.db = db
	e.repo = postgres.NewRepository(db, cfg.DatabaseTimeout())

	var rdb redis.Cmdable
	if cfg.Redis.Enabled {
		e.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err := e.redis.Ping(ctx).Err(); err != nil {
			// The cache degrades to its memory shadow; Redis being down
			// is not a startup failure.
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable at startup")
		}
		rdb = e.redis
	}
	e.ltp = cache.New(rdb, cfg.RedisTTL(), e.clock, e.metrics, log)

	if cfg.Persist.AsyncEventWriter {
		e.writer = events.NewAsyncWriter(e.repo.Events, cfg.Persist.EventQueueSize, e.metrics, log)
	}
	e.bus = events.NewMemoryBus(events.BusOptions{
		Store:        e.repo.Events,
		Async:        e.writer,
		PersistTicks: cfg.Persist.TickEvents,
	}, e.metrics, log)

	e.factory = broker.NewFactory(e.repo.Accounts, e.repo.Sessions, log)
	e.registerBrokers()

	e.windows = candles.NewWindowCache(maxWindow(cfg) + 50)
	e.candles = candles.NewPipeline(e.cal, e.repo.Candles, e.bus, e.windows, e.metrics, log, e.clock)
	e.eval = confluence.NewEvaluator(confluence.Config{
		WindowHTF:          cfg.Evaluator.WindowHTF,
		WindowITF:          cfg.Evaluator.WindowITF,
		WindowLTF:          cfg.Evaluator.WindowLTF,
		ZoneFraction:       cfg.Evaluator.BuyZoneFraction,
		PWin:               cfg.Evaluator.PWin,
		PayoffRatio:        cfg.Evaluator.PayoffRatio,
		MovementGatePct:    cfg.Evaluator.MovementGatePct,
		ReanalysisInterval: cfg.ReanalysisInterval(),
		CloseSuppression:   cfg.CloseSuppression(),
	}, e.windows, e.repo.Signals, e.bus, e.cal, e.clock, e.metrics, log)
	e.candles.OnClose(e.eval.OnCandleClose)

	e.exec = executor.New(e.repo.Trades, e.repo.Exits, e.factory, e.bus, e.clock, e.metrics, log)
	e.fan = fanout.New(fanout.Config{TaskTimeout: cfg.FanoutTaskTimeout()},
		e.repo.Accounts, e.repo.Trades, e.repo.Intents, e.windows,
		feedConnectivity{e: e}, e.exec, e.bus, e.cal, e.clock, e.metrics, log)
	e.recon = reconcile.New(reconcile.Config{
		Interval:    cfg.ReconcileInterval(),
		StaleAfter:  cfg.PendingTimeout(),
		MaxInFlight: cfg.Reconcile.MaxConcurrent,
	}, e.repo.Trades, e.repo.Exits, e.repo.Accounts, e.factory, e.exec, e.bus, e.clock, e.metrics, log)
	e.monitor = exits.New(exits.Config{
		Cooldown: cfg.ExitCooldown(),
		Rules: exits.RuleConfig{
			TrailingRetracement: cfg.Exits.TrailingRetracement,
			BrickAdverseRatio:   cfg.Exits.BrickAdverseRatio,
		},
	}, e.repo.Trades, e.repo.Exits, e.repo.Accounts, e.exec, e.bus, e.clock, e.metrics, log)

	e.stream = stream.NewTickStream(stream.Options{
		DedupWindow:  cfg.DedupWindow(),
		QueueSize:    cfg.Stream.SubscriberBuffer,
		PublishTicks: cfg.Persist.TickEvents,
	}, e.bus, e.metrics, log, e.clock)
	e.stream.OnTick(e.candles.HandleTick)
	e.stream.OnTick(e.monitor.OnTick)
	e.stream.OnTick(e.ltp.OnTick)

	e.ops = ops.NewServer(cfg.Ops.Listen, e.metrics, log)
	e.registerChecks()

	return e, nil
}

// registerBrokers installs one factory builder per configured broker code.
// The data side is a live websocket feed when ws_url is set, otherwise the
// paper feed; the order side is always the simulator behind a guard until a
// live order adapter exists.
func (e *Engine) registerBrokers() {
	for code, bc := range e.cfg.Brokers {
		code, bc := code, bc
		e.factory.Register(code, func(ub domain.UserBroker, s domain.Session) (broker.DataBroker, broker.OrderBroker, error) {
			var data broker.DataBroker
			var order broker.OrderBroker
			if bc.WSURL != "" {
				data = feedws.New(feedws.Config{
					URL:       bc.WSURL,
					AuthToken: s.AccessToken,
				}, e.clock, e.metrics, e.log)
			} else {
				feed, sim := paper.NewPair(e.clock)
				data, order = feed, sim
			}
			if order == nil {
				order = paper.NewBroker(e.clock)
			}
			g := guard.New(code, order, guard.Config{
				RPS:   bc.RateLimitRPS,
				Burst: bc.RateLimitBurst,
			}, e.metrics, e.log)
			e.guardMu.Lock()
			e.guards[code] = g
			e.guardMu.Unlock()
			return data, g, nil
		})
	}
}

func maxWindow(cfg *config.Config) int {
	n := cfg.Evaluator.WindowHTF
	if cfg.Evaluator.WindowITF > n {
		n = cfg.Evaluator.WindowITF
	}
	if cfg.Evaluator.WindowLTF > n {
		n = cfg.Evaluator.WindowLTF
	}
	return n
}

// feedConnectivity reports the data feed's link state to the fan-out's
// connectivity gate. Feeds that cannot report (the paper feed) count as
// connected.
type feedConnectivity struct{ e *Engine }

func (f feedConnectivity) Connected(int64) bool {
	f.e.feedMu.RLock()
	feed := f.e.feed
	f.e.feedMu.RUnlock()
	if feed == nil {
		return false
	}
	if c, ok := feed.(interface{ Connected() bool }); ok {
		return c.Connected()
	}
	return true
}
