package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/triframe/triframe/internal/domain"
	"github.com/triframe/triframe/internal/events"
	"github.com/triframe/triframe/internal/executor"
	"github.com/triframe/triframe/internal/persistence/postgres"
)

const shutdownGrace = 5 * time.Second

// Run brings the engine up, serves until the context is cancelled and then
// drains. The order matters on both ends: consumers start before the feed
// delivers, and on the way down the feed stops before the lanes drain.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(runCtx)
		}()
	}

	if e.writer != nil {
		spawn(e.writer.Run)
	}
	spawn(e.watchdog.Run)
	spawn(e.candles.RunFinalizer)
	spawn(e.stream.Run)
	spawn(func(ctx context.Context) {
		if err := e.fan.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Error().Err(err).Msg("fan-out stopped")
		}
	})
	spawn(func(ctx context.Context) {
		if err := e.recon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Error().Err(err).Msg("reconciler stopped")
		}
	})

	if err := e.monitor.Start(ctx); err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("load open trades: %w", err)
	}
	spawn(func(ctx context.Context) {
		if err := e.monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Error().Err(err).Msg("exit monitor stopped")
		}
	})

	go func() {
		if err := e.ops.Start(); err != nil {
			e.log.Error().Err(err).Msg("ops server failed")
		}
	}()

	if err := e.connectFeed(ctx); err != nil {
		e.log.Error().Err(err).Msg("market data feed unavailable")
	}
	e.recoverExits(ctx)

	e.publishLifecycle(ctx, events.EventEngineStarted)
	e.log.Info().Str("mode", string(e.cfg.Mode)).Msg("engine running")

	<-ctx.Done()
	e.log.Info().Msg("engine shutting down")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer drainCancel()
	e.publishLifecycle(drainCtx, events.EventEngineStopped)

	if err := e.ops.Shutdown(drainCtx); err != nil {
		e.log.Warn().Err(err).Msg("ops server did not drain")
	}
	e.disconnectFeed()
	cancel()
	e.exec.Close()
	wg.Wait()
	e.bus.Close()
	if e.redis != nil {
		e.redis.Close()
	}
	e.db.Close()
	return nil
}

// connectFeed resolves the DATA account, bridges its tick callback into the
// stream and seeds the candle windows from stored history.
func (e *Engine) connectFeed(ctx context.Context) error {
	ub, err := e.repo.Accounts.DataAccount(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			e.log.Warn().Msg("no DATA account configured, running without live market data")
			return nil
		}
		return err
	}

	data, _, err := e.factory.Resolve(ctx, ub.UserBrokerID)
	if err != nil {
		return fmt.Errorf("resolve data account %d: %w", ub.UserBrokerID, err)
	}
	e.feedMu.Lock()
	e.feed = data
	e.feedMu.Unlock()

	data.OnTick(func(t domain.Tick) {
		e.stream.Submit(t)
	})

	if err := data.Authenticate(ctx); err != nil {
		return fmt.Errorf("authenticate feed: %w", err)
	}
	if err := data.Connect(ctx); err != nil {
		return fmt.Errorf("connect feed: %w", err)
	}
	if err := data.Subscribe(ctx, ub.Watchlist); err != nil {
		return fmt.Errorf("subscribe %d symbols: %w", len(ub.Watchlist), err)
	}

	if err := e.candles.Warmup(ctx, ub.Watchlist, maxWindow(e.cfg)); err != nil {
		e.log.Warn().Err(err).Msg("window warmup incomplete, evaluator waits for live candles")
	}
	e.log.Info().Int64("user_broker_id", ub.UserBrokerID).
		Int("symbols", len(ub.Watchlist)).Msg("market data feed up")
	return nil
}

func (e *Engine) disconnectFeed() {
	e.feedMu.Lock()
	feed := e.feed
	e.feed = nil
	e.feedMu.Unlock()
	if feed == nil {
		return
	}
	if err := feed.Disconnect(); err != nil {
		e.log.Warn().Err(err).Msg("feed disconnect failed")
	}
}

// recoverExits resubmits exit intents that were approved before a crash but
// never reached the broker. Placement is idempotent on the intent id, so a
// resubmit of an intent that did get out cannot double-order; intents whose
// trade is no longer OPEN are marked failed to release the exclusivity guard.
func (e *Engine) recoverExits(ctx context.Context) {
	intents, err := e.repo.Exits.ListApproved(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("exit recovery scan failed")
		return
	}
	for _, intent := range intents {
		trade, err := e.repo.Trades.TradeByID(ctx, intent.TradeID)
		if err != nil {
			e.log.Error().Err(err).Int64("trade_id", intent.TradeID).Msg("exit recovery: trade lookup failed")
			continue
		}
		if trade.Status != domain.TradeOpen {
			if err := e.repo.Exits.UpdateExitStatus(ctx, intent.ExitIntentID, domain.ExitIntentFailed); err != nil {
				e.log.Error().Err(err).Str("exit_intent_id", intent.ExitIntentID).Msg("exit recovery: release failed")
			}
			continue
		}
		ub, err := e.repo.Accounts.UserBroker(ctx, trade.UserBrokerID)
		if err != nil {
			e.log.Error().Err(err).Int64("user_broker_id", trade.UserBrokerID).Msg("exit recovery: account lookup failed")
			continue
		}

		price := trade.EntryPrice
		if ltp, _, ok := e.ltp.LTP(ctx, trade.Symbol); ok {
			price = ltp
		}
		e.log.Info().Int64("trade_id", trade.TradeID).
			Str("exit_intent_id", intent.ExitIntentID).
			Str("reason", string(intent.ExitReason)).Msg("resubmitting recovered exit")
		if err := e.exec.SubmitExit(executor.Exit{
			Trade:       *trade,
			Intent:      intent,
			UserID:      ub.UserID,
			BrokerCode:  ub.BrokerCode,
			LimitPrice:  domain.Round2(price),
			ProductType: "CNC",
		}); err != nil {
			e.log.Error().Err(err).Int64("trade_id", trade.TradeID).Msg("exit recovery: submit failed")
		}
	}
}

func (e *Engine) publishLifecycle(ctx context.Context, typ events.EventType) {
	ev := events.New(typ, events.TopicGlobal, map[string]string{"mode": string(e.cfg.Mode)})
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.log.Warn().Err(err).Str("type", string(typ)).Msg("lifecycle event not published")
	}
}

// registerChecks wires the ops health probes over the engine's dependencies.
func (e *Engine) registerChecks() {
	e.ops.RegisterCheck("database", func(ctx context.Context) error {
		return postgres.Ping(ctx, e.db)
	})
	if e.redis != nil {
		e.ops.RegisterCheck("redis", func(ctx context.Context) error {
			return e.redis.Ping(ctx).Err()
		})
	}
	e.ops.RegisterCheck("feed", func(context.Context) error {
		if (feedConnectivity{e: e}).Connected(0) {
			return nil
		}
		return errors.New("disconnected")
	})
	e.ops.RegisterCheck("brokers", func(context.Context) error {
		e.guardMu.Lock()
		defer e.guardMu.Unlock()
		for code, g := range e.guards {
			if !g.Healthy() {
				return fmt.Errorf("%s circuit %s", code, g.State())
			}
		}
		return nil
	})
	if e.writer != nil {
		e.ops.RegisterCheck("event_writer", func(context.Context) error {
			depth := e.writer.QueueDepth()
			if depth > e.cfg.Persist.EventQueueSize*9/10 {
				return fmt.Errorf("queue depth %d near capacity", depth)
			}
			return nil
		})
	}
}
