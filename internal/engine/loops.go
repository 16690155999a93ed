package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"paper-trading-bot/internal/events"
	"paper-trading-bot/internal/feed"
	"paper-trading-bot/internal/journal"
	"paper-trading-bot/internal/learning"
	"paper-trading-bot/internal/performance"
)

// snapshotCadence is how often each timeframe snapshot is recomputed. The
// checkpoint loop wakes every five minutes and takes whichever are due.
var snapshotCadence = map[string]time.Duration{
	performance.TimeframeHour:  time.Hour,
	performance.TimeframeDay:   24 * time.Hour,
	performance.TimeframeWeek:  7 * 24 * time.Hour,
	performance.TimeframeMonth: 30 * 24 * time.Hour,
}

// healthLoop keeps the matcher's view of feed health current and expires
// stale conditions and cooldowns once per second. Once a minute it also
// emits a status line and pings the store.
func (e *Engine) healthLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.matcher.SetFeedHealthy(e.stream.Status() == feed.StatusConnected)
			e.matcher.Sweep()
			ticks++
			if ticks%60 == 0 {
				e.logStatus()
				e.pingStore()
			}
		}
	}
}

func (e *Engine) pingStore() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.repo.HealthCheck(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Store health check failed")
	}
}

func (e *Engine) logStatus() {
	st := e.matcher.GetStatus()
	e.logger.Info().
		Float64("balance", st.AvailableBalance).
		Float64("equity", st.Equity).
		Float64("total_pnl", st.TotalPnL).
		Int("open_positions", st.OpenPositions).
		Int("active_conditions", st.ActiveConditions).
		Int("closed_trades", st.ClosedTrades).
		Int64("tick_count", st.TickCount).
		Bool("paused", st.Paused).
		Bool("feed_healthy", st.FeedHealthy).
		Bool("llm_available", e.gateway.Available()).
		Int("journal_queue", e.journal.QueueDepth()).
		Str("circuit", string(e.breaker.State())).
		Msg("Engine status")
}

// checkpointLoop persists recoverable state every five minutes: profit
// snapshots for whichever timeframes are due, an equity curve point, the
// matcher state used for crash recovery, and the cached status document
// the dashboard falls back to.
func (e *Engine) checkpointLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	// Zero values make every timeframe due on the first tick.
	lastSnapshot := make(map[string]time.Time, len(snapshotCadence))
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.checkpoint(lastSnapshot)
		}
	}
}

func (e *Engine) checkpoint(lastSnapshot map[string]time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()
	for timeframe, cadence := range snapshotCadence {
		if now.Sub(lastSnapshot[timeframe]) < cadence {
			continue
		}
		if _, err := e.perf.TakeSnapshot(ctx, timeframe); err != nil {
			e.logger.Error().Err(err).Str("timeframe", timeframe).Msg("Profit snapshot failed")
			continue
		}
		lastSnapshot[timeframe] = now
	}

	if _, err := e.perf.RecordEquityPoint(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Equity point failed")
	}
	if err := e.matcher.PersistState(ctx); err != nil {
		e.logger.Error().Err(err).Msg("State checkpoint failed")
	}
	e.cache.SetStatusSnapshot(ctx, e.matcher.GetStatus())
}

// effectivenessLoop re-rates applied adaptations once an hour.
func (e *Engine) effectivenessLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			rated, err := e.monitor.Sweep(ctx)
			cancel()
			if err != nil {
				e.logger.Error().Err(err).Msg("Effectiveness sweep failed")
				continue
			}
			if rated > 0 {
				e.logger.Info().Int("rated", rated).Msg("Adaptations rated")
			}
		}
	}
}

// reflectionLoop checks every thirty seconds whether a reflection round is
// due, by trade count or elapsed time, and runs one when it is.
func (e *Engine) reflectionLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			if !e.reflector.ShouldReflect(time.Now()) {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if _, err := e.runReflection(ctx); err != nil {
				e.logger.Error().Err(err).Msg("Scheduled reflection failed")
			}
			cancel()
		}
	}
}

// runReflection serialises rounds between the scheduler and the manual
// override, and feeds any insights straight to the adapter.
func (e *Engine) runReflection(ctx context.Context) (*learning.Reflection, error) {
	e.reflectMu.Lock()
	defer e.reflectMu.Unlock()

	refl, err := e.reflector.Reflect(ctx)
	if err != nil || refl == nil {
		return refl, err
	}
	e.adapter.ProcessInsights(ctx, refl)
	return refl, nil
}

// marketContext derives the coarse market snapshot stamped onto journal rows.
func (e *Engine) marketContext() journal.MarketContext {
	return deriveMarketContext(e.stream.Prices())
}

// deriveMarketContext buckets 24h tape statistics into the labels the
// journal and the learning prompts use. Volatility follows the average
// absolute 24h move across tracked coins, regime the average signed move,
// and the BTC trend its own 24h change.
func deriveMarketContext(ticks map[string]feed.PriceTick) journal.MarketContext {
	mc := journal.MarketContext{Regime: "ranging", Volatility: "low", BTCTrend: "flat"}
	if len(ticks) == 0 {
		return mc
	}

	var sum, abs float64
	for _, t := range ticks {
		sum += t.Change24h
		if t.Change24h < 0 {
			abs -= t.Change24h
		} else {
			abs += t.Change24h
		}
	}
	avg := sum / float64(len(ticks))
	avgAbs := abs / float64(len(ticks))

	switch {
	case avgAbs >= 5:
		mc.Volatility = "high"
	case avgAbs >= 2:
		mc.Volatility = "normal"
	}
	switch {
	case avg >= 2:
		mc.Regime = "bull"
	case avg <= -2:
		mc.Regime = "bear"
	}
	if btc, ok := ticks["BTC"]; ok {
		switch {
		case btc.Change24h >= 1:
			mc.BTCTrend = "up"
		case btc.Change24h <= -1:
			mc.BTCTrend = "down"
		}
	}
	return mc
}

// activityMessage renders the one-line summary stored alongside the raw
// event payload in the activity log.
func activityMessage(ev events.Event) string {
	d := ev.Data
	switch ev.Type {
	case events.EventTradeOpened:
		return fmt.Sprintf("Opened %v: $%s at %s", d["coin"], num(d["size_usd"]), num(d["entry_price"]))
	case events.EventTradeClosed:
		return fmt.Sprintf("Closed %v at %s (%v): $%s P&L", d["coin"], num(d["exit_price"]), d["exit_reason"], num(d["pnl_usd"]))
	case events.EventConditionsSet:
		return fmt.Sprintf("Strategist set %v conditions: %v", d["count"], d["market_assessment"])
	case events.EventConditionExpired:
		return fmt.Sprintf("Condition for %v expired unfilled", d["coin"])
	case events.EventEntryRejected:
		return fmt.Sprintf("Entry for %v rejected: %v", d["coin"], d["reason"])
	case events.EventAdaptationApplied:
		return fmt.Sprintf("Adaptation %v: %v %v", d["adaptation_id"], d["action"], d["target"])
	case events.EventRollbackExecuted:
		return fmt.Sprintf("Rolled back %v (%v %v)", d["adaptation_id"], d["action"], d["target"])
	case events.EventReflectionCompleted:
		return fmt.Sprintf("Reflection over %v trades produced %v insights", d["trades_analyzed"], d["insights"])
	case events.EventCoinStatusChanged:
		return fmt.Sprintf("%v status %v -> %v: %v", d["coin"], d["old_status"], d["new_status"], d["reason"])
	case events.EventPatternDeactivated:
		return fmt.Sprintf("Pattern %v deactivated: %v", d["pattern_id"], d["reason"])
	case events.EventCircuitOpen:
		return fmt.Sprintf("Circuit breaker tripped: %v", d["reason"])
	case events.EventCircuitReset:
		return "Circuit breaker reset"
	case events.EventFeedStatus:
		return fmt.Sprintf("Feed %v", d["status"])
	case events.EventEnginePaused:
		return fmt.Sprintf("Engine paused: %v", d["reason"])
	case events.EventEngineResumed:
		return "Engine resumed"
	case events.EventError:
		return fmt.Sprintf("%v: %v", d["component"], d["message"])
	default:
		return string(ev.Type)
	}
}

// num formats event payload numbers for the activity line; the untouched
// value still lands in the details column.
func num(v interface{}) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', 2, 64)
	}
	return fmt.Sprintf("%v", v)
}
