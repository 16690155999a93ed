// Package sniper implements the tick-driven condition matcher. It owns the
// paper balance, open positions and the active condition set; every tick is
// processed in O(conditions + positions) with no I/O on the path. Exits are
// evaluated before entries so freed balance is visible to the risk gate
// within the same tick.
package sniper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"paper-trading-bot/config"
	"paper-trading-bot/internal/circuit"
	"paper-trading-bot/internal/events"
	"paper-trading-bot/internal/feed"
)

// Full sweep of expired conditions and cooldowns runs at most this often;
// per-coin expiry is still checked on every tick.
const sweepInterval = 30 * time.Second

// activeCondition wraps a condition with matcher-local bookkeeping.
type activeCondition struct {
	TradeCondition
	lastReject string
}

type openedTrade struct {
	pos  Position
	cond TradeCondition
}

// Matcher is the sniper. All state is guarded by a single RWMutex; external
// access copies state out rather than sharing it.
type Matcher struct {
	mu sync.RWMutex

	maxPositions int
	maxPerCoin   int
	maxExposure  float64
	cooldownDur  time.Duration

	running     bool
	paused      bool
	pauseReason string
	feedOK      bool
	startedAt   time.Time

	startingBalance float64
	available       float64
	inPositions     float64
	totalPnL        float64
	closedTrades    int
	wins            int
	tickCount       int64

	positions  map[string][]*Position
	openCount  int
	conditions map[string][]*activeCondition
	condCount  int
	cooldowns  map[string]time.Time
	lastSweep  time.Time

	entryHandlers []EntryHandler
	exitHandlers  []ExitHandler

	gate    CoinGate
	breaker *circuit.Breaker
	repo    StateRepository
	bus     *events.EventBus
	logger  zerolog.Logger
}

// NewMatcher creates a matcher funded with the configured starting balance.
// gate, breaker, repo and bus may each be nil.
func NewMatcher(cfg config.EngineConfig, gate CoinGate, breaker *circuit.Breaker, repo StateRepository, bus *events.EventBus, logger zerolog.Logger) *Matcher {
	return &Matcher{
		maxPositions:    cfg.MaxPositions,
		maxPerCoin:      cfg.MaxPerCoin,
		maxExposure:     cfg.MaxExposurePct,
		cooldownDur:     time.Duration(cfg.CooldownMinutes) * time.Minute,
		feedOK:          true,
		startingBalance: cfg.StartingBalance,
		available:       cfg.StartingBalance,
		positions:       make(map[string][]*Position),
		conditions:      make(map[string][]*activeCondition),
		cooldowns:       make(map[string]time.Time),
		gate:            gate,
		breaker:         breaker,
		repo:            repo,
		bus:             bus,
		logger:          logger.With().Str("component", "sniper").Logger(),
	}
}

// OnEntry registers a handler invoked after every position open. Handlers
// run on the tick goroutine and must not block.
func (m *Matcher) OnEntry(fn EntryHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entryHandlers = append(m.entryHandlers, fn)
}

// OnExit registers a handler invoked after every position close. Handlers
// run on the tick goroutine and must not block.
func (m *Matcher) OnExit(fn ExitHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exitHandlers = append(m.exitHandlers, fn)
}

// Start enables tick processing.
func (m *Matcher) Start() {
	m.mu.Lock()
	m.running = true
	m.startedAt = time.Now()
	available := m.available
	open := m.openCount
	m.mu.Unlock()

	m.logger.Info().
		Float64("available_balance", available).
		Int("open_positions", open).
		Msg("matcher started")
}

// Stop disables tick processing. Open positions remain and are persisted
// by PersistState.
func (m *Matcher) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	m.logger.Info().Msg("matcher stopped")
}

// Pause blocks new entries. Exits keep evaluating so open positions can
// still stop out or take profit.
func (m *Matcher) Pause(reason string) {
	m.mu.Lock()
	changed := !m.paused || m.pauseReason != reason
	m.paused = true
	m.pauseReason = reason
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Warn().Str("reason", reason).Msg("new entries paused")
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type: events.EventEnginePaused,
			Data: map[string]interface{}{"reason": reason},
		})
	}
}

// Resume re-enables new entries.
func (m *Matcher) Resume() {
	m.mu.Lock()
	changed := m.paused
	m.paused = false
	m.pauseReason = ""
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Info().Msg("new entries resumed")
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: events.EventEngineResumed})
	}
}

// SetFeedHealthy reflects the price feed status. A stale or disconnected
// feed blocks new entries without touching the manual pause flag.
func (m *Matcher) SetFeedHealthy(ok bool) {
	m.mu.Lock()
	m.feedOK = ok
	m.mu.Unlock()
}

// OnTick evaluates one tick. Exits run before entries; the matched
// condition is removed before its entry executes so re-delivery of the
// same tick cannot open a duplicate position.
func (m *Matcher) OnTick(tick feed.PriceTick) {
	if tick.Coin == "" || tick.Price <= 0 {
		return
	}
	now := tick.Ts
	if now.IsZero() {
		now = time.Now()
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.tickCount++

	var closed []ClosedTrade
	if poss := m.positions[tick.Coin]; len(poss) > 0 {
		snap := make([]*Position, len(poss))
		copy(snap, poss)
		for _, p := range snap {
			if reason, fill, ok := exitSignal(p, tick.Price); ok {
				closed = append(closed, m.closeLocked(p, fill, now, reason))
			}
		}
	}

	var opened []openedTrade
	var expired []TradeCondition
	if conds := m.conditions[tick.Coin]; len(conds) > 0 {
		canEnter := m.entriesAllowedLocked()
		kept := conds[:0]
		for _, k := range conds {
			if now.After(k.ValidUntil) {
				m.condCount--
				expired = append(expired, k.TradeCondition)
				continue
			}
			if !canEnter || !triggerHit(&k.TradeCondition, tick.Price) {
				kept = append(kept, k)
				continue
			}
			pos, reject := m.tryEnterLocked(k, tick.Price, now)
			if pos == nil {
				if reject != k.lastReject {
					k.lastReject = reject
					m.logger.Debug().
						Str("coin", k.Coin).
						Str("condition_id", k.ID).
						Str("reason", reject).
						Msg("entry rejected")
				}
				kept = append(kept, k)
				continue
			}
			m.condCount--
			opened = append(opened, openedTrade{pos: *pos, cond: k.TradeCondition})
		}
		if len(kept) == 0 {
			delete(m.conditions, tick.Coin)
		} else {
			m.conditions[tick.Coin] = kept
		}
	}

	if now.Sub(m.lastSweep) >= sweepInterval {
		expired = append(expired, m.sweepLocked(now)...)
	}

	exitHs := m.exitHandlers
	entryHs := m.entryHandlers
	m.mu.Unlock()

	for _, ct := range closed {
		for _, h := range exitHs {
			h(ct)
		}
		if m.bus != nil {
			m.bus.PublishTradeClosed(ct.Position.Coin, ct.Position.EntryPrice, ct.ExitPrice, ct.PnLUSD, ct.PnLPct, ct.ExitReason)
		}
	}
	for _, ot := range opened {
		for _, h := range entryHs {
			h(ot.pos, ot.cond)
		}
		if m.bus != nil {
			m.bus.PublishTradeOpened(ot.pos.Coin, ot.pos.EntryPrice, ot.pos.SizeUSD, ot.pos.ConditionID)
		}
	}
	m.publishExpired(expired)
}

// SetConditions atomically replaces the active set. Conditions already
// expired at install time are dropped. Returns the installed count.
func (m *Matcher) SetConditions(conds []TradeCondition) int {
	now := time.Now()
	fresh := make(map[string][]*activeCondition, len(conds))
	installed := 0
	for i := range conds {
		c := conds[i]
		if !c.ValidUntil.IsZero() && now.After(c.ValidUntil) {
			continue
		}
		fresh[c.Coin] = append(fresh[c.Coin], &activeCondition{TradeCondition: c})
		installed++
	}

	m.mu.Lock()
	m.conditions = fresh
	m.condCount = installed
	m.mu.Unlock()

	m.logger.Info().Int("count", installed).Msg("active condition set replaced")
	return installed
}

// Sweep drops expired conditions and past cooldowns. Called from the
// supervision loop; the tick path also sweeps opportunistically.
func (m *Matcher) Sweep() {
	now := time.Now()
	m.mu.Lock()
	expired := m.sweepLocked(now)
	m.mu.Unlock()
	m.publishExpired(expired)
}

// ClosePosition closes the open position for coin at the given price.
// Used by the dashboard override; reason defaults to manual.
func (m *Matcher) ClosePosition(coin string, exitPrice float64, reason string) (*ClosedTrade, error) {
	if exitPrice <= 0 {
		return nil, ErrInvalidPrice
	}
	if reason == "" {
		reason = ExitManual
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil, ErrNotRunning
	}
	poss := m.positions[coin]
	if len(poss) == 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, coin)
	}
	ct := m.closeLocked(poss[0], exitPrice, time.Now(), reason)
	exitHs := m.exitHandlers
	m.mu.Unlock()

	for _, h := range exitHs {
		h(ct)
	}
	if m.bus != nil {
		m.bus.PublishTradeClosed(ct.Position.Coin, ct.Position.EntryPrice, ct.ExitPrice, ct.PnLUSD, ct.PnLPct, ct.ExitReason)
	}
	return &ct, nil
}

// ActiveConditions returns a copy of the active set ordered by creation.
func (m *Matcher) ActiveConditions() []TradeCondition {
	m.mu.RLock()
	out := make([]TradeCondition, 0, m.condCount)
	for _, conds := range m.conditions {
		for _, k := range conds {
			out = append(out, k.TradeCondition)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// OpenPositions returns a copy of open positions ordered by entry time.
func (m *Matcher) OpenPositions() []Position {
	m.mu.RLock()
	out := make([]Position, 0, m.openCount)
	for _, poss := range m.positions {
		for _, p := range poss {
			out = append(out, *p)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
	return out
}

// InCooldown reports whether coin is currently in post-entry cooldown.
func (m *Matcher) InCooldown(coin string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	until, ok := m.cooldowns[coin]
	return ok && time.Now().Before(until)
}

// GetStatus returns a consistent snapshot of the account and matcher state.
func (m *Matcher) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	cooldowns := make(map[string]time.Time)
	for coin, until := range m.cooldowns {
		if now.Before(until) {
			cooldowns[coin] = until
		}
	}

	winRate := 0.0
	if m.closedTrades > 0 {
		winRate = float64(m.wins) / float64(m.closedTrades)
	}

	return Status{
		Running:          m.running,
		Paused:           m.paused,
		PauseReason:      m.pauseReason,
		FeedHealthy:      m.feedOK,
		StartingBalance:  m.startingBalance,
		AvailableBalance: m.available,
		InPositions:      m.inPositions,
		Equity:           m.available + m.inPositions,
		TotalPnL:         m.totalPnL,
		OpenPositions:    m.openCount,
		ActiveConditions: m.condCount,
		ClosedTrades:     m.closedTrades,
		Wins:             m.wins,
		Losses:           m.closedTrades - m.wins,
		WinRate:          winRate,
		TickCount:        m.tickCount,
		Cooldowns:        cooldowns,
		StartedAt:        m.startedAt,
	}
}

// Hydrate restores matcher state from the repository. Expired conditions
// and past cooldowns are discarded on load.
func (m *Matcher) Hydrate(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}

	st, err := m.repo.LoadRuntimeState(ctx)
	if err != nil {
		return fmt.Errorf("load runtime state: %w", err)
	}
	positions, err := m.repo.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	conds, err := m.repo.ListConditions(ctx)
	if err != nil {
		return fmt.Errorf("load conditions: %w", err)
	}
	cooldowns, err := m.repo.ListCooldowns(ctx)
	if err != nil {
		return fmt.Errorf("load cooldowns: %w", err)
	}

	now := time.Now()
	m.mu.Lock()
	if st != nil {
		if st.StartingBalance > 0 {
			m.startingBalance = st.StartingBalance
		}
		m.available = st.AvailableBalance
		m.totalPnL = st.TotalPnL
		m.closedTrades = st.ClosedTrades
		m.wins = st.Wins
		m.tickCount = st.TickCount
	}

	m.positions = make(map[string][]*Position, len(positions))
	m.openCount = 0
	m.inPositions = 0
	for i := range positions {
		p := positions[i]
		m.positions[p.Coin] = append(m.positions[p.Coin], &p)
		m.openCount++
		m.inPositions += p.SizeUSD
	}

	m.conditions = make(map[string][]*activeCondition, len(conds))
	m.condCount = 0
	for i := range conds {
		c := conds[i]
		if !c.ValidUntil.IsZero() && now.After(c.ValidUntil) {
			continue
		}
		m.conditions[c.Coin] = append(m.conditions[c.Coin], &activeCondition{TradeCondition: c})
		m.condCount++
	}

	m.cooldowns = make(map[string]time.Time, len(cooldowns))
	for coin, until := range cooldowns {
		if now.Before(until) {
			m.cooldowns[coin] = until
		}
	}

	open := m.openCount
	active := m.condCount
	available := m.available
	m.mu.Unlock()

	m.logger.Info().
		Int("open_positions", open).
		Int("conditions", active).
		Float64("available_balance", available).
		Msg("matcher state hydrated")
	return nil
}

// PersistState writes runtime state, active conditions and cooldowns to
// the repository. Called from the checkpoint loop and at shutdown; open
// positions are persisted by the journal as they change.
func (m *Matcher) PersistState(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}

	now := time.Now()
	m.mu.RLock()
	st := RuntimeState{
		StartingBalance:  m.startingBalance,
		AvailableBalance: m.available,
		TotalPnL:         m.totalPnL,
		ClosedTrades:     m.closedTrades,
		Wins:             m.wins,
		TickCount:        m.tickCount,
		SavedAt:          now,
	}
	if !m.startedAt.IsZero() {
		st.UptimeSeconds = now.Sub(m.startedAt).Seconds()
	}
	conds := make([]TradeCondition, 0, m.condCount)
	for _, list := range m.conditions {
		for _, k := range list {
			conds = append(conds, k.TradeCondition)
		}
	}
	cooldowns := make(map[string]time.Time, len(m.cooldowns))
	for coin, until := range m.cooldowns {
		if now.Before(until) {
			cooldowns[coin] = until
		}
	}
	m.mu.RUnlock()

	if err := m.repo.SaveRuntimeState(ctx, st); err != nil {
		return fmt.Errorf("save runtime state: %w", err)
	}
	if err := m.repo.ReplaceConditions(ctx, conds); err != nil {
		return fmt.Errorf("save conditions: %w", err)
	}
	if err := m.repo.ReplaceCooldowns(ctx, cooldowns); err != nil {
		return fmt.Errorf("save cooldowns: %w", err)
	}
	return nil
}

// ----- internals -----

func (m *Matcher) entriesAllowedLocked() bool {
	if m.paused || !m.feedOK {
		return false
	}
	if m.breaker != nil {
		if ok, _ := m.breaker.Allow(); !ok {
			return false
		}
	}
	return true
}

// tryEnterLocked runs the risk gate and opens the position when it passes.
// Returns the reject reason otherwise.
func (m *Matcher) tryEnterLocked(k *activeCondition, price float64, now time.Time) (*Position, string) {
	c := &k.TradeCondition

	if now.After(c.ValidUntil) {
		return nil, "condition expired"
	}
	if c.Direction != DirectionLong {
		return nil, "only LONG is executable"
	}
	if m.openCount >= m.maxPositions {
		return nil, fmt.Sprintf("position limit %d reached", m.maxPositions)
	}
	if len(m.positions[c.Coin]) >= m.maxPerCoin {
		return nil, "coin already has an open position"
	}
	if m.gate != nil && m.gate.IsBlacklisted(c.Coin) {
		return nil, "coin is blacklisted"
	}
	if until, ok := m.cooldowns[c.Coin]; ok && now.Before(until) {
		return nil, "coin in cooldown"
	}

	effective := c.PositionSizeUSD
	if m.gate != nil {
		effective *= m.gate.SizeModifier(c.Coin)
	}
	if effective <= 0 {
		return nil, "size modifier zeroed position"
	}
	if m.available < effective {
		return nil, "insufficient available balance"
	}
	equity := m.available + m.inPositions
	if equity <= 0 || (m.inPositions+effective)/equity > m.maxExposure {
		return nil, "exposure cap reached"
	}

	p := &Position{
		ID:              uuid.New().String(),
		Coin:            c.Coin,
		Direction:       c.Direction,
		EntryPrice:      price,
		SizeUSD:         effective,
		EntryTime:       now,
		StopLossPrice:   price * (1 - c.StopLossPct/100),
		TakeProfitPrice: price * (1 + c.TakeProfitPct/100),
		StrategyID:      c.StrategyID,
		PatternID:       c.PatternID,
		ConditionID:     c.ID,
	}

	m.available -= effective
	m.inPositions += effective
	m.positions[c.Coin] = append(m.positions[c.Coin], p)
	m.openCount++
	m.cooldowns[c.Coin] = now.Add(m.cooldownDur)
	c.Triggered = true

	m.logger.Info().
		Str("coin", p.Coin).
		Str("position_id", p.ID).
		Float64("entry_price", p.EntryPrice).
		Float64("size_usd", p.SizeUSD).
		Float64("stop_loss", p.StopLossPrice).
		Float64("take_profit", p.TakeProfitPrice).
		Msg("position opened")
	return p, ""
}

// closeLocked removes the position, settles balance and records the trade
// on the circuit breaker. The fill price is the caller's responsibility.
func (m *Matcher) closeLocked(p *Position, fill float64, now time.Time, reason string) ClosedTrade {
	poss := m.positions[p.Coin]
	for i, q := range poss {
		if q.ID == p.ID {
			poss = append(poss[:i], poss[i+1:]...)
			break
		}
	}
	if len(poss) == 0 {
		delete(m.positions, p.Coin)
	} else {
		m.positions[p.Coin] = poss
	}
	m.openCount--

	pnl := p.SizeUSD * (fill - p.EntryPrice) / p.EntryPrice
	pnlPct := (fill - p.EntryPrice) / p.EntryPrice * 100

	m.available += p.SizeUSD + pnl
	m.inPositions -= p.SizeUSD
	m.totalPnL += pnl
	m.closedTrades++
	if pnl > 0 {
		m.wins++
	}

	if m.breaker != nil {
		if equity := m.available + m.inPositions; equity > 0 {
			m.breaker.RecordTrade(pnl / equity * 100)
		}
	}

	m.logger.Info().
		Str("coin", p.Coin).
		Str("position_id", p.ID).
		Str("reason", reason).
		Float64("exit_price", fill).
		Float64("pnl_usd", pnl).
		Float64("pnl_pct", pnlPct).
		Msg("position closed")

	return ClosedTrade{
		Position:   *p,
		ExitPrice:  fill,
		ExitTime:   now,
		ExitReason: reason,
		PnLUSD:     pnl,
		PnLPct:     pnlPct,
		Duration:   now.Sub(p.EntryTime),
	}
}

func (m *Matcher) sweepLocked(now time.Time) []TradeCondition {
	m.lastSweep = now

	var expired []TradeCondition
	for coin, conds := range m.conditions {
		kept := conds[:0]
		for _, k := range conds {
			if now.After(k.ValidUntil) {
				m.condCount--
				expired = append(expired, k.TradeCondition)
				continue
			}
			kept = append(kept, k)
		}
		if len(kept) == 0 {
			delete(m.conditions, coin)
		} else {
			m.conditions[coin] = kept
		}
	}

	for coin, until := range m.cooldowns {
		if !now.Before(until) {
			delete(m.cooldowns, coin)
		}
	}
	return expired
}

func (m *Matcher) publishExpired(expired []TradeCondition) {
	if m.bus == nil || len(expired) == 0 {
		return
	}
	for _, c := range expired {
		m.bus.Publish(events.Event{
			Type: events.EventConditionExpired,
			Data: map[string]interface{}{
				"condition_id": c.ID,
				"coin":         c.Coin,
			},
		})
	}
}

// exitSignal evaluates stop and take-profit gates for a LONG position.
// Take-profit wins when both gates are crossed in the same tick. The fill
// is the threshold price, not the tick price.
func exitSignal(p *Position, price float64) (reason string, fill float64, ok bool) {
	if p.Direction != DirectionLong {
		return "", 0, false
	}
	if price >= p.TakeProfitPrice {
		return ExitTakeProfit, p.TakeProfitPrice, true
	}
	if price <= p.StopLossPrice {
		return ExitStopLoss, p.StopLossPrice, true
	}
	return "", 0, false
}

func triggerHit(c *TradeCondition, price float64) bool {
	switch c.TriggerCondition {
	case TriggerAbove:
		return price >= c.TriggerPrice
	case TriggerBelow:
		return price <= c.TriggerPrice
	}
	return false
}
