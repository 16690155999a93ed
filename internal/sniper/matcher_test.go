package sniper

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-bot/config"
	"paper-trading-bot/internal/circuit"
	"paper-trading-bot/internal/feed"
)

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func testConfig() config.EngineConfig {
	return config.EngineConfig{
		StartingBalance: 10000,
		MaxPositions:    5,
		MaxPerCoin:      1,
		MaxExposurePct:  0.10,
		CooldownMinutes: 0,
		Coins:           []string{"BTC", "ETH", "SOL", "XRP", "ADA", "DOGE", "DOT"},
	}
}

func newTestMatcher(t *testing.T, gate CoinGate, breaker *circuit.Breaker, repo StateRepository) *Matcher {
	t.Helper()
	m := NewMatcher(testConfig(), gate, breaker, repo, nil, zerolog.Nop())
	m.Start()
	return m
}

func testCondition(coin string, trigger float64, triggerCond string) TradeCondition {
	now := time.Now()
	return TradeCondition{
		ID:               coin + "-cond",
		Coin:             coin,
		Direction:        DirectionLong,
		TriggerPrice:     trigger,
		TriggerCondition: triggerCond,
		StopLossPct:      2.0,
		TakeProfitPct:    1.5,
		PositionSizeUSD:  100,
		Reasoning:        "momentum continuation",
		StrategyID:       "llm_generated",
		CreatedAt:        now,
		ValidUntil:       now.Add(5 * time.Minute),
	}
}

func tick(coin string, price float64) feed.PriceTick {
	return feed.PriceTick{Coin: coin, Price: price, Ts: time.Now()}
}

type stubGate struct {
	blacklisted map[string]bool
	modifiers   map[string]float64
}

func (g *stubGate) IsBlacklisted(coin string) bool { return g.blacklisted[coin] }

func (g *stubGate) SizeModifier(coin string) float64 {
	if m, ok := g.modifiers[coin]; ok {
		return m
	}
	return 1.0
}

type memStateRepo struct {
	positions  []Position
	conditions []TradeCondition
	cooldowns  map[string]time.Time
	state      *RuntimeState
}

func (r *memStateRepo) ListOpenPositions(ctx context.Context) ([]Position, error) {
	return r.positions, nil
}

func (r *memStateRepo) ReplaceConditions(ctx context.Context, conds []TradeCondition) error {
	r.conditions = conds
	return nil
}

func (r *memStateRepo) ListConditions(ctx context.Context) ([]TradeCondition, error) {
	return r.conditions, nil
}

func (r *memStateRepo) ReplaceCooldowns(ctx context.Context, cooldowns map[string]time.Time) error {
	r.cooldowns = cooldowns
	return nil
}

func (r *memStateRepo) ListCooldowns(ctx context.Context) (map[string]time.Time, error) {
	return r.cooldowns, nil
}

func (r *memStateRepo) SaveRuntimeState(ctx context.Context, st RuntimeState) error {
	r.state = &st
	return nil
}

func (r *memStateRepo) LoadRuntimeState(ctx context.Context) (*RuntimeState, error) {
	return r.state, nil
}

func TestTakeProfitFlow(t *testing.T) {
	m := newTestMatcher(t, nil, nil, nil)

	var entries []Position
	var exits []ClosedTrade
	m.OnEntry(func(p Position, c TradeCondition) { entries = append(entries, p) })
	m.OnExit(func(ct ClosedTrade) { exits = append(exits, ct) })

	cond := testCondition("BTC", 42000, TriggerAbove)
	m.SetConditions([]TradeCondition{cond})

	m.OnTick(tick("BTC", 41999))
	if got := m.GetStatus().OpenPositions; got != 0 {
		t.Fatalf("position opened below trigger: %d", got)
	}

	m.OnTick(tick("BTC", 42001))
	st := m.GetStatus()
	if st.OpenPositions != 1 {
		t.Fatalf("expected 1 open position, got %d", st.OpenPositions)
	}
	if st.ActiveConditions != 0 {
		t.Errorf("triggered condition not consumed, %d still active", st.ActiveConditions)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry callback, got %d", len(entries))
	}
	if entries[0].ConditionID != cond.ID {
		t.Errorf("entry carries condition %q, want %q", entries[0].ConditionID, cond.ID)
	}

	pos := m.OpenPositions()[0]
	if !floatEquals(pos.EntryPrice, 42001) {
		t.Errorf("entry price %.4f, want 42001", pos.EntryPrice)
	}
	if !floatEquals(pos.StopLossPrice, 42001*0.98) {
		t.Errorf("stop loss %.4f, want %.4f", pos.StopLossPrice, 42001*0.98)
	}
	if !floatEquals(pos.TakeProfitPrice, 42001*1.015) {
		t.Errorf("take profit %.4f, want %.4f", pos.TakeProfitPrice, 42001*1.015)
	}
	if !floatEquals(st.AvailableBalance, 9900) {
		t.Errorf("available balance %.2f, want 9900", st.AvailableBalance)
	}
	if !floatEquals(st.InPositions, 100) {
		t.Errorf("in positions %.2f, want 100", st.InPositions)
	}

	m.OnTick(tick("BTC", 42632))
	if len(exits) != 1 {
		t.Fatalf("expected 1 exit callback, got %d", len(exits))
	}
	ct := exits[0]
	if ct.ExitReason != ExitTakeProfit {
		t.Errorf("exit reason %q, want %q", ct.ExitReason, ExitTakeProfit)
	}
	if !floatEquals(ct.ExitPrice, 42001*1.015) {
		t.Errorf("exit fill %.4f, want take-profit price %.4f", ct.ExitPrice, 42001*1.015)
	}
	if !floatEquals(ct.PnLUSD, 1.50) {
		t.Errorf("pnl %.6f, want 1.50", ct.PnLUSD)
	}

	st = m.GetStatus()
	if st.OpenPositions != 0 {
		t.Errorf("position not closed, %d open", st.OpenPositions)
	}
	if !floatEquals(st.AvailableBalance, 10001.50) {
		t.Errorf("available balance %.4f, want 10001.50", st.AvailableBalance)
	}
	if !floatEquals(st.Equity, 10001.50) {
		t.Errorf("equity %.4f, want 10001.50", st.Equity)
	}
	if st.ClosedTrades != 1 || st.Wins != 1 {
		t.Errorf("closed=%d wins=%d, want 1/1", st.ClosedTrades, st.Wins)
	}
}

func TestStopLossFlow(t *testing.T) {
	m := newTestMatcher(t, nil, nil, nil)

	var exits []ClosedTrade
	m.OnExit(func(ct ClosedTrade) { exits = append(exits, ct) })

	m.SetConditions([]TradeCondition{testCondition("BTC", 42000, TriggerAbove)})
	m.OnTick(tick("BTC", 42001))
	m.OnTick(tick("BTC", 41160))

	if len(exits) != 1 {
		t.Fatalf("expected 1 exit, got %d", len(exits))
	}
	ct := exits[0]
	if ct.ExitReason != ExitStopLoss {
		t.Errorf("exit reason %q, want %q", ct.ExitReason, ExitStopLoss)
	}
	if !floatEquals(ct.ExitPrice, 41160.98) {
		t.Errorf("exit fill %.4f, want stop price 41160.98", ct.ExitPrice)
	}
	if !floatEquals(ct.PnLUSD, -2.00) {
		t.Errorf("pnl %.6f, want -2.00", ct.PnLUSD)
	}

	st := m.GetStatus()
	if !floatEquals(st.AvailableBalance, 9998.00) {
		t.Errorf("available balance %.4f, want 9998.00", st.AvailableBalance)
	}
	if st.Losses != 1 {
		t.Errorf("losses %d, want 1", st.Losses)
	}
}

func TestEntryTriggerBoundaries(t *testing.T) {
	testCases := []struct {
		name     string
		trigger  string
		price    float64
		wantOpen bool
	}{
		{"above fires at equal price", TriggerAbove, 42000, true},
		{"above holds below trigger", TriggerAbove, 41999.99, false},
		{"below fires at equal price", TriggerBelow, 42000, true},
		{"below holds above trigger", TriggerBelow, 42000.01, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMatcher(t, nil, nil, nil)
			m.SetConditions([]TradeCondition{testCondition("BTC", 42000, tc.trigger)})
			m.OnTick(tick("BTC", tc.price))

			got := m.GetStatus().OpenPositions == 1
			if got != tc.wantOpen {
				t.Errorf("price %.2f vs %s 42000: open=%v, want %v", tc.price, tc.trigger, got, tc.wantOpen)
			}
		})
	}
}

func TestExitAtExactThreshold(t *testing.T) {
	testCases := []struct {
		name       string
		exitPrice  float64
		wantReason string
	}{
		{"take profit at exact threshold", 42001 * 1.015, ExitTakeProfit},
		{"stop loss at exact threshold", 42001 * 0.98, ExitStopLoss},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMatcher(t, nil, nil, nil)
			var exits []ClosedTrade
			m.OnExit(func(ct ClosedTrade) { exits = append(exits, ct) })

			m.SetConditions([]TradeCondition{testCondition("BTC", 42000, TriggerAbove)})
			m.OnTick(tick("BTC", 42001))
			m.OnTick(tick("BTC", tc.exitPrice))

			if len(exits) != 1 {
				t.Fatalf("expected exit at threshold, got %d exits", len(exits))
			}
			if exits[0].ExitReason != tc.wantReason {
				t.Errorf("exit reason %q, want %q", exits[0].ExitReason, tc.wantReason)
			}
		})
	}
}

func TestTriggerIsOneShot(t *testing.T) {
	m := newTestMatcher(t, nil, nil, nil)
	m.SetConditions([]TradeCondition{testCondition("BTC", 42000, TriggerAbove)})

	m.OnTick(tick("BTC", 42001))
	m.OnTick(tick("BTC", 42001))

	st := m.GetStatus()
	if st.OpenPositions != 1 {
		t.Errorf("re-delivered tick opened a duplicate: %d positions", st.OpenPositions)
	}
	if st.ActiveConditions != 0 {
		t.Errorf("consumed condition still active: %d", st.ActiveConditions)
	}
}

func TestBlacklistedCoinRejected(t *testing.T) {
	gate := &stubGate{blacklisted: map[string]bool{"DOGE": true}}
	m := newTestMatcher(t, gate, nil, nil)

	m.SetConditions([]TradeCondition{testCondition("DOGE", 0.10, TriggerAbove)})
	m.OnTick(tick("DOGE", 0.11))

	st := m.GetStatus()
	if st.OpenPositions != 0 {
		t.Errorf("blacklisted coin opened a position")
	}
	// Risk rejection is not consumption; the condition stays until expiry.
	if st.ActiveConditions != 1 {
		t.Errorf("rejected condition removed, %d active", st.ActiveConditions)
	}
}

func TestExposureCap(t *testing.T) {
	m := newTestMatcher(t, nil, nil, nil)

	sizes := map[string]float64{"BTC": 300, "ETH": 300, "SOL": 200, "XRP": 100}
	conds := make([]TradeCondition, 0, len(sizes))
	for coin, size := range sizes {
		c := testCondition(coin, 100, TriggerAbove)
		c.PositionSizeUSD = size
		conds = append(conds, c)
	}
	m.SetConditions(conds)
	for coin := range sizes {
		m.OnTick(tick(coin, 101))
	}

	st := m.GetStatus()
	if st.OpenPositions != 4 {
		t.Fatalf("expected 4 open positions, got %d", st.OpenPositions)
	}
	if !floatEquals(st.InPositions, 900) {
		t.Fatalf("in positions %.2f, want 900", st.InPositions)
	}

	// $150 would push exposure to 10.5%, over the 10% cap.
	over := testCondition("ADA", 100, TriggerAbove)
	over.PositionSizeUSD = 150
	m.SetConditions([]TradeCondition{over})
	m.OnTick(tick("ADA", 101))
	if got := m.GetStatus().OpenPositions; got != 4 {
		t.Errorf("exposure cap breached: %d positions", got)
	}

	// Exactly 10% is allowed.
	at := testCondition("ADA", 100, TriggerAbove)
	at.PositionSizeUSD = 100
	m.SetConditions([]TradeCondition{at})
	m.OnTick(tick("ADA", 101))
	st = m.GetStatus()
	if st.OpenPositions != 5 {
		t.Errorf("entry at exactly 10%% exposure rejected: %d positions", st.OpenPositions)
	}
	if !floatEquals(st.InPositions, 1000) {
		t.Errorf("in positions %.2f, want 1000", st.InPositions)
	}
}

func TestPositionLimits(t *testing.T) {
	t.Run("one position per coin", func(t *testing.T) {
		m := newTestMatcher(t, nil, nil, nil)
		a := testCondition("BTC", 42000, TriggerAbove)
		a.ID = "a"
		a.PositionSizeUSD = 50
		b := testCondition("BTC", 42000, TriggerAbove)
		b.ID = "b"
		b.PositionSizeUSD = 50
		m.SetConditions([]TradeCondition{a, b})

		m.OnTick(tick("BTC", 42001))
		if got := m.GetStatus().OpenPositions; got != 1 {
			t.Errorf("per-coin cap breached: %d positions", got)
		}
	})

	t.Run("five positions total", func(t *testing.T) {
		m := newTestMatcher(t, nil, nil, nil)
		coins := []string{"BTC", "ETH", "SOL", "XRP", "ADA", "DOGE"}
		conds := make([]TradeCondition, 0, len(coins))
		for _, coin := range coins {
			c := testCondition(coin, 100, TriggerAbove)
			c.PositionSizeUSD = 50
			conds = append(conds, c)
		}
		m.SetConditions(conds)
		for _, coin := range coins {
			m.OnTick(tick(coin, 101))
		}
		if got := m.GetStatus().OpenPositions; got != 5 {
			t.Errorf("total cap breached: %d positions", got)
		}
	})
}

func TestCooldownBlocksReentry(t *testing.T) {
	cfg := testConfig()
	cfg.CooldownMinutes = 30
	m := NewMatcher(cfg, nil, nil, nil, nil, zerolog.Nop())
	m.Start()

	m.SetConditions([]TradeCondition{testCondition("BTC", 42000, TriggerAbove)})
	m.OnTick(tick("BTC", 42001))
	m.OnTick(tick("BTC", 42001*1.015))

	if !m.InCooldown("BTC") {
		t.Fatal("expected cooldown after entry")
	}

	m.SetConditions([]TradeCondition{testCondition("BTC", 42000, TriggerAbove)})
	m.OnTick(tick("BTC", 42002))
	if got := m.GetStatus().OpenPositions; got != 0 {
		t.Errorf("cooldown ignored: %d positions", got)
	}
}

func TestSizeModifierScalesEntry(t *testing.T) {
	testCases := []struct {
		name     string
		modifier float64
		wantSize float64
		wantOpen bool
	}{
		{"reduced status halves size", 0.5, 50, true},
		{"favored status grows size", 1.5, 150, true},
		{"zero modifier blocks entry", 0.0, 0, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gate := &stubGate{modifiers: map[string]float64{"BTC": tc.modifier}}
			m := newTestMatcher(t, gate, nil, nil)
			m.SetConditions([]TradeCondition{testCondition("BTC", 42000, TriggerAbove)})
			m.OnTick(tick("BTC", 42001))

			st := m.GetStatus()
			if (st.OpenPositions == 1) != tc.wantOpen {
				t.Fatalf("open=%d, want open=%v", st.OpenPositions, tc.wantOpen)
			}
			if !tc.wantOpen {
				return
			}
			pos := m.OpenPositions()[0]
			if !floatEquals(pos.SizeUSD, tc.wantSize) {
				t.Errorf("position size %.2f, want %.2f", pos.SizeUSD, tc.wantSize)
			}
			if !floatEquals(st.AvailableBalance, 10000-tc.wantSize) {
				t.Errorf("available %.2f, want %.2f", st.AvailableBalance, 10000-tc.wantSize)
			}
		})
	}
}

func TestShortConditionRejected(t *testing.T) {
	m := newTestMatcher(t, nil, nil, nil)
	c := testCondition("BTC", 42000, TriggerBelow)
	c.Direction = DirectionShort
	m.SetConditions([]TradeCondition{c})

	m.OnTick(tick("BTC", 41999))
	if got := m.GetStatus().OpenPositions; got != 0 {
		t.Errorf("short condition executed: %d positions", got)
	}
}

func TestExpiredConditionDropped(t *testing.T) {
	m := newTestMatcher(t, nil, nil, nil)

	stale := testCondition("BTC", 42000, TriggerAbove)
	stale.ValidUntil = time.Now().Add(-time.Second)
	if installed := m.SetConditions([]TradeCondition{stale}); installed != 0 {
		t.Errorf("expired condition installed: %d", installed)
	}

	shortLived := testCondition("BTC", 42000, TriggerAbove)
	shortLived.ValidUntil = time.Now().Add(20 * time.Millisecond)
	m.SetConditions([]TradeCondition{shortLived})
	time.Sleep(40 * time.Millisecond)

	m.OnTick(tick("BTC", 42001))
	st := m.GetStatus()
	if st.OpenPositions != 0 {
		t.Errorf("expired condition triggered an entry")
	}
	if st.ActiveConditions != 0 {
		t.Errorf("expired condition still active")
	}
}

func TestSetConditionsReplacesPriorSet(t *testing.T) {
	m := newTestMatcher(t, nil, nil, nil)
	m.SetConditions([]TradeCondition{
		testCondition("BTC", 42000, TriggerAbove),
		testCondition("ETH", 3000, TriggerAbove),
	})
	m.SetConditions([]TradeCondition{testCondition("SOL", 100, TriggerAbove)})

	conds := m.ActiveConditions()
	if len(conds) != 1 || conds[0].Coin != "SOL" {
		t.Fatalf("active set not replaced: %+v", conds)
	}

	m.OnTick(tick("BTC", 99999))
	if got := m.GetStatus().OpenPositions; got != 0 {
		t.Errorf("condition from replaced set fired")
	}
}

func TestPauseBlocksEntriesNotExits(t *testing.T) {
	m := newTestMatcher(t, nil, nil, nil)
	m.SetConditions([]TradeCondition{testCondition("BTC", 42000, TriggerAbove)})
	m.OnTick(tick("BTC", 42001))

	m.Pause("manual")

	m.SetConditions([]TradeCondition{testCondition("ETH", 3000, TriggerAbove)})
	m.OnTick(tick("ETH", 3001))
	if got := m.GetStatus().OpenPositions; got != 1 {
		t.Errorf("entry executed while paused: %d positions", got)
	}

	// The open BTC position still takes profit while paused.
	m.OnTick(tick("BTC", 42001*1.015))
	st := m.GetStatus()
	if st.OpenPositions != 0 || st.ClosedTrades != 1 {
		t.Errorf("exit blocked while paused: open=%d closed=%d", st.OpenPositions, st.ClosedTrades)
	}

	m.Resume()
	m.OnTick(tick("ETH", 3001))
	if got := m.GetStatus().OpenPositions; got != 1 {
		t.Errorf("entry blocked after resume: %d positions", got)
	}
}

func TestUnhealthyFeedBlocksEntries(t *testing.T) {
	m := newTestMatcher(t, nil, nil, nil)
	m.SetFeedHealthy(false)

	m.SetConditions([]TradeCondition{testCondition("BTC", 42000, TriggerAbove)})
	m.OnTick(tick("BTC", 42001))
	if got := m.GetStatus().OpenPositions; got != 0 {
		t.Errorf("entry executed on stale feed: %d positions", got)
	}

	m.SetFeedHealthy(true)
	m.OnTick(tick("BTC", 42001))
	if got := m.GetStatus().OpenPositions; got != 1 {
		t.Errorf("entry blocked after feed recovered: %d positions", got)
	}
}

func TestBreakerBlocksEntriesAfterLossStreak(t *testing.T) {
	br := circuit.NewBreaker(config.CircuitConfig{
		Enabled:              true,
		MaxConsecutiveLosses: 2,
		MaxLossPerHourPct:    100,
		CooldownMinutes:      30,
	})
	m := newTestMatcher(t, nil, br, nil)

	for _, coin := range []string{"BTC", "ETH"} {
		m.SetConditions([]TradeCondition{testCondition(coin, 100, TriggerAbove)})
		m.OnTick(tick(coin, 101))
		m.OnTick(tick(coin, 90))
	}
	if br.State() != circuit.StateOpen {
		t.Fatalf("breaker state %s after 2 losses, want open", br.State())
	}

	m.SetConditions([]TradeCondition{testCondition("SOL", 100, TriggerAbove)})
	m.OnTick(tick("SOL", 101))
	if got := m.GetStatus().OpenPositions; got != 0 {
		t.Errorf("entry executed with breaker open: %d positions", got)
	}
}

func TestExitFreesCapacityWithinTick(t *testing.T) {
	m := newTestMatcher(t, nil, nil, nil)
	m.SetConditions([]TradeCondition{testCondition("BTC", 42000, TriggerAbove)})
	m.OnTick(tick("BTC", 42001))

	reentry := testCondition("BTC", 42600, TriggerAbove)
	reentry.ID = "re-entry"
	m.SetConditions([]TradeCondition{reentry})

	// One tick crosses the take profit and the new trigger; the exit must
	// settle first so the per-coin slot is free for the re-entry.
	m.OnTick(tick("BTC", 42700))

	st := m.GetStatus()
	if st.ClosedTrades != 1 {
		t.Fatalf("expected 1 closed trade, got %d", st.ClosedTrades)
	}
	if st.OpenPositions != 1 {
		t.Fatalf("expected re-entry position, got %d open", st.OpenPositions)
	}
	pos := m.OpenPositions()[0]
	if !floatEquals(pos.EntryPrice, 42700) {
		t.Errorf("re-entry price %.2f, want 42700", pos.EntryPrice)
	}
}

func TestBalanceConservation(t *testing.T) {
	m := newTestMatcher(t, nil, nil, nil)

	check := func(step string) {
		t.Helper()
		st := m.GetStatus()
		got := st.AvailableBalance + st.InPositions
		want := st.StartingBalance + st.TotalPnL
		if !floatEquals(got, want) {
			t.Errorf("%s: available %.6f + in positions %.6f = %.6f, want %.6f",
				step, st.AvailableBalance, st.InPositions, got, want)
		}
	}

	m.SetConditions([]TradeCondition{testCondition("BTC", 42000, TriggerAbove)})
	m.OnTick(tick("BTC", 42001))
	check("after entry")

	m.OnTick(tick("BTC", 42632))
	check("after take profit")

	m.SetConditions([]TradeCondition{testCondition("ETH", 3000, TriggerAbove)})
	m.OnTick(tick("ETH", 3001))
	check("after second entry")

	m.OnTick(tick("ETH", 2900))
	check("after stop loss")

	m.SetConditions([]TradeCondition{testCondition("SOL", 100, TriggerAbove)})
	m.OnTick(tick("SOL", 101))
	check("with position left open")

	if _, err := m.ClosePosition("SOL", 102, ""); err != nil {
		t.Fatalf("manual close failed: %v", err)
	}
	check("after manual close")
}

func TestManualClose(t *testing.T) {
	m := newTestMatcher(t, nil, nil, nil)

	if _, err := m.ClosePosition("BTC", 42000, ""); !errors.Is(err, ErrNoPosition) {
		t.Errorf("expected ErrNoPosition, got %v", err)
	}

	m.SetConditions([]TradeCondition{testCondition("BTC", 42000, TriggerAbove)})
	m.OnTick(tick("BTC", 42001))

	if _, err := m.ClosePosition("BTC", 0, ""); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}

	ct, err := m.ClosePosition("BTC", 42100, "")
	if err != nil {
		t.Fatalf("manual close failed: %v", err)
	}
	if ct.ExitReason != ExitManual {
		t.Errorf("exit reason %q, want %q", ct.ExitReason, ExitManual)
	}
	if !floatEquals(ct.ExitPrice, 42100) {
		t.Errorf("exit price %.2f, want 42100", ct.ExitPrice)
	}
	wantPnl := 100 * (42100 - 42001.0) / 42001
	if !floatEquals(ct.PnLUSD, wantPnl) {
		t.Errorf("pnl %.6f, want %.6f", ct.PnLUSD, wantPnl)
	}
	if got := m.GetStatus().OpenPositions; got != 0 {
		t.Errorf("position still open after manual close")
	}
}

func TestPersistAndHydrate(t *testing.T) {
	repo := &memStateRepo{}
	cfg := testConfig()
	cfg.CooldownMinutes = 30

	m := NewMatcher(cfg, nil, nil, repo, nil, zerolog.Nop())
	m.Start()

	// One realised win on SOL, one position left open on BTC, one pending
	// condition on ETH.
	m.SetConditions([]TradeCondition{testCondition("SOL", 100, TriggerAbove)})
	m.OnTick(tick("SOL", 101))
	m.OnTick(tick("SOL", 101*1.015))

	m.SetConditions([]TradeCondition{
		testCondition("BTC", 42000, TriggerAbove),
		testCondition("ETH", 3000, TriggerAbove),
	})
	m.OnTick(tick("BTC", 42001))

	if err := m.PersistState(context.Background()); err != nil {
		t.Fatalf("persist failed: %v", err)
	}
	// Open positions are persisted by the journal; mirror that here.
	repo.positions = m.OpenPositions()
	before := m.GetStatus()

	restored := NewMatcher(cfg, nil, nil, repo, nil, zerolog.Nop())
	if err := restored.Hydrate(context.Background()); err != nil {
		t.Fatalf("hydrate failed: %v", err)
	}
	after := restored.GetStatus()

	if !floatEquals(after.AvailableBalance, before.AvailableBalance) {
		t.Errorf("available balance %.6f, want %.6f", after.AvailableBalance, before.AvailableBalance)
	}
	if !floatEquals(after.InPositions, before.InPositions) {
		t.Errorf("in positions %.6f, want %.6f", after.InPositions, before.InPositions)
	}
	if !floatEquals(after.TotalPnL, before.TotalPnL) {
		t.Errorf("total pnl %.6f, want %.6f", after.TotalPnL, before.TotalPnL)
	}
	if after.ClosedTrades != before.ClosedTrades || after.Wins != before.Wins {
		t.Errorf("closed=%d wins=%d, want %d/%d", after.ClosedTrades, after.Wins, before.ClosedTrades, before.Wins)
	}
	if after.OpenPositions != 1 {
		t.Errorf("open positions %d, want 1", after.OpenPositions)
	}
	if after.ActiveConditions != 1 {
		t.Errorf("active conditions %d, want 1 (ETH)", after.ActiveConditions)
	}
	if !restored.InCooldown("BTC") {
		t.Errorf("BTC cooldown lost on hydrate")
	}
}
