package strategist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-bot/config"
	"paper-trading-bot/internal/ai/llm"
	"paper-trading-bot/internal/feed"
	"paper-trading-bot/internal/knowledge"
	"paper-trading-bot/internal/performance"
	"paper-trading-bot/internal/sniper"
)

type stubPrices struct {
	ticks map[string]feed.PriceTick
}

func (s *stubPrices) Prices() map[string]feed.PriceTick { return s.ticks }

type fakeSink struct {
	mu         sync.Mutex
	conditions []sniper.TradeCondition
	setCalls   int
	sweeps     int
	persists   int
	cooldowns  map[string]bool
	status     sniper.Status
}

func (f *fakeSink) Sweep() {
	f.mu.Lock()
	f.sweeps++
	f.mu.Unlock()
}

func (f *fakeSink) SetConditions(conds []sniper.TradeCondition) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conditions = conds
	f.setCalls++
	return len(conds)
}

func (f *fakeSink) InCooldown(coin string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cooldowns[coin]
}

func (f *fakeSink) GetStatus() sniper.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSink) PersistState(ctx context.Context) error {
	f.mu.Lock()
	f.persists++
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) current() ([]sniper.TradeCondition, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sniper.TradeCondition, len(f.conditions))
	copy(out, f.conditions)
	return out, f.setCalls
}

type scriptedLLM struct {
	mu        sync.Mutex
	response  string
	err       error
	available bool
	calls     int
}

func (f *scriptedLLM) Query(ctx context.Context, system, user string, opts llm.QueryOpts) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *scriptedLLM) Available() bool { return f.available }

func (f *scriptedLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type stubPerf struct {
	snap performance.ProfitSnapshot
}

func (s *stubPerf) Snapshot(ctx context.Context, timeframe string) (performance.ProfitSnapshot, error) {
	snap := s.snap
	snap.Timeframe = timeframe
	return snap, nil
}

type memResponseCache struct {
	mu      sync.Mutex
	entries map[string]string
	hits    int
}

func newMemResponseCache() *memResponseCache {
	return &memResponseCache{entries: make(map[string]string)}
}

func (m *memResponseCache) GetResponse(ctx context.Context, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	if ok {
		m.hits++
	}
	return v, ok
}

func (m *memResponseCache) SetResponse(ctx context.Context, key, response string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = response
}

func testTicks() map[string]feed.PriceTick {
	now := time.Now()
	return map[string]feed.PriceTick{
		"BTC": {Coin: "BTC", Price: 42000, Ts: now, Change24h: -1.2},
		"ETH": {Coin: "ETH", Price: 2500, Ts: now, Change24h: 2.4},
		"SOL": {Coin: "SOL", Price: 150, Ts: now, Change24h: 0.6},
	}
}

func testStrategistConfig() config.StrategistConfig {
	return config.StrategistConfig{
		Interval:            180 * time.Second,
		MaxConditions:       3,
		ConditionTTL:        5 * time.Minute,
		TriggerTolerancePct: 0.5,
	}
}

type strategistParts struct {
	s    *Strategist
	sink *fakeSink
	ks   *knowledge.Store
	llm  *scriptedLLM
}

func newTestStrategist(ticks map[string]feed.PriceTick, cache ResponseCache) strategistParts {
	sink := &fakeSink{
		cooldowns: make(map[string]bool),
		status: sniper.Status{
			AvailableBalance: 9800,
			Equity:           10000,
			TotalPnL:         120,
			OpenPositions:    1,
			ClosedTrades:     20,
			WinRate:          0.55,
		},
	}
	ks := knowledge.NewStore(nil, nil, zerolog.Nop())
	q := &scriptedLLM{available: true}
	coins := []string{"BTC", "ETH", "SOL", "DOGE"}
	s := NewStrategist(&stubPrices{ticks: ticks}, ks, sink, &stubPerf{}, q, cache, nil, coins, testStrategistConfig(), zerolog.Nop())
	return strategistParts{s: s, sink: sink, ks: ks, llm: q}
}

const btcCondition = `{"coin": "BTC", "direction": "LONG", "trigger_price": 42050, "trigger_condition": "ABOVE", "stop_loss_pct": 2, "take_profit_pct": 1.5, "position_size_usd": 100, "reasoning": "momentum continuation", "strategy_id": "momentum_v1"}`

func planResponse(conditions ...string) string {
	return fmt.Sprintf(`{"conditions": [%s], "market_assessment": "mildly bullish", "no_trade_reason": ""}`,
		strings.Join(conditions, ","))
}

func baseCondition() planCondition {
	return planCondition{
		Coin:             "BTC",
		Direction:        "LONG",
		TriggerPrice:     42050,
		TriggerCondition: "ABOVE",
		StopLossPct:      2,
		TakeProfitPct:    1.5,
		PositionSizeUSD:  100,
		Reasoning:        "momentum continuation",
		StrategyID:       "momentum_v1",
	}
}

func TestValidateCondition(t *testing.T) {
	testCases := []struct {
		name    string
		mut     func(*planCondition)
		wantErr bool
	}{
		{"valid baseline", func(c *planCondition) {}, false},
		{"size at lower bound", func(c *planCondition) { c.PositionSizeUSD = 20 }, false},
		{"size at upper bound", func(c *planCondition) { c.PositionSizeUSD = 100 }, false},
		{"size just under", func(c *planCondition) { c.PositionSizeUSD = 19.99 }, true},
		{"size just over", func(c *planCondition) { c.PositionSizeUSD = 100.01 }, true},
		{"short rejected", func(c *planCondition) { c.Direction = "SHORT" }, true},
		{"stop loss too tight", func(c *planCondition) { c.StopLossPct = 0.4 }, true},
		{"stop loss too wide", func(c *planCondition) { c.StopLossPct = 5.01 }, true},
		{"stop loss at bounds", func(c *planCondition) { c.StopLossPct = 0.5; c.TakeProfitPct = 5 }, false},
		{"take profit too tight", func(c *planCondition) { c.TakeProfitPct = 0.49 }, true},
		{"trigger too far above", func(c *planCondition) { c.TriggerPrice = 42000 * 1.006 }, true},
		{"trigger too far below", func(c *planCondition) { c.TriggerPrice = 42000 * 0.994 }, true},
		{"trigger near tolerance", func(c *planCondition) { c.TriggerPrice = 42205 }, false},
		{"trigger not positive", func(c *planCondition) { c.TriggerPrice = 0 }, true},
		{"unknown coin", func(c *planCondition) { c.Coin = "XRP" }, true},
		{"coin without price", func(c *planCondition) { c.Coin = "DOGE" }, true},
		{"lowercase coin accepted", func(c *planCondition) { c.Coin = "btc" }, false},
		{"empty reasoning", func(c *planCondition) { c.Reasoning = "  " }, true},
		{"bad trigger condition", func(c *planCondition) { c.TriggerCondition = "NEAR" }, true},
		{"empty trigger condition derived", func(c *planCondition) { c.TriggerCondition = "" }, false},
	}

	parts := newTestStrategist(testTicks(), nil)
	mkt := parts.s.marketState()
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pc := baseCondition()
			tc.mut(&pc)
			_, err := parts.s.validateCondition(pc, mkt, map[string]bool{})
			if tc.wantErr && err == nil {
				t.Error("expected rejection")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected rejection: %v", err)
			}
		})
	}
}

func TestValidateConditionAvoidAndCooldown(t *testing.T) {
	parts := newTestStrategist(testTicks(), nil)
	mkt := parts.s.marketState()

	pc := baseCondition()
	if _, err := parts.s.validateCondition(pc, mkt, map[string]bool{"BTC": true}); err == nil {
		t.Error("avoid-listed coin should be rejected")
	}

	parts.sink.cooldowns["BTC"] = true
	if _, err := parts.s.validateCondition(pc, mkt, map[string]bool{}); err == nil {
		t.Error("coin in cooldown should be rejected")
	}
}

func TestValidateConditionDerivesTriggerSide(t *testing.T) {
	parts := newTestStrategist(testTicks(), nil)
	mkt := parts.s.marketState()

	above := baseCondition()
	above.TriggerCondition = ""
	above.TriggerPrice = 42100
	cond, err := parts.s.validateCondition(above, mkt, map[string]bool{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cond.TriggerCondition != sniper.TriggerAbove {
		t.Errorf("trigger side %q, want ABOVE", cond.TriggerCondition)
	}

	below := baseCondition()
	below.TriggerCondition = ""
	below.TriggerPrice = 41900
	cond, err = parts.s.validateCondition(below, mkt, map[string]bool{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cond.TriggerCondition != sniper.TriggerBelow {
		t.Errorf("trigger side %q, want BELOW", cond.TriggerCondition)
	}
}

func TestRunCycleSetsValidatedConditions(t *testing.T) {
	parts := newTestStrategist(testTicks(), nil)
	short := `{"coin": "ETH", "direction": "SHORT", "trigger_price": 2501, "trigger_condition": "ABOVE", "stop_loss_pct": 2, "take_profit_pct": 2, "position_size_usd": 50, "reasoning": "fade"}`
	eth := `{"coin": "ETH", "direction": "LONG", "trigger_price": 2505, "trigger_condition": "ABOVE", "stop_loss_pct": 1, "take_profit_pct": 2, "position_size_usd": 50, "reasoning": "breakout over resistance"}`
	parts.llm.response = planResponse(btcCondition, short, eth)

	if err := parts.s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	conds, setCalls := parts.sink.current()
	if setCalls != 1 {
		t.Fatalf("SetConditions calls = %d, want 1", setCalls)
	}
	if len(conds) != 2 {
		t.Fatalf("conditions = %d, want 2 (SHORT discarded)", len(conds))
	}
	for _, c := range conds {
		if c.ID == "" {
			t.Error("condition missing id")
		}
		if c.Direction != sniper.DirectionLong {
			t.Errorf("direction %q", c.Direction)
		}
		if c.CreatedAt.IsZero() || !c.ValidUntil.After(c.CreatedAt) {
			t.Error("validity window not stamped")
		}
		ttl := c.ValidUntil.Sub(c.CreatedAt)
		if ttl != 5*time.Minute {
			t.Errorf("ttl = %v, want 5m", ttl)
		}
	}
	if parts.sink.persists != 1 {
		t.Errorf("persists = %d, want 1", parts.sink.persists)
	}
	if parts.sink.sweeps != 1 {
		t.Errorf("sweeps = %d, want 1 (expired conditions dropped before planning)", parts.sink.sweeps)
	}

	info := parts.s.LastCycle()
	if info.Conditions != 2 || info.MarketAssessment != "mildly bullish" {
		t.Errorf("cycle info %+v", info)
	}
	if info.Cycles != 1 {
		t.Errorf("cycles = %d, want 1", info.Cycles)
	}
}

func TestRunCycleCapsAtMaxConditions(t *testing.T) {
	parts := newTestStrategist(testTicks(), nil)
	one := `{"coin": "BTC", "direction": "LONG", "trigger_price": 42050, "stop_loss_pct": 2, "take_profit_pct": 2, "position_size_usd": 50, "reasoning": "a"}`
	two := `{"coin": "ETH", "direction": "LONG", "trigger_price": 2505, "stop_loss_pct": 2, "take_profit_pct": 2, "position_size_usd": 50, "reasoning": "b"}`
	three := `{"coin": "SOL", "direction": "LONG", "trigger_price": 150.2, "stop_loss_pct": 2, "take_profit_pct": 2, "position_size_usd": 50, "reasoning": "c"}`
	four := `{"coin": "BTC", "direction": "LONG", "trigger_price": 41950, "stop_loss_pct": 2, "take_profit_pct": 2, "position_size_usd": 50, "reasoning": "d"}`
	parts.llm.response = planResponse(one, two, three, four)

	if err := parts.s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	conds, _ := parts.sink.current()
	if len(conds) != 3 {
		t.Errorf("conditions = %d, want capped at 3", len(conds))
	}
}

func TestRunCycleNoTradeRule(t *testing.T) {
	parts := newTestStrategist(testTicks(), nil)
	rule := parts.ks.AddRule(knowledge.RegimeRule{
		Description: "stand aside when BTC is down hard",
		Condition:   map[string]interface{}{"btc_change_24h_below": -1.0},
		Action:      knowledge.RuleNoTrade,
	})
	parts.llm.response = planResponse(btcCondition)

	if err := parts.s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if parts.llm.callCount() != 0 {
		t.Errorf("LLM calls = %d, want 0 when gated", parts.llm.callCount())
	}
	conds, setCalls := parts.sink.current()
	if setCalls != 1 || len(conds) != 0 {
		t.Errorf("conditions = %d (calls %d), want empty set", len(conds), setCalls)
	}
	info := parts.s.LastCycle()
	if !strings.Contains(info.NoTradeReason, "stand aside") {
		t.Errorf("no trade reason %q", info.NoTradeReason)
	}
	got, _ := parts.ks.GetRule(rule.RuleID)
	if got.TimesTriggered != 1 {
		t.Errorf("rule trigger count = %d, want 1", got.TimesTriggered)
	}
}

func TestRunCycleSkipsWhenLLMNotConfigured(t *testing.T) {
	parts := newTestStrategist(testTicks(), nil)
	parts.llm.available = false

	if err := parts.s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if _, setCalls := parts.sink.current(); setCalls != 0 {
		t.Error("existing conditions must be left alone on a skipped cycle")
	}
}

func TestRunCycleSkipsWithoutPrices(t *testing.T) {
	parts := newTestStrategist(map[string]feed.PriceTick{}, nil)
	parts.llm.response = planResponse(btcCondition)

	if err := parts.s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if parts.llm.callCount() != 0 {
		t.Error("no LLM call without market data")
	}
}

func TestRunCycleErrors(t *testing.T) {
	t.Run("query failure surfaces", func(t *testing.T) {
		parts := newTestStrategist(testTicks(), nil)
		parts.llm.err = errors.New("upstream 500")
		if err := parts.s.RunCycle(context.Background()); err == nil {
			t.Fatal("expected error")
		}
		if _, setCalls := parts.sink.current(); setCalls != 0 {
			t.Error("conditions must not change on a failed cycle")
		}
	})

	t.Run("unavailable is a quiet skip", func(t *testing.T) {
		parts := newTestStrategist(testTicks(), nil)
		parts.llm.err = llm.ErrUnavailable
		if err := parts.s.RunCycle(context.Background()); err != nil {
			t.Fatalf("RunCycle: %v", err)
		}
	})

	t.Run("unparseable response surfaces", func(t *testing.T) {
		parts := newTestStrategist(testTicks(), nil)
		parts.llm.response = "I would rather chat about the weather."
		if err := parts.s.RunCycle(context.Background()); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

func TestRunCycleUsesResponseCache(t *testing.T) {
	cache := newMemResponseCache()
	parts := newTestStrategist(testTicks(), cache)
	parts.llm.response = planResponse(btcCondition)

	if err := parts.s.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if err := parts.s.RunCycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if parts.llm.callCount() != 1 {
		t.Errorf("LLM calls = %d, want 1 (second cycle served from cache)", parts.llm.callCount())
	}
	if cache.hits != 1 {
		t.Errorf("cache hits = %d, want 1", cache.hits)
	}
	conds, setCalls := parts.sink.current()
	if setCalls != 2 || len(conds) != 1 {
		t.Errorf("conditions = %d (calls %d)", len(conds), setCalls)
	}
}
