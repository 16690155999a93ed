package learning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"paper-trading-bot/internal/knowledge"
	"paper-trading-bot/internal/performance"
)

type memAdaptationStore struct {
	mu    sync.Mutex
	rows  map[string]Adaptation
	order []string
}

func newMemAdaptationStore() *memAdaptationStore {
	return &memAdaptationStore{rows: make(map[string]Adaptation)}
}

func (m *memAdaptationStore) InsertAdaptation(ctx context.Context, a Adaptation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[a.AdaptationID] = a
	m.order = append(m.order, a.AdaptationID)
	return nil
}

func (m *memAdaptationStore) GetAdaptation(ctx context.Context, id string) (*Adaptation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *memAdaptationStore) SetAdaptationEffectiveness(ctx context.Context, id, effectiveness string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("adaptation %s not found", id)
	}
	a.Effectiveness = effectiveness
	m.rows[id] = a
	return nil
}

func (m *memAdaptationStore) all() []Adaptation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Adaptation, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.rows[id])
	}
	return out
}

type stubMetrics struct {
	snap performance.ProfitSnapshot
	err  error
}

func (s *stubMetrics) Snapshot(ctx context.Context, timeframe string) (performance.ProfitSnapshot, error) {
	if s.err != nil {
		return performance.ProfitSnapshot{}, s.err
	}
	snap := s.snap
	snap.Timeframe = timeframe
	return snap, nil
}

// seedNormalCoin records ten alternating trades so the coin settles at
// NORMAL with a 0.5 win rate.
func seedNormalCoin(ks *knowledge.Store, coin string) {
	for i := 0; i < 10; i++ {
		won := i%2 == 0
		pnl := 1.0
		if !won {
			pnl = -1
		}
		ks.UpdateCoinScore(coin, won, pnl)
	}
}

func insight(suggested string, confidence float64) Insight {
	return Insight{
		Type:            InsightTypeCoin,
		Category:        CategoryProblem,
		Title:           "test insight",
		Description:     "test description",
		Evidence:        "test evidence",
		SuggestedAction: suggested,
		Confidence:      confidence,
	}
}

func reflectionWith(insights ...Insight) *Reflection {
	return &Reflection{ID: "r1", TradesAnalyzed: 10, Insights: insights}
}

func newTestAdapter(ks *knowledge.Store, store AdaptationStore) *Adapter {
	metrics := &stubMetrics{snap: performance.ProfitSnapshot{
		TotalPnL:   42.5,
		WinRate:    0.55,
		TradeCount: 40,
		Balance:    10042.5,
	}}
	return NewAdapter(ks, store, metrics, nil, learningConfig(), zerolog.Nop())
}

func TestDeriveAction(t *testing.T) {
	testCases := []struct {
		suggested  string
		wantAction string
		wantTarget string
		wantOK     bool
	}{
		{"BLACKLIST DOGE", ActionBlacklist, "DOGE", true},
		{"blacklist doge", ActionBlacklist, "doge", true},
		{"BLACKLIST: DOGE", ActionBlacklist, "DOGE", true},
		{"FAVOR BTC strong momentum", ActionFavor, "BTC strong momentum", true},
		{"CREATE_RULE no entries when BTC drops 2% in an hour", ActionCreateRule, "no entries when BTC drops 2% in an hour", true},
		{"DEACTIVATE_PATTERN fade_v2", ActionDeactivatePattern, "fade_v2", true},
		{"ADJUST_PARAM trigger_tolerance 0.2 -> 0.3", ActionAdjustParam, "trigger_tolerance 0.2 -> 0.3", true},
		{"NONE", "", "", false},
		{"", "", "", false},
		{"Monitor the situation for now", "", "", false},
		{"ROLLBACK abc123", "", "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.suggested, func(t *testing.T) {
			action, target, ok := deriveAction(tc.suggested)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if action != tc.wantAction || target != tc.wantTarget {
				t.Errorf("got (%q, %q), want (%q, %q)", action, target, tc.wantAction, tc.wantTarget)
			}
		})
	}
}

func TestProcessInsightsConfidenceGate(t *testing.T) {
	ks := knowledge.NewStore(nil, nil, zerolog.Nop())
	store := newMemAdaptationStore()
	a := newTestAdapter(ks, store)

	applied := a.ProcessInsights(context.Background(), reflectionWith(
		insight("BLACKLIST DOGE", 0.69),
	))
	if len(applied) != 0 || len(store.all()) != 0 {
		t.Fatal("insight below the threshold should not apply")
	}
	if ks.IsBlacklisted("DOGE") {
		t.Error("knowledge should be untouched")
	}

	// Exactly at the threshold applies.
	applied = a.ProcessInsights(context.Background(), reflectionWith(
		insight("BLACKLIST DOGE", 0.7),
	))
	if len(applied) != 1 {
		t.Fatalf("applied = %d, want 1", len(applied))
	}
	if !ks.IsBlacklisted("DOGE") {
		t.Error("DOGE should be blacklisted")
	}
}

func TestProcessInsightsBlacklist(t *testing.T) {
	ks := knowledge.NewStore(nil, nil, zerolog.Nop())
	seedNormalCoin(ks, "DOGE")
	store := newMemAdaptationStore()
	a := newTestAdapter(ks, store)

	applied := a.ProcessInsights(context.Background(), reflectionWith(
		insight("BLACKLIST DOGE (1 win in the last 5)", 0.9),
	))
	if len(applied) != 1 {
		t.Fatalf("applied = %d, want 1", len(applied))
	}

	ad := applied[0]
	if ad.Action != ActionBlacklist || ad.Target != "DOGE" {
		t.Errorf("adaptation %s %s, want BLACKLIST DOGE", ad.Action, ad.Target)
	}
	if ad.Effectiveness != EffectivenessPending {
		t.Errorf("effectiveness %q, want pending", ad.Effectiveness)
	}
	if !floatEquals(ad.InsightConfidence, 0.9) {
		t.Errorf("confidence %.2f", ad.InsightConfidence)
	}
	if !floatEquals(ad.PreMetrics.WinRate, 0.55) || !floatEquals(ad.PreMetrics.TotalPnL, 42.5) {
		t.Errorf("pre metrics %+v", ad.PreMetrics)
	}
	// Target stats were captured before the mutation ran.
	if got := ad.PreMetrics.Target["status"]; got != knowledge.StatusNormal {
		t.Errorf("pre target status %v, want NORMAL", got)
	}
	if got := ad.PreMetrics.Target["trades"]; got != 10 {
		t.Errorf("pre target trades %v, want 10", got)
	}

	if !ks.IsBlacklisted("DOGE") {
		t.Error("DOGE should be blacklisted")
	}
	sc, _ := ks.GetCoinScore("DOGE")
	if sc.BlacklistReason != "test insight" {
		t.Errorf("blacklist reason %q", sc.BlacklistReason)
	}
}

func TestProcessInsightsFavor(t *testing.T) {
	ks := knowledge.NewStore(nil, nil, zerolog.Nop())
	store := newMemAdaptationStore()
	a := newTestAdapter(ks, store)

	applied := a.ProcessInsights(context.Background(), reflectionWith(
		insight("FAVOR BTC", 0.8),
	))
	if len(applied) != 1 {
		t.Fatalf("applied = %d, want 1", len(applied))
	}
	if applied[0].Action != ActionFavor || applied[0].Target != "BTC" {
		t.Errorf("adaptation %s %s", applied[0].Action, applied[0].Target)
	}
	sc, ok := ks.GetCoinScore("BTC")
	if !ok || sc.Trend != knowledge.TrendImproving {
		t.Errorf("trend %q, want %q", sc.Trend, knowledge.TrendImproving)
	}
}

func TestProcessInsightsCreateRule(t *testing.T) {
	ks := knowledge.NewStore(nil, nil, zerolog.Nop())
	store := newMemAdaptationStore()
	a := newTestAdapter(ks, store)

	problem := insight("CREATE_RULE no entries when BTC drops 2% in an hour", 0.85)
	observation := insight("CREATE_RULE reduce size on weekends", 0.85)
	observation.Category = CategoryObservation

	applied := a.ProcessInsights(context.Background(), reflectionWith(problem, observation))
	if len(applied) != 2 {
		t.Fatalf("applied = %d, want 2", len(applied))
	}

	// The rule ID lands in the target so Rollback can deactivate it.
	rule, ok := ks.GetRule(applied[0].Target)
	if !ok {
		t.Fatal("created rule missing from knowledge")
	}
	if rule.Action != knowledge.RuleNoTrade {
		t.Errorf("problem rule action %q, want NO_TRADE", rule.Action)
	}
	if rule.Description != "no entries when BTC drops 2% in an hour" {
		t.Errorf("rule description %q", rule.Description)
	}
	if !rule.IsActive {
		t.Error("rule should start active")
	}

	rule2, _ := ks.GetRule(applied[1].Target)
	if rule2.Action != knowledge.RuleCaution {
		t.Errorf("observation rule action %q, want CAUTION", rule2.Action)
	}
}

func TestProcessInsightsDeactivatePattern(t *testing.T) {
	ks := knowledge.NewStore(nil, nil, zerolog.Nop())
	ks.AddPattern(knowledge.TradingPattern{PatternID: "fade_v2", TimesUsed: 12, Wins: 3})
	store := newMemAdaptationStore()
	a := newTestAdapter(ks, store)

	applied := a.ProcessInsights(context.Background(), reflectionWith(
		insight("DEACTIVATE_PATTERN fade_v2 keeps losing", 0.9),
	))
	if len(applied) != 1 {
		t.Fatalf("applied = %d, want 1", len(applied))
	}
	if applied[0].Target != "fade_v2" {
		t.Errorf("target %q, want fade_v2", applied[0].Target)
	}
	if got := applied[0].PreMetrics.Target["times_used"]; got != 12 {
		t.Errorf("pre target times_used %v, want 12", got)
	}
	p, _ := ks.GetPattern("fade_v2")
	if p.IsActive {
		t.Error("pattern should be deactivated")
	}

	// An unknown pattern fails that insight without blocking others.
	applied = a.ProcessInsights(context.Background(), reflectionWith(
		insight("DEACTIVATE_PATTERN ghost", 0.9),
		insight("FAVOR ETH", 0.9),
	))
	if len(applied) != 1 || applied[0].Action != ActionFavor {
		t.Errorf("applied = %+v, want just the FAVOR", applied)
	}
}

func TestProcessInsightsAdjustParamRecordOnly(t *testing.T) {
	ks := knowledge.NewStore(nil, nil, zerolog.Nop())
	store := newMemAdaptationStore()
	a := newTestAdapter(ks, store)

	applied := a.ProcessInsights(context.Background(), reflectionWith(
		insight("ADJUST_PARAM trigger_tolerance 0.2 -> 0.3", 0.9),
	))
	if len(applied) != 1 {
		t.Fatalf("applied = %d, want 1", len(applied))
	}
	if applied[0].Target != "trigger_tolerance 0.2 -> 0.3" {
		t.Errorf("target %q", applied[0].Target)
	}
	if len(ks.AllCoinScores()) != 0 || len(ks.AllRules()) != 0 || len(ks.AllPatterns()) != 0 {
		t.Error("ADJUST_PARAM should not mutate knowledge")
	}
}

func TestRollbackBlacklist(t *testing.T) {
	ks := knowledge.NewStore(nil, nil, zerolog.Nop())
	seedNormalCoin(ks, "DOGE")
	store := newMemAdaptationStore()
	a := newTestAdapter(ks, store)

	applied := a.ProcessInsights(context.Background(), reflectionWith(insight("BLACKLIST DOGE", 0.9)))
	orig := applied[0]

	rb, err := a.Rollback(context.Background(), orig.AdaptationID)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if ks.IsBlacklisted("DOGE") {
		t.Error("rollback should unblacklist DOGE")
	}
	sc, _ := ks.GetCoinScore("DOGE")
	if sc.Status != knowledge.StatusNormal {
		t.Errorf("status %q, want re-derived NORMAL", sc.Status)
	}

	stored, _ := store.GetAdaptation(context.Background(), orig.AdaptationID)
	if stored.Effectiveness != EffectivenessRolledBack {
		t.Errorf("original effectiveness %q, want rolled_back", stored.Effectiveness)
	}
	if rb.Action != ActionRollback || rb.Target != orig.AdaptationID {
		t.Errorf("rollback row %s %s", rb.Action, rb.Target)
	}
	if rb.Effectiveness != EffectivenessPending {
		t.Errorf("rollback effectiveness %q, want pending", rb.Effectiveness)
	}

	// Double rollback and rolling back the rollback row are rejected.
	if _, err := a.Rollback(context.Background(), orig.AdaptationID); !errors.Is(err, ErrAlreadyRolledBack) {
		t.Errorf("second rollback error = %v, want ErrAlreadyRolledBack", err)
	}
	if _, err := a.Rollback(context.Background(), rb.AdaptationID); !errors.Is(err, ErrNotRollbackable) {
		t.Errorf("rollback of rollback error = %v, want ErrNotRollbackable", err)
	}
	if _, err := a.Rollback(context.Background(), "missing"); !errors.Is(err, ErrAdaptationNotFound) {
		t.Errorf("missing id error = %v, want ErrAdaptationNotFound", err)
	}
}

func TestRollbackRecipes(t *testing.T) {
	testCases := []struct {
		name      string
		seed      func(*knowledge.Store)
		suggested string
		check     func(*testing.T, *knowledge.Store, Adaptation)
	}{
		{
			name:      "favor restores stable trend",
			suggested: "FAVOR BTC",
			check: func(t *testing.T, ks *knowledge.Store, orig Adaptation) {
				sc, _ := ks.GetCoinScore("BTC")
				if sc.Trend != knowledge.TrendStable {
					t.Errorf("trend %q, want stable", sc.Trend)
				}
			},
		},
		{
			name:      "create rule deactivates the rule",
			suggested: "CREATE_RULE no entries after two losses",
			check: func(t *testing.T, ks *knowledge.Store, orig Adaptation) {
				rule, ok := ks.GetRule(orig.Target)
				if !ok {
					t.Fatal("rule missing")
				}
				if rule.IsActive {
					t.Error("rule should be inactive after rollback")
				}
			},
		},
		{
			name: "deactivate pattern reactivates it",
			seed: func(ks *knowledge.Store) {
				ks.AddPattern(knowledge.TradingPattern{PatternID: "fade_v2"})
			},
			suggested: "DEACTIVATE_PATTERN fade_v2",
			check: func(t *testing.T, ks *knowledge.Store, orig Adaptation) {
				p, _ := ks.GetPattern("fade_v2")
				if !p.IsActive {
					t.Error("pattern should be active after rollback")
				}
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ks := knowledge.NewStore(nil, nil, zerolog.Nop())
			if tc.seed != nil {
				tc.seed(ks)
			}
			store := newMemAdaptationStore()
			a := newTestAdapter(ks, store)

			applied := a.ProcessInsights(context.Background(), reflectionWith(insight(tc.suggested, 0.9)))
			if len(applied) != 1 {
				t.Fatalf("applied = %d, want 1", len(applied))
			}
			if _, err := a.Rollback(context.Background(), applied[0].AdaptationID); err != nil {
				t.Fatalf("Rollback: %v", err)
			}
			tc.check(t, ks, applied[0])
		})
	}
}

func TestProcessInsightsSnapshotFailure(t *testing.T) {
	ks := knowledge.NewStore(nil, nil, zerolog.Nop())
	seedNormalCoin(ks, "DOGE")
	store := newMemAdaptationStore()
	a := NewAdapter(ks, store, &stubMetrics{err: errors.New("db down")}, nil, learningConfig(), zerolog.Nop())

	applied := a.ProcessInsights(context.Background(), reflectionWith(insight("BLACKLIST DOGE", 0.9)))
	if len(applied) != 1 {
		t.Fatalf("applied = %d, want 1: snapshot failure should not block the mutation", len(applied))
	}
	if applied[0].PreMetrics.Target == nil {
		t.Error("target stats should still be captured")
	}
	if !ks.IsBlacklisted("DOGE") {
		t.Error("DOGE should be blacklisted")
	}
}
