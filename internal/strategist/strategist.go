// Package strategist runs the slow planning loop: every few minutes it
// folds market, account and knowledge state into an LLM prompt, validates
// the proposed trade conditions and hands the surviving set to the matcher.
package strategist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"paper-trading-bot/config"
	"paper-trading-bot/internal/ai/llm"
	"paper-trading-bot/internal/events"
	"paper-trading-bot/internal/feed"
	"paper-trading-bot/internal/knowledge"
	"paper-trading-bot/internal/performance"
	"paper-trading-bot/internal/sniper"
)

// Hard validation bounds. The prompt asks for tighter trigger distances
// (0.1-0.3%) but anything within the hard tolerance is accepted.
const (
	minPositionSizeUSD = 20.0
	maxPositionSizeUSD = 100.0
	minStopPct         = 0.5
	maxStopPct         = 5.0
	errorBackoff       = 30 * time.Second
	responseCacheTTL   = 150 * time.Second
)

// PriceReader is the slice of the feed the strategist reads.
type PriceReader interface {
	Prices() map[string]feed.PriceTick
}

// ConditionSink is the slice of the matcher the strategist drives.
type ConditionSink interface {
	Sweep()
	SetConditions(conds []sniper.TradeCondition) int
	InCooldown(coin string) bool
	GetStatus() sniper.Status
	PersistState(ctx context.Context) error
}

// KnowledgeSource provides the learned context folded into prompts and the
// rule-trigger bookkeeping.
type KnowledgeSource interface {
	GetStrategistContext() knowledge.StrategistContext
	UpdateRuleStats(id string, triggered bool, savedPnL float64) error
}

// Querier is the slice of the LLM gateway the strategist needs.
type Querier interface {
	Query(ctx context.Context, system, user string, opts llm.QueryOpts) (string, error)
	Available() bool
}

// PerformanceSource provides the recent-performance block for the prompt.
type PerformanceSource interface {
	Snapshot(ctx context.Context, timeframe string) (performance.ProfitSnapshot, error)
}

// ResponseCache memoises LLM responses keyed by context hash so a retried
// cycle with identical context does not spend a second query. A nil cache
// disables memoisation.
type ResponseCache interface {
	GetResponse(ctx context.Context, key string) (string, bool)
	SetResponse(ctx context.Context, key, response string, ttl time.Duration)
}

// CycleInfo is the dashboard view of the last planning cycle.
type CycleInfo struct {
	LastRun          time.Time `json:"last_run"`
	Cycles           int       `json:"cycles"`
	Conditions       int       `json:"conditions"`
	MarketAssessment string    `json:"market_assessment,omitempty"`
	NoTradeReason    string    `json:"no_trade_reason,omitempty"`
}

type Strategist struct {
	prices    PriceReader
	knowledge KnowledgeSource
	sink      ConditionSink
	perf      PerformanceSource
	llm       Querier
	cache     ResponseCache
	bus       *events.EventBus
	logger    zerolog.Logger

	coins         []string
	interval      time.Duration
	maxConditions int
	conditionTTL  time.Duration
	tolerancePct  float64

	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu   sync.Mutex
	info CycleInfo
}

func NewStrategist(src PriceReader, ks KnowledgeSource, sink ConditionSink, perf PerformanceSource, q Querier, cache ResponseCache, bus *events.EventBus, coins []string, cfg config.StrategistConfig, logger zerolog.Logger) *Strategist {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 180 * time.Second
	}
	maxConds := cfg.MaxConditions
	if maxConds <= 0 {
		maxConds = 3
	}
	ttl := cfg.ConditionTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	tolerance := cfg.TriggerTolerancePct
	if tolerance <= 0 {
		tolerance = 0.5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Strategist{
		prices:        src,
		knowledge:     ks,
		sink:          sink,
		perf:          perf,
		llm:           q,
		cache:         cache,
		bus:           bus,
		logger:        logger.With().Str("component", "strategist").Logger(),
		coins:         coins,
		interval:      interval,
		maxConditions: maxConds,
		conditionTTL:  ttl,
		tolerancePct:  tolerance,
		ctx:           ctx,
		cancel:        cancel,
		stopChan:      make(chan struct{}),
	}
}

// Start launches the planning loop. The first cycle runs immediately.
func (s *Strategist) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info().
		Dur("interval", s.interval).
		Int("max_conditions", s.maxConditions).
		Float64("trigger_tolerance_pct", s.tolerancePct).
		Msg("Strategist started")
}

// Stop cancels any in-flight LLM call and waits for the loop to exit.
func (s *Strategist) Stop() {
	s.cancel()
	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info().Msg("Strategist stopped")
}

// LastCycle returns a copy of the last cycle's outcome.
func (s *Strategist) LastCycle() CycleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *Strategist) loop() {
	defer s.wg.Done()
	for {
		sleep := s.interval
		if err := s.RunCycle(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("Strategist cycle failed")
			sleep = errorBackoff
		}
		select {
		case <-s.stopChan:
			return
		case <-time.After(sleep):
		}
	}
}

// RunCycle executes one planning pass. Exported so the dashboard override
// can force an immediate replan.
func (s *Strategist) RunCycle(ctx context.Context) error {
	start := time.Now()

	// Drop expired conditions before planning so counts in the prompt and
	// the replacement set are against live state.
	s.sink.Sweep()

	mkt := s.marketState()
	if len(mkt.ticks) == 0 {
		s.logger.Debug().Msg("No prices yet, cycle skipped")
		return nil
	}

	kctx := s.knowledge.GetStrategistContext()

	if rule, ok := matchNoTradeRule(kctx.ActiveRules, mkt); ok {
		reason := fmt.Sprintf("regime rule: %s", rule.Description)
		if err := s.knowledge.UpdateRuleStats(rule.RuleID, true, 0); err != nil {
			s.logger.Warn().Err(err).Str("rule_id", rule.RuleID).Msg("Rule stats update failed")
		}
		s.sink.SetConditions(nil)
		s.recordCycle(0, "", reason)
		if s.bus != nil {
			s.bus.PublishConditionsSet(0, reason)
		}
		s.logger.Info().Str("rule_id", rule.RuleID).Str("reason", reason).Msg("NO_TRADE rule active, zero conditions")
		return nil
	}

	if !s.llm.Available() {
		s.logger.Debug().Msg("LLM not configured, cycle skipped")
		return nil
	}

	status := s.sink.GetStatus()
	perf24 := s.recentPerformance(ctx)
	prompt := buildStrategistPrompt(mkt, kctx, status, perf24, s.maxConditions)

	response, fromCache := s.cachedResponse(ctx, prompt)
	if !fromCache {
		var err error
		response, err = s.llm.Query(ctx, strategistSystemPrompt, prompt, llm.QueryOpts{})
		if err != nil {
			if errors.Is(err, llm.ErrUnavailable) {
				s.logger.Debug().Msg("LLM unavailable, cycle skipped")
				return nil
			}
			return fmt.Errorf("strategist query: %w", err)
		}
		s.storeResponse(ctx, prompt, response)
	}

	plan, err := parsePlan(response)
	if err != nil {
		return fmt.Errorf("parse strategist response: %w", err)
	}

	conds := s.validateAll(plan.Conditions, mkt, kctx)
	n := s.sink.SetConditions(conds)
	if err := s.sink.PersistState(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Condition checkpoint failed")
	}

	s.recordCycle(n, plan.MarketAssessment, plan.NoTradeReason)
	if s.bus != nil {
		s.bus.PublishConditionsSet(n, plan.MarketAssessment)
	}
	s.logger.Info().
		Int("proposed", len(plan.Conditions)).
		Int("accepted", n).
		Bool("cached", fromCache).
		Dur("took", time.Since(start)).
		Str("assessment", truncate(plan.MarketAssessment, 120)).
		Msg("Strategist cycle complete")
	return nil
}

func (s *Strategist) recordCycle(conditions int, assessment, noTrade string) {
	s.mu.Lock()
	s.info = CycleInfo{
		LastRun:          time.Now(),
		Cycles:           s.info.Cycles + 1,
		Conditions:       conditions,
		MarketAssessment: assessment,
		NoTradeReason:    noTrade,
	}
	s.mu.Unlock()
}

func (s *Strategist) recentPerformance(ctx context.Context) performance.ProfitSnapshot {
	if s.perf == nil {
		return performance.ProfitSnapshot{}
	}
	snap, err := s.perf.Snapshot(ctx, performance.TimeframeDay)
	if err != nil {
		s.logger.Warn().Err(err).Msg("24h performance unavailable")
		return performance.ProfitSnapshot{}
	}
	return snap
}

func (s *Strategist) cachedResponse(ctx context.Context, prompt string) (string, bool) {
	if s.cache == nil {
		return "", false
	}
	return s.cache.GetResponse(ctx, promptHash(prompt))
}

func (s *Strategist) storeResponse(ctx context.Context, prompt, response string) {
	if s.cache == nil {
		return
	}
	s.cache.SetResponse(ctx, promptHash(prompt), response, responseCacheTTL)
}

func promptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return "strategist:" + hex.EncodeToString(sum[:])
}

// ===== RESPONSE PARSING AND VALIDATION =====

type planCondition struct {
	Coin             string  `json:"coin"`
	Direction        string  `json:"direction"`
	TriggerPrice     float64 `json:"trigger_price"`
	TriggerCondition string  `json:"trigger_condition"`
	StopLossPct      float64 `json:"stop_loss_pct"`
	TakeProfitPct    float64 `json:"take_profit_pct"`
	PositionSizeUSD  float64 `json:"position_size_usd"`
	Reasoning        string  `json:"reasoning"`
	StrategyID       string  `json:"strategy_id"`
	PatternID        string  `json:"pattern_id"`
}

type plan struct {
	Conditions       []planCondition `json:"conditions"`
	MarketAssessment string          `json:"market_assessment"`
	NoTradeReason    string          `json:"no_trade_reason"`
}

func parsePlan(response string) (plan, error) {
	raw, ok := llm.ExtractJSON(response)
	if !ok {
		return plan{}, errors.New("no JSON object in response")
	}
	var p plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return plan{}, err
	}
	return p, nil
}

// validateAll filters the proposal down to executable conditions, stamping
// ids and validity windows. Rejections are logged per condition.
func (s *Strategist) validateAll(proposed []planCondition, mkt marketState, kctx knowledge.StrategistContext) []sniper.TradeCondition {
	avoid := make(map[string]bool, len(kctx.AvoidCoins))
	for _, c := range kctx.AvoidCoins {
		avoid[c] = true
	}

	now := time.Now()
	out := make([]sniper.TradeCondition, 0, len(proposed))
	for i, pc := range proposed {
		if len(out) >= s.maxConditions {
			s.logger.Warn().Int("dropped", len(proposed)-i).Msg("Condition cap reached, extras dropped")
			break
		}
		cond, err := s.validateCondition(pc, mkt, avoid)
		if err != nil {
			s.logger.Warn().Err(err).Str("coin", pc.Coin).Msg("Condition rejected")
			continue
		}
		cond.ID = uuid.New().String()
		cond.CreatedAt = now
		cond.ValidUntil = now.Add(s.conditionTTL)
		out = append(out, cond)
	}
	return out
}

func (s *Strategist) validateCondition(pc planCondition, mkt marketState, avoid map[string]bool) (sniper.TradeCondition, error) {
	var zero sniper.TradeCondition

	coin := strings.ToUpper(strings.TrimSpace(pc.Coin))
	if coin == "" {
		return zero, errors.New("missing coin")
	}
	tick, ok := mkt.ticks[coin]
	if !ok {
		return zero, fmt.Errorf("no live price for %s", coin)
	}
	if avoid[coin] {
		return zero, fmt.Errorf("%s is on the avoid list", coin)
	}
	if s.sink.InCooldown(coin) {
		return zero, fmt.Errorf("%s is in cooldown", coin)
	}

	if dir := strings.ToUpper(pc.Direction); dir != sniper.DirectionLong {
		return zero, fmt.Errorf("direction %q not allowed on spot", pc.Direction)
	}
	if pc.PositionSizeUSD < minPositionSizeUSD || pc.PositionSizeUSD > maxPositionSizeUSD {
		return zero, fmt.Errorf("size $%.2f outside [%.0f, %.0f]", pc.PositionSizeUSD, minPositionSizeUSD, maxPositionSizeUSD)
	}
	if pc.StopLossPct < minStopPct || pc.StopLossPct > maxStopPct {
		return zero, fmt.Errorf("stop loss %.2f%% outside [%.1f, %.1f]", pc.StopLossPct, minStopPct, maxStopPct)
	}
	if pc.TakeProfitPct < minStopPct || pc.TakeProfitPct > maxStopPct {
		return zero, fmt.Errorf("take profit %.2f%% outside [%.1f, %.1f]", pc.TakeProfitPct, minStopPct, maxStopPct)
	}

	if pc.TriggerPrice <= 0 {
		return zero, fmt.Errorf("trigger price %.4f not positive", pc.TriggerPrice)
	}
	distancePct := (pc.TriggerPrice - tick.Price) / tick.Price * 100
	if distancePct < 0 {
		distancePct = -distancePct
	}
	if distancePct > s.tolerancePct {
		return zero, fmt.Errorf("trigger %.4f is %.2f%% from current %.4f (max %.2f%%)", pc.TriggerPrice, distancePct, tick.Price, s.tolerancePct)
	}

	trigger := strings.ToUpper(strings.TrimSpace(pc.TriggerCondition))
	switch trigger {
	case sniper.TriggerAbove, sniper.TriggerBelow:
	case "":
		// Derive from where the trigger sits relative to the market.
		if pc.TriggerPrice >= tick.Price {
			trigger = sniper.TriggerAbove
		} else {
			trigger = sniper.TriggerBelow
		}
	default:
		return zero, fmt.Errorf("unknown trigger condition %q", pc.TriggerCondition)
	}

	if strings.TrimSpace(pc.Reasoning) == "" {
		return zero, errors.New("empty reasoning")
	}

	return sniper.TradeCondition{
		Coin:             coin,
		Direction:        sniper.DirectionLong,
		TriggerPrice:     pc.TriggerPrice,
		TriggerCondition: trigger,
		StopLossPct:      pc.StopLossPct,
		TakeProfitPct:    pc.TakeProfitPct,
		PositionSizeUSD:  pc.PositionSizeUSD,
		Reasoning:        strings.TrimSpace(pc.Reasoning),
		StrategyID:       pc.StrategyID,
		PatternID:        pc.PatternID,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
