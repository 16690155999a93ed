package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"paper-trading-bot/config"
	"paper-trading-bot/internal/ai/llm"
	"paper-trading-bot/internal/events"
	"paper-trading-bot/internal/journal"
	"paper-trading-bot/internal/sniper"
)

// reflectionWindow caps how many recent trades one round analyses.
const reflectionWindow = 50

const reflectionSystemPrompt = `You are the performance analyst for an automated spot crypto paper-trading system.
You review recent trade history and produce specific, evidence-backed insights.
Respond with a single JSON object and nothing else:
{"summary": "<one paragraph>", "insights": [{"type": "coin|pattern|time|regime|exit", "category": "opportunity|problem|observation", "title": "...", "description": "...", "evidence": "...", "suggested_action": "...", "confidence": 0.0}]}
For suggested_action use one of: BLACKLIST <coin>, FAVOR <coin>, CREATE_RULE <rule description>, DEACTIVATE_PATTERN <pattern_id>, ADJUST_PARAM <param change>, or NONE.
Confidence is your belief in the insight, between 0 and 1. Only report what the numbers support.`

// Reflector runs the periodic deep analysis over journaled trades and
// persists the structured insights the model returns.
type Reflector struct {
	store  ReflectionStore
	llm    Querier
	bus    *events.EventBus
	logger zerolog.Logger

	minInterval    time.Duration
	tradeThreshold int
	windowSize     int

	mu              sync.Mutex
	lastReflection  time.Time
	tradesSinceLast int
}

func NewReflector(store ReflectionStore, q Querier, bus *events.EventBus, cfg config.LearningConfig, logger zerolog.Logger) *Reflector {
	interval := cfg.ReflectionInterval
	if interval <= 0 {
		interval = time.Hour
	}
	threshold := cfg.ReflectionTradeCount
	if threshold <= 0 {
		threshold = 10
	}
	return &Reflector{
		store:          store,
		llm:            q,
		bus:            bus,
		logger:         logger.With().Str("component", "reflection").Logger(),
		minInterval:    interval,
		tradeThreshold: threshold,
		windowSize:     reflectionWindow,
		lastReflection: time.Now(),
	}
}

// OnTradeClosed counts a trade toward the reflection trigger.
func (r *Reflector) OnTradeClosed() {
	r.mu.Lock()
	r.tradesSinceLast++
	r.mu.Unlock()
}

// ShouldReflect reports whether a round is due: the interval elapsed, or
// enough trades closed since the last round.
func (r *Reflector) ShouldReflect(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.lastReflection) >= r.minInterval {
		return true
	}
	return r.tradesSinceLast >= r.tradeThreshold
}

// LastReflection returns when the last round completed (or was consumed).
func (r *Reflector) LastReflection() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReflection
}

// TradesSinceLast returns the trigger counter.
func (r *Reflector) TradesSinceLast() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tradesSinceLast
}

// Reflect runs one analysis round. A round with nothing to analyse, an
// unavailable model or an unparseable reply is consumed quietly; only
// store failures surface as errors so the caller can retry.
func (r *Reflector) Reflect(ctx context.Context) (*Reflection, error) {
	trades, err := r.store.RecentClosedTrades(ctx, r.windowSize)
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	if len(trades) == 0 {
		r.markDone()
		return nil, nil
	}

	text, err := r.llm.Query(ctx, reflectionSystemPrompt, buildReflectionPrompt(trades), llm.QueryOpts{})
	if err != nil {
		r.markDone()
		if errors.Is(err, llm.ErrUnavailable) {
			r.logger.Debug().Msg("LLM unavailable, reflection skipped")
			return nil, nil
		}
		r.logger.Warn().Err(err).Msg("Reflection query failed")
		return nil, nil
	}

	resp, ok := parseReflectionResponse(text)
	if !ok {
		r.markDone()
		r.logger.Warn().Msg("Unparseable reflection response, round skipped")
		return nil, nil
	}

	refl := Reflection{
		ID:             uuid.New().String(),
		Timestamp:      time.Now(),
		TradesAnalyzed: len(trades),
		Summary:        resp.Summary,
		Insights:       resp.Insights,
	}
	if err := r.store.InsertReflection(ctx, refl); err != nil {
		return nil, fmt.Errorf("persist reflection: %w", err)
	}
	r.markDone()

	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type: events.EventReflectionCompleted,
			Data: map[string]interface{}{
				"reflection_id":   refl.ID,
				"insights":        len(refl.Insights),
				"trades_analyzed": refl.TradesAnalyzed,
			},
		})
	}
	r.logger.Info().
		Str("reflection_id", refl.ID).
		Int("trades_analyzed", refl.TradesAnalyzed).
		Int("insights", len(refl.Insights)).
		Msg("Reflection completed")
	return &refl, nil
}

func (r *Reflector) markDone() {
	r.mu.Lock()
	r.lastReflection = time.Now()
	r.tradesSinceLast = 0
	r.mu.Unlock()
}

type reflectionResponse struct {
	Summary  string    `json:"summary"`
	Insights []Insight `json:"insights"`
}

// parseReflectionResponse extracts and sanitises the model's insight list.
// Individually invalid insights are dropped, not the whole round.
func parseReflectionResponse(text string) (reflectionResponse, bool) {
	raw, ok := llm.ExtractJSON(text)
	if !ok {
		return reflectionResponse{}, false
	}
	var resp reflectionResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return reflectionResponse{}, false
	}

	valid := resp.Insights[:0]
	for _, in := range resp.Insights {
		if !ValidInsightType(in.Type) || !ValidInsightCategory(in.Category) || in.Title == "" {
			continue
		}
		if in.Confidence < 0 {
			in.Confidence = 0
		}
		if in.Confidence > 1 {
			in.Confidence = 1
		}
		valid = append(valid, in)
	}
	resp.Insights = valid
	return resp, true
}

// ===== TRADE AGGREGATION =====

type perfBucket struct {
	trades int
	wins   int
	pnl    float64
}

func (b *perfBucket) add(tr journal.TradeResult) {
	b.trades++
	if tr.Won() {
		b.wins++
	}
	b.pnl += tr.PnLUSD
}

func (b *perfBucket) winRate() float64 {
	if b.trades == 0 {
		return 0
	}
	return float64(b.wins) / float64(b.trades)
}

type tradeAggregates struct {
	byCoin     map[string]*perfBucket
	byHour     map[int]*perfBucket
	byPattern  map[string]*perfBucket
	byRegime   map[string]*perfBucket
	best       *journal.TradeResult
	worst      *journal.TradeResult
	earlyExits int
}

func aggregateTrades(trades []journal.TradeResult) tradeAggregates {
	agg := tradeAggregates{
		byCoin:    make(map[string]*perfBucket),
		byHour:    make(map[int]*perfBucket),
		byPattern: make(map[string]*perfBucket),
		byRegime:  make(map[string]*perfBucket),
	}
	bucket := func(m map[string]*perfBucket, key string) *perfBucket {
		b, ok := m[key]
		if !ok {
			b = &perfBucket{}
			m[key] = b
		}
		return b
	}

	for i := range trades {
		tr := trades[i]
		bucket(agg.byCoin, tr.Coin).add(tr)
		if tr.PatternID != "" {
			bucket(agg.byPattern, tr.PatternID).add(tr)
		}
		if tr.MarketContext.Regime != "" {
			bucket(agg.byRegime, tr.MarketContext.Regime).add(tr)
		}
		hb, ok := agg.byHour[tr.HourOfDay]
		if !ok {
			hb = &perfBucket{}
			agg.byHour[tr.HourOfDay] = hb
		}
		hb.add(tr)

		if agg.best == nil || tr.PnLUSD > agg.best.PnLUSD {
			agg.best = &trades[i]
		}
		if agg.worst == nil || tr.PnLUSD < agg.worst.PnLUSD {
			agg.worst = &trades[i]
		}
		if isEarlyExit(tr) {
			agg.earlyExits++
		}
	}
	return agg
}

// isEarlyExit flags a stop-out whose price recovered above the entry within
// 15 minutes, the signature of a stop set too tight.
func isEarlyExit(tr journal.TradeResult) bool {
	return tr.ExitReason == sniper.ExitStopLoss &&
		tr.PricePlus15m != nil &&
		*tr.PricePlus15m > tr.EntryPrice
}

func buildReflectionPrompt(trades []journal.TradeResult) string {
	agg := aggregateTrades(trades)
	var b strings.Builder

	fmt.Fprintf(&b, "TRADE HISTORY (%d most recent trades)\n\n", len(trades))

	b.WriteString("Per-coin performance:\n")
	for _, coin := range sortedKeys(agg.byCoin) {
		pb := agg.byCoin[coin]
		fmt.Fprintf(&b, "  %s: %d trades, %.0f%% win rate, $%.2f\n", coin, pb.trades, pb.winRate()*100, pb.pnl)
	}

	b.WriteString("\nPer-hour performance (UTC entry hour):\n")
	hours := make([]int, 0, len(agg.byHour))
	for h := range agg.byHour {
		hours = append(hours, h)
	}
	sort.Ints(hours)
	for _, h := range hours {
		pb := agg.byHour[h]
		fmt.Fprintf(&b, "  %02d:00: %d trades, %.0f%% win rate, $%.2f\n", h, pb.trades, pb.winRate()*100, pb.pnl)
	}

	if len(agg.byPattern) > 0 {
		b.WriteString("\nPer-pattern performance:\n")
		for _, id := range sortedKeys(agg.byPattern) {
			pb := agg.byPattern[id]
			fmt.Fprintf(&b, "  %s: %d uses, %.0f%% win rate, $%.2f\n", id, pb.trades, pb.winRate()*100, pb.pnl)
		}
	}
	if len(agg.byRegime) > 0 {
		b.WriteString("\nPer-regime performance:\n")
		for _, regime := range sortedKeys(agg.byRegime) {
			pb := agg.byRegime[regime]
			fmt.Fprintf(&b, "  %s: %d trades, %.0f%% win rate, $%.2f\n", regime, pb.trades, pb.winRate()*100, pb.pnl)
		}
	}

	if agg.best != nil {
		fmt.Fprintf(&b, "\nBest trade: %s $%.2f (%s, %.0fs hold)\n",
			agg.best.Coin, agg.best.PnLUSD, agg.best.ExitReason, agg.best.DurationS)
	}
	if agg.worst != nil {
		fmt.Fprintf(&b, "Worst trade: %s $%.2f (%s, %.0fs hold)\n",
			agg.worst.Coin, agg.worst.PnLUSD, agg.worst.ExitReason, agg.worst.DurationS)
	}
	fmt.Fprintf(&b, "Stop-outs that recovered above entry within 15m: %d\n", agg.earlyExits)

	b.WriteString("\nAnalyse this history and report your insights as the JSON object described in the system prompt.\n")
	return b.String()
}

func sortedKeys(m map[string]*perfBucket) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
