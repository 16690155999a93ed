// Package knowledge holds the authoritative in-memory image of learned
// trading signals: per-coin scores with a status state machine, patterns
// with derived confidence, and regime rules. Mutations write through to
// the store on a single writer goroutine so the quick-update path never
// waits on the database.
package knowledge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"paper-trading-bot/internal/events"
)

const (
	persistQueueSize  = 1024
	persistOpTimeout  = 5 * time.Second
	deactivationFloor = 0.3
)

// Store owns coin scores, patterns and rules. Each section has its own
// RWMutex; writers hold a lock only for one entity mutation and readers
// take copy-out snapshots.
type Store struct {
	scoresMu sync.RWMutex
	scores   map[string]*CoinScore

	patternsMu sync.RWMutex
	patterns   map[string]*TradingPattern

	rulesMu sync.RWMutex
	rules   map[string]*RegimeRule

	repo   Repository
	bus    *events.EventBus
	logger zerolog.Logger

	persistCh chan func(context.Context) error
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewStore creates an empty knowledge store. repo and bus may be nil.
func NewStore(repo Repository, bus *events.EventBus, logger zerolog.Logger) *Store {
	return &Store{
		scores:    make(map[string]*CoinScore),
		patterns:  make(map[string]*TradingPattern),
		rules:     make(map[string]*RegimeRule),
		repo:      repo,
		bus:       bus,
		logger:    logger.With().Str("component", "knowledge").Logger(),
		persistCh: make(chan func(context.Context) error, persistQueueSize),
		stopChan:  make(chan struct{}),
	}
}

// Start launches the write-through goroutine.
func (s *Store) Start() {
	if s.repo == nil {
		return
	}
	s.wg.Add(1)
	go s.persistLoop()
}

// Stop drains pending writes and stops the writer.
func (s *Store) Stop() {
	if s.repo == nil {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
}

// LoadFromStore hydrates scores, patterns and rules from the repository.
func (s *Store) LoadFromStore(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}

	scores, err := s.repo.ListCoinScores(ctx)
	if err != nil {
		return fmt.Errorf("load coin scores: %w", err)
	}
	patterns, err := s.repo.ListPatterns(ctx)
	if err != nil {
		return fmt.Errorf("load patterns: %w", err)
	}
	rules, err := s.repo.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	s.scoresMu.Lock()
	for i := range scores {
		sc := scores[i]
		if sc.Status == "" {
			sc.Status = StatusUnknown
		}
		s.scores[sc.Coin] = &sc
	}
	s.scoresMu.Unlock()

	s.patternsMu.Lock()
	for i := range patterns {
		p := patterns[i]
		s.patterns[p.PatternID] = &p
	}
	s.patternsMu.Unlock()

	s.rulesMu.Lock()
	for i := range rules {
		r := rules[i]
		s.rules[r.RuleID] = &r
	}
	s.rulesMu.Unlock()

	s.logger.Info().
		Int("coin_scores", len(scores)).
		Int("patterns", len(patterns)).
		Int("rules", len(rules)).
		Msg("knowledge hydrated")
	return nil
}

// ===== COIN SCORES =====

// GetCoinScore returns a copy of the score for coin.
func (s *Store) GetCoinScore(coin string) (CoinScore, bool) {
	s.scoresMu.RLock()
	defer s.scoresMu.RUnlock()
	sc, ok := s.scores[coin]
	if !ok {
		return CoinScore{}, false
	}
	return *sc, true
}

// AllCoinScores returns copies of every score, ordered by coin.
func (s *Store) AllCoinScores() []CoinScore {
	s.scoresMu.RLock()
	out := make([]CoinScore, 0, len(s.scores))
	for _, sc := range s.scores {
		out = append(out, *sc)
	}
	s.scoresMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Coin < out[j].Coin })
	return out
}

// UpdateCoinScore folds one trade outcome into the coin's score,
// recomputes derived fields and runs the status state machine. Returns
// the transition when the status changed.
func (s *Store) UpdateCoinScore(coin string, won bool, pnl float64) *StatusChange {
	s.scoresMu.Lock()
	sc := s.scores[coin]
	if sc == nil {
		sc = &CoinScore{Coin: coin, Status: StatusUnknown, Trend: TrendStable}
		s.scores[coin] = sc
	}

	sc.TotalTrades++
	if won {
		sc.Wins++
		sc.AvgWinner += (pnl - sc.AvgWinner) / float64(sc.Wins)
	} else {
		sc.Losses++
		sc.AvgLoser += (pnl - sc.AvgLoser) / float64(sc.Losses)
	}
	sc.TotalPnL += pnl
	sc.WinRate = float64(sc.Wins) / float64(sc.TotalTrades)
	sc.AvgPnL = sc.TotalPnL / float64(sc.TotalTrades)
	sc.LastUpdated = time.Now()

	change := s.transitionLocked(sc)
	snapshot := *sc
	s.scoresMu.Unlock()

	s.persistScore(snapshot)
	s.announce(change)
	return change
}

// Blacklist forces the coin status to BLACKLISTED.
func (s *Store) Blacklist(coin, reason string) *StatusChange {
	s.scoresMu.Lock()
	sc := s.scores[coin]
	if sc == nil {
		sc = &CoinScore{Coin: coin, Status: StatusUnknown, Trend: TrendStable}
		s.scores[coin] = sc
	}
	old := sc.Status
	if old == StatusBlacklisted {
		s.scoresMu.Unlock()
		return nil
	}
	sc.Status = StatusBlacklisted
	sc.IsBlacklisted = true
	sc.BlacklistReason = reason
	sc.LastUpdated = time.Now()
	snapshot := *sc
	s.scoresMu.Unlock()

	change := &StatusChange{Coin: coin, OldStatus: old, NewStatus: StatusBlacklisted, Reason: reason}
	s.persistScore(snapshot)
	s.announce(change)
	return change
}

// Unblacklist clears the blacklist and re-derives the status from the
// coin's recorded stats, so rolling back a blacklist restores the status
// those stats imply. A coin whose stats still sit in blacklist territory
// comes back as REDUCED, never straight back to BLACKLISTED.
func (s *Store) Unblacklist(coin string) *StatusChange {
	s.scoresMu.Lock()
	sc := s.scores[coin]
	if sc == nil || sc.Status != StatusBlacklisted {
		s.scoresMu.Unlock()
		return nil
	}
	sc.Status = deriveStatus(sc)
	sc.IsBlacklisted = false
	sc.BlacklistReason = ""
	sc.LastUpdated = time.Now()
	snapshot := *sc
	newStatus := sc.Status
	s.scoresMu.Unlock()

	change := &StatusChange{Coin: coin, OldStatus: StatusBlacklisted, NewStatus: newStatus, Reason: "blacklist removed"}
	s.persistScore(snapshot)
	s.announce(change)
	return change
}

// SetCoinTrend sets the trend marker. Used by FAVOR adaptations and their
// rollbacks; trade outcomes do not touch it.
func (s *Store) SetCoinTrend(coin, trend string) {
	s.scoresMu.Lock()
	sc := s.scores[coin]
	if sc == nil {
		sc = &CoinScore{Coin: coin, Status: StatusUnknown}
		s.scores[coin] = sc
	}
	sc.Trend = trend
	sc.LastUpdated = time.Now()
	snapshot := *sc
	s.scoresMu.Unlock()

	s.persistScore(snapshot)
}

// IsBlacklisted implements the sniper's coin gate.
func (s *Store) IsBlacklisted(coin string) bool {
	s.scoresMu.RLock()
	defer s.scoresMu.RUnlock()
	sc, ok := s.scores[coin]
	return ok && sc.Status == StatusBlacklisted
}

// SizeModifier implements the sniper's coin gate: BLACKLISTED 0.0,
// REDUCED 0.5, FAVORED 1.5, everything else 1.0.
func (s *Store) SizeModifier(coin string) float64 {
	s.scoresMu.RLock()
	defer s.scoresMu.RUnlock()
	sc, ok := s.scores[coin]
	if !ok {
		return 1.0
	}
	return statusModifier(sc.Status)
}

// transitionLocked runs the status state machine in documented order.
// BLACKLISTED is sticky; only Unblacklist leaves it.
func (s *Store) transitionLocked(sc *CoinScore) *StatusChange {
	old := sc.Status
	var next, reason string

	switch {
	case old == StatusBlacklisted:
		return nil
	case sc.TotalTrades >= 5 && sc.WinRate < 0.30 && sc.TotalPnL < 0:
		next = StatusBlacklisted
		reason = fmt.Sprintf("win rate %.0f%% over %d trades with $%.2f pnl", sc.WinRate*100, sc.TotalTrades, sc.TotalPnL)
	case sc.TotalTrades >= 5 && sc.WinRate < 0.45 && old != StatusReduced:
		next = StatusReduced
		reason = fmt.Sprintf("win rate %.0f%% below 45%%", sc.WinRate*100)
	case sc.TotalTrades >= 5 && sc.WinRate >= 0.60 && sc.TotalPnL > 0:
		next = StatusFavored
		reason = fmt.Sprintf("win rate %.0f%% with $%.2f pnl", sc.WinRate*100, sc.TotalPnL)
	case old == StatusReduced && sc.WinRate >= 0.50:
		next = StatusNormal
		reason = "win rate recovered above 50%"
	case old == StatusFavored && (sc.WinRate < 0.60 || sc.TotalPnL <= 0):
		next = StatusNormal
		reason = "no longer meets favored thresholds"
	case old == StatusUnknown && sc.TotalTrades >= 5:
		next = StatusNormal
		reason = "minimum sample reached"
	default:
		return nil
	}

	if next == old {
		return nil
	}
	sc.Status = next
	sc.IsBlacklisted = next == StatusBlacklisted
	if sc.IsBlacklisted {
		sc.BlacklistReason = reason
	} else {
		sc.BlacklistReason = ""
	}
	return &StatusChange{Coin: sc.Coin, OldStatus: old, NewStatus: next, Reason: reason}
}

// deriveStatus recomputes a status purely from stats, ignoring stickiness.
func deriveStatus(sc *CoinScore) string {
	if sc.TotalTrades < 5 {
		return StatusUnknown
	}
	switch {
	case sc.WinRate < 0.30 && sc.TotalPnL < 0:
		return StatusReduced
	case sc.WinRate >= 0.60 && sc.TotalPnL > 0:
		return StatusFavored
	case sc.WinRate < 0.45:
		return StatusReduced
	default:
		return StatusNormal
	}
}

func statusModifier(status string) float64 {
	switch status {
	case StatusBlacklisted:
		return 0.0
	case StatusReduced:
		return 0.5
	case StatusFavored:
		return 1.5
	default:
		return 1.0
	}
}

// ===== PATTERNS =====

// GetPattern returns a copy of the pattern.
func (s *Store) GetPattern(id string) (TradingPattern, bool) {
	s.patternsMu.RLock()
	defer s.patternsMu.RUnlock()
	p, ok := s.patterns[id]
	if !ok {
		return TradingPattern{}, false
	}
	return *p, true
}

// AllPatterns returns copies of every pattern, ordered by id.
func (s *Store) AllPatterns() []TradingPattern {
	s.patternsMu.RLock()
	out := make([]TradingPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, *p)
	}
	s.patternsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PatternID < out[j].PatternID })
	return out
}

// AddPattern registers a pattern. New patterns start active with the
// baseline confidence until they accumulate outcomes.
func (s *Store) AddPattern(p TradingPattern) TradingPattern {
	if p.PatternID == "" {
		p.PatternID = uuid.New().String()
	}
	if p.Confidence == 0 {
		p.Confidence = 0.5
	}
	p.IsActive = true

	s.patternsMu.Lock()
	s.patterns[p.PatternID] = &p
	snapshot := p
	s.patternsMu.Unlock()

	s.persistPattern(snapshot)
	s.logger.Info().Str("pattern_id", p.PatternID).Str("description", p.Description).Msg("pattern added")
	return snapshot
}

// RecordPatternOutcome folds a trade outcome into the pattern and
// recomputes confidence. Confidence below 0.3 deactivates the pattern;
// outcomes never reactivate one.
func (s *Store) RecordPatternOutcome(id string, won bool, pnl float64) (TradingPattern, error) {
	s.patternsMu.Lock()
	p, ok := s.patterns[id]
	if !ok {
		s.patternsMu.Unlock()
		return TradingPattern{}, fmt.Errorf("%w: %s", ErrPatternNotFound, id)
	}

	p.TimesUsed++
	if won {
		p.Wins++
	} else {
		p.Losses++
	}
	p.TotalPnL += pnl
	p.Confidence = patternConfidence(p.TimesUsed, p.Wins)

	deactivated := false
	if p.IsActive && p.Confidence < deactivationFloor {
		p.IsActive = false
		deactivated = true
	}
	snapshot := *p
	s.patternsMu.Unlock()

	s.persistPattern(snapshot)
	if deactivated {
		s.logger.Warn().
			Str("pattern_id", id).
			Float64("confidence", snapshot.Confidence).
			Msg("pattern deactivated on low confidence")
		s.publishPatternDeactivated(id, snapshot.Confidence, "confidence below 0.3")
	}
	return snapshot, nil
}

// DeactivatePattern turns a pattern off, keeping its stats.
func (s *Store) DeactivatePattern(id, reason string) error {
	s.patternsMu.Lock()
	p, ok := s.patterns[id]
	if !ok {
		s.patternsMu.Unlock()
		return fmt.Errorf("%w: %s", ErrPatternNotFound, id)
	}
	changed := p.IsActive
	p.IsActive = false
	snapshot := *p
	s.patternsMu.Unlock()

	if changed {
		s.persistPattern(snapshot)
		s.logger.Info().Str("pattern_id", id).Str("reason", reason).Msg("pattern deactivated")
		s.publishPatternDeactivated(id, snapshot.Confidence, reason)
	}
	return nil
}

// ReactivatePattern turns a pattern back on without touching its stats.
// Used by effectiveness rollback.
func (s *Store) ReactivatePattern(id string) error {
	s.patternsMu.Lock()
	p, ok := s.patterns[id]
	if !ok {
		s.patternsMu.Unlock()
		return fmt.Errorf("%w: %s", ErrPatternNotFound, id)
	}
	changed := !p.IsActive
	p.IsActive = true
	snapshot := *p
	s.patternsMu.Unlock()

	if changed {
		s.persistPattern(snapshot)
		s.logger.Info().Str("pattern_id", id).Msg("pattern reactivated")
	}
	return nil
}

// patternConfidence derives confidence from usage and win rate. Patterns
// with fewer than 3 uses sit at the 0.5 baseline; beyond that the win
// rate pulls confidence around the baseline, scaled up as usage
// approaches 20.
func patternConfidence(timesUsed, wins int) float64 {
	if timesUsed < 3 {
		return 0.5
	}
	winRate := float64(wins) / float64(timesUsed)
	base := 0.5 + (winRate-0.5)*0.5
	usage := math.Min(1.0, float64(timesUsed)/20.0)
	return clamp(base*(0.7+0.3*usage), 0.1, 0.9)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ===== REGIME RULES =====

// GetRule returns a copy of the rule.
func (s *Store) GetRule(id string) (RegimeRule, bool) {
	s.rulesMu.RLock()
	defer s.rulesMu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return RegimeRule{}, false
	}
	return *r, true
}

// AllRules returns copies of every rule, ordered by id.
func (s *Store) AllRules() []RegimeRule {
	s.rulesMu.RLock()
	out := make([]RegimeRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, *r)
	}
	s.rulesMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// GetActiveRules returns copies of active rules, ordered by id.
func (s *Store) GetActiveRules() []RegimeRule {
	s.rulesMu.RLock()
	out := make([]RegimeRule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.IsActive {
			out = append(out, *r)
		}
	}
	s.rulesMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// AddRule registers a rule, active by default.
func (s *Store) AddRule(r RegimeRule) RegimeRule {
	if r.RuleID == "" {
		r.RuleID = uuid.New().String()
	}
	r.IsActive = true

	s.rulesMu.Lock()
	s.rules[r.RuleID] = &r
	snapshot := r
	s.rulesMu.Unlock()

	s.persistRule(snapshot)
	s.logger.Info().Str("rule_id", r.RuleID).Str("action", r.Action).Str("description", r.Description).Msg("regime rule added")
	return snapshot
}

// UpdateRuleStats records a rule firing and any pnl it is estimated to
// have saved.
func (s *Store) UpdateRuleStats(id string, triggered bool, savedPnL float64) error {
	s.rulesMu.Lock()
	r, ok := s.rules[id]
	if !ok {
		s.rulesMu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if triggered {
		r.TimesTriggered++
	}
	r.EstimatedSaves += savedPnL
	snapshot := *r
	s.rulesMu.Unlock()

	s.persistRule(snapshot)
	return nil
}

// DeactivateRule turns a rule off. Used by CREATE_RULE rollback.
func (s *Store) DeactivateRule(id string) error {
	s.rulesMu.Lock()
	r, ok := s.rules[id]
	if !ok {
		s.rulesMu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	changed := r.IsActive
	r.IsActive = false
	snapshot := *r
	s.rulesMu.Unlock()

	if changed {
		s.persistRule(snapshot)
		s.logger.Info().Str("rule_id", id).Msg("regime rule deactivated")
	}
	return nil
}

// ===== STRATEGIST CONTEXT =====

// GetStrategistContext snapshots the knowledge the strategist folds into
// its prompt. Avoid covers blacklisted and reduced coins; the matcher
// still honours the 0.5 modifier for reduced-coin conditions already in
// flight.
func (s *Store) GetStrategistContext() StrategistContext {
	ctx := StrategistContext{}

	s.scoresMu.RLock()
	summaries := make([]CoinScore, 0, len(s.scores))
	for _, sc := range s.scores {
		switch sc.Status {
		case StatusFavored:
			ctx.GoodCoins = append(ctx.GoodCoins, sc.Coin)
		case StatusBlacklisted, StatusReduced:
			ctx.AvoidCoins = append(ctx.AvoidCoins, sc.Coin)
		}
		if sc.TotalTrades > 0 {
			summaries = append(summaries, *sc)
		}
	}
	s.scoresMu.RUnlock()

	sort.Strings(ctx.GoodCoins)
	sort.Strings(ctx.AvoidCoins)

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].TotalTrades == summaries[j].TotalTrades {
			return summaries[i].Coin < summaries[j].Coin
		}
		return summaries[i].TotalTrades > summaries[j].TotalTrades
	})
	if len(summaries) > 10 {
		summaries = summaries[:10]
	}
	for _, sc := range summaries {
		ctx.TopCoinSummaries = append(ctx.TopCoinSummaries,
			fmt.Sprintf("%s: %d trades, %.0f%% win rate, $%.2f pnl, %s",
				sc.Coin, sc.TotalTrades, sc.WinRate*100, sc.TotalPnL, sc.Status))
	}

	ctx.ActiveRules = s.GetActiveRules()

	s.patternsMu.RLock()
	for _, p := range s.patterns {
		if p.IsActive && p.TimesUsed >= 3 && p.Confidence >= 0.6 {
			ctx.WinningPatterns = append(ctx.WinningPatterns, *p)
		}
	}
	s.patternsMu.RUnlock()

	sort.Slice(ctx.WinningPatterns, func(i, j int) bool {
		if ctx.WinningPatterns[i].Confidence == ctx.WinningPatterns[j].Confidence {
			return ctx.WinningPatterns[i].PatternID < ctx.WinningPatterns[j].PatternID
		}
		return ctx.WinningPatterns[i].Confidence > ctx.WinningPatterns[j].Confidence
	})
	if len(ctx.WinningPatterns) > 5 {
		ctx.WinningPatterns = ctx.WinningPatterns[:5]
	}
	return ctx
}

// ===== WRITE-THROUGH =====

func (s *Store) persistScore(sc CoinScore) {
	s.enqueue(func(ctx context.Context) error { return s.repo.SaveCoinScore(ctx, sc) })
}

func (s *Store) persistPattern(p TradingPattern) {
	s.enqueue(func(ctx context.Context) error { return s.repo.SavePattern(ctx, p) })
}

func (s *Store) persistRule(r RegimeRule) {
	s.enqueue(func(ctx context.Context) error { return s.repo.SaveRule(ctx, r) })
}

func (s *Store) enqueue(op func(context.Context) error) {
	if s.repo == nil {
		return
	}
	select {
	case s.persistCh <- op:
	default:
		s.logger.Warn().Msg("knowledge persist queue full, write dropped")
	}
}

func (s *Store) persistLoop() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.persistCh:
			s.runPersist(op)
		case <-s.stopChan:
			for {
				select {
				case op := <-s.persistCh:
					s.runPersist(op)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) runPersist(op func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), persistOpTimeout)
	defer cancel()
	if err := op(ctx); err != nil {
		s.logger.Error().Err(err).Msg("knowledge write-through failed")
	}
}

func (s *Store) announce(change *StatusChange) {
	if change == nil {
		return
	}
	s.logger.Info().
		Str("coin", change.Coin).
		Str("old_status", change.OldStatus).
		Str("new_status", change.NewStatus).
		Str("reason", change.Reason).
		Msg("coin status changed")
	if s.bus != nil {
		s.bus.PublishCoinStatusChanged(change.Coin, change.OldStatus, change.NewStatus, change.Reason)
	}
}

func (s *Store) publishPatternDeactivated(id string, confidence float64, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type: events.EventPatternDeactivated,
		Data: map[string]interface{}{
			"pattern_id": id,
			"confidence": confidence,
			"reason":     reason,
		},
	})
}
