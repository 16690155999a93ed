package learning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"paper-trading-bot/config"
	"paper-trading-bot/internal/events"
	"paper-trading-bot/internal/knowledge"
	"paper-trading-bot/internal/performance"
)

// Adapter turns high-confidence insights into knowledge mutations and
// records each one with before metrics so its effect can be judged later.
type Adapter struct {
	knowledge *knowledge.Store
	store     AdaptationStore
	metrics   MetricsSource
	bus       *events.EventBus
	logger    zerolog.Logger

	minConfidence float64
}

func NewAdapter(k *knowledge.Store, store AdaptationStore, metrics MetricsSource, bus *events.EventBus, cfg config.LearningConfig, logger zerolog.Logger) *Adapter {
	minConf := cfg.MinInsightConfidence
	if minConf <= 0 {
		minConf = 0.7
	}
	return &Adapter{
		knowledge:     k,
		store:         store,
		metrics:       metrics,
		bus:           bus,
		logger:        logger.With().Str("component", "adaptation").Logger(),
		minConfidence: minConf,
	}
}

// ProcessInsights applies every actionable insight from a reflection round.
// Low-confidence insights and unrecognised suggested actions are skipped;
// a failing insight is logged and does not block the rest.
func (a *Adapter) ProcessInsights(ctx context.Context, refl *Reflection) []Adaptation {
	if refl == nil {
		return nil
	}
	var applied []Adaptation
	for _, in := range refl.Insights {
		if in.Confidence < a.minConfidence {
			a.logger.Debug().
				Str("title", in.Title).
				Float64("confidence", in.Confidence).
				Msg("Insight below confidence threshold, not applied")
			continue
		}
		action, target, ok := deriveAction(in.SuggestedAction)
		if !ok {
			a.logger.Debug().Str("suggested", in.SuggestedAction).Msg("No actionable suggestion")
			continue
		}
		ad, err := a.apply(ctx, in, action, target)
		if err != nil {
			a.logger.Warn().Err(err).Str("action", action).Str("target", target).Msg("Adaptation failed")
			continue
		}
		applied = append(applied, ad)
	}
	return applied
}

// deriveAction splits a suggested action into its verb and target. The
// verb is the first word uppercased; anything unrecognised (including
// NONE) means the insight is informational only.
func deriveAction(suggested string) (action, target string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(suggested))
	if len(fields) == 0 {
		return "", "", false
	}
	verb := strings.ToUpper(strings.Trim(fields[0], ":.,"))
	switch verb {
	case ActionBlacklist, ActionFavor, ActionCreateRule, ActionDeactivatePattern, ActionAdjustParam:
		return verb, strings.TrimSpace(strings.Join(fields[1:], " ")), true
	}
	return "", "", false
}

func (a *Adapter) apply(ctx context.Context, in Insight, action, target string) (Adaptation, error) {
	if target == "" {
		return Adaptation{}, fmt.Errorf("%s without a target", action)
	}

	// Capture metrics before the mutation runs so the pre side of the
	// comparison reflects the state the insight was drawn from.
	pre := a.preMetrics(ctx, action, target)

	switch action {
	case ActionBlacklist:
		coin := coinFromTarget(target)
		a.knowledge.Blacklist(coin, in.Title)
		target = coin
	case ActionFavor:
		coin := coinFromTarget(target)
		a.knowledge.SetCoinTrend(coin, knowledge.TrendImproving)
		target = coin
	case ActionCreateRule:
		rule := a.knowledge.AddRule(knowledge.RegimeRule{
			Description: target,
			Action:      ruleActionFor(in.Category),
		})
		// The rule ID becomes the target so a rollback can find it.
		target = rule.RuleID
	case ActionDeactivatePattern:
		pid := firstToken(target)
		if err := a.knowledge.DeactivatePattern(pid, in.Title); err != nil {
			return Adaptation{}, err
		}
		target = pid
	case ActionAdjustParam:
		// Parameter changes are recorded for the audit trail only; the
		// strategist reads them back through the adaptations feed.
	}

	ad := Adaptation{
		AdaptationID:      uuid.New().String(),
		Timestamp:         time.Now(),
		InsightType:       in.Type,
		Action:            action,
		Target:            target,
		Description:       in.Description,
		PreMetrics:        pre,
		InsightConfidence: in.Confidence,
		InsightEvidence:   in.Evidence,
		Effectiveness:     EffectivenessPending,
	}
	if err := a.store.InsertAdaptation(ctx, ad); err != nil {
		return Adaptation{}, fmt.Errorf("persist adaptation: %w", err)
	}

	if a.bus != nil {
		a.bus.Publish(events.Event{
			Type: events.EventAdaptationApplied,
			Data: map[string]interface{}{
				"adaptation_id": ad.AdaptationID,
				"action":        ad.Action,
				"target":        ad.Target,
			},
		})
	}
	a.logger.Info().
		Str("adaptation_id", ad.AdaptationID).
		Str("action", ad.Action).
		Str("target", ad.Target).
		Float64("confidence", ad.InsightConfidence).
		Msg("Adaptation applied")
	return ad, nil
}

// preMetrics snapshots account-wide metrics plus whatever is known about
// the mutation target at apply time.
func (a *Adapter) preMetrics(ctx context.Context, action, target string) Metrics {
	var m Metrics
	snap, err := a.metrics.Snapshot(ctx, performance.TimeframeAllTime)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Pre-adaptation snapshot unavailable")
	} else {
		m = MetricsFromSnapshot(snap)
	}

	switch action {
	case ActionBlacklist, ActionFavor:
		if sc, ok := a.knowledge.GetCoinScore(coinFromTarget(target)); ok {
			m.Target = map[string]interface{}{
				"coin":      sc.Coin,
				"trades":    sc.TotalTrades,
				"win_rate":  sc.WinRate,
				"total_pnl": sc.TotalPnL,
				"status":    sc.Status,
			}
		}
	case ActionDeactivatePattern:
		if p, ok := a.knowledge.GetPattern(firstToken(target)); ok {
			m.Target = map[string]interface{}{
				"pattern_id": p.PatternID,
				"times_used": p.TimesUsed,
				"wins":       p.Wins,
				"confidence": p.Confidence,
			}
		}
	}
	return m
}

// Rollback reverses an applied adaptation: it undoes the knowledge
// mutation, marks the original rolled_back and records a ROLLBACK row
// pointing at it.
func (a *Adapter) Rollback(ctx context.Context, adaptationID string) (*Adaptation, error) {
	orig, err := a.store.GetAdaptation(ctx, adaptationID)
	if err != nil {
		return nil, fmt.Errorf("load adaptation: %w", err)
	}
	if orig == nil {
		return nil, fmt.Errorf("%w: %s", ErrAdaptationNotFound, adaptationID)
	}
	if orig.Action == ActionRollback {
		return nil, fmt.Errorf("%w: %s is itself a rollback", ErrNotRollbackable, adaptationID)
	}
	if orig.Effectiveness == EffectivenessRolledBack {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRolledBack, adaptationID)
	}

	switch orig.Action {
	case ActionBlacklist:
		a.knowledge.Unblacklist(orig.Target)
	case ActionFavor:
		a.knowledge.SetCoinTrend(orig.Target, knowledge.TrendStable)
	case ActionCreateRule:
		if err := a.knowledge.DeactivateRule(orig.Target); err != nil {
			a.logger.Warn().Err(err).Str("rule_id", orig.Target).Msg("Rollback target rule missing")
		}
	case ActionDeactivatePattern:
		if err := a.knowledge.ReactivatePattern(orig.Target); err != nil {
			a.logger.Warn().Err(err).Str("pattern_id", orig.Target).Msg("Rollback target pattern missing")
		}
	case ActionAdjustParam:
		// Nothing to undo; the reversal row below documents the change back.
	}

	if err := a.store.SetAdaptationEffectiveness(ctx, orig.AdaptationID, EffectivenessRolledBack); err != nil {
		return nil, fmt.Errorf("mark rolled back: %w", err)
	}

	rb := Adaptation{
		AdaptationID:    uuid.New().String(),
		Timestamp:       time.Now(),
		InsightType:     orig.InsightType,
		Action:          ActionRollback,
		Target:          orig.AdaptationID,
		Description:     fmt.Sprintf("rollback of %s %s", orig.Action, orig.Target),
		PreMetrics:      a.preMetrics(ctx, ActionRollback, orig.AdaptationID),
		InsightEvidence: fmt.Sprintf("original adaptation rated %s", orig.Effectiveness),
		Effectiveness:   EffectivenessPending,
	}
	if err := a.store.InsertAdaptation(ctx, rb); err != nil {
		return nil, fmt.Errorf("persist rollback: %w", err)
	}

	if a.bus != nil {
		a.bus.Publish(events.Event{
			Type: events.EventRollbackExecuted,
			Data: map[string]interface{}{
				"adaptation_id": orig.AdaptationID,
				"rollback_id":   rb.AdaptationID,
				"action":        orig.Action,
				"target":        orig.Target,
			},
		})
	}
	a.logger.Info().
		Str("adaptation_id", orig.AdaptationID).
		Str("rollback_id", rb.AdaptationID).
		Str("action", orig.Action).
		Msg("Adaptation rolled back")
	return &rb, nil
}

func ruleActionFor(category string) string {
	if category == CategoryProblem {
		return knowledge.RuleNoTrade
	}
	return knowledge.RuleCaution
}

func coinFromTarget(target string) string {
	return strings.ToUpper(firstToken(target))
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], ",.:;()")
}
