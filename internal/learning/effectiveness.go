package learning

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-bot/config"
)

// An adaptation is flagged for rollback when it rates harmful, lost more
// than this much and had enough trades behind the measurement.
const (
	rollbackFlagLossUSD   = 20.0
	rollbackFlagMinTrades = 10
)

// Monitor rates pending adaptations once they are old enough and enough
// trades have accumulated to judge them.
type Monitor struct {
	store  EffectivenessStore
	logger zerolog.Logger

	minAge    time.Duration
	minTrades int
}

func NewMonitor(store EffectivenessStore, cfg config.LearningConfig, logger zerolog.Logger) *Monitor {
	minAge := cfg.EffectivenessMinAge
	if minAge <= 0 {
		minAge = 24 * time.Hour
	}
	minTrades := cfg.EffectivenessTrades
	if minTrades <= 0 {
		minTrades = 10
	}
	return &Monitor{
		store:     store,
		logger:    logger.With().Str("component", "effectiveness").Logger(),
		minAge:    minAge,
		minTrades: minTrades,
	}
}

// Sweep measures every pending adaptation older than the minimum age and
// returns how many were rated. Rows without enough trades stay pending.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	pending, err := m.store.PendingAdaptations(ctx, time.Now().Add(-m.minAge))
	if err != nil {
		return 0, fmt.Errorf("list pending adaptations: %w", err)
	}

	measured := 0
	for _, a := range pending {
		rated, err := m.measure(ctx, a)
		if err != nil {
			m.logger.Warn().Err(err).Str("adaptation_id", a.AdaptationID).Msg("Effectiveness measurement failed")
			continue
		}
		if rated {
			measured++
		}
	}
	return measured, nil
}

func (m *Monitor) measure(ctx context.Context, a Adaptation) (bool, error) {
	stats, err := m.store.TradeStatsSince(ctx, a.Timestamp)
	if err != nil {
		return false, err
	}
	if stats.Trades < m.minTrades {
		return false, nil
	}

	post := Metrics{
		WinRate:    stats.WinRate(),
		TotalPnL:   stats.TotalPnL,
		TradeCount: stats.Trades,
	}
	deltaPP := (post.WinRate - a.PreMetrics.WinRate) * 100
	deltaPnL := post.TotalPnL - a.PreMetrics.TotalPnL
	rating := rateEffectiveness(deltaPP)

	flag := rating == EffectivenessHarmful &&
		deltaPnL < -rollbackFlagLossUSD &&
		stats.Trades >= rollbackFlagMinTrades &&
		a.Action != ActionRollback

	if err := m.store.UpdateAdaptationOutcome(ctx, a.AdaptationID, post, rating, time.Now(), flag); err != nil {
		return false, err
	}

	m.logger.Info().
		Str("adaptation_id", a.AdaptationID).
		Str("action", a.Action).
		Str("target", a.Target).
		Float64("delta_win_rate_pp", deltaPP).
		Float64("delta_pnl", deltaPnL).
		Int("trades", stats.Trades).
		Str("rating", rating).
		Bool("rollback_flagged", flag).
		Msg("Adaptation effectiveness measured")
	return true, nil
}

// rateEffectiveness maps the win-rate delta, in percentage points, onto
// the rating ladder.
func rateEffectiveness(deltaPP float64) string {
	switch {
	case deltaPP >= 10:
		return EffectivenessHighly
	case deltaPP >= 3:
		return EffectivenessEffective
	case deltaPP >= -3:
		return EffectivenessNeutral
	case deltaPP > -10:
		return EffectivenessIneffective
	default:
		return EffectivenessHarmful
	}
}
