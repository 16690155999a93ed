// Package performance aggregates closed trades and equity samples into
// profit snapshots for the snapshot scheduler, the adaptation pre/post
// metrics, and the dashboard profitability endpoints.
package performance

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// A run with no losing trades has an unbounded profit factor; it is capped
// so the value stays representable in JSON and DECIMAL columns.
const maxProfitFactor = 1000.0

// Aggregator computes and persists profit snapshots. Balances are read
// from the matcher, the single source of truth for account state.
type Aggregator struct {
	repo    Repository
	account AccountSource
	logger  zerolog.Logger
}

func NewAggregator(repo Repository, account AccountSource, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		repo:    repo,
		account: account,
		logger:  logger.With().Str("component", "performance").Logger(),
	}
}

// Snapshot computes a profit snapshot for the given timeframe without
// persisting it. The all_time frame reports the matcher's own totals so the
// dashboard and the matcher can never disagree; windowed frames aggregate
// the journal rows inside the window.
func (a *Aggregator) Snapshot(ctx context.Context, timeframe string) (ProfitSnapshot, error) {
	now := time.Now()
	since, err := windowStart(timeframe, now)
	if err != nil {
		return ProfitSnapshot{}, err
	}

	trades, err := a.repo.ClosedTradePnLsSince(ctx, since)
	if err != nil {
		return ProfitSnapshot{}, fmt.Errorf("load closed trades: %w", err)
	}
	points, err := a.repo.EquityPointsSince(ctx, since)
	if err != nil {
		return ProfitSnapshot{}, fmt.Errorf("load equity points: %w", err)
	}

	totalPnL, winRate, profitFactor, sharpe := computeMetrics(trades)
	st := a.account.GetStatus()

	snap := ProfitSnapshot{
		Timestamp:    now,
		Timeframe:    timeframe,
		TotalPnL:     totalPnL,
		WinRate:      winRate,
		ProfitFactor: profitFactor,
		MaxDrawdown:  maxDrawdown(points),
		Sharpe:       sharpe,
		TradeCount:   len(trades),
		Balance:      st.Equity,
	}
	if timeframe == TimeframeAllTime {
		snap.TotalPnL = st.TotalPnL
		snap.WinRate = st.WinRate
		snap.TradeCount = st.ClosedTrades
	}
	return snap, nil
}

// TakeSnapshot computes and persists a snapshot.
func (a *Aggregator) TakeSnapshot(ctx context.Context, timeframe string) (ProfitSnapshot, error) {
	snap, err := a.Snapshot(ctx, timeframe)
	if err != nil {
		return ProfitSnapshot{}, err
	}
	if err := a.repo.InsertSnapshot(ctx, snap); err != nil {
		return ProfitSnapshot{}, fmt.Errorf("persist snapshot: %w", err)
	}
	a.logger.Debug().
		Str("timeframe", timeframe).
		Float64("total_pnl", snap.TotalPnL).
		Float64("win_rate", snap.WinRate).
		Int("trades", snap.TradeCount).
		Msg("Snapshot taken")
	return snap, nil
}

// RecordEquityPoint samples the current equity into the equity curve.
func (a *Aggregator) RecordEquityPoint(ctx context.Context) (EquityPoint, error) {
	p := EquityPoint{Timestamp: time.Now(), Equity: a.account.GetStatus().Equity}
	if err := a.repo.InsertEquityPoint(ctx, p); err != nil {
		return EquityPoint{}, fmt.Errorf("persist equity point: %w", err)
	}
	return p, nil
}

// History returns persisted snapshots for a timeframe since the given time.
func (a *Aggregator) History(ctx context.Context, timeframe string, since time.Time) ([]ProfitSnapshot, error) {
	if !ValidTimeframe(timeframe) {
		return nil, ErrUnknownTimeframe
	}
	return a.repo.SnapshotsSince(ctx, timeframe, since)
}

// EquityCurve returns equity samples since the given time.
func (a *Aggregator) EquityCurve(ctx context.Context, since time.Time) ([]EquityPoint, error) {
	return a.repo.EquityPointsSince(ctx, since)
}

func windowStart(timeframe string, now time.Time) (time.Time, error) {
	switch timeframe {
	case TimeframeHour:
		return now.Add(-time.Hour), nil
	case TimeframeDay:
		return now.Add(-24 * time.Hour), nil
	case TimeframeWeek:
		return now.Add(-7 * 24 * time.Hour), nil
	case TimeframeMonth:
		return now.Add(-30 * 24 * time.Hour), nil
	case TimeframeAllTime:
		return time.Time{}, nil
	default:
		return time.Time{}, ErrUnknownTimeframe
	}
}

func computeMetrics(trades []TradePnL) (totalPnL, winRate, profitFactor float64, sharpe *float64) {
	var grossProfit, grossLoss float64
	wins := 0
	returns := make([]float64, 0, len(trades))

	for _, tr := range trades {
		totalPnL += tr.PnLUSD
		returns = append(returns, tr.PnLPct)
		switch {
		case tr.PnLUSD > 0:
			wins++
			grossProfit += tr.PnLUSD
		case tr.PnLUSD < 0:
			grossLoss += -tr.PnLUSD
		}
	}

	if len(trades) > 0 {
		winRate = float64(wins) / float64(len(trades))
	}
	switch {
	case grossLoss > 0:
		profitFactor = grossProfit / grossLoss
		if profitFactor > maxProfitFactor {
			profitFactor = maxProfitFactor
		}
	case grossProfit > 0:
		profitFactor = maxProfitFactor
	}
	return totalPnL, winRate, profitFactor, sharpeRatio(returns)
}

// sharpeRatio is the per-trade mean return over its sample deviation. It is
// nil with fewer than two trades or zero variance.
func sharpeRatio(returns []float64) *float64 {
	if len(returns) < 2 {
		return nil
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	std := math.Sqrt(variance)
	if std == 0 {
		return nil
	}
	s := mean / std
	return &s
}

// maxDrawdown is the deepest peak-to-trough decline across the equity
// samples, as a fraction of the peak.
func maxDrawdown(points []EquityPoint) float64 {
	var peak, maxDD float64
	for _, p := range points {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			if dd := (peak - p.Equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}
