package performance

import (
	"context"
	"errors"
	"time"

	"paper-trading-bot/internal/sniper"
)

var ErrUnknownTimeframe = errors.New("unknown snapshot timeframe")

// Snapshot timeframes. Windowed frames look back from now; all_time covers
// the full journal.
const (
	TimeframeHour    = "hour"
	TimeframeDay     = "day"
	TimeframeWeek    = "week"
	TimeframeMonth   = "month"
	TimeframeAllTime = "all_time"
)

// Timeframes lists every valid timeframe in ascending window order.
var Timeframes = []string{TimeframeHour, TimeframeDay, TimeframeWeek, TimeframeMonth, TimeframeAllTime}

// ValidTimeframe reports whether s names a snapshot timeframe.
func ValidTimeframe(s string) bool {
	for _, tf := range Timeframes {
		if s == tf {
			return true
		}
	}
	return false
}

// ProfitSnapshot is an aggregate view of trading performance over one
// timeframe. Win rate is a fraction, max drawdown a fraction of the equity
// peak, and sharpe a per-trade ratio left nil when there are too few trades
// to compute one.
type ProfitSnapshot struct {
	Timestamp    time.Time `json:"timestamp"`
	Timeframe    string    `json:"timeframe"`
	TotalPnL     float64   `json:"total_pnl"`
	WinRate      float64   `json:"win_rate"`
	ProfitFactor float64   `json:"profit_factor"`
	MaxDrawdown  float64   `json:"max_drawdown"`
	Sharpe       *float64  `json:"sharpe,omitempty"`
	TradeCount   int       `json:"trade_count"`
	Balance      float64   `json:"balance"`
}

// EquityPoint is one sample of total account equity.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// Repository persists and reads back snapshots, equity points and the
// closed trades they aggregate. Implemented by internal/database.
type Repository interface {
	ClosedTradePnLsSince(ctx context.Context, since time.Time) ([]TradePnL, error)
	InsertSnapshot(ctx context.Context, s ProfitSnapshot) error
	SnapshotsSince(ctx context.Context, timeframe string, since time.Time) ([]ProfitSnapshot, error)
	InsertEquityPoint(ctx context.Context, p EquityPoint) error
	EquityPointsSince(ctx context.Context, since time.Time) ([]EquityPoint, error)
}

// TradePnL is the slice of a closed trade the aggregator needs.
type TradePnL struct {
	PnLUSD float64
	PnLPct float64
}

// AccountSource is the authoritative balance view, implemented by the
// matcher. Snapshot balances always come from here, never from re-derived
// journal sums.
type AccountSource interface {
	GetStatus() sniper.Status
}
