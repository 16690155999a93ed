package sniper

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoPosition   = errors.New("no open position for coin")
	ErrInvalidPrice = errors.New("exit price must be positive")
	ErrNotRunning   = errors.New("matcher is not running")
)

// Trade direction. The schema carries SHORT for forward compatibility but
// the matcher only executes LONG.
const (
	DirectionLong  = "LONG"
	DirectionShort = "SHORT"
)

// Trigger comparison against the tick price.
const (
	TriggerAbove = "ABOVE"
	TriggerBelow = "BELOW"
)

// Exit reasons recorded verbatim on closed trades.
const (
	ExitStopLoss   = "stop_loss"
	ExitTakeProfit = "take_profit"
	ExitManual     = "manual"
	ExitExpiry     = "expiry"
)

// TradeCondition is a validated, time-bounded entry recipe produced by the
// strategist. The matcher owns it while active and removes it on trigger,
// on expiry, or when the strategist replaces the active set.
type TradeCondition struct {
	ID               string    `json:"id"`
	Coin             string    `json:"coin"`
	Direction        string    `json:"direction"`
	TriggerPrice     float64   `json:"trigger_price"`
	TriggerCondition string    `json:"trigger_condition"`
	StopLossPct      float64   `json:"stop_loss_pct"`
	TakeProfitPct    float64   `json:"take_profit_pct"`
	PositionSizeUSD  float64   `json:"position_size_usd"`
	Reasoning        string    `json:"reasoning"`
	StrategyID       string    `json:"strategy_id"`
	PatternID        string    `json:"pattern_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	ValidUntil       time.Time `json:"valid_until"`
	Triggered        bool      `json:"triggered"`
}

// Position is an open simulated trade. Stop and take-profit prices are
// fixed from the entry fill, not from the trigger price.
type Position struct {
	ID              string    `json:"id"`
	Coin            string    `json:"coin"`
	Direction       string    `json:"direction"`
	EntryPrice      float64   `json:"entry_price"`
	SizeUSD         float64   `json:"size_usd"`
	EntryTime       time.Time `json:"entry_time"`
	StopLossPrice   float64   `json:"stop_loss_price"`
	TakeProfitPrice float64   `json:"take_profit_price"`
	StrategyID      string    `json:"strategy_id"`
	PatternID       string    `json:"pattern_id,omitempty"`
	ConditionID     string    `json:"condition_id"`
}

// ClosedTrade is the exit payload handed to exit subscribers.
type ClosedTrade struct {
	Position   Position      `json:"position"`
	ExitPrice  float64       `json:"exit_price"`
	ExitTime   time.Time     `json:"exit_time"`
	ExitReason string        `json:"exit_reason"`
	PnLUSD     float64       `json:"pnl_usd"`
	PnLPct     float64       `json:"pnl_pct"`
	Duration   time.Duration `json:"duration"`
}

// RuntimeState is the scalar portion of matcher state persisted at
// checkpoints and shutdown. Open positions, conditions and cooldowns are
// persisted to their own tables.
type RuntimeState struct {
	StartingBalance  float64   `json:"starting_balance"`
	AvailableBalance float64   `json:"available_balance"`
	TotalPnL         float64   `json:"total_pnl"`
	ClosedTrades     int       `json:"closed_trades"`
	Wins             int       `json:"wins"`
	TickCount        int64     `json:"tick_count"`
	UptimeSeconds    float64   `json:"uptime_seconds"`
	SavedAt          time.Time `json:"saved_at"`
}

// Status is a copy-out snapshot of matcher state for the dashboard and the
// strategist. Balance figures here are the authoritative account values.
type Status struct {
	Running          bool                 `json:"running"`
	Paused           bool                 `json:"paused"`
	PauseReason      string               `json:"pause_reason,omitempty"`
	FeedHealthy      bool                 `json:"feed_healthy"`
	StartingBalance  float64              `json:"starting_balance"`
	AvailableBalance float64              `json:"available_balance"`
	InPositions      float64              `json:"in_positions"`
	Equity           float64              `json:"equity"`
	TotalPnL         float64              `json:"total_pnl"`
	OpenPositions    int                  `json:"open_positions"`
	ActiveConditions int                  `json:"active_conditions"`
	ClosedTrades     int                  `json:"closed_trades"`
	Wins             int                  `json:"wins"`
	Losses           int                  `json:"losses"`
	WinRate          float64              `json:"win_rate"`
	TickCount        int64                `json:"tick_count"`
	Cooldowns        map[string]time.Time `json:"cooldowns,omitempty"`
	StartedAt        time.Time            `json:"started_at"`
}

// CoinGate reports knowledge-driven entry restrictions. Implemented by the
// knowledge store; a nil gate means no restrictions.
type CoinGate interface {
	IsBlacklisted(coin string) bool
	SizeModifier(coin string) float64
}

// StateRepository persists matcher state across restarts. Open positions
// are written by the journal on entry and exit; the matcher only reads
// them back during hydration.
type StateRepository interface {
	ListOpenPositions(ctx context.Context) ([]Position, error)
	ReplaceConditions(ctx context.Context, conds []TradeCondition) error
	ListConditions(ctx context.Context) ([]TradeCondition, error)
	ReplaceCooldowns(ctx context.Context, cooldowns map[string]time.Time) error
	ListCooldowns(ctx context.Context) (map[string]time.Time, error)
	SaveRuntimeState(ctx context.Context, st RuntimeState) error
	LoadRuntimeState(ctx context.Context) (*RuntimeState, error)
}

// EntryHandler is invoked after a position opens.
type EntryHandler func(Position, TradeCondition)

// ExitHandler is invoked after a position closes.
type ExitHandler func(ClosedTrade)
