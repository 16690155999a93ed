package knowledge

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPatternNotFound = errors.New("pattern not found")
	ErrRuleNotFound    = errors.New("rule not found")
)

// Coin status drives the position-size modifier and the strategist's
// good/avoid lists. BLACKLISTED is sticky until an explicit unblacklist.
const (
	StatusUnknown     = "UNKNOWN"
	StatusNormal      = "NORMAL"
	StatusReduced     = "REDUCED"
	StatusFavored     = "FAVORED"
	StatusBlacklisted = "BLACKLISTED"
)

const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDeclining = "declining"
)

// Regime rule actions.
const (
	RuleNoTrade      = "NO_TRADE"
	RuleReduceSize   = "REDUCE_SIZE"
	RuleIncreaseSize = "INCREASE_SIZE"
	RuleCaution      = "CAUTION"
)

// CoinScore is the learned per-coin record. Derived fields are recomputed
// on every trade outcome; wins+losses always equals total_trades.
type CoinScore struct {
	Coin            string    `json:"coin"`
	TotalTrades     int       `json:"total_trades"`
	Wins            int       `json:"wins"`
	Losses          int       `json:"losses"`
	TotalPnL        float64   `json:"total_pnl"`
	AvgPnL          float64   `json:"avg_pnl"`
	WinRate         float64   `json:"win_rate"`
	AvgWinner       float64   `json:"avg_winner"`
	AvgLoser        float64   `json:"avg_loser"`
	Status          string    `json:"status"`
	IsBlacklisted   bool      `json:"is_blacklisted"`
	BlacklistReason string    `json:"blacklist_reason,omitempty"`
	Trend           string    `json:"trend"`
	LastUpdated     time.Time `json:"last_updated"`
}

// TradingPattern is a learned setup with dynamically derived confidence.
// Entry and exit conditions are opaque predicate maps owned by the LLM.
type TradingPattern struct {
	PatternID       string                 `json:"pattern_id"`
	Description     string                 `json:"description"`
	EntryConditions map[string]interface{} `json:"entry_conditions,omitempty"`
	ExitConditions  map[string]interface{} `json:"exit_conditions,omitempty"`
	TimesUsed       int                    `json:"times_used"`
	Wins            int                    `json:"wins"`
	Losses          int                    `json:"losses"`
	TotalPnL        float64                `json:"total_pnl"`
	Confidence      float64                `json:"confidence"`
	IsActive        bool                   `json:"is_active"`
}

// RegimeRule is a market-wide guard the strategist checks before asking
// the LLM for conditions.
type RegimeRule struct {
	RuleID         string                 `json:"rule_id"`
	Description    string                 `json:"description"`
	Condition      map[string]interface{} `json:"condition,omitempty"`
	Action         string                 `json:"action"`
	TimesTriggered int                    `json:"times_triggered"`
	EstimatedSaves float64                `json:"estimated_saves"`
	IsActive       bool                   `json:"is_active"`
}

// StatusChange reports a coin status transition out of UpdateCoinScore.
type StatusChange struct {
	Coin      string `json:"coin"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Reason    string `json:"reason"`
}

// StrategistContext is the knowledge snapshot folded into the strategist
// prompt. Summaries are pre-formatted prompt lines.
type StrategistContext struct {
	GoodCoins        []string         `json:"good_coins"`
	AvoidCoins       []string         `json:"avoid_coins"`
	ActiveRules      []RegimeRule     `json:"active_rules"`
	WinningPatterns  []TradingPattern `json:"winning_patterns"`
	TopCoinSummaries []string         `json:"top_coin_summaries"`
}

// Repository is the write-through persistence contract, implemented by the
// database package. Saves run on the store's writer goroutine.
type Repository interface {
	SaveCoinScore(ctx context.Context, score CoinScore) error
	ListCoinScores(ctx context.Context) ([]CoinScore, error)
	SavePattern(ctx context.Context, pattern TradingPattern) error
	ListPatterns(ctx context.Context) ([]TradingPattern, error)
	SaveRule(ctx context.Context, rule RegimeRule) error
	ListRules(ctx context.Context) ([]RegimeRule, error)
}
