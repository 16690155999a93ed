// Package learning is the two-tier learning pipeline: a synchronous
// per-trade quick update feeding the knowledge store, and the periodic
// LLM-driven reflection, adaptation and effectiveness stages that mutate it
// with an audit trail and rollback recipes.
package learning

import (
	"context"
	"errors"
	"time"

	"paper-trading-bot/internal/ai/llm"
	"paper-trading-bot/internal/journal"
	"paper-trading-bot/internal/performance"
)

var (
	ErrAdaptationNotFound = errors.New("adaptation not found")
	ErrAlreadyRolledBack  = errors.New("adaptation already rolled back")
	ErrNotRollbackable    = errors.New("adaptation cannot be rolled back")
)

// Insight types, matching what reflection asks the model for.
const (
	InsightTypeCoin    = "coin"
	InsightTypePattern = "pattern"
	InsightTypeTime    = "time"
	InsightTypeRegime  = "regime"
	InsightTypeExit    = "exit"
)

// Insight categories.
const (
	CategoryOpportunity = "opportunity"
	CategoryProblem     = "problem"
	CategoryObservation = "observation"
)

// Adaptation actions. ROLLBACK rows reference the adaptation they undo.
const (
	ActionBlacklist         = "BLACKLIST"
	ActionFavor             = "FAVOR"
	ActionCreateRule        = "CREATE_RULE"
	ActionDeactivatePattern = "DEACTIVATE_PATTERN"
	ActionAdjustParam       = "ADJUST_PARAM"
	ActionRollback          = "ROLLBACK"
)

// Effectiveness ratings assigned by the monitor.
const (
	EffectivenessPending     = "pending"
	EffectivenessHighly      = "highly_effective"
	EffectivenessEffective   = "effective"
	EffectivenessNeutral     = "neutral"
	EffectivenessIneffective = "ineffective"
	EffectivenessHarmful     = "harmful"
	EffectivenessRolledBack  = "rolled_back"
)

// Insight is one structured observation returned by a reflection round.
type Insight struct {
	Type            string  `json:"type"`
	Category        string  `json:"category"`
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	Evidence        string  `json:"evidence"`
	SuggestedAction string  `json:"suggested_action"`
	Confidence      float64 `json:"confidence"`
}

// ValidInsightType reports whether t is a known insight type.
func ValidInsightType(t string) bool {
	switch t {
	case InsightTypeCoin, InsightTypePattern, InsightTypeTime, InsightTypeRegime, InsightTypeExit:
		return true
	}
	return false
}

// ValidInsightCategory reports whether c is a known insight category.
func ValidInsightCategory(c string) bool {
	switch c {
	case CategoryOpportunity, CategoryProblem, CategoryObservation:
		return true
	}
	return false
}

// Reflection is one completed analysis round with its insights.
type Reflection struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	TradesAnalyzed int       `json:"trades_analyzed"`
	Summary        string    `json:"summary,omitempty"`
	Insights       []Insight `json:"insights"`
}

// StoredInsight is an insight row as persisted, keyed to its reflection so
// the dashboard can query insights by date.
type StoredInsight struct {
	ID           string    `json:"id"`
	ReflectionID string    `json:"reflection_id"`
	Timestamp    time.Time `json:"timestamp"`
	Insight
}

// Metrics is the flat pre/post metrics payload stored on adaptations.
// WinRate is a fraction; the effectiveness monitor converts deltas to
// percentage points.
type Metrics struct {
	WinRate      float64                `json:"win_rate"`
	TotalPnL     float64                `json:"total_pnl"`
	TradeCount   int                    `json:"trade_count"`
	Balance      float64                `json:"balance"`
	ProfitFactor float64                `json:"profit_factor"`
	Target       map[string]interface{} `json:"target,omitempty"`
}

// MetricsFromSnapshot flattens a profit snapshot into adaptation metrics.
func MetricsFromSnapshot(s performance.ProfitSnapshot) Metrics {
	return Metrics{
		WinRate:      s.WinRate,
		TotalPnL:     s.TotalPnL,
		TradeCount:   s.TradeCount,
		Balance:      s.Balance,
		ProfitFactor: s.ProfitFactor,
	}
}

// Adaptation is one applied knowledge mutation with its audit trail.
type Adaptation struct {
	AdaptationID            string     `json:"adaptation_id"`
	Timestamp               time.Time  `json:"timestamp"`
	InsightType             string     `json:"insight_type"`
	Action                  string     `json:"action"`
	Target                  string     `json:"target"`
	Description             string     `json:"description"`
	PreMetrics              Metrics    `json:"pre_metrics"`
	InsightConfidence       float64    `json:"insight_confidence"`
	InsightEvidence         string     `json:"insight_evidence"`
	PostMetrics             *Metrics   `json:"post_metrics,omitempty"`
	Effectiveness           string     `json:"effectiveness"`
	EffectivenessMeasuredAt *time.Time `json:"effectiveness_measured_at,omitempty"`
	RollbackFlagged         bool       `json:"rollback_flagged"`
}

// TradeStats summarises closed trades over a window.
type TradeStats struct {
	Trades   int
	Wins     int
	TotalPnL float64
}

func (s TradeStats) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades)
}

// Querier is the slice of the LLM gateway reflection needs.
type Querier interface {
	Query(ctx context.Context, system, user string, opts llm.QueryOpts) (string, error)
	Available() bool
}

// MetricsSource provides current profit snapshots, implemented by the
// performance aggregator.
type MetricsSource interface {
	Snapshot(ctx context.Context, timeframe string) (performance.ProfitSnapshot, error)
}

// ActivityLogger appends rows to the activity log, implemented by the
// journal's async writer.
type ActivityLogger interface {
	LogActivity(kind, message string, details map[string]interface{})
}

// ReflectionStore persists reflection rounds and reads the trades they
// analyse. Implemented by internal/database.
type ReflectionStore interface {
	RecentClosedTrades(ctx context.Context, limit int) ([]journal.TradeResult, error)
	InsertReflection(ctx context.Context, r Reflection) error
}

// AdaptationStore persists adaptations. Implemented by internal/database.
type AdaptationStore interface {
	InsertAdaptation(ctx context.Context, a Adaptation) error
	GetAdaptation(ctx context.Context, id string) (*Adaptation, error)
	SetAdaptationEffectiveness(ctx context.Context, id, effectiveness string) error
}

// EffectivenessStore serves the hourly sweep. Implemented by
// internal/database.
type EffectivenessStore interface {
	PendingAdaptations(ctx context.Context, olderThan time.Time) ([]Adaptation, error)
	UpdateAdaptationOutcome(ctx context.Context, id string, post Metrics, rating string, measuredAt time.Time, rollbackFlagged bool) error
	TradeStatsSince(ctx context.Context, since time.Time) (TradeStats, error)
}
