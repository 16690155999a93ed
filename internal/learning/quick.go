package learning

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-bot/internal/journal"
	"paper-trading-bot/internal/knowledge"
)

// QuickUpdateResult reports what one closed trade changed in the knowledge
// store.
type QuickUpdateResult struct {
	Coin               string                  `json:"coin"`
	CoinStatus         string                  `json:"coin_status"`
	StatusChange       *knowledge.StatusChange `json:"status_change,omitempty"`
	PatternConfidence  *float64                `json:"pattern_confidence,omitempty"`
	PatternDeactivated bool                    `json:"pattern_deactivated,omitempty"`
	ElapsedMicros      int64                   `json:"elapsed_micros"`
}

// QuickUpdater applies the instant per-trade learning step. Process is
// synchronous on the exit path and must stay fast: knowledge mutations are
// in-memory with write-through queues, the activity row goes to the
// journal's async writer, and there is no LLM anywhere near this path.
type QuickUpdater struct {
	knowledge *knowledge.Store
	activity  ActivityLogger
	logger    zerolog.Logger
}

func NewQuickUpdater(ks *knowledge.Store, activity ActivityLogger, logger zerolog.Logger) *QuickUpdater {
	return &QuickUpdater{
		knowledge: ks,
		activity:  activity,
		logger:    logger.With().Str("component", "quick_update").Logger(),
	}
}

// Process folds one trade result into coin scores and pattern stats and
// returns the resulting status transition, if any.
func (q *QuickUpdater) Process(tr journal.TradeResult) QuickUpdateResult {
	start := time.Now()
	won := tr.Won()

	res := QuickUpdateResult{Coin: tr.Coin}
	res.StatusChange = q.knowledge.UpdateCoinScore(tr.Coin, won, tr.PnLUSD)
	if sc, ok := q.knowledge.GetCoinScore(tr.Coin); ok {
		res.CoinStatus = sc.Status
	}

	if tr.PatternID != "" {
		p, err := q.knowledge.RecordPatternOutcome(tr.PatternID, won, tr.PnLUSD)
		if err != nil {
			// Conditions can outlive their pattern; not fatal.
			q.logger.Warn().Err(err).Str("pattern_id", tr.PatternID).Msg("Pattern outcome dropped")
		} else {
			conf := p.Confidence
			res.PatternConfidence = &conf
			res.PatternDeactivated = !p.IsActive
		}
	}

	if q.activity != nil {
		verb := "lost"
		if won {
			verb = "won"
		}
		details := map[string]interface{}{
			"coin":        tr.Coin,
			"pnl_usd":     tr.PnLUSD,
			"pnl_pct":     tr.PnLPct,
			"exit_reason": tr.ExitReason,
			"coin_status": res.CoinStatus,
		}
		if res.StatusChange != nil {
			details["status_change"] = fmt.Sprintf("%s -> %s", res.StatusChange.OldStatus, res.StatusChange.NewStatus)
		}
		q.activity.LogActivity("trade_result",
			fmt.Sprintf("%s %s $%.2f (%s)", tr.Coin, verb, tr.PnLUSD, tr.ExitReason), details)
	}

	res.ElapsedMicros = time.Since(start).Microseconds()
	return res
}
