package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"paper-trading-bot/internal/journal"
	"paper-trading-bot/internal/learning"
	"paper-trading-bot/internal/sniper"
)

// ============================================================================
// OPEN TRADES
// ============================================================================

// InsertOpenTrade records a position at entry time so a restart can
// rehydrate it.
func (r *Repository) InsertOpenTrade(ctx context.Context, p sniper.Position, mc journal.MarketContext) error {
	contextJSON, err := json.Marshal(mc)
	if err != nil {
		contextJSON = []byte("{}")
	}

	query := `
		INSERT INTO open_trades (
			position_id, coin, direction, entry_price, size_usd, entry_time,
			stop_loss_price, take_profit_price, strategy_id, pattern_id, condition_id, market_context
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (position_id) DO NOTHING
	`
	_, err = r.db.Pool.Exec(ctx, query,
		p.ID, p.Coin, p.Direction, p.EntryPrice, p.SizeUSD, p.EntryTime,
		p.StopLossPrice, p.TakeProfitPrice, p.StrategyID, p.PatternID, p.ConditionID, contextJSON,
	)
	return err
}

// DeleteOpenTrade removes a position row once it has closed.
func (r *Repository) DeleteOpenTrade(ctx context.Context, positionID string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM open_trades WHERE position_id = $1`, positionID)
	return err
}

// ============================================================================
// CLOSED TRADES
// ============================================================================

// InsertClosedTrade appends a completed trade to the journal.
func (r *Repository) InsertClosedTrade(ctx context.Context, tr journal.TradeResult) error {
	contextJSON, err := json.Marshal(tr.MarketContext)
	if err != nil {
		contextJSON = []byte("{}")
	}

	query := `
		INSERT INTO closed_trades (
			entry_id, coin, direction, entry_price, size_usd, entry_time,
			stop_loss_price, take_profit_price, strategy_id, pattern_id, condition_id,
			exit_price, exit_time, exit_reason, pnl_usd, pnl_pct, duration_s,
			market_context, hour_of_day, day_of_week
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (entry_id) DO NOTHING
	`
	_, err = r.db.Pool.Exec(ctx, query,
		tr.EntryID, tr.Coin, tr.Direction, tr.EntryPrice, tr.SizeUSD, tr.EntryTime,
		tr.StopLossPrice, tr.TakeProfitPrice, tr.StrategyID, tr.PatternID, tr.ConditionID,
		tr.ExitPrice, tr.ExitTime, tr.ExitReason, tr.PnLUSD, tr.PnLPct, tr.DurationS,
		contextJSON, tr.HourOfDay, tr.DayOfWeek,
	)
	return err
}

// captureColumn maps a capture window to its journal column. The switch is
// the whitelist that keeps the column name out of user-controlled input.
func captureColumn(windowS int) (string, error) {
	switch windowS {
	case 60:
		return "price_plus_1m", nil
	case 300:
		return "price_plus_5m", nil
	case 900:
		return "price_plus_15m", nil
	default:
		return "", fmt.Errorf("unknown capture window %ds", windowS)
	}
}

// UpdatePostExitPrice fills in one post-exit capture column.
func (r *Repository) UpdatePostExitPrice(ctx context.Context, positionID string, windowS int, price float64) error {
	column, err := captureColumn(windowS)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE closed_trades SET %s = $2 WHERE entry_id = $1`, column)
	_, err = r.db.Pool.Exec(ctx, query, positionID, price)
	return err
}

// UpdateMissedProfit stores the best post-exit price delta for a trade.
func (r *Repository) UpdateMissedProfit(ctx context.Context, positionID string, missed float64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE closed_trades SET missed_profit = $2 WHERE entry_id = $1`, positionID, missed)
	return err
}

// RecentClosedTrades returns the newest closed trades, most recent first.
func (r *Repository) RecentClosedTrades(ctx context.Context, limit int) ([]journal.TradeResult, error) {
	query := closedTradeSelect + `
		ORDER BY exit_time DESC
		LIMIT $1
	`
	return r.queryClosedTrades(ctx, query, limit)
}

// ListClosedTrades returns a page of the trade history, newest first.
func (r *Repository) ListClosedTrades(ctx context.Context, limit, offset int) ([]journal.TradeResult, error) {
	query := closedTradeSelect + `
		ORDER BY exit_time DESC
		LIMIT $1 OFFSET $2
	`
	return r.queryClosedTrades(ctx, query, limit, offset)
}

// TradeStatsSince aggregates closed trades after the given time.
func (r *Repository) TradeStatsSince(ctx context.Context, since time.Time) (learning.TradeStats, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE pnl_usd > 0),
		       COALESCE(SUM(pnl_usd), 0)
		FROM closed_trades
		WHERE exit_time >= $1
	`
	var stats learning.TradeStats
	err := r.db.Pool.QueryRow(ctx, query, since).Scan(&stats.Trades, &stats.Wins, &stats.TotalPnL)
	if err != nil {
		return learning.TradeStats{}, err
	}
	return stats, nil
}

const closedTradeSelect = `
		SELECT entry_id, coin, direction, entry_price, size_usd, entry_time,
		       stop_loss_price, take_profit_price, strategy_id, pattern_id, condition_id,
		       exit_price, exit_time, exit_reason, pnl_usd, pnl_pct, duration_s,
		       market_context, hour_of_day, day_of_week,
		       price_plus_1m, price_plus_5m, price_plus_15m, missed_profit
		FROM closed_trades`

func (r *Repository) queryClosedTrades(ctx context.Context, query string, args ...interface{}) ([]journal.TradeResult, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []journal.TradeResult
	for rows.Next() {
		var tr journal.TradeResult
		var contextJSON []byte

		err := rows.Scan(
			&tr.EntryID, &tr.Coin, &tr.Direction, &tr.EntryPrice, &tr.SizeUSD, &tr.EntryTime,
			&tr.StopLossPrice, &tr.TakeProfitPrice, &tr.StrategyID, &tr.PatternID, &tr.ConditionID,
			&tr.ExitPrice, &tr.ExitTime, &tr.ExitReason, &tr.PnLUSD, &tr.PnLPct, &tr.DurationS,
			&contextJSON, &tr.HourOfDay, &tr.DayOfWeek,
			&tr.PricePlus1m, &tr.PricePlus5m, &tr.PricePlus15m, &tr.MissedProfit,
		)
		if err != nil {
			return nil, err
		}
		if len(contextJSON) > 0 {
			json.Unmarshal(contextJSON, &tr.MarketContext)
		}
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

// ============================================================================
// ACTIVITY LOG
// ============================================================================

// InsertActivity appends one activity row.
func (r *Repository) InsertActivity(ctx context.Context, entry journal.ActivityEntry) error {
	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		detailsJSON = []byte("{}")
	}

	_, err = r.db.Pool.Exec(ctx,
		`INSERT INTO activity_log (timestamp, type, message, details) VALUES ($1, $2, $3, $4)`,
		entry.Timestamp, entry.Type, entry.Message, detailsJSON)
	return err
}

// RecentActivity returns the newest activity rows, most recent first.
func (r *Repository) RecentActivity(ctx context.Context, limit int) ([]journal.ActivityEntry, error) {
	query := `
		SELECT timestamp, type, message, details
		FROM activity_log
		ORDER BY timestamp DESC, id DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []journal.ActivityEntry
	for rows.Next() {
		var e journal.ActivityEntry
		var detailsJSON []byte
		if err := rows.Scan(&e.Timestamp, &e.Type, &e.Message, &detailsJSON); err != nil {
			return nil, err
		}
		if len(detailsJSON) > 0 {
			json.Unmarshal(detailsJSON, &e.Details)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
