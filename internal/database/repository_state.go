package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"paper-trading-bot/internal/sniper"
)

// ============================================================================
// MATCHER STATE
// ============================================================================

// ListOpenPositions returns every open position for boot hydration.
func (r *Repository) ListOpenPositions(ctx context.Context) ([]sniper.Position, error) {
	query := `
		SELECT position_id, coin, direction, entry_price, size_usd, entry_time,
		       stop_loss_price, take_profit_price, strategy_id, pattern_id, condition_id
		FROM open_trades
		ORDER BY entry_time
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []sniper.Position
	for rows.Next() {
		var p sniper.Position
		err := rows.Scan(
			&p.ID, &p.Coin, &p.Direction, &p.EntryPrice, &p.SizeUSD, &p.EntryTime,
			&p.StopLossPrice, &p.TakeProfitPrice, &p.StrategyID, &p.PatternID, &p.ConditionID,
		)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ReplaceConditions swaps the persisted condition set for the given one in
// a single transaction, mirroring the matcher's atomic replacement.
func (r *Repository) ReplaceConditions(ctx context.Context, conds []sniper.TradeCondition) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace conditions: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM active_conditions`); err != nil {
		return err
	}

	query := `
		INSERT INTO active_conditions (
			condition_id, coin, direction, trigger_price, trigger_condition,
			stop_loss_pct, take_profit_pct, position_size_usd, reasoning,
			strategy_id, pattern_id, created_at, valid_until
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	for _, c := range conds {
		_, err := tx.Exec(ctx, query,
			c.ID, c.Coin, c.Direction, c.TriggerPrice, c.TriggerCondition,
			c.StopLossPct, c.TakeProfitPct, c.PositionSizeUSD, c.Reasoning,
			c.StrategyID, c.PatternID, c.CreatedAt, c.ValidUntil,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// ListConditions returns the persisted condition set.
func (r *Repository) ListConditions(ctx context.Context) ([]sniper.TradeCondition, error) {
	query := `
		SELECT condition_id, coin, direction, trigger_price, trigger_condition,
		       stop_loss_pct, take_profit_pct, position_size_usd, reasoning,
		       strategy_id, pattern_id, created_at, valid_until
		FROM active_conditions
		ORDER BY created_at
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conds []sniper.TradeCondition
	for rows.Next() {
		var c sniper.TradeCondition
		err := rows.Scan(
			&c.ID, &c.Coin, &c.Direction, &c.TriggerPrice, &c.TriggerCondition,
			&c.StopLossPct, &c.TakeProfitPct, &c.PositionSizeUSD, &c.Reasoning,
			&c.StrategyID, &c.PatternID, &c.CreatedAt, &c.ValidUntil,
		)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	return conds, rows.Err()
}

// ReplaceCooldowns swaps the persisted cooldown map.
func (r *Repository) ReplaceCooldowns(ctx context.Context, cooldowns map[string]time.Time) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace cooldowns: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM coin_cooldowns`); err != nil {
		return err
	}
	for coin, until := range cooldowns {
		_, err := tx.Exec(ctx,
			`INSERT INTO coin_cooldowns (coin, expires_at) VALUES ($1, $2)`, coin, until)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// ListCooldowns returns the persisted cooldown map.
func (r *Repository) ListCooldowns(ctx context.Context) (map[string]time.Time, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT coin, expires_at FROM coin_cooldowns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cooldowns := make(map[string]time.Time)
	for rows.Next() {
		var coin string
		var until time.Time
		if err := rows.Scan(&coin, &until); err != nil {
			return nil, err
		}
		cooldowns[coin] = until
	}
	return cooldowns, rows.Err()
}

// SaveRuntimeState upserts the single scalar-state row.
func (r *Repository) SaveRuntimeState(ctx context.Context, st sniper.RuntimeState) error {
	query := `
		INSERT INTO runtime_state (
			id, starting_balance, available_balance, total_pnl,
			closed_trades, wins, tick_count, uptime_seconds, saved_at
		) VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			starting_balance = EXCLUDED.starting_balance,
			available_balance = EXCLUDED.available_balance,
			total_pnl = EXCLUDED.total_pnl,
			closed_trades = EXCLUDED.closed_trades,
			wins = EXCLUDED.wins,
			tick_count = EXCLUDED.tick_count,
			uptime_seconds = EXCLUDED.uptime_seconds,
			saved_at = EXCLUDED.saved_at
	`
	_, err := r.db.Pool.Exec(ctx, query,
		st.StartingBalance, st.AvailableBalance, st.TotalPnL,
		st.ClosedTrades, st.Wins, st.TickCount, st.UptimeSeconds, st.SavedAt,
	)
	return err
}

// LoadRuntimeState returns the saved scalar state, or nil on first boot.
func (r *Repository) LoadRuntimeState(ctx context.Context) (*sniper.RuntimeState, error) {
	query := `
		SELECT starting_balance, available_balance, total_pnl,
		       closed_trades, wins, tick_count, uptime_seconds, saved_at
		FROM runtime_state
		WHERE id = 1
	`
	var st sniper.RuntimeState
	err := r.db.Pool.QueryRow(ctx, query).Scan(
		&st.StartingBalance, &st.AvailableBalance, &st.TotalPnL,
		&st.ClosedTrades, &st.Wins, &st.TickCount, &st.UptimeSeconds, &st.SavedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}
