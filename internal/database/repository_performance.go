package database

import (
	"context"
	"time"

	"paper-trading-bot/internal/performance"
)

// ============================================================================
// PROFIT SNAPSHOTS AND EQUITY
// ============================================================================

// ClosedTradePnLsSince returns the pnl pairs of trades closed at or after
// the given time, in exit order.
func (r *Repository) ClosedTradePnLsSince(ctx context.Context, since time.Time) ([]performance.TradePnL, error) {
	query := `
		SELECT pnl_usd, pnl_pct
		FROM closed_trades
		WHERE exit_time >= $1
		ORDER BY exit_time
	`
	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pnls []performance.TradePnL
	for rows.Next() {
		var p performance.TradePnL
		if err := rows.Scan(&p.PnLUSD, &p.PnLPct); err != nil {
			return nil, err
		}
		pnls = append(pnls, p)
	}
	return pnls, rows.Err()
}

// InsertSnapshot appends one profit snapshot.
func (r *Repository) InsertSnapshot(ctx context.Context, s performance.ProfitSnapshot) error {
	query := `
		INSERT INTO profit_snapshots (
			timestamp, timeframe, total_pnl, win_rate, profit_factor,
			max_drawdown, sharpe, trade_count, balance
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		s.Timestamp, s.Timeframe, s.TotalPnL, s.WinRate, s.ProfitFactor,
		s.MaxDrawdown, s.Sharpe, s.TradeCount, s.Balance,
	)
	return err
}

// SnapshotsSince returns snapshots of one timeframe taken at or after the
// given time, oldest first for charting.
func (r *Repository) SnapshotsSince(ctx context.Context, timeframe string, since time.Time) ([]performance.ProfitSnapshot, error) {
	query := `
		SELECT timestamp, timeframe, total_pnl, win_rate, profit_factor,
		       max_drawdown, sharpe, trade_count, balance
		FROM profit_snapshots
		WHERE timeframe = $1 AND timestamp >= $2
		ORDER BY timestamp
	`
	rows, err := r.db.Pool.Query(ctx, query, timeframe, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []performance.ProfitSnapshot
	for rows.Next() {
		var s performance.ProfitSnapshot
		err := rows.Scan(
			&s.Timestamp, &s.Timeframe, &s.TotalPnL, &s.WinRate, &s.ProfitFactor,
			&s.MaxDrawdown, &s.Sharpe, &s.TradeCount, &s.Balance,
		)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

// InsertEquityPoint appends one equity sample.
func (r *Repository) InsertEquityPoint(ctx context.Context, p performance.EquityPoint) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO equity_points (timestamp, equity) VALUES ($1, $2)`, p.Timestamp, p.Equity)
	return err
}

// EquityPointsSince returns equity samples at or after the given time,
// oldest first for charting.
func (r *Repository) EquityPointsSince(ctx context.Context, since time.Time) ([]performance.EquityPoint, error) {
	query := `
		SELECT timestamp, equity
		FROM equity_points
		WHERE timestamp >= $1
		ORDER BY timestamp
	`
	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []performance.EquityPoint
	for rows.Next() {
		var p performance.EquityPoint
		if err := rows.Scan(&p.Timestamp, &p.Equity); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
