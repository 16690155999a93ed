package database

import (
	"context"
	"encoding/json"

	"paper-trading-bot/internal/knowledge"
)

// ============================================================================
// COIN SCORES
// ============================================================================

// SaveCoinScore upserts one coin's learned record.
func (r *Repository) SaveCoinScore(ctx context.Context, score knowledge.CoinScore) error {
	query := `
		INSERT INTO coin_scores (
			coin, total_trades, wins, losses, total_pnl, avg_pnl, win_rate,
			avg_winner, avg_loser, status, is_blacklisted, blacklist_reason, trend, last_updated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (coin) DO UPDATE SET
			total_trades = EXCLUDED.total_trades,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			total_pnl = EXCLUDED.total_pnl,
			avg_pnl = EXCLUDED.avg_pnl,
			win_rate = EXCLUDED.win_rate,
			avg_winner = EXCLUDED.avg_winner,
			avg_loser = EXCLUDED.avg_loser,
			status = EXCLUDED.status,
			is_blacklisted = EXCLUDED.is_blacklisted,
			blacklist_reason = EXCLUDED.blacklist_reason,
			trend = EXCLUDED.trend,
			last_updated = EXCLUDED.last_updated
	`
	_, err := r.db.Pool.Exec(ctx, query,
		score.Coin, score.TotalTrades, score.Wins, score.Losses, score.TotalPnL,
		score.AvgPnL, score.WinRate, score.AvgWinner, score.AvgLoser, score.Status,
		score.IsBlacklisted, score.BlacklistReason, score.Trend, score.LastUpdated,
	)
	return err
}

// ListCoinScores returns every coin score for boot hydration.
func (r *Repository) ListCoinScores(ctx context.Context) ([]knowledge.CoinScore, error) {
	query := `
		SELECT coin, total_trades, wins, losses, total_pnl, avg_pnl, win_rate,
		       avg_winner, avg_loser, status, is_blacklisted, blacklist_reason, trend, last_updated
		FROM coin_scores
		ORDER BY coin
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scores []knowledge.CoinScore
	for rows.Next() {
		var s knowledge.CoinScore
		err := rows.Scan(
			&s.Coin, &s.TotalTrades, &s.Wins, &s.Losses, &s.TotalPnL, &s.AvgPnL, &s.WinRate,
			&s.AvgWinner, &s.AvgLoser, &s.Status, &s.IsBlacklisted, &s.BlacklistReason, &s.Trend, &s.LastUpdated,
		)
		if err != nil {
			return nil, err
		}
		scores = append(scores, s)
	}
	return scores, rows.Err()
}

// ============================================================================
// TRADING PATTERNS
// ============================================================================

// SavePattern upserts one learned pattern.
func (r *Repository) SavePattern(ctx context.Context, pattern knowledge.TradingPattern) error {
	entryJSON, err := json.Marshal(pattern.EntryConditions)
	if err != nil {
		entryJSON = []byte("{}")
	}
	exitJSON, err := json.Marshal(pattern.ExitConditions)
	if err != nil {
		exitJSON = []byte("{}")
	}

	query := `
		INSERT INTO trading_patterns (
			pattern_id, description, entry_conditions, exit_conditions,
			times_used, wins, losses, total_pnl, confidence, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (pattern_id) DO UPDATE SET
			description = EXCLUDED.description,
			entry_conditions = EXCLUDED.entry_conditions,
			exit_conditions = EXCLUDED.exit_conditions,
			times_used = EXCLUDED.times_used,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			total_pnl = EXCLUDED.total_pnl,
			confidence = EXCLUDED.confidence,
			is_active = EXCLUDED.is_active
	`
	_, err = r.db.Pool.Exec(ctx, query,
		pattern.PatternID, pattern.Description, entryJSON, exitJSON,
		pattern.TimesUsed, pattern.Wins, pattern.Losses, pattern.TotalPnL,
		pattern.Confidence, pattern.IsActive,
	)
	return err
}

// ListPatterns returns every pattern, active or not.
func (r *Repository) ListPatterns(ctx context.Context) ([]knowledge.TradingPattern, error) {
	query := `
		SELECT pattern_id, description, entry_conditions, exit_conditions,
		       times_used, wins, losses, total_pnl, confidence, is_active
		FROM trading_patterns
		ORDER BY pattern_id
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []knowledge.TradingPattern
	for rows.Next() {
		var p knowledge.TradingPattern
		var entryJSON, exitJSON []byte

		err := rows.Scan(
			&p.PatternID, &p.Description, &entryJSON, &exitJSON,
			&p.TimesUsed, &p.Wins, &p.Losses, &p.TotalPnL, &p.Confidence, &p.IsActive,
		)
		if err != nil {
			return nil, err
		}
		if len(entryJSON) > 0 {
			json.Unmarshal(entryJSON, &p.EntryConditions)
		}
		if len(exitJSON) > 0 {
			json.Unmarshal(exitJSON, &p.ExitConditions)
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// ============================================================================
// REGIME RULES
// ============================================================================

// SaveRule upserts one regime rule.
func (r *Repository) SaveRule(ctx context.Context, rule knowledge.RegimeRule) error {
	condJSON, err := json.Marshal(rule.Condition)
	if err != nil {
		condJSON = []byte("{}")
	}

	query := `
		INSERT INTO regime_rules (
			rule_id, description, condition, action, times_triggered, estimated_saves, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (rule_id) DO UPDATE SET
			description = EXCLUDED.description,
			condition = EXCLUDED.condition,
			action = EXCLUDED.action,
			times_triggered = EXCLUDED.times_triggered,
			estimated_saves = EXCLUDED.estimated_saves,
			is_active = EXCLUDED.is_active
	`
	_, err = r.db.Pool.Exec(ctx, query,
		rule.RuleID, rule.Description, condJSON, rule.Action,
		rule.TimesTriggered, rule.EstimatedSaves, rule.IsActive,
	)
	return err
}

// ListRules returns every regime rule, active or not.
func (r *Repository) ListRules(ctx context.Context) ([]knowledge.RegimeRule, error) {
	query := `
		SELECT rule_id, description, condition, action, times_triggered, estimated_saves, is_active
		FROM regime_rules
		ORDER BY rule_id
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []knowledge.RegimeRule
	for rows.Next() {
		var rr knowledge.RegimeRule
		var condJSON []byte

		err := rows.Scan(
			&rr.RuleID, &rr.Description, &condJSON, &rr.Action,
			&rr.TimesTriggered, &rr.EstimatedSaves, &rr.IsActive,
		)
		if err != nil {
			return nil, err
		}
		if len(condJSON) > 0 {
			json.Unmarshal(condJSON, &rr.Condition)
		}
		rules = append(rules, rr)
	}
	return rules, rows.Err()
}
