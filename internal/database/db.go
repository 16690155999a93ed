// Package database is the PostgreSQL persistence layer. It implements the
// repository interfaces declared by the sniper, knowledge, journal, learning
// and performance packages against one pgx connection pool, with the schema
// managed by in-process migrations at boot.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"paper-trading-bot/config"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB connects the pool and verifies the connection.
func NewDB(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "database").Logger()
	log.Info().Str("database", poolConfig.ConnConfig.Database).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations creates the schema. Every statement is idempotent so boot
// can run them unconditionally.
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		// Open positions, one row per live position, deleted on exit.
		`CREATE TABLE IF NOT EXISTS open_trades (
			position_id TEXT PRIMARY KEY,
			coin VARCHAR(20) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			size_usd DECIMAL(20, 8) NOT NULL,
			entry_time TIMESTAMPTZ NOT NULL,
			stop_loss_price DECIMAL(20, 8) NOT NULL,
			take_profit_price DECIMAL(20, 8) NOT NULL,
			strategy_id TEXT,
			pattern_id TEXT,
			condition_id TEXT,
			market_context JSONB,
			created_at TIMESTAMPTZ DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_open_trades_coin ON open_trades(coin)`,

		// The append-only trade journal. Post-exit price columns are filled
		// in by the capture timers after the row is written.
		`CREATE TABLE IF NOT EXISTS closed_trades (
			entry_id TEXT PRIMARY KEY,
			coin VARCHAR(20) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			size_usd DECIMAL(20, 8) NOT NULL,
			entry_time TIMESTAMPTZ NOT NULL,
			stop_loss_price DECIMAL(20, 8) NOT NULL,
			take_profit_price DECIMAL(20, 8) NOT NULL,
			strategy_id TEXT,
			pattern_id TEXT,
			condition_id TEXT,
			exit_price DECIMAL(20, 8) NOT NULL,
			exit_time TIMESTAMPTZ NOT NULL,
			exit_reason VARCHAR(20) NOT NULL,
			pnl_usd DECIMAL(20, 8) NOT NULL,
			pnl_pct DECIMAL(10, 4) NOT NULL,
			duration_s DECIMAL(14, 3) NOT NULL,
			market_context JSONB,
			hour_of_day INT NOT NULL,
			day_of_week INT NOT NULL,
			price_plus_1m DECIMAL(20, 8),
			price_plus_5m DECIMAL(20, 8),
			price_plus_15m DECIMAL(20, 8),
			missed_profit DECIMAL(20, 8),
			created_at TIMESTAMPTZ DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_trades_exit_time ON closed_trades(exit_time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_trades_coin ON closed_trades(coin)`,

		// The matcher's active condition set, replaced wholesale at each
		// checkpoint.
		`CREATE TABLE IF NOT EXISTS active_conditions (
			condition_id TEXT PRIMARY KEY,
			coin VARCHAR(20) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			trigger_price DECIMAL(20, 8) NOT NULL,
			trigger_condition VARCHAR(5) NOT NULL,
			stop_loss_pct DECIMAL(10, 4) NOT NULL,
			take_profit_pct DECIMAL(10, 4) NOT NULL,
			position_size_usd DECIMAL(20, 8) NOT NULL,
			reasoning TEXT,
			strategy_id TEXT,
			pattern_id TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			valid_until TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS coin_cooldowns (
			coin VARCHAR(20) PRIMARY KEY,
			expires_at TIMESTAMPTZ NOT NULL
		)`,

		// Single-row scalar matcher state.
		`CREATE TABLE IF NOT EXISTS runtime_state (
			id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			starting_balance DECIMAL(20, 8) NOT NULL,
			available_balance DECIMAL(20, 8) NOT NULL,
			total_pnl DECIMAL(20, 8) NOT NULL,
			closed_trades INT NOT NULL,
			wins INT NOT NULL,
			tick_count BIGINT NOT NULL,
			uptime_seconds DECIMAL(14, 3) NOT NULL,
			saved_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS coin_scores (
			coin VARCHAR(20) PRIMARY KEY,
			total_trades INT NOT NULL DEFAULT 0,
			wins INT NOT NULL DEFAULT 0,
			losses INT NOT NULL DEFAULT 0,
			total_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			avg_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			win_rate DECIMAL(10, 4) NOT NULL DEFAULT 0,
			avg_winner DECIMAL(20, 8) NOT NULL DEFAULT 0,
			avg_loser DECIMAL(20, 8) NOT NULL DEFAULT 0,
			status VARCHAR(15) NOT NULL,
			is_blacklisted BOOLEAN NOT NULL DEFAULT FALSE,
			blacklist_reason TEXT,
			trend VARCHAR(10) NOT NULL,
			last_updated TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS trading_patterns (
			pattern_id TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			entry_conditions JSONB,
			exit_conditions JSONB,
			times_used INT NOT NULL DEFAULT 0,
			wins INT NOT NULL DEFAULT 0,
			losses INT NOT NULL DEFAULT 0,
			total_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			confidence DECIMAL(5, 4) NOT NULL DEFAULT 0.5,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`,

		`CREATE TABLE IF NOT EXISTS regime_rules (
			rule_id TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			condition JSONB,
			action VARCHAR(15) NOT NULL,
			times_triggered INT NOT NULL DEFAULT 0,
			estimated_saves DECIMAL(20, 8) NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`,

		`CREATE TABLE IF NOT EXISTS reflections (
			reflection_id TEXT PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			trades_analyzed INT NOT NULL,
			summary TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reflections_timestamp ON reflections(timestamp DESC)`,

		`CREATE TABLE IF NOT EXISTS insights (
			insight_id TEXT PRIMARY KEY,
			reflection_id TEXT NOT NULL REFERENCES reflections(reflection_id) ON DELETE CASCADE,
			timestamp TIMESTAMPTZ NOT NULL,
			type VARCHAR(10) NOT NULL,
			category VARCHAR(15) NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			evidence TEXT,
			suggested_action TEXT,
			confidence DECIMAL(5, 4) NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_insights_timestamp ON insights(timestamp DESC)`,

		// The adaptation audit trail. pre/post metrics ride as JSONB so the
		// payload can grow without schema churn.
		`CREATE TABLE IF NOT EXISTS adaptations (
			adaptation_id TEXT PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			insight_type VARCHAR(10),
			action VARCHAR(20) NOT NULL,
			target TEXT NOT NULL,
			description TEXT,
			pre_metrics JSONB,
			insight_confidence DECIMAL(5, 4),
			insight_evidence TEXT,
			post_metrics JSONB,
			effectiveness VARCHAR(20) NOT NULL DEFAULT 'pending',
			effectiveness_measured_at TIMESTAMPTZ,
			rollback_flagged BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_adaptations_timestamp ON adaptations(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_adaptations_effectiveness ON adaptations(effectiveness)`,

		`CREATE TABLE IF NOT EXISTS profit_snapshots (
			id SERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			timeframe VARCHAR(10) NOT NULL,
			total_pnl DECIMAL(20, 8) NOT NULL,
			win_rate DECIMAL(10, 4) NOT NULL,
			profit_factor DECIMAL(12, 4) NOT NULL,
			max_drawdown DECIMAL(10, 4) NOT NULL,
			sharpe DECIMAL(12, 4),
			trade_count INT NOT NULL,
			balance DECIMAL(20, 8) NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_profit_snapshots_frame_time ON profit_snapshots(timeframe, timestamp DESC)`,

		`CREATE TABLE IF NOT EXISTS equity_points (
			id SERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			equity DECIMAL(20, 8) NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_equity_points_timestamp ON equity_points(timestamp DESC)`,

		`CREATE TABLE IF NOT EXISTS activity_log (
			id SERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			type VARCHAR(30) NOT NULL,
			message TEXT NOT NULL,
			details JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_log_timestamp ON activity_log(timestamp DESC)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}

	db.logger.Info().Int("statements", len(migrations)).Msg("Database migrations completed")
	return nil
}
