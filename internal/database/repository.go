package database

import (
	"context"

	"paper-trading-bot/internal/journal"
	"paper-trading-bot/internal/knowledge"
	"paper-trading-bot/internal/learning"
	"paper-trading-bot/internal/performance"
	"paper-trading-bot/internal/sniper"
)

// Repository provides data access over the shared pool. One instance
// serves every component; methods are safe for concurrent use.
type Repository struct {
	db *DB
}

// The repository satisfies every persistence contract in the tree.
var (
	_ sniper.StateRepository      = (*Repository)(nil)
	_ knowledge.Repository        = (*Repository)(nil)
	_ journal.Repository          = (*Repository)(nil)
	_ learning.ReflectionStore    = (*Repository)(nil)
	_ learning.AdaptationStore    = (*Repository)(nil)
	_ learning.EffectivenessStore = (*Repository)(nil)
	_ performance.Repository      = (*Repository)(nil)
)

// NewRepository creates a repository over an open pool.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck pings the database.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}
