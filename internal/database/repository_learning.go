package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"paper-trading-bot/internal/learning"
)

// ============================================================================
// REFLECTIONS AND INSIGHTS
// ============================================================================

// InsertReflection writes a reflection round and its insights in one
// transaction. Insight rows get their ids here.
func (r *Repository) InsertReflection(ctx context.Context, refl learning.Reflection) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert reflection: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO reflections (reflection_id, timestamp, trades_analyzed, summary) VALUES ($1, $2, $3, $4)`,
		refl.ID, refl.Timestamp, refl.TradesAnalyzed, refl.Summary)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO insights (
			insight_id, reflection_id, timestamp, type, category,
			title, description, evidence, suggested_action, confidence
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	for _, in := range refl.Insights {
		_, err := tx.Exec(ctx, query,
			uuid.New().String(), refl.ID, refl.Timestamp, in.Type, in.Category,
			in.Title, in.Description, in.Evidence, in.SuggestedAction, in.Confidence,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// InsightsSince returns insights produced at or after the given time,
// newest first.
func (r *Repository) InsightsSince(ctx context.Context, since time.Time) ([]learning.StoredInsight, error) {
	query := `
		SELECT insight_id, reflection_id, timestamp, type, category,
		       title, description, evidence, suggested_action, confidence
		FROM insights
		WHERE timestamp >= $1
		ORDER BY timestamp DESC
	`
	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var insights []learning.StoredInsight
	for rows.Next() {
		var si learning.StoredInsight
		err := rows.Scan(
			&si.ID, &si.ReflectionID, &si.Timestamp, &si.Type, &si.Category,
			&si.Title, &si.Description, &si.Evidence, &si.SuggestedAction, &si.Confidence,
		)
		if err != nil {
			return nil, err
		}
		insights = append(insights, si)
	}
	return insights, rows.Err()
}

// ============================================================================
// ADAPTATIONS
// ============================================================================

// InsertAdaptation appends one adaptation audit row.
func (r *Repository) InsertAdaptation(ctx context.Context, a learning.Adaptation) error {
	preJSON, err := json.Marshal(a.PreMetrics)
	if err != nil {
		preJSON = []byte("{}")
	}

	query := `
		INSERT INTO adaptations (
			adaptation_id, timestamp, insight_type, action, target, description,
			pre_metrics, insight_confidence, insight_evidence, effectiveness, rollback_flagged
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		a.AdaptationID, a.Timestamp, a.InsightType, a.Action, a.Target, a.Description,
		preJSON, a.InsightConfidence, a.InsightEvidence, a.Effectiveness, a.RollbackFlagged,
	)
	return err
}

// GetAdaptation returns one adaptation by id, or nil when none exists.
func (r *Repository) GetAdaptation(ctx context.Context, id string) (*learning.Adaptation, error) {
	query := adaptationSelect + ` WHERE adaptation_id = $1`
	rows, err := r.queryAdaptations(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// SetAdaptationEffectiveness overwrites the effectiveness label, used when
// an adaptation is rolled back.
func (r *Repository) SetAdaptationEffectiveness(ctx context.Context, id, effectiveness string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE adaptations SET effectiveness = $2 WHERE adaptation_id = $1`, id, effectiveness)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return learning.ErrAdaptationNotFound
	}
	return nil
}

// PendingAdaptations returns unmeasured adaptations applied before the
// given time, oldest first.
func (r *Repository) PendingAdaptations(ctx context.Context, olderThan time.Time) ([]learning.Adaptation, error) {
	query := adaptationSelect + `
		WHERE effectiveness = $1 AND timestamp < $2
		ORDER BY timestamp
	`
	return r.queryAdaptations(ctx, query, learning.EffectivenessPending, olderThan)
}

// UpdateAdaptationOutcome records the measured post metrics and rating.
func (r *Repository) UpdateAdaptationOutcome(ctx context.Context, id string, post learning.Metrics, rating string, measuredAt time.Time, rollbackFlagged bool) error {
	postJSON, err := json.Marshal(post)
	if err != nil {
		postJSON = []byte("{}")
	}

	query := `
		UPDATE adaptations
		SET post_metrics = $2, effectiveness = $3, effectiveness_measured_at = $4, rollback_flagged = $5
		WHERE adaptation_id = $1
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, postJSON, rating, measuredAt, rollbackFlagged)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return learning.ErrAdaptationNotFound
	}
	return nil
}

// ListAdaptations returns the newest adaptations for the dashboard.
func (r *Repository) ListAdaptations(ctx context.Context, limit int) ([]learning.Adaptation, error) {
	query := adaptationSelect + `
		ORDER BY timestamp DESC
		LIMIT $1
	`
	return r.queryAdaptations(ctx, query, limit)
}

const adaptationSelect = `
		SELECT adaptation_id, timestamp, insight_type, action, target, description,
		       pre_metrics, insight_confidence, insight_evidence, post_metrics,
		       effectiveness, effectiveness_measured_at, rollback_flagged
		FROM adaptations`

func (r *Repository) queryAdaptations(ctx context.Context, query string, args ...interface{}) ([]learning.Adaptation, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	var adaptations []learning.Adaptation
	for rows.Next() {
		var a learning.Adaptation
		var preJSON, postJSON []byte

		err := rows.Scan(
			&a.AdaptationID, &a.Timestamp, &a.InsightType, &a.Action, &a.Target, &a.Description,
			&preJSON, &a.InsightConfidence, &a.InsightEvidence, &postJSON,
			&a.Effectiveness, &a.EffectivenessMeasuredAt, &a.RollbackFlagged,
		)
		if err != nil {
			return nil, err
		}
		if len(preJSON) > 0 {
			json.Unmarshal(preJSON, &a.PreMetrics)
		}
		if len(postJSON) > 0 {
			var post learning.Metrics
			if json.Unmarshal(postJSON, &post) == nil {
				a.PostMetrics = &post
			}
		}
		adaptations = append(adaptations, a)
	}
	return adaptations, rows.Err()
}
