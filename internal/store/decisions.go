package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optionsdaemon/putseller/pkg/types"
)

// DecisionRepository is the append-only audit trail of every reasoning
// engine output, plus nearest-neighbor retrieval over its embeddings.
type DecisionRepository struct {
	db *sql.DB
}

// Create inserts a Decision row.
func (r *DecisionRepository) Create(ctx context.Context, d *types.Decision) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO decisions (id, session_id, event_ref, reasoning_context, engine_output, action,
			action_result, autonomy_level, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SessionID, d.EventRef, d.ReasoningContext, d.EngineOutput, string(d.Action),
		d.ActionResult, d.AutonomyLevel, d.Cost.String(), d.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting decision %s: %w", d.ID, err)
	}
	return nil
}

// CostSince sums reasoning-engine cost for decisions created at or after
// since, for the daily cost cap.
func (r *DecisionRepository) CostSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	var sum sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT SUM(CAST(cost AS REAL)) FROM decisions WHERE created_at >= ?`, since.Format(time.RFC3339Nano)).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("summing decision cost since %s: %w", since, err)
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(sum.String)
}

// Recent returns the most recent decisions, newest first, for inclusion in
// the reasoning context's short-term memory of its own prior outputs.
func (r *DecisionRepository) Recent(ctx context.Context, limit int) ([]*types.Decision, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, event_ref, reasoning_context, engine_output, action, action_result,
			autonomy_level, cost, created_at
		FROM decisions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent decisions: %w", err)
	}
	defer rows.Close()

	var out []*types.Decision
	for rows.Next() {
		var d types.Decision
		var action, cost, createdAt string
		if err := rows.Scan(&d.ID, &d.SessionID, &d.EventRef, &d.ReasoningContext, &d.EngineOutput, &action,
			&d.ActionResult, &d.AutonomyLevel, &cost, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning recent decision: %w", err)
		}
		d.Action = types.DecisionAction(action)
		if d.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// PutEmbedding stores (or replaces) a decision's retrieval embedding. A
// failed embedding call upstream simply skips this write; retrieval treats
// the decision as absent, never blocking the main path.
func (r *DecisionRepository) PutEmbedding(ctx context.Context, e *types.DecisionEmbedding) error {
	vec := make([]string, len(e.Vector))
	for i, v := range e.Vector {
		vec[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO decision_embeddings (decision_id, summary, vector, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (decision_id) DO UPDATE SET summary = excluded.summary, vector = excluded.vector`,
		e.DecisionID, e.Summary, strings.Join(vec, ","), e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("storing embedding for decision %s: %w", e.DecisionID, err)
	}
	return nil
}

// RecentEmbeddings returns embeddings created strictly before cutoff, the
// candidate pool for retrieveSimilar's one-hour exclusion window.
func (r *DecisionRepository) RecentEmbeddings(ctx context.Context, cutoff time.Time, limit int) ([]*types.DecisionEmbedding, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT decision_id, summary, vector, created_at FROM decision_embeddings
		WHERE created_at < ? ORDER BY created_at DESC LIMIT ?`, cutoff.Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent embeddings: %w", err)
	}
	defer rows.Close()

	var out []*types.DecisionEmbedding
	for rows.Next() {
		var e types.DecisionEmbedding
		var vecStr, createdAt string
		if err := rows.Scan(&e.DecisionID, &e.Summary, &vecStr, &createdAt); err != nil {
			return nil, err
		}
		e.Vector = parseVector(vecStr)
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing embedding created_at: %w", err)
		}
		e.CreatedAt = t
		out = append(out, &e)
	}
	return out, rows.Err()
}

func parseVector(s string) []float64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	vec := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			continue
		}
		vec = append(vec, f)
	}
	return vec
}
