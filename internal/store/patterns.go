package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optionsdaemon/putseller/pkg/types"
)

// PatternRepository persists statistically significant patterns detected
// by the learning loop.
type PatternRepository struct {
	db *sql.DB
}

// Create inserts a newly detected Pattern.
func (r *PatternRepository) Create(ctx context.Context, p *types.Pattern) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO patterns (id, category, name, sample_size, win_rate, avg_roi, confidence,
			p_value, effect_size, status, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Category, p.Name, p.SampleSize, p.WinRate.String(), p.AvgROI.String(), p.Confidence.String(),
		p.PValue.String(), p.EffectSize.String(), string(p.Status), p.DetectedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting pattern %s: %w", p.ID, err)
	}
	return nil
}

// Confirmed returns all patterns still being monitored.
func (r *PatternRepository) Confirmed(ctx context.Context) ([]*types.Pattern, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, category, name, sample_size, win_rate, avg_roi, confidence, p_value, effect_size, status, detected_at
		FROM patterns WHERE status = ?`, string(types.PatternStatusConfirmed))
	if err != nil {
		return nil, fmt.Errorf("querying confirmed patterns: %w", err)
	}
	defer rows.Close()

	var out []*types.Pattern
	for rows.Next() {
		var p types.Pattern
		var winRate, avgROI, confidence, pValue, effectSize, status, detectedAt string
		if err := rows.Scan(&p.ID, &p.Category, &p.Name, &p.SampleSize, &winRate, &avgROI, &confidence,
			&pValue, &effectSize, &status, &detectedAt); err != nil {
			return nil, err
		}
		var perr error
		if p.WinRate, perr = decimal.NewFromString(winRate); perr != nil {
			return nil, perr
		}
		if p.AvgROI, perr = decimal.NewFromString(avgROI); perr != nil {
			return nil, perr
		}
		if p.Confidence, perr = decimal.NewFromString(confidence); perr != nil {
			return nil, perr
		}
		if p.PValue, perr = decimal.NewFromString(pValue); perr != nil {
			return nil, perr
		}
		if p.EffectSize, perr = decimal.NewFromString(effectSize); perr != nil {
			return nil, perr
		}
		p.Status = types.PatternStatus(status)
		if p.DetectedAt, perr = time.Parse(time.RFC3339Nano, detectedAt); perr != nil {
			return nil, perr
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
