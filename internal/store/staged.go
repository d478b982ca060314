package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optionsdaemon/putseller/pkg/types"
)

// StagedOpportunityRepository persists candidate trades ahead of submission.
type StagedOpportunityRepository struct {
	db *sql.DB
}

// Create inserts a newly scanned candidate.
func (r *StagedOpportunityRepository) Create(ctx context.Context, s *types.StagedOpportunity) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO staged_opportunities (id, underlying, strike, expiration, target_delta, target_dte,
			limit_price, contracts, staged_underlying_price, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Underlying, s.Strike.String(), s.Expiration.Format(time.RFC3339), s.TargetDelta.String(),
		s.TargetDTE, s.LimitPrice.String(), s.Contracts, s.StagedUnderlyingPrice.String(), string(s.Status),
		s.CreatedAt.Format(time.RFC3339Nano), s.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting staged opportunity %s: %w", s.ID, err)
	}
	return nil
}

// UpdateSelection applies the Live Strike Selector's result in place.
func (r *StagedOpportunityRepository) UpdateSelection(ctx context.Context, id string, strike, limitPrice decimal.Decimal, status types.StagedOpportunityStatus) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `
		UPDATE staged_opportunities SET strike = ?, limit_price = ?, status = ?, updated_at = ? WHERE id = ?`,
		strike.String(), limitPrice.String(), string(status), now, id)
	if err != nil {
		return fmt.Errorf("updating staged opportunity %s: %w", id, err)
	}
	return nil
}

// SetStatus performs a bare status transition.
func (r *StagedOpportunityRepository) SetStatus(ctx context.Context, id string, status types.StagedOpportunityStatus) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `UPDATE staged_opportunities SET status = ?, updated_at = ? WHERE id = ?`, string(status), now, id)
	if err != nil {
		return fmt.Errorf("setting staged opportunity %s status: %w", id, err)
	}
	return nil
}

// Pending returns staged or validated opportunities not yet submitted or
// abandoned, oldest first, for inclusion in the next reasoning context.
func (r *StagedOpportunityRepository) Pending(ctx context.Context) ([]*types.StagedOpportunity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, underlying, strike, expiration, target_delta, target_dte, limit_price, contracts,
			staged_underlying_price, status, created_at, updated_at
		FROM staged_opportunities WHERE status IN ('staged', 'validated') ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying pending staged opportunities: %w", err)
	}
	defer rows.Close()

	var out []*types.StagedOpportunity
	for rows.Next() {
		var s types.StagedOpportunity
		var strike, expiration, targetDelta, limitPrice, stagedPrice, status, createdAt, updatedAt string
		if err := rows.Scan(&s.ID, &s.Underlying, &strike, &expiration, &targetDelta, &s.TargetDTE, &limitPrice,
			&s.Contracts, &stagedPrice, &status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning pending staged opportunity: %w", err)
		}
		if s.Strike, err = decimal.NewFromString(strike); err != nil {
			return nil, err
		}
		if s.Expiration, err = time.Parse(time.RFC3339, expiration); err != nil {
			return nil, err
		}
		if s.TargetDelta, err = decimal.NewFromString(targetDelta); err != nil {
			return nil, err
		}
		if s.LimitPrice, err = decimal.NewFromString(limitPrice); err != nil {
			return nil, err
		}
		if s.StagedUnderlyingPrice, err = decimal.NewFromString(stagedPrice); err != nil {
			return nil, err
		}
		s.Status = types.StagedOpportunityStatus(status)
		if s.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, err
		}
		if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// Get fetches a staged opportunity by id.
func (r *StagedOpportunityRepository) Get(ctx context.Context, id string) (*types.StagedOpportunity, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, underlying, strike, expiration, target_delta, target_dte, limit_price, contracts,
			staged_underlying_price, status, created_at, updated_at
		FROM staged_opportunities WHERE id = ?`, id)

	var s types.StagedOpportunity
	var strike, expiration, targetDelta, limitPrice, stagedPrice, status, createdAt, updatedAt string
	if err := row.Scan(&s.ID, &s.Underlying, &strike, &expiration, &targetDelta, &s.TargetDTE, &limitPrice,
		&s.Contracts, &stagedPrice, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if s.Strike, err = decimal.NewFromString(strike); err != nil {
		return nil, err
	}
	if s.Expiration, err = time.Parse(time.RFC3339, expiration); err != nil {
		return nil, err
	}
	if s.TargetDelta, err = decimal.NewFromString(targetDelta); err != nil {
		return nil, err
	}
	if s.LimitPrice, err = decimal.NewFromString(limitPrice); err != nil {
		return nil, err
	}
	if s.StagedUnderlyingPrice, err = decimal.NewFromString(stagedPrice); err != nil {
		return nil, err
	}
	s.Status = types.StagedOpportunityStatus(status)
	if s.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}
