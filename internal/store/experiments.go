package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optionsdaemon/putseller/pkg/types"
)

// ExperimentRepository persists A/B experiments over strategy parameters.
type ExperimentRepository struct {
	db *sql.DB
}

// Create inserts a new active Experiment.
func (r *ExperimentRepository) Create(ctx context.Context, e *types.Experiment) error {
	control, err := json.Marshal(e.ControlStats)
	if err != nil {
		return err
	}
	test, err := json.Marshal(e.TestStats)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO experiments (id, name, parameter, control_value, test_value, allocation_fraction,
			min_samples, control_stats, test_stats, status, started_at, decision_reason, deadline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.Parameter, e.ControlValue.String(), e.TestValue.String(), e.AllocationFraction.String(),
		e.MinSamples, string(control), string(test), string(e.Status), e.StartedAt.Format(time.RFC3339Nano),
		e.DecisionReason, e.Deadline.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting experiment %s: %w", e.ID, err)
	}
	return nil
}

// RecordArmOutcome appends one trade outcome to an arm's running stats.
func (r *ExperimentRepository) RecordArmOutcome(ctx context.Context, id string, arm string, win bool, roi decimal.Decimal) error {
	return runInTx(ctx, r.db, func(tx *sql.Tx) error {
		col := "control_stats"
		if arm == "test" {
			col = "test_stats"
		}
		var raw string
		if err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM experiments WHERE id = ?`, col), id).Scan(&raw); err != nil {
			return fmt.Errorf("reading %s for experiment %s: %w", col, id, err)
		}
		var stats types.ArmStats
		if err := json.Unmarshal([]byte(raw), &stats); err != nil {
			return err
		}
		stats.Samples++
		if win {
			stats.Wins++
		}
		stats.SumROI = stats.SumROI.Add(roi)
		stats.SumSq = stats.SumSq.Add(roi.Mul(roi))
		updated, err := json.Marshal(stats)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE experiments SET %s = ? WHERE id = ?`, col), string(updated), id)
		return err
	})
}

// Finish transitions an experiment to a terminal status.
func (r *ExperimentRepository) Finish(ctx context.Context, id string, status types.ExperimentStatus, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `
		UPDATE experiments SET status = ?, finished_at = ?, decision_reason = ? WHERE id = ?`,
		string(status), now, reason, id)
	if err != nil {
		return fmt.Errorf("finishing experiment %s: %w", id, err)
	}
	return nil
}

// Active returns all experiments currently running.
func (r *ExperimentRepository) Active(ctx context.Context) ([]*types.Experiment, error) {
	rows, err := r.db.QueryContext(ctx, experimentSelectCols+` FROM experiments WHERE status = ?`, string(types.ExperimentStatusActive))
	if err != nil {
		return nil, fmt.Errorf("querying active experiments: %w", err)
	}
	defer rows.Close()
	return scanExperiments(rows)
}

// Get fetches an experiment by id.
func (r *ExperimentRepository) Get(ctx context.Context, id string) (*types.Experiment, error) {
	row := r.db.QueryRowContext(ctx, experimentSelectCols+` FROM experiments WHERE id = ?`, id)
	var e types.Experiment
	var controlValue, testValue, allocation, controlStats, testStats, status, startedAt, deadline string
	var finishedAt, decisionReason sql.NullString
	if err := row.Scan(&e.ID, &e.Name, &e.Parameter, &controlValue, &testValue, &allocation, &e.MinSamples,
		&controlStats, &testStats, &status, &startedAt, &finishedAt, &decisionReason, &deadline); err != nil {
		return nil, err
	}
	return fillExperiment(&e, controlValue, testValue, allocation, controlStats, testStats, status, startedAt, finishedAt, decisionReason, deadline)
}

const experimentSelectCols = `
	SELECT id, name, parameter, control_value, test_value, allocation_fraction, min_samples,
		control_stats, test_stats, status, started_at, finished_at, decision_reason, deadline`

func scanExperiments(rows *sql.Rows) ([]*types.Experiment, error) {
	var out []*types.Experiment
	for rows.Next() {
		var e types.Experiment
		var controlValue, testValue, allocation, controlStats, testStats, status, startedAt, deadline string
		var finishedAt, decisionReason sql.NullString
		if err := rows.Scan(&e.ID, &e.Name, &e.Parameter, &controlValue, &testValue, &allocation, &e.MinSamples,
			&controlStats, &testStats, &status, &startedAt, &finishedAt, &decisionReason, &deadline); err != nil {
			return nil, err
		}
		exp, err := fillExperiment(&e, controlValue, testValue, allocation, controlStats, testStats, status, startedAt, finishedAt, decisionReason, deadline)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

func fillExperiment(e *types.Experiment, controlValue, testValue, allocation, controlStats, testStats, status, startedAt string,
	finishedAt, decisionReason sql.NullString, deadline string) (*types.Experiment, error) {
	var err error
	if e.ControlValue, err = decimal.NewFromString(controlValue); err != nil {
		return nil, err
	}
	if e.TestValue, err = decimal.NewFromString(testValue); err != nil {
		return nil, err
	}
	if e.AllocationFraction, err = decimal.NewFromString(allocation); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(controlStats), &e.ControlStats); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(testStats), &e.TestStats); err != nil {
		return nil, err
	}
	e.Status = types.ExperimentStatus(status)
	if e.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, err
	}
	if e.Deadline, err = time.Parse(time.RFC3339Nano, deadline); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err == nil {
			e.FinishedAt = &t
		}
	}
	if decisionReason.Valid {
		e.DecisionReason = decisionReason.String
	}
	return e, nil
}
