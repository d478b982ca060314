package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optionsdaemon/putseller/pkg/types"
)

// SystemStateRepository is the key-value kill-switch and heartbeat store.
type SystemStateRepository struct {
	db *sql.DB
}

// Load returns the current SystemState, defaulting trading_halted=false and
// a zero heartbeat if no row exists yet.
func (r *SystemStateRepository) Load(ctx context.Context) (*types.SystemState, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM system_state`)
	if err != nil {
		return nil, fmt.Errorf("loading system state: %w", err)
	}
	defer rows.Close()

	state := &types.SystemState{DailyCostCap: decimal.NewFromInt(10)}
	kv := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		kv[k] = v
	}
	if v, ok := kv["trading_halted"]; ok {
		state.TradingHalted = v == "true"
	}
	state.HaltReason = kv["halt_reason"]
	state.CurrentActivity = kv["current_activity"]
	state.CostResetDate = kv["cost_reset_date"]
	if v, ok := kv["last_heartbeat"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			state.LastHeartbeat = t
		}
	}
	if v, ok := kv["daily_cost_used"]; ok {
		if d, err := decimal.NewFromString(v); err == nil {
			state.DailyCostUsed = d
		}
	}
	if v, ok := kv["daily_cost_cap"]; ok {
		if d, err := decimal.NewFromString(v); err == nil {
			state.DailyCostCap = d
		}
	}
	return state, nil
}

// SetKillSwitch halts or resumes trading with an explicit reason.
func (r *SystemStateRepository) SetKillSwitch(ctx context.Context, halted bool, reason string) error {
	return r.set(ctx, map[string]string{
		"trading_halted": boolString(halted),
		"halt_reason":    reason,
	})
}

// Heartbeat records the daemon's current liveness and activity.
func (r *SystemStateRepository) Heartbeat(ctx context.Context, activity string) error {
	return r.set(ctx, map[string]string{
		"last_heartbeat":   time.Now().UTC().Format(time.RFC3339Nano),
		"current_activity": activity,
	})
}

// AddDailyCost accumulates spend against the daily reasoning-engine cap,
// resetting the counter when the calendar day rolls over.
func (r *SystemStateRepository) AddDailyCost(ctx context.Context, cost decimal.Decimal, today string) error {
	state, err := r.Load(ctx)
	if err != nil {
		return err
	}
	used := state.DailyCostUsed
	if state.CostResetDate != today {
		used = decimal.Zero
	}
	used = used.Add(cost)
	return r.set(ctx, map[string]string{
		"daily_cost_used":  used.String(),
		"cost_reset_date":  today,
	})
}

func (r *SystemStateRepository) set(ctx context.Context, kv map[string]string) error {
	return runInTx(ctx, r.db, func(tx *sql.Tx) error {
		for k, v := range kv {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO system_state (key, value) VALUES (?, ?)
				ON CONFLICT (key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
				return fmt.Errorf("setting system_state[%s]: %w", k, err)
			}
		}
		return nil
	})
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
