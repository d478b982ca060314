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

// TradeRepository persists Trade rows and their append-only snapshots.
type TradeRepository struct {
	db *sql.DB
}

// Create inserts a new Trade, typically in the pending or working status at
// submission time.
func (r *TradeRepository) Create(ctx context.Context, t *types.Trade) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trades (id, broker_exec_id, underlying, right, strike, expiration, contracts,
			entry_premium, entry_time, realized_pnl, commission, status, strategy_tag,
			rolled_from, roll_count, experiment_arm, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.BrokerExecID, t.Underlying, string(t.Right), t.Strike.String(), t.Expiration.Format(time.RFC3339),
		t.Contracts, t.EntryPremium.String(), t.EntryTime.Format(time.RFC3339Nano),
		t.RealizedPnL.String(), t.Commission.String(), string(t.Status), t.StrategyTag,
		nullable(t.RolledFrom), t.RollCount, nullable(t.ExperimentArm),
		t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting trade %s: %w", t.ID, err)
	}
	return nil
}

// TransitionToOpen marks the Trade open and writes its EntrySnapshot in the
// same transaction, per the invariant that a Trade's EntrySnapshot is
// captured atomically with the open transition.
func (r *TradeRepository) TransitionToOpen(ctx context.Context, tradeID string, entryPremium decimal.Decimal, snapshot *types.Snapshot, snapshotJSON string) error {
	return runInTx(ctx, r.db, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx, `
			UPDATE trades SET status = ?, entry_premium = ?, updated_at = ? WHERE id = ?`,
			string(types.TradeStatusOpen), entryPremium.String(), now, tradeID); err != nil {
			return fmt.Errorf("transitioning trade %s to open: %w", tradeID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (trade_id, kind, captured_at, payload) VALUES (?, 'entry', ?, ?)
			ON CONFLICT (trade_id, kind) DO UPDATE SET captured_at = excluded.captured_at, payload = excluded.payload`,
			tradeID, snapshot.CapturedAt.Format(time.RFC3339Nano), snapshotJSON); err != nil {
			return fmt.Errorf("writing entry snapshot for trade %s: %w", tradeID, err)
		}
		return nil
	})
}

// TransitionToClosed marks the Trade closed and writes its ExitSnapshot in
// the same transaction.
func (r *TradeRepository) TransitionToClosed(ctx context.Context, tradeID string, exitPremium, realizedPnL, commissionDelta decimal.Decimal, exitKind types.ExitKind, snapshot *types.Snapshot, snapshotJSON string) error {
	return runInTx(ctx, r.db, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx, `
			UPDATE trades SET status = ?, exit_premium = ?, exit_time = ?, exit_kind = ?,
				realized_pnl = realized_pnl + ?, commission = commission + ?, updated_at = ?
			WHERE id = ?`,
			string(types.TradeStatusClosed), exitPremium.String(), now, string(exitKind),
			realizedPnL.String(), commissionDelta.String(), now, tradeID); err != nil {
			return fmt.Errorf("transitioning trade %s to closed: %w", tradeID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (trade_id, kind, captured_at, payload) VALUES (?, 'exit', ?, ?)
			ON CONFLICT (trade_id, kind) DO UPDATE SET captured_at = excluded.captured_at, payload = excluded.payload`,
			tradeID, snapshot.CapturedAt.Format(time.RFC3339Nano), snapshotJSON); err != nil {
			return fmt.Errorf("writing exit snapshot for trade %s: %w", tradeID, err)
		}
		return nil
	})
}

// SetStatus performs a bare status transition (e.g. working -> closing)
// without a snapshot write.
func (r *TradeRepository) SetStatus(ctx context.Context, tradeID string, status types.TradeStatus) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `UPDATE trades SET status = ?, updated_at = ? WHERE id = ?`, string(status), now, tradeID)
	if err != nil {
		return fmt.Errorf("setting trade %s status: %w", tradeID, err)
	}
	return nil
}

// IncrementRollCount bumps roll_count and links rolled_from.
func (r *TradeRepository) IncrementRollCount(ctx context.Context, tradeID, rolledFrom string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `
		UPDATE trades SET roll_count = roll_count + 1, rolled_from = ?, updated_at = ? WHERE id = ?`,
		rolledFrom, now, tradeID)
	if err != nil {
		return fmt.Errorf("incrementing roll count for trade %s: %w", tradeID, err)
	}
	return nil
}

// SetExperimentArm tags a trade with the A/B arm it was entered under,
// set once its entry fills and entry_time is known, matching the stable
// hash the Learning Loop used to allocate it.
func (r *TradeRepository) SetExperimentArm(ctx context.Context, tradeID, arm string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `UPDATE trades SET experiment_arm = ?, updated_at = ? WHERE id = ?`, arm, now, tradeID)
	if err != nil {
		return fmt.Errorf("tagging trade %s with experiment arm: %w", tradeID, err)
	}
	return nil
}

// Get fetches a Trade by id.
func (r *TradeRepository) Get(ctx context.Context, id string) (*types.Trade, error) {
	row := r.db.QueryRowContext(ctx, tradeSelectCols+` FROM trades WHERE id = ?`, id)
	return scanTrade(row)
}

// OpenByContract finds an open Trade for (underlying, strike, expiration,
// right), used by the Risk Governor's duplicate check.
func (r *TradeRepository) OpenByContract(ctx context.Context, underlying string, strike decimal.Decimal, expiration time.Time, right types.OptionRight) (*types.Trade, error) {
	row := r.db.QueryRowContext(ctx, tradeSelectCols+`
		FROM trades WHERE underlying = ? AND strike = ? AND expiration = ? AND right = ?
		AND status IN (?, ?, ?) LIMIT 1`,
		underlying, strike.String(), expiration.Format(time.RFC3339), string(right),
		string(types.TradeStatusPending), string(types.TradeStatusWorking), string(types.TradeStatusOpen))
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// OpenPositions returns all Trades not yet closed.
func (r *TradeRepository) OpenPositions(ctx context.Context) ([]*types.Trade, error) {
	rows, err := r.db.QueryContext(ctx, tradeSelectCols+` FROM trades WHERE status != ? ORDER BY entry_time`,
		string(types.TradeStatusClosed))
	if err != nil {
		return nil, fmt.Errorf("querying open positions: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// OpenedToday counts trades whose entry_time falls on the given trading
// date (YYYY-MM-DD, UTC).
func (r *TradeRepository) OpenedToday(ctx context.Context, tradingDate string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM trades WHERE substr(entry_time, 1, 10) = ?`, tradingDate).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting trades opened on %s: %w", tradingDate, err)
	}
	return count, nil
}

// HasTraded reports whether any Trade has ever been opened on underlying,
// used by the autonomy governor's new-symbol mandatory-review trigger.
func (r *TradeRepository) HasTraded(ctx context.Context, underlying string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM trades WHERE underlying = ?`, underlying).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking trade history for %s: %w", underlying, err)
	}
	return count > 0, nil
}

// ClosedSince returns closed trades with exit_time >= since, used by the
// learning loop's pattern detection.
func (r *TradeRepository) ClosedSince(ctx context.Context, since time.Time) ([]*types.Trade, error) {
	rows, err := r.db.QueryContext(ctx, tradeSelectCols+`
		FROM trades WHERE status = ? AND exit_time >= ? ORDER BY exit_time`,
		string(types.TradeStatusClosed), since.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("querying closed trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// RealizedPnLSince sums realized P&L for trades closed at or after since.
func (r *TradeRepository) RealizedPnLSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	var sum sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT SUM(CAST(realized_pnl AS REAL)) FROM trades WHERE status = ? AND exit_time >= ?`,
		string(types.TradeStatusClosed), since.Format(time.RFC3339Nano)).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("summing realized pnl since %s: %w", since, err)
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(sum.String)
}

// EntrySnapshot returns the facts captured when tradeID was opened, used by
// the learning loop to bucket closed trades by delta/DTE/VIX/indicators at
// entry. Returns nil, nil if no entry snapshot was ever recorded.
func (r *TradeRepository) EntrySnapshot(ctx context.Context, tradeID string) (*types.Snapshot, error) {
	var payload string
	var capturedAt string
	err := r.db.QueryRowContext(ctx, `
		SELECT captured_at, payload FROM snapshots WHERE trade_id = ? AND kind = 'entry'`, tradeID).Scan(&capturedAt, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching entry snapshot for trade %s: %w", tradeID, err)
	}
	var snap types.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("decoding entry snapshot for trade %s: %w", tradeID, err)
	}
	snap.TradeID = tradeID
	return &snap, nil
}

const tradeSelectCols = `
	SELECT id, broker_exec_id, underlying, right, strike, expiration, contracts,
		entry_premium, entry_time, exit_premium, exit_time, exit_kind, realized_pnl, commission,
		status, strategy_tag, rolled_from, roll_count, experiment_arm, created_at, updated_at`

func scanTrade(row *sql.Row) (*types.Trade, error) {
	var t types.Trade
	var right, strike, expiration, entryTime, createdAt, updatedAt string
	var entryPremium, realizedPnL, commission string
	var brokerExecID, exitPremium, exitTime, exitKind, rolledFrom, experimentArm sql.NullString

	err := row.Scan(&t.ID, &brokerExecID, &t.Underlying, &right, &strike, &expiration, &t.Contracts,
		&entryPremium, &entryTime, &exitPremium, &exitTime, &exitKind, &realizedPnL, &commission,
		&t.Status, &t.StrategyTag, &rolledFrom, &t.RollCount, &experimentArm, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	return fillTrade(&t, right, strike, expiration, entryTime, createdAt, updatedAt, entryPremium, realizedPnL, commission,
		brokerExecID, exitPremium, exitTime, exitKind, rolledFrom, experimentArm)
}

func scanTrades(rows *sql.Rows) ([]*types.Trade, error) {
	var out []*types.Trade
	for rows.Next() {
		var t types.Trade
		var right, strike, expiration, entryTime, createdAt, updatedAt string
		var entryPremium, realizedPnL, commission string
		var brokerExecID, exitPremium, exitTime, exitKind, rolledFrom, experimentArm sql.NullString

		if err := rows.Scan(&t.ID, &brokerExecID, &t.Underlying, &right, &strike, &expiration, &t.Contracts,
			&entryPremium, &entryTime, &exitPremium, &exitTime, &exitKind, &realizedPnL, &commission,
			&t.Status, &t.StrategyTag, &rolledFrom, &t.RollCount, &experimentArm, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		trade, err := fillTrade(&t, right, strike, expiration, entryTime, createdAt, updatedAt, entryPremium, realizedPnL, commission,
			brokerExecID, exitPremium, exitTime, exitKind, rolledFrom, experimentArm)
		if err != nil {
			return nil, err
		}
		out = append(out, trade)
	}
	return out, rows.Err()
}

func fillTrade(t *types.Trade, right, strike, expiration, entryTime, createdAt, updatedAt, entryPremium, realizedPnL, commission string,
	brokerExecID, exitPremium, exitTime, exitKind, rolledFrom, experimentArm sql.NullString) (*types.Trade, error) {
	t.Right = types.OptionRight(right)
	var err error
	if t.Strike, err = decimal.NewFromString(strike); err != nil {
		return nil, fmt.Errorf("parsing strike: %w", err)
	}
	if t.Expiration, err = time.Parse(time.RFC3339, expiration); err != nil {
		return nil, fmt.Errorf("parsing expiration: %w", err)
	}
	if t.EntryTime, err = time.Parse(time.RFC3339Nano, entryTime); err != nil {
		return nil, fmt.Errorf("parsing entry_time: %w", err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if t.EntryPremium, err = decimal.NewFromString(entryPremium); err != nil {
		return nil, fmt.Errorf("parsing entry_premium: %w", err)
	}
	if t.RealizedPnL, err = decimal.NewFromString(realizedPnL); err != nil {
		return nil, fmt.Errorf("parsing realized_pnl: %w", err)
	}
	if t.Commission, err = decimal.NewFromString(commission); err != nil {
		return nil, fmt.Errorf("parsing commission: %w", err)
	}
	if brokerExecID.Valid {
		t.BrokerExecID = brokerExecID.String
	}
	if exitPremium.Valid {
		if t.ExitPremium, err = decimal.NewFromString(exitPremium.String); err != nil {
			return nil, fmt.Errorf("parsing exit_premium: %w", err)
		}
	}
	if exitTime.Valid {
		et, err := time.Parse(time.RFC3339Nano, exitTime.String)
		if err != nil {
			return nil, fmt.Errorf("parsing exit_time: %w", err)
		}
		t.ExitTime = &et
	}
	if exitKind.Valid {
		t.ExitKind = types.ExitKind(exitKind.String)
	}
	if rolledFrom.Valid {
		t.RolledFrom = rolledFrom.String
	}
	if experimentArm.Valid {
		t.ExperimentArm = experimentArm.String
	}
	return t, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
