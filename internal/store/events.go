package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/optionsdaemon/putseller/pkg/types"
)

// EventRepository is the durable event queue: pending/processing/done/failed
// rows that survive restart, with unique (type, trading_date) scheduling
// dedup and (event_id, consumer) delivery dedup.
type EventRepository struct {
	db *sql.DB
}

// ErrDuplicateScheduledEvent is returned when a scheduled event for the same
// (type, trading_date) has already been materialized.
var ErrDuplicateScheduledEvent = errors.New("duplicate scheduled event")

// Create durably inserts an event in the pending state and returns
// synchronously once committed.
func (r *EventRepository) Create(ctx context.Context, e *types.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshalling event payload: %w", err)
	}

	var tradingDate interface{}
	if e.TradingDate != "" {
		tradingDate = e.TradingDate
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO events (id, type, payload, state, trading_date, created_at, retries)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		e.ID, string(e.Type), string(payload), string(types.EventStatePending), tradingDate, e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return ErrDuplicateScheduledEvent
		}
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// ClaimNext claims the oldest pending event, preferring critical-priority
// types when any are pending, and transitions it to processing under the
// row's implicit lock (SQLite serializes writers).
func (r *EventRepository) ClaimNext(ctx context.Context) (*types.Event, error) {
	var e *types.Event
	err := runInTx(ctx, r.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, type, payload, state, trading_date, created_at, processed_at, last_error, retries
			FROM events
			WHERE state = ?
			ORDER BY
				CASE type WHEN 'ORDER_FILLED' THEN 0 WHEN 'BROKER_DISCONNECTED' THEN 0 WHEN 'STALE_MARKET_DATA' THEN 0 ELSE 1 END,
				created_at ASC
			LIMIT 1`, string(types.EventStatePending))

		ev, err := scanEvent(row)
		if err == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		if err != nil {
			return err
		}

		claimedAt := time.Now().UTC().Format(time.RFC3339Nano)
		_, err = tx.ExecContext(ctx, `UPDATE events SET state = ?, claimed_at = ? WHERE id = ?`,
			string(types.EventStateProcessing), claimedAt, ev.ID)
		if err != nil {
			return fmt.Errorf("claiming event %s: %w", ev.ID, err)
		}
		ev.State = types.EventStateProcessing
		e = ev
		return nil
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// MarkDone transitions an event to done.
func (r *EventRepository) MarkDone(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `UPDATE events SET state = ?, processed_at = ? WHERE id = ?`,
		string(types.EventStateDone), now, id)
	if err != nil {
		return fmt.Errorf("marking event %s done: %w", id, err)
	}
	return nil
}

// MarkFailedOrRetry records the error; if retries remain under maxRetries
// the event returns to pending for another attempt, else it is marked
// failed for oversight.
func (r *EventRepository) MarkFailedOrRetry(ctx context.Context, id string, cause error, maxRetries int) error {
	return runInTx(ctx, r.db, func(tx *sql.Tx) error {
		var retries int
		if err := tx.QueryRowContext(ctx, `SELECT retries FROM events WHERE id = ?`, id).Scan(&retries); err != nil {
			return fmt.Errorf("reading retries for event %s: %w", id, err)
		}
		retries++
		state := types.EventStatePending
		if retries > maxRetries {
			state = types.EventStateFailed
		}
		_, err := tx.ExecContext(ctx, `UPDATE events SET state = ?, retries = ?, last_error = ? WHERE id = ?`,
			string(state), retries, cause.Error(), id)
		return err
	})
}

// RequeueStuck reclaims processing rows whose owning consumer is presumed
// crashed: rows that entered processing (claimed_at, not created_at — an
// event can sit pending far longer than maxRuntime before being claimed
// without that being a stall) more than maxRuntime ago and never
// transitioned out of it.
func (r *EventRepository) RequeueStuck(ctx context.Context, maxRuntime time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxRuntime).Format(time.RFC3339Nano)
	res, err := r.db.ExecContext(ctx, `
		UPDATE events SET state = ?, claimed_at = NULL
		WHERE state = ? AND claimed_at IS NOT NULL AND claimed_at < ?`,
		string(types.EventStatePending), string(types.EventStateProcessing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeuing stuck events: %w", err)
	}
	return res.RowsAffected()
}

// HasConsumed reports whether (eventID, consumer) has already been recorded,
// the dedup check that makes at-least-once delivery exactly-once in effect.
func (r *EventRepository) HasConsumed(ctx context.Context, eventID, consumer string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM event_consumers WHERE event_id = ? AND consumer = ?`,
		eventID, consumer).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking consumer dedup: %w", err)
	}
	return count > 0, nil
}

// MarkConsumed records that consumer has processed eventID.
func (r *EventRepository) MarkConsumed(ctx context.Context, eventID, consumer string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO event_consumers (event_id, consumer, done_at) VALUES (?, ?, ?)
		ON CONFLICT (event_id, consumer) DO NOTHING`,
		eventID, consumer, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("recording consumer dedup: %w", err)
	}
	return nil
}

func scanEvent(row *sql.Row) (*types.Event, error) {
	var e types.Event
	var payload string
	var typ, state string
	var tradingDate, processedAt, lastError sql.NullString
	var createdAt string

	if err := row.Scan(&e.ID, &typ, &payload, &state, &tradingDate, &createdAt, &processedAt, &lastError, &e.Retries); err != nil {
		return nil, err
	}

	e.Type = types.EventType(typ)
	e.State = types.EventState(state)
	if tradingDate.Valid {
		e.TradingDate = tradingDate.String
	}
	if lastError.Valid {
		e.LastError = lastError.String
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return nil, fmt.Errorf("unmarshalling event payload: %w", err)
	}
	createdTime, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	e.CreatedAt = createdTime
	if processedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, processedAt.String)
		if err == nil {
			e.ProcessedAt = &t
		}
	}
	return &e, nil
}

func runInTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && (containsAny(err.Error(), "UNIQUE constraint failed", "constraint failed: UNIQUE"))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}
