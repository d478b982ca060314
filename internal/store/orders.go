package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optionsdaemon/putseller/pkg/types"
)

// OrderRepository persists broker Order references. Only the Reconciler
// mutates an Order after its initial submission.
type OrderRepository struct {
	db *sql.DB
}

// Create inserts a newly submitted order.
func (r *OrderRepository) Create(ctx context.Context, o *types.Order) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (id, broker_order_id, parent_order_id, trade_id, underlying, side, type, tif,
			quantity, limit_price, status, filled_qty, avg_fill_price, commission, last_broker_state,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, nullable(o.BrokerOrderID), nullable(o.ParentOrderID), nullable(o.TradeID), o.Underlying,
		string(o.Side), string(o.Type), string(o.TIF), o.Quantity, o.LimitPrice.String(), string(o.Status),
		o.FilledQty, o.AvgFillPrice.String(), o.Commission.String(), nullable(o.LastBrokerState),
		o.CreatedAt.Format(time.RFC3339Nano), o.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateStatus records a broker status transition.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, status types.OrderStatus, brokerState string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, last_broker_state = ?, updated_at = ? WHERE id = ?`,
		string(status), brokerState, now, id)
	if err != nil {
		return fmt.Errorf("updating order %s status: %w", id, err)
	}
	return nil
}

// RecordFill applies an incremental fill, recomputing the weighted average
// fill price.
func (r *OrderRepository) RecordFill(ctx context.Context, id string, fillQty int, fillPrice, commissionDelta decimal.Decimal) error {
	return runInTx(ctx, r.db, func(tx *sql.Tx) error {
		var filledQty, qty int
		var avgFillPrice string
		if err := tx.QueryRowContext(ctx, `SELECT filled_qty, avg_fill_price, quantity FROM orders WHERE id = ?`, id).
			Scan(&filledQty, &avgFillPrice, &qty); err != nil {
			return fmt.Errorf("reading order %s for fill: %w", id, err)
		}
		prevAvg, err := decimal.NewFromString(avgFillPrice)
		if err != nil {
			return err
		}
		totalQty := filledQty + fillQty
		newAvg := prevAvg
		if totalQty > 0 {
			prevValue := prevAvg.Mul(decimal.NewFromInt(int64(filledQty)))
			fillValue := fillPrice.Mul(decimal.NewFromInt(int64(fillQty)))
			newAvg = prevValue.Add(fillValue).Div(decimal.NewFromInt(int64(totalQty)))
		}

		status := types.OrderStatusPartial
		if totalQty >= qty {
			status = types.OrderStatusFilled
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET filled_qty = ?, avg_fill_price = ?, commission = commission + ?, status = ?, updated_at = ?
			WHERE id = ?`, totalQty, newAvg.String(), commissionDelta.String(), string(status), now, id)
		return err
	})
}

// Get fetches an Order by local id.
func (r *OrderRepository) Get(ctx context.Context, id string) (*types.Order, error) {
	row := r.db.QueryRowContext(ctx, orderSelectCols+` FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

// ByTrade returns all orders belonging to a Trade.
func (r *OrderRepository) ByTrade(ctx context.Context, tradeID string) ([]*types.Order, error) {
	rows, err := r.db.QueryContext(ctx, orderSelectCols+` FROM orders WHERE trade_id = ? ORDER BY created_at`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("querying orders for trade %s: %w", tradeID, err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// Children returns bracket children of a parent order.
func (r *OrderRepository) Children(ctx context.Context, parentOrderID string) ([]*types.Order, error) {
	rows, err := r.db.QueryContext(ctx, orderSelectCols+` FROM orders WHERE parent_order_id = ? ORDER BY created_at`, parentOrderID)
	if err != nil {
		return nil, fmt.Errorf("querying children of order %s: %w", parentOrderID, err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// Working returns all non-terminal orders, the Fill Manager's polling set.
func (r *OrderRepository) Working(ctx context.Context) ([]*types.Order, error) {
	rows, err := r.db.QueryContext(ctx, orderSelectCols+`
		FROM orders WHERE status IN (?, ?) ORDER BY created_at`,
		string(types.OrderStatusWorking), string(types.OrderStatusPartial))
	if err != nil {
		return nil, fmt.Errorf("querying working orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

const orderSelectCols = `
	SELECT id, broker_order_id, parent_order_id, trade_id, underlying, side, type, tif,
		quantity, limit_price, status, filled_qty, avg_fill_price, commission, last_broker_state,
		created_at, updated_at`

func scanOrder(row *sql.Row) (*types.Order, error) {
	var o types.Order
	var brokerOrderID, parentOrderID, tradeID, lastBrokerState sql.NullString
	var side, typ, tif, status, limitPrice, avgFillPrice, commission, createdAt, updatedAt string

	err := row.Scan(&o.ID, &brokerOrderID, &parentOrderID, &tradeID, &o.Underlying, &side, &typ, &tif,
		&o.Quantity, &limitPrice, &status, &o.FilledQty, &avgFillPrice, &commission, &lastBrokerState,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	return fillOrder(&o, brokerOrderID, parentOrderID, tradeID, lastBrokerState, side, typ, tif, status,
		limitPrice, avgFillPrice, commission, createdAt, updatedAt)
}

func scanOrders(rows *sql.Rows) ([]*types.Order, error) {
	var out []*types.Order
	for rows.Next() {
		var o types.Order
		var brokerOrderID, parentOrderID, tradeID, lastBrokerState sql.NullString
		var side, typ, tif, status, limitPrice, avgFillPrice, commission, createdAt, updatedAt string

		if err := rows.Scan(&o.ID, &brokerOrderID, &parentOrderID, &tradeID, &o.Underlying, &side, &typ, &tif,
			&o.Quantity, &limitPrice, &status, &o.FilledQty, &avgFillPrice, &commission, &lastBrokerState,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		order, err := fillOrder(&o, brokerOrderID, parentOrderID, tradeID, lastBrokerState, side, typ, tif, status,
			limitPrice, avgFillPrice, commission, createdAt, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

func fillOrder(o *types.Order, brokerOrderID, parentOrderID, tradeID, lastBrokerState sql.NullString,
	side, typ, tif, status, limitPrice, avgFillPrice, commission, createdAt, updatedAt string) (*types.Order, error) {
	o.Side = types.OrderSide(side)
	o.Type = types.OrderType(typ)
	o.TIF = types.TimeInForce(tif)
	o.Status = types.OrderStatus(status)
	if brokerOrderID.Valid {
		o.BrokerOrderID = brokerOrderID.String
	}
	if parentOrderID.Valid {
		o.ParentOrderID = parentOrderID.String
	}
	if tradeID.Valid {
		o.TradeID = tradeID.String
	}
	if lastBrokerState.Valid {
		o.LastBrokerState = lastBrokerState.String
	}
	var err error
	if o.LimitPrice, err = decimal.NewFromString(limitPrice); err != nil {
		return nil, fmt.Errorf("parsing limit_price: %w", err)
	}
	if o.AvgFillPrice, err = decimal.NewFromString(avgFillPrice); err != nil {
		return nil, fmt.Errorf("parsing avg_fill_price: %w", err)
	}
	if o.Commission, err = decimal.NewFromString(commission); err != nil {
		return nil, fmt.Errorf("parsing commission: %w", err)
	}
	if o.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if o.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return o, nil
}

