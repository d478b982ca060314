// Package fillmgr is the Fill Manager: time-boxed monitoring of
// outstanding orders, with progressive limit adjustment down to a premium
// floor.
package fillmgr

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/optionsdaemon/putseller/internal/broker"
	"github.com/optionsdaemon/putseller/pkg/types"
)

// State is the per-order lifecycle state the manager tracks, independent
// of the broker's own status string.
type State string

const (
	StateWorking              State = "working"
	StatePartial              State = "partial"
	StateFilled               State = "filled"
	StateCancelled            State = "cancelled"
	StateLeftWorkingOnTimeout State = "left_working_on_timeout"
)

// tracked is one order under monitoring.
type tracked struct {
	brokerOrderID   string
	underlying      string
	side            types.OrderSide
	quantity        int
	currentLimit    decimal.Decimal
	state           State
	adjustmentsMade int
	startedAt       time.Time
	lastAdjustedAt  time.Time
	remainderOf     string // original brokerOrderID, set when this entry is a partial-fill remainder

	// priorFilledQty/priorFilledValue accumulate the fill already booked by
	// earlier legs of this same parent order (prior partial fills that were
	// cancelled and resubmitted as a smaller remainder). finishState blends
	// them into the leg's own terminal fill so the caller sees exactly one
	// consolidated report for the whole chain.
	priorFilledQty   int
	priorFilledValue decimal.Decimal
}

// FillReport summarizes the outcome of monitoring one order to completion
// or timeout.
type FillReport struct {
	BrokerOrderID   string
	FinalState      State
	FilledQuantity  int
	AvgFillPrice    decimal.Decimal
	AdjustmentsMade int
}

// Manager monitors a set of submitted orders on a ticker, never polling in
// a tight loop.
type Manager struct {
	adapter broker.Adapter
	logger  *zap.Logger
	config  types.FillManagerConfig

	mu      sync.Mutex
	orders  map[string]*tracked
	results map[string]chan FillReport
}

// New builds a Manager bound to the given adapter and configuration.
func New(adapter broker.Adapter, logger *zap.Logger, cfg types.FillManagerConfig) *Manager {
	return &Manager{
		adapter: adapter,
		logger:  logger.Named("fillmgr"),
		config:  cfg,
		orders:  make(map[string]*tracked),
		results: make(map[string]chan FillReport),
	}
}

// Enroll begins monitoring brokerOrderID and returns a channel that
// receives exactly one FillReport when the order reaches a terminal state
// or the monitoring window elapses.
func (m *Manager) Enroll(brokerOrderID, underlying string, side types.OrderSide, quantity int, limitPrice decimal.Decimal) <-chan FillReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orders[brokerOrderID] = &tracked{
		brokerOrderID:    brokerOrderID,
		underlying:       underlying,
		side:             side,
		quantity:         quantity,
		currentLimit:     limitPrice,
		state:            StateWorking,
		startedAt:        time.Now().UTC(),
		lastAdjustedAt:   time.Now().UTC(),
		priorFilledValue: decimal.Zero,
	}
	ch := make(chan FillReport, 1)
	m.results[brokerOrderID] = ch
	return ch
}

// Run ticks every CheckInterval until ctx is cancelled, sampling broker
// status for every enrolled order and applying the adjustment/timeout
// rules.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	m.mu.Lock()
	active := make([]*tracked, 0, len(m.orders))
	for _, t := range m.orders {
		if t.state == StateWorking || t.state == StatePartial {
			active = append(active, t)
		}
	}
	m.mu.Unlock()

	for _, t := range active {
		m.checkOne(ctx, t)
	}
}

func (m *Manager) checkOne(ctx context.Context, t *tracked) {
	order, err := m.adapter.GetOrderStatus(ctx, t.brokerOrderID)
	if err != nil {
		m.logger.Debug("fetching order status", zap.String("brokerOrderId", t.brokerOrderID), zap.Error(err))
		return
	}

	switch order.Status {
	case types.OrderStatusFilled:
		m.finish(t, StateFilled, order)
		return
	case types.OrderStatusCancelled, types.OrderStatusRejected:
		m.finish(t, StateCancelled, order)
		return
	}

	if order.Status == types.OrderStatusPartial && t.quantity > 0 {
		filledFrac := decimal.NewFromInt(int64(order.FilledQty)).Div(decimal.NewFromInt(int64(t.quantity)))
		if filledFrac.GreaterThanOrEqual(m.config.PartialThresholdPct) {
			m.handlePartialThreshold(ctx, t, order)
			return
		}
	}

	elapsed := time.Since(t.startedAt)
	if elapsed >= m.config.MonitoringWindow {
		m.handleTimeout(ctx, t)
		return
	}

	sinceLastAdjust := time.Since(t.lastAdjustedAt)
	if sinceLastAdjust >= m.config.AdjustmentInterval && t.adjustmentsMade < m.config.MaxAdjustments {
		m.adjust(ctx, t)
	}
}

// handlePartialThreshold cancels the remainder and re-submits it as a new
// working order at a freshly computed limit, tracked alongside the
// original under a synthetic child key. The already-filled quantity/value
// carries forward onto the new leg so that exactly one consolidated
// FillReport — covering the whole original-then-remainder chain — is ever
// delivered on the caller's channel, once the remainder itself reaches a
// terminal state. No report is sent here: sending one now would tell the
// caller the order is done while a remainder is still working.
func (m *Manager) handlePartialThreshold(ctx context.Context, t *tracked, order types.Order) {
	if err := m.adapter.CancelOrder(ctx, t.brokerOrderID); err != nil {
		m.logger.Warn("cancelling partially filled order", zap.Error(err))
	}

	remaining := t.quantity - order.FilledQty
	quote, err := m.adapter.GetUnderlyingQuote(ctx, t.underlying)
	newLimit := t.currentLimit
	if err == nil && !quote.Bid.IsZero() {
		newLimit = quote.Bid
	}

	cumulativeQty := t.priorFilledQty + order.FilledQty
	cumulativeValue := t.priorFilledValue.Add(order.AvgFillPrice.Mul(decimal.NewFromInt(int64(order.FilledQty))))

	newID, err := m.adapter.PlaceOrder(ctx, broker.OrderRequest{
		Underlying: t.underlying,
		Side:       t.side,
		Type:       types.OrderTypeLimit,
		TIF:        types.TIFDay,
		Quantity:   remaining,
		LimitPrice: newLimit,
	})
	if err != nil {
		m.logger.Error("resubmitting partial-fill remainder", zap.Error(err))
		t.priorFilledQty, t.priorFilledValue = cumulativeQty, cumulativeValue
		m.finish(t, StatePartial, types.Order{})
		return
	}

	m.mu.Lock()
	delete(m.orders, t.brokerOrderID)
	if ch, ok := m.results[t.brokerOrderID]; ok {
		m.results[newID] = ch
		delete(m.results, t.brokerOrderID)
	}
	m.orders[newID] = &tracked{
		brokerOrderID: newID, underlying: t.underlying, side: t.side,
		quantity: remaining, currentLimit: newLimit, state: StateWorking,
		adjustmentsMade: t.adjustmentsMade, startedAt: t.startedAt, lastAdjustedAt: time.Now().UTC(),
		remainderOf:      t.brokerOrderID,
		priorFilledQty:   cumulativeQty,
		priorFilledValue: cumulativeValue,
	}
	m.mu.Unlock()
}

// adjust lowers the limit by one increment, rejecting the adjustment if it
// would cross the premium floor, and cancel-and-replaces at the new limit.
func (m *Manager) adjust(ctx context.Context, t *tracked) {
	newLimit := t.currentLimit.Sub(m.config.AdjustmentIncrement)
	if newLimit.LessThan(m.config.PremiumFloor) {
		m.logger.Debug("adjustment would breach premium floor, holding", zap.String("brokerOrderId", t.brokerOrderID))
		return
	}

	if err := m.adapter.CancelOrder(ctx, t.brokerOrderID); err != nil {
		m.logger.Warn("cancelling for adjustment", zap.Error(err))
		return
	}
	newID, err := m.adapter.PlaceOrder(ctx, broker.OrderRequest{
		Underlying: t.underlying, Side: t.side, Type: types.OrderTypeLimit,
		TIF: types.TIFDay, Quantity: t.quantity, LimitPrice: newLimit,
	})
	if err != nil {
		m.logger.Error("resubmitting at adjusted limit", zap.Error(err))
		return
	}

	m.mu.Lock()
	delete(m.orders, t.brokerOrderID)
	if ch, ok := m.results[t.brokerOrderID]; ok {
		m.results[newID] = ch
		delete(m.results, t.brokerOrderID)
	}
	m.orders[newID] = &tracked{
		brokerOrderID: newID, underlying: t.underlying, side: t.side,
		quantity: t.quantity, currentLimit: newLimit, state: StateWorking,
		adjustmentsMade: t.adjustmentsMade + 1, startedAt: t.startedAt, lastAdjustedAt: time.Now().UTC(),
		priorFilledQty:   t.priorFilledQty,
		priorFilledValue: t.priorFilledValue,
	}
	m.mu.Unlock()
}

func (m *Manager) handleTimeout(ctx context.Context, t *tracked) {
	if !m.config.LeaveWorkingOnTimeout {
		if err := m.adapter.CancelOrder(ctx, t.brokerOrderID); err != nil {
			m.logger.Warn("cancelling on monitoring-window timeout", zap.Error(err))
		}
		m.finish(t, StateCancelled, types.Order{})
		return
	}
	m.finishState(t, StateLeftWorkingOnTimeout, types.Order{})
}

func (m *Manager) finish(t *tracked, state State, order types.Order) {
	m.finishState(t, state, order)
}

func (m *Manager) finishState(t *tracked, state State, order types.Order) {
	totalQty := t.priorFilledQty + order.FilledQty
	totalValue := t.priorFilledValue.Add(order.AvgFillPrice.Mul(decimal.NewFromInt(int64(order.FilledQty))))
	avgPrice := decimal.Zero
	if totalQty > 0 {
		avgPrice = totalValue.Div(decimal.NewFromInt(int64(totalQty)))
	}

	m.mu.Lock()
	t.state = state
	ch, ok := m.results[t.brokerOrderID]
	delete(m.orders, t.brokerOrderID)
	delete(m.results, t.brokerOrderID)
	m.mu.Unlock()

	if !ok {
		return
	}
	ch <- FillReport{
		BrokerOrderID:   t.brokerOrderID,
		FinalState:      state,
		FilledQuantity:  totalQty,
		AvgFillPrice:    avgPrice,
		AdjustmentsMade: t.adjustmentsMade,
	}
	close(ch)
}
