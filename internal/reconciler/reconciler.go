// Package reconciler aligns local Trades/Orders/Positions with broker
// truth. Every run is idempotent and safe to repeat.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/optionsdaemon/putseller/internal/broker"
	"github.com/optionsdaemon/putseller/internal/memory"
	"github.com/optionsdaemon/putseller/internal/store"
	"github.com/optionsdaemon/putseller/pkg/types"
	"github.com/optionsdaemon/putseller/pkg/utils"
)

// Discrepancy is one mismatch found during a run, recorded for audit.
type Discrepancy struct {
	Kind          string
	BrokerOrderID string
	Detail        string
}

// Report summarizes one reconciliation pass.
type Report struct {
	OrdersChecked  int
	StatusUpdates  int
	FillPriceDiffs int
	Orphans        int
	Discrepancies  []Discrepancy
}

// Reconciler joins broker-reported orders/positions against the local
// store and repairs drift.
type Reconciler struct {
	adapter broker.Adapter
	store   *store.Store
	memory  *memory.Memory
	logger  *zap.Logger
	config  types.ReconcilerConfig
}

// New builds a Reconciler from its dependencies.
func New(adapter broker.Adapter, s *store.Store, mem *memory.Memory, logger *zap.Logger, cfg types.ReconcilerConfig) *Reconciler {
	return &Reconciler{adapter: adapter, store: s, memory: mem, logger: logger.Named("reconciler"), config: cfg}
}

// Run executes one full pass: orders, then positions.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	report := Report{}

	if err := r.reconcileOrders(ctx, &report); err != nil {
		return report, fmt.Errorf("reconciling orders: %w", err)
	}
	if err := r.reconcilePositions(ctx, &report); err != nil {
		return report, fmt.Errorf("reconciling positions: %w", err)
	}
	return report, nil
}

func (r *Reconciler) reconcileOrders(ctx context.Context, report *Report) error {
	local, err := r.store.Orders.Working(ctx)
	if err != nil {
		return fmt.Errorf("loading local working orders: %w", err)
	}
	localByBrokerID := make(map[string]*types.Order, len(local))
	for _, o := range local {
		localByBrokerID[o.BrokerOrderID] = o
	}

	brokerOrders, err := r.adapter.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("fetching broker open orders: %w", err)
	}
	seen := make(map[string]bool, len(brokerOrders))

	for _, bo := range brokerOrders {
		seen[bo.BrokerOrderID] = true
		report.OrdersChecked++

		lo, ok := localByBrokerID[bo.BrokerOrderID]
		if !ok {
			report.Orphans++
			r.logger.Warn("broker order has no local record", zap.String("brokerOrderId", bo.BrokerOrderID))
			if r.config.LiveImportMode {
				if err := r.store.Orders.Create(ctx, &bo); err != nil {
					r.logger.Error("importing orphaned broker order", zap.Error(err))
				}
			}
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Kind: "orphan_order", BrokerOrderID: bo.BrokerOrderID, Detail: "present at broker, absent locally",
			})
			continue
		}

		if lo.Status != bo.Status {
			if err := r.store.Orders.UpdateStatus(ctx, lo.ID, bo.Status, bo.LastBrokerState); err != nil {
				r.logger.Error("updating order status", zap.Error(err))
			} else {
				report.StatusUpdates++
				report.Discrepancies = append(report.Discrepancies, Discrepancy{
					Kind: "status_mismatch", BrokerOrderID: bo.BrokerOrderID,
					Detail: fmt.Sprintf("local=%s broker=%s", lo.Status, bo.Status),
				})
			}
		}

		priceDelta := lo.AvgFillPrice.Sub(bo.AvgFillPrice).Abs()
		if priceDelta.GreaterThan(r.config.FillPriceDeltaTolerance) {
			commissionDelta := bo.Commission.Sub(lo.Commission)
			if err := r.store.Orders.RecordFill(ctx, lo.ID, bo.FilledQty, bo.AvgFillPrice, commissionDelta); err != nil {
				r.logger.Error("recording fill-price correction", zap.Error(err))
			} else {
				report.FillPriceDiffs++
				report.Discrepancies = append(report.Discrepancies, Discrepancy{
					Kind: "fill_price_discrepancy", BrokerOrderID: bo.BrokerOrderID,
					Detail: fmt.Sprintf("delta=%s", priceDelta),
				})
			}
		}
	}

	for _, lo := range local {
		if !seen[lo.BrokerOrderID] {
			r.logger.Warn("local working order not found at broker", zap.String("brokerOrderId", lo.BrokerOrderID))
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Kind: "missing_at_broker", BrokerOrderID: lo.BrokerOrderID, Detail: "present locally, absent at broker",
			})
		}
	}
	return nil
}

// reconcilePositions compares broker positions against local open trades,
// and specifically watches for an assigned put: a long stock position
// appearing where an open put trade exists, sized a multiple of 100 ×
// contracts.
func (r *Reconciler) reconcilePositions(ctx context.Context, report *Report) error {
	brokerPositions, err := r.adapter.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetching broker positions: %w", err)
	}
	localOpen, err := r.store.Trades.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("loading local open trades: %w", err)
	}

	stockByUnderlying := make(map[string]int)
	for _, p := range brokerPositions {
		if p.Right == "" { // no option right set => equity position
			stockByUnderlying[p.Underlying] += p.Contracts
		}
	}

	for _, trade := range localOpen {
		if trade.Right != types.RightPut {
			continue
		}
		shares, ok := stockByUnderlying[trade.Underlying]
		if !ok || shares == 0 {
			continue
		}
		expectedShares := trade.Contracts * 100
		if shares%100 == 0 && (shares == expectedShares || shares%expectedShares == 0) {
			r.logger.Warn("possible assignment detected",
				zap.String("underlying", trade.Underlying), zap.Int("shares", shares), zap.String("tradeId", trade.ID))

			reason := fmt.Sprintf("%d shares of %s appeared alongside open put trade %s", shares, trade.Underlying, trade.ID)
			flagged := false
			if wm, err := r.memory.LoadSession(ctx); err == nil {
				for _, a := range wm.Anomalies {
					flagged = flagged || (a.Kind == "ASSIGNMENT_DETECTED" && a.Reason == reason)
				}
			}
			if flagged {
				continue
			}

			if _, err := r.memory.RaiseAnomaly(ctx, "ASSIGNMENT_DETECTED", reason, true); err != nil {
				r.logger.Error("raising assignment anomaly", zap.Error(err))
			}

			decision := &types.Decision{
				ID:            utils.GenerateDecisionID(),
				Action:        types.ActionRequestHumanReview,
				ActionResult:  fmt.Sprintf(`{"reason":"assignment_detected","tradeId":%q,"shares":%d}`, trade.ID, shares),
				AutonomyLevel: 0,
				Cost:          decimal.Zero,
				CreatedAt:     time.Now().UTC(),
			}
			if err := r.store.Decisions.Create(ctx, decision); err != nil {
				r.logger.Error("recording assignment review decision", zap.Error(err))
			}

			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Kind: "assignment_detected", Detail: fmt.Sprintf("%s: %d shares vs trade %s", trade.Underlying, shares, trade.ID),
			})
		}
	}

	if r.config.LiveImportMode {
		r.flagLocalOnlyPositions(localOpen, brokerPositions, report)
	}
	return nil
}

func (r *Reconciler) flagLocalOnlyPositions(localOpen []*types.Trade, brokerPositions []types.Position, report *Report) {
	brokerHasContract := make(map[string]bool, len(brokerPositions))
	for _, p := range brokerPositions {
		key := fmt.Sprintf("%s|%s|%s", p.Underlying, p.Right, p.Strike)
		brokerHasContract[key] = true
	}
	for _, t := range localOpen {
		key := fmt.Sprintf("%s|%s|%s", t.Underlying, t.Right, t.Strike)
		if !brokerHasContract[key] {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Kind: "position_missing_at_broker", Detail: fmt.Sprintf("trade %s has no matching broker position", t.ID),
			})
		}
	}
}
