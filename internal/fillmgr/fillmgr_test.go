package fillmgr

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/optionsdaemon/putseller/internal/broker"
	"github.com/optionsdaemon/putseller/pkg/types"
)

// scriptedAdapter implements the slice of broker.Adapter the Fill Manager
// calls, with statuses the test drives directly — PaperAdapter always fills
// instantly, so it can't exercise the partial-fill-then-remainder path.
type scriptedAdapter struct {
	broker.Adapter

	mu       sync.Mutex
	statuses map[string]*types.Order
	ids      []string
	idx      int
	bid      decimal.Decimal
}

func newScriptedAdapter(ids []string, bid decimal.Decimal) *scriptedAdapter {
	return &scriptedAdapter{statuses: make(map[string]*types.Order), ids: ids, bid: bid}
}

func (s *scriptedAdapter) GetUnderlyingQuote(ctx context.Context, symbol string) (types.Quote, error) {
	return types.Quote{Symbol: symbol, Bid: s.bid, Ask: s.bid.Add(decimal.NewFromFloat(0.05))}, nil
}

func (s *scriptedAdapter) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.ids) {
		return "", fmt.Errorf("scriptedAdapter: no more order ids scripted")
	}
	id := s.ids[s.idx]
	s.idx++
	s.statuses[id] = &types.Order{
		BrokerOrderID: id, Status: types.OrderStatusWorking,
		Quantity: req.Quantity, LimitPrice: req.LimitPrice,
	}
	return id, nil
}

func (s *scriptedAdapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.statuses[brokerOrderID]; ok {
		o.Status = types.OrderStatusCancelled
	}
	return nil
}

func (s *scriptedAdapter) GetOrderStatus(ctx context.Context, brokerOrderID string) (types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.statuses[brokerOrderID]
	if !ok {
		return types.Order{}, fmt.Errorf("scriptedAdapter: unknown order %s", brokerOrderID)
	}
	return *o, nil
}

// setStatus overwrites a previously-placed order's reported status, letting
// the test drive the broker-side state machine a tick at a time.
func (s *scriptedAdapter) setStatus(id string, status types.OrderStatus, filledQty int, avgFillPrice decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.statuses[id]
	if !ok {
		return
	}
	o.Status = status
	o.FilledQty = filledQty
	o.AvgFillPrice = avgFillPrice
}

func (s *scriptedAdapter) hasOrder(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.statuses[id]
	return ok
}

func testConfig() types.FillManagerConfig {
	return types.FillManagerConfig{
		CheckInterval:         10 * time.Millisecond,
		PartialThresholdPct:   decimal.NewFromFloat(0.5),
		AdjustmentInterval:    20 * time.Millisecond,
		MaxAdjustments:        3,
		AdjustmentIncrement:   decimal.NewFromFloat(0.05),
		PremiumFloor:          decimal.NewFromFloat(0.10),
		MonitoringWindow:      200 * time.Millisecond,
		LeaveWorkingOnTimeout: false,
	}
}

func TestEnrollReportsFillImmediatelyForPaperAdapter(t *testing.T) {
	t.Parallel()
	adapter := broker.NewPaperAdapter(zap.NewNop(), decimal.NewFromInt(100000))
	mgr := New(adapter, zap.NewNop(), testConfig())

	id, err := adapter.PlaceOrder(context.Background(), broker.OrderRequest{
		Underlying: "AAPL", Side: types.OrderSideSell, Type: types.OrderTypeLimit,
		TIF: types.TIFDay, Quantity: 1, LimitPrice: decimal.NewFromFloat(2.5),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	ch := mgr.Enroll(id, "AAPL", types.OrderSideSell, 1, decimal.NewFromFloat(2.5))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go mgr.Run(ctx)

	select {
	case report := <-ch:
		if report.FinalState != StateFilled {
			t.Errorf("FinalState = %s, want filled", report.FinalState)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for fill report")
	}
}

// TestPartialFillRemainderConsolidatesIntoOneReport crosses the partial
// threshold on a 4-lot order, lets the manager cancel-and-resubmit the
// 2-lot remainder, fills that remainder at a different price, and checks
// exactly one FillReport arrives on the original Enroll channel reflecting
// the blended outcome of both legs.
func TestPartialFillRemainderConsolidatesIntoOneReport(t *testing.T) {
	t.Parallel()
	adapter := newScriptedAdapter([]string{"orig", "remainder"}, decimal.NewFromFloat(2.40))
	mgr := New(adapter, zap.NewNop(), testConfig())

	origID, err := adapter.PlaceOrder(context.Background(), broker.OrderRequest{
		Underlying: "AAPL", Side: types.OrderSideSell, Type: types.OrderTypeLimit,
		TIF: types.TIFDay, Quantity: 4, LimitPrice: decimal.NewFromFloat(2.5),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	ch := mgr.Enroll(origID, "AAPL", types.OrderSideSell, 4, decimal.NewFromFloat(2.5))

	// 2 of 4 contracts filled at 2.50, crossing the 50% partial threshold.
	adapter.setStatus(origID, types.OrderStatusPartial, 2, decimal.NewFromFloat(2.50))

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	go mgr.Run(ctx)

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) && !adapter.hasOrder("remainder") {
		time.Sleep(5 * time.Millisecond)
	}
	if !adapter.hasOrder("remainder") {
		t.Fatal("manager never resubmitted the partial-fill remainder")
	}
	// remainder fills completely at a lower price.
	adapter.setStatus("remainder", types.OrderStatusFilled, 2, decimal.NewFromFloat(2.40))

	select {
	case report := <-ch:
		if report.FinalState != StateFilled {
			t.Errorf("FinalState = %s, want filled", report.FinalState)
		}
		if report.FilledQuantity != 4 {
			t.Errorf("FilledQuantity = %d, want 4 (2 original + 2 remainder)", report.FilledQuantity)
		}
		wantAvg := decimal.NewFromFloat(2.45) // (2*2.50 + 2*2.40) / 4
		if !report.AvgFillPrice.Equal(wantAvg) {
			t.Errorf("AvgFillPrice = %s, want %s", report.AvgFillPrice, wantAvg)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for consolidated fill report")
	}
}
