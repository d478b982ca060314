package reconciler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/optionsdaemon/putseller/internal/broker"
	"github.com/optionsdaemon/putseller/internal/memory"
	"github.com/optionsdaemon/putseller/internal/store"
	"github.com/optionsdaemon/putseller/pkg/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s/reconciler.db", t.TempDir())
	s, err := store.Open(context.Background(), dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() types.ReconcilerConfig {
	return types.ReconcilerConfig{
		Interval:                time.Minute,
		FillPriceDeltaTolerance: decimal.NewFromFloat(0.01),
		LiveImportMode:          false,
	}
}

func TestRunIsIdempotentWithNothingOutstanding(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	adapter := broker.NewPaperAdapter(zap.NewNop(), decimal.NewFromInt(100000))
	mem := memory.New(s, zap.NewNop(), nil)
	r := New(adapter, s, mem, zap.NewNop(), testConfig())

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.OrdersChecked != 0 {
		t.Errorf("OrdersChecked = %d, want 0", report.OrdersChecked)
	}

	report2, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if report2.OrdersChecked != 0 {
		t.Errorf("second OrdersChecked = %d, want 0", report2.OrdersChecked)
	}
}

func TestReconcileOrdersUpdatesLocalStatusMismatch(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	adapter := broker.NewPaperAdapter(zap.NewNop(), decimal.NewFromInt(100000))
	mem := memory.New(s, zap.NewNop(), nil)
	r := New(adapter, s, mem, zap.NewNop(), testConfig())
	ctx := context.Background()

	brokerOrderID, err := adapter.PlaceOrder(ctx, broker.OrderRequest{
		Underlying: "AAPL", Side: types.OrderSideSell, Type: types.OrderTypeLimit,
		TIF: types.TIFDay, Quantity: 1, LimitPrice: decimal.NewFromFloat(2.5),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	local := &types.Order{
		ID: "local-1", BrokerOrderID: brokerOrderID, Underlying: "AAPL",
		Side: types.OrderSideSell, Type: types.OrderTypeLimit, TIF: types.TIFDay,
		Quantity: 1, LimitPrice: decimal.NewFromFloat(2.5), Status: types.OrderStatusWorking,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.Orders.Create(ctx, local); err != nil {
		t.Fatalf("seeding local order: %v", err)
	}

	report, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.StatusUpdates != 1 {
		t.Errorf("StatusUpdates = %d, want 1 (paper adapter fills instantly, local still shows working)", report.StatusUpdates)
	}

	updated, err := s.Orders.Get(ctx, local.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.Status != types.OrderStatusFilled {
		t.Errorf("Status = %s, want filled", updated.Status)
	}
}

func TestReconcilePositionsDetectsAssignment(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	adapter := broker.NewPaperAdapter(zap.NewNop(), decimal.NewFromInt(100000))
	mem := memory.New(s, zap.NewNop(), nil)
	r := New(adapter, s, mem, zap.NewNop(), testConfig())
	ctx := context.Background()

	trade := &types.Trade{
		ID: "trade-1", Underlying: "AAPL", Right: types.RightPut,
		Strike: decimal.NewFromInt(150), Expiration: time.Now().Add(7 * 24 * time.Hour),
		Contracts: -2, Status: types.TradeStatusOpen, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.Trades.Create(ctx, trade); err != nil {
		t.Fatalf("seeding trade: %v", err)
	}

	adapter.SeedStockPosition("AAPL", 200)

	report, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	found := false
	for _, d := range report.Discrepancies {
		if d.Kind == "assignment_detected" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an assignment_detected discrepancy, got %+v", report.Discrepancies)
	}

	wm, err := mem.LoadSession(ctx)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	anomalyFound := false
	for _, a := range wm.Anomalies {
		if a.Kind == "ASSIGNMENT_DETECTED" {
			anomalyFound = true
		}
	}
	if !anomalyFound {
		t.Errorf("expected ASSIGNMENT_DETECTED anomaly to be raised")
	}
}
