package broker

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/optionsdaemon/putseller/pkg/types"
)

func TestPaperAdapterPlaceOrderUpdatesCashAndPosition(t *testing.T) {
	t.Parallel()
	a := NewPaperAdapter(zap.NewNop(), decimal.NewFromInt(100000))
	ctx := context.Background()

	before, _ := a.GetAccountSummary(ctx)

	_, err := a.PlaceOrder(ctx, OrderRequest{
		Underlying: "AAPL", Right: types.RightPut, Strike: decimal.NewFromInt(190),
		Side: types.OrderSideSell, Type: types.OrderTypeLimit, TIF: types.TIFDay,
		Quantity: 1, LimitPrice: decimal.NewFromFloat(2.50),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	after, _ := a.GetAccountSummary(ctx)
	if !after.NetLiquidation.GreaterThan(before.NetLiquidation) {
		t.Errorf("expected cash to increase after selling premium, before=%s after=%s", before.NetLiquidation, after.NetLiquidation)
	}

	positions, err := a.GetPositions(ctx)
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(positions) != 1 || positions[0].Contracts != -1 {
		t.Errorf("expected one short position, got %+v", positions)
	}
}

func TestPaperAdapterReferencePriceIsDeterministic(t *testing.T) {
	t.Parallel()
	a := NewPaperAdapter(zap.NewNop(), decimal.Zero)
	p1 := a.referencePrice("AAPL")
	p2 := a.referencePrice("AAPL")
	if !p1.Equal(p2) {
		t.Errorf("reference price changed across calls: %s vs %s", p1, p2)
	}
}

func TestPaperAdapterChainReturnsStrikesAroundSpot(t *testing.T) {
	t.Parallel()
	a := NewPaperAdapter(zap.NewNop(), decimal.Zero)
	entries, err := a.GetOptionChain(context.Background(), "AAPL", "20260815")
	if err != nil {
		t.Fatalf("GetOptionChain: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected non-empty chain")
	}
	for _, e := range entries {
		if e.Greeks.Delta.GreaterThan(decimal.Zero) {
			t.Errorf("put delta should be <= 0, got %s", e.Greeks.Delta)
		}
	}
}
