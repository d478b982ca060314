package broker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/optionsdaemon/putseller/pkg/types"
)

// PaperAdapter is a deterministic in-memory simulator: every order fills in
// full at its limit price the moment it is placed, and each underlying has
// a fixed synthetic price derived from its symbol. It exists so the daemon
// can run its full decision loop without a live gateway connection.
type PaperAdapter struct {
	logger *zap.Logger

	mu            sync.Mutex
	connected     bool
	nextOrderID   int
	orders        map[string]*types.Order
	positions     map[string]*types.Position // keyed by underlying|right|strike|expiration
	underlyingRef map[string]decimal.Decimal  // last known underlying price
	cash          decimal.Decimal
}

// NewPaperAdapter builds a simulator starting from a configurable cash
// balance (callers typically seed this from config for reproducible runs).
func NewPaperAdapter(logger *zap.Logger, startingCash decimal.Decimal) *PaperAdapter {
	return &PaperAdapter{
		logger:        logger.Named("broker.paper"),
		orders:        make(map[string]*types.Order),
		positions:     make(map[string]*types.Position),
		underlyingRef: make(map[string]decimal.Decimal),
		cash:          startingCash,
	}
}

func (p *PaperAdapter) Name() string { return "paper" }

func (p *PaperAdapter) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *PaperAdapter) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *PaperAdapter) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// referencePrice returns a stable per-underlying synthetic price, seeded
// deterministically from the symbol so repeated runs behave consistently.
func (p *PaperAdapter) referencePrice(symbol string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	if price, ok := p.underlyingRef[symbol]; ok {
		return price
	}
	seed := 0
	for _, r := range symbol {
		seed += int(r)
	}
	price := decimal.NewFromFloat(50 + float64(seed%400))
	p.underlyingRef[symbol] = price
	return price
}

func (p *PaperAdapter) GetUnderlyingQuote(ctx context.Context, symbol string) (types.Quote, error) {
	mid := p.referencePrice(symbol)
	spread := mid.Mul(decimal.NewFromFloat(0.0005))
	return types.Quote{
		Symbol:    symbol,
		Bid:       mid.Sub(spread),
		Ask:       mid.Add(spread),
		Last:      mid,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (p *PaperAdapter) GetOptionChain(ctx context.Context, underlying string, expiration string) ([]ChainEntry, error) {
	spot := p.referencePrice(underlying)
	entries := make([]ChainEntry, 0, 20)
	for i := -10; i <= 10; i++ {
		strike := spot.Add(decimal.NewFromInt(int64(i))).Round(0)
		if strike.IsNegative() {
			continue
		}
		delta := syntheticPutDelta(spot, strike)
		entries = append(entries, ChainEntry{
			Contract: types.ContractSpec{Underlying: underlying, Right: types.RightPut, Strike: strike},
			Greeks: types.Greeks{
				Delta:        delta,
				IV:           decimal.NewFromFloat(0.28),
				Bid:          syntheticPremium(spot, strike).Mul(decimal.NewFromFloat(0.97)),
				Ask:          syntheticPremium(spot, strike).Mul(decimal.NewFromFloat(1.03)),
				Volume:       500,
				OpenInterest: 2000,
			},
		})
	}
	return entries, nil
}

// syntheticPutDelta approximates a short put's delta as a function of
// moneyness only, enough to drive strike-selection logic deterministically
// without a real pricing model.
func syntheticPutDelta(spot, strike decimal.Decimal) decimal.Decimal {
	moneyness, _ := strike.Div(spot).Float64()
	x := (moneyness - 1) * 10
	sigmoid := 1 / (1 + math.Exp(-x))
	return decimal.NewFromFloat(-sigmoid).Round(4)
}

func syntheticPremium(spot, strike decimal.Decimal) decimal.Decimal {
	diff := spot.Sub(strike)
	base := decimal.NewFromFloat(0.5).Add(diff.Mul(decimal.NewFromFloat(0.02)))
	if base.IsNegative() {
		base = decimal.NewFromFloat(0.05)
	}
	return base.Round(2)
}

func (p *PaperAdapter) GetOptionQuote(ctx context.Context, contract types.ContractSpec) (types.Quote, types.Greeks, error) {
	spot := p.referencePrice(contract.Underlying)
	premium := syntheticPremium(spot, contract.Strike)
	greeks := types.Greeks{
		Delta:        syntheticPutDelta(spot, contract.Strike),
		IV:           decimal.NewFromFloat(0.28),
		Bid:          premium.Mul(decimal.NewFromFloat(0.97)),
		Ask:          premium.Mul(decimal.NewFromFloat(1.03)),
		Volume:       500,
		OpenInterest: 2000,
	}
	quote := types.Quote{
		Symbol: fmt.Sprintf("%s %s %s", contract.Underlying, contract.Strike, contract.Right),
		Bid:    greeks.Bid,
		Ask:    greeks.Ask,
		Last:   premium,
		Timestamp: time.Now().UTC(),
	}
	return quote, greeks, nil
}

func (p *PaperAdapter) positionKey(underlying string, right types.OptionRight, strike decimal.Decimal, expiration string) string {
	return fmt.Sprintf("%s|%s|%s|%s", underlying, right, strike, expiration)
}

// PlaceOrder fills immediately: a sell order credits the premium to cash
// and opens a short position; a buy order debits cash and reduces it. This
// matches the simulator's purpose — exercising the daemon's decision loop,
// not modeling realistic fill latency (the Fill Manager's partial-fill path
// is exercised in its own tests against a scripted adapter).
func (p *PaperAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextOrderID++
	id := fmt.Sprintf("paper-%d", p.nextOrderID)

	notional := req.LimitPrice.Mul(decimal.NewFromInt(int64(req.Quantity))).Mul(decimal.NewFromInt(100))
	key := p.positionKey(req.Underlying, req.Right, req.Strike, req.Expiration)
	pos, exists := p.positions[key]
	if !exists {
		pos = &types.Position{Underlying: req.Underlying, Right: req.Right, Strike: req.Strike, UpdatedAt: time.Now().UTC()}
		p.positions[key] = pos
	}

	if req.Side == types.OrderSideSell {
		p.cash = p.cash.Add(notional)
		pos.Contracts -= req.Quantity
	} else {
		p.cash = p.cash.Sub(notional)
		pos.Contracts += req.Quantity
	}
	pos.AvgPrice = req.LimitPrice
	pos.UpdatedAt = time.Now().UTC()

	p.orders[id] = &types.Order{
		ID: id, BrokerOrderID: id, ParentOrderID: req.ParentOrderID,
		Underlying: req.Underlying, Side: req.Side, Type: req.Type, TIF: req.TIF,
		Quantity: req.Quantity, LimitPrice: req.LimitPrice,
		Status: types.OrderStatusFilled, FilledQty: req.Quantity, AvgFillPrice: req.LimitPrice,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	return id, nil
}

func (p *PaperAdapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("unknown order %s", brokerOrderID)
	}
	o.Status = types.OrderStatusCancelled
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (p *PaperAdapter) GetOrderStatus(ctx context.Context, brokerOrderID string) (types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return types.Order{}, fmt.Errorf("unknown order %s", brokerOrderID)
	}
	return *o, nil
}

func (p *PaperAdapter) GetOpenOrders(ctx context.Context) ([]types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var open []types.Order
	for _, o := range p.orders {
		if o.Status == types.OrderStatusWorking || o.Status == types.OrderStatusPartial {
			open = append(open, *o)
		}
	}
	return open, nil
}

func (p *PaperAdapter) WhatIf(ctx context.Context, req WhatIfRequest) (types.WhatIfResult, error) {
	notional := req.LimitPrice.Mul(decimal.NewFromInt(int64(req.Quantity))).Mul(decimal.NewFromInt(100))
	marginImpact := notional.Mul(decimal.NewFromFloat(0.2)) // simulated Reg-T-ish cash-secured margin
	summary, _ := p.GetAccountSummary(ctx)
	return types.WhatIfResult{
		InitMarginAfter:  summary.InitMargin.Add(marginImpact),
		MaintMarginAfter: summary.MaintMargin.Add(marginImpact),
		EquityAfter:      summary.NetLiquidation,
		CommissionEst:    decimal.NewFromFloat(0.65).Mul(decimal.NewFromInt(int64(req.Quantity))),
	}, nil
}

func (p *PaperAdapter) GetAccountSummary(ctx context.Context) (types.AccountSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return types.AccountSummary{
		NetLiquidation:  p.cash,
		AvailableFunds:  p.cash,
		ExcessLiquidity: p.cash,
		InitMargin:      decimal.Zero,
		MaintMargin:     decimal.Zero,
		AsOf:            time.Now().UTC(),
	}, nil
}

func (p *PaperAdapter) GetPositions(ctx context.Context) ([]types.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if pos.Contracts != 0 {
			out = append(out, *pos)
		}
	}
	return out, nil
}

// SeedStockPosition injects a plain equity position (no option right), for
// exercising assignment-style scenarios in tests without a real exercise
// event.
func (p *PaperAdapter) SeedStockPosition(underlying string, shares int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := p.positionKey(underlying, "", decimal.Zero, "")
	p.positions[key] = &types.Position{
		Underlying: underlying, Contracts: shares, UpdatedAt: time.Now().UTC(),
	}
}

func (p *PaperAdapter) GetVIX(ctx context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(16), nil
}

func (p *PaperAdapter) NextEarningsDate(ctx context.Context, underlying string) (string, bool, error) {
	return "", false, nil
}
