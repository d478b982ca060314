// Package broker generalizes the connectivity surface an Action Executor,
// Live Strike Selector, Fill Manager, and Reconciler need, fixing the
// operation table one options broker connection must support.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/optionsdaemon/putseller/pkg/types"
)

// ChainEntry is one strike/expiration's contract identity plus the
// qualification data needed to size and price it.
type ChainEntry struct {
	Contract types.ContractSpec
	Greeks   types.Greeks
}

// OrderRequest is a single-leg broker order submission. Bracket children
// carry ParentOrderID only after the parent has been accepted.
type OrderRequest struct {
	Underlying    string
	Right         types.OptionRight
	Strike        decimal.Decimal
	Expiration    string // broker contract-month format, e.g. 20260815
	Side          types.OrderSide
	Type          types.OrderType
	TIF           types.TimeInForce
	Quantity      int
	LimitPrice    decimal.Decimal
	ParentOrderID string
}

// WhatIfRequest mirrors OrderRequest for a dry-run margin-impact query.
type WhatIfRequest = OrderRequest

// Adapter is the broker connectivity contract. An implementation never
// executes a persistence mutation itself — it reports broker truth and
// lets the caller (Reconciler, Fill Manager) decide what to persist.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// Market data
	GetUnderlyingQuote(ctx context.Context, symbol string) (types.Quote, error)
	GetOptionChain(ctx context.Context, underlying string, expiration string) ([]ChainEntry, error)
	GetOptionQuote(ctx context.Context, contract types.ContractSpec) (types.Quote, types.Greeks, error)

	// Trading
	PlaceOrder(ctx context.Context, req OrderRequest) (brokerOrderID string, err error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetOrderStatus(ctx context.Context, brokerOrderID string) (types.Order, error)
	GetOpenOrders(ctx context.Context) ([]types.Order, error)
	WhatIf(ctx context.Context, req WhatIfRequest) (types.WhatIfResult, error)

	// Account and positions
	GetAccountSummary(ctx context.Context) (types.AccountSummary, error)
	GetPositions(ctx context.Context) ([]types.Position, error)
	GetVIX(ctx context.Context) (decimal.Decimal, error)

	// NextEarningsDate returns the underlying's next confirmed earnings
	// date, or the zero value with ok=false if none is known.
	NextEarningsDate(ctx context.Context, underlying string) (date string, ok bool, err error)
}
