// Package executor is the Action Executor: the only component that turns
// an authorized decision into broker operations and the persistence
// mutations that follow from them.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/optionsdaemon/putseller/internal/autonomy"
	"github.com/optionsdaemon/putseller/internal/broker"
	"github.com/optionsdaemon/putseller/internal/fillmgr"
	"github.com/optionsdaemon/putseller/internal/risk"
	"github.com/optionsdaemon/putseller/internal/sizing"
	"github.com/optionsdaemon/putseller/internal/store"
	"github.com/optionsdaemon/putseller/internal/strike"
	"github.com/optionsdaemon/putseller/internal/workers"
	"github.com/optionsdaemon/putseller/pkg/types"
	"github.com/optionsdaemon/putseller/pkg/utils"
)

// Executor wires the Live Strike Selector, Risk/Autonomy Governors, Fill
// Manager, and position sizer into the four operations the daemon's
// decision loop can authorize.
type Executor struct {
	adapter  broker.Adapter
	store    *store.Store
	selector *strike.Selector
	riskGov  *risk.Governor
	autoGov  *autonomy.Governor
	fillMgr  *fillmgr.Manager
	sizer    *sizing.PositionSizer
	logger   *zap.Logger
	config   types.ExecutionConfig
}

// New builds an Executor from its dependencies.
func New(adapter broker.Adapter, s *store.Store, selector *strike.Selector, riskGov *risk.Governor,
	autoGov *autonomy.Governor, fillMgr *fillmgr.Manager, sizer *sizing.PositionSizer, logger *zap.Logger, cfg types.ExecutionConfig) *Executor {
	return &Executor{
		adapter: adapter, store: s, selector: selector, riskGov: riskGov, autoGov: autoGov,
		fillMgr: fillMgr, sizer: sizer, logger: logger.Named("executor"), config: cfg,
	}
}

// AuthContext carries the account/portfolio facts the Risk and Autonomy
// Governors need but that the Executor itself has no authoritative view
// of; the caller (the orchestrator, which already assembled this for the
// Reasoning Engine) fills everything except the per-candidate fields the
// Executor sets itself before each Evaluate/Authorize call.
type AuthContext struct {
	Risk     risk.Input
	Autonomy autonomy.Input
}

// Outcome reports what happened to one candidate or staged opportunity.
type Outcome struct {
	StagedID string
	TradeID  string
	Decision string // "submitted", "blocked", "skipped_stale", or an autonomy disposition ("queue_for_approval", "block")
	Reason   string
	// FillCh reports the parent (or closing) order's terminal Fill Manager
	// outcome, set only when Decision == "submitted"; the caller is
	// responsible for draining it and finalizing the Trade.
	FillCh <-chan fillmgr.FillReport
}

// StageCandidates runs the Live Strike Selector and position sizer over
// each symbol and persists the result as a StagedOpportunity. Candidates
// with insufficient chain data are persisted as stale rather than dropped,
// so the caller retains an audit trail of what was scanned.
func (e *Executor) StageCandidates(ctx context.Context, symbols []string, strategy types.StrategyState, expiration string) ([]*types.StagedOpportunity, error) {
	expTime, err := time.Parse("20060102", expiration)
	if err != nil {
		return nil, fmt.Errorf("parsing expiration %q: %w", expiration, err)
	}
	account, err := e.adapter.GetAccountSummary(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching account summary: %w", err)
	}

	staged := make([]*types.StagedOpportunity, 0, len(symbols))
	for _, symbol := range symbols {
		if opp := e.stageOne(ctx, symbol, strategy, expiration, expTime, account); opp != nil {
			staged = append(staged, opp)
		}
	}
	return staged, nil
}

func (e *Executor) stageOne(ctx context.Context, symbol string, strategy types.StrategyState, expiration string, expTime time.Time, account types.AccountSummary) *types.StagedOpportunity {
	quote, err := e.adapter.GetUnderlyingQuote(ctx, symbol)
	if err != nil || quote.Last.IsZero() {
		e.logger.Warn("staging candidate: underlying quote unavailable", zap.String("underlying", symbol), zap.Error(err))
		return e.persistStale(ctx, symbol, expTime, strategy)
	}

	result := e.selector.Select(ctx, strike.Request{
		Underlying: symbol, Expiration: expiration, TargetDelta: strategy.TargetDelta, StagedPrice: quote.Last,
	})
	if result.Kind == strike.ResultAbandoned {
		e.logger.Warn("staging candidate abandoned", zap.String("underlying", symbol), zap.String("reason", result.Reason))
		return e.persistStale(ctx, symbol, expTime, strategy)
	}

	mid := result.Greeks.Bid.Add(result.Greeks.Ask).Div(decimal.NewFromInt(2))
	contracts := e.sizeContracts(ctx, symbol, result.Strike, expiration, mid, account)

	opp := &types.StagedOpportunity{
		ID: utils.GenerateID("stg"), Underlying: symbol, Strike: result.Strike, Expiration: expTime,
		TargetDelta: strategy.TargetDelta, TargetDTE: strategy.TargetDTEDays, LimitPrice: mid,
		Contracts: contracts, StagedUnderlyingPrice: quote.Last, Status: types.StagedStatusStaged,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := e.store.Staged.Create(ctx, opp); err != nil {
		e.logger.Error("persisting staged opportunity", zap.String("underlying", symbol), zap.Error(err))
		return nil
	}
	return opp
}

func (e *Executor) sizeContracts(ctx context.Context, symbol string, strikePrice decimal.Decimal, expiration string, limitPrice decimal.Decimal, account types.AccountSummary) int {
	whatIf, err := e.adapter.WhatIf(ctx, broker.OrderRequest{
		Underlying: symbol, Right: types.RightPut, Strike: strikePrice, Expiration: expiration,
		Side: types.OrderSideSell, Type: types.OrderTypeLimit, TIF: types.TIFDay, Quantity: 1, LimitPrice: limitPrice,
	})
	marginPerContract := decimal.Zero
	if err == nil {
		marginPerContract = whatIf.InitMarginAfter.Sub(account.InitMargin)
	}

	stats := e.sizer.GetTradeStatistics()
	result := e.sizer.CalculateContracts(&sizing.SizingRequest{
		NetLiquidation: account.NetLiquidation, Strike: strikePrice, MarginPerContract: marginPerContract,
		WinRate: stats.WinRate, AvgWinPct: stats.AvgWin, AvgLossPct: stats.AvgLoss,
		RegimeMultiplier: 1, Confidence: 1,
	})
	return result.Contracts
}

func (e *Executor) persistStale(ctx context.Context, symbol string, expTime time.Time, strategy types.StrategyState) *types.StagedOpportunity {
	opp := &types.StagedOpportunity{
		ID: utils.GenerateID("stg"), Underlying: symbol, Expiration: expTime,
		TargetDelta: strategy.TargetDelta, TargetDTE: strategy.TargetDTEDays,
		Status: types.StagedStatusStale, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := e.store.Staged.Create(ctx, opp); err != nil {
		e.logger.Error("persisting stale staged opportunity", zap.String("underlying", symbol), zap.Error(err))
		return nil
	}
	return opp
}

func (e *Executor) fanoutConcurrency() int {
	if e.config.QuoteFanoutConcurrency <= 0 {
		return 5
	}
	return e.config.QuoteFanoutConcurrency
}

func (e *Executor) brokerCallTimeout() time.Duration {
	if e.config.BrokerCallTimeout <= 0 {
		return 10 * time.Second
	}
	return e.config.BrokerCallTimeout
}

// qualifiedStaged is one staged opportunity after pre-market drift
// validation, quote refresh, and strike re-selection.
type qualifiedStaged struct {
	opp    *types.StagedOpportunity
	quote  types.Quote
	result strike.Result
}

// ExecuteStaged qualifies every id in parallel (drift check, quote
// refresh, re-run strike selection), then submits serially so broker
// order ids are assigned deterministically. Each submitted parent is
// enrolled in the Fill Manager as soon as it is placed, before the next
// candidate is submitted; the batch is not handed over as a whole.
func (e *Executor) ExecuteStaged(ctx context.Context, ids []string, authCtx AuthContext) ([]Outcome, error) {
	opps := make([]*types.StagedOpportunity, 0, len(ids))
	for _, id := range ids {
		opp, err := e.store.Staged.Get(ctx, id)
		if err != nil {
			e.logger.Warn("fetching staged opportunity", zap.String("id", id), zap.Error(err))
			continue
		}
		opps = append(opps, opp)
	}

	pool := workers.NewPool(e.logger, &workers.PoolConfig{
		Name:            "executor-qualify",
		NumWorkers:      e.fanoutConcurrency(),
		QueueSize:       len(opps) + 1,
		TaskTimeout:     e.brokerCallTimeout(),
		ShutdownTimeout: 5 * time.Second,
		PanicRecovery:   true,
	})
	pool.Start()
	defer pool.Stop()

	qualified := make([]*qualifiedStaged, len(opps))
	var wg sync.WaitGroup
	for i, opp := range opps {
		i, opp := i, opp
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pool.SubmitWait(workers.TaskFunc(func() error {
				qualified[i] = e.qualifyStaged(ctx, opp)
				return nil
			}))
			if err != nil {
				e.logger.Warn("qualify task failed", zap.String("id", opp.ID), zap.Error(err))
			}
		}()
	}
	wg.Wait()

	outcomes := make([]Outcome, 0, len(opps))
	for i, opp := range opps {
		q := qualified[i]
		if q == nil {
			outcomes = append(outcomes, Outcome{StagedID: opp.ID, Decision: "skipped_stale", Reason: "drift check or requalification failed"})
			continue
		}
		outcomes = append(outcomes, e.submitOne(ctx, q, authCtx))
	}
	return outcomes, nil
}

func (e *Executor) qualifyStaged(ctx context.Context, opp *types.StagedOpportunity) *qualifiedStaged {
	quote, err := e.adapter.GetUnderlyingQuote(ctx, opp.Underlying)
	if err != nil || quote.Last.IsZero() {
		e.logger.Warn("execute_staged: underlying quote unavailable", zap.String("id", opp.ID), zap.Error(err))
		return nil
	}

	if opp.StagedUnderlyingPrice.IsPositive() {
		drift := quote.Last.Sub(opp.StagedUnderlyingPrice).Abs().Div(opp.StagedUnderlyingPrice)
		if drift.GreaterThanOrEqual(e.config.MaxPriceDriftStalePct) {
			_ = e.store.Staged.SetStatus(ctx, opp.ID, types.StagedStatusStale)
			e.logger.Warn("execute_staged: price drift exceeded stale threshold", zap.String("id", opp.ID), zap.String("drift", drift.String()))
			return nil
		}
	}

	result := e.selector.Select(ctx, strike.Request{
		Underlying: opp.Underlying, Expiration: opp.Expiration.Format("20060102"),
		TargetDelta: opp.TargetDelta, OriginalStrike: opp.Strike, StagedPrice: quote.Last,
	})
	if result.Kind == strike.ResultAbandoned {
		_ = e.store.Staged.SetStatus(ctx, opp.ID, types.StagedStatusStale)
		e.logger.Warn("execute_staged: re-selection abandoned", zap.String("id", opp.ID), zap.String("reason", result.Reason))
		return nil
	}

	mid := result.Greeks.Bid.Add(result.Greeks.Ask).Div(decimal.NewFromInt(2))
	if err := e.store.Staged.UpdateSelection(ctx, opp.ID, result.Strike, mid, types.StagedStatusValidated); err != nil {
		e.logger.Error("recording requalified strike", zap.String("id", opp.ID), zap.Error(err))
	}
	opp.Strike, opp.LimitPrice = result.Strike, mid
	return &qualifiedStaged{opp: opp, quote: quote, result: result}
}

// submitOne asks the Risk and Autonomy Governors, and on approval submits
// a bracket (parent SELL limit and a child BUY-to-close at the profit
// target), enrolling the parent in the Fill Manager. No stop child is
// submitted.
func (e *Executor) submitOne(ctx context.Context, q *qualifiedStaged, authCtx AuthContext) Outcome {
	opp := q.opp

	authCtx.Risk.Candidate = risk.Candidate{
		Underlying: opp.Underlying, Right: types.RightPut, Strike: opp.Strike, Expiration: opp.Expiration,
	}
	verdict := e.riskGov.Evaluate(authCtx.Risk)
	if !verdict.Approved {
		_ = e.store.Staged.SetStatus(ctx, opp.ID, types.StagedStatusCancelled)
		return Outcome{StagedID: opp.ID, Decision: "blocked", Reason: fmt.Sprintf("%s: %s", verdict.Check, verdict.Reason)}
	}

	authCtx.Autonomy.Action = types.ActionExecuteTrades
	auth := e.autoGov.Authorize(authCtx.Autonomy)
	if auth.Disposition != autonomy.DispositionAllow {
		return Outcome{StagedID: opp.ID, Decision: string(auth.Disposition), Reason: auth.Reason}
	}

	trade := &types.Trade{
		ID: utils.GenerateTradeID(), Underlying: opp.Underlying, Right: types.RightPut,
		Strike: opp.Strike, Expiration: opp.Expiration, Contracts: -opp.Contracts,
		Status: types.TradeStatusWorking, StrategyTag: "short_put", CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := e.store.Trades.Create(ctx, trade); err != nil {
		e.logger.Error("persisting trade", zap.String("stagedId", opp.ID), zap.Error(err))
		return Outcome{StagedID: opp.ID, Decision: "blocked", Reason: "failed to persist trade"}
	}

	expStr := opp.Expiration.Format("20060102")
	parentBrokerID, err := e.adapter.PlaceOrder(ctx, broker.OrderRequest{
		Underlying: opp.Underlying, Right: types.RightPut, Strike: opp.Strike, Expiration: expStr,
		Side: types.OrderSideSell, Type: types.OrderTypeLimit, TIF: types.TIFDay,
		Quantity: opp.Contracts, LimitPrice: opp.LimitPrice,
	})
	if err != nil {
		e.logger.Error("submitting parent order", zap.String("tradeId", trade.ID), zap.Error(err))
		return Outcome{StagedID: opp.ID, TradeID: trade.ID, Decision: "blocked", Reason: "broker rejected parent order"}
	}

	parentOrder := &types.Order{
		ID: utils.GenerateOrderID(), BrokerOrderID: parentBrokerID, TradeID: trade.ID,
		Underlying: opp.Underlying, Side: types.OrderSideSell, Type: types.OrderTypeLimit, TIF: types.TIFDay,
		Quantity: opp.Contracts, LimitPrice: opp.LimitPrice, Status: types.OrderStatusWorking,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := e.store.Orders.Create(ctx, parentOrder); err != nil {
		e.logger.Error("persisting parent order", zap.String("tradeId", trade.ID), zap.Error(err))
	}

	profitTarget := opp.LimitPrice.Mul(decimal.NewFromFloat(0.5)) // buy-to-close at 50% of credit received
	childBrokerID, err := e.adapter.PlaceOrder(ctx, broker.OrderRequest{
		Underlying: opp.Underlying, Right: types.RightPut, Strike: opp.Strike, Expiration: expStr,
		Side: types.OrderSideBuy, Type: types.OrderTypeLimit, TIF: types.TIFGTC,
		Quantity: opp.Contracts, LimitPrice: profitTarget, ParentOrderID: parentOrder.ID,
	})
	if err != nil {
		e.logger.Warn("submitting profit-target child order failed, parent remains working alone", zap.String("tradeId", trade.ID), zap.Error(err))
	} else {
		childOrder := &types.Order{
			ID: utils.GenerateOrderID(), BrokerOrderID: childBrokerID, ParentOrderID: parentOrder.ID, TradeID: trade.ID,
			Underlying: opp.Underlying, Side: types.OrderSideBuy, Type: types.OrderTypeLimit, TIF: types.TIFGTC,
			Quantity: opp.Contracts, LimitPrice: profitTarget, Status: types.OrderStatusWorking,
			CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		}
		if err := e.store.Orders.Create(ctx, childOrder); err != nil {
			e.logger.Error("persisting profit-target child order", zap.String("tradeId", trade.ID), zap.Error(err))
		}
	}

	if err := e.store.Staged.SetStatus(ctx, opp.ID, types.StagedStatusSubmitted); err != nil {
		e.logger.Error("marking staged opportunity submitted", zap.String("id", opp.ID), zap.Error(err))
	}

	fillCh := e.fillMgr.Enroll(parentBrokerID, opp.Underlying, types.OrderSideSell, opp.Contracts, opp.LimitPrice)
	return Outcome{StagedID: opp.ID, TradeID: trade.ID, Decision: "submitted", FillCh: fillCh}
}

// CompleteEntry captures EntrySnapshot and transitions a Trade to open,
// called once the Fill Manager reports the parent leg filled.
func (e *Executor) CompleteEntry(ctx context.Context, tradeID string, fill fillmgr.FillReport, snapshot *types.Snapshot, snapshotJSON string) error {
	if err := e.store.Trades.TransitionToOpen(ctx, tradeID, fill.AvgFillPrice, snapshot, snapshotJSON); err != nil {
		return fmt.Errorf("transitioning trade %s to open: %w", tradeID, err)
	}
	return nil
}

// ClosePosition cancels outstanding children and submits a closing BUY
// limit at live mid, enrolling it in the Fill Manager; finalization
// (ExitSnapshot + the closed transition) happens once that fill is
// reported, via CompleteExit.
func (e *Executor) ClosePosition(ctx context.Context, tradeID string, reason types.ExitKind) (Outcome, error) {
	trade, err := e.store.Trades.Get(ctx, tradeID)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading trade %s: %w", tradeID, err)
	}

	children, err := e.store.Orders.ByTrade(ctx, tradeID)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading orders for trade %s: %w", tradeID, err)
	}
	for _, o := range children {
		if o.Status == types.OrderStatusWorking || o.Status == types.OrderStatusPartial {
			if err := e.adapter.CancelOrder(ctx, o.BrokerOrderID); err != nil {
				e.logger.Warn("cancelling outstanding child on close", zap.String("tradeId", tradeID), zap.Error(err))
			}
		}
	}

	expStr := trade.Expiration.Format("20060102")
	quote, _, err := e.adapter.GetOptionQuote(ctx, types.ContractSpec{
		Underlying: trade.Underlying, Right: trade.Right, Strike: trade.Strike, Expiration: trade.Expiration,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("pricing option to close trade %s: %w", tradeID, err)
	}
	mid := quote.Bid.Add(quote.Ask).Div(decimal.NewFromInt(2))

	contracts := trade.Contracts
	if contracts < 0 {
		contracts = -contracts
	}
	closeBrokerID, err := e.adapter.PlaceOrder(ctx, broker.OrderRequest{
		Underlying: trade.Underlying, Right: trade.Right, Strike: trade.Strike, Expiration: expStr,
		Side: types.OrderSideBuy, Type: types.OrderTypeLimit, TIF: types.TIFDay, Quantity: contracts, LimitPrice: mid,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("submitting closing order for trade %s: %w", tradeID, err)
	}

	closeOrder := &types.Order{
		ID: utils.GenerateOrderID(), BrokerOrderID: closeBrokerID, TradeID: tradeID,
		Underlying: trade.Underlying, Side: types.OrderSideBuy, Type: types.OrderTypeLimit, TIF: types.TIFDay,
		Quantity: contracts, LimitPrice: mid, Status: types.OrderStatusWorking,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := e.store.Orders.Create(ctx, closeOrder); err != nil {
		e.logger.Error("persisting closing order", zap.String("tradeId", tradeID), zap.Error(err))
	}
	if err := e.store.Trades.SetStatus(ctx, tradeID, types.TradeStatusClosing); err != nil {
		e.logger.Error("transitioning trade to closing", zap.String("tradeId", tradeID), zap.Error(err))
	}

	fillCh := e.fillMgr.Enroll(closeBrokerID, trade.Underlying, types.OrderSideBuy, contracts, mid)
	return Outcome{TradeID: tradeID, Decision: "submitted", Reason: string(reason), FillCh: fillCh}, nil
}

// CompleteExit finalizes a closing Trade once its closing order reports
// filled, recording realized P&L and the ExitSnapshot atomically.
func (e *Executor) CompleteExit(ctx context.Context, tradeID string, fill fillmgr.FillReport, exitKind types.ExitKind, realizedPnL, commission decimal.Decimal, snapshot *types.Snapshot, snapshotJSON string) error {
	if err := e.store.Trades.TransitionToClosed(ctx, tradeID, fill.AvgFillPrice, realizedPnL, commission, exitKind, snapshot, snapshotJSON); err != nil {
		return fmt.Errorf("transitioning trade %s to closed: %w", tradeID, err)
	}
	return nil
}

// RollPosition prices the existing leg at its option mid, selects a new
// leg at the target expiration, and requires the new leg's mid to exceed
// the existing leg's (a net credit). It neither closes the existing leg,
// which stays open until a separate ClosePosition call, nor submits the
// new leg — ExecuteStaged does, after the caller re-authorizes the new
// candidate — but it does bump RollCount and return the StagedOpportunity
// the caller should pass to ExecuteStaged.
func (e *Executor) RollPosition(ctx context.Context, tradeID string, target types.StagedOpportunity, strategy types.StrategyState) (*types.StagedOpportunity, error) {
	trade, err := e.store.Trades.Get(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("loading trade %s: %w", tradeID, err)
	}
	if trade.RollCount >= types.MaxRolls {
		return nil, fmt.Errorf("trade %s has already reached the maximum roll count (%d)", tradeID, types.MaxRolls)
	}

	closeQuote, err := e.adapter.GetUnderlyingQuote(ctx, trade.Underlying)
	if err != nil {
		return nil, fmt.Errorf("fetching underlying quote to roll trade %s: %w", tradeID, err)
	}
	_, closeGreeks, err := e.adapter.GetOptionQuote(ctx, types.ContractSpec{
		Underlying: trade.Underlying, Right: trade.Right, Strike: trade.Strike, Expiration: trade.Expiration,
	})
	if err != nil {
		return nil, fmt.Errorf("pricing existing leg to roll trade %s: %w", tradeID, err)
	}
	closeCost := closeGreeks.Bid.Add(closeGreeks.Ask).Div(decimal.NewFromInt(2))

	expStr := target.Expiration.Format("20060102")
	result := e.selector.Select(ctx, strike.Request{
		Underlying: trade.Underlying, Expiration: expStr, TargetDelta: strategy.TargetDelta, StagedPrice: closeQuote.Last,
	})
	if result.Kind == strike.ResultAbandoned {
		return nil, fmt.Errorf("no viable new leg to roll trade %s into: %s", tradeID, result.Reason)
	}
	newCredit := result.Greeks.Bid.Add(result.Greeks.Ask).Div(decimal.NewFromInt(2))

	contracts := trade.Contracts
	if contracts < 0 {
		contracts = -contracts
	}
	netCredit := newCredit.Sub(closeCost)
	if !netCredit.IsPositive() {
		return nil, fmt.Errorf("roll for trade %s would not be entered for a net credit (close=%s, new=%s)", tradeID, closeCost, newCredit)
	}

	if err := e.store.Trades.IncrementRollCount(ctx, tradeID, tradeID); err != nil {
		return nil, fmt.Errorf("incrementing roll count for trade %s: %w", tradeID, err)
	}

	opp := &types.StagedOpportunity{
		ID: utils.GenerateID("stg"), Underlying: trade.Underlying, Strike: result.Strike, Expiration: target.Expiration,
		TargetDelta: strategy.TargetDelta, TargetDTE: strategy.TargetDTEDays, LimitPrice: newCredit,
		Contracts: contracts, StagedUnderlyingPrice: closeQuote.Last, Status: types.StagedStatusValidated,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := e.store.Staged.Create(ctx, opp); err != nil {
		return nil, fmt.Errorf("staging rolled leg for trade %s: %w", tradeID, err)
	}
	return opp, nil
}
