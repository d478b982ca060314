// Package orchestrator is the daemon's single event-bus consumer: it
// strings Working Memory, the Reasoning Engine, the Risk and Autonomy
// Governors (via the Action Executor), the Fill Manager, the Reconciler,
// and the Learning Loop into the assemble-reason-dispatch-record pipeline
// described for every market event, plus the calendar-driven reflection
// and weekly-learning cycles.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/optionsdaemon/putseller/internal/autonomy"
	"github.com/optionsdaemon/putseller/internal/broker"
	"github.com/optionsdaemon/putseller/internal/events"
	"github.com/optionsdaemon/putseller/internal/executor"
	"github.com/optionsdaemon/putseller/internal/fillmgr"
	"github.com/optionsdaemon/putseller/internal/learning"
	"github.com/optionsdaemon/putseller/internal/memory"
	"github.com/optionsdaemon/putseller/internal/observability"
	"github.com/optionsdaemon/putseller/internal/reasoning"
	"github.com/optionsdaemon/putseller/internal/reconciler"
	"github.com/optionsdaemon/putseller/internal/risk"
	"github.com/optionsdaemon/putseller/internal/store"
	"github.com/optionsdaemon/putseller/internal/workers"
	"github.com/optionsdaemon/putseller/pkg/types"
	"github.com/optionsdaemon/putseller/pkg/utils"
)

// consumerName is the single bus consumer this daemon registers. Every
// event type, regardless of which handler it routes to, is delivered and
// idempotency-tracked under this one name.
const consumerName = "orchestrator"

// Daemon is the Orchestrator. It owns no domain logic of its own beyond
// wiring: context assembly, decide/dispatch/record sequencing, and the
// background loops (Fill Manager sweeps, periodic reconciliation) that
// keep the rest of the daemon honest between events.
type Daemon struct {
	bus      *events.Bus
	store    *store.Store
	memory   *memory.Memory
	embedder memory.Embedder
	reason   *reasoning.Engine
	exec     *executor.Executor
	fillMgr  *fillmgr.Manager
	recon    *reconciler.Reconciler
	learn    *learning.Engine
	adapter  broker.Adapter
	logger   *zap.Logger
	cfg      types.Config
	metrics  *observability.Metrics

	mu         sync.Mutex
	tradeLocks map[string]*sync.Mutex

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a Daemon and subscribes its single handler to bus.
func New(bus *events.Bus, s *store.Store, mem *memory.Memory, embedder memory.Embedder,
	reasonEngine *reasoning.Engine, exec *executor.Executor, fillMgr *fillmgr.Manager,
	recon *reconciler.Reconciler, learn *learning.Engine, adapter broker.Adapter,
	logger *zap.Logger, cfg types.Config, metrics *observability.Metrics) *Daemon {
	d := &Daemon{
		bus: bus, store: s, memory: mem, embedder: embedder, reason: reasonEngine,
		exec: exec, fillMgr: fillMgr, recon: recon, learn: learn, adapter: adapter,
		logger: logger.Named("orchestrator"), cfg: cfg, metrics: metrics,
		tradeLocks: make(map[string]*sync.Mutex),
	}
	bus.Subscribe(consumerName, d.handleEvent)
	return d
}

// Start launches the daemon's background loops: Fill Manager sweeps and
// periodic reconciliation. The event bus itself is started independently
// by the caller, since it is shared infrastructure the calendar also
// publishes onto.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.fillMgr.Run(ctx)
	}()
	go func() {
		defer d.wg.Done()
		d.reconcileLoop(ctx)
	}()

	d.logger.Info("orchestrator started")
	return nil
}

// Stop signals the background loops to exit and waits for in-flight fill
// and reconciliation work to drain.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("orchestrator stopped")
}

// Shutdown performs the daemon's graceful-shutdown sequence: halt new
// decisions behind the kill switch, drain background loops, and
// optionally cancel every working broker order.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if err := d.store.SystemState.SetKillSwitch(ctx, true, "shutdown"); err != nil {
		d.logger.Error("setting kill switch for shutdown", zap.Error(err))
	}
	d.Stop()

	if !d.cfg.Daemon.CancelWorkingOrdersOnShutdown {
		return nil
	}
	working, err := d.store.Orders.Working(ctx)
	if err != nil {
		return fmt.Errorf("loading working orders for shutdown cancel: %w", err)
	}
	for _, o := range working {
		if err := d.adapter.CancelOrder(ctx, o.BrokerOrderID); err != nil {
			d.logger.Warn("cancelling working order on shutdown",
				zap.String("brokerOrderId", o.BrokerOrderID), zap.Error(err))
		}
	}
	return nil
}

func (d *Daemon) reconcileLoop(ctx context.Context) {
	interval := d.cfg.Reconciler.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if _, err := d.recon.Run(ctx); err != nil {
				d.logger.Error("periodic reconciliation failed", zap.Error(err))
			}
		}
	}
}

// handleEvent is the single handler registered under consumerName. It
// routes every event type this daemon reacts to; the bus's own
// per-consumer idempotency tracking means this never double-processes a
// durable event.
func (d *Daemon) handleEvent(ctx context.Context, e *types.Event) error {
	switch e.Type {
	case types.EventMarketOpen, types.EventPreMarketPrep, types.EventScheduledCheck,
		types.EventPositionStopApproaching, types.EventUnderlyingSignificantMove:
		return d.runReasoningCycle(ctx, e)
	case types.EventMarketClose, types.EventEndOfDayReflection:
		return d.runEndOfDayReflection(ctx, e)
	case types.EventWeeklyLearning:
		return d.runWeeklyLearning(ctx)
	case types.EventOrderFilled, types.EventOrderStatusChanged:
		return d.handleOrderEvent(ctx)
	case types.EventBrokerDisconnected:
		return d.handleBrokerDisconnected(ctx)
	case types.EventBrokerReconnected:
		return d.handleBrokerReconnected(ctx)
	case types.EventStaleMarketData:
		return d.handleStaleMarketData(ctx, e)
	case types.EventExperimentResultReady:
		_, err := d.learn.EvaluateExperiments(ctx, time.Now().UTC())
		return err
	case types.EventAnomalyDetected:
		return d.handleAnomalyDetected(ctx, e)
	default:
		d.logger.Warn("no handler registered for event type", zap.String("type", string(e.Type)))
		return nil
	}
}

// runReasoningCycle is the per-event decision pipeline: assemble context,
// reason, dispatch the resulting action, then record the Decision audit
// row with the action's own result already attached. Decisions are
// append-only, so the result must be known before the row is written.
func (d *Daemon) runReasoningCycle(ctx context.Context, e *types.Event) error {
	rc, err := d.assembleContext(ctx, e)
	if err != nil {
		return fmt.Errorf("assembling reasoning context: %w", err)
	}

	out, cost, err := d.reason.Decide(ctx, rc)
	if err != nil {
		return fmt.Errorf("reasoning decide: %w", err)
	}

	result := d.dispatchAction(ctx, out)

	wm, err := d.memory.LoadSession(ctx)
	autonomyLevel := 0
	if err == nil {
		autonomyLevel = wm.AutonomyLevel
	} else {
		d.logger.Warn("loading session for decision autonomy level", zap.Error(err))
	}

	engineOutJSON, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("serializing engine output: %w", err)
	}
	rcJSON, err := rc.Serialize()
	if err != nil {
		return fmt.Errorf("serializing reasoning context: %w", err)
	}

	decision := &types.Decision{
		ID:               utils.GenerateDecisionID(),
		SessionID:        "default",
		EventRef:         e.ID,
		ReasoningContext: rcJSON,
		EngineOutput:     string(engineOutJSON),
		Action:           out.Action,
		ActionResult:     result,
		AutonomyLevel:    autonomyLevel,
		Cost:             cost,
		CreatedAt:        time.Now().UTC(),
	}
	if err := d.memory.RecordDecision(ctx, decision, out.Reasoning); err != nil {
		return fmt.Errorf("recording decision: %w", err)
	}
	if d.metrics != nil {
		d.metrics.DecisionsTotal.WithLabelValues(string(out.Action)).Inc()
		if f, _ := cost.Float64(); f > 0 {
			d.metrics.ReasoningCostUSD.Add(f)
		}
	}

	if !cost.IsZero() {
		today := time.Now().UTC().Format("2006-01-02")
		if err := d.store.SystemState.AddDailyCost(ctx, cost, today); err != nil {
			d.logger.Warn("accumulating daily reasoning cost", zap.Error(err))
		}
	}
	return nil
}

// assembleContext builds the full ReasoningContextV1 for one decision: the
// open book enriched with live Greeks, account state, pending candidates,
// recent audit history, confirmed patterns, active experiments, and a
// semantic-retrieval pass over prior decisions.
func (d *Daemon) assembleContext(ctx context.Context, e *types.Event) (*reasoning.ReasoningContextV1, error) {
	wm, err := d.memory.LoadSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading working memory: %w", err)
	}

	account, err := d.adapter.GetAccountSummary(ctx)
	if err != nil {
		d.logger.Warn("fetching account summary for context", zap.Error(err))
	}

	openTrades, err := d.store.Trades.OpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading open positions: %w", err)
	}
	positions, minutesSinceQuote := d.buildPositionViews(ctx, openTrades)

	vix, err := d.adapter.GetVIX(ctx)
	if err != nil {
		d.logger.Warn("fetching VIX for context", zap.Error(err))
	}
	regimeTag := "normal"
	if d.cfg.Risk.VIXHaltThreshold.IsPositive() &&
		vix.GreaterThanOrEqual(d.cfg.Risk.VIXHaltThreshold.Mul(decimal.NewFromFloat(0.7))) {
		regimeTag = "risk_off"
	}

	candidatePtrs, err := d.store.Staged.Pending(ctx)
	if err != nil {
		d.logger.Warn("loading pending staged opportunities for context", zap.Error(err))
	}
	candidates := make([]types.StagedOpportunity, 0, len(candidatePtrs))
	for _, c := range candidatePtrs {
		candidates = append(candidates, *c)
	}

	window := d.cfg.Daemon.RecentDecisionsWindow
	if window <= 0 {
		window = 10
	}
	recentPtrs, err := d.store.Decisions.Recent(ctx, window)
	if err != nil {
		d.logger.Warn("loading recent decisions for context", zap.Error(err))
	}
	recent := make([]types.Decision, 0, len(recentPtrs))
	for _, rdec := range recentPtrs {
		recent = append(recent, *rdec)
	}

	patternPtrs, err := d.store.Patterns.Confirmed(ctx)
	if err != nil {
		d.logger.Warn("loading confirmed patterns for context", zap.Error(err))
	}
	patterns := make([]types.Pattern, 0, len(patternPtrs))
	for _, p := range patternPtrs {
		patterns = append(patterns, *p)
	}

	expPtrs, err := d.store.Experiments.Active(ctx)
	if err != nil {
		d.logger.Warn("loading active experiments for context", zap.Error(err))
	}
	experiments := make([]types.Experiment, 0, len(expPtrs))
	for _, x := range expPtrs {
		experiments = append(experiments, *x)
	}

	rc := &reasoning.ReasoningContextV1{
		EventType: e.Type,
		Positions: positions,
		Account:   account,
		Market: reasoning.MarketContext{
			VIXLevel:          vix,
			RegimeTag:         regimeTag,
			TimeOfDay:         time.Now().In(d.nyLocation()).Format("15:04"),
			MinutesSinceQuote: minutesSinceQuote,
		},
		Candidates:        candidates,
		RecentDecisions:   recent,
		ActivePatterns:    patterns,
		ActiveExperiments: experiments,
		Strategy:          wm.Strategy,
		AutonomyLevel:     wm.AutonomyLevel,
		ActiveAnomalies:   wm.Anomalies,
		AssembledAt:       time.Now().UTC(),
	}
	rc.Retrieved = d.retrieveSimilar(ctx, rc)
	return rc, nil
}

// buildPositionViews fans out live Greeks lookups over the open book,
// bounded by the configured concurrency, following the same indexed-slice
// plus bounded workers.Pool idiom the Action Executor uses for its own
// qualification fan-out.
func (d *Daemon) buildPositionViews(ctx context.Context, trades []*types.Trade) ([]reasoning.PositionView, map[string]int) {
	views := make([]reasoning.PositionView, len(trades))
	minutesSince := make(map[string]int, len(trades))
	var minutesMu sync.Mutex

	if len(trades) == 0 {
		return views, minutesSince
	}

	concurrency := d.cfg.Daemon.GreeksFanoutConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	pool := workers.NewPool(d.logger, &workers.PoolConfig{
		Name:            "orchestrator-greeks",
		NumWorkers:      concurrency,
		QueueSize:       len(trades) + 1,
		TaskTimeout:     d.cfg.Execution.BrokerCallTimeout,
		ShutdownTimeout: 5 * time.Second,
		PanicRecovery:   true,
	})
	pool.Start()
	defer pool.Stop()

	now := time.Now().UTC()
	var wg sync.WaitGroup
	for i, t := range trades {
		i, t := i, t
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pool.SubmitWait(workers.TaskFunc(func() error {
				quote, greeks, err := d.adapter.GetOptionQuote(ctx, types.ContractSpec{
					Underlying: t.Underlying, Right: t.Right, Strike: t.Strike, Expiration: t.Expiration,
				})
				if err != nil {
					views[i] = reasoning.PositionView{Trade: *t}
					return nil
				}
				views[i] = reasoning.PositionView{Trade: *t, Greeks: greeks}
				minutesMu.Lock()
				minutesSince[t.Underlying] = int(now.Sub(quote.Timestamp).Minutes())
				minutesMu.Unlock()
				return nil
			}))
			if err != nil {
				d.logger.Warn("greeks fanout task failed", zap.String("tradeId", t.ID), zap.Error(err))
				views[i] = reasoning.PositionView{Trade: *t}
			}
		}()
	}
	wg.Wait()
	return views, minutesSince
}

// retrieveSimilar embeds a compact summary of the in-progress context and
// surfaces its nearest neighbors among prior decisions. The embedder is
// held directly (Memory's is private) so retrieval can run before a
// Decision row, and therefore a summary to embed against, exists.
func (d *Daemon) retrieveSimilar(ctx context.Context, rc *reasoning.ReasoningContextV1) []reasoning.RetrievedDecision {
	if d.embedder == nil {
		return nil
	}
	summary := fmt.Sprintf("event=%s regime=%s autonomyLevel=%d openPositions=%d candidates=%d",
		rc.EventType, rc.Market.RegimeTag, rc.AutonomyLevel, len(rc.Positions), len(rc.Candidates))
	vector, err := d.embedder.Embed(ctx, summary)
	if err != nil {
		d.logger.Warn("embedding reasoning context for retrieval", zap.Error(err))
		return nil
	}
	k := d.cfg.Reasoning.RetrievalK
	if k <= 0 {
		k = 5
	}
	hits, err := d.memory.RetrieveSimilar(ctx, vector, k)
	if err != nil {
		d.logger.Warn("retrieving similar decisions", zap.Error(err))
		return nil
	}
	retrieved := make([]reasoning.RetrievedDecision, 0, len(hits))
	for _, h := range hits {
		retrieved = append(retrieved, reasoning.RetrievedDecision{Summary: h.Summary, Similarity: h.Similarity})
	}
	return retrieved
}

func (d *Daemon) nyLocation() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}

// buildAuthContext assembles fresh risk/autonomy facts right before
// dispatch, independent of whatever the reasoning context saw, since the
// two can be minutes apart and the governors must see current state.
func (d *Daemon) buildAuthContext(ctx context.Context, confidence decimal.Decimal) (executor.AuthContext, error) {
	sysState, err := d.store.SystemState.Load(ctx)
	if err != nil {
		return executor.AuthContext{}, fmt.Errorf("loading system state: %w", err)
	}
	account, err := d.adapter.GetAccountSummary(ctx)
	if err != nil {
		return executor.AuthContext{}, fmt.Errorf("fetching account summary: %w", err)
	}
	openTrades, err := d.store.Trades.OpenPositions(ctx)
	if err != nil {
		return executor.AuthContext{}, fmt.Errorf("loading open positions: %w", err)
	}

	now := time.Now().UTC()
	today := now.Format("2006-01-02")
	openedToday, err := d.store.Trades.OpenedToday(ctx, today)
	if err != nil {
		return executor.AuthContext{}, fmt.Errorf("counting positions opened today: %w", err)
	}
	dayStart := now.Truncate(24 * time.Hour)
	weekStart := dayStart.AddDate(0, 0, -int(dayStart.Weekday()))
	realizedToday, err := d.store.Trades.RealizedPnLSince(ctx, dayStart)
	if err != nil {
		return executor.AuthContext{}, fmt.Errorf("summing today's realized P&L: %w", err)
	}
	realizedWeek, err := d.store.Trades.RealizedPnLSince(ctx, weekStart)
	if err != nil {
		return executor.AuthContext{}, fmt.Errorf("summing this week's realized P&L: %w", err)
	}

	vix, err := d.adapter.GetVIX(ctx)
	if err != nil {
		d.logger.Warn("fetching VIX for authorization", zap.Error(err))
	}

	wm, err := d.memory.LoadSession(ctx)
	if err != nil {
		return executor.AuthContext{}, fmt.Errorf("loading working memory: %w", err)
	}

	// DrawdownPct is not tracked: no peak-to-trough high-water-mark is
	// persisted anywhere in the schema, so this daemon reports zero rather
	// than add tracking infrastructure for a single governor check.
	return executor.AuthContext{
		Risk: risk.Input{
			Now: now, SystemState: *sysState, OpenPositions: openTrades,
			OpenedToday: openedToday, RealizedTodayPnL: realizedToday, RealizedWeekPnL: realizedWeek,
			DrawdownPct: decimal.Zero, Account: account, VIXLevel: vix,
		},
		Autonomy: autonomy.Input{
			Level:                   autonomy.Level(wm.AutonomyLevel),
			Confidence:              confidence,
			RollingAverageSize:      averageContractSize(openTrades),
			ConsecutiveSectorLosses: 0,
			// MarginUtilisationAfter approximates the post-trade figure with
			// the current (pre-trade) ratio: WhatIf is never populated by the
			// Action Executor, matching its own accepted simplification.
			MarginUtilisationAfter: marginUtilisation(account),
		},
	}, nil
}

func averageContractSize(trades []*types.Trade) decimal.Decimal {
	if len(trades) == 0 {
		return decimal.Zero
	}
	sum := 0
	for _, t := range trades {
		c := t.Contracts
		if c < 0 {
			c = -c
		}
		sum += c
	}
	return decimal.NewFromInt(int64(sum)).Div(decimal.NewFromInt(int64(len(trades))))
}

func marginUtilisation(account types.AccountSummary) decimal.Decimal {
	if !account.NetLiquidation.IsPositive() {
		return decimal.Zero
	}
	return account.InitMargin.Div(account.NetLiquidation)
}

// lockTrade serializes the close and roll dispatch paths on the same Trade
// row. The Reconciler's broker-truth writes and the fill-completion
// goroutines do not take this lock. Locks are created lazily and never removed; the daemon's trade universe
// is small enough that this does not leak meaningfully over a process
// lifetime.
func (d *Daemon) lockTrade(tradeID string) func() {
	d.mu.Lock()
	lock, ok := d.tradeLocks[tradeID]
	if !ok {
		lock = &sync.Mutex{}
		d.tradeLocks[tradeID] = lock
	}
	d.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// dispatchAction turns a validated DecisionOutput into broker/persistence
// side effects and returns a JSON summary for the Decision audit row.
func (d *Daemon) dispatchAction(ctx context.Context, out reasoning.DecisionOutput) string {
	switch out.Action {
	case types.ActionStageCandidates:
		return d.dispatchStageCandidates(ctx, out)
	case types.ActionExecuteTrades:
		return d.dispatchExecuteTrades(ctx, out)
	case types.ActionClosePosition:
		return d.dispatchClosePosition(ctx, out)
	case types.ActionRollPosition:
		return d.dispatchRollPosition(ctx, out)
	case types.ActionMonitorOnly, types.ActionSkipSession:
		return `{"result":"no_action"}`
	case types.ActionProposeExperiment:
		return d.dispatchProposeExperiment(ctx, out)
	case types.ActionRequestHumanReview:
		return d.dispatchRequestHumanReview(ctx, out)
	case types.ActionEmergencyHalt:
		return d.dispatchEmergencyHalt(ctx, out)
	default:
		return fmt.Sprintf(`{"error":"unrecognized action %q"}`, out.Action)
	}
}

func (d *Daemon) dispatchStageCandidates(ctx context.Context, out reasoning.DecisionOutput) string {
	symbols := out.TargetSymbols
	if len(symbols) == 0 {
		symbols = d.cfg.Daemon.Symbols
	}
	if len(symbols) == 0 {
		return `{"error":"no symbols configured to stage"}`
	}

	wm, err := d.memory.LoadSession(ctx)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	strategy := d.applyActiveExperimentArm(ctx, wm.Strategy)
	expiration := nextWeeklyExpiration(strategy.TargetDTEDays)

	staged, err := d.exec.StageCandidates(ctx, symbols, strategy, expiration)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	ids := make([]string, len(staged))
	for i, s := range staged {
		ids[i] = s.ID
	}
	b, _ := json.Marshal(map[string]any{"staged": ids})
	return string(b)
}

// applyActiveExperimentArm allocates this staging cycle's arm for the
// single active experiment (if any) and substitutes its test value into
// the strategy used to select and size candidates. The allocation uses the
// current time as a stand-in key since a staged opportunity's real
// entryTime is not known until it fills; the arm a given StagedOpportunity
// was staged under is later recovered deterministically by comparing its
// TargetDelta/TargetDTE against the experiment's control/test values,
// rather than re-deriving it from AllocateArm a second time.
func (d *Daemon) applyActiveExperimentArm(ctx context.Context, base types.StrategyState) types.StrategyState {
	exps, err := d.store.Experiments.Active(ctx)
	if err != nil || len(exps) == 0 {
		return base
	}
	exp := exps[0]
	if learning.AllocateArm(exp.ID, time.Now().UTC(), exp.AllocationFraction) != "test" {
		return base
	}
	variant := base
	learning.ApplyParameter(&variant, exp.Parameter, exp.TestValue)
	return variant
}

// armForStaged classifies which arm a StagedOpportunity was staged under
// by comparing its baked-in parameter value against the active
// experiment's control/test values.
func (d *Daemon) armForStaged(ctx context.Context, opp *types.StagedOpportunity) (string, *types.Experiment) {
	exps, err := d.store.Experiments.Active(ctx)
	if err != nil {
		return "", nil
	}
	for _, exp := range exps {
		var value decimal.Decimal
		switch exp.Parameter {
		case "target_delta":
			value = opp.TargetDelta
		case "target_dte_days":
			value = decimal.NewFromInt(int64(opp.TargetDTE))
		default:
			continue
		}
		if value.Equal(exp.TestValue) {
			return "test", exp
		}
		if value.Equal(exp.ControlValue) {
			return "control", exp
		}
	}
	return "", nil
}

func (d *Daemon) dispatchExecuteTrades(ctx context.Context, out reasoning.DecisionOutput) string {
	ids := out.TargetPositionIDs
	if len(ids) == 0 {
		pending, err := d.store.Staged.Pending(ctx)
		if err != nil {
			return fmt.Sprintf(`{"error":%q}`, err.Error())
		}
		for _, p := range pending {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return `{"result":"no_staged_opportunities"}`
	}

	authCtx, err := d.buildAuthContext(ctx, out.Confidence)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	authCtx.Autonomy.IsNewSymbol = d.anyNewSymbolForStaged(ctx, ids)
	authCtx.Autonomy.ProposedPositionSize = d.averageStagedSize(ctx, ids)

	outcomes, err := d.exec.ExecuteStaged(ctx, ids, authCtx)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}

	results := make([]map[string]string, 0, len(outcomes))
	for _, o := range outcomes {
		results = append(results, map[string]string{
			"stagedId": o.StagedID, "tradeId": o.TradeID, "decision": o.Decision, "reason": o.Reason,
		})
		if o.FillCh == nil {
			continue
		}
		expID, arm := "", ""
		if opp, err := d.store.Staged.Get(ctx, o.StagedID); err == nil {
			if tagArm, exp := d.armForStaged(ctx, opp); exp != nil {
				expID, arm = exp.ID, tagArm
			}
		}
		d.wg.Add(1)
		go d.awaitEntryFill(o, expID, arm)
	}
	b, _ := json.Marshal(results)
	return string(b)
}

func (d *Daemon) anyNewSymbolForStaged(ctx context.Context, ids []string) bool {
	for _, id := range ids {
		opp, err := d.store.Staged.Get(ctx, id)
		if err != nil {
			continue
		}
		traded, err := d.store.Trades.HasTraded(ctx, opp.Underlying)
		if err != nil {
			d.logger.Warn("checking trade history", zap.String("underlying", opp.Underlying), zap.Error(err))
			continue
		}
		if !traded {
			return true
		}
	}
	return false
}

func (d *Daemon) averageStagedSize(ctx context.Context, ids []string) decimal.Decimal {
	total, count := 0, 0
	for _, id := range ids {
		opp, err := d.store.Staged.Get(ctx, id)
		if err != nil {
			continue
		}
		c := opp.Contracts
		if c < 0 {
			c = -c
		}
		total += c
		count++
	}
	if count == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(total)).Div(decimal.NewFromInt(int64(count)))
}

func (d *Daemon) dispatchClosePosition(ctx context.Context, out reasoning.DecisionOutput) string {
	if len(out.TargetPositionIDs) == 0 {
		return `{"error":"no target position ids for close"}`
	}
	results := make([]map[string]string, 0, len(out.TargetPositionIDs))
	for _, tradeID := range out.TargetPositionIDs {
		unlock := d.lockTrade(tradeID)
		outcome, err := d.exec.ClosePosition(ctx, tradeID, types.ExitKindManual)
		unlock()
		if err != nil {
			results = append(results, map[string]string{"tradeId": tradeID, "error": err.Error()})
			continue
		}
		results = append(results, map[string]string{"tradeId": tradeID, "decision": outcome.Decision})
		if outcome.FillCh != nil {
			d.wg.Add(1)
			go d.awaitExitFill(tradeID, types.ExitKindManual, outcome.FillCh)
		}
	}
	b, _ := json.Marshal(results)
	return string(b)
}

func (d *Daemon) dispatchRollPosition(ctx context.Context, out reasoning.DecisionOutput) string {
	if len(out.TargetPositionIDs) == 0 {
		return `{"error":"no target position ids for roll"}`
	}
	wm, err := d.memory.LoadSession(ctx)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}

	results := make([]map[string]string, 0, len(out.TargetPositionIDs))
	for _, tradeID := range out.TargetPositionIDs {
		unlock := d.lockTrade(tradeID)
		result := d.rollOne(ctx, tradeID, wm.Strategy, out.Confidence)
		unlock()
		results = append(results, result)
	}
	b, _ := json.Marshal(results)
	return string(b)
}

// rollOne sequences a roll as three separate executor calls: RollPosition
// prices both legs, bumps the roll count, and stages the new leg — it
// never closes the original leg — so the
// old leg's close must be submitted here explicitly, tagged ExitKindRoll
// so the audit trail distinguishes it from a manual close, before the new
// leg is submitted via ExecuteStaged.
func (d *Daemon) rollOne(ctx context.Context, tradeID string, strategy types.StrategyState, confidence decimal.Decimal) map[string]string {
	trade, err := d.store.Trades.Get(ctx, tradeID)
	if err != nil {
		return map[string]string{"tradeId": tradeID, "error": err.Error()}
	}

	expiration := nextWeeklyExpiration(strategy.TargetDTEDays)
	expTime, err := time.Parse("20060102", expiration)
	if err != nil {
		return map[string]string{"tradeId": tradeID, "error": err.Error()}
	}

	newOpp, err := d.exec.RollPosition(ctx, tradeID, types.StagedOpportunity{Expiration: expTime}, strategy)
	if err != nil {
		return map[string]string{"tradeId": tradeID, "error": err.Error()}
	}

	closeOutcome, err := d.exec.ClosePosition(ctx, tradeID, types.ExitKindRoll)
	if err != nil {
		return map[string]string{"tradeId": tradeID, "rolledStagedId": newOpp.ID, "error": "closing old leg: " + err.Error()}
	}
	if closeOutcome.FillCh != nil {
		d.wg.Add(1)
		go d.awaitExitFill(tradeID, types.ExitKindRoll, closeOutcome.FillCh)
	}

	authCtx, err := d.buildAuthContext(ctx, confidence)
	if err != nil {
		return map[string]string{"tradeId": tradeID, "rolledStagedId": newOpp.ID, "error": "building auth context for new leg: " + err.Error()}
	}
	authCtx.Autonomy.IsNewSymbol = false // rolling an existing position, never a new symbol

	outcomes, err := d.exec.ExecuteStaged(ctx, []string{newOpp.ID}, authCtx)
	if err != nil || len(outcomes) == 0 {
		msg := "no outcome returned for rolled leg"
		if err != nil {
			msg = err.Error()
		}
		return map[string]string{"tradeId": tradeID, "rolledStagedId": newOpp.ID, "error": msg}
	}

	newOutcome := outcomes[0]
	if newOutcome.FillCh != nil {
		d.wg.Add(1)
		go d.awaitEntryFill(newOutcome, "", "")
	}
	return map[string]string{
		"tradeId": tradeID, "underlying": trade.Underlying,
		"rolledStagedId": newOpp.ID, "newTradeId": newOutcome.TradeID, "decision": newOutcome.Decision,
	}
}

func (d *Daemon) dispatchProposeExperiment(ctx context.Context, out reasoning.DecisionOutput) string {
	if len(out.ExperimentProposal) == 0 {
		return `{"error":"PROPOSE_EXPERIMENT action carried no experimentProposal payload"}`
	}
	var proposal learning.ExperimentProposal
	if err := json.Unmarshal(out.ExperimentProposal, &proposal); err != nil {
		return fmt.Sprintf(`{"error":%q}`, "parsing experiment proposal: "+err.Error())
	}
	name := fmt.Sprintf("%s_%d", proposal.Parameter, time.Now().UTC().Unix())
	exp, err := d.learn.StartExperiment(ctx, name, &proposal)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	b, _ := json.Marshal(map[string]string{"experimentId": exp.ID, "name": exp.Name})
	return string(b)
}

func (d *Daemon) dispatchRequestHumanReview(ctx context.Context, out reasoning.DecisionOutput) string {
	reason := out.Reasoning
	if reason == "" {
		reason = "reasoning engine requested human review"
	}
	if _, err := d.memory.RaiseAnomaly(ctx, "human_review_requested", reason, false); err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return `{"result":"queued_for_human_review"}`
}

func (d *Daemon) dispatchEmergencyHalt(ctx context.Context, out reasoning.DecisionOutput) string {
	reason := "emergency_halt: " + out.Reasoning
	if err := d.store.SystemState.SetKillSwitch(ctx, true, reason); err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	if d.metrics != nil {
		d.metrics.KillSwitch.Set(1)
	}
	if _, err := d.memory.RaiseAnomaly(ctx, "emergency_halt", reason, true); err != nil {
		d.logger.Error("raising emergency halt anomaly", zap.Error(err))
	}
	d.logger.Error("emergency halt triggered by reasoning engine", zap.String("reasoning", out.Reasoning))
	return `{"result":"halted"}`
}

// awaitEntryFill drains one submitted entry's Fill Manager outcome,
// completes the Trade's open transition, and tags its experiment arm if
// one was allocated for this staging cycle.
func (d *Daemon) awaitEntryFill(outcome executor.Outcome, experimentID, arm string) {
	defer d.wg.Done()
	fill, ok := <-outcome.FillCh
	if !ok || fill.FinalState == fillmgr.StateCancelled || fill.FilledQuantity == 0 {
		return
	}
	if fill.FinalState == fillmgr.StateLeftWorkingOnTimeout {
		d.logger.Warn("entry order left working past the monitoring window; opening trade on the partial fill booked so far",
			zap.String("tradeId", outcome.TradeID), zap.Int("filledQuantity", fill.FilledQuantity))
	}

	ctx := context.Background()
	snapshot, snapshotJSON := d.captureSnapshot(ctx, outcome.TradeID)
	if err := d.exec.CompleteEntry(ctx, outcome.TradeID, fill, snapshot, snapshotJSON); err != nil {
		d.logger.Error("completing entry fill", zap.String("tradeId", outcome.TradeID), zap.Error(err))
		return
	}
	if d.metrics != nil {
		d.metrics.TradesOpened.Inc()
	}
	if experimentID == "" {
		return
	}
	if err := d.store.Trades.SetExperimentArm(ctx, outcome.TradeID, arm); err != nil {
		d.logger.Warn("tagging experiment arm", zap.String("tradeId", outcome.TradeID), zap.Error(err))
	}
}

// awaitExitFill drains one submitted close's Fill Manager outcome,
// finalizes the Trade as closed, folds the outcome into Working Memory's
// rolling window, and attributes it to an experiment arm if it carries one.
func (d *Daemon) awaitExitFill(tradeID string, exitKind types.ExitKind, fillCh <-chan fillmgr.FillReport) {
	defer d.wg.Done()
	fill, ok := <-fillCh
	if !ok || fill.FinalState == fillmgr.StateCancelled || fill.FilledQuantity == 0 {
		return
	}
	if fill.FinalState == fillmgr.StateLeftWorkingOnTimeout {
		d.logger.Warn("exit order left working past the monitoring window; closing trade on the partial fill booked so far",
			zap.String("tradeId", tradeID), zap.Int("filledQuantity", fill.FilledQuantity))
	}

	ctx := context.Background()
	trade, err := d.store.Trades.Get(ctx, tradeID)
	if err != nil {
		d.logger.Error("loading trade for exit completion", zap.String("tradeId", tradeID), zap.Error(err))
		return
	}

	realizedPnL := exitPnL(trade, fill.AvgFillPrice)
	snapshot, snapshotJSON := d.captureSnapshot(ctx, tradeID)
	if err := d.exec.CompleteExit(ctx, tradeID, fill, exitKind, realizedPnL, decimal.Zero, snapshot, snapshotJSON); err != nil {
		d.logger.Error("completing exit fill", zap.String("tradeId", tradeID), zap.Error(err))
		return
	}
	if d.metrics != nil {
		d.metrics.TradesClosed.Inc()
		f, _ := realizedPnL.Float64()
		d.metrics.RealizedPnL.Add(f)
	}

	win := realizedPnL.IsPositive()
	roi := tradeROI(trade, realizedPnL)
	if _, err := d.memory.RecordOutcome(ctx, win, roi); err != nil {
		d.logger.Warn("recording rolling outcome", zap.String("tradeId", tradeID), zap.Error(err))
	}

	if trade.ExperimentArm == "" {
		return
	}
	exp := d.experimentForTrade(ctx, trade)
	if exp == nil {
		return
	}
	if err := d.learn.RecordOutcome(ctx, exp.ID, trade.ExperimentArm, win, roi); err != nil {
		d.logger.Warn("recording experiment outcome", zap.String("tradeId", tradeID), zap.Error(err))
	}
}

// experimentForTrade recovers which active experiment a trade's arm tag
// belongs to, since Trade carries only the arm string and not an
// experiment id. It picks the most recently started active experiment
// that predates the trade's entry — a reasonable heuristic given this
// daemon only ever runs one experiment per strategy parameter at a time.
func (d *Daemon) experimentForTrade(ctx context.Context, trade *types.Trade) *types.Experiment {
	exps, err := d.store.Experiments.Active(ctx)
	if err != nil || len(exps) == 0 {
		return nil
	}
	var best *types.Experiment
	for _, exp := range exps {
		if exp.StartedAt.After(trade.EntryTime) {
			continue
		}
		if best == nil || exp.StartedAt.After(best.StartedAt) {
			best = exp
		}
	}
	return best
}

// exitPnL computes realized P&L for a short option position closed at
// exitPremium, matching the entryPremium*contracts*100 basis convention
// the Learning Loop uses for ROI.
func exitPnL(trade *types.Trade, exitPremium decimal.Decimal) decimal.Decimal {
	contracts := trade.Contracts
	if contracts < 0 {
		contracts = -contracts
	}
	return trade.EntryPremium.Sub(exitPremium).
		Mul(decimal.NewFromInt(int64(contracts))).
		Mul(decimal.NewFromInt(100))
}

func tradeROI(trade *types.Trade, realizedPnL decimal.Decimal) decimal.Decimal {
	contracts := trade.Contracts
	if contracts < 0 {
		contracts = -contracts
	}
	basis := trade.EntryPremium.Mul(decimal.NewFromInt(int64(contracts))).Mul(decimal.NewFromInt(100))
	if !basis.IsPositive() {
		return decimal.Zero
	}
	return realizedPnL.Div(basis)
}

// captureSnapshot builds a market-facts Snapshot for a trade at the
// current moment, used for both EntrySnapshot and ExitSnapshot.
func (d *Daemon) captureSnapshot(ctx context.Context, tradeID string) (*types.Snapshot, string) {
	trade, err := d.store.Trades.Get(ctx, tradeID)
	if err != nil {
		d.logger.Warn("loading trade for snapshot", zap.String("tradeId", tradeID), zap.Error(err))
		return nil, ""
	}

	quote, greeks, err := d.adapter.GetOptionQuote(ctx, types.ContractSpec{
		Underlying: trade.Underlying, Right: trade.Right, Strike: trade.Strike, Expiration: trade.Expiration,
	})
	if err != nil {
		d.logger.Warn("fetching option quote for snapshot", zap.String("tradeId", tradeID), zap.Error(err))
	}
	underlyingQuote, err := d.adapter.GetUnderlyingQuote(ctx, trade.Underlying)
	if err != nil {
		d.logger.Warn("fetching underlying quote for snapshot", zap.String("tradeId", tradeID), zap.Error(err))
	}
	vix, err := d.adapter.GetVIX(ctx)
	if err != nil {
		d.logger.Warn("fetching VIX for snapshot", zap.Error(err))
	}

	snap := &types.Snapshot{
		TradeID: tradeID, CapturedAt: time.Now().UTC(),
		Bid: quote.Bid, Ask: quote.Ask, Mid: quote.Bid.Add(quote.Ask).Div(decimal.NewFromInt(2)),
		Delta: greeks.Delta, Gamma: greeks.Gamma, Theta: greeks.Theta, IV: greeks.IV,
		UnderlyingPrice: underlyingQuote.Last, VIX: vix,
	}
	b, err := json.Marshal(snap)
	if err != nil {
		d.logger.Warn("serializing snapshot", zap.String("tradeId", tradeID), zap.Error(err))
		return snap, ""
	}
	return snap, string(b)
}

func (d *Daemon) handleOrderEvent(ctx context.Context) error {
	report, err := d.recon.Run(ctx)
	if err != nil {
		return fmt.Errorf("reconciling after order event: %w", err)
	}
	if len(report.Discrepancies) > 0 {
		d.logger.Warn("reconciliation found discrepancies after order event", zap.Int("count", len(report.Discrepancies)))
	}
	return nil
}

func (d *Daemon) handleBrokerDisconnected(ctx context.Context) error {
	_, err := d.memory.RaiseAnomaly(ctx, "broker_disconnected", "broker connection lost", true)
	return err
}

func (d *Daemon) handleBrokerReconnected(ctx context.Context) error {
	if _, err := d.memory.ClearAnomaly(ctx, "broker_disconnected"); err != nil {
		return fmt.Errorf("clearing broker_disconnected anomaly: %w", err)
	}
	if _, err := d.recon.Run(ctx); err != nil {
		return fmt.Errorf("reconciling after broker reconnect: %w", err)
	}
	return nil
}

func (d *Daemon) handleStaleMarketData(ctx context.Context, e *types.Event) error {
	reason := "market data staleness threshold exceeded"
	if symbol, ok := e.Payload["underlying"].(string); ok && symbol != "" {
		reason = fmt.Sprintf("%s: stale quotes for %s", reason, symbol)
	}
	_, err := d.memory.RaiseAnomaly(ctx, "stale_market_data", reason, false)
	return err
}

func (d *Daemon) handleAnomalyDetected(ctx context.Context, e *types.Event) error {
	kind, _ := e.Payload["kind"].(string)
	if kind == "" {
		kind = "unspecified_anomaly"
	}
	reason, _ := e.Payload["reason"].(string)
	hardBlock, _ := e.Payload["hardBlock"].(bool)
	_, err := d.memory.RaiseAnomaly(ctx, kind, reason, hardBlock)
	return err
}

// runEndOfDayReflection runs the Learning Loop's daily reflection,
// surfaces any experiment proposals, scans for newly-confirmed patterns,
// advances the promotion clock, and evaluates the daily autonomy-level
// transition.
func (d *Daemon) runEndOfDayReflection(ctx context.Context, e *types.Event) error {
	day := time.Now().UTC()
	if e.TradingDate != "" {
		if parsed, err := time.Parse("2006-01-02", e.TradingDate); err == nil {
			day = parsed
		}
	}

	reflection, err := d.learn.Reflect(ctx, day)
	if err != nil {
		return fmt.Errorf("reflecting on %s: %w", day.Format("2006-01-02"), err)
	}
	d.logger.Info("end of day reflection",
		zap.String("date", reflection.Date.Format("2006-01-02")),
		zap.Int("tradesClosed", reflection.TradesClosed),
		zap.String("winRate", reflection.WinRate.String()),
		zap.String("realizedPnl", reflection.RealizedPnL.String()))

	for _, proposal := range reflection.Proposals {
		name := fmt.Sprintf("%s_%s", proposal.Parameter, day.Format("20060102"))
		if _, err := d.learn.StartExperiment(ctx, name, proposal); err != nil {
			d.logger.Warn("starting experiment from reflection proposal",
				zap.String("parameter", proposal.Parameter), zap.Error(err))
		}
	}

	if patterns, err := d.learn.DetectPatterns(ctx, day.AddDate(0, 0, -90)); err != nil {
		d.logger.Warn("detecting patterns during end of day reflection", zap.Error(err))
	} else if len(patterns) > 0 {
		d.logger.Info("detected patterns", zap.Int("count", len(patterns)))
	}

	// overrideToday tracks a human manually overriding an autonomy
	// decision. No approval-queue surface exists yet to observe that, so
	// this daemon reports false; the demotion path in
	// autonomy.EvaluateDailyTransition is wired and ready once one does.
	overrideToday := false
	if !overrideToday {
		if _, err := d.memory.IncrementDaysSinceOverride(ctx); err != nil {
			d.logger.Warn("incrementing days since override", zap.Error(err))
		}
	}

	wm, err := d.memory.LoadSession(ctx)
	if err != nil {
		return fmt.Errorf("loading session for autonomy transition: %w", err)
	}
	lossStreak := d.currentLossStreak(ctx)
	anomalyFired := len(wm.Anomalies) > 0
	transition := autonomy.EvaluateDailyTransition(wm, d.cfg.Autonomy, overrideToday, lossStreak, anomalyFired)
	if transition.Changed {
		if _, err := d.memory.UpdateAutonomyLevel(ctx, int(transition.NewLevel)); err != nil {
			d.logger.Error("applying autonomy transition", zap.Error(err))
		} else {
			d.logger.Info("autonomy level changed",
				zap.Int("newLevel", int(transition.NewLevel)), zap.String("reason", transition.Reason))
		}
	}
	if d.metrics != nil {
		level := wm.AutonomyLevel
		if transition.Changed {
			level = int(transition.NewLevel)
		}
		d.metrics.AutonomyLevel.Set(float64(level))
		if open, err := d.store.Trades.OpenPositions(ctx); err == nil {
			d.metrics.OpenPositions.Set(float64(len(open)))
		}
	}
	return nil
}

func (d *Daemon) currentLossStreak(ctx context.Context) int {
	since := time.Now().UTC().AddDate(0, 0, -30)
	trades, err := d.store.Trades.ClosedSince(ctx, since)
	if err != nil {
		d.logger.Warn("loading closed trades for loss streak", zap.Error(err))
		return 0
	}
	streak := 0
	for i := len(trades) - 1; i >= 0; i-- {
		if !trades[i].RealizedPnL.IsNegative() {
			break
		}
		streak++
	}
	return streak
}

// runWeeklyLearning evaluates outstanding experiments for statistical
// significance (adoption happens internally in EvaluateExperiments) and
// runs an extended pattern scan.
func (d *Daemon) runWeeklyLearning(ctx context.Context) error {
	finished, err := d.learn.EvaluateExperiments(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("evaluating experiments: %w", err)
	}
	for _, exp := range finished {
		d.logger.Info("experiment concluded",
			zap.String("name", exp.Name), zap.String("status", string(exp.Status)), zap.String("reason", exp.DecisionReason))
	}

	if patterns, err := d.learn.DetectPatterns(ctx, time.Now().UTC().AddDate(0, 0, -90)); err != nil {
		d.logger.Warn("detecting patterns during weekly learning", zap.Error(err))
	} else if len(patterns) > 0 {
		d.logger.Info("weekly pattern scan", zap.Int("detected", len(patterns)))
	}
	return nil
}

// nextWeeklyExpiration returns the nearest Friday-expiring contract date
// at or after now+targetDTEDays, in broker contract-date format.
func nextWeeklyExpiration(targetDTEDays int) string {
	target := time.Now().UTC().AddDate(0, 0, targetDTEDays)
	for target.Weekday() != time.Friday {
		target = target.AddDate(0, 0, 1)
	}
	return target.Format("20060102")
}
