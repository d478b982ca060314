// Package learning is the Learning Loop: pattern detection over closed
// trades, A/B experiment lifecycle management, and end-of-day reflection.
// It never mutates strategy parameters except through an adopted experiment.
package learning

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/optionsdaemon/putseller/internal/memory"
	"github.com/optionsdaemon/putseller/internal/store"
	"github.com/optionsdaemon/putseller/pkg/types"
	"github.com/optionsdaemon/putseller/pkg/utils"
)

// Known pattern-detection axes. "unknown" bucket values are never retained
// as patterns since they carry no actionable parameter mapping.
const (
	axisDelta      = "delta_bucket"
	axisDTE        = "dte_bucket"
	axisVIX        = "vix_regime"
	axisTrend      = "trend_state"
	axisSector     = "sector"
	axisDayOfWeek  = "day_of_week"
	axisTechnical  = "technical_conditions"
)

var axisNames = []string{axisDelta, axisDTE, axisVIX, axisTrend, axisSector, axisDayOfWeek, axisTechnical}

// Engine wires closed-trade analysis, the patterns/experiments repositories,
// and Working Memory's strategy parameters together.
type Engine struct {
	store     *store.Store
	memory    *memory.Memory
	logger    *zap.Logger
	config    types.LearningConfig
	sectorMap map[string]string
}

// New builds an Engine. sectorMap should be the same underlying->sector
// mapping the Risk Governor's concentration check uses, so patterns and
// risk limits reason about sectors consistently.
func New(s *store.Store, mem *memory.Memory, logger *zap.Logger, cfg types.LearningConfig, sectorMap map[string]string) *Engine {
	return &Engine{store: s, memory: mem, logger: logger.Named("learning"), config: cfg, sectorMap: sectorMap}
}

// outcome reduces one closed trade to what pattern detection needs: the
// win/ROI pair and its bucket key on every axis.
type outcome struct {
	win    bool
	roi    float64
	bucket map[string]string
}

// DetectPatterns evaluates every known axis over trades closed since `since`
// and persists the patterns that clear both the significance and minimum
// effect size thresholds. Returns nil (not an error) if there is not yet
// enough history to evaluate.
func (e *Engine) DetectPatterns(ctx context.Context, since time.Time) ([]*types.Pattern, error) {
	trades, err := e.store.Trades.ClosedSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("loading closed trades: %w", err)
	}
	if len(trades) < e.config.MinSamples {
		return nil, nil
	}

	outcomes := make([]outcome, 0, len(trades))
	for _, t := range trades {
		o, err := e.buildOutcome(ctx, t)
		if err != nil {
			e.logger.Warn("skipping trade in pattern detection", zap.String("tradeId", t.ID), zap.Error(err))
			continue
		}
		outcomes = append(outcomes, o)
	}

	var detected []*types.Pattern
	for _, axis := range axisNames {
		detected = append(detected, e.detectAxis(ctx, axis, outcomes)...)
	}
	return detected, nil
}

func (e *Engine) buildOutcome(ctx context.Context, t *types.Trade) (outcome, error) {
	snap, err := e.store.Trades.EntrySnapshot(ctx, t.ID)
	if err != nil {
		return outcome{}, fmt.Errorf("loading entry snapshot for trade %s: %w", t.ID, err)
	}

	contracts := t.Contracts
	if contracts < 0 {
		contracts = -contracts
	}
	basis := t.EntryPremium.Mul(decimal.NewFromInt(int64(contracts))).Mul(decimal.NewFromInt(100))
	roi := 0.0
	if basis.IsPositive() {
		roi, _ = t.RealizedPnL.Div(basis).Float64()
	}

	return outcome{
		win: t.RealizedPnL.IsPositive(),
		roi: roi,
		bucket: map[string]string{
			axisDelta:     bucketDelta(snap),
			axisDTE:       bucketDTE(t),
			axisVIX:       bucketVIX(snap),
			axisTrend:     bucketTrend(snap),
			axisSector:    bucketSector(e.sectorMap, t.Underlying),
			axisDayOfWeek: t.EntryTime.Weekday().String(),
			axisTechnical: bucketTechnical(snap),
		},
	}, nil
}

// detectAxis groups outcomes by bucket value within one axis and tests each
// sufficiently-sampled bucket against its complement.
func (e *Engine) detectAxis(ctx context.Context, axis string, outcomes []outcome) []*types.Pattern {
	groups := make(map[string][]outcome)
	for _, o := range outcomes {
		groups[o.bucket[axis]] = append(groups[o.bucket[axis]], o)
	}

	var patterns []*types.Pattern
	for bucket, group := range groups {
		if bucket == "unknown" || len(group) < e.config.MinSamples {
			continue
		}
		complement := make([]outcome, 0, len(outcomes)-len(group))
		for _, o := range outcomes {
			if o.bucket[axis] != bucket {
				complement = append(complement, o)
			}
		}
		if len(complement) < e.config.MinSamples {
			continue
		}

		mean1, var1 := roiMeanVar(group)
		mean2, var2 := roiMeanVar(complement)
		_, p := twoSampleZTest(mean1, var1, len(group), mean2, var2, len(complement))
		effect := mean1 - mean2
		if p >= e.config.SignificanceAlpha.InexactFloat64() || absFloat(effect) < e.config.MinEffectSize.InexactFloat64() {
			continue
		}

		wins := 0
		for _, o := range group {
			if o.win {
				wins++
			}
		}
		winRate := decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(group))))

		pattern := &types.Pattern{
			ID: utils.GenerateID("pat"), Category: axis, Name: bucket, SampleSize: len(group),
			WinRate: winRate, AvgROI: decimal.NewFromFloat(mean1), Confidence: decimal.NewFromFloat(1 - p),
			PValue: decimal.NewFromFloat(p), EffectSize: decimal.NewFromFloat(effect),
			Status: types.PatternStatusConfirmed, DetectedAt: time.Now().UTC(),
		}
		if err := e.store.Patterns.Create(ctx, pattern); err != nil {
			e.logger.Error("persisting pattern", zap.String("axis", axis), zap.String("bucket", bucket), zap.Error(err))
			continue
		}
		patterns = append(patterns, pattern)
	}
	return patterns
}

// ExperimentProposal is a candidate parameter change derived from a
// confirmed Pattern, not yet an Experiment until StartExperiment persists it.
type ExperimentProposal struct {
	Parameter string
	Control   decimal.Decimal
	Test      decimal.Decimal
	Reason    string
}

// ProposeExperiment maps a confirmed pattern to a tunable strategy
// parameter, when its axis has one. Patterns on axes with no mapped
// parameter (sector, day-of-week, technical conditions, trend) are
// informational only and return an error rather than a proposal.
func (e *Engine) ProposeExperiment(p *types.Pattern, strategy types.StrategyState) (*ExperimentProposal, error) {
	switch p.Category {
	case axisDelta:
		target, err := decimal.NewFromString(p.Name)
		if err != nil {
			return nil, fmt.Errorf("parsing delta bucket %q: %w", p.Name, err)
		}
		return &ExperimentProposal{
			Parameter: "target_delta", Control: strategy.TargetDelta, Test: target,
			Reason: fmt.Sprintf("delta bucket %s shows %s effect size over %d trades", p.Name, p.EffectSize.StringFixed(4), p.SampleSize),
		}, nil
	case axisDTE:
		target, err := dteBucketMidpoint(p.Name)
		if err != nil {
			return nil, err
		}
		return &ExperimentProposal{
			Parameter: "target_dte_days", Control: decimal.NewFromInt(int64(strategy.TargetDTEDays)), Test: target,
			Reason: fmt.Sprintf("DTE bucket %s shows %s effect size over %d trades", p.Name, p.EffectSize.StringFixed(4), p.SampleSize),
		}, nil
	default:
		return nil, fmt.Errorf("pattern category %q has no mapped tunable parameter", p.Category)
	}
}

// StartExperiment persists an ExperimentProposal as an active Experiment
// with an even control/test allocation, defaulting min samples and deadline
// from the learning configuration.
func (e *Engine) StartExperiment(ctx context.Context, name string, proposal *ExperimentProposal) (*types.Experiment, error) {
	now := time.Now().UTC()
	exp := &types.Experiment{
		ID: utils.GenerateID("exp"), Name: name, Parameter: proposal.Parameter,
		ControlValue: proposal.Control, TestValue: proposal.Test,
		AllocationFraction: decimal.NewFromFloat(0.5), MinSamples: e.config.MinSamples,
		Status: types.ExperimentStatusActive, StartedAt: now, Deadline: now.Add(e.config.ExperimentDeadline),
		DecisionReason: proposal.Reason,
	}
	if err := e.store.Experiments.Create(ctx, exp); err != nil {
		return nil, fmt.Errorf("starting experiment %s: %w", name, err)
	}
	return exp, nil
}

// AllocateArm assigns a trade entering during an active experiment to the
// control or test arm via a stable hash on (experiment_id, entry_time), so
// the same trade always lands on the same arm if re-evaluated.
func AllocateArm(experimentID string, entryTime time.Time, allocationFraction decimal.Decimal) string {
	key := fmt.Sprintf("%s:%s", experimentID, entryTime.UTC().Format(time.RFC3339Nano))
	if utils.StableHashFraction(key) < allocationFraction.InexactFloat64() {
		return "test"
	}
	return "control"
}

// RecordOutcome folds one closed trade's result into its experiment arm.
func (e *Engine) RecordOutcome(ctx context.Context, experimentID, arm string, win bool, roi decimal.Decimal) error {
	if err := e.store.Experiments.RecordArmOutcome(ctx, experimentID, arm, win, roi); err != nil {
		return fmt.Errorf("recording arm outcome for experiment %s: %w", experimentID, err)
	}
	return nil
}

// EvaluateExperiments checks every active experiment for termination: both
// arms reaching min_samples with either arm significant, or the hard
// deadline passing (inconclusive). Adoption updates Working Memory's
// strategy parameters; this is the only path by which the Learning Loop
// mutates them.
func (e *Engine) EvaluateExperiments(ctx context.Context, now time.Time) ([]*types.Experiment, error) {
	active, err := e.store.Experiments.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading active experiments: %w", err)
	}

	var finished []*types.Experiment
	for _, exp := range active {
		status, reason, done := e.evaluateOne(exp, now)
		if !done {
			continue
		}
		if err := e.store.Experiments.Finish(ctx, exp.ID, status, reason); err != nil {
			e.logger.Error("finishing experiment", zap.String("experimentId", exp.ID), zap.Error(err))
			continue
		}
		exp.Status, exp.DecisionReason = status, reason

		if status == types.ExperimentStatusAdopted {
			parameter, testValue := exp.Parameter, exp.TestValue
			if _, err := e.memory.UpdateStrategyState(ctx, func(s *types.StrategyState) {
				ApplyParameter(s, parameter, testValue)
			}); err != nil {
				e.logger.Error("adopting experiment parameter", zap.String("experimentId", exp.ID), zap.Error(err))
			}
		}
		finished = append(finished, exp)
	}
	return finished, nil
}

func (e *Engine) evaluateOne(exp *types.Experiment, now time.Time) (status types.ExperimentStatus, reason string, done bool) {
	bothEnough := exp.ControlStats.Samples >= exp.MinSamples && exp.TestStats.Samples >= exp.MinSamples
	if bothEnough {
		mean1, var1 := armMeanVar(exp.ControlStats)
		mean2, var2 := armMeanVar(exp.TestStats)
		_, p := twoSampleZTest(mean1, var1, exp.ControlStats.Samples, mean2, var2, exp.TestStats.Samples)
		if p < e.config.SignificanceAlpha.InexactFloat64() {
			if mean2 > mean1 {
				return types.ExperimentStatusAdopted,
					fmt.Sprintf("test arm mean ROI %.4f beat control %.4f (p=%.4f, n=%d/%d)", mean2, mean1, p, exp.ControlStats.Samples, exp.TestStats.Samples),
					true
			}
			return types.ExperimentStatusRejected,
				fmt.Sprintf("control arm mean ROI %.4f beat test %.4f (p=%.4f, n=%d/%d)", mean1, mean2, p, exp.ControlStats.Samples, exp.TestStats.Samples),
				true
		}
	}
	if now.After(exp.Deadline) {
		return types.ExperimentStatusInconclusive, "reached experiment deadline without significance", true
	}
	return "", "", false
}

// ApplyParameter mutates the named strategy field to value. It's exported so
// the orchestrator can substitute an experiment's test value when building
// the StrategyState variant used for a single staging cycle's arm.
func ApplyParameter(s *types.StrategyState, parameter string, value decimal.Decimal) {
	switch parameter {
	case "target_delta":
		s.TargetDelta = value
	case "target_dte_days":
		s.TargetDTEDays = int(value.IntPart())
	case "profit_target_pct":
		s.ProfitTargetPct = value
	case "stop_loss_pct":
		s.StopLossPct = value
	}
}

// DailyReflection summarizes one trading day's closed-trade outcomes. It
// may surface experiment proposals for the caller to act on, but never
// mutates strategy parameters itself.
type DailyReflection struct {
	Date         time.Time
	TradesClosed int
	WinRate      decimal.Decimal
	RealizedPnL  decimal.Decimal
	RecentSharpe decimal.Decimal
	MaxDrawdown  decimal.Decimal
	Summary      string
	Proposals    []*ExperimentProposal
}

// Reflect runs at END_OF_DAY_REFLECTION: it summarizes the day's closed
// trades and checks confirmed patterns for proposals worth surfacing.
func (e *Engine) Reflect(ctx context.Context, day time.Time) (*DailyReflection, error) {
	since := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	trades, err := e.store.Trades.ClosedSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("loading trades closed on %s: %w", since.Format("2006-01-02"), err)
	}

	wins := 0
	pnl := decimal.Zero
	for _, t := range trades {
		if t.RealizedPnL.IsPositive() {
			wins++
		}
		pnl = pnl.Add(t.RealizedPnL)
	}
	winRate := decimal.Zero
	if len(trades) > 0 {
		winRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(trades))))
	}

	recent, err := e.store.Trades.ClosedSince(ctx, since.AddDate(0, 0, -30))
	if err != nil {
		return nil, fmt.Errorf("loading trailing trades for reflection stats: %w", err)
	}
	sharpe := sharpeRatio(recent)
	maxDD := maxDrawdown(recent)

	wm, err := e.memory.LoadSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading strategy state for reflection: %w", err)
	}
	confirmed, err := e.store.Patterns.Confirmed(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading confirmed patterns for reflection: %w", err)
	}
	var proposals []*ExperimentProposal
	for _, p := range confirmed {
		if prop, err := e.ProposeExperiment(p, wm.Strategy); err == nil {
			proposals = append(proposals, prop)
		}
	}

	summary := fmt.Sprintf("%s: %d trades closed, win rate %s, realized P&L %s, 30d Sharpe %s, max drawdown %s, %d pattern(s) under watch",
		since.Format("2006-01-02"), len(trades), winRate.StringFixed(2), pnl.StringFixed(2),
		sharpe.StringFixed(2), maxDD.StringFixed(2), len(confirmed))

	return &DailyReflection{
		Date: since, TradesClosed: len(trades), WinRate: winRate, RealizedPnL: pnl,
		RecentSharpe: sharpe, MaxDrawdown: maxDD,
		Summary: summary, Proposals: proposals,
	}, nil
}

// sharpeRatio computes a per-trade Sharpe ratio (mean / stddev of realized
// P&L) over trades, annualized assuming roughly 252 trading days.
func sharpeRatio(trades []*types.Trade) decimal.Decimal {
	if len(trades) < 2 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, t := range trades {
		sum = sum.Add(t.RealizedPnL)
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(trades))))

	sumSq := decimal.Zero
	for _, t := range trades {
		diff := t.RealizedPnL.Sub(mean)
		sumSq = sumSq.Add(diff.Mul(diff))
	}
	variance := sumSq.Div(decimal.NewFromInt(int64(len(trades) - 1)))
	stdDev := decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64()))
	if stdDev.IsZero() {
		return decimal.Zero
	}
	annFactor := decimal.NewFromFloat(math.Sqrt(252))
	return mean.Div(stdDev).Mul(annFactor)
}

// maxDrawdown walks trades in closing order accumulating realized P&L into
// a running equity curve and returns the largest peak-to-trough fraction.
func maxDrawdown(trades []*types.Trade) decimal.Decimal {
	if len(trades) == 0 {
		return decimal.Zero
	}
	sort.Slice(trades, func(i, j int) bool {
		a, b := trades[i].ExitTime, trades[j].ExitTime
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.Before(*b)
	})

	equity := decimal.NewFromInt(1)
	peak := equity
	maxDD := decimal.Zero
	for _, t := range trades {
		equity = equity.Add(t.RealizedPnL)
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if peak.IsPositive() {
			dd := peak.Sub(equity).Div(peak)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	return maxDD
}
