// Package autonomy is the Autonomy Governor: maps a proposed decision plus
// the current operating context to an execution authorization, independent
// of whether the Risk Governor would also approve it.
package autonomy

import (
	"github.com/shopspring/decimal"

	"github.com/optionsdaemon/putseller/pkg/types"
)

// Level is the authorization tier, L1 (most conservative) through L4.
type Level int

const (
	LevelRecommendOnly     Level = 1 // L1: block execution, queue for approval
	LevelSupervised        Level = 2 // L2: closing actions, and new positions <= 1x average size
	LevelSemiAutonomous    Level = 3 // L3: new positions up to 2x average size
	LevelAutonomous        Level = 4 // L4: execute within risk governor bounds; never reached automatically
)

// Disposition is the governor's verdict on a proposed decision.
type Disposition string

const (
	DispositionAllow            Disposition = "allow"
	DispositionQueueForApproval Disposition = "queue_for_approval"
	DispositionBlock            Disposition = "block"
)

// Verdict carries the disposition plus the reason, for the audit trail.
type Verdict struct {
	Disposition Disposition
	Reason      string
}

// Input bundles everything the governor needs to evaluate one decision. The
// caller (orchestrator) assembles this from Working Memory and the current
// ReasoningContext; the governor itself holds no state.
type Input struct {
	Level                  Level
	Action                 types.DecisionAction
	Confidence             decimal.Decimal
	IsNewSymbol            bool
	ProposedPositionSize   decimal.Decimal // contracts or notional, same unit as RollingAverageSize
	RollingAverageSize     decimal.Decimal
	ConsecutiveSectorLosses int
	IntradayVIXChangePct   decimal.Decimal // signed fractional change since session open
	StaleDataMinutes       int
	MarginUtilisationAfter decimal.Decimal
	ConsecutiveFillFailures int
}

func closingAction(a types.DecisionAction) bool {
	return a == types.ActionClosePosition || a == types.ActionRollPosition
}

func openingAction(a types.DecisionAction) bool {
	return a == types.ActionExecuteTrades || a == types.ActionStageCandidates
}

// Governor evaluates the mandatory-review trigger table, then the per-level
// authorization rule, in that order: a fired trigger always wins, regardless
// of level.
type Governor struct {
	config types.AutonomyConfig
}

// New builds a Governor bound to the given configuration.
func New(cfg types.AutonomyConfig) *Governor {
	return &Governor{config: cfg}
}

// Authorize returns the disposition for in. Mandatory-review triggers are
// checked first and always force queue_for_approval, independent of level.
func (g *Governor) Authorize(in Input) Verdict {
	if v, fired := g.checkMandatoryReview(in); fired {
		return v
	}

	switch in.Level {
	case LevelRecommendOnly:
		return Verdict{Disposition: DispositionQueueForApproval, Reason: "autonomy level 1: recommend only"}
	case LevelSupervised:
		return g.authorizeSupervised(in)
	case LevelSemiAutonomous:
		return g.authorizeSemiAutonomous(in)
	case LevelAutonomous:
		return Verdict{Disposition: DispositionAllow, Reason: "autonomy level 4: execution delegated to risk governor"}
	default:
		return Verdict{Disposition: DispositionQueueForApproval, Reason: "unrecognized autonomy level"}
	}
}

func (g *Governor) authorizeSupervised(in Input) Verdict {
	if closingAction(in.Action) {
		return Verdict{Disposition: DispositionAllow, Reason: "autonomy level 2: closing action allowed"}
	}
	if openingAction(in.Action) && withinMultiple(in.ProposedPositionSize, in.RollingAverageSize, decimal.NewFromInt(1)) {
		return Verdict{Disposition: DispositionAllow, Reason: "autonomy level 2: new position within 1x average size"}
	}
	return Verdict{Disposition: DispositionQueueForApproval, Reason: "autonomy level 2: action requires review"}
}

func (g *Governor) authorizeSemiAutonomous(in Input) Verdict {
	if closingAction(in.Action) {
		return Verdict{Disposition: DispositionAllow, Reason: "autonomy level 3: closing action allowed"}
	}
	if openingAction(in.Action) && withinMultiple(in.ProposedPositionSize, in.RollingAverageSize, decimal.NewFromInt(2)) {
		return Verdict{Disposition: DispositionAllow, Reason: "autonomy level 3: new position within 2x average size"}
	}
	return Verdict{Disposition: DispositionQueueForApproval, Reason: "autonomy level 3: action requires review"}
}

func withinMultiple(size, average, multiple decimal.Decimal) bool {
	if average.IsZero() {
		return true // no history yet; nothing to compare against
	}
	return size.LessThanOrEqual(average.Mul(multiple))
}

// checkMandatoryReview evaluates every always-force-review trigger in the
// order spec.md lists them, short-circuiting on the first fired trigger.
func (g *Governor) checkMandatoryReview(in Input) (Verdict, bool) {
	if g.config.NewSymbolAlwaysReviewed && in.IsNewSymbol {
		return Verdict{Disposition: DispositionQueueForApproval, Reason: "first trade on a new symbol"}, true
	}
	if !in.RollingAverageSize.IsZero() && in.ProposedPositionSize.GreaterThanOrEqual(in.RollingAverageSize.Mul(decimal.NewFromInt(3))) {
		return Verdict{Disposition: DispositionQueueForApproval, Reason: "position size at or above 3x rolling average"}, true
	}
	if in.ConsecutiveSectorLosses >= 3 {
		return Verdict{Disposition: DispositionQueueForApproval, Reason: "three consecutive sector losses"}, true
	}
	if in.IntradayVIXChangePct.Abs().GreaterThanOrEqual(decimal.NewFromFloat(0.30)) {
		return Verdict{Disposition: DispositionQueueForApproval, Reason: "intraday VIX spike at or above 30%"}, true
	}
	if in.StaleDataMinutes > 30 {
		return Verdict{Disposition: DispositionQueueForApproval, Reason: "market data stale for over 30 minutes"}, true
	}
	if in.MarginUtilisationAfter.GreaterThan(decimal.NewFromFloat(0.40)) {
		return Verdict{Disposition: DispositionQueueForApproval, Reason: "margin utilisation would exceed 40% after trade"}, true
	}
	if in.Confidence.LessThan(decimal.NewFromFloat(0.4)) {
		return Verdict{Disposition: DispositionQueueForApproval, Reason: "reasoning confidence below 0.4"}, true
	}
	if in.ConsecutiveFillFailures >= 3 {
		return Verdict{Disposition: DispositionQueueForApproval, Reason: "three consecutive fill failures"}, true
	}
	return Verdict{}, false
}
