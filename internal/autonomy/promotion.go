package autonomy

import (
	"github.com/optionsdaemon/putseller/pkg/types"
)

// Transition is the outcome of an end-of-day promotion/demotion evaluation.
type Transition struct {
	NewLevel Level
	Changed  bool
	Reason   string
}

// EvaluateDailyTransition applies the promotion/demotion rules to the
// current Working Memory state at end-of-day. Demotion is immediate and
// takes priority over promotion; promotion requires both a day-count floor
// and a performance floor.
func EvaluateDailyTransition(wm *types.WorkingMemory, cfg types.AutonomyConfig, overrideToday bool, lossStreak int, anomalyFired bool) Transition {
	current := Level(wm.AutonomyLevel)

	if overrideToday {
		return demote(current, "manual override recorded today")
	}
	if lossStreak >= cfg.LossStreakDemotion {
		return demote(current, "loss streak reached demotion threshold")
	}
	if anomalyFired {
		return demote(current, "an anomaly fired today")
	}

	if current >= LevelAutonomous {
		return Transition{NewLevel: current, Changed: false}
	}
	if wm.DaysSinceOverride < cfg.PromotionDays {
		return Transition{NewLevel: current, Changed: false}
	}
	if wm.RollingWinRate.LessThan(cfg.PromotionMinWinRate) {
		return Transition{NewLevel: current, Changed: false}
	}
	if wm.RollingSharpe.LessThan(cfg.PromotionMinSharpe) {
		return Transition{NewLevel: current, Changed: false}
	}

	// L4 is never reached automatically; promotion tops out at L3.
	next := current + 1
	if next > LevelSemiAutonomous {
		return Transition{NewLevel: current, Changed: false}
	}
	return Transition{
		NewLevel: next,
		Changed:  true,
		Reason:   "promotion floor met: consecutive days without override, win-rate and Sharpe above floor",
	}
}

func demote(current Level, reason string) Transition {
	if current <= LevelRecommendOnly {
		return Transition{NewLevel: current, Changed: false}
	}
	return Transition{NewLevel: current - 1, Changed: true, Reason: reason}
}
