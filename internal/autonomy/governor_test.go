package autonomy

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/optionsdaemon/putseller/pkg/types"
)

func baseInput() Input {
	return Input{
		Level:              LevelSemiAutonomous,
		Action:             types.ActionExecuteTrades,
		Confidence:         decimal.NewFromFloat(0.8),
		ProposedPositionSize: decimal.NewFromInt(1),
		RollingAverageSize: decimal.NewFromInt(1),
	}
}

func TestAuthorizeLevel1AlwaysQueues(t *testing.T) {
	t.Parallel()
	g := New(types.DefaultAutonomyConfig())
	in := baseInput()
	in.Level = LevelRecommendOnly

	v := g.Authorize(in)
	if v.Disposition != DispositionQueueForApproval {
		t.Errorf("Disposition = %s, want queue_for_approval", v.Disposition)
	}
}

func TestAuthorizeLevel2AllowsWithinMultiple(t *testing.T) {
	t.Parallel()
	g := New(types.DefaultAutonomyConfig())
	in := baseInput()
	in.Level = LevelSupervised
	in.ProposedPositionSize = decimal.NewFromInt(1)
	in.RollingAverageSize = decimal.NewFromInt(1)

	v := g.Authorize(in)
	if v.Disposition != DispositionAllow {
		t.Errorf("Disposition = %s, want allow", v.Disposition)
	}
}

func TestAuthorizeLevel2QueuesAboveMultiple(t *testing.T) {
	t.Parallel()
	g := New(types.DefaultAutonomyConfig())
	in := baseInput()
	in.Level = LevelSupervised
	in.ProposedPositionSize = decimal.NewFromInt(2)
	in.RollingAverageSize = decimal.NewFromInt(1)

	v := g.Authorize(in)
	if v.Disposition != DispositionQueueForApproval {
		t.Errorf("Disposition = %s, want queue_for_approval", v.Disposition)
	}
}

func TestAuthorizeLevel3AllowsUpToTwiceAverage(t *testing.T) {
	t.Parallel()
	g := New(types.DefaultAutonomyConfig())
	in := baseInput()
	in.Level = LevelSemiAutonomous
	in.ProposedPositionSize = decimal.NewFromInt(2)
	in.RollingAverageSize = decimal.NewFromInt(1)

	v := g.Authorize(in)
	if v.Disposition != DispositionAllow {
		t.Errorf("Disposition = %s, want allow", v.Disposition)
	}
}

func TestMandatoryReviewOverridesLevel(t *testing.T) {
	t.Parallel()
	g := New(types.DefaultAutonomyConfig())
	in := baseInput()
	in.Level = LevelAutonomous
	in.IsNewSymbol = true

	v := g.Authorize(in)
	if v.Disposition != DispositionQueueForApproval {
		t.Errorf("Disposition = %s, want queue_for_approval even at L4", v.Disposition)
	}
}

func TestMandatoryReviewLowConfidence(t *testing.T) {
	t.Parallel()
	g := New(types.DefaultAutonomyConfig())
	in := baseInput()
	in.Confidence = decimal.NewFromFloat(0.3)

	v := g.Authorize(in)
	if v.Disposition != DispositionQueueForApproval {
		t.Errorf("Disposition = %s, want queue_for_approval on low confidence", v.Disposition)
	}
}

func TestEvaluateDailyTransitionPromotes(t *testing.T) {
	t.Parallel()
	cfg := types.DefaultAutonomyConfig()
	wm := &types.WorkingMemory{
		AutonomyLevel:     int(LevelSupervised),
		DaysSinceOverride: cfg.PromotionDays,
		RollingWinRate:    cfg.PromotionMinWinRate.Add(decimal.NewFromFloat(0.01)),
		RollingSharpe:     cfg.PromotionMinSharpe.Add(decimal.NewFromFloat(0.1)),
	}

	tr := EvaluateDailyTransition(wm, cfg, false, 0, false)
	if !tr.Changed || tr.NewLevel != LevelSemiAutonomous {
		t.Errorf("got %+v, want promotion to L3", tr)
	}
}

func TestEvaluateDailyTransitionNeverAutoPromotesToL4(t *testing.T) {
	t.Parallel()
	cfg := types.DefaultAutonomyConfig()
	wm := &types.WorkingMemory{
		AutonomyLevel:     int(LevelSemiAutonomous),
		DaysSinceOverride: cfg.PromotionDays,
		RollingWinRate:    cfg.PromotionMinWinRate.Add(decimal.NewFromFloat(0.01)),
		RollingSharpe:     cfg.PromotionMinSharpe.Add(decimal.NewFromFloat(0.1)),
	}

	tr := EvaluateDailyTransition(wm, cfg, false, 0, false)
	if tr.Changed {
		t.Errorf("got %+v, want no automatic promotion past L3", tr)
	}
}

func TestEvaluateDailyTransitionDemotesOnOverride(t *testing.T) {
	t.Parallel()
	cfg := types.DefaultAutonomyConfig()
	wm := &types.WorkingMemory{AutonomyLevel: int(LevelSemiAutonomous)}

	tr := EvaluateDailyTransition(wm, cfg, true, 0, false)
	if !tr.Changed || tr.NewLevel != LevelSupervised {
		t.Errorf("got %+v, want demotion to L2", tr)
	}
}

func TestEvaluateDailyTransitionDemotionFloorsAtL1(t *testing.T) {
	t.Parallel()
	cfg := types.DefaultAutonomyConfig()
	wm := &types.WorkingMemory{AutonomyLevel: int(LevelRecommendOnly)}

	tr := EvaluateDailyTransition(wm, cfg, true, 0, false)
	if tr.Changed {
		t.Errorf("got %+v, want no change below L1", tr)
	}
}
