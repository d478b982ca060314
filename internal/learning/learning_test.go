package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/optionsdaemon/putseller/internal/memory"
	"github.com/optionsdaemon/putseller/internal/store"
	"github.com/optionsdaemon/putseller/pkg/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s/learning.db", t.TempDir())
	s, err := store.Open(context.Background(), dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() types.LearningConfig {
	return types.LearningConfig{
		MinSamples:         5,
		SignificanceAlpha:  decimal.NewFromFloat(0.05),
		MinEffectSize:      decimal.NewFromFloat(0.005),
		ExperimentDeadline: 24 * time.Hour,
	}
}

// closeTrade creates, opens, and closes a trade with the given entry delta
// (used for bucketing) and realized ROI (via realizedPnL against a fixed
// $100 entry premium on 1 contract; with the 100x option multiplier the
// basis is $10,000, so ROI == realizedPnL/10000).
func closeTrade(t *testing.T, ctx context.Context, s *store.Store, id string, entryTime time.Time, delta float64, realizedPnL float64) {
	t.Helper()
	trade := &types.Trade{
		ID: id, Underlying: "AAPL", Right: types.RightPut, Strike: decimal.NewFromInt(140),
		Expiration: entryTime.AddDate(0, 0, 30), Contracts: -1, EntryPremium: decimal.NewFromInt(100),
		EntryTime: entryTime, Status: types.TradeStatusWorking, StrategyTag: "short_put",
		CreatedAt: entryTime, UpdatedAt: entryTime,
	}
	if err := s.Trades.Create(ctx, trade); err != nil {
		t.Fatalf("Create trade %s: %v", id, err)
	}

	entrySnap := &types.Snapshot{
		TradeID: id, CapturedAt: entryTime, LiveDeltaAtSelection: decimal.NewFromFloat(delta), VIX: decimal.NewFromInt(18),
	}
	entryJSON, err := json.Marshal(entrySnap)
	if err != nil {
		t.Fatalf("marshal entry snapshot: %v", err)
	}
	if err := s.Trades.TransitionToOpen(ctx, id, decimal.NewFromInt(100), entrySnap, string(entryJSON)); err != nil {
		t.Fatalf("TransitionToOpen %s: %v", id, err)
	}

	exitSnap := &types.Snapshot{TradeID: id, CapturedAt: entryTime.AddDate(0, 0, 10)}
	exitJSON, err := json.Marshal(exitSnap)
	if err != nil {
		t.Fatalf("marshal exit snapshot: %v", err)
	}
	if err := s.Trades.TransitionToClosed(ctx, id, decimal.Zero, decimal.NewFromFloat(realizedPnL), decimal.Zero, types.ExitKindProfitTarget, exitSnap, string(exitJSON)); err != nil {
		t.Fatalf("TransitionToClosed %s: %v", id, err)
	}
}

func TestDetectPatternsRequiresMinimumSamples(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	mem := memory.New(s, zap.NewNop(), nil)
	e := New(s, mem, zap.NewNop(), testConfig(), nil)

	closeTrade(t, ctx, s, "trd1", time.Now().AddDate(0, 0, -1), 0.15, 50)

	patterns, err := e.DetectPatterns(ctx, time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("DetectPatterns: %v", err)
	}
	if patterns != nil {
		t.Errorf("expected nil patterns below MinSamples, got %d", len(patterns))
	}
}

func TestDetectPatternsFindsSignificantDeltaBucket(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	mem := memory.New(s, zap.NewNop(), nil)
	e := New(s, mem, zap.NewNop(), testConfig(), nil)

	base := time.Now().AddDate(0, 0, -60)
	// Five trades at delta 0.10 with positive ROI (realizedPnL=80 on a
	// $10,000 basis -> ROI 0.008) ...
	for i := 0; i < 5; i++ {
		closeTrade(t, ctx, s, fmt.Sprintf("lo%d", i), base.AddDate(0, 0, i), 0.10, 80)
	}
	// ...against five trades at delta 0.30 with weak/negative ROI.
	for i := 0; i < 5; i++ {
		closeTrade(t, ctx, s, fmt.Sprintf("hi%d", i), base.AddDate(0, 0, i), 0.30, -20)
	}

	patterns, err := e.DetectPatterns(ctx, base.AddDate(0, 0, -1))
	if err != nil {
		t.Fatalf("DetectPatterns: %v", err)
	}
	var found bool
	for _, p := range patterns {
		if p.Category == axisDelta && p.Name == "0.10" {
			found = true
			if p.PValue.GreaterThanOrEqual(decimal.NewFromFloat(0.05)) {
				t.Errorf("delta 0.10 bucket p-value = %s, want < 0.05", p.PValue)
			}
		}
	}
	if !found {
		t.Fatalf("expected a confirmed pattern for delta bucket 0.10, got %+v", patterns)
	}

	confirmed, err := s.Patterns.Confirmed(ctx)
	if err != nil {
		t.Fatalf("Confirmed: %v", err)
	}
	if len(confirmed) == 0 {
		t.Errorf("expected detected patterns to be persisted as confirmed")
	}
}

func TestAllocateArmIsStableAcrossCalls(t *testing.T) {
	t.Parallel()
	entryTime := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	arm1 := AllocateArm("exp_abc", entryTime, decimal.NewFromFloat(0.5))
	arm2 := AllocateArm("exp_abc", entryTime, decimal.NewFromFloat(0.5))
	if arm1 != arm2 {
		t.Errorf("AllocateArm is not stable: %s != %s", arm1, arm2)
	}
	if arm1 != "control" && arm1 != "test" {
		t.Errorf("AllocateArm returned %q, want control or test", arm1)
	}
}

func TestEvaluateExperimentsAdoptsSignificantTestArm(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	mem := memory.New(s, zap.NewNop(), nil)
	e := New(s, mem, zap.NewNop(), testConfig(), nil)

	if _, err := mem.LoadSession(ctx); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}

	exp := &types.Experiment{
		ID: "exp_test1", Name: "delta-tighten", Parameter: "target_delta",
		ControlValue: decimal.NewFromFloat(0.16), TestValue: decimal.NewFromFloat(0.10),
		AllocationFraction: decimal.NewFromFloat(0.5), MinSamples: 5, Status: types.ExperimentStatusActive,
		StartedAt: time.Now().Add(-time.Hour), Deadline: time.Now().Add(time.Hour),
		ControlStats: types.ArmStats{Samples: 10, Wins: 5, SumROI: decimal.NewFromFloat(-2.0), SumSq: decimal.NewFromFloat(1.0)},
		TestStats:    types.ArmStats{Samples: 10, Wins: 9, SumROI: decimal.NewFromFloat(8.0), SumSq: decimal.NewFromFloat(1.0)},
	}
	if err := s.Experiments.Create(ctx, exp); err != nil {
		t.Fatalf("Create experiment: %v", err)
	}

	finished, err := e.EvaluateExperiments(ctx, time.Now())
	if err != nil {
		t.Fatalf("EvaluateExperiments: %v", err)
	}
	if len(finished) != 1 {
		t.Fatalf("len(finished) = %d, want 1", len(finished))
	}
	if finished[0].Status != types.ExperimentStatusAdopted {
		t.Errorf("Status = %s, want adopted (reason: %s)", finished[0].Status, finished[0].DecisionReason)
	}

	wm, err := mem.LoadSession(ctx)
	if err != nil {
		t.Fatalf("LoadSession after adoption: %v", err)
	}
	if !wm.Strategy.TargetDelta.Equal(decimal.NewFromFloat(0.10)) {
		t.Errorf("TargetDelta = %s, want 0.10 after adoption", wm.Strategy.TargetDelta)
	}
}

func TestEvaluateExperimentsGoesInconclusiveAtDeadline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	mem := memory.New(s, zap.NewNop(), nil)
	e := New(s, mem, zap.NewNop(), testConfig(), nil)

	exp := &types.Experiment{
		ID: "exp_test2", Name: "delta-tighten-2", Parameter: "target_delta",
		ControlValue: decimal.NewFromFloat(0.16), TestValue: decimal.NewFromFloat(0.10),
		AllocationFraction: decimal.NewFromFloat(0.5), MinSamples: 30, Status: types.ExperimentStatusActive,
		StartedAt: time.Now().Add(-48 * time.Hour), Deadline: time.Now().Add(-time.Hour),
		ControlStats: types.ArmStats{Samples: 3}, TestStats: types.ArmStats{Samples: 2},
	}
	if err := s.Experiments.Create(ctx, exp); err != nil {
		t.Fatalf("Create experiment: %v", err)
	}

	finished, err := e.EvaluateExperiments(ctx, time.Now())
	if err != nil {
		t.Fatalf("EvaluateExperiments: %v", err)
	}
	if len(finished) != 1 || finished[0].Status != types.ExperimentStatusInconclusive {
		t.Fatalf("expected one inconclusive experiment, got %+v", finished)
	}
}

func TestReflectSummarizesTodaysTrades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	mem := memory.New(s, zap.NewNop(), nil)
	e := New(s, mem, zap.NewNop(), testConfig(), nil)

	closeTrade(t, ctx, s, "today1", time.Now().Add(-time.Hour), 0.15, 50)
	closeTrade(t, ctx, s, "today2", time.Now().Add(-2*time.Hour), 0.15, -20)

	reflection, err := e.Reflect(ctx, time.Now())
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if reflection.TradesClosed != 2 {
		t.Errorf("TradesClosed = %d, want 2", reflection.TradesClosed)
	}
	if reflection.Summary == "" {
		t.Errorf("expected a non-empty summary")
	}
}
