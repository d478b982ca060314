// Package memory is Working Memory: the daemon's single logical
// session row plus nearest-neighbor retrieval over prior decisions.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/optionsdaemon/putseller/internal/store"
	"github.com/optionsdaemon/putseller/pkg/types"
)

// defaultSessionID is used when the daemon runs a single IBKR account per
// process, matching this daemon's single-session deployment model.
const defaultSessionID = "default"

// Embedder turns a decision summary into a retrieval vector. A failed
// embed must never block the decision path — callers log and continue
// without a vector.
type Embedder interface {
	Embed(ctx context.Context, summary string) ([]float64, error)
}

// Memory wraps the persistence layer's WorkingMemory and Decision
// repositories with session lifecycle and similarity retrieval.
type Memory struct {
	store    *store.Store
	logger   *zap.Logger
	embedder Embedder
}

// New builds a Memory bound to the given store. embedder may be nil, in
// which case decisions are stored without retrieval vectors.
func New(s *store.Store, logger *zap.Logger, embedder Embedder) *Memory {
	return &Memory{store: s, logger: logger.Named("memory"), embedder: embedder}
}

// LoadSession returns the current WorkingMemory row, initializing sensible
// defaults the first time the daemon runs.
func (m *Memory) LoadSession(ctx context.Context) (*types.WorkingMemory, error) {
	wm, err := m.store.WorkingMemory.Load(ctx, defaultSessionID)
	if err != nil {
		return nil, fmt.Errorf("loading working memory: %w", err)
	}
	if wm != nil {
		return wm, nil
	}

	wm = &types.WorkingMemory{
		SessionID: defaultSessionID,
		Strategy: types.StrategyState{
			TargetDelta:     decimal.NewFromFloat(0.16),
			TargetDTEDays:   7,
			ProfitTargetPct: decimal.NewFromFloat(0.50),
			StopLossPct:     decimal.NewFromFloat(2.00),
		},
		AutonomyLevel: 1,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := m.store.WorkingMemory.Save(ctx, wm); err != nil {
		return nil, fmt.Errorf("initializing working memory: %w", err)
	}
	return wm, nil
}

// UpdateStrategyState persists a new strategy parameter set, typically
// following an adopted experiment.
func (m *Memory) UpdateStrategyState(ctx context.Context, fn func(*types.StrategyState)) (*types.WorkingMemory, error) {
	wm, err := m.LoadSession(ctx)
	if err != nil {
		return nil, err
	}
	fn(&wm.Strategy)
	if err := m.store.WorkingMemory.Save(ctx, wm); err != nil {
		return nil, fmt.Errorf("saving strategy state: %w", err)
	}
	return wm, nil
}

// UpdateAutonomyLevel persists a new autonomy level, resetting the
// days-since-override counter when the level actually changes.
func (m *Memory) UpdateAutonomyLevel(ctx context.Context, level int) (*types.WorkingMemory, error) {
	wm, err := m.LoadSession(ctx)
	if err != nil {
		return nil, err
	}
	if wm.AutonomyLevel != level {
		wm.DaysSinceOverride = 0
	}
	wm.AutonomyLevel = level
	if err := m.store.WorkingMemory.Save(ctx, wm); err != nil {
		return nil, fmt.Errorf("saving autonomy level: %w", err)
	}
	return wm, nil
}

// IncrementDaysSinceOverride advances the promotion clock by one day,
// called once per end-of-day reflection when no override fired.
func (m *Memory) IncrementDaysSinceOverride(ctx context.Context) (*types.WorkingMemory, error) {
	wm, err := m.LoadSession(ctx)
	if err != nil {
		return nil, err
	}
	wm.DaysSinceOverride++
	if err := m.store.WorkingMemory.Save(ctx, wm); err != nil {
		return nil, fmt.Errorf("incrementing days since override: %w", err)
	}
	return wm, nil
}

// RecordDecision persists the Decision audit row and, best-effort, an
// embedding for future retrieval. An embedding failure is logged, never
// returned, per the non-blocking invariant.
func (m *Memory) RecordDecision(ctx context.Context, d *types.Decision, summary string) error {
	if err := m.store.Decisions.Create(ctx, d); err != nil {
		return fmt.Errorf("recording decision %s: %w", d.ID, err)
	}

	if m.embedder == nil || summary == "" {
		return nil
	}
	vec, err := m.embedder.Embed(ctx, summary)
	if err != nil {
		m.logger.Warn("embedding decision failed, retrieval will skip it",
			zap.String("decision_id", d.ID), zap.Error(err))
		return nil
	}
	emb := &types.DecisionEmbedding{DecisionID: d.ID, Summary: summary, Vector: vec, CreatedAt: time.Now().UTC()}
	if err := m.store.Decisions.PutEmbedding(ctx, emb); err != nil {
		m.logger.Warn("storing decision embedding failed", zap.String("decision_id", d.ID), zap.Error(err))
	}
	return nil
}

// RecordOutcome folds a closed trade's result into the win rate kept on
// WorkingMemory. The rate is a cumulative average over every outcome
// recorded so far; no window limits how far back it reaches.
func (m *Memory) RecordOutcome(ctx context.Context, win bool, roi decimal.Decimal) (*types.WorkingMemory, error) {
	wm, err := m.LoadSession(ctx)
	if err != nil {
		return nil, err
	}
	n := decimal.NewFromInt(int64(wm.RollingTrades))
	total := wm.RollingWinRate.Mul(n)
	if win {
		total = total.Add(decimal.NewFromInt(1))
	}
	wm.RollingTrades++
	wm.RollingWinRate = total.Div(decimal.NewFromInt(int64(wm.RollingTrades)))
	if err := m.store.WorkingMemory.Save(ctx, wm); err != nil {
		return nil, fmt.Errorf("saving rolling outcome: %w", err)
	}
	return wm, nil
}

// RaiseAnomaly appends an active anomaly flag, which the reasoning engine's
// pre-call guard consults before ever invoking the LLM.
func (m *Memory) RaiseAnomaly(ctx context.Context, kind, reason string, hardBlock bool) (*types.WorkingMemory, error) {
	wm, err := m.LoadSession(ctx)
	if err != nil {
		return nil, err
	}
	wm.Anomalies = append(wm.Anomalies, types.Anomaly{
		Kind: kind, Reason: reason, HardBlock: hardBlock, RaisedAt: time.Now().UTC(),
	})
	if err := m.store.WorkingMemory.Save(ctx, wm); err != nil {
		return nil, fmt.Errorf("raising anomaly: %w", err)
	}
	return wm, nil
}

// ClearAnomaly removes an active anomaly by kind.
func (m *Memory) ClearAnomaly(ctx context.Context, kind string) (*types.WorkingMemory, error) {
	wm, err := m.LoadSession(ctx)
	if err != nil {
		return nil, err
	}
	kept := wm.Anomalies[:0]
	for _, a := range wm.Anomalies {
		if a.Kind != kind {
			kept = append(kept, a)
		}
	}
	wm.Anomalies = kept
	if err := m.store.WorkingMemory.Save(ctx, wm); err != nil {
		return nil, fmt.Errorf("clearing anomaly: %w", err)
	}
	return wm, nil
}

// SimilarDecision is one nearest-neighbor retrieval hit.
type SimilarDecision struct {
	DecisionID string
	Summary    string
	Similarity float64
}

// RetrieveSimilar returns the k nearest decisions to queryVector by cosine
// similarity, excluding anything from the last hour to avoid reasoning
// feedback loops (the model recalling its own very recent output).
func (m *Memory) RetrieveSimilar(ctx context.Context, queryVector []float64, k int) ([]SimilarDecision, error) {
	if m.embedder == nil || len(queryVector) == 0 || k <= 0 {
		return nil, nil
	}
	cutoff := time.Now().UTC().Add(-time.Hour)
	candidates, err := m.store.Decisions.RecentEmbeddings(ctx, cutoff, 2000)
	if err != nil {
		return nil, fmt.Errorf("loading embedding candidates: %w", err)
	}

	scored := make([]SimilarDecision, 0, len(candidates))
	for _, c := range candidates {
		sim := cosineSimilarity(queryVector, c.Vector)
		scored = append(scored, SimilarDecision{DecisionID: c.DecisionID, Summary: c.Summary, Similarity: sim})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// cosineSimilarity returns 0 for mismatched-length or zero vectors rather
// than erroring, since both are expected transient states (e.g. an
// embedding model version change).
func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
