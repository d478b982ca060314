package memory

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/optionsdaemon/putseller/internal/store"
)

type fakeEmbedder struct {
	vec []float64
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, summary string) ([]float64, error) {
	return f.vec, f.err
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s/memory.db", t.TempDir())
	s, err := store.Open(context.Background(), dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadSessionInitializesDefaults(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	m := New(s, zap.NewNop(), nil)

	wm, err := m.LoadSession(context.Background())
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if wm.AutonomyLevel != 1 {
		t.Errorf("AutonomyLevel = %d, want 1", wm.AutonomyLevel)
	}

	wm2, err := m.LoadSession(context.Background())
	if err != nil {
		t.Fatalf("second LoadSession: %v", err)
	}
	if wm2.SessionID != wm.SessionID {
		t.Errorf("session id changed across loads: %s vs %s", wm.SessionID, wm2.SessionID)
	}
}

func TestRecordOutcomeAccumulatesWinRate(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	m := New(s, zap.NewNop(), nil)
	ctx := context.Background()

	if _, err := m.RecordOutcome(ctx, true, decimalOne()); err != nil {
		t.Fatalf("first RecordOutcome: %v", err)
	}
	wm, err := m.RecordOutcome(ctx, false, decimalOne())
	if err != nil {
		t.Fatalf("second RecordOutcome: %v", err)
	}
	if wm.RollingTrades != 2 {
		t.Fatalf("RollingTrades = %d, want 2", wm.RollingTrades)
	}
	if !wm.RollingWinRate.Equal(half()) {
		t.Errorf("RollingWinRate = %s, want 0.5", wm.RollingWinRate)
	}
}

func TestCosineSimilarityIdenticalVectors(t *testing.T) {
	t.Parallel()
	a := []float64{1, 2, 3}
	if sim := cosineSimilarity(a, a); sim < 0.999 {
		t.Errorf("cosineSimilarity(a, a) = %f, want ~1", sim)
	}
}

func TestCosineSimilarityOrthogonalVectors(t *testing.T) {
	t.Parallel()
	a := []float64{1, 0}
	b := []float64{0, 1}
	if sim := cosineSimilarity(a, b); sim != 0 {
		t.Errorf("cosineSimilarity(orthogonal) = %f, want 0", sim)
	}
}

func TestRetrieveSimilarExcludesRecentAndRanks(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	m := New(s, zap.NewNop(), &fakeEmbedder{vec: []float64{1, 0, 0}})
	ctx := context.Background()

	d := testDecision("dec_old")
	if err := m.RecordDecision(ctx, d, "old similar decision"); err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	// backdate the embedding so it falls outside the one-hour exclusion window
	backdateEmbedding(t, s, "dec_old")

	results, err := m.RetrieveSimilar(ctx, []float64{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("RetrieveSimilar: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %v, want 1 hit", results)
	}
	if results[0].DecisionID != "dec_old" {
		t.Errorf("DecisionID = %s, want dec_old", results[0].DecisionID)
	}
}
