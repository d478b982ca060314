package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optionsdaemon/putseller/internal/store"
	"github.com/optionsdaemon/putseller/pkg/types"
)

func decimalOne() decimal.Decimal { return decimal.NewFromInt(1) }

func half() decimal.Decimal { return decimal.NewFromFloat(0.5) }

func testDecision(id string) *types.Decision {
	return &types.Decision{
		ID:               id,
		SessionID:        defaultSessionID,
		EventRef:         "evt_test",
		ReasoningContext: "{}",
		EngineOutput:     "{}",
		Action:           types.ActionMonitorOnly,
		ActionResult:     "{}",
		AutonomyLevel:    1,
		Cost:             decimal.Zero,
		CreatedAt:        time.Now().UTC(),
	}
}

// backdateEmbedding replaces the just-recorded embedding's timestamp so it
// falls outside RetrieveSimilar's one-hour exclusion window.
func backdateEmbedding(t *testing.T, s *store.Store, decisionID string) {
	t.Helper()
	err := s.Decisions.PutEmbedding(context.Background(), &types.DecisionEmbedding{
		DecisionID: decisionID,
		Summary:    "old similar decision",
		Vector:     []float64{1, 0, 0},
		CreatedAt:  time.Now().UTC().Add(-2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("backdating embedding: %v", err)
	}
}
