package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
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
	"github.com/optionsdaemon/putseller/internal/reasoning"
	"github.com/optionsdaemon/putseller/internal/reconciler"
	"github.com/optionsdaemon/putseller/internal/risk"
	"github.com/optionsdaemon/putseller/internal/sizing"
	"github.com/optionsdaemon/putseller/internal/store"
	"github.com/optionsdaemon/putseller/internal/strike"
	"github.com/optionsdaemon/putseller/pkg/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s/orchestrator.db", t.TempDir())
	s, err := store.Open(context.Background(), dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeLLMServer mimics the chat-completion endpoint reasoning.Client calls,
// always returning the given assistant message content.
func fakeLLMServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q}}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`, content)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newTestDaemon wires every component against a paper broker, an in-memory
// SQLite store, and a fake LLM endpoint, mirroring cmd/daemon's production
// wiring order.
func newTestDaemon(t *testing.T, llmContent string) (*Daemon, *store.Store) {
	t.Helper()
	logger := zap.NewNop()
	s := newTestStore(t)
	adapter := broker.NewPaperAdapter(logger, decimal.NewFromInt(100000))

	srv := fakeLLMServer(t, llmContent)
	reasonClient := reasoning.NewClient(types.ReasoningConfig{
		Model: "test-model", MaxTokens: 500, CallTimeout: 5 * time.Second,
		MinConfidence: decimal.NewFromFloat(0.5), DailyCostCap: decimal.NewFromInt(100),
		NumericalTolerancePct: decimal.NewFromFloat(0.05), APIBaseURL: srv.URL,
		APIKeyEnv: "PUTSELLER_TEST_API_KEY", RetrievalK: 3,
	})
	reasonEngine := reasoning.New(reasonClient, s, logger, types.ReasoningConfig{
		MinConfidence: decimal.NewFromFloat(0.5), DailyCostCap: decimal.NewFromInt(100),
		NumericalTolerancePct: decimal.NewFromFloat(0.05), CallTimeout: 5 * time.Second, RetrievalK: 3,
	})

	embedder := memory.NewHashEmbedder(32)
	mem := memory.New(s, logger, embedder)

	riskGov := risk.New(types.DefaultRiskConfig())
	autoGov := autonomy.New(types.AutonomyConfig{StartingLevel: 1})
	selector := strike.New(adapter, logger, types.StrikeSelectorConfig{
		MinOTMPct: decimal.NewFromFloat(0.02), MaxCandidates: 20,
		TargetTolerance: decimal.NewFromFloat(0.05), PremiumFloor: decimal.NewFromFloat(0.05),
		MaxSpreadPct: decimal.NewFromFloat(0.5), MinVolume: 1, MinOpenInterest: 1, FanoutConcurrency: 5,
	})
	sizer := sizing.NewPositionSizer(logger, sizing.DefaultSizingConfig())
	fillMgr := fillmgr.New(adapter, logger, types.FillManagerConfig{})
	exec := executor.New(adapter, s, selector, riskGov, autoGov, fillMgr, sizer, logger, types.ExecutionConfig{
		MaxPriceDriftAdjustPct: decimal.NewFromFloat(0.05), MaxPriceDriftStalePct: decimal.NewFromFloat(0.10),
		QuoteFanoutConcurrency: 5, BrokerCallTimeout: 5 * time.Second,
	})
	recon := reconciler.New(adapter, s, mem, logger, types.ReconcilerConfig{})
	learn := learning.New(s, mem, logger, types.LearningConfig{}, map[string]string{})

	cfg := types.Config{Daemon: types.DefaultDaemonConfig(), Risk: types.DefaultRiskConfig()}
	bus := events.New(s, logger, types.EventBusConfig{MaxRetries: 3, MaxEventRuntime: time.Minute}, 2)

	d := New(bus, s, mem, embedder, reasonEngine, exec, fillMgr, recon, learn, adapter, logger, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bus.Start(ctx)
	t.Cleanup(bus.Stop)

	return d, s
}

// TestScheduledCheckProducesAuditedMonitorOnlyDecision drives a single
// SCHEDULED_CHECK event through the real bus into the daemon's registered
// handler and confirms the full assemble-context -> decide -> dispatch ->
// record pipeline leaves behind exactly one Decision audit row whose
// ActionResult reflects the dispatched MONITOR_ONLY action.
func TestScheduledCheckProducesAuditedMonitorOnlyDecision(t *testing.T) {
	t.Parallel()
	d, s := newTestDaemon(t, `{"action":"MONITOR_ONLY","targetSymbols":[],"targetPositionIds":[],"confidence":0.9,"reasoning":"quiet market, nothing actionable","consideredRisks":[]}`)

	if err := d.bus.Publish(context.Background(), types.EventScheduledCheck, map[string]any{}, ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var decisions []*types.Decision
	for time.Now().Before(deadline) {
		var err error
		decisions, err = s.Decisions.Recent(context.Background(), 10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(decisions) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if len(decisions) != 1 {
		t.Fatalf("got %d decisions, want 1", len(decisions))
	}
	if decisions[0].Action != types.ActionMonitorOnly {
		t.Errorf("Action = %s, want MONITOR_ONLY", decisions[0].Action)
	}
	if decisions[0].ActionResult == "" {
		t.Error("ActionResult was not populated before the audit row was recorded")
	}
}

// TestStageCandidatesDecisionStagesOpportunities confirms a STAGE_CANDIDATES
// decision flows through dispatchAction into real staged-opportunity rows,
// not just an audit entry.
func TestStageCandidatesDecisionStagesOpportunities(t *testing.T) {
	t.Parallel()
	llm := `{"action":"STAGE_CANDIDATES","targetSymbols":["AAZZZ"],"targetPositionIds":[],"confidence":0.9,"reasoning":"clean setup","consideredRisks":[]}`
	d, s := newTestDaemon(t, llm)

	if err := d.bus.Publish(context.Background(), types.EventScheduledCheck, map[string]any{}, ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var decisions []*types.Decision
	for time.Now().Before(deadline) {
		var err error
		decisions, err = s.Decisions.Recent(context.Background(), 10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(decisions) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(decisions) != 1 {
		t.Fatalf("got %d decisions, want 1", len(decisions))
	}
	if !strings.Contains(decisions[0].ActionResult, `"staged":["stg`) {
		t.Errorf("ActionResult = %s, want at least one staged-opportunity id", decisions[0].ActionResult)
	}
}
