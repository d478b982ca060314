package reasoning

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/optionsdaemon/putseller/pkg/types"
)

func TestDecisionOutputValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		out     DecisionOutput
		wantErr bool
	}{
		{
			name: "valid monitor only",
			out: DecisionOutput{
				Action:     types.ActionMonitorOnly,
				Confidence: decimal.NewFromFloat(0.8),
				Reasoning:  "nothing notable",
			},
			wantErr: false,
		},
		{
			name: "unknown action",
			out: DecisionOutput{
				Action:     "NOT_A_REAL_ACTION",
				Confidence: decimal.NewFromFloat(0.5),
				Reasoning:  "x",
			},
			wantErr: true,
		},
		{
			name: "confidence out of range",
			out: DecisionOutput{
				Action:     types.ActionMonitorOnly,
				Confidence: decimal.NewFromFloat(1.5),
				Reasoning:  "x",
			},
			wantErr: true,
		},
		{
			name: "empty reasoning",
			out: DecisionOutput{
				Action:     types.ActionMonitorOnly,
				Confidence: decimal.NewFromFloat(0.5),
				Reasoning:  "   ",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.out.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseDecisionStripsCodeFence(t *testing.T) {
	t.Parallel()
	raw := "```json\n{\"action\":\"MONITOR_ONLY\",\"confidence\":0.9,\"reasoning\":\"ok\"}\n```"
	out, err := parseDecision(raw)
	if err != nil {
		t.Fatalf("parseDecision: %v", err)
	}
	if out.Action != types.ActionMonitorOnly {
		t.Errorf("Action = %s, want MONITOR_ONLY", out.Action)
	}
}

func TestParseDecisionRejectsInvalidJSON(t *testing.T) {
	t.Parallel()
	if _, err := parseDecision("not json at all"); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestHardBlockAnomalyReturnsFirstHardBlock(t *testing.T) {
	t.Parallel()
	rc := &ReasoningContextV1{
		ActiveAnomalies: []types.Anomaly{
			{Kind: "soft_one", HardBlock: false},
			{Kind: "hard_one", HardBlock: true},
		},
	}
	got := rc.HardBlockAnomaly()
	if got == nil || got.Kind != "hard_one" {
		t.Errorf("HardBlockAnomaly() = %v, want hard_one", got)
	}
}

func TestHardBlockAnomalyNoneActive(t *testing.T) {
	t.Parallel()
	rc := &ReasoningContextV1{ActiveAnomalies: []types.Anomaly{{Kind: "soft", HardBlock: false}}}
	if got := rc.HardBlockAnomaly(); got != nil {
		t.Errorf("HardBlockAnomaly() = %v, want nil", got)
	}
}

func TestCheckNumericalGroundingCatchesMismatch(t *testing.T) {
	t.Parallel()
	e := &Engine{config: types.ReasoningConfig{NumericalTolerancePct: decimal.NewFromFloat(0.05)}}
	rc := &ReasoningContextV1{Market: MarketContext{VIXLevel: decimal.NewFromInt(20)}}
	out := DecisionOutput{Reasoning: "VIX is at 35 which is elevated"}

	if got := e.checkNumericalGrounding(out, rc); got == "" {
		t.Error("expected a grounding mismatch, got none")
	}
}

func TestCheckNumericalGroundingAcceptsWithinTolerance(t *testing.T) {
	t.Parallel()
	e := &Engine{config: types.ReasoningConfig{NumericalTolerancePct: decimal.NewFromFloat(0.05)}}
	rc := &ReasoningContextV1{Market: MarketContext{VIXLevel: decimal.NewFromInt(20)}}
	out := DecisionOutput{Reasoning: "VIX is at 20.1 which is normal"}

	if got := e.checkNumericalGrounding(out, rc); got != "" {
		t.Errorf("expected no mismatch, got %q", got)
	}
}

func TestCheckNumericalGroundingCatchesDeltaMismatch(t *testing.T) {
	t.Parallel()
	e := &Engine{config: types.ReasoningConfig{NumericalTolerancePct: decimal.NewFromFloat(0.05)}}
	rc := &ReasoningContextV1{
		Positions: []PositionView{{Greeks: types.Greeks{Delta: decimal.NewFromFloat(-0.18)}}},
	}
	out := DecisionOutput{Reasoning: "the position's delta -0.40 is getting risky"}

	if got := e.checkNumericalGrounding(out, rc); got == "" {
		t.Error("expected a delta grounding mismatch, got none")
	}
}

func TestCheckNumericalGroundingAcceptsDeltaMatchingAnyPosition(t *testing.T) {
	t.Parallel()
	e := &Engine{config: types.ReasoningConfig{NumericalTolerancePct: decimal.NewFromFloat(0.05)}}
	rc := &ReasoningContextV1{
		Positions: []PositionView{
			{Greeks: types.Greeks{Delta: decimal.NewFromFloat(-0.12)}},
			{Greeks: types.Greeks{Delta: decimal.NewFromFloat(-0.18)}},
		},
	}
	out := DecisionOutput{Reasoning: "one position's delta -0.18 is near target"}

	if got := e.checkNumericalGrounding(out, rc); got != "" {
		t.Errorf("expected no mismatch, got %q", got)
	}
}

func TestCheckNumericalGroundingCatchesBidMismatch(t *testing.T) {
	t.Parallel()
	e := &Engine{config: types.ReasoningConfig{NumericalTolerancePct: decimal.NewFromFloat(0.05)}}
	rc := &ReasoningContextV1{
		Candidates: []types.StagedOpportunity{{LimitPrice: decimal.NewFromFloat(1.20)}},
	}
	out := DecisionOutput{Reasoning: "the candidate's bid 2.50 looks attractive"}

	if got := e.checkNumericalGrounding(out, rc); got == "" {
		t.Error("expected a bid grounding mismatch, got none")
	}
}

func TestCheckNumericalGroundingAcceptsBidWithinTolerance(t *testing.T) {
	t.Parallel()
	e := &Engine{config: types.ReasoningConfig{NumericalTolerancePct: decimal.NewFromFloat(0.05)}}
	rc := &ReasoningContextV1{
		Candidates: []types.StagedOpportunity{{LimitPrice: decimal.NewFromFloat(1.20)}},
	}
	out := DecisionOutput{Reasoning: "the candidate's bid 1.21 looks attractive"}

	if got := e.checkNumericalGrounding(out, rc); got != "" {
		t.Errorf("expected no mismatch, got %q", got)
	}
}

func TestMonitorOnlyCarriesReason(t *testing.T) {
	t.Parallel()
	out := monitorOnly("test reason")
	if out.Action != types.ActionMonitorOnly {
		t.Errorf("Action = %s, want MONITOR_ONLY", out.Action)
	}
	if out.Reasoning != "test reason" {
		t.Errorf("Reasoning = %q, want %q", out.Reasoning, "test reason")
	}
}
