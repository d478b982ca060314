package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/optionsdaemon/putseller/internal/store"
	"github.com/optionsdaemon/putseller/pkg/types"
)

// DecisionOutput is the closed-schema structured output the model must
// return, validated before anything downstream acts on it.
type DecisionOutput struct {
	Action             types.DecisionAction `json:"action"`
	TargetSymbols      []string             `json:"targetSymbols"`
	TargetPositionIDs  []string             `json:"targetPositionIds"`
	Confidence         decimal.Decimal      `json:"confidence"`
	Reasoning          string               `json:"reasoning"`
	ConsideredRisks    []string             `json:"consideredRisks"`
	ExperimentProposal json.RawMessage      `json:"experimentProposal,omitempty"`
	UrgencyTag         string               `json:"urgencyTag,omitempty"`
}

var validActions = map[types.DecisionAction]bool{
	types.ActionExecuteTrades:     true,
	types.ActionStageCandidates:   true,
	types.ActionClosePosition:     true,
	types.ActionRollPosition:      true,
	types.ActionMonitorOnly:       true,
	types.ActionSkipSession:       true,
	types.ActionProposeExperiment: true,
	types.ActionRequestHumanReview: true,
	types.ActionEmergencyHalt:     true,
}

// validate checks DecisionOutput against the closed schema: a valid action,
// a confidence in [0,1], and non-empty reasoning. This is the "JSON schema"
// check called for in the algorithm — expressed as explicit field checks
// since no schema-validation library appears anywhere in the retrieved
// example repos.
func (d *DecisionOutput) validate() error {
	if !validActions[d.Action] {
		return fmt.Errorf("unknown action %q", d.Action)
	}
	if d.Confidence.LessThan(decimal.Zero) || d.Confidence.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("confidence %s out of [0,1]", d.Confidence)
	}
	if strings.TrimSpace(d.Reasoning) == "" {
		return fmt.Errorf("reasoning is empty")
	}
	return nil
}

const systemPrompt = `You are the reasoning engine of an autonomous options-selling daemon.
You receive a structured JSON market and portfolio context and must return a single JSON object
matching the decision schema exactly: action, targetSymbols, targetPositionIds, confidence,
reasoning, consideredRisks, and optionally experimentProposal or urgencyTag.
Do not place trades yourself; you only recommend an action. Never contradict an active
hard-block safety flag. Respond with JSON only, no prose outside the object.`

const repairInstruction = `Your previous response did not parse as valid JSON matching the
required schema. Respond again with ONLY a JSON object matching: action, targetSymbols,
targetPositionIds, confidence, reasoning, consideredRisks, experimentProposal, urgencyTag.`

// Engine is the Reasoning Engine: context serialization, LLM call,
// validation, and the pre/post-call safety guards.
type Engine struct {
	client *Client
	store  *store.Store
	logger *zap.Logger
	config types.ReasoningConfig
}

// New builds an Engine from its dependencies.
func New(client *Client, s *store.Store, logger *zap.Logger, cfg types.ReasoningConfig) *Engine {
	return &Engine{client: client, store: s, logger: logger.Named("reasoning"), config: cfg}
}

// monitorOnly builds a safe-default DecisionOutput carrying reason as the
// audit trail, used by every guard and failure path in Decide.
func monitorOnly(reason string) DecisionOutput {
	return DecisionOutput{
		Action:     types.ActionMonitorOnly,
		Confidence: decimal.NewFromInt(1),
		Reasoning:  reason,
	}
}

// Decide runs the full reasoning algorithm: pre-call guard, daily cost cap,
// LLM call with one repair retry, numerical-grounding check, and the
// minimal-footprint confidence gate.
func (e *Engine) Decide(ctx context.Context, rc *ReasoningContextV1) (DecisionOutput, decimal.Decimal, error) {
	if anomaly := rc.HardBlockAnomaly(); anomaly != nil {
		return monitorOnly(fmt.Sprintf("pre-LLM block: %s", anomaly.Kind)), decimal.Zero, nil
	}

	today := time.Now().UTC().Format("2006-01-02")
	since := time.Now().UTC().Truncate(24 * time.Hour)
	spent, err := e.store.Decisions.CostSince(ctx, since)
	if err != nil {
		e.logger.Warn("checking daily cost cap", zap.Error(err))
	} else if spent.GreaterThanOrEqual(e.config.DailyCostCap) {
		return monitorOnly(fmt.Sprintf("daily cost cap reached for %s", today)), decimal.Zero, nil
	}

	prompt, err := rc.Serialize()
	if err != nil {
		return monitorOnly("failed to serialize reasoning context"), decimal.Zero, fmt.Errorf("serializing context: %w", err)
	}

	out, cost, err := e.callAndValidate(ctx, prompt)
	if err != nil {
		e.logger.Warn("reasoning call failed, degrading to monitor-only", zap.Error(err))
		return monitorOnly("reasoning_unavailable: " + err.Error()), decimal.Zero, nil
	}

	if v := e.checkNumericalGrounding(out, rc); v != "" {
		out = monitorOnly("numerical grounding mismatch: " + v)
	}

	if out.Confidence.LessThan(e.config.MinConfidence) {
		original := out.Reasoning
		out = monitorOnly(fmt.Sprintf("confidence %s below minimum; original reasoning: %s", out.Confidence, original))
	}

	// recorded by the caller alongside the Decision audit row
	return out, decimal.NewFromFloat(cost), nil
}

// callAndValidate calls the LLM, validates the JSON output against the
// closed schema, and retries exactly once with an explicit repair
// instruction on failure.
func (e *Engine) callAndValidate(ctx context.Context, userPrompt string) (DecisionOutput, float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	defer cancel()

	raw, promptTok, completionTok, err := e.client.call(callCtx, e.config, systemPrompt, userPrompt)
	if err != nil {
		return DecisionOutput{}, 0, err
	}
	cost := estimateCost(promptTok, completionTok)

	out, parseErr := parseDecision(raw)
	if parseErr == nil {
		return out, cost, nil
	}

	repairPrompt := userPrompt + "\n\n" + repairInstruction + "\n\nYour invalid response was:\n" + raw
	raw2, promptTok2, completionTok2, err := e.client.call(callCtx, e.config, systemPrompt, repairPrompt)
	if err != nil {
		return DecisionOutput{}, cost, fmt.Errorf("repair call failed: %w", err)
	}
	cost += estimateCost(promptTok2, completionTok2)

	out, parseErr = parseDecision(raw2)
	if parseErr != nil {
		return DecisionOutput{}, cost, fmt.Errorf("invalid engine output after repair: %w", parseErr)
	}
	return out, cost, nil
}

func parseDecision(raw string) (DecisionOutput, error) {
	var out DecisionOutput
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return DecisionOutput{}, fmt.Errorf("parsing JSON: %w", err)
	}
	if err := out.validate(); err != nil {
		return DecisionOutput{}, err
	}
	return out, nil
}

// checkNumericalGrounding scans reasoning text for decimal literals near
// known metric names and confirms each is within tolerance of the context
// value it appears to cite. It covers the four quantities the post-call
// guard is required to ground: vix and margin appear once per context and
// are checked against that single value; delta and bid appear once per
// position/candidate, so a claim is accepted if it matches any one of
// them. Returns a human-readable mismatch description, or empty string if
// grounding holds.
func (e *Engine) checkNumericalGrounding(out DecisionOutput, rc *ReasoningContextV1) string {
	tolerance := e.config.NumericalTolerancePct
	if tolerance.IsZero() {
		tolerance = decimal.NewFromFloat(0.05)
	}
	lower := strings.ToLower(out.Reasoning)

	scalarClaims := map[string]decimal.Decimal{
		"vix":    rc.Market.VIXLevel,
		"margin": rc.Account.InitMargin,
	}
	for name, actual := range scalarClaims {
		if msg := checkScalarClaim(out.Reasoning, lower, name, actual, tolerance); msg != "" {
			return msg
		}
	}

	deltas := make([]decimal.Decimal, 0, len(rc.Positions))
	for _, p := range rc.Positions {
		deltas = append(deltas, p.Greeks.Delta)
	}
	if msg := checkSetClaim(out.Reasoning, lower, "delta", deltas, tolerance); msg != "" {
		return msg
	}

	bids := make([]decimal.Decimal, 0, len(rc.Candidates))
	for _, c := range rc.Candidates {
		bids = append(bids, c.LimitPrice)
	}
	if msg := checkSetClaim(out.Reasoning, lower, "bid", bids, tolerance); msg != "" {
		return msg
	}

	return ""
}

// checkScalarClaim grounds a claim that has exactly one live value in the
// context (vix, margin).
func checkScalarClaim(reasoning, lower, name string, actual, tolerance decimal.Decimal) string {
	idx := strings.Index(lower, name)
	if idx == -1 {
		return ""
	}
	claimed, ok := nearestDecimalLiteral(reasoning, idx)
	if !ok || actual.IsZero() {
		return ""
	}
	diff := claimed.Sub(actual).Abs().Div(actual.Abs())
	if diff.GreaterThan(tolerance) {
		return fmt.Sprintf("claimed %s=%s, context has %s=%s", name, claimed, name, actual)
	}
	return ""
}

// checkSetClaim grounds a claim against a quantity that appears once per
// position or candidate (delta, bid): the claim only needs to match one of
// the live values within tolerance, since the model may be referring to
// any position or candidate in the context.
func checkSetClaim(reasoning, lower, name string, actuals []decimal.Decimal, tolerance decimal.Decimal) string {
	idx := strings.Index(lower, name)
	if idx == -1 || len(actuals) == 0 {
		return ""
	}
	claimed, ok := nearestDecimalLiteral(reasoning, idx)
	if !ok {
		return ""
	}
	for _, actual := range actuals {
		if actual.IsZero() {
			continue
		}
		diff := claimed.Sub(actual).Abs().Div(actual.Abs())
		if diff.LessThanOrEqual(tolerance) {
			return ""
		}
	}
	return fmt.Sprintf("claimed %s=%s, no position or candidate in context matches within tolerance", name, claimed)
}

// nearestDecimalLiteral extracts the first decimal number appearing within
// a short window after idx in text.
func nearestDecimalLiteral(text string, idx int) (decimal.Decimal, bool) {
	window := text[idx:]
	if len(window) > 40 {
		window = window[:40]
	}
	start := -1
	for i, r := range window {
		if (r >= '0' && r <= '9') || r == '-' {
			start = i
			break
		}
	}
	if start == -1 {
		return decimal.Zero, false
	}
	end := start
	for end < len(window) && (isDigitOrDotOrSign(rune(window[end]))) {
		end++
	}
	lit := window[start:end]
	d, err := decimal.NewFromString(lit)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func isDigitOrDotOrSign(r rune) bool {
	return (r >= '0' && r <= '9') || r == '.' || r == '-'
}
