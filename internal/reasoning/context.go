// Package reasoning is the Reasoning Engine: it turns an event plus
// assembled context into a validated decision, or abstains safely.
package reasoning

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optionsdaemon/putseller/pkg/types"
)

// contextVersion is stamped onto every serialized prompt so a prompt-format
// change is visible in the decision audit trail.
const contextVersion = "v1"

// MarketContext is the regime and timing portion of a ReasoningContext.
type MarketContext struct {
	VIXLevel            decimal.Decimal `json:"vixLevel"`
	VIXTermStructureSign int            `json:"vixTermStructureSign"` // +1 contango, -1 backwardation, 0 flat
	RegimeTag           string          `json:"regimeTag"`
	TimeOfDay           string          `json:"timeOfDay"` // HH:MM America/New_York
	MinutesSinceQuote   map[string]int  `json:"minutesSinceQuote"`
}

// PositionView is an open position enriched with live Greeks for the
// reasoning context (never persisted as-is; Position stays separate).
type PositionView struct {
	Trade  types.Trade  `json:"trade"`
	Greeks types.Greeks `json:"greeks"`
}

// RetrievedDecision is one semantic-retrieval hit surfaced to the model.
type RetrievedDecision struct {
	Summary    string  `json:"summary"`
	Similarity float64 `json:"similarity"`
}

// ReasoningContextV1 is the full, deterministic serialization of
// everything the model is allowed to see for one decision.
type ReasoningContextV1 struct {
	Version            string              `json:"version"`
	EventType          types.EventType     `json:"eventType"`
	Positions          []PositionView      `json:"positions"`
	Account            types.AccountSummary `json:"account"`
	Market             MarketContext       `json:"market"`
	Candidates         []types.StagedOpportunity `json:"candidates,omitempty"`
	RecentDecisions    []types.Decision    `json:"recentDecisions"`
	Retrieved          []RetrievedDecision `json:"retrieved"`
	ActivePatterns     []types.Pattern     `json:"activePatterns"`
	ActiveExperiments  []types.Experiment  `json:"activeExperiments"`
	Strategy           types.StrategyState `json:"strategy"`
	AutonomyLevel      int                 `json:"autonomyLevel"`
	ActiveAnomalies    []types.Anomaly     `json:"activeAnomalies"`
	AssembledAt        time.Time           `json:"assembledAt"`
}

// Serialize produces the deterministic JSON the prompt is built from and
// that is stored verbatim on the Decision audit row.
func (c *ReasoningContextV1) Serialize() (string, error) {
	c.Version = contextVersion
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HardBlockAnomaly returns the first active anomaly flagged HardBlock, or
// nil if none is active. The pre-call guard uses this to bypass the LLM
// entirely — a safety flag can never be argued away by the model.
func (c *ReasoningContextV1) HardBlockAnomaly() *types.Anomaly {
	for i := range c.ActiveAnomalies {
		if c.ActiveAnomalies[i].HardBlock {
			return &c.ActiveAnomalies[i]
		}
	}
	return nil
}
