// Package types provides shared domain type definitions for the options
// selling daemon.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OptionRight distinguishes puts from calls.
type OptionRight string

const (
	RightPut  OptionRight = "put"
	RightCall OptionRight = "call"
)

// TradeStatus is the lifecycle state of a Trade.
type TradeStatus string

const (
	TradeStatusPending TradeStatus = "pending"
	TradeStatusWorking TradeStatus = "working"
	TradeStatusOpen    TradeStatus = "open"
	TradeStatusClosing TradeStatus = "closing"
	TradeStatusClosed  TradeStatus = "closed"
)

// ExitKind explains why a Trade was closed.
type ExitKind string

const (
	ExitKindProfitTarget ExitKind = "profit_target"
	ExitKindStop         ExitKind = "stop"
	ExitKindTime         ExitKind = "time"
	ExitKindExpired      ExitKind = "expired"
	ExitKindAssigned     ExitKind = "assigned"
	ExitKindManual       ExitKind = "manual"
	ExitKindRoll         ExitKind = "roll"
)

// MaxRolls bounds how many times a Trade may be rolled.
const MaxRolls = 4

// Trade is one option position lifecycle: created on submission, mutated
// only by broker callbacks via the Reconciler or by the executor on exit
// submission, terminal once Status == TradeStatusClosed.
type Trade struct {
	ID            string          `json:"id"`
	BrokerExecID  string          `json:"brokerExecId,omitempty"`
	Underlying    string          `json:"underlying"`
	Right         OptionRight     `json:"right"`
	Strike        decimal.Decimal `json:"strike"`
	Expiration    time.Time       `json:"expiration"`
	Contracts     int             `json:"contracts"`
	EntryPremium  decimal.Decimal `json:"entryPremium"`
	EntryTime     time.Time       `json:"entryTime"`
	ExitPremium   decimal.Decimal `json:"exitPremium,omitempty"`
	ExitTime      *time.Time      `json:"exitTime,omitempty"`
	ExitKind      ExitKind        `json:"exitKind,omitempty"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	Commission    decimal.Decimal `json:"commission"`
	Status        TradeStatus     `json:"status"`
	StrategyTag   string          `json:"strategyTag"`
	RolledFrom    string          `json:"rolledFrom,omitempty"`
	RollCount     int             `json:"rollCount"`
	ExperimentArm string          `json:"experimentArm,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// IsClosed reports whether the trade has reached a terminal state.
func (t *Trade) IsClosed() bool { return t.Status == TradeStatusClosed }

// Snapshot captures market facts at the moment of a fill. Append-only: an
// EntrySnapshot is written when a Trade opens, an ExitSnapshot when it
// closes; neither is ever mutated afterward.
type Snapshot struct {
	TradeID               string          `json:"tradeId"`
	CapturedAt            time.Time       `json:"capturedAt"`
	Bid                   decimal.Decimal `json:"bid"`
	Ask                   decimal.Decimal `json:"ask"`
	Mid                   decimal.Decimal `json:"mid"`
	Delta                 decimal.Decimal `json:"delta"`
	Gamma                 decimal.Decimal `json:"gamma"`
	Theta                 decimal.Decimal `json:"theta"`
	IV                    decimal.Decimal `json:"iv"`
	UnderlyingPrice       decimal.Decimal `json:"underlyingPrice"`
	VIX                   decimal.Decimal `json:"vix"`
	Indicators            map[string]any  `json:"indicators,omitempty"`
	StrikeSelectionMethod string          `json:"strikeSelectionMethod,omitempty"`
	OriginalStrike        decimal.Decimal `json:"originalStrike,omitempty"`
	LiveDeltaAtSelection  decimal.Decimal `json:"liveDeltaAtSelection,omitempty"`
}

// StagedOpportunityStatus is the lifecycle state of a StagedOpportunity.
type StagedOpportunityStatus string

const (
	StagedStatusStaged    StagedOpportunityStatus = "staged"
	StagedStatusValidated StagedOpportunityStatus = "validated"
	StagedStatusStale     StagedOpportunityStatus = "stale"
	StagedStatusExecuting StagedOpportunityStatus = "executing"
	StagedStatusSubmitted StagedOpportunityStatus = "submitted"
	StagedStatusCancelled StagedOpportunityStatus = "cancelled"
)

// StagedOpportunity is a candidate trade not yet sent to the broker.
type StagedOpportunity struct {
	ID           string                  `json:"id"`
	Underlying   string                  `json:"underlying"`
	Strike       decimal.Decimal         `json:"strike"`
	Expiration   time.Time               `json:"expiration"`
	TargetDelta  decimal.Decimal         `json:"targetDelta"`
	TargetDTE    int                     `json:"targetDte"`
	LimitPrice   decimal.Decimal         `json:"limitPrice"`
	Contracts    int                     `json:"contracts"`
	StagedUnderlyingPrice decimal.Decimal `json:"stagedUnderlyingPrice"`
	Status       StagedOpportunityStatus `json:"status"`
	CreatedAt    time.Time               `json:"createdAt"`
	UpdatedAt    time.Time               `json:"updatedAt"`
}

// OrderSide is buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the broker order type.
type OrderType string

const (
	OrderTypeLimit      OrderType = "limit"
	OrderTypeMarket     OrderType = "market"
	OrderTypeStopLimit  OrderType = "stop_limit"
)

// TimeInForce is the broker time-in-force instruction.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
)

// OrderStatus is the broker-reported order status.
type OrderStatus string

const (
	OrderStatusPendingSubmit OrderStatus = "pending_submit"
	OrderStatusWorking       OrderStatus = "working"
	OrderStatusPartial       OrderStatus = "partial"
	OrderStatusFilled        OrderStatus = "filled"
	OrderStatusCancelled     OrderStatus = "cancelled"
	OrderStatusRejected      OrderStatus = "rejected"
)

// Order is a broker-side order reference. An Order belongs to at most one
// Trade (entry or exit leg); bracket children reference ParentOrderID.
// Only the Reconciler mutates an Order after submission.
type Order struct {
	ID              string          `json:"id"`
	BrokerOrderID   string          `json:"brokerOrderId"`
	ParentOrderID   string          `json:"parentOrderId,omitempty"`
	TradeID         string          `json:"tradeId,omitempty"`
	Underlying      string          `json:"underlying"`
	Side            OrderSide       `json:"side"`
	Type            OrderType       `json:"type"`
	TIF             TimeInForce     `json:"tif"`
	Quantity        int             `json:"quantity"`
	LimitPrice      decimal.Decimal `json:"limitPrice"`
	Status          OrderStatus     `json:"status"`
	FilledQty       int             `json:"filledQty"`
	AvgFillPrice    decimal.Decimal `json:"avgFillPrice"`
	Commission      decimal.Decimal `json:"commission"`
	LastBrokerState string          `json:"lastBrokerState,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// RemainingQty is the unfilled quantity of the order.
func (o *Order) RemainingQty() int { return o.Quantity - o.FilledQty }

// Position is a derived current aggregation over filled orders for a given
// option contract, used for monitoring and risk.
type Position struct {
	Underlying   string          `json:"underlying"`
	Right        OptionRight     `json:"right"`
	Strike       decimal.Decimal `json:"strike"`
	Expiration   time.Time       `json:"expiration"`
	Contracts    int             `json:"contracts"` // negative = short
	AvgPrice     decimal.Decimal `json:"avgPrice"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// EventState is the durable lifecycle state of an Event row.
type EventState string

const (
	EventStatePending    EventState = "pending"
	EventStateProcessing EventState = "processing"
	EventStateDone       EventState = "done"
	EventStateFailed     EventState = "failed"
)

// EventType is the closed set of events the daemon reacts to.
type EventType string

const (
	EventMarketOpen             EventType = "MARKET_OPEN"
	EventPreMarketPrep          EventType = "PRE_MARKET_PREP"
	EventMarketClose            EventType = "MARKET_CLOSE"
	EventEndOfDayReflection     EventType = "END_OF_DAY_REFLECTION"
	EventScheduledCheck         EventType = "SCHEDULED_CHECK"
	EventWeeklyLearning         EventType = "WEEKLY_LEARNING"
	EventOrderFilled            EventType = "ORDER_FILLED"
	EventOrderStatusChanged     EventType = "ORDER_STATUS_CHANGED"
	EventPositionStopApproaching EventType = "POSITION_STOP_APPROACHING"
	EventUnderlyingSignificantMove EventType = "UNDERLYING_SIGNIFICANT_MOVE"
	EventBrokerDisconnected     EventType = "BROKER_DISCONNECTED"
	EventBrokerReconnected      EventType = "BROKER_RECONNECTED"
	EventStaleMarketData        EventType = "STALE_MARKET_DATA"
	EventExperimentResultReady  EventType = "EXPERIMENT_RESULT_READY"
	EventAnomalyDetected         EventType = "ANOMALY_DETECTED"
)

// CriticalEventTypes may be drained ahead of the FIFO queue when a consumer
// is idle.
var CriticalEventTypes = map[EventType]bool{
	EventOrderFilled:        true,
	EventBrokerDisconnected: true,
	EventStaleMarketData:    true,
}

// Event is a durable queue row. It survives restart.
type Event struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	Payload      map[string]any `json:"payload"`
	State        EventState     `json:"state"`
	TradingDate  string         `json:"tradingDate,omitempty"` // set for scheduled events, dedup key
	CreatedAt    time.Time      `json:"createdAt"`
	ProcessedAt  *time.Time     `json:"processedAt,omitempty"`
	LastError    string         `json:"lastError,omitempty"`
	Retries      int            `json:"retries"`
}

// DecisionAction is the closed enumeration of reasoning-engine outputs.
type DecisionAction string

const (
	ActionExecuteTrades      DecisionAction = "EXECUTE_TRADES"
	ActionStageCandidates    DecisionAction = "STAGE_CANDIDATES"
	ActionClosePosition      DecisionAction = "CLOSE_POSITION"
	ActionRollPosition       DecisionAction = "ROLL_POSITION"
	ActionMonitorOnly        DecisionAction = "MONITOR_ONLY"
	ActionSkipSession        DecisionAction = "SKIP_SESSION"
	ActionProposeExperiment  DecisionAction = "PROPOSE_EXPERIMENT"
	ActionRequestHumanReview DecisionAction = "REQUEST_HUMAN_REVIEW"
	ActionEmergencyHalt      DecisionAction = "EMERGENCY_HALT"
)

// Decision is an append-only audit row for every reasoning-engine output.
type Decision struct {
	ID               string          `json:"id"`
	SessionID        string          `json:"sessionId"`
	EventRef         string          `json:"eventRef"`
	ReasoningContext string          `json:"reasoningContext"` // JSON
	EngineOutput     string          `json:"engineOutput"`     // JSON
	Action           DecisionAction  `json:"action"`
	ActionResult     string          `json:"actionResult"` // JSON, may contain "error"
	AutonomyLevel    int             `json:"autonomyLevel"`
	Cost             decimal.Decimal `json:"cost"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// DecisionEmbedding supports nearest-neighbor retrieval of prior decisions.
type DecisionEmbedding struct {
	DecisionID string    `json:"decisionId"`
	Summary    string    `json:"summary"`
	Vector     []float64 `json:"vector"`
	CreatedAt  time.Time `json:"createdAt"`
}

// StrategyState holds the tunable strategy parameters Working Memory keeps
// across restarts, mutated only via Learning Loop experiment adoption.
type StrategyState struct {
	TargetDelta     decimal.Decimal `json:"targetDelta"`
	TargetDTEDays   int             `json:"targetDteDays"`
	ProfitTargetPct decimal.Decimal `json:"profitTargetPct"`
	StopLossPct     decimal.Decimal `json:"stopLossPct"`
}

// Anomaly is an active safety flag that forces defensive behavior until
// cleared.
type Anomaly struct {
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason"`
	HardBlock bool      `json:"hardBlock"`
	RaisedAt  time.Time `json:"raisedAt"`
}

// WorkingMemory is the single logical row per session.
type WorkingMemory struct {
	SessionID         string          `json:"sessionId"`
	Strategy          StrategyState   `json:"strategy"`
	OpenExperimentIDs []string        `json:"openExperimentIds"`
	RollingWinRate    decimal.Decimal `json:"rollingWinRate"`
	RollingSharpe     decimal.Decimal `json:"rollingSharpe"`
	RollingTrades     int             `json:"rollingTrades"`
	Anomalies         []Anomaly       `json:"anomalies"`
	AutonomyLevel     int             `json:"autonomyLevel"`
	DaysSinceOverride int             `json:"daysSinceOverride"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// ExperimentStatus is the terminal/non-terminal state of an A/B experiment.
type ExperimentStatus string

const (
	ExperimentStatusActive       ExperimentStatus = "active"
	ExperimentStatusAdopted      ExperimentStatus = "adopted"
	ExperimentStatusRejected     ExperimentStatus = "rejected"
	ExperimentStatusInconclusive ExperimentStatus = "inconclusive"
)

// ArmStats accumulates per-arm sample statistics for an Experiment.
type ArmStats struct {
	Samples int             `json:"samples"`
	Wins    int             `json:"wins"`
	SumROI  decimal.Decimal `json:"sumRoi"`
	SumSq   decimal.Decimal `json:"sumSq"` // sum of squared ROI, for variance
}

// Experiment is an A/B test over one strategy parameter.
type Experiment struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Parameter         string           `json:"parameter"`
	ControlValue      decimal.Decimal  `json:"controlValue"`
	TestValue         decimal.Decimal  `json:"testValue"`
	AllocationFraction decimal.Decimal `json:"allocationFraction"`
	MinSamples        int              `json:"minSamples"`
	ControlStats      ArmStats         `json:"controlStats"`
	TestStats         ArmStats         `json:"testStats"`
	Status            ExperimentStatus `json:"status"`
	StartedAt         time.Time        `json:"startedAt"`
	FinishedAt        *time.Time       `json:"finishedAt,omitempty"`
	DecisionReason    string           `json:"decisionReason,omitempty"`
	Deadline          time.Time        `json:"deadline"`
}

// PatternStatus tracks whether a detected pattern is still being monitored.
type PatternStatus string

const (
	PatternStatusCandidate PatternStatus = "candidate"
	PatternStatusConfirmed PatternStatus = "confirmed"
	PatternStatusExpired   PatternStatus = "expired"
)

// Pattern is a statistically significant regularity found by the Learning
// Loop over closed trades.
type Pattern struct {
	ID         string          `json:"id"`
	Category   string          `json:"category"`
	Name       string          `json:"name"`
	SampleSize int             `json:"sampleSize"`
	WinRate    decimal.Decimal `json:"winRate"`
	AvgROI     decimal.Decimal `json:"avgRoi"`
	Confidence decimal.Decimal `json:"confidence"`
	PValue     decimal.Decimal `json:"pValue"`
	EffectSize decimal.Decimal `json:"effectSize"`
	Status     PatternStatus   `json:"status"`
	DetectedAt time.Time       `json:"detectedAt"`
}

// SystemState is the kill-switch and operational heartbeat.
type SystemState struct {
	TradingHalted bool      `json:"tradingHalted"`
	HaltReason    string    `json:"haltReason,omitempty"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	CurrentActivity string  `json:"currentActivity,omitempty"`
	DailyCostUsed decimal.Decimal `json:"dailyCostUsed"`
	DailyCostCap  decimal.Decimal `json:"dailyCostCap"`
	CostResetDate string    `json:"costResetDate"` // YYYY-MM-DD
}

// AccountSummary is the broker's account-level risk snapshot.
type AccountSummary struct {
	NetLiquidation   decimal.Decimal `json:"netLiquidation"`
	AvailableFunds   decimal.Decimal `json:"availableFunds"`
	ExcessLiquidity  decimal.Decimal `json:"excessLiquidity"`
	InitMargin       decimal.Decimal `json:"initMargin"`
	MaintMargin      decimal.Decimal `json:"maintMargin"`
	AsOf             time.Time       `json:"asOf"`
}

// Quote is a bid/ask/last snapshot for a contract or underlying.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Timestamp time.Time       `json:"timestamp"`
}

// Greeks is a per-contract Greeks + liquidity sample.
type Greeks struct {
	Delta        decimal.Decimal `json:"delta"`
	Gamma        decimal.Decimal `json:"gamma"`
	Theta        decimal.Decimal `json:"theta"`
	IV           decimal.Decimal `json:"iv"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Volume       int64           `json:"volume"`
	OpenInterest int64           `json:"openInterest"`
}

// ContractSpec identifies an option contract.
type ContractSpec struct {
	Underlying string      `json:"underlying"`
	Right      OptionRight `json:"right"`
	Strike     decimal.Decimal `json:"strike"`
	Expiration time.Time   `json:"expiration"`
}

// WhatIfResult is the broker's dry-run margin projection for an order.
type WhatIfResult struct {
	InitMarginAfter  decimal.Decimal `json:"initMarginAfter"`
	MaintMarginAfter decimal.Decimal `json:"maintMarginAfter"`
	EquityAfter      decimal.Decimal `json:"equityAfter"`
	CommissionEst    decimal.Decimal `json:"commissionEst"`
}
