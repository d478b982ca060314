// Package types also holds the configuration surface for every component.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config is the fully assembled, immutable configuration tree injected into
// every component's constructor. It is built once at startup by
// internal/config and never mutated afterward.
type Config struct {
	Store        StoreConfig        `mapstructure:"store"`
	EventBus     EventBusConfig     `mapstructure:"event_bus"`
	Reasoning    ReasoningConfig    `mapstructure:"reasoning"`
	Risk         RiskConfig         `mapstructure:"risk"`
	Autonomy     AutonomyConfig     `mapstructure:"autonomy"`
	Execution    ExecutionConfig    `mapstructure:"execution"`
	StrikeSelector StrikeSelectorConfig `mapstructure:"strike_selector"`
	FillManager  FillManagerConfig  `mapstructure:"fill_manager"`
	Reconciler   ReconcilerConfig   `mapstructure:"reconciler"`
	Learning     LearningConfig     `mapstructure:"learning"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Broker       BrokerConfig       `mapstructure:"broker"`
	Daemon       DaemonConfig       `mapstructure:"daemon"`
}

// StoreConfig configures the SQLite-backed persistence layer.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"` // e.g. "file:putseller.db?_pragma=busy_timeout(5000)"
}

// EventBusConfig configures the durable event bus and calendar ticker.
type EventBusConfig struct {
	ScheduledCheckInterval time.Duration `mapstructure:"scheduled_check_interval"` // default 15m
	MaxRetries             int           `mapstructure:"max_retries"`              // default 3
	RetryBaseDelay         time.Duration `mapstructure:"retry_base_delay"`
	MaxEventRuntime        time.Duration `mapstructure:"max_event_runtime"`
	CalendarTickInterval   time.Duration `mapstructure:"calendar_tick_interval"`
}

// ReasoningConfig configures the LLM reasoning engine.
type ReasoningConfig struct {
	Model          string          `mapstructure:"model"`
	MaxTokens      int             `mapstructure:"max_tokens"`
	Temperature    float64         `mapstructure:"temperature"` // fixed 0
	CallTimeout    time.Duration   `mapstructure:"call_timeout"`
	MinConfidence  decimal.Decimal `mapstructure:"min_confidence"`
	DailyCostCap   decimal.Decimal `mapstructure:"daily_cost_cap"`
	NumericalTolerancePct decimal.Decimal `mapstructure:"numerical_tolerance_pct"`
	APIBaseURL     string          `mapstructure:"api_base_url"`
	APIKeyEnv      string          `mapstructure:"api_key_env"` // name of env var holding the API key
	RetrievalK     int             `mapstructure:"retrieval_k"`
}

// RiskConfig configures the ordered risk-governor checks.
type RiskConfig struct {
	MaxOpenPositions        int             `mapstructure:"max_open_positions"`
	MaxPositionsOpenedToday int             `mapstructure:"max_positions_opened_today"`
	EarningsBlockDays       int             `mapstructure:"earnings_block_days"`
	MaxDailyLossPct         decimal.Decimal `mapstructure:"max_daily_loss_pct"`
	MaxWeeklyLossPct        decimal.Decimal `mapstructure:"max_weekly_loss_pct"`
	MaxDrawdownPct          decimal.Decimal `mapstructure:"max_drawdown_pct"`
	MaxSectorConcentration  decimal.Decimal `mapstructure:"max_sector_concentration"`
	PerTradeMarginCapPct    decimal.Decimal `mapstructure:"per_trade_margin_cap_pct"`
	MaxMarginUtilisation    decimal.Decimal `mapstructure:"max_margin_utilisation"`
	MinExcessLiquidityPct   decimal.Decimal `mapstructure:"min_excess_liquidity_pct"`
	VIXHaltThreshold        decimal.Decimal `mapstructure:"vix_halt_threshold"`
	AllowPreMarketOrders    bool            `mapstructure:"allow_pre_market_orders"`
	SectorMap               map[string]string `mapstructure:"sector_map"`
}

// DefaultRiskConfig returns the spec-cited defaults.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxOpenPositions:        10,
		MaxPositionsOpenedToday: 3,
		EarningsBlockDays:       7,
		MaxDailyLossPct:         decimal.NewFromFloat(0.03),
		MaxWeeklyLossPct:        decimal.NewFromFloat(0.06),
		MaxDrawdownPct:          decimal.NewFromFloat(0.10),
		MaxSectorConcentration:  decimal.NewFromFloat(0.40),
		PerTradeMarginCapPct:    decimal.NewFromFloat(0.05),
		MaxMarginUtilisation:    decimal.NewFromFloat(0.50),
		MinExcessLiquidityPct:   decimal.NewFromFloat(0.20),
		VIXHaltThreshold:        decimal.NewFromFloat(35),
		AllowPreMarketOrders:    false,
		SectorMap:               map[string]string{},
	}
}

// AutonomyConfig configures the L1-L4 autonomy governor.
type AutonomyConfig struct {
	StartingLevel           int             `mapstructure:"starting_level"`
	PromotionDays           int             `mapstructure:"promotion_days"`
	PromotionMinWinRate     decimal.Decimal `mapstructure:"promotion_min_win_rate"`
	PromotionMinSharpe      decimal.Decimal `mapstructure:"promotion_min_sharpe"`
	L2MaxPositionMultiple   decimal.Decimal `mapstructure:"l2_max_position_multiple"`
	L3MaxPositionMultiple   decimal.Decimal `mapstructure:"l3_max_position_multiple"`
	NewSymbolAlwaysReviewed bool            `mapstructure:"new_symbol_always_reviewed"`
	LossStreakDemotion      int             `mapstructure:"loss_streak_demotion"`
}

// DefaultAutonomyConfig returns the spec-cited defaults.
func DefaultAutonomyConfig() AutonomyConfig {
	return AutonomyConfig{
		StartingLevel:           1,
		PromotionDays:           10,
		PromotionMinWinRate:     decimal.NewFromFloat(0.55),
		PromotionMinSharpe:      decimal.NewFromFloat(0.5),
		L2MaxPositionMultiple:   decimal.NewFromInt(1),
		L3MaxPositionMultiple:   decimal.NewFromInt(2),
		NewSymbolAlwaysReviewed: true,
		LossStreakDemotion:      3,
	}
}

// ExecutionConfig configures the action executor.
type ExecutionConfig struct {
	MaxPriceDriftAdjustPct decimal.Decimal `mapstructure:"max_price_drift_adjust_pct"` // 5%
	MaxPriceDriftStalePct  decimal.Decimal `mapstructure:"max_price_drift_stale_pct"`  // 10%
	QuoteFanoutConcurrency int             `mapstructure:"quote_fanout_concurrency"`
	BrokerCallTimeout      time.Duration   `mapstructure:"broker_call_timeout"`
}

// StrikeSelectorConfig configures the live strike selector.
type StrikeSelectorConfig struct {
	MinOTMPct       decimal.Decimal `mapstructure:"min_otm_pct"`
	MaxCandidates   int             `mapstructure:"max_candidates"`
	TargetTolerance decimal.Decimal `mapstructure:"target_tolerance"`
	PremiumFloor    decimal.Decimal `mapstructure:"premium_floor"`
	MaxSpreadPct    decimal.Decimal `mapstructure:"max_spread_pct"`
	MinVolume       int64           `mapstructure:"min_volume"`
	MinOpenInterest int64           `mapstructure:"min_open_interest"`
	FanoutConcurrency int           `mapstructure:"fanout_concurrency"` // <=5
}

// FillManagerConfig configures progressive limit adjustment.
type FillManagerConfig struct {
	CheckInterval       time.Duration   `mapstructure:"check_interval"`
	PartialThresholdPct decimal.Decimal `mapstructure:"partial_threshold_pct"`
	AdjustmentInterval  time.Duration   `mapstructure:"adjustment_interval"`
	MaxAdjustments      int             `mapstructure:"max_adjustments"`
	AdjustmentIncrement decimal.Decimal `mapstructure:"adjustment_increment"`
	PremiumFloor        decimal.Decimal `mapstructure:"premium_floor"`
	MonitoringWindow    time.Duration   `mapstructure:"monitoring_window"`
	LeaveWorkingOnTimeout bool          `mapstructure:"leave_working_on_timeout"`
}

// ReconcilerConfig configures periodic broker-truth reconciliation.
type ReconcilerConfig struct {
	Interval       time.Duration   `mapstructure:"interval"`
	FillPriceDeltaTolerance decimal.Decimal `mapstructure:"fill_price_delta_tolerance"`
	LiveImportMode bool            `mapstructure:"live_import_mode"`
}

// LearningConfig configures pattern detection and A/B experiments.
type LearningConfig struct {
	MinSamples          int             `mapstructure:"min_samples"` // default 30
	SignificanceAlpha   decimal.Decimal `mapstructure:"significance_alpha"` // 0.05
	MinEffectSize       decimal.Decimal `mapstructure:"min_effect_size"`    // 0.005
	ExperimentDeadline  time.Duration   `mapstructure:"experiment_deadline"`
}

// DefaultLearningConfig returns the spec-cited defaults.
func DefaultLearningConfig() LearningConfig {
	return LearningConfig{
		MinSamples:         30,
		SignificanceAlpha:  decimal.NewFromFloat(0.05),
		MinEffectSize:      decimal.NewFromFloat(0.005),
		ExperimentDeadline: 60 * 24 * time.Hour,
	}
}

// ObservabilityConfig configures the ambient health/metrics surface.
type ObservabilityConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	MetricsPath string `mapstructure:"metrics_path"`
	HealthPath  string `mapstructure:"health_path"`
}

// DaemonConfig configures the orchestrator's main loop: the symbol universe
// it scans for new candidates and the shutdown/fan-out knobs around it.
type DaemonConfig struct {
	Symbols                       []string      `mapstructure:"symbols"`
	GreeksFanoutConcurrency       int           `mapstructure:"greeks_fanout_concurrency"`
	ShutdownDrainTimeout          time.Duration `mapstructure:"shutdown_drain_timeout"`
	RecentDecisionsWindow         int           `mapstructure:"recent_decisions_window"`
	CancelWorkingOrdersOnShutdown bool          `mapstructure:"cancel_working_orders_on_shutdown"`
}

// DefaultDaemonConfig returns the spec-cited defaults.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Symbols:                       []string{},
		GreeksFanoutConcurrency:       5,
		ShutdownDrainTimeout:          30 * time.Second,
		RecentDecisionsWindow:         10,
		CancelWorkingOrdersOnShutdown: true,
	}
}

// BrokerConfig selects and configures the broker adapter.
type BrokerConfig struct {
	Mode         string        `mapstructure:"mode"` // "paper" or "ibkr"
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ClientID     int           `mapstructure:"client_id"`
	QuoteTimeout time.Duration `mapstructure:"quote_timeout"`
	ChainTimeout time.Duration `mapstructure:"chain_timeout"`
	WhatIfTimeout time.Duration `mapstructure:"what_if_timeout"`
	OrderTimeout time.Duration `mapstructure:"order_timeout"`
}
