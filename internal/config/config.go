// Package config loads the daemon's layered configuration: built-in
// defaults, then an optional config file, then environment variables,
// producing one immutable types.Config tree. Load reads no command-line
// flags.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/optionsdaemon/putseller/pkg/types"
)

// EnvPrefix namespaces every environment variable this daemon reads.
const EnvPrefix = "PUTSELLER"

// Load assembles the configuration tree. configFile may be empty, in which
// case only defaults + environment apply.
func Load(configFile string) (*types.Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	hooks := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalDecodeHook,
	)

	var cfg types.Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *types.Config) error {
	if cfg.Store.DSN == "" {
		return fmt.Errorf("store.dsn must not be empty")
	}
	if cfg.Reasoning.Temperature != 0 {
		return fmt.Errorf("reasoning.temperature must be 0 (deterministic reasoning is required)")
	}
	if cfg.StrikeSelector.FanoutConcurrency > 5 {
		return fmt.Errorf("strike_selector.fanout_concurrency must be <= 5, got %d", cfg.StrikeSelector.FanoutConcurrency)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.dsn", "file:putseller.db?_pragma=busy_timeout(5000)")

	v.SetDefault("event_bus.scheduled_check_interval", 15*time.Minute)
	v.SetDefault("event_bus.max_retries", 3)
	v.SetDefault("event_bus.retry_base_delay", 2*time.Second)
	v.SetDefault("event_bus.max_event_runtime", 5*time.Minute)
	v.SetDefault("event_bus.calendar_tick_interval", time.Minute)

	v.SetDefault("reasoning.model", "claude-reasoning-v1")
	v.SetDefault("reasoning.max_tokens", 2048)
	v.SetDefault("reasoning.temperature", 0.0)
	v.SetDefault("reasoning.call_timeout", 30*time.Second)
	v.SetDefault("reasoning.min_confidence", "0.55")
	v.SetDefault("reasoning.daily_cost_cap", "10.00")
	v.SetDefault("reasoning.numerical_tolerance_pct", "0.02")
	v.SetDefault("reasoning.api_base_url", "https://api.example.com/v1")
	v.SetDefault("reasoning.api_key_env", "PUTSELLER_LLM_API_KEY")
	v.SetDefault("reasoning.retrieval_k", 5)

	def := types.DefaultRiskConfig()
	v.SetDefault("risk.max_open_positions", def.MaxOpenPositions)
	v.SetDefault("risk.max_positions_opened_today", def.MaxPositionsOpenedToday)
	v.SetDefault("risk.earnings_block_days", def.EarningsBlockDays)
	v.SetDefault("risk.max_daily_loss_pct", def.MaxDailyLossPct.String())
	v.SetDefault("risk.max_weekly_loss_pct", def.MaxWeeklyLossPct.String())
	v.SetDefault("risk.max_drawdown_pct", def.MaxDrawdownPct.String())
	v.SetDefault("risk.max_sector_concentration", def.MaxSectorConcentration.String())
	v.SetDefault("risk.per_trade_margin_cap_pct", def.PerTradeMarginCapPct.String())
	v.SetDefault("risk.max_margin_utilisation", def.MaxMarginUtilisation.String())
	v.SetDefault("risk.min_excess_liquidity_pct", def.MinExcessLiquidityPct.String())
	v.SetDefault("risk.vix_halt_threshold", def.VIXHaltThreshold.String())
	v.SetDefault("risk.allow_pre_market_orders", false)

	auto := types.DefaultAutonomyConfig()
	v.SetDefault("autonomy.starting_level", auto.StartingLevel)
	v.SetDefault("autonomy.promotion_days", auto.PromotionDays)
	v.SetDefault("autonomy.promotion_min_win_rate", auto.PromotionMinWinRate.String())
	v.SetDefault("autonomy.promotion_min_sharpe", auto.PromotionMinSharpe.String())
	v.SetDefault("autonomy.l2_max_position_multiple", auto.L2MaxPositionMultiple.String())
	v.SetDefault("autonomy.l3_max_position_multiple", auto.L3MaxPositionMultiple.String())
	v.SetDefault("autonomy.new_symbol_always_reviewed", auto.NewSymbolAlwaysReviewed)
	v.SetDefault("autonomy.loss_streak_demotion", auto.LossStreakDemotion)

	v.SetDefault("execution.max_price_drift_adjust_pct", "0.05")
	v.SetDefault("execution.max_price_drift_stale_pct", "0.10")
	v.SetDefault("execution.quote_fanout_concurrency", 5)
	v.SetDefault("execution.broker_call_timeout", 5*time.Second)

	v.SetDefault("strike_selector.min_otm_pct", "0.03")
	v.SetDefault("strike_selector.max_candidates", 12)
	v.SetDefault("strike_selector.target_tolerance", "0.02")
	v.SetDefault("strike_selector.premium_floor", "0.05")
	v.SetDefault("strike_selector.max_spread_pct", "0.15")
	v.SetDefault("strike_selector.min_volume", 10)
	v.SetDefault("strike_selector.min_open_interest", 100)
	v.SetDefault("strike_selector.fanout_concurrency", 5)

	v.SetDefault("fill_manager.check_interval", 5*time.Second)
	v.SetDefault("fill_manager.partial_threshold_pct", "0.5")
	v.SetDefault("fill_manager.adjustment_interval", 60*time.Second)
	v.SetDefault("fill_manager.max_adjustments", 5)
	v.SetDefault("fill_manager.adjustment_increment", "0.01")
	v.SetDefault("fill_manager.premium_floor", "0.05")
	v.SetDefault("fill_manager.monitoring_window", 10*time.Minute)
	v.SetDefault("fill_manager.leave_working_on_timeout", true)

	v.SetDefault("reconciler.interval", 5*time.Minute)
	v.SetDefault("reconciler.fill_price_delta_tolerance", "0.01")
	v.SetDefault("reconciler.live_import_mode", false)

	learn := types.DefaultLearningConfig()
	v.SetDefault("learning.min_samples", learn.MinSamples)
	v.SetDefault("learning.significance_alpha", learn.SignificanceAlpha.String())
	v.SetDefault("learning.min_effect_size", learn.MinEffectSize.String())
	v.SetDefault("learning.experiment_deadline", learn.ExperimentDeadline)

	v.SetDefault("observability.enabled", true)
	v.SetDefault("observability.host", "127.0.0.1")
	v.SetDefault("observability.port", 9090)
	v.SetDefault("observability.metrics_path", "/metrics")
	v.SetDefault("observability.health_path", "/healthz")

	v.SetDefault("broker.mode", "paper")
	v.SetDefault("broker.host", "127.0.0.1")
	v.SetDefault("broker.port", 7497)
	v.SetDefault("broker.client_id", 1)
	v.SetDefault("broker.quote_timeout", 2*time.Second)
	v.SetDefault("broker.chain_timeout", 5*time.Second)
	v.SetDefault("broker.what_if_timeout", 5*time.Second)
	v.SetDefault("broker.order_timeout", 5*time.Second)

	daemon := types.DefaultDaemonConfig()
	v.SetDefault("daemon.symbols", daemon.Symbols)
	v.SetDefault("daemon.greeks_fanout_concurrency", daemon.GreeksFanoutConcurrency)
	v.SetDefault("daemon.shutdown_drain_timeout", daemon.ShutdownDrainTimeout)
	v.SetDefault("daemon.recent_decisions_window", daemon.RecentDecisionsWindow)
	v.SetDefault("daemon.cancel_working_orders_on_shutdown", daemon.CancelWorkingOrdersOnShutdown)
}

// decimalDecodeHook lets viper unmarshal string-typed config values (config
// files and env vars are always strings) directly into decimal.Decimal.
var decimalType = reflect.TypeOf(decimal.Decimal{})

func decimalDecodeHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != decimalType {
		return data, nil
	}
	s, ok := data.(string)
	if !ok {
		return data, nil
	}
	return decimal.NewFromString(s)
}

var _ mapstructure.DecodeHookFuncType = decimalDecodeHook
