package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optionsdaemon/putseller/pkg/types"
)

func wednesdayNoon() time.Time {
	loc, _ := time.LoadLocation("America/New_York")
	return time.Date(2026, time.July, 29, 11, 0, 0, 0, loc)
}

func baseInput() Input {
	return Input{
		Now: wednesdayNoon(),
		Candidate: Candidate{
			Underlying: "AAPL",
			Right:      types.RightPut,
			Strike:     decimal.NewFromInt(190),
			Expiration: wednesdayNoon().AddDate(0, 0, 7),
		},
		SystemState: types.SystemState{TradingHalted: false},
		Account: types.AccountSummary{
			NetLiquidation: decimal.NewFromInt(100000),
			InitMargin:     decimal.NewFromInt(10000),
		},
		VIXLevel: decimal.NewFromInt(15),
	}
}

func TestEvaluateApprovesCleanInput(t *testing.T) {
	t.Parallel()
	g := New(types.DefaultRiskConfig())
	v := g.Evaluate(baseInput())
	if !v.Approved {
		t.Fatalf("expected approval, got rejection: %s / %s", v.Check, v.Reason)
	}
}

func TestEvaluateKillSwitchShortCircuitsFirst(t *testing.T) {
	t.Parallel()
	g := New(types.DefaultRiskConfig())
	in := baseInput()
	in.SystemState.TradingHalted = true
	in.SystemState.HaltReason = "manual halt"
	in.Now = time.Date(2026, 1, 1, 12, 0, 0, 0, in.Now.Location()) // also a holiday + outside hours

	v := g.Evaluate(in)
	if v.Approved {
		t.Fatal("expected rejection")
	}
	if v.Check != "kill_switch" {
		t.Errorf("Check = %q, want kill_switch (should short-circuit before market_hours)", v.Check)
	}
}

func TestEvaluateRejectsOutsideMarketHours(t *testing.T) {
	t.Parallel()
	g := New(types.DefaultRiskConfig())
	in := baseInput()
	loc := in.Now.Location()
	in.Now = time.Date(2026, 7, 29, 20, 0, 0, 0, loc)

	v := g.Evaluate(in)
	if v.Approved || v.Check != "market_hours" {
		t.Errorf("got %+v, want rejection at market_hours", v)
	}
}

func TestEvaluateRejectsEarningsProximity(t *testing.T) {
	t.Parallel()
	g := New(types.DefaultRiskConfig())
	in := baseInput()
	ed := in.Now.AddDate(0, 0, 2)
	in.Candidate.EarningsDate = &ed

	v := g.Evaluate(in)
	if v.Approved || v.Check != "earnings_proximity" {
		t.Errorf("got %+v, want rejection at earnings_proximity", v)
	}
}

func TestEvaluateRejectsMaxOpenPositions(t *testing.T) {
	t.Parallel()
	cfg := types.DefaultRiskConfig()
	cfg.MaxOpenPositions = 1
	g := New(cfg)
	in := baseInput()
	in.OpenPositions = []*types.Trade{{ID: "t1", Status: types.TradeStatusOpen}}

	v := g.Evaluate(in)
	if v.Approved || v.Check != "position_caps" {
		t.Errorf("got %+v, want rejection at position_caps", v)
	}
}

func TestEvaluateRejectsDuplicatePosition(t *testing.T) {
	t.Parallel()
	g := New(types.DefaultRiskConfig())
	in := baseInput()
	in.OpenPositions = []*types.Trade{{
		ID:         "t1",
		Underlying: "AAPL",
		Strike:     decimal.NewFromInt(190),
		Expiration: in.Candidate.Expiration,
		Right:      types.RightPut,
		Status:     types.TradeStatusOpen,
	}}

	v := g.Evaluate(in)
	if v.Approved || v.Check != "duplicate" {
		t.Errorf("got %+v, want rejection at duplicate", v)
	}
}

func TestEvaluateRejectsDailyLoss(t *testing.T) {
	t.Parallel()
	g := New(types.DefaultRiskConfig())
	in := baseInput()
	in.RealizedTodayPnL = decimal.NewFromInt(-5000) // 5% of 100k, limit is 3%

	v := g.Evaluate(in)
	if v.Approved || v.Check != "daily_loss" {
		t.Errorf("got %+v, want rejection at daily_loss", v)
	}
}

func TestEvaluateRejectsVIXRegimeExceptClosingActions(t *testing.T) {
	t.Parallel()
	g := New(types.DefaultRiskConfig())
	in := baseInput()
	in.VIXLevel = decimal.NewFromInt(40)

	v := g.Evaluate(in)
	if v.Approved || v.Check != "vix_regime" {
		t.Errorf("got %+v, want rejection at vix_regime", v)
	}

	in.Candidate.IsClosingOnly = true
	v = g.Evaluate(in)
	if !v.Approved {
		t.Errorf("closing-only action should bypass vix_regime, got %+v", v)
	}
}

func TestEvaluateRejectsPerTradeMarginCap(t *testing.T) {
	t.Parallel()
	g := New(types.DefaultRiskConfig())
	in := baseInput()
	in.WhatIf = &types.WhatIfResult{
		InitMarginAfter:  decimal.NewFromInt(20000), // +10000 impact, cap is 5% of 100k = 5000
		MaintMarginAfter: decimal.NewFromInt(15000),
		EquityAfter:      decimal.NewFromInt(95000),
	}

	v := g.Evaluate(in)
	if v.Approved || v.Check != "per_trade_margin" {
		t.Errorf("got %+v, want rejection at per_trade_margin", v)
	}
}

func TestEvaluateRejectsTotalMarginUtilisation(t *testing.T) {
	t.Parallel()
	g := New(types.DefaultRiskConfig())
	in := baseInput()
	in.WhatIf = &types.WhatIfResult{
		InitMarginAfter:  decimal.NewFromInt(10500), // small per-trade impact
		MaintMarginAfter: decimal.NewFromInt(10000),
		EquityAfter:      decimal.NewFromInt(15000), // utilisation 70% > 50% cap
	}

	v := g.Evaluate(in)
	if v.Approved || v.Check != "total_margin" {
		t.Errorf("got %+v, want rejection at total_margin", v)
	}
}

func TestEvaluateRejectsTotalMarginUtilisationExactlyAtCap(t *testing.T) {
	t.Parallel()
	g := New(types.DefaultRiskConfig())
	in := baseInput()
	in.WhatIf = &types.WhatIfResult{
		InitMarginAfter:  decimal.NewFromInt(12500), // +2500 impact, within the 5000 per-trade cap
		MaintMarginAfter: decimal.NewFromInt(12000),
		EquityAfter:      decimal.NewFromInt(25000), // utilisation == 50% cap exactly
	}

	v := g.Evaluate(in)
	if v.Approved || v.Check != "total_margin" {
		t.Errorf("got %+v, want rejection at total_margin for exact-boundary utilisation", v)
	}
}
