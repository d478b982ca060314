// Package risk is the Risk Governor: stateless, pure, ordered checks over
// an opportunity and the current account/position/calendar snapshot. Every
// threshold is configuration; the governor itself is deterministic.
package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/optionsdaemon/putseller/internal/events"
	"github.com/optionsdaemon/putseller/pkg/types"
)

// Candidate is the opportunity under evaluation.
type Candidate struct {
	Underlying    string
	Right         types.OptionRight
	Strike        decimal.Decimal
	Expiration    time.Time
	EarningsDate  *time.Time // next confirmed earnings date for Underlying, if known
	IsClosingOnly bool       // true for close/roll-down actions, which bypass several opening-only checks
}

// Input bundles every fact the ordered check table consults. All fields are
// snapshots the caller assembles immediately before the check, never
// fetched by the governor itself — it stays pure.
type Input struct {
	Now              time.Time
	Candidate        Candidate
	SystemState      types.SystemState
	OpenPositions    []*types.Trade
	OpenedToday      int
	RealizedTodayPnL decimal.Decimal
	RealizedWeekPnL  decimal.Decimal
	DrawdownPct      decimal.Decimal // peak-to-trough, positive magnitude
	Account          types.AccountSummary
	WhatIf           *types.WhatIfResult // nil if not yet computed; the margin checks are skipped when nil
	VIXLevel         decimal.Decimal
}

// Verdict is the governor's pure output: approved, or the first failing
// check and a human-readable reason.
type Verdict struct {
	Approved bool
	Check    string
	Reason   string
}

func approved() Verdict { return Verdict{Approved: true} }

func rejected(check, reason string) Verdict {
	return Verdict{Approved: false, Check: check, Reason: reason}
}

// Governor evaluates the ordered check table from a fixed RiskConfig.
type Governor struct {
	config types.RiskConfig
}

// New builds a Governor bound to the given configuration.
func New(cfg types.RiskConfig) *Governor {
	return &Governor{config: cfg}
}

// Evaluate runs every check in the spec-mandated order, short-circuiting on
// the first failure. This intentionally diverges from the teacher's
// RiskManager.CheckOrder, which accumulates every violation before
// returning — here the caller needs one actionable reason, not a report.
func (g *Governor) Evaluate(in Input) Verdict {
	if in.SystemState.TradingHalted {
		return rejected("kill_switch", "trading halted: "+in.SystemState.HaltReason)
	}

	if v := g.checkMarketHours(in); !v.Approved {
		return v
	}

	if !in.Candidate.IsClosingOnly {
		if v := g.checkEarningsProximity(in); !v.Approved {
			return v
		}
		if v := g.checkPositionCaps(in); !v.Approved {
			return v
		}
		if v := g.checkDuplicate(in); !v.Approved {
			return v
		}
	}

	if v := g.checkDailyLoss(in); !v.Approved {
		return v
	}
	if v := g.checkWeeklyLossAndDrawdown(in); !v.Approved {
		return v
	}

	if !in.Candidate.IsClosingOnly {
		if v := g.checkSectorConcentration(in); !v.Approved {
			return v
		}
	}

	if in.WhatIf != nil {
		if v := g.checkPerTradeMargin(in); !v.Approved {
			return v
		}
		if v := g.checkTotalMargin(in); !v.Approved {
			return v
		}
	}

	if v := g.checkVIXRegime(in); !v.Approved {
		return v
	}

	return approved()
}

func (g *Governor) checkMarketHours(in Input) Verdict {
	tradingHours := events.IsTradingHours(in.Now, in.Now.Location())
	if tradingHours {
		return approved()
	}
	if g.config.AllowPreMarketOrders && isPreMarket(in.Now) {
		return approved()
	}
	return rejected("market_hours", "outside permitted trading session")
}

// isPreMarket reports whether t (already localized to America/New_York by
// the caller's Now field) falls in the 04:00-09:30 pre-market window.
func isPreMarket(t time.Time) bool {
	hm := t.Format("15:04")
	return hm >= "04:00" && hm < "09:30"
}

func (g *Governor) checkEarningsProximity(in Input) Verdict {
	if in.Candidate.EarningsDate == nil {
		return approved()
	}
	blockStart := in.Now
	blockEnd := in.Candidate.Expiration
	ed := *in.Candidate.EarningsDate
	if !ed.Before(blockStart) && !ed.After(blockEnd) {
		return rejected("earnings_proximity", "earnings date falls within the trade's lifetime")
	}
	return approved()
}

func (g *Governor) checkPositionCaps(in Input) Verdict {
	open := 0
	for _, t := range in.OpenPositions {
		if !t.IsClosed() {
			open++
		}
	}
	if open >= g.config.MaxOpenPositions {
		return rejected("position_caps", "max open positions reached")
	}
	if in.OpenedToday >= g.config.MaxPositionsOpenedToday {
		return rejected("position_caps", "max positions opened today reached")
	}
	return approved()
}

func (g *Governor) checkDuplicate(in Input) Verdict {
	for _, t := range in.OpenPositions {
		if t.IsClosed() {
			continue
		}
		if t.Underlying == in.Candidate.Underlying &&
			t.Strike.Equal(in.Candidate.Strike) &&
			t.Expiration.Equal(in.Candidate.Expiration) &&
			t.Right == in.Candidate.Right {
			return rejected("duplicate", "an open trade already exists on this contract")
		}
	}
	return approved()
}

func (g *Governor) checkDailyLoss(in Input) Verdict {
	if in.Account.NetLiquidation.IsZero() {
		return approved()
	}
	lossPct := in.RealizedTodayPnL.Div(in.Account.NetLiquidation)
	if lossPct.LessThan(g.config.MaxDailyLossPct.Neg()) {
		return rejected("daily_loss", "daily realized loss exceeds limit")
	}
	return approved()
}

func (g *Governor) checkWeeklyLossAndDrawdown(in Input) Verdict {
	if !in.Account.NetLiquidation.IsZero() {
		weekLossPct := in.RealizedWeekPnL.Div(in.Account.NetLiquidation)
		if weekLossPct.LessThan(g.config.MaxWeeklyLossPct.Neg()) {
			return rejected("weekly_loss", "weekly realized loss exceeds limit")
		}
	}
	if in.DrawdownPct.GreaterThan(g.config.MaxDrawdownPct) {
		return rejected("drawdown", "peak-to-trough drawdown exceeds limit")
	}
	return approved()
}

func (g *Governor) checkSectorConcentration(in Input) Verdict {
	if len(g.config.SectorMap) == 0 {
		return approved()
	}
	bySector := map[string]int{}
	total := 0
	for _, t := range in.OpenPositions {
		if t.IsClosed() {
			continue
		}
		sector := g.config.SectorMap[t.Underlying]
		if sector == "" {
			sector = "unknown"
		}
		bySector[sector]++
		total++
	}
	candidateSector := g.config.SectorMap[in.Candidate.Underlying]
	if candidateSector == "" {
		candidateSector = "unknown"
	}
	bySector[candidateSector]++
	total++

	frac := decimal.NewFromInt(int64(bySector[candidateSector])).Div(decimal.NewFromInt(int64(total)))
	if frac.GreaterThan(g.config.MaxSectorConcentration) {
		return rejected("sector_concentration", "sector concentration would exceed limit")
	}
	return approved()
}

func (g *Governor) checkPerTradeMargin(in Input) Verdict {
	if in.Account.NetLiquidation.IsZero() {
		return approved()
	}
	impact := in.WhatIf.InitMarginAfter.Sub(in.Account.InitMargin)
	cap := g.config.PerTradeMarginCapPct.Mul(in.Account.NetLiquidation)
	if impact.GreaterThan(cap) {
		return rejected("per_trade_margin", "per-trade margin impact exceeds cap")
	}
	return approved()
}

func (g *Governor) checkTotalMargin(in Input) Verdict {
	if in.WhatIf.EquityAfter.IsZero() {
		return approved()
	}
	utilisation := in.WhatIf.InitMarginAfter.Div(in.WhatIf.EquityAfter)
	if utilisation.GreaterThanOrEqual(g.config.MaxMarginUtilisation) {
		return rejected("total_margin", "margin utilisation after trade meets or exceeds cap")
	}
	if !in.Account.NetLiquidation.IsZero() {
		minExcess := g.config.MinExcessLiquidityPct.Mul(in.Account.NetLiquidation)
		excessAfter := in.WhatIf.EquityAfter.Sub(in.WhatIf.MaintMarginAfter)
		if excessAfter.LessThan(minExcess) {
			return rejected("total_margin", "excess liquidity after trade below floor")
		}
	}
	return approved()
}

func (g *Governor) checkVIXRegime(in Input) Verdict {
	if in.VIXLevel.GreaterThanOrEqual(g.config.VIXHaltThreshold) && !in.Candidate.IsClosingOnly {
		return rejected("vix_regime", "VIX at or above halt threshold: only closing actions allowed")
	}
	return approved()
}
