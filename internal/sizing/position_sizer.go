// Package sizing computes how many option contracts a candidate trade
// should carry: fractional-Kelly from trailing win-rate/payoff, scaled by
// regime and confidence, bounded by portfolio percentage floors/ceilings.
package sizing

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PositionSizer turns a candidate short put into a contract count.
type PositionSizer struct {
	logger *zap.Logger
	config *SizingConfig

	mu           sync.RWMutex
	tradeHistory []*TradeResult
}

// SizingConfig configures position sizing.
type SizingConfig struct {
	MaxPositionPct   float64 // max single-trade margin as % of net liquidation
	MaxPortfolioRisk float64 // max portfolio risk budget used per sizing call
	KellyFraction    float64 // fraction of full Kelly to use
	MinPositionPct   float64 // floor, so sizing never rounds to zero contracts
	UseRegimeAdjustment bool
	LookbackTrades      int
}

// DefaultSizingConfig returns conservative defaults.
func DefaultSizingConfig() *SizingConfig {
	return &SizingConfig{
		MaxPositionPct:      0.10,
		MaxPortfolioRisk:    0.02,
		KellyFraction:       0.25,
		MinPositionPct:      0.005,
		UseRegimeAdjustment: true,
		LookbackTrades:      100,
	}
}

// TradeResult is one closed trade's outcome, fed back for Kelly inputs.
type TradeResult struct {
	Underlying string
	ReturnPct  float64
	IsWin      bool
}

// NewPositionSizer builds a sizer, defaulting config when nil.
func NewPositionSizer(logger *zap.Logger, config *SizingConfig) *PositionSizer {
	if config == nil {
		config = DefaultSizingConfig()
	}
	return &PositionSizer{
		logger:       logger,
		config:       config,
		tradeHistory: make([]*TradeResult, 0, config.LookbackTrades*2),
	}
}

// SizingRequest carries the inputs CalculateContracts needs for one
// candidate short put.
type SizingRequest struct {
	NetLiquidation   decimal.Decimal
	Strike           decimal.Decimal
	MarginPerContract decimal.Decimal // from the broker's what-if call
	WinRate          float64
	AvgWinPct        float64
	AvgLossPct       float64
	RegimeMultiplier float64
	Confidence       float64
}

// SizingResult is the sizer's decision and the reasoning trail behind it.
type SizingResult struct {
	Contracts      int
	PositionPct    float64
	KellyOptimal   float64
	KellyUsed      float64
	LimitingFactor string
	Adjustments    []string
}

// CalculateContracts sizes a candidate as a fraction of net liquidation,
// then converts that dollar budget to a whole number of contracts using the
// broker's margin-per-contract estimate.
func (ps *PositionSizer) CalculateContracts(req *SizingRequest) *SizingResult {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	result := &SizingResult{Adjustments: make([]string, 0)}

	kellyOptimal := ps.calculateKelly(req.WinRate, req.AvgWinPct, req.AvgLossPct)
	result.KellyOptimal = kellyOptimal

	kellyUsed := kellyOptimal * ps.config.KellyFraction
	result.KellyUsed = kellyUsed
	result.Adjustments = append(result.Adjustments, "fractional_kelly: "+formatPct(ps.config.KellyFraction))

	positionPct := math.Min(kellyUsed, ps.config.MaxPortfolioRisk)
	result.LimitingFactor = "kelly"
	if ps.config.MaxPortfolioRisk < kellyUsed {
		result.LimitingFactor = "risk_based"
	}

	if ps.config.UseRegimeAdjustment && req.RegimeMultiplier != 0 {
		positionPct *= req.RegimeMultiplier
		result.Adjustments = append(result.Adjustments, "regime: "+formatPct(req.RegimeMultiplier))
	}
	if req.Confidence > 0 && req.Confidence < 1 {
		positionPct *= req.Confidence
		result.Adjustments = append(result.Adjustments, "confidence: "+formatPct(req.Confidence))
	}

	if positionPct > ps.config.MaxPositionPct {
		positionPct = ps.config.MaxPositionPct
		result.LimitingFactor = "max_position"
		result.Adjustments = append(result.Adjustments, "capped_max_position")
	}
	if positionPct < ps.config.MinPositionPct {
		positionPct = ps.config.MinPositionPct
		result.Adjustments = append(result.Adjustments, "min_position")
	}
	result.PositionPct = positionPct

	budget := req.NetLiquidation.Mul(decimal.NewFromFloat(positionPct))
	if req.MarginPerContract.IsPositive() {
		contracts := budget.Div(req.MarginPerContract).IntPart()
		if contracts < 1 {
			contracts = 1
		}
		result.Contracts = int(contracts)
	} else {
		result.Contracts = 1
	}
	return result
}

// calculateKelly implements the Kelly criterion: f* = p - q/b.
func (ps *PositionSizer) calculateKelly(winRate, avgWin, avgLoss float64) float64 {
	if winRate <= 0 || winRate >= 1 || avgLoss == 0 {
		return 0
	}
	p := winRate
	q := 1 - p
	b := avgWin / avgLoss
	if b <= 0 {
		return 0
	}
	kelly := p - q/b
	if kelly < 0 {
		return 0
	}
	if kelly > 1 {
		kelly = 1
	}
	return kelly
}

// AddTradeResult records a closed trade for future Kelly-input statistics.
func (ps *PositionSizer) AddTradeResult(result *TradeResult) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.tradeHistory = append(ps.tradeHistory, result)
	if len(ps.tradeHistory) > ps.config.LookbackTrades*2 {
		ps.tradeHistory = ps.tradeHistory[len(ps.tradeHistory)-ps.config.LookbackTrades:]
	}
}

// GetTradeStatistics summarizes trade history into Kelly inputs.
func (ps *PositionSizer) GetTradeStatistics() *TradeStatistics {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	stats := &TradeStatistics{}
	if len(ps.tradeHistory) == 0 {
		return stats
	}
	stats.TotalTrades = len(ps.tradeHistory)

	var totalWins, totalLosses int
	var sumWins, sumLosses float64
	for _, trade := range ps.tradeHistory {
		if trade.IsWin {
			totalWins++
			sumWins += trade.ReturnPct
		} else {
			totalLosses++
			sumLosses += math.Abs(trade.ReturnPct)
		}
	}
	stats.Wins, stats.Losses = totalWins, totalLosses
	stats.WinRate = float64(totalWins) / float64(stats.TotalTrades)
	if totalWins > 0 {
		stats.AvgWin = sumWins / float64(totalWins)
	}
	if totalLosses > 0 {
		stats.AvgLoss = sumLosses / float64(totalLosses)
	}
	stats.KellyOptimal = ps.calculateKelly(stats.WinRate, stats.AvgWin, stats.AvgLoss)
	stats.KellyRecommended = stats.KellyOptimal * ps.config.KellyFraction
	return stats
}

// TradeStatistics summarizes trade history for sizing and reporting.
type TradeStatistics struct {
	TotalTrades      int
	Wins             int
	Losses           int
	WinRate          float64
	AvgWin           float64
	AvgLoss          float64
	KellyOptimal     float64
	KellyRecommended float64
}

func formatPct(pct float64) string {
	return decimal.NewFromFloat(pct*100).Round(1).String() + "%"
}
