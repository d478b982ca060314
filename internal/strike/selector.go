// Package strike is the Live Strike Selector: resolves a concrete strike
// at execution time by sampling live chain Greeks against a target delta.
package strike

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/optionsdaemon/putseller/internal/broker"
	"github.com/optionsdaemon/putseller/internal/workers"
	"github.com/optionsdaemon/putseller/pkg/types"
)

// ResultKind is the closed set of outcomes the selector can return.
type ResultKind string

const (
	ResultSelected  ResultKind = "SELECTED"
	ResultUnchanged ResultKind = "UNCHANGED"
	ResultAbandoned ResultKind = "ABANDONED"
)

// Result is the selector's contract output.
type Result struct {
	Kind   ResultKind
	Strike decimal.Decimal
	Greeks types.Greeks
	Reason string
}

// Request is the input to Select.
type Request struct {
	Underlying     string
	Expiration     string // broker contract-month format
	TargetDelta    decimal.Decimal
	OriginalStrike decimal.Decimal
	StagedPrice    decimal.Decimal // fallback underlying price if live quote is stale
}

// Selector resolves one strike per call, using bounded concurrency to
// qualify candidate contracts.
type Selector struct {
	adapter broker.Adapter
	logger  *zap.Logger
	config  types.StrikeSelectorConfig
}

// New builds a Selector bound to the given broker adapter and config.
func New(adapter broker.Adapter, logger *zap.Logger, cfg types.StrikeSelectorConfig) *Selector {
	if cfg.FanoutConcurrency <= 0 || cfg.FanoutConcurrency > 5 {
		cfg.FanoutConcurrency = 5
	}
	return &Selector{adapter: adapter, logger: logger.Named("strike"), config: cfg}
}

// qualified is one candidate strike after the liquidity/spread floors have
// been applied.
type qualified struct {
	strike decimal.Decimal
	greeks types.Greeks
}

// Select runs the full eight-step algorithm and always cancels its
// market-data subscriptions (here: nothing is held open beyond the call
// itself, since every fetch is a point-in-time REST request) before
// returning.
func (s *Selector) Select(ctx context.Context, req Request) Result {
	underlyingPrice, stale := s.fetchUnderlyingPrice(ctx, req)

	chain, err := s.adapter.GetOptionChain(ctx, req.Underlying, req.Expiration)
	if err != nil {
		return Result{Kind: ResultAbandoned, Reason: fmt.Sprintf("fetching chain: %v", err)}
	}

	candidates := s.filterOTM(chain, underlyingPrice, req.OriginalStrike)
	if len(candidates) == 0 {
		return Result{Kind: ResultAbandoned, Reason: "no strikes satisfy the OTM floor"}
	}

	qualifiedList := s.qualifyConcurrently(ctx, candidates)
	passing := s.filterByLiquidity(qualifiedList)
	if len(passing) == 0 {
		reason := "no candidate satisfied liquidity/spread floors"
		if stale {
			reason += " (underlying quote was stale)"
		}
		return Result{Kind: ResultAbandoned, Reason: reason}
	}

	best := s.nearestToTarget(passing, req.TargetDelta)
	if best == nil {
		return Result{Kind: ResultAbandoned, Reason: "no candidate within target-delta tolerance"}
	}

	if best.strike.Equal(req.OriginalStrike) {
		return Result{Kind: ResultUnchanged, Strike: best.strike, Greeks: best.greeks}
	}
	return Result{Kind: ResultSelected, Strike: best.strike, Greeks: best.greeks}
}

// fetchUnderlyingPrice fetches a live quote, falling back to the staged
// price (and flagging staleness) if the quote call fails or returns a
// zero-valued quote.
func (s *Selector) fetchUnderlyingPrice(ctx context.Context, req Request) (decimal.Decimal, bool) {
	quote, err := s.adapter.GetUnderlyingQuote(ctx, req.Underlying)
	if err != nil || quote.Last.IsZero() {
		s.logger.Warn("falling back to staged underlying price", zap.String("underlying", req.Underlying), zap.Error(err))
		return req.StagedPrice, true
	}
	return quote.Last, false
}

// filterOTM keeps puts at least min_otm_pct out of the money, then
// takes up to max_candidates nearest the original strike.
func (s *Selector) filterOTM(chain []broker.ChainEntry, underlyingPrice, originalStrike decimal.Decimal) []broker.ChainEntry {
	var otm []broker.ChainEntry
	for _, entry := range chain {
		if entry.Contract.Right != types.RightPut {
			continue
		}
		if underlyingPrice.IsZero() {
			continue
		}
		otmPct := underlyingPrice.Sub(entry.Contract.Strike).Div(underlyingPrice)
		if otmPct.GreaterThanOrEqual(s.config.MinOTMPct) {
			otm = append(otm, entry)
		}
	}

	sort.Slice(otm, func(i, j int) bool {
		di := otm[i].Contract.Strike.Sub(originalStrike).Abs()
		dj := otm[j].Contract.Strike.Sub(originalStrike).Abs()
		return di.LessThan(dj)
	})

	max := s.config.MaxCandidates
	if max <= 0 || max > len(otm) {
		max = len(otm)
	}
	return otm[:max]
}

// qualifyConcurrently fetches live Greeks+quotes for every candidate with
// bounded concurrency (<=5, per the fan-out ceiling), using the shared
// worker pool idiom for bounded parallel I/O.
func (s *Selector) qualifyConcurrently(ctx context.Context, candidates []broker.ChainEntry) []qualified {
	pool := workers.NewPool(s.logger, &workers.PoolConfig{
		Name:            "strike-qualify",
		NumWorkers:      s.config.FanoutConcurrency,
		QueueSize:       len(candidates) + 1,
		TaskTimeout:     5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		PanicRecovery:   true,
	})
	pool.Start()
	defer pool.Stop()

	results := make([]qualified, len(candidates))
	var wg sync.WaitGroup
	for i, c := range candidates {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pool.SubmitWait(workers.TaskFunc(func() error {
				quote, greeks, err := s.adapter.GetOptionQuote(ctx, c.Contract)
				if err != nil {
					// Paper/simulated chains already carry Greeks inline;
					// fall back to them rather than failing the candidate.
					results[i] = qualified{strike: c.Contract.Strike, greeks: c.Greeks}
					return nil
				}
				greeks.Bid, greeks.Ask = quote.Bid, quote.Ask
				results[i] = qualified{strike: c.Contract.Strike, greeks: greeks}
				return nil
			}))
			if err != nil {
				s.logger.Warn("qualify task failed", zap.Error(err))
				results[i] = qualified{strike: c.Contract.Strike, greeks: c.Greeks}
			}
		}()
	}
	wg.Wait()
	return results
}

// filterByLiquidity applies the bid/spread/volume/OI/delta-present floors.
func (s *Selector) filterByLiquidity(candidates []qualified) []qualified {
	var passing []qualified
	for _, c := range candidates {
		if c.greeks.Bid.LessThan(s.config.PremiumFloor) {
			continue
		}
		if c.greeks.Bid.IsPositive() {
			spreadPct := c.greeks.Ask.Sub(c.greeks.Bid).Div(c.greeks.Bid)
			if spreadPct.GreaterThan(s.config.MaxSpreadPct) {
				continue
			}
		}
		if c.greeks.Volume < s.config.MinVolume {
			continue
		}
		if c.greeks.OpenInterest < s.config.MinOpenInterest {
			continue
		}
		if c.greeks.Delta.IsZero() {
			continue
		}
		passing = append(passing, c)
	}
	return passing
}

// nearestToTarget sorts by |delta| distance from target and returns the
// closest candidate within tolerance, or nil if none qualifies.
func (s *Selector) nearestToTarget(candidates []qualified, targetDelta decimal.Decimal) *qualified {
	sort.Slice(candidates, func(i, j int) bool {
		di := candidates[i].greeks.Delta.Abs().Sub(targetDelta).Abs()
		dj := candidates[j].greeks.Delta.Abs().Sub(targetDelta).Abs()
		return di.LessThan(dj)
	})
	best := candidates[0]
	distance := best.greeks.Delta.Abs().Sub(targetDelta).Abs()
	if distance.GreaterThan(s.config.TargetTolerance) {
		return nil
	}
	return &best
}
