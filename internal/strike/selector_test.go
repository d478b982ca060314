package strike

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/optionsdaemon/putseller/internal/broker"
	"github.com/optionsdaemon/putseller/pkg/types"
)

func defaultConfig() types.StrikeSelectorConfig {
	return types.StrikeSelectorConfig{
		MinOTMPct:         decimal.NewFromFloat(0.02),
		MaxCandidates:     20,
		TargetTolerance:   decimal.NewFromFloat(0.05),
		PremiumFloor:      decimal.NewFromFloat(0.10),
		MaxSpreadPct:      decimal.NewFromFloat(0.5),
		MinVolume:         0,
		MinOpenInterest:   0,
		FanoutConcurrency: 5,
	}
}

func TestSelectReturnsSelectedForDifferentStrike(t *testing.T) {
	t.Parallel()
	adapter := broker.NewPaperAdapter(zap.NewNop(), decimal.NewFromInt(100000))
	sel := New(adapter, zap.NewNop(), defaultConfig())

	result := sel.Select(context.Background(), Request{
		Underlying:     "AAPL",
		Expiration:     "20260815",
		TargetDelta:    decimal.NewFromFloat(0.16),
		OriginalStrike: decimal.NewFromInt(-1), // guaranteed not to match any real strike
	})

	if result.Kind == ResultAbandoned {
		t.Fatalf("expected a selection, got abandoned: %s", result.Reason)
	}
}

func TestSelectReturnsUnchangedWhenBestMatchesOriginal(t *testing.T) {
	t.Parallel()
	adapter := broker.NewPaperAdapter(zap.NewNop(), decimal.NewFromInt(100000))
	sel := New(adapter, zap.NewNop(), defaultConfig())

	first := sel.Select(context.Background(), Request{
		Underlying:  "MSFT",
		Expiration:  "20260815",
		TargetDelta: decimal.NewFromFloat(0.16),
	})
	if first.Kind == ResultAbandoned {
		t.Fatalf("expected a selection on first call, got abandoned: %s", first.Reason)
	}

	second := sel.Select(context.Background(), Request{
		Underlying:     "MSFT",
		Expiration:     "20260815",
		TargetDelta:    decimal.NewFromFloat(0.16),
		OriginalStrike: first.Strike,
	})
	if second.Kind != ResultUnchanged {
		t.Errorf("Kind = %s, want UNCHANGED (same strike re-selected)", second.Kind)
	}
}

func TestSelectAbandonsWhenToleranceTooTight(t *testing.T) {
	t.Parallel()
	adapter := broker.NewPaperAdapter(zap.NewNop(), decimal.NewFromInt(100000))
	cfg := defaultConfig()
	cfg.TargetTolerance = decimal.NewFromFloat(0.00001)
	sel := New(adapter, zap.NewNop(), cfg)

	result := sel.Select(context.Background(), Request{
		Underlying:  "GOOG",
		Expiration:  "20260815",
		TargetDelta: decimal.NewFromFloat(0.99), // unreachable by the synthetic chain
	})

	if result.Kind != ResultAbandoned {
		t.Errorf("Kind = %s, want ABANDONED", result.Kind)
	}
}
