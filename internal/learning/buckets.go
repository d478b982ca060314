package learning

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/optionsdaemon/putseller/pkg/types"
)

var fivePct = decimal.NewFromFloat(0.05)

// bucketDelta rounds the delta at selection to the nearest 0.05, the
// granularity strategy parameters are actually tuned at.
func bucketDelta(snap *types.Snapshot) string {
	if snap == nil || snap.LiveDeltaAtSelection.IsZero() {
		return "unknown"
	}
	rounded := snap.LiveDeltaAtSelection.Abs().Div(fivePct).Round(0).Mul(fivePct)
	return rounded.StringFixed(2)
}

// bucketDTE buckets days-to-expiration at entry into the ranges strategy
// tuning actually distinguishes between.
func bucketDTE(t *types.Trade) string {
	days := int(t.Expiration.Sub(t.EntryTime).Hours() / 24)
	switch {
	case days <= 7:
		return "0-7"
	case days <= 14:
		return "8-14"
	case days <= 21:
		return "15-21"
	case days <= 30:
		return "22-30"
	default:
		return "31+"
	}
}

// dteBucketMidpoint inverts bucketDTE for experiment proposals, returning a
// representative day count an experiment can actually target.
func dteBucketMidpoint(bucket string) (decimal.Decimal, error) {
	switch bucket {
	case "0-7":
		return decimal.NewFromInt(5), nil
	case "8-14":
		return decimal.NewFromInt(11), nil
	case "15-21":
		return decimal.NewFromInt(18), nil
	case "22-30":
		return decimal.NewFromInt(26), nil
	case "31+":
		return decimal.NewFromInt(35), nil
	default:
		return decimal.Zero, fmt.Errorf("unrecognized DTE bucket %q", bucket)
	}
}

func bucketVIX(snap *types.Snapshot) string {
	if snap == nil || snap.VIX.IsZero() {
		return "unknown"
	}
	v, _ := snap.VIX.Float64()
	switch {
	case v < 15:
		return "low"
	case v < 25:
		return "mid"
	default:
		return "high"
	}
}

func bucketTrend(snap *types.Snapshot) string {
	return indicatorString(snap, "trend")
}

func bucketTechnical(snap *types.Snapshot) string {
	return indicatorString(snap, "condition")
}

func indicatorString(snap *types.Snapshot, key string) string {
	if snap == nil || snap.Indicators == nil {
		return "unknown"
	}
	v, ok := snap.Indicators[key]
	if !ok {
		return "unknown"
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "unknown"
	}
	return s
}

func bucketSector(sectorMap map[string]string, underlying string) string {
	if sector, ok := sectorMap[underlying]; ok && sector != "" {
		return sector
	}
	return "unknown"
}

// roiMeanVar returns the population mean and variance of a group's ROI.
func roiMeanVar(group []outcome) (mean, variance float64) {
	n := float64(len(group))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, o := range group {
		sum += o.roi
	}
	mean = sum / n
	var ss float64
	for _, o := range group {
		d := o.roi - mean
		ss += d * d
	}
	return mean, ss / n
}

// armMeanVar derives mean and variance of ROI for one experiment arm from
// its running sufficient statistics (sum and sum-of-squares).
func armMeanVar(stats types.ArmStats) (mean, variance float64) {
	if stats.Samples == 0 {
		return 0, 0
	}
	n := float64(stats.Samples)
	sum, _ := stats.SumROI.Float64()
	sumSq, _ := stats.SumSq.Float64()
	mean = sum / n
	variance = sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, variance
}

// twoSampleZTest compares two sample means under the normal approximation:
// appropriate here since the Learning Loop never evaluates a group below
// LearningConfig.MinSamples (30 by default), which the central limit
// theorem makes a reasonable sample size to assume a near-normal sampling
// distribution of the mean. Returns the z-statistic and a two-tailed
// p-value.
func twoSampleZTest(mean1, var1 float64, n1 int, mean2, var2 float64, n2 int) (z, p float64) {
	se := math.Sqrt(var1/float64(n1) + var2/float64(n2))
	if se == 0 {
		if mean1 == mean2 {
			return 0, 1
		}
		return math.Inf(1), 0
	}
	z = (mean1 - mean2) / se
	p = 2 * (1 - normalCDF(math.Abs(z)))
	return z, p
}

func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func absFloat(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
