package disagg

import (
	"math"
	"sort"
)

// baselineWatts estimates the standing/standby power floor of a window as a
// low percentile of the power distribution, clamped to [0, median]. The clamp
// keeps a heavily bimodal window (long high-draw stretches) from inflating
// the floor above what the quiet half of the window actually draws.
func (e *Engine) baselineWatts(powers []float64) float64 {
	if len(powers) == 0 {
		return 0
	}
	sorted := make([]float64, len(powers))
	copy(sorted, powers)
	sort.Float64s(sorted)

	p := percentile(sorted, e.params.BaselinePercentile)
	median := percentile(sorted, 0.5)
	return clampFloat(p, 0, median)
}

// percentile interpolates linearly over an ascending-sorted slice. q in [0,1].
func percentile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo < 0 {
		lo = 0
	}
	if hi >= n {
		hi = n - 1
	}
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// thresholdWatts derives the dynamic "on" threshold above baseline.
func (e *Engine) thresholdWatts(baseline float64) float64 {
	raw := baseline*e.params.ThresholdBaseFraction + e.params.ThresholdOffsetWatts
	return clampFloat(raw, e.params.ThresholdFloorWatts, e.params.ThresholdCeilWatts)
}
