package disagg

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadscope/loadscope/pkg/types"
)

// seriesAt builds a 15-minute series of n samples starting at start, all at
// baseWatts, with overrides applied by sample index.
func seriesAt(start time.Time, n int, baseWatts float64, overrides map[int]float64) []types.TelemetryPoint {
	points := make([]types.TelemetryPoint, n)
	for i := 0; i < n; i++ {
		w := baseWatts
		if v, ok := overrides[i]; ok {
			w = v
		}
		points[i] = types.TelemetryPoint{
			Timestamp:  start.Add(time.Duration(i) * types.SamplingInterval),
			PowerWatts: w,
		}
	}
	return points
}

func TestExtractSessions(t *testing.T) {
	e := New()
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	t.Run("ShortWindowDegrades", func(t *testing.T) {
		points := seriesAt(start, 3, 120, nil)
		x := e.ExtractSessions(points)
		assert.Empty(t, x.Sessions)
		assert.InDelta(t, 120.0, x.BaselineWatts, 0.001)
	})

	t.Run("FiltersInvalidPoints", func(t *testing.T) {
		points := seriesAt(start, 3, 120, nil)
		points = append(points,
			types.TelemetryPoint{Timestamp: start.Add(time.Hour), PowerWatts: math.NaN()},
			types.TelemetryPoint{Timestamp: start.Add(2 * time.Hour), PowerWatts: math.Inf(1)},
			types.TelemetryPoint{PowerWatts: 100},
		)
		// only 3 valid points remain, so still the degenerate path
		x := e.ExtractSessions(points)
		assert.Empty(t, x.Sessions)
		assert.InDelta(t, 120.0, x.BaselineWatts, 0.001)
	})

	t.Run("SingleSampleSession", func(t *testing.T) {
		points := seriesAt(start, 16, 60, map[int]float64{8: 960})
		x := e.ExtractSessions(points)
		require.Len(t, x.Sessions, 1)

		s := x.Sessions[0]
		assert.InDelta(t, 15.0, s.DurationMinutes, 0.001)
		assert.InDelta(t, 900.0, s.MeanResidualWatts, 1.0)
		assert.InDelta(t, 900.0, s.PeakResidualWatts, 1.0)
		assert.Equal(t, s.TSStart.Add(types.SamplingInterval), s.TSEnd)
	})

	t.Run("StartStepFromPrecedingSample", func(t *testing.T) {
		points := seriesAt(start, 16, 60, map[int]float64{8: 960, 9: 960})
		x := e.ExtractSessions(points)
		require.Len(t, x.Sessions, 1)
		// residual jumps from 0 (preceding off-sample) to 900
		assert.InDelta(t, 900.0, x.Sessions[0].StartStepWatts, 1.0)
	})

	t.Run("RunOpenAtWindowEndIsEmitted", func(t *testing.T) {
		points := seriesAt(start, 16, 60, map[int]float64{14: 960, 15: 960})
		x := e.ExtractSessions(points)
		require.Len(t, x.Sessions, 1)
		assert.InDelta(t, 30.0, x.Sessions[0].DurationMinutes, 0.001)
	})

	t.Run("SessionsNonOverlappingAndOrdered", func(t *testing.T) {
		overrides := map[int]float64{
			4: 800, 5: 800,
			20: 1500,
			40: 400, 41: 420, 42: 390,
			70: 2500, 71: 2500, 72: 2500, 73: 2500,
		}
		points := seriesAt(start, 96, 80, overrides)
		x := e.ExtractSessions(points)
		require.Len(t, x.Sessions, 4)
		for i := 1; i < len(x.Sessions); i++ {
			prev, cur := x.Sessions[i-1], x.Sessions[i]
			assert.True(t, cur.TSStart.After(prev.TSStart), "sessions must be time-ordered")
			assert.False(t, cur.TSStart.Before(prev.TSEnd), "sessions must not overlap")
		}
	})

	t.Run("EnergyAccounting", func(t *testing.T) {
		// 3 samples at 900W residual: 2700W-samples * 0.25h = 675 Wh
		points := seriesAt(start, 96, 60, map[int]float64{30: 960, 31: 960, 32: 960})
		x := e.ExtractSessions(points)
		require.Len(t, x.Sessions, 1)
		assert.InDelta(t, 675.0, x.Sessions[0].EnergyWH, 1.0)
	})
}

func TestEnergyConservation(t *testing.T) {
	// sum of session residual energy plus stand-by baseline energy must not
	// exceed total metered energy for the window
	e := New()
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	overrides := map[int]float64{
		10: 1200, 11: 1100,
		50: 700, 51: 750, 52: 720,
		90: 2100,
	}
	points := seriesAt(start, 192, 95, overrides)
	x := e.ExtractSessions(points)

	var sessionWH float64
	for _, s := range x.Sessions {
		sessionWH += s.EnergyWH
	}
	standbyWH := x.BaselineKWH() * 1000

	var meteredWH float64
	for _, p := range points {
		meteredWH += p.PowerWatts * types.SamplingInterval.Hours()
	}

	assert.LessOrEqual(t, sessionWH+standbyWH, meteredWH+0.001)
}
