package disagg

import (
	"time"

	"github.com/loadscope/loadscope/pkg/types"
)

// ExtractSessions filters the series, estimates the baseline, and walks the
// window once emitting discrete on/off sessions above the dynamic threshold.
// A run still open at the end of the window is closed and emitted. Windows
// with fewer than MinPoints valid samples yield no sessions and a mean-power
// baseline so the caller can still report a stand-by entry.
func (e *Engine) ExtractSessions(points []types.TelemetryPoint) Extraction {
	valid := points[:0:0]
	for _, p := range points {
		if p.Valid() {
			valid = append(valid, p)
		}
	}

	if len(valid) < e.params.MinPoints {
		var sum float64
		for _, p := range valid {
			sum += p.PowerWatts
		}
		var mean float64
		if len(valid) > 0 {
			mean = sum / float64(len(valid))
		}
		return Extraction{
			BaselineWatts: mean,
			WindowHours:   windowHours(valid),
		}
	}

	powers := make([]float64, len(valid))
	for i, p := range valid {
		powers[i] = p.PowerWatts
	}
	baseline := e.baselineWatts(powers)
	threshold := e.thresholdWatts(baseline)

	intervalHours := types.SamplingInterval.Hours()

	var sessions []types.Session
	var run *openRun
	for i, p := range valid {
		residual := p.PowerWatts - baseline
		if residual >= threshold {
			if run == nil {
				var prevResidual float64
				if i > 0 {
					prevResidual = valid[i-1].PowerWatts - baseline
				}
				run = &openRun{
					start:     p.Timestamp,
					startStep: residual - prevResidual,
				}
			}
			run.observe(p.Timestamp, residual)
			continue
		}
		if run != nil {
			sessions = append(sessions, run.close(intervalHours))
			run = nil
		}
	}
	if run != nil {
		sessions = append(sessions, run.close(intervalHours))
	}

	return Extraction{
		BaselineWatts:  baseline,
		ThresholdWatts: threshold,
		WindowHours:    windowHours(valid),
		Sessions:       sessions,
	}
}

// openRun accumulates one contiguous run of on-samples.
type openRun struct {
	start       time.Time
	last        time.Time
	startStep   float64
	sumResidual float64
	peak        float64
	count       int
}

func (r *openRun) observe(ts time.Time, residual float64) {
	r.sumResidual += residual
	if residual > r.peak {
		r.peak = residual
	}
	r.count++
	r.last = ts
}

// close emits the session. The interval end is the last sample's timestamp
// plus one sampling interval so energy accounting matches the sampling
// resolution: a single on-sample is still a full interval of draw.
func (r *openRun) close(intervalHours float64) types.Session {
	end := r.last.Add(types.SamplingInterval)
	return types.Session{
		TSStart:           r.start,
		TSEnd:             end,
		DurationMinutes:   end.Sub(r.start).Minutes(),
		MeanResidualWatts: r.sumResidual / float64(r.count),
		PeakResidualWatts: r.peak,
		EnergyWH:          r.sumResidual * intervalHours,
		StartStepWatts:    r.startStep,
		StartHourOfDay:    r.start.Hour(),
		StartDayOfWeek:    int(r.start.Weekday()),
	}
}

// windowHours spans first sample to one interval past the last.
func windowHours(points []types.TelemetryPoint) float64 {
	if len(points) == 0 {
		return 0
	}
	span := points[len(points)-1].Timestamp.Add(types.SamplingInterval).Sub(points[0].Timestamp)
	return span.Hours()
}
