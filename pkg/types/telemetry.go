package types

import (
	"math"
	"time"
)

const (
	// SamplingIntervalMinutes is the nominal meter resolution. Points may
	// have gaps but never a finer grain.
	SamplingIntervalMinutes = 15

	CurrentFingerprintVersion = 1
	CurrentSessionVersion     = 1
)

// SamplingInterval is SamplingIntervalMinutes as a duration.
const SamplingInterval = SamplingIntervalMinutes * time.Minute

// TelemetryPoint is one interval-average power sample for a customer.
type TelemetryPoint struct {
	Timestamp  time.Time `json:"timestamp"`
	PowerWatts float64   `json:"powerWatts"`
}

// Valid reports whether the point can be used for analysis.
func (p TelemetryPoint) Valid() bool {
	if p.Timestamp.IsZero() {
		return false
	}
	if math.IsNaN(p.PowerWatts) || math.IsInf(p.PowerWatts, 0) {
		return false
	}
	return p.PowerWatts >= 0
}
