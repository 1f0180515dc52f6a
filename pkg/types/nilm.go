package types

import "time"

// StandbyApplianceID is reserved for the synthetic stand-by / base
// consumption entry that is always present in aggregated output.
const StandbyApplianceID int64 = 1

// StandbyApplianceName is the display name of the stand-by entry.
const StandbyApplianceName = "Stand-by / base consumption"

// Session is one contiguous interval where the home drew more than the
// dynamic threshold above baseline. Sessions are recomputed on every call and
// never stored by the core.
type Session struct {
	TSStart           time.Time `json:"tsStart"`
	TSEnd             time.Time `json:"tsEnd"`
	DurationMinutes   float64   `json:"durationMinutes"`
	MeanResidualWatts float64   `json:"meanResidualWatts"`
	PeakResidualWatts float64   `json:"peakResidualWatts"`
	// EnergyWH is the residual energy above baseline in watt-hours.
	EnergyWH float64 `json:"energyWH"`
	// StartStepWatts approximates inrush as the residual jump at session
	// start relative to the preceding sample. At 15-minute resolution this is
	// a proxy only.
	StartStepWatts float64 `json:"startStepWatts"`
	StartHourOfDay int     `json:"startHourOfDay"`
	StartDayOfWeek int     `json:"startDayOfWeek"`
}

// Fingerprint is a persistent per-customer running signature of one physical
// appliance. The centroid fields drift by EMA as sessions match; ID is
// derived once at creation and never recomputed.
type Fingerprint struct {
	ID                string    `json:"id"`
	CustomerID        string    `json:"customerID"`
	MeanWatts         float64   `json:"meanWatts"`
	DurationMinutes   float64   `json:"durationMinutes"`
	PeakWatts         float64   `json:"peakWatts"`
	StartStepWatts    float64   `json:"startStepWatts"`
	SessionCount      int       `json:"sessionCount"`
	AvgSessionsPerDay float64   `json:"avgSessionsPerDay"`
	Label             string    `json:"label,omitempty"`
	Category          string    `json:"category,omitempty"`
	LabelConfidence   float64   `json:"labelConfidence"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// InferredSession is a Session decorated with its identity assignment.
type InferredSession struct {
	Session

	SessionID     string  `json:"sessionID"`
	FingerprintID string  `json:"fingerprintID,omitempty"`
	ApplianceID   int64   `json:"applianceID"`
	Confidence    float64 `json:"confidence"`
	InferredLabel string  `json:"inferredLabel,omitempty"`
	UserLabel     string  `json:"userLabel,omitempty"`
}

// InferredAppliance is the per-appliance-type rollup shown to the user. ID is
// derived from the normalized label text, not the fingerprint id, so it stays
// stable across windows even when the underlying clustering drifts.
type InferredAppliance struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	Category   string  `json:"category,omitempty"`
	CostEUR    float64 `json:"costEUR"`
	EnergyKWH  float64 `json:"energyKWH"`
	Sessions   int     `json:"sessions"`
	Confidence float64 `json:"confidence"`
}
