// Package disagg implements non-intrusive load monitoring over a whole-home
// aggregate power series: baseline estimation, session segmentation,
// fingerprint matching with user label feedback, a deterministic clustering
// fallback for customers without history, and per-appliance aggregation.
//
// The package is a pure, synchronous computation: no I/O, no goroutines, no
// internal state between calls. Fingerprints round-trip through the caller's
// storage.
package disagg

import (
	"math"
	"time"

	"github.com/loadscope/loadscope/pkg/types"
)

// Params tunes the engine. Zero values are replaced by DefaultParams values
// in NewWithParams.
type Params struct {
	// MinPoints is the minimum number of valid samples required to segment a
	// window. Shorter windows degrade to a stand-by-only result.
	MinPoints int
	// BaselinePercentile of the power distribution used as the standby floor.
	BaselinePercentile float64

	// Threshold shape: clamp(baseline*ThresholdBaseFraction+ThresholdOffsetWatts,
	// ThresholdFloorWatts, ThresholdCeilWatts).
	ThresholdBaseFraction float64
	ThresholdOffsetWatts  float64
	ThresholdFloorWatts   float64
	ThresholdCeilWatts    float64

	// MatchThreshold is the minimum similarity score to assign a session to
	// an existing fingerprint.
	MatchThreshold float64
	// NewFingerprintScore is the fixed assignment score of a session that
	// created its fingerprint. Kept below MatchThreshold on purpose.
	NewFingerprintScore float64
	// StepPeakWeight down-weights the start-step and peak dimensions in the
	// similarity distance.
	StepPeakWeight float64
	// ScoreDecay maps squared distance to a score via exp(-ScoreDecay*d2).
	ScoreDecay float64

	// EMA rate bounds for centroid drift: clamp(1/max(EMAHorizon, n+1),
	// EMARateMin, EMARateMax).
	EMAHorizon  float64
	EMARateMin  float64
	EMARateMax  float64

	// KMeansIterations is the fixed Lloyd iteration count of the fallback
	// clusterer.
	KMeansIterations int
	// MaxAppliances caps cluster count and output length (plus the stand-by
	// entry) when the caller passes a non-positive limit.
	MaxAppliances int

	// LabelOverrideBelow: when repeated disagreeing user labels decay a
	// fingerprint's label confidence to this value or below, the user label
	// takes over.
	LabelOverrideBelow float64

	// StandbyConfidence is reported on the synthetic stand-by entry.
	StandbyConfidence float64
	// FallbackConfidence is reported on sessions identified by the cold-start
	// clusterer, which has no match quality to grade.
	FallbackConfidence float64

	// Now is the clock used for fingerprint CreatedAt/UpdatedAt.
	Now func() time.Time
}

// DefaultParams returns the production tuning.
func DefaultParams() Params {
	return Params{
		MinPoints:             4,
		BaselinePercentile:    0.10,
		ThresholdBaseFraction: 0.4,
		ThresholdOffsetWatts:  80,
		ThresholdFloorWatts:   40,
		ThresholdCeilWatts:    320,
		MatchThreshold:        0.55,
		NewFingerprintScore:   0.45,
		StepPeakWeight:        0.6,
		ScoreDecay:            0.9,
		EMAHorizon:            8,
		EMARateMin:            0.06,
		EMARateMax:            0.22,
		KMeansIterations:      15,
		MaxAppliances:         12,
		LabelOverrideBelow:    0,
		StandbyConfidence:     0.9,
		FallbackConfidence:    0.5,
		Now:                   time.Now,
	}
}

// Engine runs the NILM pipeline. Safe for concurrent use across customers.
type Engine struct {
	params Params
}

// New returns an Engine with DefaultParams.
func New() *Engine {
	return &Engine{params: DefaultParams()}
}

// NewWithParams returns an Engine with the given params, filling zero fields
// from DefaultParams.
func NewWithParams(p Params) *Engine {
	d := DefaultParams()
	if p.MinPoints == 0 {
		p.MinPoints = d.MinPoints
	}
	if p.BaselinePercentile == 0 {
		p.BaselinePercentile = d.BaselinePercentile
	}
	if p.ThresholdBaseFraction == 0 {
		p.ThresholdBaseFraction = d.ThresholdBaseFraction
	}
	if p.ThresholdOffsetWatts == 0 {
		p.ThresholdOffsetWatts = d.ThresholdOffsetWatts
	}
	if p.ThresholdFloorWatts == 0 {
		p.ThresholdFloorWatts = d.ThresholdFloorWatts
	}
	if p.ThresholdCeilWatts == 0 {
		p.ThresholdCeilWatts = d.ThresholdCeilWatts
	}
	if p.MatchThreshold == 0 {
		p.MatchThreshold = d.MatchThreshold
	}
	if p.NewFingerprintScore == 0 {
		p.NewFingerprintScore = d.NewFingerprintScore
	}
	if p.StepPeakWeight == 0 {
		p.StepPeakWeight = d.StepPeakWeight
	}
	if p.ScoreDecay == 0 {
		p.ScoreDecay = d.ScoreDecay
	}
	if p.EMAHorizon == 0 {
		p.EMAHorizon = d.EMAHorizon
	}
	if p.EMARateMin == 0 {
		p.EMARateMin = d.EMARateMin
	}
	if p.EMARateMax == 0 {
		p.EMARateMax = d.EMARateMax
	}
	if p.KMeansIterations == 0 {
		p.KMeansIterations = d.KMeansIterations
	}
	if p.MaxAppliances == 0 {
		p.MaxAppliances = d.MaxAppliances
	}
	if p.StandbyConfidence == 0 {
		p.StandbyConfidence = d.StandbyConfidence
	}
	if p.FallbackConfidence == 0 {
		p.FallbackConfidence = d.FallbackConfidence
	}
	if p.Now == nil {
		p.Now = d.Now
	}
	return &Engine{params: p}
}

// Extraction is the output of ExtractSessions.
type Extraction struct {
	BaselineWatts  float64         `json:"baselineWatts"`
	ThresholdWatts float64         `json:"thresholdWatts"`
	WindowHours    float64         `json:"windowHours"`
	Sessions       []types.Session `json:"sessions"`
}

// BaselineKWH integrates the baseline draw over the window.
func (x Extraction) BaselineKWH() float64 {
	return x.BaselineWatts * x.WindowHours / 1000.0
}

// Result is the output of one inference call. Fingerprints is the full
// updated list (nil on the fallback path) that the caller must persist.
type Result struct {
	Appliances   []types.InferredAppliance `json:"appliances"`
	Sessions     []types.InferredSession   `json:"sessions"`
	Fingerprints []types.Fingerprint       `json:"fingerprints,omitempty"`
}

func (e *Engine) maxAppliances(callerMax int) int {
	if callerMax > 0 {
		return callerMax
	}
	return e.params.MaxAppliances
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
