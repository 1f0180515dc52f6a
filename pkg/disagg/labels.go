package disagg

import (
	"math"

	"github.com/loadscope/loadscope/pkg/types"
)

// labelRule is one row of the signature→label decision table. Rules are
// evaluated in priority order; the first match wins.
type labelRule struct {
	label    string
	category string
	match    func(meanW, durMin, stepW, peakW float64) bool
}

// fallbackLabel is used when no rule matches. No category: the signature is
// too ambiguous to bucket.
const fallbackLabel = "Inferred appliance"

var labelRules = []labelRule{
	{"Microwave / oven", "cooking", func(m, d, s, p float64) bool {
		return p >= 1200 && d <= 30
	}},
	{"Water heater", "water-heating", func(m, d, s, p float64) bool {
		return m >= 900 && d >= 30
	}},
	{"Washing machine / dishwasher", "laundry", func(m, d, s, p float64) bool {
		return m >= 350 && d >= 30 && d <= 180
	}},
	{"Climate control", "climate", func(m, d, s, p float64) bool {
		return m >= 100 && d >= 180
	}},
	{"Refrigerator", "refrigeration", func(m, d, s, p float64) bool {
		return m < 150 && d <= 45 && s <= 200
	}},
}

// heuristicLabel labels a signature from the fixed decision table.
func heuristicLabel(meanW, durMin, stepW, peakW float64) (label, category string) {
	for _, r := range labelRules {
		if r.match(meanW, durMin, stepW, peakW) {
			return r.label, r.category
		}
	}
	return fallbackLabel, ""
}

// heuristicLabelConfidence is assigned when a fingerprint is labeled from the
// table rather than by the user.
const heuristicLabelConfidence = 0.3

// applyUserLabel folds one user-confirmed label into a fingerprint.
// Agreement strengthens label confidence, disagreement weakens it, and enough
// disagreement lets the user label take over (threshold on Params, not here).
func (e *Engine) applyUserLabel(fp *types.Fingerprint, userLabel string) {
	switch {
	case fp.Label == "":
		fp.Label = userLabel
		fp.LabelConfidence = math.Max(fp.LabelConfidence, 0.6)
	case TypeKey(fp.Label) == TypeKey(userLabel):
		fp.LabelConfidence = math.Min(1, fp.LabelConfidence+0.08)
	default:
		fp.LabelConfidence = math.Max(0, fp.LabelConfidence-0.12)
		if fp.LabelConfidence <= e.params.LabelOverrideBelow {
			fp.Label = userLabel
			fp.Category = ""
			fp.LabelConfidence = 0.5
		}
	}
}

// ensureLabel backfills a heuristic label on a fingerprint that has none.
func (e *Engine) ensureLabel(fp *types.Fingerprint) {
	if fp.Label != "" {
		return
	}
	fp.Label, fp.Category = heuristicLabel(fp.MeanWatts, fp.DurationMinutes, fp.StartStepWatts, fp.PeakWatts)
	if fp.LabelConfidence < heuristicLabelConfidence {
		fp.LabelConfidence = heuristicLabelConfidence
	}
}
