package disagg

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loadscope/loadscope/pkg/types"
)

func TestHeuristicLabel(t *testing.T) {
	cases := []struct {
		name                    string
		mean, dur, step, peak   float64
		wantLabel, wantCategory string
	}{
		{"HighPeakShort", 700, 15, 1400, 1500, "Microwave / oven", "cooking"},
		{"HighMeanMediumLong", 1200, 90, 600, 1300, "Water heater", "water-heating"},
		{"ModerateMeanMedium", 500, 120, 300, 800, "Washing machine / dishwasher", "laundry"},
		{"LowModerateMeanLong", 200, 400, 100, 300, "Climate control", "climate"},
		{"LowMeanShortSmallStep", 110, 30, 90, 140, "Refrigerator", "refrigeration"},
		{"Ambiguous", 250, 60, 250, 330, fallbackLabel, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			label, category := heuristicLabel(tc.mean, tc.dur, tc.step, tc.peak)
			assert.Equal(t, tc.wantLabel, label)
			assert.Equal(t, tc.wantCategory, category)
		})
	}
}

func TestApplyUserLabel(t *testing.T) {
	e := New()

	t.Run("AdoptsWhenUnlabeled", func(t *testing.T) {
		fp := types.Fingerprint{LabelConfidence: 0.3}
		e.applyUserLabel(&fp, "Termoacumulador")
		assert.Equal(t, "Termoacumulador", fp.Label)
		assert.InDelta(t, 0.6, fp.LabelConfidence, 0.001)
	})

	t.Run("AdoptKeepsHigherConfidence", func(t *testing.T) {
		fp := types.Fingerprint{LabelConfidence: 0.85}
		e.applyUserLabel(&fp, "Termoacumulador")
		assert.InDelta(t, 0.85, fp.LabelConfidence, 0.001)
	})

	t.Run("AgreementConvergesAndClamps", func(t *testing.T) {
		fp := types.Fingerprint{Label: "Water heater", LabelConfidence: 0.6}
		prev := fp.LabelConfidence
		for i := 0; i < 10; i++ {
			e.applyUserLabel(&fp, "water heater (garage)")
			assert.GreaterOrEqual(t, fp.LabelConfidence, prev, "confidence must be monotonic up")
			prev = fp.LabelConfidence
		}
		assert.InDelta(t, 1.0, fp.LabelConfidence, 0.001)
	})

	t.Run("DisagreementDecays", func(t *testing.T) {
		fp := types.Fingerprint{Label: "Water heater", LabelConfidence: 0.5}
		e.applyUserLabel(&fp, "Climate control")
		assert.InDelta(t, 0.38, fp.LabelConfidence, 0.001)
		assert.Equal(t, "Water heater", fp.Label, "one disagreement must not flip the label")
	})

	t.Run("RepeatedDisagreementTakesOver", func(t *testing.T) {
		fp := types.Fingerprint{Label: "Water heater", Category: "water-heating", LabelConfidence: 0.5}
		for i := 0; i < 10 && fp.Label == "Water heater"; i++ {
			e.applyUserLabel(&fp, "Climate control")
		}
		assert.Equal(t, "Climate control", fp.Label)
		assert.InDelta(t, 0.5, fp.LabelConfidence, 0.001)
		assert.Empty(t, fp.Category)
	})
}

func TestEnsureLabel(t *testing.T) {
	e := New()

	t.Run("BackfillsFromTable", func(t *testing.T) {
		fp := types.Fingerprint{MeanWatts: 1200, DurationMinutes: 90, StartStepWatts: 600, PeakWatts: 1300}
		e.ensureLabel(&fp)
		assert.Equal(t, "Water heater", fp.Label)
		assert.Equal(t, "water-heating", fp.Category)
		assert.InDelta(t, heuristicLabelConfidence, fp.LabelConfidence, 0.001)
	})

	t.Run("LeavesExistingLabel", func(t *testing.T) {
		fp := types.Fingerprint{Label: "EV charger", LabelConfidence: 0.8}
		e.ensureLabel(&fp)
		assert.Equal(t, "EV charger", fp.Label)
		assert.InDelta(t, 0.8, fp.LabelConfidence, 0.001)
	})
}
